package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/matrix-org/clientsync/hydration"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultPageSize is how many messages a MessagesUpdated payload carries.
const DefaultPageSize = 50

var errStopped = errors.New("ingestor is stopped")

type Options struct {
	// Backfill chunks are history: they never count towards unread.
	Backfill bool
}

// Result says what a chunk changed.
type Result struct {
	Inserted           int
	Updated            int
	Redacted           int
	Reactions          int
	Receipts           int
	LastMessageChanged bool
	// Unread is how much the room's unread count went up by.
	Unread int
}

func (r *Result) changedMessages() bool {
	return r.Inserted > 0 || r.Updated > 0 || r.Redacted > 0 || r.Reactions > 0 || r.Receipts > 0
}

type Config struct {
	UserID           string
	PageSize         int
	EnablePrometheus bool
}

// Ingestor applies timeline and ephemeral events to the local cache. Chunks are applied one at a time
// on the ingestor's own executor, in the order Ingest was called.
type Ingestor struct {
	cfg      Config
	store    *state.Storage
	rooms    *hydration.RoomTable
	notifier pubsub.Notifier
	exec     *internal.WorkerPool

	// held for reading by every Ingest in progress
	stopMu  sync.RWMutex
	stopped bool

	mu           sync.Mutex
	activeRoom   string
	typingHashes map[string]uint64

	eventsTotal *prometheus.CounterVec
}

func NewIngestor(cfg Config, store *state.Storage, rooms *hydration.RoomTable, notifier pubsub.Notifier) *Ingestor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	i := &Ingestor{
		cfg:          cfg,
		store:        store,
		rooms:        rooms,
		notifier:     notifier,
		exec:         internal.NewWorkerPool(1),
		typingHashes: make(map[string]uint64),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events ingested, by class",
		}, []string{"class"}),
	}
	if cfg.EnablePrometheus {
		prometheus.MustRegister(i.eventsTotal)
	}
	i.exec.Start()
	return i
}

// SetActiveRoom sets the room the user is looking at, or "" for none. The active room never counts
// unread and gets MessagesUpdated notifications.
func (i *Ingestor) SetActiveRoom(roomID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if roomID != i.activeRoom {
		// typing is only tracked for what has been published to the open room
		i.typingHashes = make(map[string]uint64)
	}
	i.activeRoom = roomID
}

func (i *Ingestor) ActiveRoom() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeRoom
}

// Stop waits for the chunk being applied and refuses any more.
func (i *Ingestor) Stop() {
	i.stopMu.Lock()
	defer i.stopMu.Unlock()
	if i.stopped {
		return
	}
	i.stopped = true
	i.exec.Stop()
	if i.cfg.EnablePrometheus {
		prometheus.Unregister(i.eventsTotal)
	}
}

// Ingest applies a chunk of events for one room and returns when it has been applied. Malformed events
// are dropped. Storage failures skip the affected event; the first one is returned after the rest of
// the chunk has been applied, so callers which track progress know not to advance.
func (i *Ingestor) Ingest(ctx context.Context, roomID string, events []json.RawMessage, opts Options) (*Result, error) {
	if len(events) == 0 {
		return &Result{}, nil
	}
	events = internal.RawEvents(events)
	i.stopMu.RLock()
	defer i.stopMu.RUnlock()
	if i.stopped {
		return nil, errStopped
	}
	var res *Result
	var err error
	i.exec.Run(func() {
		defer internal.ReportPanicsToSentry()
		res, err = i.apply(ctx, roomID, events, opts)
	})
	return res, err
}

// chunk is the running state of one Ingest call.
type chunk struct {
	ctx      context.Context
	roomID   string
	opts     Options
	active   bool
	res      Result
	firstErr error
	// newest visible message in the chunk, by non-decreasing timestamp
	last         *internal.ChatMessage
	redactedHere map[string]struct{}
	changedRooms map[string]*internal.RoomSummary
	typing       *pubsub.Typing
}

func (c *chunk) fail(err error) {
	logger.Err(err).Str("room", c.roomID).Msg("ingest: storage failure, skipping event")
	internal.GetSentryHubFromContextOrDefault(c.ctx).CaptureException(err)
	if c.firstErr == nil {
		c.firstErr = err
	}
}

func (c *chunk) roomChanged(s *internal.RoomSummary) {
	if s != nil {
		c.changedRooms[s.RoomID] = s
	}
}

func (i *Ingestor) apply(ctx context.Context, roomID string, events []json.RawMessage, opts Options) (*Result, error) {
	ctx = internal.SentryContext(ctx, roomID)
	ctx, task := internal.StartTask(ctx, "ingest")
	defer task.End()
	internal.SetSpanRoom(ctx, roomID)

	c := &chunk{
		ctx:          ctx,
		roomID:       roomID,
		opts:         opts,
		active:       i.ActiveRoom() == roomID,
		redactedHere: make(map[string]struct{}),
		changedRooms: make(map[string]*internal.RoomSummary),
	}
	for _, raw := range events {
		if err := ctx.Err(); err != nil {
			return &c.res, err
		}
		ev := gjson.ParseBytes(raw)
		if !ev.IsObject() {
			logger.Warn().Str("room", roomID).Msg("ingest: dropping event which is not an object")
			continue
		}
		class := internal.ClassifyEvent(ev)
		i.eventsTotal.WithLabelValues(class.String()).Inc()
		switch class {
		case internal.EventClassMessage:
			i.applyMessage(c, ev, raw)
		case internal.EventClassRedaction:
			i.applyRedaction(c, ev)
		case internal.EventClassReaction:
			i.applyReaction(c, ev)
		case internal.EventClassReceipt:
			i.applyReceipt(c, raw)
		case internal.EventClassTyping:
			i.applyTyping(c, ev)
		}
	}
	i.finish(c)
	return &c.res, c.firstErr
}

func (i *Ingestor) applyMessage(c *chunk, ev gjson.Result, raw json.RawMessage) {
	eventID := ev.Get("event_id").Str
	sender := ev.Get("sender").Str
	ts := ev.Get("origin_server_ts").Int()
	if eventID == "" || sender == "" || ts <= 0 {
		logger.Warn().Str("room", c.roomID).Str("event", eventID).Msg("ingest: dropping message missing event_id, sender or origin_server_ts")
		return
	}
	relatesTo := ev.Get(`content.m\.relates_to`)
	if relatesTo.Get("rel_type").Str == internal.RelationReplace {
		i.applyEdit(c, ev, relatesTo.Get("event_id").Str, ts)
		return
	}
	if internal.IsRedacted(ev) {
		// the server already redacted it: store it the way a local redaction would leave it
		if _, err := i.store.MessagesTable.Redact(c.ctx, c.roomID, eventID); err != nil {
			c.fail(err)
			return
		}
	}
	body := ev.Get("content.body")
	if body.Type != gjson.String && !internal.IsRedacted(ev) {
		logger.Warn().Str("room", c.roomID).Str("event", eventID).Msg("ingest: dropping message without a body")
		return
	}
	msg := &internal.ChatMessage{
		EventID:   eventID,
		RoomID:    c.roomID,
		Sender:    sender,
		Body:      body.Str,
		Kind:      internal.MessageKindFromMsgType(ev.Get("type").Str, ev.Get("content.msgtype").Str),
		Timestamp: ts,
		ReplyTo:   relatesTo.Get(`m\.in_reply_to.event_id`).Str,
		Event:     raw,
	}
	if msg.Kind.HasMedia() {
		msg.Media = internal.Media{
			URL:      ev.Get("content.url").Str,
			MimeType: ev.Get("content.info.mimetype").Str,
			Size:     ev.Get("content.info.size").Int(),
		}
	}
	result, err := i.store.MessagesTable.Upsert(c.ctx, msg)
	if err != nil {
		c.fail(err)
		return
	}
	switch result {
	case state.MessageInserted:
		c.res.Inserted++
		if sender != i.cfg.UserID && !c.opts.Backfill && !c.active && !internal.IsRedacted(ev) {
			c.res.Unread++
		}
	case state.MessageUpdated:
		c.res.Updated++
	}
	if internal.IsRedacted(ev) {
		return
	}
	if c.last == nil || ts >= c.last.Timestamp {
		c.last = msg
	}
}

func (i *Ingestor) applyEdit(c *chunk, ev gjson.Result, targetID string, ts int64) {
	newBody := ev.Get(`content.m\.new_content.body`)
	if targetID == "" || newBody.Type != gjson.String {
		logger.Warn().Str("room", c.roomID).Str("event", ev.Get("event_id").Str).Msg("ingest: dropping edit without target or new body")
		return
	}
	changed, err := i.store.MessagesTable.ApplyEdit(c.ctx, c.roomID, targetID, newBody.Str, ts)
	if err != nil {
		c.fail(err)
		return
	}
	if !changed {
		return
	}
	c.res.Updated++
	// the edited message may be the one shown in the room list
	if c.last != nil && c.last.EventID == targetID {
		c.last.Body = newBody.Str
	}
	room := i.rooms.Get(c.roomID)
	if room == nil || room.LastMessage.EventID != targetID {
		return
	}
	lm := room.LastMessage
	lm.Body = newBody.Str
	if err = i.store.RoomsTable.ReplaceLastMessage(c.ctx, c.roomID, lm, room.LastServerTimestamp); err != nil {
		c.fail(err)
		return
	}
	c.roomChanged(i.rooms.ReplaceLastMessage(c.roomID, lm, room.LastServerTimestamp))
}

func (i *Ingestor) applyRedaction(c *chunk, ev gjson.Result) {
	targetID := internal.RedactsEventID(ev)
	if targetID == "" {
		logger.Warn().Str("room", c.roomID).Str("event", ev.Get("event_id").Str).Msg("ingest: dropping redaction without a target")
		return
	}
	c.redactedHere[targetID] = struct{}{}
	reaction, err := i.store.ReactionsTable.DeleteByEventID(c.ctx, targetID)
	if err != nil {
		c.fail(err)
		return
	}
	if reaction != nil {
		c.res.Reactions++
		return
	}
	prev, err := i.store.MessagesTable.Redact(c.ctx, c.roomID, targetID)
	if err != nil {
		c.fail(err)
		return
	}
	if prev == nil {
		// unknown or already redacted
		return
	}
	c.res.Redacted++
	i.recomputeLastMessage(c, targetID)
}

// recomputeLastMessage replaces the room's last message with the newest visible one if the current one
// was just redacted.
func (i *Ingestor) recomputeLastMessage(c *chunk, redactedID string) {
	current := i.rooms.Get(c.roomID)
	if current == nil {
		stored, err := i.store.RoomsTable.Select(c.ctx, c.roomID)
		if err != nil {
			c.fail(err)
			return
		}
		current = stored
	}
	if current == nil || current.LastMessage.EventID != redactedID {
		return
	}
	latest, err := i.store.MessagesTable.SelectLatestVisible(c.ctx, c.roomID)
	if err != nil {
		c.fail(err)
		return
	}
	var lm internal.LastMessage
	var ts int64
	if latest != nil {
		lm = latest.AsLastMessage()
		ts = latest.Timestamp
	}
	if err = i.store.RoomsTable.ReplaceLastMessage(c.ctx, c.roomID, lm, ts); err != nil {
		c.fail(err)
		return
	}
	c.res.LastMessageChanged = true
	c.roomChanged(i.rooms.ReplaceLastMessage(c.roomID, lm, ts))
}

func (i *Ingestor) applyReaction(c *chunk, ev gjson.Result) {
	r := internal.Reaction{
		EventID:       ev.Get("event_id").Str,
		TargetEventID: ev.Get(`content.m\.relates_to.event_id`).Str,
		RoomID:        c.roomID,
		UserID:        ev.Get("sender").Str,
		Key:           ev.Get(`content.m\.relates_to.key`).Str,
		Timestamp:     ev.Get("origin_server_ts").Int(),
	}
	if r.EventID == "" || r.TargetEventID == "" || r.UserID == "" || r.Key == "" {
		logger.Warn().Str("room", c.roomID).Str("event", r.EventID).Msg("ingest: dropping malformed reaction")
		return
	}
	if internal.IsRedacted(ev) {
		return
	}
	if _, ok := c.redactedHere[r.EventID]; ok {
		return
	}
	// a redaction for this reaction may have arrived first and left a tombstone
	tombstone, err := i.store.MessagesTable.Select(c.ctx, r.EventID)
	if err != nil {
		c.fail(err)
		return
	}
	if tombstone != nil && tombstone.Redacted {
		return
	}
	changed, err := i.store.ReactionsTable.Upsert(c.ctx, r)
	if err != nil {
		c.fail(err)
		return
	}
	if changed {
		c.res.Reactions++
	}
}

func (i *Ingestor) applyReceipt(c *chunk, raw json.RawMessage) {
	receipts, err := i.store.ReceiptsTable.Insert(c.ctx, c.roomID, raw)
	if err != nil {
		if internal.KindOf(err) == internal.KindMalformed {
			logger.Warn().Err(err).Str("room", c.roomID).Msg("ingest: dropping malformed receipt")
			return
		}
		c.fail(err)
		return
	}
	if len(receipts) == 0 {
		return
	}
	readUpTo, ok, err := i.readUpTo(c)
	if err != nil {
		c.fail(err)
		return
	}
	if !ok {
		return
	}
	n, err := i.store.MessagesTable.MarkRead(c.ctx, c.roomID, readUpTo)
	if err != nil {
		c.fail(err)
		return
	}
	c.res.Receipts += int(n)
}

// readUpTo is the timestamp every other joined member has read up to: the oldest of their newest
// receipts. ok is false if some member has no receipt yet or nobody else is joined.
func (i *Ingestor) readUpTo(c *chunk) (ts int64, ok bool, err error) {
	joined := i.rooms.JoinedMembers(c.roomID)
	if joined == nil {
		stored, err := i.store.RoomsTable.Select(c.ctx, c.roomID)
		if err != nil {
			return 0, false, err
		}
		if stored != nil {
			joined = stored.Joined
		}
	}
	latest, err := i.store.ReceiptsTable.SelectLatestByUser(c.ctx, c.roomID)
	if err != nil {
		return 0, false, err
	}
	others := 0
	for _, userID := range joined {
		if userID == i.cfg.UserID {
			continue
		}
		others++
		userTS, exists := latest[userID]
		if !exists {
			return 0, false, nil
		}
		if others == 1 || userTS < ts {
			ts = userTS
		}
	}
	return ts, others > 0, nil
}

func (i *Ingestor) applyTyping(c *chunk, ev gjson.Result) {
	if !c.active {
		return
	}
	var userIDs []string
	for _, u := range ev.Get("content.user_ids").Array() {
		if u.Str != "" {
			userIDs = append(userIDs, u.Str)
		}
	}
	sort.Strings(userIDs)
	h := fnv.New64a()
	h.Write([]byte(strings.Join(userIDs, "\x00")))
	sum := h.Sum64()
	i.mu.Lock()
	prev, seen := i.typingHashes[c.roomID]
	i.typingHashes[c.roomID] = sum
	i.mu.Unlock()
	if seen && prev == sum {
		return
	}
	if !seen && len(userIDs) == 0 {
		return
	}
	c.typing = &pubsub.Typing{RoomID: c.roomID, UserIDs: userIDs}
}

func (i *Ingestor) finish(c *chunk) {
	if c.last != nil {
		if _, redacted := c.redactedHere[c.last.EventID]; redacted {
			c.last = nil
		}
	}
	if c.last != nil {
		// an edit stored before the message arrived wins over the body in the event
		stored, err := i.store.MessagesTable.Select(c.ctx, c.last.EventID)
		if err != nil {
			c.fail(err)
		} else if stored != nil && stored.Redacted {
			// re-delivery of something redacted earlier
			c.last = nil
		} else if stored != nil {
			c.last.Body = stored.Body
		}
	}
	if c.last != nil {
		lm := c.last.AsLastMessage()
		changed, err := i.store.RoomsTable.UpdateLastMessage(c.ctx, c.roomID, lm, c.last.Timestamp)
		if err != nil {
			c.fail(err)
		}
		if updated := i.rooms.UpdateLastMessage(c.roomID, lm, c.last.Timestamp); updated != nil {
			c.roomChanged(updated)
			changed = true
		}
		c.res.LastMessageChanged = c.res.LastMessageChanged || changed
	}
	if c.res.Unread > 0 {
		if err := i.store.RoomsTable.IncrementUnread(c.ctx, c.roomID, c.res.Unread); err != nil {
			c.fail(err)
		}
		c.roomChanged(i.rooms.AddUnread(c.roomID, c.res.Unread))
	}
	if len(c.changedRooms) > 0 {
		changed := make([]*internal.RoomSummary, 0, len(c.changedRooms))
		for _, s := range c.changedRooms {
			changed = append(changed, s)
		}
		hydration.SortRooms(changed)
		i.notify(pubsub.ChanRoomList, &pubsub.RoomListUpdated{Rooms: changed})
	}
	if !c.active {
		return
	}
	if c.res.changedMessages() {
		if err := i.PublishMessages(c.ctx, c.roomID); err != nil {
			logger.Warn().Err(err).Str("room", c.roomID).Msg("failed to publish messages")
		}
	}
	if c.typing != nil {
		i.notify(pubsub.ChanMessages, c.typing)
	}
}

// PublishMessages sends the latest page of the room's messages to the message stream.
func (i *Ingestor) PublishMessages(ctx context.Context, roomID string) error {
	msgs, err := i.store.Messages(ctx, roomID, i.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("PublishMessages: %w", err)
	}
	i.notify(pubsub.ChanMessages, &pubsub.MessagesUpdated{RoomID: roomID, Messages: msgs})
	return nil
}

func (i *Ingestor) notify(chanName string, payload pubsub.Payload) {
	if err := i.notifier.Notify(chanName, payload); err != nil {
		logger.Warn().Err(err).Str("chan", chanName).Msg("failed to notify")
	}
}
