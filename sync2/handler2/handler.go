package handler2

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/matrix-org/clientsync/ingest"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/state"
	"github.com/matrix-org/clientsync/summary"
	"github.com/matrix-org/clientsync/sync2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultStateFetchWorkers bounds concurrent /state requests for rooms seen without their state.
const DefaultStateFetchWorkers = 2

// Ingester applies timeline and ephemeral events. ingest.Ingestor implements it.
type Ingester interface {
	Ingest(ctx context.Context, roomID string, events []json.RawMessage, opts ingest.Options) (*ingest.Result, error)
	// ActiveRoom is the room the user has open, or "".
	ActiveRoom() string
}

// Hydrator takes summaries to be made display-ready. hydration.Pipeline implements it.
type Hydrator interface {
	Enqueue(summaries ...*internal.RoomSummary)
}

// StateFetcher fetches the full current state of a room. backfill.Coordinator implements it.
type StateFetcher interface {
	FetchState(ctx context.Context, roomID string) ([]json.RawMessage, error)
}

// RoomLookup says whether a room has been committed to the room list. hydration.RoomTable implements it.
type RoomLookup interface {
	Get(roomID string) *internal.RoomSummary
}

type Config struct {
	UserID            string
	StateFetchWorkers int
	EnablePrometheus  bool
}

// Handler is the sync2.V2DataReceiver: it turns each sync response into ingested messages and
// updated room summaries.
type Handler struct {
	cfg        Config
	builder    *summary.Builder
	store      *state.Storage
	pagination *sync2.PaginationTable
	ingester   Ingester
	hydrator   Hydrator
	rooms      RoomLookup
	fetcher    StateFetcher

	// the latest summary of every room, including ones still waiting for hydration
	mu        sync.Mutex
	summaries map[string]*internal.RoomSummary

	stateMu       sync.Mutex
	fetchingState map[string]struct{}
	statePool     *internal.WorkerPool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	numRooms prometheus.Gauge
}

func NewHandler(
	cfg Config, builder *summary.Builder, store *state.Storage, pagination *sync2.PaginationTable,
	ingester Ingester, hydrator Hydrator, rooms RoomLookup, fetcher StateFetcher,
) *Handler {
	if cfg.StateFetchWorkers <= 0 {
		cfg.StateFetchWorkers = DefaultStateFetchWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:           cfg,
		builder:       builder,
		store:         store,
		pagination:    pagination,
		ingester:      ingester,
		hydrator:      hydrator,
		rooms:         rooms,
		fetcher:       fetcher,
		summaries:     make(map[string]*internal.RoomSummary),
		fetchingState: make(map[string]struct{}),
		statePool:     internal.NewWorkerPool(cfg.StateFetchWorkers),
		ctx:           ctx,
		cancel:        cancel,
	}
	if cfg.EnablePrometheus {
		h.numRooms = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clientsync",
			Subsystem: "handler",
			Name:      "num_rooms",
			Help:      "Number of rooms known to the sync handler.",
		})
		prometheus.MustRegister(h.numRooms)
	}
	h.statePool.Start()
	return h
}

// Teardown abandons queued state fetches and waits for running ones.
func (h *Handler) Teardown() {
	h.cancel()
	h.wg.Wait()
	h.statePool.Stop()
	if h.numRooms != nil {
		prometheus.Unregister(h.numRooms)
	}
}

// Prime seeds the handler with summaries loaded from the local cache, so the next sync response
// updates them rather than starting over.
func (h *Handler) Prime(summaries []*internal.RoomSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range summaries {
		h.summaries[s.RoomID] = s.Copy()
	}
	h.updateMetrics()
}

// Forget a removed room.
func (h *Handler) Forget(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.summaries, roomID)
	h.updateMetrics()
}

// ResetUnread zeroes the unread count carried by the room's latest summary.
func (h *Handler) ResetUnread(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.summaries[roomID]; ok {
		s.UnreadCount = 0
		s.UnreadOverride = false
	}
}

// Summary returns a copy of the latest known summary of the room, or nil.
func (h *Handler) Summary(roomID string) *internal.RoomSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summaries[roomID].Copy()
}

// Accumulate implements sync2.V2DataReceiver. Rooms are processed in room ID order. Every room is
// attempted; the first storage error is returned so the poller requests the same data again.
func (h *Handler) Accumulate(ctx context.Context, res *sync2.SyncResponse) error {
	var firstErr error
	keepErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, roomID := range sortedKeys(res.Rooms.Join) {
		keepErr(h.accumulateJoined(ctx, roomID, res.Rooms.Join[roomID]))
	}
	for _, roomID := range sortedKeys(res.Rooms.Invite) {
		inv := res.Rooms.Invite[roomID]
		h.update(ctx, roomID, inv.InviteState.Events, nil, nil)
	}
	for _, roomID := range sortedKeys(res.Rooms.Leave) {
		keepErr(h.accumulateLeft(ctx, roomID, res.Rooms.Leave[roomID]))
	}
	return firstErr
}

func (h *Handler) accumulateJoined(ctx context.Context, roomID string, room sync2.SyncV2JoinResponse) error {
	ctx = internal.SentryContext(ctx, roomID)
	internal.SetSpanRoom(ctx, roomID)
	events := make([]json.RawMessage, 0, len(room.Timeline.Events)+len(room.Ephemeral.Events))
	events = append(events, room.Timeline.Events...)
	events = append(events, room.Ephemeral.Events...)

	// The ingestor counts unread against rooms in the room list. For anything else the count has to
	// travel with the summary, starting from what it was before this response.
	inList := h.rooms.Get(roomID) != nil
	var base int
	if !inList {
		base = h.unreadBase(ctx, roomID)
	}
	var unread int
	var firstErr error
	if len(events) > 0 {
		result, err := h.ingester.Ingest(ctx, roomID, events, ingest.Options{})
		if err != nil {
			logger.Err(err).Str("room", roomID).Int("events", len(events)).Msg("Accumulate: failed to ingest events")
			firstErr = err
		}
		if result != nil {
			unread = result.Unread
		}
	}
	if room.Timeline.PrevBatch != "" {
		if _, err := h.pagination.SeedBackward(ctx, roomID, room.Timeline.PrevBatch); err != nil {
			logger.Err(err).Str("room", roomID).Msg("Accumulate: failed to seed pagination cursor")
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	override := room.UnreadNotifications.NotificationCount
	if roomID == h.ingester.ActiveRoom() {
		// whatever the server counts, the open room has been read
		zero := 0
		override = &zero
	} else if override == nil && !inList && unread > 0 {
		count := base + unread
		override = &count
	}
	s := h.update(ctx, roomID, room.State.Events, room.Timeline.Events, override)
	if s != nil && s.ParticipantsCount == 0 && !s.IsLeft {
		h.fetchState(roomID)
	}
	return firstErr
}

func (h *Handler) accumulateLeft(ctx context.Context, roomID string, room sync2.SyncV2LeaveResponse) error {
	ctx = internal.SentryContext(ctx, roomID)
	var firstErr error
	if len(room.Timeline.Events) > 0 {
		// history up to the leave is still readable, but it is not unread
		if _, err := h.ingester.Ingest(ctx, roomID, room.Timeline.Events, ingest.Options{Backfill: true}); err != nil {
			logger.Err(err).Str("room", roomID).Msg("Accumulate: failed to ingest events of left room")
			firstErr = err
		}
	}
	h.update(ctx, roomID, room.State.Events, room.Timeline.Events, nil)
	return firstErr
}

// update folds events into the room's latest summary and hands the result to hydration.
func (h *Handler) update(ctx context.Context, roomID string, stateEvents, timeline []json.RawMessage, unreadOverride *int) *internal.RoomSummary {
	h.mu.Lock()
	prev, err := h.previous(ctx, roomID)
	if err != nil {
		h.mu.Unlock()
		logger.Err(err).Str("room", roomID).Msg("Accumulate: failed to load room summary")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return nil
	}
	s := h.builder.Update(prev, stateEvents, timeline, unreadOverride)
	if err = h.syncLastMessage(ctx, s); err != nil {
		logger.Err(err).Str("room", roomID).Msg("Accumulate: failed to check last message")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	h.summaries[roomID] = s
	h.updateMetrics()
	h.mu.Unlock()

	h.hydrator.Enqueue(s)
	return s
}

// syncLastMessage brings the summary's last message in line with the messages table, which the
// ingestor keeps up to date with edits and redactions the builder never sees. A redacted last message
// is replaced by the newest visible one, even though it is older.
func (h *Handler) syncLastMessage(ctx context.Context, s *internal.RoomSummary) error {
	if s.LastMessage.EventID == "" {
		return nil
	}
	stored, err := h.store.MessagesTable.Select(ctx, s.LastMessage.EventID)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	if !stored.Redacted {
		s.LastMessage.Body = stored.Body
		return nil
	}
	latest, err := h.store.MessagesTable.SelectLatestVisible(ctx, s.RoomID)
	if err != nil {
		return err
	}
	s.LastMessage = internal.LastMessage{}
	s.LastServerTimestamp = 0
	if latest != nil {
		s.LastMessage = latest.AsLastMessage()
		s.LastServerTimestamp = latest.Timestamp
	}
	return nil
}

func (h *Handler) unreadBase(ctx context.Context, roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, err := h.previous(ctx, roomID)
	if err != nil {
		return 0
	}
	return prev.UnreadCount
}

// previous returns the latest summary of the room, falling back to the local cache. Must hold h.mu.
func (h *Handler) previous(ctx context.Context, roomID string) (*internal.RoomSummary, error) {
	if s, ok := h.summaries[roomID]; ok {
		return s, nil
	}
	s, err := h.store.RoomsTable.Select(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &internal.RoomSummary{RoomID: roomID}
	}
	return s, nil
}

// fetchState asks the server for the state of a room we know nothing structural about. At most one
// fetch per room is in flight; if the pool is busy the room is retried on its next sync.
func (h *Handler) fetchState(roomID string) {
	if h.fetcher == nil {
		return
	}
	h.stateMu.Lock()
	if _, ok := h.fetchingState[roomID]; ok {
		h.stateMu.Unlock()
		return
	}
	h.fetchingState[roomID] = struct{}{}
	h.stateMu.Unlock()

	h.wg.Add(1)
	queued := h.statePool.TryQueue(func() {
		defer h.wg.Done()
		defer func() {
			h.stateMu.Lock()
			delete(h.fetchingState, roomID)
			h.stateMu.Unlock()
		}()
		if h.ctx.Err() != nil {
			return
		}
		ctx := internal.SentryContext(h.ctx, roomID)
		events, err := h.fetcher.FetchState(ctx, roomID)
		if err != nil {
			logger.Warn().Err(err).Str("room", roomID).Msg("failed to fetch room state")
			return
		}
		h.update(ctx, roomID, events, nil, nil)
	})
	if !queued {
		h.wg.Done()
		h.stateMu.Lock()
		delete(h.fetchingState, roomID)
		h.stateMu.Unlock()
	}
}

func (h *Handler) updateMetrics() {
	if h.numRooms == nil {
		return
	}
	h.numRooms.Set(float64(len(h.summaries)))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
