package clientsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/clientsync/backfill"
	"github.com/matrix-org/clientsync/hydration"
	"github.com/matrix-org/clientsync/ingest"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/membership"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/state"
	"github.com/matrix-org/clientsync/summary"
	"github.com/matrix-org/clientsync/sync2"
	"github.com/matrix-org/clientsync/sync2/handler2"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var errTornDown = errors.New("engine has been torn down")

// Engine is the client-side sync engine for one session. It owns every component and the executors
// they run on; callers talk to it through these methods and the observer channels.
type Engine struct {
	cfg     Config
	client  sync2.Client
	store   *state.Storage
	v2Store *sync2.Storage
	session *sync2.Session

	ps       *pubsub.PubSub
	notifier pubsub.Notifier

	rooms     *hydration.RoomTable
	directory *hydration.CachedDirectory
	ui        *internal.WorkerPool
	pipeline  *hydration.Pipeline
	ingestor  *ingest.Ingestor
	backfill  *backfill.Coordinator
	handler   *handler2.Handler
	poller    *sync2.Poller

	mu       sync.Mutex
	observed string
	torndown bool
}

// New wires up an engine on db, which must already hold the migrated local cache tables or be empty.
// If client is nil an HTTP client for cfg.HomeserverURL is used. The database is not closed by
// Teardown.
func New(cfg Config, client sync2.Client, db *sqlx.DB) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		if cfg.HomeserverURL == "" {
			return nil, fmt.Errorf("invalid config: HomeserverURL is required without a client")
		}
		client = sync2.NewHTTPClient(cfg.HomeserverURL, cfg.HTTPTimeout)
	}
	e := &Engine{
		cfg:     cfg,
		client:  client,
		store:   state.NewStorageWithDB(db, cfg.EnablePrometheus),
		v2Store: sync2.NewStoreWithDB(db, cfg.Secret),
		ps:      pubsub.NewPubSub(cfg.BufferSize),
		rooms:   hydration.NewRoomTable(),
		ui:      internal.NewWorkerPool(1),
	}
	e.session = e.v2Store.TokensTable.Session(cfg.UserID, cfg.DeviceID)
	e.notifier = e.ps
	if cfg.EnablePrometheus {
		e.notifier = pubsub.NewPromNotifier(e.ps, "engine")
	}
	e.directory = hydration.NewCachedDirectory(e.store.ContactsTable, cfg.ContactTTL)
	e.ui.Start()
	e.pipeline = hydration.NewPipeline(hydration.Config{
		UserID:            cfg.UserID,
		ProfileFetchLimit: cfg.ProfileFetchLimit,
		EnablePrometheus:  cfg.EnablePrometheus,
	}, e.directory, sync2.NewProfileFetcher(client, e.session), e.rooms, e.store.RoomsTable, e.ui, e.notifier)
	e.ingestor = ingest.NewIngestor(ingest.Config{
		UserID:           cfg.UserID,
		PageSize:         cfg.PageSize,
		EnablePrometheus: cfg.EnablePrometheus,
	}, e.store, e.rooms, e.notifier)
	e.backfill = backfill.NewCoordinator(backfill.Config{
		UserID:           cfg.UserID,
		Workers:          cfg.BackfillWorkers,
		DefaultPageSize:  cfg.PageSize,
		EnablePrometheus: cfg.EnablePrometheus,
	}, client, e.session, e.v2Store.PaginationTable, e.ingestor, e.notifier)
	// membership sequence numbers only need to be unique within this process
	builder := summary.NewBuilder(cfg.UserID, membership.NewCounterSequencer(uint64(time.Now().UnixNano())))
	e.handler = handler2.NewHandler(handler2.Config{
		UserID:           cfg.UserID,
		EnablePrometheus: cfg.EnablePrometheus,
	}, builder, e.store, e.v2Store.PaginationTable, e.ingestor, e.pipeline, e.rooms, e.backfill)
	e.poller = sync2.NewPoller(sync2.PollerConfig{
		UserID:           cfg.UserID,
		DeviceID:         cfg.DeviceID,
		Interval:         cfg.PollInterval,
		EnablePrometheus: cfg.EnablePrometheus,
	}, client, e.session, e.v2Store.CursorsTable, e.handler, e.notifier)
	return e, nil
}

// SetAccessToken stores the session's access token. A poller halted by an unauthorized response needs
// StartSync to be called again afterwards.
func (e *Engine) SetAccessToken(ctx context.Context, accessToken string) error {
	return e.v2Store.TokensTable.Store(ctx, e.cfg.UserID, e.cfg.DeviceID, accessToken, time.Now())
}

// LoadCache reads every persisted room and queues it for hydration, so the room list is populated
// before the first sync response arrives. Returns the number of rooms loaded.
func (e *Engine) LoadCache(ctx context.Context) (int, error) {
	summaries, err := e.store.RoomsTable.SelectAll(ctx)
	if err != nil {
		return 0, err
	}
	e.handler.Prime(summaries)
	e.pipeline.Enqueue(summaries...)
	logger.Info().Str("user", e.cfg.UserID).Int("rooms", len(summaries)).Msg("loaded local cache")
	return len(summaries), nil
}

// StartSync starts polling. An empty cursor continues from the stored one.
func (e *Engine) StartSync(cursor string) {
	e.poller.Start(cursor)
}

func (e *Engine) StopSync() {
	e.poller.Stop()
}

// SyncRunning is false before StartSync, after StopSync, and once the server rejects the session.
func (e *Engine) SyncRunning() bool {
	return e.poller.Running()
}

// SyncCursor is the since token the next sync request will use.
func (e *Engine) SyncCursor() string {
	return e.poller.Since()
}

// WaitUntilInitialSync blocks until the first sync response has been handled.
func (e *Engine) WaitUntilInitialSync(ctx context.Context) error {
	return e.poller.WaitUntilInitialSync(ctx)
}

// Logout stops syncing and forgets the access token. The local cache is kept.
func (e *Engine) Logout(ctx context.Context) error {
	e.poller.Stop()
	return e.session.Invalidate(ctx)
}

// Rooms returns copies of every hydrated room, most recently active first.
func (e *Engine) Rooms() []*internal.RoomSummary {
	return e.rooms.Rooms()
}

// Room returns a copy of the room, or nil if it has not been hydrated.
func (e *Engine) Room(roomID string) *internal.RoomSummary {
	return e.rooms.Get(roomID)
}

// HydrationProgress reports how many of the rooms seen so far are display-ready.
func (e *Engine) HydrationProgress() (hydrated, total int) {
	return e.pipeline.Progress()
}

// Subscribe to one of the pubsub channels. ChanMessages is managed by EnableMessageObservation.
func (e *Engine) Subscribe(chanName string) (<-chan pubsub.Payload, error) {
	if chanName == pubsub.ChanMessages {
		return nil, fmt.Errorf("subscribe %s: use EnableMessageObservation", chanName)
	}
	return e.ps.Subscribe(chanName)
}

// Unsubscribe closes the channel's stream with a final StreamClosed payload.
func (e *Engine) Unsubscribe(chanName string) {
	e.ps.Unsubscribe(chanName, nil)
}

// EnableMessageObservation makes roomID the active room: its unread count drops to zero and stays
// there while it is observed, and its messages are streamed on the returned channel starting with the
// current page. Observing another room closes the previous stream.
func (e *Engine) EnableMessageObservation(ctx context.Context, roomID string) (<-chan pubsub.Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torndown {
		return nil, errTornDown
	}
	if e.observed != "" {
		e.ps.Unsubscribe(pubsub.ChanMessages, nil)
	}
	ch, err := e.ps.Subscribe(pubsub.ChanMessages)
	if err != nil {
		return nil, err
	}
	e.observed = roomID
	e.ingestor.SetActiveRoom(roomID)
	e.resetUnread(ctx, roomID)
	if err = e.ingestor.PublishMessages(ctx, roomID); err != nil {
		// the stream still carries new messages
		logger.Err(err).Str("room", roomID).Msg("EnableMessageObservation: failed to load current messages")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	return ch, nil
}

// DisableMessageObservation closes the message stream. No-op if nothing is observed.
func (e *Engine) DisableMessageObservation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disableMessageObservation()
}

// must hold e.mu
func (e *Engine) disableMessageObservation() {
	if e.observed == "" {
		return
	}
	e.ingestor.SetActiveRoom("")
	e.ps.Unsubscribe(pubsub.ChanMessages, nil)
	e.observed = ""
}

// ObservedRoom returns the active room, or "".
func (e *Engine) ObservedRoom() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observed
}

func (e *Engine) resetUnread(ctx context.Context, roomID string) {
	e.handler.ResetUnread(roomID)
	// serialised with hydration commits, which persist the table's count
	e.ui.Run(func() {
		s := e.rooms.ResetUnread(roomID)
		if err := e.store.RoomsTable.ResetUnread(ctx, roomID); err != nil {
			logger.Err(err).Str("room", roomID).Msg("failed to reset unread count")
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		}
		if s != nil {
			e.notify(pubsub.ChanRoomList, &pubsub.RoomListUpdated{Rooms: []*internal.RoomSummary{s}})
		}
	})
}

// FetchOlderMessages requests one page of history older than anything stored for the room. Returns
// false if the room already has a backfill in flight. Progress is published on ChanBackfill and the
// messages themselves on the message stream if the room is observed.
func (e *Engine) FetchOlderMessages(ctx context.Context, roomID string, pageSize int) bool {
	return e.backfill.Backfill(ctx, backfill.Request{
		RoomID:    roomID,
		Pages:     1,
		PageSize:  pageSize,
		Direction: sync2.DirectionBackward,
	})
}

// Backfill queues a multi-page history request.
func (e *Engine) Backfill(ctx context.Context, req backfill.Request) bool {
	return e.backfill.Backfill(ctx, req)
}

func (e *Engine) CancelBackfill(roomID string) bool {
	return e.backfill.Cancel(roomID)
}

// Messages returns up to limit of the newest stored messages of a room, oldest first.
func (e *Engine) Messages(ctx context.Context, roomID string, limit int) ([]internal.ChatMessage, error) {
	if limit <= 0 {
		limit = e.cfg.PageSize
	}
	return e.store.Messages(ctx, roomID, limit)
}

// RemoveRoom forgets a room entirely: stored summary, messages, reactions, receipts and pagination
// progress. The room comes back if the server sends it again.
func (e *Engine) RemoveRoom(ctx context.Context, roomID string) error {
	e.backfill.Cancel(roomID)
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return errTornDown
	}
	if e.observed == roomID {
		e.disableMessageObservation()
	}
	e.mu.Unlock()
	if err := e.store.RemoveRoom(ctx, roomID); err != nil {
		return err
	}
	if err := e.v2Store.RemoveRoom(ctx, roomID); err != nil {
		return err
	}
	e.handler.Forget(roomID)
	e.pipeline.Forget(roomID)
	// after any commit of this room already queued
	e.ui.Run(func() {
		e.rooms.Remove(roomID)
	})
	e.notify(pubsub.ChanRoomList, &pubsub.RoomListUpdated{Removed: []string{roomID}})
	logger.Info().Str("room", roomID).Msg("removed room")
	return nil
}

// Flush blocks until every summary handed to hydration so far has been committed.
func (e *Engine) Flush() {
	e.pipeline.Flush()
}

// Teardown stops every component, producers first. Observer channels are closed with a final
// StreamClosed payload.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.torndown {
		e.mu.Unlock()
		return
	}
	e.torndown = true
	e.mu.Unlock()

	e.poller.Teardown()
	e.backfill.Stop()
	e.handler.Teardown()
	e.pipeline.Stop()
	e.ingestor.Stop()
	e.ui.Run(func() {})
	e.ui.Stop()
	e.directory.Stop()
	e.store.UnregisterMetrics()
	if err := e.notifier.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close notifier")
	}
}

func (e *Engine) notify(chanName string, payload pubsub.Payload) {
	if err := e.notifier.Notify(chanName, payload); err != nil {
		logger.Warn().Err(err).Str("chan", chanName).Msg("failed to notify")
	}
}
