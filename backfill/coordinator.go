package backfill

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrix-org/clientsync/ingest"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/sync2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultWorkers     = 4
	DefaultPageTimeout = 25 * time.Second
	DefaultPageSize    = 50
)

// Ingester applies a page of history. ingest.Ingestor implements it.
type Ingester interface {
	Ingest(ctx context.Context, roomID string, events []json.RawMessage, opts ingest.Options) (*ingest.Result, error)
}

type Config struct {
	UserID          string
	Workers         int
	PageTimeout     time.Duration
	DefaultPageSize int
	// Register prometheus metrics. Only one coordinator per process may do so.
	EnablePrometheus bool
}

// Request asks for up to Pages pages of PageSize events each.
type Request struct {
	RoomID    string
	Pages     int
	PageSize  int
	Direction sync2.Direction
}

type job struct {
	Request
	cancelled atomic.Bool
}

// Coordinator fetches room history on demand. At most one job runs per room, and jobs for different
// rooms share a bounded worker pool. Each page is ingested before the room's pagination cursor moves,
// so an interrupted job resumes where the last complete page left off.
type Coordinator struct {
	cfg        Config
	client     sync2.Client
	tokens     sync2.TokenSource
	pagination *sync2.PaginationTable
	ingester   Ingester
	notifier   pubsub.Notifier

	pool   *internal.WorkerPool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]*job
	stopped  bool

	pageDuration *prometheus.HistogramVec
}

func NewCoordinator(cfg Config, client sync2.Client, tokens sync2.TokenSource, pagination *sync2.PaginationTable, ingester Ingester, notifier pubsub.Notifier) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		client:     client,
		tokens:     tokens,
		pagination: pagination,
		ingester:   ingester,
		notifier:   notifier,
		pool:       internal.NewWorkerPool(cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   make(map[string]*job),
	}
	if cfg.EnablePrometheus {
		c.pageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clientsync",
			Subsystem: "backfill",
			Name:      "page_duration_secs",
			Help:      "Time taken to fetch one page of room history",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 25},
		}, []string{"outcome"})
		prometheus.MustRegister(c.pageDuration)
	}
	c.pool.Start()
	return c
}

// Backfill queues a job. Returns false, doing nothing, if the room already has a job in flight or
// the coordinator is stopped.
func (c *Coordinator) Backfill(ctx context.Context, req Request) bool {
	if req.Pages <= 0 {
		req.Pages = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = c.cfg.DefaultPageSize
	}
	if req.Direction == "" {
		req.Direction = sync2.DirectionBackward
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if _, exists := c.inFlight[req.RoomID]; exists {
		c.mu.Unlock()
		return false
	}
	j := &job{Request: req}
	c.inFlight[req.RoomID] = j
	c.wg.Add(1)
	c.mu.Unlock()

	txnID := internal.TxnID(ctx)
	// Queue blocks while the pool is saturated, the caller should not.
	go c.pool.Queue(func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, req.RoomID)
			c.mu.Unlock()
		}()
		defer internal.ReportPanicsToSentry()
		c.run(j, txnID)
	})
	return true
}

// Cancel stops the room's job before its next page. A page already requested is still ingested.
// Returns false if the room has no job in flight.
func (c *Coordinator) Cancel(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.inFlight[roomID]
	if ok {
		j.cancelled.Store(true)
	}
	return ok
}

func (c *Coordinator) InFlight(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[roomID]
	return ok
}

// FetchState returns the room's current state events, for rooms seen without their state.
func (c *Coordinator) FetchState(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()
	return c.client.RoomState(ctx, token, roomID)
}

// Stop cancels every job and waits for them to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()
	if c.pageDuration != nil {
		prometheus.Unregister(c.pageDuration)
	}
}

func (c *Coordinator) run(j *job, txnID string) {
	ctx := internal.SyncContext(c.ctx, c.cfg.UserID)
	internal.SetSyncContextRoomID(ctx, j.RoomID)
	ctx = internal.SentryContext(ctx, j.RoomID)
	ctx, task := internal.StartTask(ctx, "backfill")
	defer task.End()
	internal.SetSpanRoom(ctx, j.RoomID)
	l := internal.DecorateLogger(ctx, logger.Debug()).Str("dir", string(j.Direction)).Int("pages", j.Pages)
	if txnID != "" {
		l = l.Str("requested_by", txnID)
	}
	l.Msg("backfill started")

	for done := 0; done < j.Pages; done++ {
		if j.cancelled.Load() {
			internal.DecorateLogger(ctx, logger.Debug()).Int("done", done).Msg("backfill cancelled")
			return
		}
		if ctx.Err() != nil {
			return
		}
		finished, err := c.page(ctx, j)
		if err != nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Int("done", done).Msg("backfill stopped, cursor not advanced")
			if internal.KindOf(err) == internal.KindStorage {
				internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
			}
			return
		}
		c.notify(&pubsub.BackfillProgress{
			RoomID:   j.RoomID,
			Done:     done + 1,
			Total:    j.Pages,
			Finished: finished,
		})
		if finished {
			return
		}
	}
}

// page fetches, ingests and then advances the cursor. Returns true if there is no more history.
func (c *Coordinator) page(ctx context.Context, j *job) (finished bool, err error) {
	ctx, span := internal.StartSpan(ctx, "page")
	defer span.End()
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return false, err
	}
	cursor, err := c.pagination.Cursor(ctx, j.RoomID)
	if err != nil {
		return false, err
	}
	if cursor.Done(j.Direction) {
		return true, nil
	}
	from := cursor.From(j.Direction)

	pageCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	start := time.Now()
	res, err := c.client.Messages(pageCtx, token, j.RoomID, from, j.Direction, j.PageSize)
	cancel()
	c.observe(start, err)
	if err != nil {
		return false, err
	}
	internal.Logf(ctx, "backfill", "fetched %d events from %q", len(res.Chunk), from)
	if len(res.Chunk) > 0 {
		if _, err = c.ingester.Ingest(ctx, j.RoomID, res.Chunk, ingest.Options{Backfill: true}); err != nil {
			return false, err
		}
	}
	if res.End == "" || len(res.Chunk) == 0 {
		return true, c.pagination.MarkDone(ctx, j.RoomID, j.Direction)
	}
	moved, err := c.pagination.Advance(ctx, j.RoomID, j.Direction, from, res.End)
	if err != nil {
		return false, err
	}
	if !moved {
		// someone else advanced it, their token is at least as far as ours
		internal.DecorateLogger(ctx, logger.Warn()).Str("from", from).Str("end", res.End).Msg("pagination cursor moved during backfill")
	}
	return false, nil
}

func (c *Coordinator) observe(start time.Time, err error) {
	if c.pageDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.pageDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (c *Coordinator) notify(payload pubsub.Payload) {
	if err := c.notifier.Notify(pubsub.ChanBackfill, payload); err != nil {
		logger.Warn().Err(err).Msg("failed to notify backfill progress")
	}
}
