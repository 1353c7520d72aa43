package hydration

import (
	"context"
	"os"
	"sync"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/summary"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultProfileFetchLimit caps concurrent profile fetches.
const DefaultProfileFetchLimit = 4

// RoomStore persists committed summaries. state.RoomsTable implements it.
type RoomStore interface {
	Upsert(ctx context.Context, s *internal.RoomSummary) error
}

type Config struct {
	// UserID is the local user.
	UserID            string
	ProfileFetchLimit int
	// Register prometheus metrics. Only one pipeline per process may do so.
	EnablePrometheus bool
}

// Pipeline turns structurally known summaries into display-ready ones. Summaries are hydrated one
// at a time: every member is resolved through one batched Directory lookup, unknown members become
// placeholders which are fetched asynchronously, and the result is committed on the UI executor.
type Pipeline struct {
	cfg       Config
	directory Directory
	fetcher   ProfileFetcher
	table     *RoomTable
	store     RoomStore
	ui        *internal.WorkerPool
	notifier  pubsub.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	idle      *sync.Cond
	pending   map[string]*internal.RoomSummary
	order     []string
	draining  bool
	stopped   bool
	enqueued  map[string]struct{}
	committed map[string]struct{}
	toFetch   []string
	fetching  map[string]struct{}
	// bumped by Forget; hydrations started before the bump are not committed
	generations map[string]uint64

	fetchSignal chan struct{}
	queueSize   prometheus.Gauge
}

// NewPipeline makes a pipeline which commits to table on the ui executor. The ui pool must be started
// by the caller and have exactly one worker.
func NewPipeline(cfg Config, directory Directory, fetcher ProfileFetcher, table *RoomTable, store RoomStore, ui *internal.WorkerPool, notifier pubsub.Notifier) *Pipeline {
	if cfg.ProfileFetchLimit <= 0 {
		cfg.ProfileFetchLimit = DefaultProfileFetchLimit
	}
	internal.Assert("ui executor is serial", ui.N == 1)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:         cfg,
		directory:   directory,
		fetcher:     fetcher,
		table:       table,
		store:       store,
		ui:          ui,
		notifier:    notifier,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]*internal.RoomSummary),
		enqueued:    make(map[string]struct{}),
		committed:   make(map[string]struct{}),
		generations: make(map[string]uint64),
		fetching:    make(map[string]struct{}),
		fetchSignal: make(chan struct{}, 1),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clientsync",
			Subsystem: "hydration",
			Name:      "queue_size",
			Help:      "Number of summaries waiting to be hydrated",
		}),
	}
	p.idle = sync.NewCond(&p.mu)
	if cfg.EnablePrometheus {
		prometheus.MustRegister(p.queueSize)
	}
	p.wg.Add(1)
	go p.fetchLoop()
	return p
}

// Enqueue summaries for hydration. A summary for a room which is already pending replaces the pending
// one and keeps its place in the queue.
func (p *Pipeline) Enqueue(summaries ...*internal.RoomSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	for _, s := range summaries {
		if s == nil || s.RoomID == "" {
			continue
		}
		if _, ok := p.pending[s.RoomID]; !ok {
			p.order = append(p.order, s.RoomID)
		}
		p.pending[s.RoomID] = s.Copy()
		p.enqueued[s.RoomID] = struct{}{}
	}
	p.queueSize.Set(float64(len(p.order)))
	if !p.draining && len(p.order) > 0 {
		p.draining = true
		p.wg.Add(1)
		go p.drain()
	}
}

// Progress returns how many distinct rooms have been committed out of those enqueued.
func (p *Pipeline) Progress() (hydrated, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.committed), len(p.enqueued)
}

// Flush blocks until everything enqueued so far has been committed. Must not be called from the ui
// executor.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	for p.draining {
		p.idle.Wait()
	}
	p.mu.Unlock()
	p.ui.Run(func() {})
}

// Forget drops a room from the progress counters, for explicit room removal. A hydration of the room
// already in progress is discarded rather than committed.
func (p *Pipeline) Forget(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generations[roomID]++
	delete(p.enqueued, roomID)
	delete(p.committed, roomID)
	if _, ok := p.pending[roomID]; ok {
		delete(p.pending, roomID)
		for i, id := range p.order {
			if id == roomID {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
}

// Stop waits for the current summary to finish and abandons the rest of the queue.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.order = nil
	p.pending = make(map[string]*internal.RoomSummary)
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) next() (*internal.RoomSummary, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		p.draining = false
		p.idle.Broadcast()
		return nil, 0
	}
	roomID := p.order[0]
	p.order = p.order[1:]
	s := p.pending[roomID]
	delete(p.pending, roomID)
	p.queueSize.Set(float64(len(p.order)))
	return s, p.generations[roomID]
}

func (p *Pipeline) drain() {
	defer p.wg.Done()
	defer internal.ReportPanicsToSentry()
	for s, gen := p.next(); s != nil; s, gen = p.next() {
		p.hydrate(s, gen)
	}
}

func (p *Pipeline) hydrate(s *internal.RoomSummary, gen uint64) {
	ctx := internal.SentryContext(p.ctx, s.RoomID)
	userIDs := s.UserIDs()
	contacts, err := p.directory.Lookup(ctx, userIDs)
	if err != nil {
		logger.Err(err).Str("room", s.RoomID).Int("users", len(userIDs)).Msg("hydrate: directory lookup failed, using placeholders")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	if contacts == nil {
		contacts = make(map[string]internal.Contact, len(userIDs))
	}
	var missing []string
	for _, userID := range userIDs {
		if _, ok := contacts[userID]; ok {
			continue
		}
		contacts[userID] = internal.Contact{UserID: userID, Placeholder: true}
		missing = append(missing, userID)
	}
	summary.Derive(s, p.cfg.UserID, contacts)
	p.queueFetches(missing)
	p.ui.Queue(func() {
		p.commit(ctx, s, gen, contacts)
	})
}

// commit runs on the ui executor.
func (p *Pipeline) commit(ctx context.Context, s *internal.RoomSummary, gen uint64, contacts map[string]internal.Contact) {
	p.mu.Lock()
	forgotten := p.generations[s.RoomID] != gen
	p.mu.Unlock()
	if forgotten {
		logger.Debug().Str("room", s.RoomID).Msg("commit: room was removed while hydrating, dropping")
		return
	}
	merged, _ := p.table.Commit(s, contacts)
	if err := p.store.Upsert(ctx, merged); err != nil {
		logger.Err(err).Str("room", s.RoomID).Msg("commit: failed to persist room summary")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	p.mu.Lock()
	p.committed[s.RoomID] = struct{}{}
	hydrated, total := len(p.committed), len(p.enqueued)
	p.mu.Unlock()
	p.notify(pubsub.ChanRoomList, &pubsub.RoomListUpdated{Rooms: []*internal.RoomSummary{merged}})
	p.notify(pubsub.ChanHydration, &pubsub.HydrationProgress{Hydrated: hydrated, Total: total})
}

func (p *Pipeline) notify(chanName string, payload pubsub.Payload) {
	if err := p.notifier.Notify(chanName, payload); err != nil {
		logger.Warn().Err(err).Str("chan", chanName).Msg("failed to notify")
	}
}

func (p *Pipeline) queueFetches(userIDs []string) {
	if len(userIDs) == 0 || p.fetcher == nil {
		return
	}
	p.mu.Lock()
	queued := 0
	for _, userID := range userIDs {
		if _, ok := p.fetching[userID]; ok {
			continue
		}
		p.fetching[userID] = struct{}{}
		p.toFetch = append(p.toFetch, userID)
		queued++
	}
	p.mu.Unlock()
	if queued == 0 {
		return
	}
	select {
	case p.fetchSignal <- struct{}{}:
	default:
	}
}

func (p *Pipeline) fetchLoop() {
	defer p.wg.Done()
	defer internal.ReportPanicsToSentry()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.fetchSignal:
		}
		p.mu.Lock()
		batch := p.toFetch
		p.toFetch = nil
		p.mu.Unlock()

		g, ctx := errgroup.WithContext(p.ctx)
		g.SetLimit(p.cfg.ProfileFetchLimit)
		for _, userID := range batch {
			userID := userID
			g.Go(func() error {
				p.fetchProfile(ctx, userID)
				return nil
			})
		}
		g.Wait()
	}
}

func (p *Pipeline) fetchProfile(ctx context.Context, userID string) {
	c, err := p.fetcher.Profile(ctx, userID)
	p.mu.Lock()
	delete(p.fetching, userID)
	p.mu.Unlock()
	if err != nil {
		// the placeholder stays; the next hydration of a room with this user retries
		logger.Warn().Err(err).Str("user", userID).Msg("failed to fetch profile")
		return
	}
	c.UserID = userID
	c.Placeholder = false
	if err = p.directory.Store(ctx, c); err != nil {
		logger.Err(err).Str("user", userID).Msg("failed to store contact")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	p.ui.Queue(func() {
		changed := p.table.PatchContact(c, p.cfg.UserID)
		if len(changed) == 0 {
			return
		}
		for _, s := range changed {
			if err := p.store.Upsert(p.ctx, s); err != nil {
				logger.Err(err).Str("room", s.RoomID).Msg("failed to persist patched room summary")
			}
		}
		p.notify(pubsub.ChanRoomList, &pubsub.RoomListUpdated{Rooms: changed})
	})
}
