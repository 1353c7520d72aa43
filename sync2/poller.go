package sync2

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the poller ticks. Ticks are skipped while a long poll is outstanding.
const DefaultPollInterval = time.Second

// V2DataReceiver is told about every successful sync response. If it returns an error the sync
// cursor is not advanced, so the same data is requested again on the next tick.
type V2DataReceiver interface {
	Accumulate(ctx context.Context, res *SyncResponse) error
}

type PollerConfig struct {
	UserID           string
	DeviceID         string
	Interval         time.Duration
	EnablePrometheus bool
}

// Poller repeatedly calls the sync endpoint and hands the responses to a V2DataReceiver. At most one
// request is in flight at a time.
type Poller struct {
	cfg      PollerConfig
	client   Client
	tokens   TokenSource
	cursors  *CursorsTable
	receiver V2DataReceiver
	notifier pubsub.Notifier
	logger   zerolog.Logger

	// guards Start/Stop
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	polling atomic.Bool

	sinceMu sync.Mutex
	since   string
	loaded  bool
	synced  bool
	// closed after the first successful sync
	initialSync     chan struct{}
	initialSyncOnce sync.Once

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewPoller(cfg PollerConfig, client Client, tokens TokenSource, cursors *CursorsTable, receiver V2DataReceiver, notifier pubsub.Notifier) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	p := &Poller{
		cfg:         cfg,
		client:      client,
		tokens:      tokens,
		cursors:     cursors,
		receiver:    receiver,
		notifier:    notifier,
		initialSync: make(chan struct{}),
		logger: zerolog.New(os.Stdout).With().Timestamp().Logger().With().Str("user", cfg.UserID).Str("device", cfg.DeviceID).Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
	if cfg.EnablePrometheus {
		p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "poller",
			Name:      "requests_total",
			Help:      "Number of poller ticks by outcome",
		}, []string{"outcome"})
		p.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clientsync",
			Subsystem: "poller",
			Name:      "process_duration_secs",
			Help:      "Time taken to request and accumulate one sync response",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"initial"})
		prometheus.MustRegister(p.requests, p.duration)
	}
	return p
}

// Start polling from `since`. An empty since continues from the stored cursor, or does an initial
// sync if there is none. Does nothing if the poller is already running.
func (p *Poller) Start(since string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return
	}
	if p.done != nil {
		// halted by an unauthorized response, clean up before restarting
		p.cancel()
		<-p.done
	}
	p.sinceMu.Lock()
	if since != "" {
		p.since = since
		p.loaded = true
	} else {
		p.loaded = false
	}
	p.sinceMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)
	p.logger.Info().Str("since", since).Dur("interval", p.cfg.Interval).Msg("poller started")
	go p.loop(ctx, cancel, p.done)
	p.notify(pubsub.SyncStatus{Running: true, NextBatch: since})
}

// Stop the poller and wait for an outstanding request to return. Safe to call when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	if p.running.Swap(false) {
		p.logger.Info().Msg("poller stopped")
		p.notify(pubsub.SyncStatus{Running: false, NextBatch: p.Since()})
	}
}

// Teardown stops the poller and removes its metrics.
func (p *Poller) Teardown() {
	p.Stop()
	if p.requests != nil {
		prometheus.Unregister(p.requests)
		prometheus.Unregister(p.duration)
	}
}

func (p *Poller) Running() bool {
	return p.running.Load()
}

// Since returns the latest since token, as used by the next request.
func (p *Poller) Since() string {
	p.sinceMu.Lock()
	defer p.sinceMu.Unlock()
	return p.since
}

// WaitUntilInitialSync blocks until the first response has been accumulated, or ctx is done.
func (p *Poller) WaitUntilInitialSync(ctx context.Context) error {
	select {
	case <-p.initialSync:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer internal.ReportPanicsToSentry()
	defer close(done)
	var wg sync.WaitGroup
	defer wg.Wait()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.tick(ctx, cancel, &wg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, cancel, &wg)
		}
	}
}

func (p *Poller) tick(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	if !p.polling.CompareAndSwap(false, true) {
		return
	}
	wg.Add(1)
	go func() {
		defer internal.ReportPanicsToSentry()
		defer wg.Done()
		defer p.polling.Store(false)
		p.poll(ctx, cancel)
	}()
}

func (p *Poller) poll(ctx context.Context, cancel context.CancelFunc) {
	if ctx.Err() != nil {
		return
	}
	ctx = internal.SyncContext(ctx, p.cfg.UserID)
	ctx, task := internal.StartTask(ctx, "poll")
	defer task.End()
	start := time.Now()

	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, internal.ErrUnauthorized) {
			p.halt(ctx, cancel)
			return
		}
		p.failed(ctx, "token", err)
		return
	}
	since, isFirst, err := p.cursor(ctx)
	if err != nil {
		p.failed(ctx, "cursor", err)
		return
	}
	res, statusCode, err := p.client.DoSyncV2(ctx, token, since, isFirst)
	if err != nil {
		if ctx.Err() != nil {
			// stopped mid-request
			return
		}
		if errors.Is(err, internal.ErrUnauthorized) {
			p.halt(ctx, cancel)
			return
		}
		internal.DecorateLogger(ctx, p.logger.Warn()).Int("code", statusCode).Err(err).Str("since", since).Msg("sync returned an error, retrying next tick")
		p.count("failed")
		p.notify(pubsub.SyncStatus{Running: true, NextBatch: since, Err: err.Error()})
		return
	}
	internal.SetSyncContextResponseInfo(ctx, since, res.NextBatch, len(res.Rooms.Join))
	// an unchanged cursor means nothing new, even if the response repeats rooms
	unchanged := res.NextBatch == "" || res.NextBatch == since
	if !unchanged {
		if err = p.receiver.Accumulate(ctx, res); err != nil {
			p.failed(ctx, "accumulate", err)
			return
		}
	}
	p.sinceMu.Lock()
	p.synced = true
	p.sinceMu.Unlock()
	p.initialSyncOnce.Do(func() {
		close(p.initialSync)
	})
	p.count("ok")
	if p.duration != nil {
		initial := "0"
		if since == "" {
			initial = "1"
		}
		p.duration.WithLabelValues(initial).Observe(time.Since(start).Seconds())
	}
	if unchanged {
		return
	}
	if err = p.cursors.UpdateSince(ctx, p.cfg.UserID, p.cfg.DeviceID, res.NextBatch); err != nil {
		// non-fatal, the in-memory cursor still moves so we don't redo this response
		internal.DecorateLogger(ctx, p.logger.Warn()).Err(err).Msg("failed to persist new since value")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	p.sinceMu.Lock()
	p.since = res.NextBatch
	p.sinceMu.Unlock()
	internal.DecorateLogger(ctx, p.logger.Trace()).Msg("accumulated sync response")
	p.notify(pubsub.SyncStatus{Running: true, NextBatch: res.NextBatch})
}

// cursor returns the since token to use, loading the stored one the first time.
func (p *Poller) cursor(ctx context.Context) (since string, isFirst bool, err error) {
	p.sinceMu.Lock()
	defer p.sinceMu.Unlock()
	if !p.loaded {
		stored, err := p.cursors.Since(ctx, p.cfg.UserID, p.cfg.DeviceID)
		if err != nil {
			return "", false, err
		}
		p.since = stored
		p.loaded = true
	}
	return p.since, !p.synced, nil
}

// halt stops polling because the session is gone. It does not wait for the loop: we are running on it.
func (p *Poller) halt(ctx context.Context, cancel context.CancelFunc) {
	internal.DecorateLogger(ctx, p.logger.Warn()).Msg("access token has been invalidated, terminating poller")
	p.count("unauthorized")
	cancel()
	p.running.Store(false)
	p.notify(pubsub.SyncStatus{Running: false, Unauthorized: true, NextBatch: p.Since()})
}

func (p *Poller) failed(ctx context.Context, stage string, err error) {
	internal.DecorateLogger(ctx, p.logger.Error()).Err(err).Str("stage", stage).Msg("poll failed, retrying next tick")
	internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	p.count("failed")
	p.notify(pubsub.SyncStatus{Running: true, NextBatch: p.Since(), Err: err.Error()})
}

func (p *Poller) count(outcome string) {
	if p.requests != nil {
		p.requests.WithLabelValues(outcome).Inc()
	}
}

func (p *Poller) notify(status pubsub.SyncStatus) {
	if err := p.notifier.Notify(pubsub.ChanSync, status); err != nil {
		p.logger.Debug().Err(err).Msg("failed to notify sync status")
	}
}
