package pubsub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until the channel is unsubscribed
	// or Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// ErrAlreadySubscribed is returned when subscribing to a channel which already has a subscriber.
var ErrAlreadySubscribed = errors.New("channel already has a subscriber")

type stream struct {
	mu sync.RWMutex
	// nil while nobody is subscribed
	ch chan Payload
}

// PubSub is a set of named channels, each with at most one subscriber. Payloads sent to a channel
// without a subscriber are dropped: subscribers read the current state when they subscribe, and only
// need changes from then on.
type PubSub struct {
	chans      map[string]*stream
	mu         *sync.Mutex
	closed     bool
	bufferSize int
	timeout    time.Duration
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]*stream),
		mu:         &sync.Mutex{},
		bufferSize: bufferSize,
		timeout:    5 * time.Second,
	}
}

func (ps *PubSub) getStream(chanName string) *stream {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := ps.chans[chanName]
	if s == nil {
		s = &stream{}
		ps.chans[chanName] = s
	}
	return s
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	s := ps.getStream(chanName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ch == nil {
		return nil
	}
	select {
	case s.ch <- p:
		break
	case <-time.After(ps.timeout):
		return fmt.Errorf("notify %s with payload %v timed out", chanName, p.Type())
	}
	return nil
}

// Subscribe to chanName. The returned channel is closed after a final StreamClosed payload when
// Unsubscribe or Close is called.
func (ps *PubSub) Subscribe(chanName string) (<-chan Payload, error) {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribe %s: pubsub is closed", chanName)
	}
	s := ps.getStream(chanName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return nil, fmt.Errorf("subscribe %s: %w", chanName, ErrAlreadySubscribed)
	}
	s.ch = make(chan Payload, ps.bufferSize)
	return s.ch, nil
}

// Unsubscribe sends StreamClosed{Err: reason} to the subscriber of chanName and closes its channel.
// No-op if there is no subscriber.
func (ps *PubSub) Unsubscribe(chanName string, reason error) {
	s := ps.getStream(chanName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return
	}
	select {
	case s.ch <- &StreamClosed{Err: reason}:
	case <-time.After(ps.timeout):
	}
	close(s.ch)
	s.ch = nil
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	names := make([]string, 0, len(ps.chans))
	for name := range ps.chans {
		names = append(names, name)
	}
	ps.mu.Unlock()
	for _, name := range names {
		ps.Unsubscribe(name, nil)
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ch, err := ps.Subscribe(chanName)
	if err != nil {
		return err
	}
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
