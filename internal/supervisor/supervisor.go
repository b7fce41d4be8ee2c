package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/taskstream/project/internal/platform/metrics"
)

// State is the connection lifecycle:
// Disconnected -> Connecting -> Connected -> (on failure) Disconnected,
// with Failed terminal once retries are exhausted.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted means the supervisor gave up; the owning service
// keeps running in degraded mode instead of crashing.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// brokerConnected reports 1 while in Connected, 0 otherwise. One gauge
// per process is enough: each service supervises a single connection.
var brokerConnected = metrics.NewGauge(metrics.Opts{
	Name: "broker_connected",
	Help: "Whether the supervised broker connection is up.",
})

func init() {
	metrics.Default.MustRegister(brokerConnected)
}

// Supervisor keeps one connection usable across transient outages.
// Dial establishes the connection; OnUp re-declares topology and
// resubscribes, and runs on every (re)entry into Connected because the
// broker may have lost queue state while we were away.
type Supervisor struct {
	Name string
	Dial func(ctx context.Context) error
	OnUp func(ctx context.Context) error

	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// NewTimer is injectable so retry schedules are testable without
	// real sleeps.
	NewTimer func(d time.Duration) <-chan time.Time

	mu    sync.Mutex
	state State
	lost  chan struct{}
}

func New(name string, dial, onUp func(ctx context.Context) error) *Supervisor {
	return &Supervisor{
		Name:         name,
		Dial:         dial,
		OnUp:         onUp,
		MaxRetries:   10,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		NewTimer:     func(d time.Duration) <-chan time.Time { return time.After(d) },
		lost:         make(chan struct{}, 1),
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		log.Printf("supervisor(%s): %s -> %s", s.Name, prev, next)
	}
	if next == Connected {
		brokerConnected.Set(1)
	} else {
		brokerConnected.Set(0)
	}
}

// ConnectionLost wakes the supervisor after a connected session broke.
// Safe to call from transport callbacks; repeated notifications coalesce.
func (s *Supervisor) ConnectionLost() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// Run drives the state machine until the context is canceled or retries
// are exhausted. It returns ErrRetriesExhausted on permanent failure so
// the caller can log it and keep the rest of the service alive.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.setState(Failed)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.lost:
			s.setState(Disconnected)
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(Connecting)

	delay := s.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= s.MaxRetries; attempt++ {
		lastErr = s.attempt(ctx)
		if lastErr == nil {
			s.setState(Connected)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("supervisor(%s): attempt %d/%d failed: %v", s.Name, attempt, s.MaxRetries, lastErr)

		if attempt == s.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.NewTimer(delay):
		}
		delay *= 2
		if delay > s.MaxDelay {
			delay = s.MaxDelay
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}

func (s *Supervisor) attempt(ctx context.Context) error {
	if err := s.Dial(ctx); err != nil {
		return err
	}
	if s.OnUp != nil {
		if err := s.OnUp(ctx); err != nil {
			return err
		}
	}
	return nil
}
