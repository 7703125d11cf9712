package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the state of a single operation's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold         = 3
	defaultResetTimeout             = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 1
)

// ErrOpen is returned by Execute when the circuit rejects the call without running it.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes every breaker in the registry. Zero values take the defaults.
type Config struct {
	FailureThreshold         int           // consecutive failures that open a circuit
	ResetTimeout             time.Duration // time spent Open before probing in HalfOpen
	HalfOpenSuccessThreshold int           // trial calls allowed in HalfOpen
	OnStateChange            func(name string, from, to State)
}

// CircuitBreaker keeps one gobreaker circuit per named operation so that a failing
// status endpoint does not trip prepare or approve.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a registry with the given config.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (cb *CircuitBreaker) get(name string) *gobreaker.CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[name]
	if ok {
		return b
	}
	threshold := uint32(cb.cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cb.cfg.HalfOpenSuccessThreshold),
		Timeout:     cb.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if hook := cb.cfg.OnStateChange; hook != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			hook(name, fromGobreaker(from), fromGobreaker(to))
		}
	}
	b = gobreaker.NewCircuitBreaker(settings)
	cb.breakers[name] = b
	return b
}

// Execute runs fn under the named circuit. A non-nil error from fn counts as a failure.
// When the circuit rejects the call, fn is not run and ErrOpen is returned.
func (cb *CircuitBreaker) Execute(name string, fn func() error) error {
	_, err := cb.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// GetState returns the state of the named circuit; unknown names are Closed.
func (cb *CircuitBreaker) GetState(name string) State {
	cb.mu.Lock()
	b, ok := cb.breakers[name]
	cb.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return fromGobreaker(b.State())
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
