// Package circuitbreaker stops calling a provider that keeps failing on its
// own side. A breaker opens after FailureThreshold server-side failures,
// rejects calls for Timeout, then lets trial calls through (half-open) until
// SuccessThreshold of them succeed.
//
// Only failures that say something about the provider count: timeouts,
// network errors, 5xx and 429. A rejected key or a bad request never opens a
// breaker, since keys are supplied per request.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrProviderUnavailable while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// IsFailure reports whether err should count against the provider.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var status *domain.UpstreamStatusError
	if errors.As(err, &status) {
		return status.ServerSide()
	}
	return true
}

type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailure
	cb.mu.RUnlock()

	if state != StateOpen {
		return nil
	}
	if time.Since(lastFailure) < cb.config.Timeout {
		return domain.ErrProviderUnavailable
	}

	cb.mu.Lock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	cb.mu.Unlock()
	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Manager hands out one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(provider string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithFactory replaces the in-memory default, e.g. with Redis-backed
// breakers shared by every gateway instance.
func WithFactory(factory func(provider string, cfg Config) CircuitBreaker) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker {
			return factory(provider, m.config)
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(provider string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

// Call runs fn behind the provider's breaker and records the outcome.
func (m *Manager) Call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	cb := m.Get(provider)
	if err := cb.Allow(ctx); err != nil {
		metrics.SetCircuitBreakerState(provider, int(StateOpen))
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess(ctx)
	case IsFailure(err):
		cb.RecordFailure(ctx)
	}
	metrics.SetCircuitBreakerState(provider, int(cb.State(ctx)))
	return err
}

func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string, len(m.breakers))
	for provider, cb := range m.breakers {
		states[provider] = cb.State(ctx).String()
	}
	return states
}
