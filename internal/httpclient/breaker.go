package httpclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/circlemind-ai/smooth-go/internal/logging"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed - normal operation, requests allowed.
	StateClosed State = iota
	// StateOpen - failing, requests blocked.
	StateOpen
	// StateHalfOpen - probing whether the service recovered.
	StateHalfOpen
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

// OpenError reports that the breaker rejected a request without sending it.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retrying in %v", e.Name, e.RetryAfter.Round(time.Second))
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open the circuit
	SuccessThreshold int           // consecutive half-open successes to close it
	Cooldown         time.Duration // time before the open circuit allows a probe
}

// DefaultBreakerConfig returns the defaults used by the API client.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker implements a consecutive-failure circuit breaker around the API.
// Callers check Allow before a request and Mark the outcome after.
type Breaker struct {
	name   string
	config BreakerConfig
	logger logging.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config BreakerConfig, logger logging.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logging.OrNop(logger),
		state:  StateClosed,
	}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.state = StateHalfOpen
			b.successes = 0
			b.logger.Info("[%s] circuit breaker half-open, probing", b.name)
			return nil
		}
		return &OpenError{
			Name:       b.name,
			RetryAfter: b.config.Cooldown - time.Since(b.lastFailure),
		}
	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

// Mark records a request outcome. Pass nil for success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("[%s] circuit breaker closed", b.name)
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("[%s] circuit breaker opened after %d consecutive failures", b.name, b.failures)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		b.logger.Warn("[%s] circuit breaker reopened, probe failed", b.name)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
