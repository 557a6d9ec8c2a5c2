package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"callsignal-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes retries and the breaker
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	Cooldown         time.Duration

	// Retryable reports whether err means the dependency is unhealthy. Other
	// errors are returned at once and do not count against the breaker.
	// Nil treats every error as retryable.
	Retryable func(error) bool
}

// DefaultConfig retries three times and opens after five failures in a row
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

// Breaker wraps calls to one dependency with retry, backoff and a circuit breaker
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	metrics *breakerMetrics
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState prometheus.Gauge
}

func newBreakerMetrics(name string, reg prometheus.Registerer) *breakerMetrics {
	labels := prometheus.Labels{"dependency": name}
	m := &breakerMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dependency_requests_total",
				Help:        "Total number of requests to a dependency",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dependency_errors_total",
				Help:        "Total number of failed requests to a dependency",
				ConstLabels: labels,
			},
			[]string{"operation", "error_type"},
		),
		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dependency_circuit_breaker_state",
			Help:        "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.errorsTotal, m.circuitBreakerState)
	}
	return m
}

// New creates a breaker for the dependency name. reg may be nil.
func New(name string, cfg Config, reg prometheus.Registerer) *Breaker {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		now:     time.Now,
		state:   CircuitBreakerClosed,
		metrics: newBreakerMetrics(name, reg),
	}
}

// Execute runs fn, retrying unhealthy failures with linear backoff
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return b.run(ctx, operation, b.cfg.MaxAttempts, fn)
}

// ExecuteOnce runs fn through the breaker without retrying
func (b *Breaker) ExecuteOnce(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return b.run(ctx, operation, 1, fn)
}

func (b *Breaker) run(ctx context.Context, operation string, maxAttempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !b.allow() {
			b.metrics.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
			if lastErr != nil {
				return fmt.Errorf("%s %s: %w: %w", b.name, operation, ErrCircuitOpen, lastErr)
			}
			return fmt.Errorf("%s %s: %w", b.name, operation, ErrCircuitOpen)
		}

		if attempt > 1 {
			logger.Debug("Retrying dependency call",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			b.metrics.requestsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}
		lastErr = err

		if !b.retryable(err) {
			// The dependency answered; only the request was wrong.
			b.onSuccess()
			b.metrics.requestsTotal.WithLabelValues(operation, "rejected").Inc()
			return err
		}

		b.onFailure(operation)
		b.metrics.requestsTotal.WithLabelValues(operation, "failure").Inc()
		b.metrics.errorsTotal.WithLabelValues(operation, ClassifyError(err)).Inc()

		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.cfg.InitialBackoff
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

func (b *Breaker) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if b.cfg.Retryable == nil {
		return true
	}
	return b.cfg.Retryable(err)
}

// allow decides whether a call may go out. After the cooldown a single trial
// call is let through in the half-open state.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setStateLocked(CircuitBreakerHalfOpen)
		b.trialInFlight = true
		logger.Warn("Circuit breaker HALF-OPEN - allowing trial request",
			zap.String("dependency", b.name))
		return true
	case CircuitBreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker CLOSED - dependency recovered",
			zap.String("dependency", b.name))
	}
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.setStateLocked(CircuitBreakerClosed)
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.trialInFlight = false

	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("dependency", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.openedAt = b.now()
		b.setStateLocked(CircuitBreakerOpen)
	}
}

func (b *Breaker) setStateLocked(s CircuitBreakerState) {
	b.state = s
	switch s {
	case CircuitBreakerClosed:
		b.metrics.circuitBreakerState.Set(0)
	case CircuitBreakerHalfOpen:
		b.metrics.circuitBreakerState.Set(1)
	case CircuitBreakerOpen:
		b.metrics.circuitBreakerState.Set(2)
	}
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ClassifyError classifies errors for better metrics
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errMsg, "timeout"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
