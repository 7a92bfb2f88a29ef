package breaker

import (
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/DanielKusyDev/posthog-session-insights/internal/metrics"
)

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultConfig trips after five consecutive failures and probes again after 30s
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// New creates a circuit breaker that logs and publishes its state changes
func New(cfg Config) *gobreaker.CircuitBreaker[struct{}] {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			metrics.SetBreakerState(name, int(to))
		},
	}

	return gobreaker.NewCircuitBreaker[struct{}](settings)
}

// Run executes fn through the breaker
func Run(cb *gobreaker.CircuitBreaker[struct{}], fn func() error) error {
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
