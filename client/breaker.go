package client

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	oa "github.com/panyam/monitorauth"
)

// BreakerSettings configures the optional circuit breaker in front of the auth API
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker. Defaults to 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before letting a probe
	// through. Defaults to 30 seconds.
	OpenTimeout time.Duration
}

// WithCircuitBreaker fails auth calls fast after repeated network or 5xx
// failures. Client errors (401, 400, 409) and decoding problems do not count
// against the breaker.
func WithCircuitBreaker(s BreakerSettings) TransportOption {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return func(t *Transport) {
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "auth-api",
			MaxRequests: 1,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.ConsecutiveFailures
			},
			IsSuccessful: breakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				t.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		})
	}
}

func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch oa.KindOf(err) {
	case oa.KindNetwork:
		return false
	case oa.KindServer:
		var e *oa.Error
		return errors.As(err, &e) && e.StatusCode < 500
	default:
		return true
	}
}
