package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	Requests         metric.Int64Counter
	Pending          metric.Int64UpDownCounter
	AuthChallenges   metric.Int64Counter
	Sessions         metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("walletbridge.request.duration",
		metric.WithDescription("Peer request duration from arrival to response, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Requests, err = meter.Int64Counter("walletbridge.requests",
		metric.WithDescription("Peer requests answered, by method and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Pending, err = meter.Int64UpDownCounter("walletbridge.pending",
		metric.WithDescription("Requests waiting in the confirmation queue"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthChallenges, err = meter.Int64Counter("walletbridge.auth.challenges",
		metric.WithDescription("Authentication challenges issued, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Sessions, err = meter.Int64UpDownCounter("walletbridge.sessions",
		metric.WithDescription("Active peer sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("walletbridge.ratelimit.rejects",
		metric.WithDescription("Control requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
