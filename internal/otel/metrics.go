package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the go-quest metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	BufferRunDuration metric.Float64Histogram
	BufferRuns        metric.Int64Counter
	InstancesCreated  metric.Int64Counter
	SeriesErrors      metric.Int64Counter
	Transitions       metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("goquest.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BufferRunDuration, err = meter.Float64Histogram("goquest.buffer.run.duration",
		metric.WithDescription("Buffer maintainer run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BufferRuns, err = meter.Int64Counter("goquest.buffer.runs",
		metric.WithDescription("Buffer maintainer runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.InstancesCreated, err = meter.Int64Counter("goquest.buffer.instances",
		metric.WithDescription("Task instances materialized by the buffer maintainer"),
	)
	if err != nil {
		return nil, err
	}

	m.SeriesErrors, err = meter.Int64Counter("goquest.buffer.series_errors",
		metric.WithDescription("Series that failed during a buffer run"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("goquest.lifecycle.transitions",
		metric.WithDescription("Task lifecycle transitions committed"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("goquest.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
