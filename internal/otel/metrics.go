package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all runcoord metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	RunDuration     metric.Float64Histogram
	RunsClaimed     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	RunsCanceled    metric.Int64Counter
	RunsRequeued    metric.Int64Counter
	RunsDead        metric.Int64Counter
	LeaseExpiries   metric.Int64Counter
	EventsAppended  metric.Int64Counter
	ActiveWorkers   metric.Int64UpDownCounter
	SweepDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("runcoord.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("runcoord.run.duration",
		metric.WithDescription("Run execution duration in seconds, claim to finalize"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsClaimed, err = meter.Int64Counter("runcoord.runs.claimed",
		metric.WithDescription("Runs claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("runcoord.runs.completed",
		metric.WithDescription("Runs finalized as completed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("runcoord.runs.failed",
		metric.WithDescription("Runs finalized as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCanceled, err = meter.Int64Counter("runcoord.runs.canceled",
		metric.WithDescription("Runs finalized as canceled"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsRequeued, err = meter.Int64Counter("runcoord.runs.requeued",
		metric.WithDescription("Runs requeued by the recovery sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsDead, err = meter.Int64Counter("runcoord.runs.dead",
		metric.WithDescription("Runs moved to the dead state after exhausting attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExpiries, err = meter.Int64Counter("runcoord.lease.expiries",
		metric.WithDescription("Expired leases detected by the recovery sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("runcoord.events.appended",
		metric.WithDescription("Events appended to run logs"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("runcoord.workers.active",
		metric.WithDescription("Workers currently executing a run"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("runcoord.sweep.duration",
		metric.WithDescription("Recovery sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
