package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hostagent"

// Metrics holds all agent metric instruments.
type Metrics struct {
	TasksStarted       metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksCancelled     metric.Int64Counter
	CommandsDispatched metric.Int64Counter
	TaskDuration       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("hostagent.tasks.started",
		metric.WithDescription("Number of tasks started"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("hostagent.tasks.completed",
		metric.WithDescription("Number of tasks that ended successfully"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("hostagent.tasks.failed",
		metric.WithDescription("Number of tasks that ended with an error"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("hostagent.tasks.cancelled",
		metric.WithDescription("Number of tasks retired after cancellation"))
	if err != nil {
		return nil, err
	}

	m.CommandsDispatched, err = meter.Int64Counter("hostagent.commands.dispatched",
		metric.WithDescription("Number of commands dispatched to a handler"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("hostagent.task.duration_seconds",
		metric.WithDescription("Task run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
