package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ChatRelay/internal/session"
)

// Instrumented wraps a Generator with a span per call, a duration histogram
// and a failure counter
type Instrumented struct {
	next     Generator
	tracer   trace.Tracer
	logger   *slog.Logger
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// Instrument decorates gen with OpenTelemetry instrumentation
func Instrument(gen Generator, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*Instrumented, error) {
	duration, err := meter.Float64Histogram(
		"relay.generation.duration",
		metric.WithDescription("Generation call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	failures, err := meter.Int64Counter(
		"relay.generation.failures",
		metric.WithDescription("Failed generation calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	return &Instrumented{
		next:     gen,
		tracer:   tracer,
		logger:   logger,
		duration: duration,
		failures: failures,
	}, nil
}

func (i *Instrumented) Name() string { return i.next.Name() }

func (i *Instrumented) Generate(ctx context.Context, turns []session.Turn) (string, error) {
	backendAttr := attribute.String("backend", i.next.Name())

	ctx, span := i.tracer.Start(ctx, i.next.Name()+"_generate",
		trace.WithAttributes(backendAttr, attribute.Int("turns", len(turns))))
	defer span.End()

	start := time.Now()
	reply, err := i.next.Generate(ctx, turns)
	elapsed := time.Since(start)

	i.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(backendAttr))
	if err != nil {
		i.failures.Add(ctx, 1, metric.WithAttributes(backendAttr))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Warn("generation failed", "backend", i.next.Name(), "duration", elapsed, "error", err)
		return "", err
	}

	i.logger.Debug("generation succeeded", "backend", i.next.Name(), "duration", elapsed, "reply_len", len(reply))
	return reply, nil
}
