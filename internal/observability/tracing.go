package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig controls the tracer bootstrapped at start-up. When
// Enabled is false, StartSpan returns a non-recording no-op span and no
// exporter is constructed.
type TracingConfig struct {
	Enabled       bool
	ServiceName   string
	Environment   string
	Exporter      string // jaeger, otlp, stdout
	JaegerURL     string // e.g. http://localhost:14268/api/traces
	OTLPEndpoint  string // e.g. localhost:4317
	SamplingRatio float64
}

type SpanKind string

const (
	SpanKindOrchestrator SpanKind = "orchestrator"
	SpanKindFleet        SpanKind = "fleet"
	SpanKindRouter       SpanKind = "router"
	SpanKindIndex        SpanKind = "index"
	SpanKindMemory       SpanKind = "memory"
	SpanKindLedger       SpanKind = "ledger"
)

const (
	AttrTaskID     = "task.id"
	AttrSubtaskID  = "subtask.id"
	AttrSlotID     = "slot.id"
	AttrProvider   = "provider"
	AttrModel      = "model"
	AttrStrategy   = "routing.strategy"
	AttrErrorType  = "error.type"
	AttrComplexity = "task.complexity"
)

// Tracer wraps an OpenTelemetry tracer with domain-specific span
// helpers for the orchestrator's phases.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   TracingConfig
}

func NewTracer(config TracingConfig) (*Tracer, error) {
	if !config.Enabled {
		return &Tracer{tracer: otel.Tracer("fleet-noop"), config: config}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
		if err != nil {
			return nil, fmt.Errorf("creating Jaeger exporter: %w", err)
		}
	case "otlp":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
	case "stdout", "":
		exporter = &stdoutExporter{}
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", config.Exporter)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", config.ServiceName),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer("fleet-orchestrator"),
		provider: provider,
		config:   config,
	}, nil
}

func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

func (t *Tracer) StartSpan(ctx context.Context, name string, kind SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("span.kind", string(kind)))
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Tracer) StartOrchestratorSpan(ctx context.Context, taskID, phase string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "orchestrator."+phase, SpanKindOrchestrator, attribute.String(AttrTaskID, taskID))
}

func (t *Tracer) StartFleetSpan(ctx context.Context, subtaskID, provider, model string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "fleet.execute", SpanKindFleet,
		attribute.String(AttrSubtaskID, subtaskID),
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
	)
}

func (t *Tracer) StartRouterSpan(ctx context.Context, strategy string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "router.select", SpanKindRouter, attribute.String(AttrStrategy, strategy))
}

func (t *Tracer) StartIndexSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "index."+op, SpanKindIndex)
}

func (t *Tracer) StartMemorySpan(ctx context.Context, op, project string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "memory."+op, SpanKindMemory, attribute.String("project", project))
}

func (t *Tracer) StartLedgerSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "ledger."+op, SpanKindLedger)
}

func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type stdoutExporter struct{}

func (e *stdoutExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fmt.Printf("[trace] %s %s %v\n", span.Name(), span.SpanContext().TraceID().String(), span.EndTime().Sub(span.StartTime()))
	}
	return nil
}

func (e *stdoutExporter) Shutdown(ctx context.Context) error { return nil }
