// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartJobSpan 开始 job execution span
func StartJobSpan(ctx context.Context, jobID string, jobType string) (context.Context, trace.Span) {
	tracer := otel.Tracer("ghosthands")
	ctx, span := tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.type", jobType),
		),
	)
	return ctx, span
}

// StartStepSpan 开始生命周期 step span
func StartStepSpan(ctx context.Context, jobID string, step string) (context.Context, trace.Span) {
	tracer := otel.Tracer("ghosthands")
	ctx, span := tracer.Start(ctx, "job.step",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("step.name", step),
		),
	)
	return ctx, span
}

// StartCallbackSpan 开始 callback 投递 span
func StartCallbackSpan(ctx context.Context, jobID string, status string) (context.Context, trace.Span) {
	tracer := otel.Tracer("ghosthands")
	ctx, span := tracer.Start(ctx, "callback.deliver",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("callback.status", status),
		),
	)
	return ctx, span
}
