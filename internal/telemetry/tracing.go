// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "humanbrowse"

// Span attribute keys.
var (
	AttrRunID     = attribute.Key("humanbrowse.run.id")
	AttrSessionID = attribute.Key("humanbrowse.session.id")
	AttrStepCount = attribute.Key("humanbrowse.run.steps")
	AttrStepIndex = attribute.Key("humanbrowse.step.index")
	AttrStepKind  = attribute.Key("humanbrowse.step.kind")
	AttrStatus    = attribute.Key("humanbrowse.status")
)

// TracerProvider wraps the SDK provider installed by NewTracerProvider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider installs a global provider that writes spans to w as JSON.
func NewTracerProvider(serviceName, version string, w io.Writer) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the humanbrowse tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
