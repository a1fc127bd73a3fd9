// Package observability configures OpenTelemetry tracing for the service.
//
// Tracing is exported over OTLP/gRPC. Sampling is parent-based with a
// configurable ratio so upstream decisions are honored while local roots are
// sampled at the configured rate. Setup is process-global and guarded against repeat
// initialization; the returned shutdown function flushes the batch exporter.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"google.golang.org/grpc/credentials"

	"github.com/kgasnalo/commit-app-sub002/internal/config"
)

// Test seams: exporter and resource construction are indirected so tests can
// substitute failures without a collector.
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return resource.New(
			ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
			),
		)
	}
)

// setupOnce guards the global tracer provider. A second SetupOTel call
// returns a no-op shutdown instead of clobbering the installed provider.
var setupOnce sync.Once

// SetupOTel configures OpenTelemetry tracing and returns a shutdown function.
//
// When cfg.Enabled is false (or the provider is already installed) the
// returned shutdown is a no-op and err is nil.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, version string) (shutdown func(context.Context) error, err error) {
	shutdown = func(context.Context) error { return nil }
	if !cfg.Enabled {
		return shutdown, nil
	}

	setupOnce.Do(func() {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			creds := credentials.NewClientTLSFromCert(nil, "")
			opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
		}

		client := newOTLPClient(opts...)
		exp, expErr := newOTLPExporterFn(ctx, client)
		if expErr != nil {
			err = expErr
			return
		}

		res, resErr := newServiceResourceFn(ctx, cfg.ServiceName, version)
		if resErr != nil {
			err = resErr
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
			sdktrace.WithResource(res),
		)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))

		shutdown = tp.Shutdown
	})
	return shutdown, err
}
