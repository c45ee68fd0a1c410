package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

// Provider owns the span pipeline of one watchdog process. A zero Provider
// (tracing disabled) leaves the global no-op tracer in place.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// NewProvider installs a global tracer provider built from the watchdog's
// tracing settings.
func NewProvider(ctx context.Context, w config.WatchdogConfig, version string, logger *slog.Logger) (*Provider, error) {
	logger = logger.With("component", "tracing")
	if !w.TracingEnabled {
		logger.Debug("Distributed tracing disabled")
		return &Provider{logger: logger}, nil
	}

	logger.Info("Initializing distributed tracing",
		"exporter", w.TracingExporter,
		"endpoint", w.TracingEndpoint,
		"sample_rate", w.TracingSampleRate,
		"service", w.TracingServiceName)

	res, err := newResource(ctx, w, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(ctx, w, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(w.TracingSampleRate)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, logger: logger}, nil
}

// newResource describes this watchdog instance: which control plane it
// serves and which process it runs in.
func newResource(ctx context.Context, w config.WatchdogConfig, version string) (*resource.Resource, error) {
	if version == "" {
		version = "unknown"
	}
	host, _ := os.Hostname()
	control := net.JoinHostPort(w.Address, strconv.Itoa(w.Port))

	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(w.TracingServiceName),
			semconv.ServiceVersionKey.String(version),
			semconv.ServiceInstanceIDKey.String(host+"/"+control),
			semconv.HostNameKey.String(host),
			semconv.ProcessPIDKey.Int(os.Getpid()),
			attribute.String("watchdog.control.address", control),
			attribute.String("watchdog.root_directory", w.RootDirectory),
		),
	)
}

// newSampler honors an upstream sampling decision and applies the configured
// ratio to root spans.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1.0:
		root = sdktrace.AlwaysSample()
	case rate <= 0.0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func newExporter(ctx context.Context, w config.WatchdogConfig, logger *slog.Logger) (sdktrace.SpanExporter, error) {
	switch w.TracingExporter {
	case "otlp-grpc":
		if w.TracingEndpoint == "" {
			return nil, fmt.Errorf("tracing_endpoint is required for the otlp-grpc exporter")
		}
		return newOTLPExporter(ctx, w.TracingEndpoint, w.TracingUseTLS, logger)
	case "stdout":
		// one span per line so it interleaves with the JSON log stream
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s (supported: otlp-grpc, stdout)", w.TracingExporter)
	}
}

func newOTLPExporter(ctx context.Context, endpoint string, useTLS bool, logger *slog.Logger) (sdktrace.SpanExporter, error) {
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		logger.Warn("OTLP exporter configured without TLS", "endpoint", endpoint)
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	p.logger.Info("Shutting down distributed tracing")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown trace provider: %w", err)
	}
	return nil
}
