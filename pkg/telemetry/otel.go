package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config holds the tracing options of a brickflow process.
type Config struct {
	ServiceName string `yaml:"serviceName"`
	// Endpoint is the OTLP gRPC collector. Empty disables span export.
	Endpoint    string            `yaml:"endpoint"`
	Environment string            `yaml:"environment"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	// ResourceTags are added to every exported span.
	ResourceTags map[string]string `yaml:"resourceTags"`
	// SampleRatio samples root runs; zero means always sample.
	SampleRatio float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
}

// SetupProvider installs the W3C propagator and, when an endpoint is set, a
// batching OTLP tracer provider. The returned function flushes pending spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := traceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func traceExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithReturnConnectionError()), //nolint:staticcheck // report dial errors at startup
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	return exporter, nil
}

func serviceResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "brickflow"
	}
	attrs := make([]attribute.KeyValue, 0, len(cfg.ResourceTags)+2)
	attrs = append(attrs, semconv.ServiceName(name))
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx, resource.WithSchemaURL(semconv.SchemaURL), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

// RedactionPolicy controls which brick argument attributes reach exported spans.
// Keys are matched case-insensitively against the last segment of the attribute key.
type RedactionPolicy struct {
	// Drop lists argument names removed entirely.
	Drop []string `yaml:"drop"`
	// Strategies maps argument names to mask, hash or replace.
	Strategies map[string]string `yaml:"strategies"`
}

var defaultDrop = []string{"password", "secret", "token", "authorization", "apikey", "api_key"}

// RedactAttributes applies the default deny-list plus policy to attrs. A nil policy
// applies only the default deny-list.
func RedactAttributes(policy *RedactionPolicy, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	drop := make(map[string]struct{}, len(defaultDrop))
	for _, key := range defaultDrop {
		drop[key] = struct{}{}
	}
	strategies := map[string]string{}
	if policy != nil {
		for _, key := range policy.Drop {
			drop[strings.ToLower(key)] = struct{}{}
		}
		for key, strategy := range policy.Strategies {
			strategies[strings.ToLower(key)] = strings.ToLower(strategy)
		}
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		name := strings.ToLower(string(kv.Key))
		if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
			name = name[idx+1:]
		}
		if _, ok := drop[name]; ok {
			continue
		}

		switch strategies[name] {
		case "drop":
			continue
		case "mask":
			redacted = append(redacted, attribute.String(string(kv.Key), maskValue(kv.Value.Emit())))
		case "hash":
			redacted = append(redacted, attribute.String(string(kv.Key), hashValue(kv.Value.Emit())))
		case "replace", "redact":
			redacted = append(redacted, attribute.String(string(kv.Key), "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}
	return redacted
}

// maskValue keeps the first and last four characters.
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("[REDACTED:hash:%08x]", h.Sum32())
}
