// Package telemetry exports orchestration metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
)

const (
	serviceName    = "storyloom"
	serviceVersion = "0.1.0"
	meterName      = "github.com/rpggio/storyloom"
)

// Config holds OTLP exporter configuration.
type Config struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Recorder implements session.Metrics on an OpenTelemetry meter.
type Recorder struct {
	tokens        metric.Int64Counter
	requests      metric.Int64Counter
	stageDuration metric.Float64Histogram
	stageErrors   metric.Int64Counter
	cachesCreated metric.Int64Counter
	chatsRebuilt  metric.Int64Counter

	shutdown func(context.Context) error
}

var _ session.Metrics = (*Recorder)(nil)

// New builds a Recorder exporting to cfg.Endpoint. When metrics are
// disabled the recorder is backed by a no-op meter.
func New(ctx context.Context, cfg Config) (*Recorder, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return NewRecorder(noop.NewMeterProvider().Meter(meterName))
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts,
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlpmetricgrpc.WithInsecure(),
		)
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)

	r, err := NewRecorder(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	r.shutdown = mp.Shutdown
	return r, nil
}

// NewRecorder creates the instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.tokens, err = meter.Int64Counter(
		"storyloom_tokens_total",
		metric.WithDescription("Tokens reported by the provider, by kind"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("creating tokens counter: %w", err)
	}

	if r.requests, err = meter.Int64Counter(
		"storyloom_requests_total",
		metric.WithDescription("Generation requests with reported usage"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("creating requests counter: %w", err)
	}

	if r.stageDuration, err = meter.Float64Histogram(
		"storyloom_stage_duration_seconds",
		metric.WithDescription("Stage run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	if r.stageErrors, err = meter.Int64Counter(
		"storyloom_stage_errors_total",
		metric.WithDescription("Stage runs that ended in an error"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("creating stage errors counter: %w", err)
	}

	if r.cachesCreated, err = meter.Int64Counter(
		"storyloom_caches_created_total",
		metric.WithDescription("Provider caches created"),
		metric.WithUnit("{cache}"),
	); err != nil {
		return nil, fmt.Errorf("creating caches counter: %w", err)
	}

	if r.chatsRebuilt, err = meter.Int64Counter(
		"storyloom_chats_recreated_total",
		metric.WithDescription("Stage chats recreated without history"),
		metric.WithUnit("{chat}"),
	); err != nil {
		return nil, fmt.Errorf("creating chats counter: %w", err)
	}

	return r, nil
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String("stage", stage)
}

func (r *Recorder) RecordUsage(ctx context.Context, stage string, usage provider.Usage) {
	for kind, n := range map[string]int{
		"prompt": usage.PromptTokens,
		"cached": usage.CachedTokens,
		"output": usage.OutputTokens,
	} {
		if n > 0 {
			r.tokens.Add(ctx, int64(n), metric.WithAttributes(stageAttr(stage), attribute.String("kind", kind)))
		}
	}
	r.requests.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
}

func (r *Recorder) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	opt := metric.WithAttributes(stageAttr(stage), attribute.Bool("error", err != nil))
	r.stageDuration.Record(ctx, d.Seconds(), opt)
	if err != nil {
		r.stageErrors.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
	}
}

func (r *Recorder) RecordCacheCreated(ctx context.Context, stage string) {
	r.cachesCreated.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
}

func (r *Recorder) RecordChatRecreated(ctx context.Context, stage string) {
	r.chatsRebuilt.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
}

// Close flushes pending metrics and shuts the exporter down.
func (r *Recorder) Close(ctx context.Context) error {
	if r.shutdown == nil {
		return nil
	}
	return r.shutdown(ctx)
}
