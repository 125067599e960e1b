package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"ciomsdb/internal/api"
	"ciomsdb/internal/audit"
	"ciomsdb/internal/blob"
	"ciomsdb/internal/config"
	"ciomsdb/internal/core"
	"ciomsdb/internal/logging"
	"ciomsdb/internal/observability"
	"ciomsdb/internal/transfer"
	"ciomsdb/pkg/domain"
)

const traceRetention = 256

// app is the wired process: one store shared by every service.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    domain.Store
	reports  *core.Service
	audit    *audit.Recorder
	transfer *transfer.Service
	metrics  http.Handler
	closers  []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.onClose(func(context.Context) error { return closeLog() })

	store, err := core.OpenStore(core.StorageConfig{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.store = store
	a.onClose(func(context.Context) error { return store.Close() })

	opts := []core.Option{
		core.WithLogger(logger.Named("reports")),
		core.WithSearchScanCap(cfg.Search.ScanCap),
	}
	metricOpt, err := a.metricsRecorder()
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	if metricOpt != nil {
		opts = append(opts, metricOpt)
	}
	traceOpt, err := a.tracer(ctx)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	if traceOpt != nil {
		opts = append(opts, traceOpt)
	}

	a.audit = audit.NewRecorder(store,
		audit.WithLogger(logger.Named("audit")),
		audit.WithBreaker(audit.BreakerConfig{
			MaxFailures: cfg.Audit.Breaker.MaxFailures,
			Timeout:     cfg.Audit.Breaker.Timeout,
		}))
	opts = append(opts, core.WithAuditor(a.audit))
	a.reports = core.NewService(store, opts...)
	a.transfer = transfer.NewService(store, transfer.WithLogger(logger.Named("transfer")))
	return a, nil
}

func (a *app) metricsRecorder() (core.Option, error) {
	switch a.cfg.Metrics.Exporter {
	case "prometheus":
		rec := observability.NewPrometheusRecorder()
		a.metrics = rec.Handler()
		return core.WithMetricsRecorder(rec), nil
	case "expvar":
		rec := core.NewExpvarMetricsRecorder("")
		a.metrics = expvar.Handler()
		return core.WithMetricsRecorder(rec), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", a.cfg.Metrics.Exporter)
	}
}

func (a *app) tracer(ctx context.Context) (core.Option, error) {
	switch a.cfg.Trace.Exporter {
	case "otel":
		provider, err := observability.InitTracing(ctx, observability.TraceConfig{
			ServiceName:    a.cfg.Trace.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   a.cfg.Trace.OTLPEndpoint,
			SampleRate:     a.cfg.Trace.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(provider.Shutdown)
		return core.WithTracer(observability.NewOTelTracer(provider.TracerProvider())), nil
	case "json":
		return core.WithTracer(core.NewJSONTracer(os.Stderr, traceRetention)), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", a.cfg.Trace.Exporter)
	}
}

// archive opens the configured blob store lazily; only export and serve need it.
func (a *app) archive(ctx context.Context) (*transfer.Archive, error) {
	blobs, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(a.cfg.Blob.Driver),
		FSRoot: a.cfg.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          a.cfg.Blob.S3.Bucket,
			Region:          a.cfg.Blob.S3.Region,
			Endpoint:        a.cfg.Blob.S3.Endpoint,
			PathStyle:       a.cfg.Blob.S3.PathStyle,
			AccessKeyID:     a.cfg.Blob.S3.AccessKeyID,
			SecretAccessKey: a.cfg.Blob.S3.SecretAccessKey,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open export archive: %w", err)
	}
	return transfer.NewArchive(blobs), nil
}

func (a *app) router(archive *transfer.Archive) http.Handler {
	return api.NewRouter(api.Deps{
		Reports:       a.reports,
		Audit:         a.audit,
		Transfer:      a.transfer,
		Archive:       archive,
		Metrics:       a.metrics,
		Logger:        a.logger.Named("http"),
		ServiceName:   a.cfg.Trace.ServiceName,
		MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
		RetentionDays: a.cfg.Audit.RetentionDays,
	})
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the closers in reverse order of registration.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
