package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/config"
	"rural-triage/server/internal/coordinator"
	"rural-triage/server/internal/dispatch"
	"rural-triage/server/internal/intake"
	"rural-triage/server/internal/ledger"
	"rural-triage/server/internal/logging"
	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/outbox"
	"rural-triage/server/internal/records"
	"rural-triage/server/internal/session"
	"rural-triage/server/internal/stream"
	"rural-triage/server/internal/telemetry"
	"rural-triage/server/internal/timeline"
)

// app is the wired process: every long-lived collaborator built from one config.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	intake     *intake.Client
	records    *records.Client
	dispatcher *dispatch.Dispatcher
	consumer   *stream.Consumer

	closers []func(context.Context) error
}

func newApp(cfg *config.Config) (*app, error) {
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return logCloser.Close() })

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	a.intake = intake.NewClient(cfg.Pipeline.BaseURL, cfg.Pipeline.RequestTimeout)
	a.records = records.NewClient(cfg.Records.BaseURL, cfg.Records.Token, cfg.Records.RequestTimeout)

	l, err := ledger.New(cfg.Persistence.Ledger, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return l.Close() })

	ob, err := outbox.Open(cfg.Persistence.Outbox)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return ob.Close() })

	a.dispatcher = dispatch.New(a.records, l, ob, dispatch.Options{
		MaxAttempts:    cfg.Persistence.MaxAttempts,
		Backoff:        cfg.Persistence.RetryBackoff,
		AttemptTimeout: cfg.Records.RequestTimeout,
	}, logger, a.metrics)

	a.consumer = stream.NewConsumer(stream.Options{
		URL:              cfg.Pipeline.StreamURL(),
		HandshakeTimeout: cfg.Pipeline.HandshakeTimeout,
		IdleTimeout:      cfg.Pipeline.IdleTimeout,
		MaxDuration:      cfg.Pipeline.MaxStreamDuration,
	}, logger, a.metrics)

	logger.WithFields(logrus.Fields(cfg.Summary())).Info("configuration loaded")
	return a, nil
}

// deps returns the collaborators shared by every coordinator. Protocol is left
// for the caller: each session needs its own.
func (a *app) deps() coordinator.Deps {
	return coordinator.Deps{
		Stream:     a.consumer,
		Vitals:     a.records,
		Dispatcher: a.dispatcher,
		Sessions:   session.NewInMemoryStore(),
		Timeline:   timeline.NewInMemoryStore(),
		Logger:     a.logger,
		Metrics:    a.metrics,
	}
}

// session builds a standalone coordinator for one nurse.
func (a *app) session(patientRef string) *coordinator.Coordinator {
	deps := a.deps()
	deps.Protocol = intake.NewProtocol(a.intake, a.logger, a.metrics, nil)
	return coordinator.New("", patientRef, deps)
}

// close waits for in-flight saves and then releases resources in reverse order.
func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.WithError(err).Warn("shutdown step failed")
		}
	}
	a.closers = nil
}

// quiet points the logger somewhere the terminal dialogue will not be disturbed by.
func (a *app) quiet(w io.Writer) {
	if a.cfg.Logging.Output == "" || a.cfg.Logging.Output == "stderr" || a.cfg.Logging.Output == "stdout" {
		a.logger.SetOutput(w)
	}
}
