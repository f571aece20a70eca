// Package app holds the setup shared by the producer and consumer commands:
// config, logging, the metrics endpoint and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/cmd/internal/ui"
	"github.com/kilpp/devops-pocs/config"
	"github.com/kilpp/devops-pocs/kafkaclient"
	"github.com/kilpp/devops-pocs/logger"
	"github.com/kilpp/devops-pocs/metrics"
	"github.com/kilpp/devops-pocs/telemetry"
)

type App struct {
	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics

	tp     *sdktrace.TracerProvider
	cancel context.CancelFunc
	served chan struct{}
}

// Load reads the config (path is an optional YAML file) and calls New.
// topic, when set, overrides the configured topic.
func Load(ctx context.Context, path, topic string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if topic != "" {
		cfg.Topic = topic
	}
	return New(ctx, cfg)
}

// New starts the metrics endpoint when cfg.MetricsAddr is set and tracing
// when cfg.OtlpEndpoint is set. Close stops both.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	if cfg.OtlpEndpoint != "" {
		tp, err := telemetry.Init(ctx, telemetry.WithEndpoint(cfg.OtlpEndpoint))
		if err != nil {
			return nil, err
		}
		a.tp = tp
	}
	if cfg.MetricsAddr != "" {
		serveCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.served = make(chan struct{})
		go func() {
			defer close(a.served)
			if err := ServeMetrics(serveCtx, cfg.MetricsAddr, a.Metrics.Handler(), log); err != nil {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	return a, nil
}

// ClientOptions wire the logger and metrics into kafkaclient.
func (a *App) ClientOptions() []kafkaclient.Option {
	return []kafkaclient.Option{
		kafkaclient.WithLogger(a.Log),
		kafkaclient.WithMetrics(a.Metrics),
	}
}

func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
		<-a.served
	}
	if a.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tp.Shutdown(ctx); err != nil {
			a.Log.Warn("error flushing spans", zap.Error(err))
		}
	}
	a.Log.Sync()
}

// ServeMetrics serves h at /metrics on addr until ctx ends, then shuts the
// server down gracefully.
func ServeMetrics(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down metrics server: %w", err)
		}
		return nil
	case err := <-serverErr:
		return fmt.Errorf("metrics server error: %w", err)
	}
}

// reported errors were already printed for the user.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

// Report prints err for the user, with the remediation list when the
// cluster could not be reached, and returns it marked as printed.
func (a *App) Report(p *ui.Printer, err error) error {
	var connErr *kafkapoc.ConnectionError
	if errors.As(err, &connErr) {
		p.Fail("Failed to connect to Kafka: %v", err)
		p.Remediation(a.Config.BootstrapServers, a.Config.Topic)
	} else {
		p.Fail("%v", err)
	}
	return reported{err}
}

// Exit terminates the process with status 1 when err is set, printing it to
// stderr unless Report already did.
func Exit(err error) {
	if err == nil {
		return
	}
	var r reported
	if !errors.As(err, &r) {
		ui.New(os.Stderr).Fail("%v", err)
	}
	os.Exit(1)
}
