// Command solargate runs the transparent OIG proxy: it accepts BOX
// connections, forwards frames to the telemetry cloud, synthesizes
// protocol-correct replies when the cloud is unreachable, and republishes
// decoded frames for local consumers.
//
// Exit codes: 0 normal shutdown, 1 fatal listener failure, 2
// misconfiguration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/solargate/internal/api"
	"github.com/example/solargate/internal/config"
	"github.com/example/solargate/internal/events"
	"github.com/example/solargate/internal/logging"
	"github.com/example/solargate/internal/mode"
	"github.com/example/solargate/internal/observers/capture"
	"github.com/example/solargate/internal/observers/mqttpub"
	"github.com/example/solargate/internal/observers/telemetry"
	"github.com/example/solargate/internal/proxy"
	"github.com/example/solargate/internal/settings"
	"github.com/example/solargate/internal/tracing"
)

const (
	exitOK            = 0
	exitListenerFatal = 1
	exitMisconfigured = 2
)

var version = "dev" // set via -ldflags at build time

func main() {
	os.Exit(run())
}

func run() (code int) {
	logger := logging.NewFromEnv()
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC", "error", r, "stack", string(debug.Stack()))
			code = exitListenerFatal
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", "error", err)
		return exitMisconfigured
	}
	logger.Info("solargate booting",
		"version", version,
		"mode", cfg.Mode,
		"listen", cfg.Listen.Addr(),
		"target", cfg.Target.Addr(),
	)
	if cfg.AckTimeoutOverridden {
		logger.Warn("SOLARGATE_CLOUD_ACK_TIMEOUT_S is fixed at 1800s; override ignored")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing is optional; a dead collector must not stop the proxy.
	traceProvider, err := tracing.Setup(tracing.Config{
		ServiceName:    "solargate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		Logger:         logger,
	})
	if err != nil {
		logger.Warn("tracing setup failed, continuing without", "error", err)
		traceProvider = nil
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := traceProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	bus := events.NewBus()
	var observers sync.WaitGroup

	// Queued settings: durable in Redis when configured, in-memory
	// otherwise.
	var settingStore settings.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := settings.NewRedisStore(ctx, settings.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			logger.Warn("redis unavailable, settings will not survive restarts", "error", err)
			settingStore = settings.NewMemoryStore()
		} else {
			defer redisStore.Close()
			settingStore = redisStore
			logger.Info("settings persisted in redis", "addr", cfg.Redis.Addr)
		}
	} else {
		settingStore = settings.NewMemoryStore()
	}

	// Frame capture.
	if store := openCaptureStore(ctx, cfg, logger); store != nil {
		sink := capture.NewSink(store, time.Duration(cfg.Capture.RetentionDays)*24*time.Hour, logger)
		sub := bus.Subscribe("capture", 1024)
		observers.Add(1)
		go func() {
			defer observers.Done()
			sink.Run(ctx, sub)
		}()
	}

	// MQTT republisher.
	if cfg.MQTT.Broker != "" {
		pub, err := mqttpub.New(mqttpub.Config{
			BrokerURL:   cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn("mqtt publisher disabled", "error", err)
		} else {
			sub := bus.Subscribe("mqtt", 1024)
			observers.Add(1)
			go func() {
				defer observers.Done()
				pub.Run(ctx, sub)
			}()
			logger.Info("republishing frames to mqtt", "broker", cfg.MQTT.Broker)
		}
	}

	// Prometheus telemetry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(registry)
	{
		sub := bus.Subscribe("telemetry", 1024)
		observers.Add(1)
		go func() {
			defer observers.Done()
			metrics.Run(ctx, sub)
		}()
	}

	// NATS export for fleet monitoring.
	if cfg.NATS.URL != "" {
		exporter, err := events.NewNATSExporter(events.NATSConfig{
			URL:    cfg.NATS.URL,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("nats exporter disabled", "error", err)
		} else {
			sub := bus.Subscribe("nats", 1024)
			observers.Add(1)
			go func() {
				defer observers.Done()
				exporter.Run(ctx, sub)
			}()
			logger.Info("exporting events to nats", "url", cfg.NATS.URL)
		}
	}

	srv := proxy.NewServer(proxy.Config{
		Host:          cfg.Listen.Host,
		Port:          cfg.Listen.Port,
		MaxSessions:   cfg.Sessions.Max,
		AcceptBacklog: cfg.Sessions.Backlog,
		Bus:           bus,
		Mode: mode.Config{
			Mode:          cfg.Mode,
			FailThreshold: cfg.Hybrid.FailThreshold,
			RetryInterval: cfg.Hybrid.RetryInterval,
		},
		CloudTarget:    cfg.Target.Addr(),
		ConnectTimeout: cfg.Hybrid.ConnectTimeout,
		Settings:       settingStore,
		DeviceID:       cfg.DeviceID,
		Logger:         logger,
		Tracer:         sessionTracer(traceProvider),
	})

	// Control API.
	if cfg.HTTP.Port > 0 {
		control := api.NewServer(api.Deps{
			Proxy:    srv,
			Bus:      bus,
			Settings: settingStore,
			Mode:     cfg.Mode,
			Gatherer: registry,
			Logger:   logger,
		})
		httpSrv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      control.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("control api listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("control api stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	// The listener blocks until shutdown or a fatal accept failure.
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("listener failed", "error", err)
		bus.Close()
		observers.Wait()
		return exitListenerFatal
	}

	logger.Info("shutting down")
	bus.Close()
	observers.Wait()
	return exitOK
}

// openCaptureStore picks the capture backend: Postgres when a DSN is
// configured (falling back to the file store on connection failure), the
// file store when a directory is configured, nil when capture is off.
func openCaptureStore(ctx context.Context, cfg config.Config, logger *slog.Logger) capture.Store {
	if cfg.Capture.DSN != "" {
		store, err := capture.NewPostgresStore(ctx, cfg.Capture.DSN)
		if err == nil {
			logger.Info("capturing frames to postgres")
			return store
		}
		logger.Warn("postgres capture unavailable", "error", err)
	}
	if cfg.Capture.Dir != "" {
		store, err := capture.NewFileStore(cfg.Capture.Dir)
		if err == nil {
			logger.Info("capturing frames to disk", "dir", cfg.Capture.Dir)
			return store
		}
		logger.Warn("file capture unavailable", "error", err)
	}
	return nil
}

// sessionTracer returns the session tracer, or nil when tracing is off.
func sessionTracer(p *tracing.Provider) trace.Tracer {
	if p == nil {
		return nil
	}
	return p.Tracer("solargate/session")
}
