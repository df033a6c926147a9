package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSExporter republishes bus records to NATS for fleet-level monitoring.
// It is publish-only: the proxy emits, it never consumes. The exporter is
// an ordinary bus observer, so a dead NATS server costs dropped records on
// its own subscription and nothing else.
type NATSExporter struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATSConfig configures the exporter.
type NATSConfig struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// SubjectPrefix prefixes every published subject. Defaults to
	// "solargate".
	SubjectPrefix string

	// MaxReconnects and ReconnectWait tune the client's retry behavior.
	MaxReconnects int
	ReconnectWait time.Duration

	// Logger for connection lifecycle messages.
	Logger *slog.Logger
}

func (c *NATSConfig) applyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "solargate"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewNATSExporter connects to the configured server.
func NewNATSExporter(cfg NATSConfig) (*NATSExporter, error) {
	cfg.applyDefaults()

	opts := []nats.Option{
		nats.Name("solargate event exporter"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	return &NATSExporter{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		logger: cfg.Logger.With("component", "nats-exporter"),
	}, nil
}

// Run drains the subscription until the context ends or the bus closes.
func (x *NATSExporter) Run(ctx context.Context, sub *Subscription) {
	defer x.nc.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := x.publish(e); err != nil {
				x.logger.Debug("nats publish failed", "type", e.Type, "error", err)
			}
		}
	}
}

func (x *NATSExporter) publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// frame.received -> solargate.frame.received
	return x.nc.Publish(x.prefix+"."+string(e.Type), data)
}
