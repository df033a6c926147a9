// Package mqttpub republishes decoded frames to a local MQTT broker for
// home-automation consumers. Every payload pair of a data frame becomes
// one retained topic under
//
//	<prefix>/<device>/<table>/<key>
//
// and session/mode lifecycle lands under <prefix>/status/...; the broker
// therefore always holds the latest value of every telemetry field the BOX
// has reported. The publisher is an ordinary bus observer: a slow or dead
// broker costs dropped records on its own subscription, never a stalled
// BOX session.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/example/solargate/internal/events"
)

// Config parameterizes the publisher.
type Config struct {
	// BrokerURL is e.g. "tcp://localhost:1883".
	BrokerURL string

	// ClientID defaults to "solargate".
	ClientID string

	// TopicPrefix defaults to "solargate".
	TopicPrefix string

	// Username and Password, if the broker requires them.
	Username string
	Password string

	// ConnectTimeout bounds the initial connect. Defaults to 10s.
	ConnectTimeout time.Duration

	// KeepAlive defaults to 30s.
	KeepAlive time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "solargate"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "solargate"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Publisher mirrors bus records onto MQTT topics.
type Publisher struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

// New connects to the broker. The paho client auto-reconnects afterwards;
// publishes during an outage are dropped (QoS 0 telemetry, the next frame
// refreshes every topic anyway).
func New(cfg Config) (*Publisher, error) {
	cfg.applyDefaults()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			cfg.Logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			cfg.Logger.Info("mqtt connected", "broker", cfg.BrokerURL)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqttpub: connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqttpub: connect: %w", err)
	}

	return &Publisher{
		client: client,
		prefix: cfg.TopicPrefix,
		logger: cfg.Logger.With("component", "mqttpub"),
	}, nil
}

// Run drains the subscription until the context ends or the bus closes.
func (p *Publisher) Run(ctx context.Context, sub *events.Subscription) {
	defer p.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			p.handle(e)
		}
	}
}

func (p *Publisher) handle(e events.Event) {
	switch payload := e.Payload.(type) {
	case events.FrameReceived:
		p.publishFrame(payload)
	case events.ModeTransition:
		p.publishJSON(p.prefix+"/status/mode", payload)
	case events.SessionOpened:
		p.publishJSON(p.prefix+"/status/session", payload)
	case events.SessionClosed:
		p.publishJSON(p.prefix+"/status/session", payload)
	}
}

// publishFrame fans a frame's payload out to one topic per key. Frames
// without a device id or without payload pairs (control frames usually
// carry none) are skipped.
func (p *Publisher) publishFrame(fr events.FrameReceived) {
	if fr.DeviceID == "" || len(fr.Payload) == 0 {
		return
	}
	base := fmt.Sprintf("%s/%s/%s", p.prefix, fr.DeviceID, fr.TableName)
	for _, pair := range fr.Payload {
		p.publish(base+"/"+pair.Key, []byte(pair.Value), true)
	}
}

func (p *Publisher) publishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("marshaling status payload", "topic", topic, "error", err)
		return
	}
	p.publish(topic, data, true)
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, 0, retained, payload)
	// QoS 0: the token resolves immediately unless the client is
	// reconnecting; don't wait, telemetry is refreshed by the next frame.
	if token.Error() != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", token.Error())
	}
}
