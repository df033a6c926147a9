// Package responder synthesizes the protocol-correct reply the cloud would
// have sent for a given BOX frame. The envelope it reproduces was measured
// against the historical cloud: every request class either receives an
// acknowledgement of its own exchange or, for the IsNew* polling verbs, an
// END meaning "nothing new".
package responder

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/solargate/internal/frame"
	"github.com/example/solargate/internal/settings"
)

// =============================================================================
// Reply Model
// =============================================================================

// Kind classifies a synthesized reply.
type Kind int

const (
	// KindNone means the frame gets no reply (an upstream ACK echo).
	KindNone Kind = iota

	// KindAck is the canonical acknowledgement.
	KindAck

	// KindEnd is a synthesized END (bare or with time fields).
	KindEnd

	// KindSetting is a queued setting frame delivered in place of the
	// plain acknowledgement.
	KindSetting
)

// Reply is the responder's decision for one frame.
type Reply struct {
	Kind Kind

	// Data is the wire bytes to send to the BOX; nil when Kind is KindNone.
	Data []byte
}

// =============================================================================
// Responder
// =============================================================================

// Responder decides local replies for one BOX session. It is stateful only
// for the setting hand-off: after delivering a queued setting it watches
// for the BOX's confirming ACK before completing the slot. Not safe for
// concurrent use; each session owns one.
type Responder struct {
	store  settings.Store
	logger *slog.Logger
	now    func() time.Time

	// deliveredTo is the device whose setting delivery awaits the BOX's
	// confirming ACK; empty when no delivery is in flight.
	deliveredTo string
}

// Config parameterizes a Responder.
type Config struct {
	// Store is the queued-settings slot; nil disables setting delivery.
	Store settings.Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is a clock override for deterministic END frames in tests.
	Now func() time.Time
}

// New creates a Responder for one session.
func New(cfg Config) *Responder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Responder{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Respond returns the local reply for f. The device argument is the
// session's learned device id, used when the frame itself carries none.
func (r *Responder) Respond(ctx context.Context, f *frame.Frame, device string) Reply {
	if f.Device != "" {
		device = f.Device
	}

	switch f.Class {
	case frame.ClassEnd:
		return Reply{Kind: KindAck, Data: frame.BuildAck(device, frame.TableEnd)}

	case frame.ClassIsNewSet:
		return Reply{Kind: KindEnd, Data: frame.BuildEnd(device, frame.EndOptions{
			Time:      r.now(),
			GetActual: true,
		})}

	case frame.ClassIsNewFW, frame.ClassIsNewWeather:
		return Reply{Kind: KindEnd, Data: frame.BuildEnd(device, frame.EndOptions{})}

	case frame.ClassAck:
		return r.respondToAck(ctx, f, device)

	case frame.ClassParams:
		return Reply{Kind: KindAck, Data: frame.BuildAck(device, f.Reason)}

	default:
		// Data tables, including unknown verbs: acknowledged. A frame
		// reporting a setting exchange may instead receive the queued
		// setting, completing the push flow.
		if f.Reason == frame.ReasonSetting {
			if reply, ok := r.deliverSetting(ctx, device); ok {
				return reply
			}
		}
		return Reply{Kind: KindAck, Data: frame.BuildAck(device, f.Reason)}
	}
}

// respondToAck handles an ACK from the BOX. An upstream echo gets silence;
// the confirming ACK of a setting delivery completes the slot and gets the
// final acknowledgement that closes the exchange.
func (r *Responder) respondToAck(ctx context.Context, f *frame.Frame, device string) Reply {
	if r.deliveredTo == "" || f.Reason != frame.ReasonSetting {
		return Reply{Kind: KindNone}
	}

	delivered := r.deliveredTo
	r.deliveredTo = ""
	if err := r.store.Complete(ctx, delivered); err != nil {
		r.logger.Warn("completing delivered setting", "device", delivered, "error", err)
	}
	r.logger.Info("setting confirmed by box", "device", delivered)
	return Reply{Kind: KindAck, Data: frame.BuildAck(device, frame.ReasonSetting)}
}

// deliverSetting hands out the queued setting for the device, if any. The
// slot is completed only on the BOX's confirming ACK, so an interrupted
// delivery is retried.
func (r *Responder) deliverSetting(ctx context.Context, device string) (Reply, bool) {
	if r.store == nil || device == "" {
		return Reply{}, false
	}
	s, ok, err := r.store.Peek(ctx, device)
	if err != nil {
		r.logger.Warn("reading queued setting", "device", device, "error", err)
		return Reply{}, false
	}
	if !ok {
		return Reply{}, false
	}

	r.deliveredTo = device
	r.logger.Info("delivering queued setting", "device", device, "table", s.Table)
	return Reply{Kind: KindSetting, Data: s.Frame}, true
}
