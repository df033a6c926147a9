// Package session runs the per-connection state machine at the heart of
// the proxy: read a BOX frame, decide between cloud forwarding and local
// synthesis, write exactly one reply (or none), and emit lifecycle records
// on the event bus. One goroutine per session; frames are strictly serial
// in both directions.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/solargate/internal/cloud"
	"github.com/example/solargate/internal/events"
	"github.com/example/solargate/internal/frame"
	"github.com/example/solargate/internal/mode"
	"github.com/example/solargate/internal/responder"
)

// boxWriteTimeout bounds a single reply write to the BOX. A BOX that stops
// reading is a dead session, not something to wait out.
const boxWriteTimeout = 30 * time.Second

// CloudLink is the upstream seam, satisfied by *cloud.Session.
type CloudLink interface {
	Forward(ctx context.Context, f *frame.Frame) cloud.Outcome
	Close() error
}

// Config parameterizes one Session.
type Config struct {
	// ID is the monotonic session id assigned by the listener.
	ID uint64

	// Conn is the accepted BOX connection; the session owns and closes it.
	Conn net.Conn

	// Bus receives lifecycle records. Required.
	Bus *events.Bus

	// Mode configures this session's controller. Its OnTransition hook is
	// chained so transitions also reach the bus.
	Mode mode.Config

	// NewCloud creates the upstream link, called lazily on the first
	// frame that attempts the cloud. Required unless Mode is offline.
	NewCloud func() CloudLink

	// Responder configures local synthesis.
	Responder responder.Config

	// DeviceID pins the device id; empty or "AUTO" learns it from the
	// first frame that carries one.
	DeviceID string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Tracer, when non-nil, opens one span per session.
	Tracer trace.Tracer
}

// Stats are the session's counters, readable while it runs.
type Stats struct {
	FramesIn        uint64 `json:"frames_in"`
	FramesForwarded uint64 `json:"frames_forwarded"`
	LocalReplies    uint64 `json:"local_replies"`
	CloudTimeouts   uint64 `json:"cloud_timeouts"`
}

// Session is one accepted BOX connection.
type Session struct {
	cfg    Config
	logger *slog.Logger

	ctl       *mode.Controller
	resp      *responder.Responder
	cloudLink CloudLink

	deviceID  atomic.Value // string
	startedAt time.Time
	lastFrame atomic.Int64 // unix nanos

	framesIn        atomic.Uint64
	framesForwarded atomic.Uint64
	localReplies    atomic.Uint64
	cloudTimeouts   atomic.Uint64
}

// New assembles a session. Run does the work.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("session_id", cfg.ID, "peer", cfg.Conn.RemoteAddr().String()),
	}

	if cfg.DeviceID != "" && cfg.DeviceID != "AUTO" {
		s.deviceID.Store(cfg.DeviceID)
	} else {
		s.deviceID.Store("")
	}

	// Chain hybrid transitions onto the bus without the controller knowing
	// about sessions.
	userHook := cfg.Mode.OnTransition
	cfg.Mode.OnTransition = func(t mode.Transition) {
		s.emitTransition(t)
		if userHook != nil {
			userHook(t)
		}
	}
	s.ctl = mode.New(cfg.Mode)
	s.resp = responder.New(cfg.Responder)
	return s
}

// DeviceID returns the learned (or configured) device id, possibly empty.
func (s *Session) DeviceID() string {
	v, _ := s.deviceID.Load().(string)
	return v
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:        s.framesIn.Load(),
		FramesForwarded: s.framesForwarded.Load(),
		LocalReplies:    s.localReplies.Load(),
		CloudTimeouts:   s.cloudTimeouts.Load(),
	}
}

// Run drives the session until the BOX closes, a frame is malformed, or a
// BOX-side write fails. Cloud failures never end a session.
func (s *Session) Run(ctx context.Context) {
	s.startedAt = time.Now()

	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = s.cfg.Tracer.Start(ctx, "box_session",
			trace.WithAttributes(
				attribute.Int64("session.id", int64(s.cfg.ID)),
				attribute.String("session.peer", s.cfg.Conn.RemoteAddr().String()),
			))
		defer span.End()
	}

	s.cfg.Bus.Emit(events.TypeSessionOpened, events.SessionOpened{
		SessionID: s.cfg.ID,
		TS:        s.startedAt,
		Peer:      s.cfg.Conn.RemoteAddr().String(),
	})
	s.logger.Info("box session opened")

	defer s.close()

	// Cancellation closes the BOX socket so the read loop unblocks.
	stop := context.AfterFunc(ctx, func() { s.cfg.Conn.Close() })
	defer stop()

	dec := frame.NewDecoder(s.cfg.Conn)
	for {
		f, err := dec.Next()
		if err != nil {
			s.logReadEnd(err)
			return
		}
		if !s.handleFrame(ctx, f) {
			return
		}
	}
}

// handleFrame runs the per-frame contract. It returns false when the
// session must end (BOX-side write failure).
func (s *Session) handleFrame(ctx context.Context, f *frame.Frame) bool {
	s.framesIn.Add(1)
	s.lastFrame.Store(time.Now().UnixNano())
	s.learnDevice(f)

	if !f.CRCOK {
		// Forwarded verbatim regardless; the mismatch is observable, not
		// fatal.
		s.logger.Warn("frame failed crc verification", "table", f.Table)
	}

	s.cfg.Bus.Emit(events.TypeFrameReceived, events.FrameReceived{
		SessionID: s.cfg.ID,
		TS:        f.ReceivedAt,
		Direction: events.DirectionFromBox,
		DeviceID:  s.DeviceID(),
		TableName: f.Table,
		Reason:    f.Reason,
		Raw:       f.Raw,
		CRCOK:     f.CRCOK,
		Payload:   payloadPairs(f),
	})

	start := time.Now()
	var outcome events.Outcome

	if s.ctl.ShouldTryCloud() {
		outcome = s.forwardViaCloud(ctx, f)
	} else {
		outcome = s.respondLocally(ctx, f)
	}
	if outcome == "" {
		return false // write to BOX failed; session is over
	}

	s.cfg.Bus.Emit(events.TypeFrameHandled, events.FrameHandled{
		SessionID: s.cfg.ID,
		TS:        time.Now(),
		TableName: f.Table,
		Outcome:   outcome,
		RTTMillis: time.Since(start).Milliseconds(),
	})
	return true
}

// forwardViaCloud sends the frame upstream and relays the cloud's reply.
// Any cloud failure is rescued with a local reply; the BOX never sees the
// difference.
func (s *Session) forwardViaCloud(ctx context.Context, f *frame.Frame) events.Outcome {
	if s.cloudLink == nil {
		s.cloudLink = s.cfg.NewCloud()
	}

	out := s.cloudLink.Forward(ctx, f)
	if out.OK() {
		s.framesForwarded.Add(1)
		s.ctl.RecordSuccess()
		if len(out.Response) == 0 {
			return events.OutcomeNoResponse
		}
		if !s.writeToBox(out.Response) {
			return ""
		}
		return events.OutcomeCloudAck
	}

	if out.Kind == cloud.KindTimeout {
		s.cloudTimeouts.Add(1)
	}
	s.logger.Warn("cloud attempt failed",
		"table", f.Table,
		"outcome", out.Kind.String(),
		"error", out.Err,
	)
	s.ctl.RecordFailure()
	return s.respondLocally(ctx, f)
}

// respondLocally synthesizes and writes the canonical reply.
func (s *Session) respondLocally(ctx context.Context, f *frame.Frame) events.Outcome {
	reply := s.resp.Respond(ctx, f, s.DeviceID())
	if reply.Kind == responder.KindNone {
		return events.OutcomeNoResponse
	}
	if !s.writeToBox(reply.Data) {
		return ""
	}
	s.localReplies.Add(1)
	if reply.Kind == responder.KindEnd {
		return events.OutcomeLocalEnd
	}
	return events.OutcomeLocalAck
}

// writeToBox writes one reply frame; false means the session must close.
func (s *Session) writeToBox(raw []byte) bool {
	_ = s.cfg.Conn.SetWriteDeadline(time.Now().Add(boxWriteTimeout))
	if _, err := s.cfg.Conn.Write(raw); err != nil {
		s.logger.Error("writing to box", "error", err)
		return false
	}
	_ = s.cfg.Conn.SetWriteDeadline(time.Time{})
	return true
}

func (s *Session) learnDevice(f *frame.Frame) {
	if f.Device == "" || s.DeviceID() != "" {
		return
	}
	s.deviceID.Store(f.Device)
	s.logger = s.logger.With("device_id", f.Device)
	s.logger.Info("device id learned")
}

func (s *Session) logReadEnd(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("box closed the connection")
	case errors.Is(err, frame.ErrMalformed):
		s.logger.Error("malformed frame, closing session", "error", err)
	case errors.Is(err, net.ErrClosed):
		s.logger.Info("session canceled")
	default:
		s.logger.Error("box read failed", "error", err)
	}
}

func (s *Session) close() {
	if s.cloudLink != nil {
		_ = s.cloudLink.Close()
	}
	_ = s.cfg.Conn.Close()

	s.cfg.Bus.Emit(events.TypeSessionClosed, events.SessionClosed{
		SessionID:      s.cfg.ID,
		TS:             time.Now(),
		DeviceID:       s.DeviceID(),
		FramesIn:       s.framesIn.Load(),
		DurationMillis: time.Since(s.startedAt).Milliseconds(),
	})
	s.logger.Info("box session closed",
		"frames_in", s.framesIn.Load(),
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
	)
}

func (s *Session) emitTransition(t mode.Transition) {
	s.cfg.Bus.Emit(events.TypeModeTransition, events.ModeTransition{
		SessionID: s.cfg.ID,
		TS:        time.Now(),
		From:      string(t.From),
		To:        string(t.To),
		Reason:    t.Reason,
		FailCount: t.FailCount,
	})
	s.logger.Info("mode transition",
		"from", t.From,
		"to", t.To,
		"fail_count", t.FailCount,
	)
}

func payloadPairs(f *frame.Frame) []events.Pair {
	if len(f.Payload) == 0 {
		return nil
	}
	pairs := make([]events.Pair, len(f.Payload))
	for i, p := range f.Payload {
		pairs[i] = events.Pair{Key: p.Key, Value: p.Value}
	}
	return pairs
}
