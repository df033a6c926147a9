// Package capture persists raw frames for later protocol analysis. It is a
// bus observer: the hot path never waits for a disk or database write, and
// when capture falls behind the bus drops its oldest records.
//
// Two durable stores exist behind the same interface: a JSON-lines file
// store (one file per UTC day) and a Postgres store for sites that already
// run a database. Retention
// sweeping removes captures older than the configured window.
package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/solargate/internal/events"
)

// DefaultRetention is how long captures are kept.
const DefaultRetention = 7 * 24 * time.Hour

// sweepInterval is how often the retention sweep runs.
const sweepInterval = time.Hour

// Record is one captured frame.
type Record struct {
	SessionID uint64    `json:"session_id"`
	TS        time.Time `json:"ts"`
	Direction string    `json:"direction"`
	DeviceID  string    `json:"device_id,omitempty"`
	TableName string    `json:"table_name"`
	Reason    string    `json:"reason,omitempty"`
	Raw       []byte    `json:"raw"`
	CRCOK     bool      `json:"crc_ok"`
}

// Store persists records.
type Store interface {
	// Append writes one record.
	Append(ctx context.Context, rec Record) error

	// Sweep removes records older than cutoff.
	Sweep(ctx context.Context, cutoff time.Time) error

	// Close releases resources.
	Close() error
}

// Sink drains FrameReceived records from the bus into a Store.
type Sink struct {
	store     Store
	retention time.Duration
	logger    *slog.Logger
}

// NewSink creates a capture sink. Retention <= 0 uses DefaultRetention.
func NewSink(store Store, retention time.Duration, logger *slog.Logger) *Sink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:     store,
		retention: retention,
		logger:    logger.With("component", "capture"),
	}
}

// Run consumes the subscription until the context ends or the bus closes.
func (s *Sink) Run(ctx context.Context, sub *events.Subscription) {
	defer s.store.Close()

	s.sweep(ctx)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			fr, isFrame := e.Payload.(events.FrameReceived)
			if !isFrame {
				continue
			}
			rec := Record{
				SessionID: fr.SessionID,
				TS:        fr.TS,
				Direction: string(fr.Direction),
				DeviceID:  fr.DeviceID,
				TableName: fr.TableName,
				Reason:    fr.Reason,
				Raw:       fr.Raw,
				CRCOK:     fr.CRCOK,
			}
			if err := s.store.Append(ctx, rec); err != nil {
				s.logger.Warn("appending capture record", "error", err)
			}
		}
	}
}

func (s *Sink) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	if err := s.store.Sweep(ctx, cutoff); err != nil {
		s.logger.Warn("capture retention sweep failed", "error", err)
	}
}
