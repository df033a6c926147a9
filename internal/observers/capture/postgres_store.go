package capture

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists captures in a single table, for sites that want
// retention and querying beyond what day files offer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies the connection, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("capture: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(45 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("capture: ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("capture: apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Append inserts one record.
func (p *PostgresStore) Append(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO captured_frames
			(session_id, ts, direction, device_id, table_name, reason, raw, crc_ok)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.db.ExecContext(ctx, q,
		int64(rec.SessionID), rec.TS, rec.Direction, rec.DeviceID,
		rec.TableName, rec.Reason, rec.Raw, rec.CRCOK,
	)
	if err != nil {
		return fmt.Errorf("capture: insert: %w", err)
	}
	return nil
}

// Sweep deletes records older than the cutoff.
func (p *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM captured_frames WHERE ts < $1`, cutoff); err != nil {
		return fmt.Errorf("capture: sweep: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

var _ Store = (*PostgresStore)(nil)
