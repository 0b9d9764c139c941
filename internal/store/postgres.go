// Package store is the durable sink: a bulk-write contract over permanent
// storage. Schema management is external; the pipeline only writes.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/internal/model"
)

// PersistenceError marks a failed durable write. It propagates: the
// delivery that produced it is requeued for another attempt.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Sink is the write interface the pipeline consumes. It makes no
// cross-record guarantees beyond "this batch's records are submitted as one
// bulk write".
type Sink interface {
	BulkInsert(ctx context.Context, records []model.Record) (int64, error)
	Close()
}

// Postgres persists records through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates the pool and fails fast when the database is
// unreachable.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &PersistenceError{Op: "ping", Err: err}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

var pointColumns = []string{
	"id", "session_key", "owner_key",
	"ts", "sub_millis",
	"accel_x", "accel_y", "accel_z",
	"gyro_x", "gyro_y", "gyro_z",
	"mag_x", "mag_y", "mag_z",
	"pitch", "roll", "yaw",
	"lat", "lon", "alt", "speed", "course",
	"heart_rate", "battery", "moving", "activity",
	"created_at", "updated_at",
}

// BulkInsert submits all records as one COPY. The protocol aborts the whole
// operation on any fault, so a partial batch never reads as success.
func (p *Postgres) BulkInsert(ctx context.Context, records []model.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n, err := p.pool.CopyFrom(
		ctx,
		pgx.Identifier{"points"},
		pointColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return recordRow(records[i]), nil
		}),
	)
	if err != nil {
		return 0, &PersistenceError{Op: "bulk insert", Err: err}
	}
	return n, nil
}

func recordRow(r model.Record) []any {
	return []any{
		r.ID, nullStr(r.SessionKey), nullStr(r.OwnerKey),
		r.Timestamp, r.SubMillis,
		r.AccelX, r.AccelY, r.AccelZ,
		r.GyroX, r.GyroY, r.GyroZ,
		r.MagX, r.MagY, r.MagZ,
		r.Pitch, r.Roll, r.Yaw,
		r.Lat, r.Lon, r.Alt, r.Speed, r.Course,
		r.HeartRate, r.Battery, r.Moving, r.Activity,
		r.CreatedAt, r.UpdatedAt,
	}
}

// nullStr maps an absent key to NULL rather than the empty string.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
