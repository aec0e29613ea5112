package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const recordColumns = `id, caller_id, receiver_id, call_type, status, created_at, updated_at, started_at, ended_at, duration_seconds`

const activeStatuses = `('initiated', 'ringing', 'connected')`

// SQL is a Directory backed by a "calls" table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
}

// NewSQL wraps db. Call Migrate once before use.
func NewSQL(db *sql.DB, dialect Dialect, clk clock.Clock) *SQL {
	if clk == nil {
		clk = clock.New()
	}
	return &SQL{db: db, dialect: dialect, clock: clk}
}

// Migrate creates the calls table and its indexes if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == Postgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id               TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			call_type        TEXT NOT NULL DEFAULT 'audio',
			status           TEXT NOT NULL,
			created_at       ` + ts + ` NOT NULL,
			updated_at       ` + ts + ` NOT NULL,
			started_at       ` + ts + `,
			ended_at         ` + ts + `,
			duration_seconds INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS calls_caller_idx ON calls (caller_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS calls_receiver_idx ON calls (receiver_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate calls: %w", err)
		}
	}
	return nil
}

func (s *SQL) Create(ctx context.Context, call NewCall) (Record, error) {
	if err := call.validate(); err != nil {
		return Record{}, err
	}

	now := s.clock.Now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		Type:       call.Type,
		Status:     StatusInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.lockParties(ctx, tx, call.CallerID, call.ReceiverID); err != nil {
			return err
		}
		if _, err := activeFor(ctx, tx, call.CallerID); err == nil {
			return ErrAlreadyInCall
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := activeFor(ctx, tx, call.ReceiverID); err == nil {
			return ErrPeerBusy
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO calls (id, caller_id, receiver_id, call_type, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.CallerID, rec.ReceiverID, string(rec.Type), string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *SQL) Transition(ctx context.Context, id string, status Status) (Record, error) {
	var out Record
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + recordColumns + ` FROM calls WHERE id = $1`
		if s.dialect == Postgres {
			q += ` FOR UPDATE`
		}
		cur, err := scanRecord(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		out = cur

		next, err := cur.Advance(status, s.clock.Now().UTC())
		if err != nil || next.Status == cur.Status {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE calls
			 SET status = $1, updated_at = $2, started_at = $3, ended_at = $4, duration_seconds = $5
			 WHERE id = $6 AND status = $7`,
			string(next.Status), next.UpdatedAt, nullTime(next.StartedAt), nullTime(next.EndedAt),
			nullInt(next.DurationSeconds), id, string(cur.Status),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: concurrent update of %s", ErrInvalidTransition, id)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *SQL) Adopt(ctx context.Context, rec Record) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, err
	}

	out := rec
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.lockParties(ctx, tx, rec.CallerID, rec.ReceiverID); err != nil {
			return err
		}
		cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM calls WHERE id = $1`, rec.ID))
		if err == nil {
			out = cur
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if !rec.Status.Terminal() {
			if _, err := activeFor(ctx, tx, rec.CallerID); err == nil {
				return ErrAlreadyInCall
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if _, err := activeFor(ctx, tx, rec.ReceiverID); err == nil {
				return ErrPeerBusy
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO calls (id, caller_id, receiver_id, call_type, status, created_at, updated_at, started_at, ended_at, duration_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, rec.CallerID, rec.ReceiverID, string(rec.Type), string(rec.Status),
			rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.EndedAt), nullInt(rec.DurationSeconds),
		)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *SQL) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM calls WHERE id = $1`, id))
}

func (s *SQL) ActiveFor(ctx context.Context, party string) (Record, error) {
	return activeFor(ctx, s.db, party)
}

func (s *SQL) History(ctx context.Context, party string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM calls
		 WHERE caller_id = $1 OR receiver_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		party, party, historyLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// lockParties serializes Create for the two parties on Postgres. SQLite
// runs on a single connection, which already serializes writers.
func (s *SQL) lockParties(ctx context.Context, tx *sql.Tx, parties ...string) error {
	if s.dialect != Postgres {
		return nil
	}
	sorted := slices.Clone(parties)
	slices.Sort(sorted)
	for _, p := range sorted {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p); err != nil {
			return fmt.Errorf("lock party: %w", err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeFor(ctx context.Context, q querier, party string) (Record, error) {
	return scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM calls
		 WHERE (caller_id = $1 OR receiver_id = $2) AND status IN `+activeStatuses+`
		 ORDER BY created_at DESC
		 LIMIT 1`,
		party, party,
	))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec              Record
		callType, status string
		started, ended   sql.NullTime
		duration         sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &callType, &status,
		&rec.CreatedAt, &rec.UpdatedAt, &started, &ended, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	rec.Type = CallType(callType)
	rec.Status = Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if started.Valid {
		t := started.Time.UTC()
		rec.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		rec.EndedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationSeconds = &d
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
