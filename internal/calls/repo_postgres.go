package calls

import (
	"context"
	"database/sql"
	"time"

	"softphone-console/pkg/utils"
)

// PostgresRepo stores call history in the call_history table.
// The *sql.DB is expected to use the pgx stdlib driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

var schema = []string{`
CREATE TABLE IF NOT EXISTS call_history (
  call_id        TEXT PRIMARY KEY,
  session_id     TEXT NOT NULL,
  destination    TEXT NOT NULL,
  status         TEXT NOT NULL,
  started_at     TIMESTAMPTZ NOT NULL,
  answered_at    TIMESTAMPTZ NULL,
  ended_at       TIMESTAMPTZ NULL,
  duration       INT NOT NULL DEFAULT 0,
  failure_reason TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS call_history_started_at_idx ON call_history (started_at DESC)`,
}

// EnsureSchema creates the table and its index when missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	if c.CallID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO call_history (
  call_id, session_id, destination, status, started_at, answered_at, ended_at, duration, failure_reason
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CallID,
		c.SessionID,
		c.Destination,
		c.Status,
		c.StartedAt,
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.FailureReason,
	)
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, c Call) error {
	const q = `
UPDATE call_history
SET status = $2, answered_at = $3, ended_at = $4, duration = $5, failure_reason = $6
WHERE call_id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		c.CallID,
		c.Status,
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.FailureReason,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, from, to time.Time) ([]Call, error) {
	const q = `
SELECT call_id, session_id, destination, status, started_at, answered_at, ended_at, duration, failure_reason
FROM call_history
WHERE started_at >= $1 AND started_at < $2
ORDER BY started_at DESC
`
	rows, err := r.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		var (
			c        Call
			answered sql.NullTime
			ended    sql.NullTime
		)
		if err := rows.Scan(
			&c.CallID,
			&c.SessionID,
			&c.Destination,
			&c.Status,
			&c.StartedAt,
			&answered,
			&ended,
			&c.DurationSeconds,
			&c.FailureReason,
		); err != nil {
			return nil, err
		}
		if answered.Valid {
			t := answered.Time
			c.AnsweredAt = &t
		}
		if ended.Valid {
			t := ended.Time
			c.EndedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
