package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callmeter/pkg/utils"
)

// SQLRepo reads and writes minute_rates.
type SQLRepo struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLRepo(db *sql.DB, dialect utils.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

func (r *SQLRepo) Migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if r.dialect == utils.DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS minute_rates (
  id TEXT PRIMARY KEY,
  otomo_id TEXT NOT NULL DEFAULT '',
  points_per_minute BIGINT NOT NULL CHECK (points_per_minute >= 0),
  effective_from ` + ts + ` NOT NULL,
  effective_to ` + ts + ` NULL,
  status TEXT NOT NULL,
  created_at ` + ts + ` NOT NULL,
  updated_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_minute_rates_lookup ON minute_rates (otomo_id, status, effective_from)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepo) FindMinuteRate(ctx context.Context, otomoID string, at time.Time) (MinuteRate, bool, error) {
	const q = `
SELECT id, otomo_id, points_per_minute, effective_from, effective_to, status, created_at, updated_at
FROM minute_rates
WHERE otomo_id = ?
  AND status = ?
  AND effective_from <= ?
  AND (effective_to IS NULL OR effective_to > ?)
ORDER BY effective_from DESC
LIMIT 1
`
	var (
		out    MinuteRate
		to     sql.NullTime
		status string
	)
	at = at.UTC()
	err := r.db.QueryRowContext(ctx, utils.Rebind(r.dialect, q), otomoID, string(PricingStatusActive), at, at).Scan(
		&out.ID, &out.OtomoID, &out.PointsPerMinute, &out.EffectiveFrom, &to, &status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MinuteRate{}, false, nil
		}
		return MinuteRate{}, false, err
	}
	out.Status = PricingStatus(status)
	out.EffectiveFrom = out.EffectiveFrom.UTC()
	if to.Valid {
		t := to.Time.UTC()
		out.EffectiveTo = &t
	}
	return out, true, nil
}

func (r *SQLRepo) InsertMinuteRate(ctx context.Context, rate MinuteRate) error {
	const q = `
INSERT INTO minute_rates (id, otomo_id, points_per_minute, effective_from, effective_to, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?)
`
	var to sql.NullTime
	if rate.EffectiveTo != nil {
		to = sql.NullTime{Time: rate.EffectiveTo.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, utils.Rebind(r.dialect, q),
		rate.ID, rate.OtomoID, rate.PointsPerMinute, rate.EffectiveFrom.UTC(), to, string(rate.Status), rate.CreatedAt.UTC(), rate.UpdatedAt.UTC())
	return err
}
