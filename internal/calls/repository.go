package calls

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"callmeter/pkg/utils"
)

// SQLStore implements Store on Postgres (pgx) or SQLite (modernc).
//
// Tables:
// - call_sessions: one row per call, aggregates included
// - billing_units: append-only ledger, UNIQUE (call_id, minute_index)
// - call_participant_claims: participant_id PRIMARY KEY, one row per participant of a non-terminal call
type SQLStore struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLStore(db *sql.DB, dialect utils.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the schema if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == utils.DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
  call_id TEXT PRIMARY KEY,
  caller_id TEXT NOT NULL,
  callee_id TEXT NOT NULL,
  status TEXT NOT NULL,
  requested_at ` + ts + ` NOT NULL,
  started_at ` + ts + ` NOT NULL,
  connected_at ` + ts + ` NULL,
  ended_at ` + ts + ` NULL,
  duration_seconds INTEGER NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
  billed_units INTEGER NOT NULL DEFAULT 0 CHECK (billed_units >= 0),
  billed_points BIGINT NOT NULL DEFAULT 0,
  end_reason TEXT NULL,
  updated_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_caller_open ON call_sessions (caller_id) WHERE status NOT IN ('ended', 'failed')`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_callee_open ON call_sessions (callee_id) WHERE status NOT IN ('ended', 'failed')`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_status_updated ON call_sessions (status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_requested ON call_sessions (requested_at)`,
		`CREATE TABLE IF NOT EXISTS billing_units (
  unit_id TEXT PRIMARY KEY,
  call_id TEXT NOT NULL REFERENCES call_sessions (call_id),
  minute_index INTEGER NOT NULL CHECK (minute_index > 0),
  charged_points BIGINT NOT NULL CHECK (charged_points >= 0),
  billed_at ` + ts + ` NOT NULL,
  UNIQUE (call_id, minute_index)
)`,
		`CREATE TABLE IF NOT EXISTS call_participant_claims (
  participant_id TEXT PRIMARY KEY,
  call_id TEXT NOT NULL REFERENCES call_sessions (call_id),
  claimed_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_call_participant_claims_call ON call_participant_claims (call_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, sqlTx{tx: tx, dialect: s.dialect})
	})
}

func (s *SQLStore) Get(ctx context.Context, callID string) (CallSession, error) {
	return getCall(ctx, s.db, s.dialect, callID, false)
}

func (s *SQLStore) ActiveFor(ctx context.Context, participantID string) (CallSession, bool, error) {
	return activeFor(ctx, s.db, s.dialect, participantID)
}

func (s *SQLStore) Units(ctx context.Context, callID string) ([]BillingUnit, error) {
	if _, err := getCall(ctx, s.db, s.dialect, callID, false); err != nil {
		return nil, err
	}
	const q = `
SELECT unit_id, call_id, minute_index, charged_points, billed_at
FROM billing_units
WHERE call_id = ?
ORDER BY minute_index ASC
`
	rows, err := s.db.QueryContext(ctx, utils.Rebind(s.dialect, q), callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BillingUnit, 0)
	for rows.Next() {
		var u BillingUnit
		if err := rows.Scan(&u.UnitID, &u.CallID, &u.MinuteIndex, &u.ChargedPoints, &u.Timestamp); err != nil {
			return nil, err
		}
		u.Timestamp = u.Timestamp.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLStore) List(ctx context.Context, from, to time.Time) ([]CallSession, error) {
	q := `SELECT ` + callColumns + ` FROM call_sessions WHERE requested_at >= ? AND requested_at < ? ORDER BY requested_at ASC`
	return queryCalls(ctx, s.db, utils.Rebind(s.dialect, q), from.UTC(), to.UTC())
}

func (s *SQLStore) ListStale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]CallSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(statuses)+2)
	marks := make([]string, 0, len(statuses))
	for _, st := range statuses {
		marks = append(marks, "?")
		args = append(args, string(st))
	}
	args = append(args, cutoff.UTC(), limit)
	q := `SELECT ` + callColumns + ` FROM call_sessions WHERE status IN (` + strings.Join(marks, ", ") + `) AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	return queryCalls(ctx, s.db, utils.Rebind(s.dialect, q), args...)
}

type sqlTx struct {
	tx      *sql.Tx
	dialect utils.Dialect
}

func (t sqlTx) Lock(ctx context.Context, callID string) (CallSession, error) {
	return getCall(ctx, t.tx, t.dialect, callID, true)
}

func (t sqlTx) Insert(ctx context.Context, c CallSession) error {
	const q = `
INSERT INTO call_sessions (
  call_id, caller_id, callee_id, status, requested_at, started_at, connected_at, ended_at,
  duration_seconds, billed_units, billed_points, end_reason, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`
	_, err := t.tx.ExecContext(ctx, utils.Rebind(t.dialect, q),
		c.CallID,
		c.CallerID,
		c.CalleeID,
		string(c.Status),
		c.RequestedAt.UTC(),
		c.StartedAt.UTC(),
		nullTime(c.ConnectedAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.BilledUnits,
		c.BilledPoints,
		nullReason(c.EndReason),
		c.UpdatedAt.UTC(),
	)
	return err
}

func (t sqlTx) Save(ctx context.Context, c CallSession) error {
	const q = `
UPDATE call_sessions
SET status = ?, started_at = ?, connected_at = ?, ended_at = ?,
    duration_seconds = ?, billed_units = ?, billed_points = ?, end_reason = ?, updated_at = ?
WHERE call_id = ?
`
	res, err := t.tx.ExecContext(ctx, utils.Rebind(t.dialect, q),
		string(c.Status),
		c.StartedAt.UTC(),
		nullTime(c.ConnectedAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		c.BilledUnits,
		c.BilledPoints,
		nullReason(c.EndReason),
		c.UpdatedAt.UTC(),
		c.CallID,
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

func (t sqlTx) ClaimParticipants(ctx context.Context, callID string, participantIDs ...string) error {
	const q = `
INSERT INTO call_participant_claims (participant_id, call_id, claimed_at)
VALUES (?,?,?)
ON CONFLICT (participant_id) DO NOTHING
`
	now := time.Now().UTC()
	for _, p := range participantIDs {
		res, err := t.tx.ExecContext(ctx, utils.Rebind(t.dialect, q), p, callID, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConcurrentActiveCall
		}
	}
	return nil
}

func (t sqlTx) ReleaseParticipants(ctx context.Context, callID string) error {
	const q = `DELETE FROM call_participant_claims WHERE call_id = ?`
	_, err := t.tx.ExecContext(ctx, utils.Rebind(t.dialect, q), callID)
	return err
}

func (t sqlTx) ActiveFor(ctx context.Context, participantID string) (CallSession, bool, error) {
	return activeFor(ctx, t.tx, t.dialect, participantID)
}

func (t sqlTx) InsertUnit(ctx context.Context, u BillingUnit) error {
	const q = `
INSERT INTO billing_units (unit_id, call_id, minute_index, charged_points, billed_at)
VALUES (?,?,?,?,?)
ON CONFLICT (call_id, minute_index) DO NOTHING
`
	res, err := t.tx.ExecContext(ctx, utils.Rebind(t.dialect, q), u.UnitID, u.CallID, u.MinuteIndex, u.ChargedPoints, u.Timestamp.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateTick
	}
	return nil
}

func (t sqlTx) Totals(ctx context.Context, callID string) (LedgerTotals, error) {
	const q = `
SELECT COUNT(*), CAST(COALESCE(SUM(charged_points), 0) AS BIGINT)
FROM billing_units
WHERE call_id = ?
`
	var out LedgerTotals
	if err := t.tx.QueryRowContext(ctx, utils.Rebind(t.dialect, q), callID).Scan(&out.Units, &out.Points); err != nil {
		return LedgerTotals{}, err
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const callColumns = `call_id, caller_id, callee_id, status, requested_at, started_at, connected_at, ended_at,
  duration_seconds, billed_units, billed_points, end_reason, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (CallSession, error) {
	var (
		c         CallSession
		status    string
		connected sql.NullTime
		ended     sql.NullTime
		reason    sql.NullString
	)
	if err := r.Scan(
		&c.CallID,
		&c.CallerID,
		&c.CalleeID,
		&status,
		&c.RequestedAt,
		&c.StartedAt,
		&connected,
		&ended,
		&c.DurationSeconds,
		&c.BilledUnits,
		&c.BilledPoints,
		&reason,
		&c.UpdatedAt,
	); err != nil {
		return CallSession{}, err
	}
	c.Status = Status(status)
	c.RequestedAt = c.RequestedAt.UTC()
	c.StartedAt = c.StartedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if connected.Valid {
		t := connected.Time.UTC()
		c.ConnectedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		c.EndedAt = &t
	}
	if reason.Valid {
		r := EndReason(reason.String)
		c.EndReason = &r
	}
	return c, nil
}

func getCall(ctx context.Context, q queryer, d utils.Dialect, callID string, forUpdate bool) (CallSession, error) {
	query := `SELECT ` + callColumns + ` FROM call_sessions WHERE call_id = ?`
	// SQLite has no row locks; its single-writer transactions already serialise.
	if forUpdate && d == utils.DialectPostgres {
		query += ` FOR UPDATE`
	}
	c, err := scanCall(q.QueryRowContext(ctx, utils.Rebind(d, query), callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSession{}, ErrNotFound
		}
		return CallSession{}, err
	}
	return c, nil
}

func activeFor(ctx context.Context, q queryer, d utils.Dialect, participantID string) (CallSession, bool, error) {
	query := `SELECT ` + callColumns + ` FROM call_sessions
WHERE (caller_id = ? OR callee_id = ?) AND status NOT IN ('ended', 'failed')
ORDER BY requested_at DESC
LIMIT 1`
	c, err := scanCall(q.QueryRowContext(ctx, utils.Rebind(d, query), participantID, participantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSession{}, false, nil
		}
		return CallSession{}, false, err
	}
	return c, true, nil
}

func queryCalls(ctx context.Context, q queryer, query string, args ...any) ([]CallSession, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallSession, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullReason(r *EndReason) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*r), Valid: true}
}
