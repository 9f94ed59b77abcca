package audit

import (
	"context"
	"database/sql"

	"callmeter/pkg/utils"
)

// SQLRepo stores audit events in audit_events. It only ever INSERTs and SELECTs.
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
		`CREATE TABLE IF NOT EXISTS audit_events (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  actor TEXT NOT NULL,
  actor_role TEXT NOT NULL DEFAULT '',
  ip_address TEXT NOT NULL DEFAULT '',
  call_id TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL DEFAULT '',
  created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_call ON audit_events (call_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor, actor_role, ip_address, call_id, message, metadata, created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`
	_, err := r.db.ExecContext(ctx, utils.Rebind(r.dialect, q),
		e.ID, string(e.Type), e.Actor, e.ActorRole, e.IPAddress, e.CallID, e.Message, e.Metadata, e.CreatedAt.UTC())
	return err
}

func (r *SQLRepo) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	const q = `
SELECT id, type, actor, actor_role, ip_address, call_id, message, metadata, created_at
FROM audit_events
WHERE call_id = ?
ORDER BY created_at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, utils.Rebind(r.dialect, q), callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e  Event
			tp string
		)
		if err := rows.Scan(&e.ID, &tp, &e.Actor, &e.ActorRole, &e.IPAddress, &e.CallID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(tp)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
