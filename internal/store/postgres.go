package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"call-relay/pkg/utils"
)

// Postgres implements Store over database/sql (pgx stdlib driver).
type Postgres struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, clock: time.Now}
}

// Migrate applies the first-run schema inside one transaction. No
// migration framework: the schema is small and additive, CREATE TABLE IF
// NOT EXISTS is sufficient.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scenario_bindings (
			scenario_id   BIGINT PRIMARY KEY,
			scenario_name TEXT NOT NULL DEFAULT '',
			chat_id       BIGINT NOT NULL,
			chat_title    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			id           BIGSERIAL PRIMARY KEY,
			user_id      BIGINT UNIQUE,
			username     TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS call_log (
			call_id      BIGINT PRIMARY KEY,
			scenario_id  BIGINT NOT NULL,
			result_name  TEXT NOT NULL DEFAULT '',
			manager_name TEXT NOT NULL DEFAULT '',
			phone        TEXT NOT NULL DEFAULT '',
			comment      TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ,
			delivered_to BIGINT NOT NULL,
			delivery     TEXT NOT NULL,
			delivery_id  TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id         BIGINT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertBinding(ctx context.Context, b Binding) error {
	const q = `
INSERT INTO scenario_bindings (scenario_id, scenario_name, chat_id, chat_title, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (scenario_id) DO UPDATE
SET scenario_name = EXCLUDED.scenario_name,
    chat_id       = EXCLUDED.chat_id,
    chat_title    = EXCLUDED.chat_title
`
	_, err := p.db.ExecContext(ctx, q, b.ScenarioID, b.ScenarioName, b.ChatID, b.ChatTitle, p.clock().UTC())
	return err
}

func (p *Postgres) RemoveBinding(ctx context.Context, scenarioID int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM scenario_bindings WHERE scenario_id = $1`, scenarioID)
	return err
}

func (p *Postgres) ListBindings(ctx context.Context) ([]Binding, error) {
	const q = `
SELECT scenario_id, scenario_name, chat_id, chat_title, created_at
FROM scenario_bindings
ORDER BY scenario_id
`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ScenarioID, &b.ScenarioName, &b.ChatID, &b.ChatTitle, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) BindingForScenario(ctx context.Context, scenarioID int64) (Binding, error) {
	const q = `
SELECT scenario_id, scenario_name, chat_id, chat_title, created_at
FROM scenario_bindings
WHERE scenario_id = $1
`
	var b Binding
	err := p.db.QueryRowContext(ctx, q, scenarioID).Scan(&b.ScenarioID, &b.ScenarioName, &b.ChatID, &b.ChatTitle, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, err
	}
	return b, nil
}

func (p *Postgres) AddAdmin(ctx context.Context, a Admin) error {
	// NULLIF keeps the unique indexes meaningful when only one identity
	// component is known.
	const q = `
INSERT INTO admin_users (user_id, username, display_name, created_at)
VALUES (NULLIF($1, 0), NULLIF($2, ''), $3, $4)
ON CONFLICT DO NOTHING
`
	_, err := p.db.ExecContext(ctx, q, a.UserID, a.Username, a.DisplayName, p.clock().UTC())
	return err
}

func (p *Postgres) RemoveAdmin(ctx context.Context, ref AdminRef) error {
	const q = `
DELETE FROM admin_users
WHERE (user_id = $1 AND $1 <> 0) OR (username = $2 AND $2 <> '')
`
	_, err := p.db.ExecContext(ctx, q, ref.UserID, ref.Username)
	return err
}

func (p *Postgres) ListAdmins(ctx context.Context) ([]Admin, error) {
	const q = `
SELECT COALESCE(user_id, 0), COALESCE(username, ''), display_name, created_at
FROM admin_users
ORDER BY created_at
`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Admin
	for rows.Next() {
		var a Admin
		if err := rows.Scan(&a.UserID, &a.Username, &a.DisplayName, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) IsStoredAdmin(ctx context.Context, ref AdminRef) (bool, error) {
	const q = `
SELECT EXISTS (
	SELECT 1 FROM admin_users
	WHERE (user_id = $1 AND $1 <> 0) OR (username = $2 AND $2 <> '')
)
`
	var ok bool
	if err := p.db.QueryRowContext(ctx, q, ref.UserID, ref.Username).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Postgres) RecordCall(ctx context.Context, r CallRecord) error {
	const q = `
INSERT INTO call_log (call_id, scenario_id, result_name, manager_name, phone, comment, started_at, delivered_to, delivery, delivery_id, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (call_id) DO NOTHING
`
	var started any
	if !r.StartedAt.IsZero() {
		started = r.StartedAt.UTC()
	}
	processed := r.ProcessedAt
	if processed.IsZero() {
		processed = p.clock()
	}
	_, err := p.db.ExecContext(ctx, q,
		r.CallID, r.ScenarioID, r.ResultName, r.ManagerName, r.Phone, r.Comment,
		started, r.DeliveredTo, r.Delivery, r.DeliveryID, processed.UTC(),
	)
	return err
}

func (p *Postgres) CallSeen(ctx context.Context, callID int64) (bool, error) {
	var ok bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_log WHERE call_id = $1)`, callID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Postgres) UpsertChat(ctx context.Context, c ChatInfo) error {
	const q = `
INSERT INTO chats (id, title, type, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title, type = EXCLUDED.type, updated_at = EXCLUDED.updated_at
`
	_, err := p.db.ExecContext(ctx, q, c.ID, c.Title, c.Type, p.clock().UTC())
	return err
}

func (p *Postgres) ListChats(ctx context.Context) ([]ChatInfo, error) {
	const q = `SELECT id, title, type, updated_at FROM chats ORDER BY updated_at DESC`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatInfo
	for rows.Next() {
		var c ChatInfo
		if err := rows.Scan(&c.ID, &c.Title, &c.Type, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
