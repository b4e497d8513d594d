package ratelimit

import (
	"context"
	"database/sql"
	"fmt"

	platformdb "github.com/kyushbot/cmdgate/internal/platform/db"
)

// SQLiteRules stores rules in SQLite.
type SQLiteRules struct {
	db *sql.DB
}

var _ RuleRepository = (*SQLiteRules)(nil)

// NewSQLiteRules constructs the rule repository.
func NewSQLiteRules(db *sql.DB) *SQLiteRules {
	return &SQLiteRules{db: db}
}

// Migrate creates the rule table when missing.
func (r *SQLiteRules) Migrate(ctx context.Context) error {
	err := platformdb.WithSQLTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqliteRuleSchema)
		return err
	})
	if err != nil {
		return fmt.Errorf("ratelimit: migrate rules: %w", err)
	}
	return nil
}

func (r *SQLiteRules) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT command, scope, scope_value, limit_count, period_ms FROM rate_rule`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var (
			rule  Rule
			scope string
		)
		if err := rows.Scan(&rule.Command, &scope, &rule.ScopeValue, &rule.LimitCount, &rule.PeriodMs); err != nil {
			return nil, err
		}
		rule.Scope = Scope(scope)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *SQLiteRules) UpsertRule(ctx context.Context, rule Rule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_rule (command, scope, scope_value, limit_count, period_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (command, scope, scope_value) DO UPDATE SET
			limit_count = excluded.limit_count,
			period_ms = excluded.period_ms`,
		rule.Command, string(rule.Scope), rule.ScopeValue, rule.LimitCount, rule.PeriodMs)
	return err
}

func (r *SQLiteRules) DeleteRule(ctx context.Context, key RuleKey) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_rule WHERE command = ? AND scope = ? AND scope_value = ?`,
		key.Command, string(key.Scope), key.ScopeValue)
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

// SQLiteEvents keeps the event log in SQLite, usually a file separate from the rules.
type SQLiteEvents struct {
	db *sql.DB
}

var _ EventLog = (*SQLiteEvents)(nil)

// NewSQLiteEvents constructs the event log.
func NewSQLiteEvents(db *sql.DB) *SQLiteEvents {
	return &SQLiteEvents{db: db}
}

// Migrate creates the event table and its indexes when missing.
func (e *SQLiteEvents) Migrate(ctx context.Context) error {
	err := platformdb.WithSQLTx(ctx, e.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqliteEventSchema)
		return err
	})
	if err != nil {
		return fmt.Errorf("ratelimit: migrate events: %w", err)
	}
	return nil
}

func (e *SQLiteEvents) Append(ctx context.Context, event Event) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO rate_event (user_id, chat_id, command, issued_at_ms) VALUES (?, ?, ?, ?)`,
		event.UserID, event.ChatID, event.Command, event.IssuedAtMs)
	return err
}

func (e *SQLiteEvents) Count(ctx context.Context, command string, scope Scope, scopeValue int64, sinceMs int64) (int64, error) {
	var row *sql.Row
	switch scope {
	case ScopeCommand:
		row = e.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_event WHERE command = ? AND issued_at_ms >= ?`,
			command, sinceMs)
	case ScopeChat:
		row = e.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_event WHERE chat_id = ? AND command = ? AND issued_at_ms >= ?`,
			scopeValue, command, sinceMs)
	case ScopeUser:
		row = e.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_event WHERE user_id = ? AND command = ? AND issued_at_ms >= ?`,
			scopeValue, command, sinceMs)
	default:
		return 0, fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (e *SQLiteEvents) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := e.db.ExecContext(ctx, `DELETE FROM rate_event WHERE issued_at_ms < ?`, beforeMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
