package ratelimit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRules stores rules in PostgreSQL.
type PostgresRules struct {
	db DBTX
}

var _ RuleRepository = (*PostgresRules)(nil)

// NewPostgresRules constructs the rule repository.
func NewPostgresRules(db DBTX) *PostgresRules {
	return &PostgresRules{db: db}
}

// Migrate creates the rule table when missing.
func (r *PostgresRules) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, postgresRuleSchema)
	return err
}

// ListRules returns every stored rule.
func (r *PostgresRules) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `SELECT command, scope, scope_value, limit_count, period_ms FROM rate_rule`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// UpsertRule creates the rule or updates its limit and period.
func (r *PostgresRules) UpsertRule(ctx context.Context, rule Rule) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rate_rule (command, scope, scope_value, limit_count, period_ms) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (command, scope, scope_value) DO UPDATE SET
			limit_count = EXCLUDED.limit_count,
			period_ms = EXCLUDED.period_ms`,
		rule.Command, string(rule.Scope), rule.ScopeValue, rule.LimitCount, rule.PeriodMs)
	return err
}

// DeleteRule removes a rule. Returns ErrNotFound if nothing was deleted.
func (r *PostgresRules) DeleteRule(ctx context.Context, key RuleKey) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM rate_rule WHERE command = $1 AND scope = $2 AND scope_value = $3`,
		key.Command, string(key.Scope), key.ScopeValue)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresEvents keeps the event log in PostgreSQL.
type PostgresEvents struct {
	db DBTX
}

var _ EventLog = (*PostgresEvents)(nil)

// NewPostgresEvents constructs the event log.
func NewPostgresEvents(db DBTX) *PostgresEvents {
	return &PostgresEvents{db: db}
}

// Migrate creates the event table and its indexes when missing.
func (e *PostgresEvents) Migrate(ctx context.Context) error {
	_, err := e.db.Exec(ctx, postgresEventSchema)
	return err
}

// Append inserts a new event.
func (e *PostgresEvents) Append(ctx context.Context, event Event) error {
	_, err := e.db.Exec(ctx,
		`INSERT INTO rate_event (user_id, chat_id, command, issued_at_ms) VALUES ($1, $2, $3, $4)`,
		event.UserID, event.ChatID, event.Command, event.IssuedAtMs)
	return err
}

// Count returns the number of events in the window.
func (e *PostgresEvents) Count(ctx context.Context, command string, scope Scope, scopeValue int64, sinceMs int64) (int64, error) {
	var (
		count int64
		row   pgx.Row
	)
	switch scope {
	case ScopeCommand:
		row = e.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM rate_event WHERE command = $1 AND issued_at_ms >= $2`,
			command, sinceMs)
	case ScopeChat:
		row = e.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM rate_event WHERE chat_id = $1 AND command = $2 AND issued_at_ms >= $3`,
			scopeValue, command, sinceMs)
	case ScopeUser:
		row = e.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM rate_event WHERE user_id = $1 AND command = $2 AND issued_at_ms >= $3`,
			scopeValue, command, sinceMs)
	default:
		return 0, fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Prune deletes events older than beforeMs.
func (e *PostgresEvents) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	tag, err := e.db.Exec(ctx, `DELETE FROM rate_event WHERE issued_at_ms < $1`, beforeMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
