package acl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	platformdb "github.com/kyushbot/cmdgate/internal/platform/db"
)

// SQLiteRepository implements Repository on a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository constructs a repository on an open SQLite handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Migrate creates the ACL tables when missing.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	err := platformdb.WithSQLTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqliteSchema)
		return err
	})
	if err != nil {
		return fmt.Errorf("acl: migrate sqlite: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT command, default_allow, deny_message FROM command_policy ORDER BY command`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []Policy
	for rows.Next() {
		var (
			p       Policy
			message sql.NullString
		)
		if err := rows.Scan(&p.Command, &p.DefaultAllow, &message); err != nil {
			return nil, err
		}
		p.DenyMessage = message.String
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return policies, nil
}

func (r *SQLiteRepository) UpsertPolicy(ctx context.Context, policy Policy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO command_policy (command, default_allow, deny_message) VALUES (?, ?, ?)
		ON CONFLICT (command) DO UPDATE SET
			default_allow = excluded.default_allow,
			deny_message = excluded.deny_message`,
		policy.Command, policy.DefaultAllow, nullString(policy.DenyMessage))
	return err
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, command string, listType ListType, value string) (Entry, error) {
	var reason sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT reason FROM acl_entry WHERE command = ? AND list_type = ? AND value = ?`,
		command, string(listType), value,
	).Scan(&reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return Entry{Command: command, ListType: listType, Value: value, Reason: reason.String}, nil
}

func (r *SQLiteRepository) ListEntries(ctx context.Context, command string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT command, list_type, value, reason FROM acl_entry WHERE command = ? ORDER BY list_type, value`,
		command)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			listType string
			reason   sql.NullString
		)
		if err := rows.Scan(&e.Command, &listType, &e.Value, &reason); err != nil {
			return nil, err
		}
		e.ListType = ListType(listType)
		e.Reason = reason.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *SQLiteRepository) InsertEntry(ctx context.Context, entry Entry) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO acl_entry (command, list_type, value, reason) VALUES (?, ?, ?, ?)
		ON CONFLICT (command, list_type, value) DO NOTHING`,
		entry.Command, string(entry.ListType), entry.Value, nullString(entry.Reason))
	if err != nil {
		return err
	}
	return expectAffected(res, ErrAlreadyExists)
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, command string, listType ListType, value string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM acl_entry WHERE command = ? AND list_type = ? AND value = ?`,
		command, string(listType), value)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

func (r *SQLiteRepository) ListRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role FROM user_role WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := []string{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *SQLiteRepository) AssignRole(ctx context.Context, userID, role string) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO user_role (user_id, role) VALUES (?, ?) ON CONFLICT (user_id, role) DO NOTHING`,
		userID, role)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrAlreadyExists)
}

func (r *SQLiteRepository) RemoveRole(ctx context.Context, userID, role string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_role WHERE user_id = ? AND role = ?`, userID, role)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

func expectAffected(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acl: rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
