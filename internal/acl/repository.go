package acl

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("acl: not found")
	// ErrAlreadyExists indicates a primary key conflict.
	ErrAlreadyExists = errors.New("acl: already exists")
)

// Repository is the durable store behind the resolver.
type Repository interface {
	ListPolicies(ctx context.Context) ([]Policy, error)
	UpsertPolicy(ctx context.Context, policy Policy) error

	GetEntry(ctx context.Context, command string, listType ListType, value string) (Entry, error)
	ListEntries(ctx context.Context, command string) ([]Entry, error)
	InsertEntry(ctx context.Context, entry Entry) error
	DeleteEntry(ctx context.Context, command string, listType ListType, value string) error

	ListRoles(ctx context.Context, userID string) ([]string, error)
	AssignRole(ctx context.Context, userID, role string) error
	RemoveRole(ctx context.Context, userID, role string) error
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRepository provides PostgreSQL backed persistence.
type PostgresRepository struct {
	db DBTX
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository constructs a repository on a pool or transaction.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the ACL tables when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, postgresSchema)
	return err
}

// ListPolicies returns every command policy.
func (r *PostgresRepository) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := r.db.Query(ctx, `SELECT command, default_allow, deny_message FROM command_policy ORDER BY command`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []Policy
	for rows.Next() {
		var (
			p       Policy
			message *string
		)
		if err := rows.Scan(&p.Command, &p.DefaultAllow, &message); err != nil {
			return nil, err
		}
		if message != nil {
			p.DenyMessage = *message
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return policies, nil
}

// UpsertPolicy creates or replaces the policy of a command.
func (r *PostgresRepository) UpsertPolicy(ctx context.Context, policy Policy) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO command_policy (command, default_allow, deny_message) VALUES ($1, $2, $3)
		ON CONFLICT (command) DO UPDATE SET
			default_allow = EXCLUDED.default_allow,
			deny_message = EXCLUDED.deny_message`,
		policy.Command, policy.DefaultAllow, nullable(policy.DenyMessage))
	return err
}

// GetEntry fetches a single list entry. Returns ErrNotFound when absent.
func (r *PostgresRepository) GetEntry(ctx context.Context, command string, listType ListType, value string) (Entry, error) {
	var reason *string
	err := r.db.QueryRow(ctx,
		`SELECT reason FROM acl_entry WHERE command = $1 AND list_type = $2 AND value = $3`,
		command, string(listType), value,
	).Scan(&reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	entry := Entry{Command: command, ListType: listType, Value: value}
	if reason != nil {
		entry.Reason = *reason
	}
	return entry, nil
}

// ListEntries returns every entry of a command.
func (r *PostgresRepository) ListEntries(ctx context.Context, command string) ([]Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT command, list_type, value, reason FROM acl_entry WHERE command = $1 ORDER BY list_type, value`,
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
			reason   *string
		)
		if err := rows.Scan(&e.Command, &listType, &e.Value, &reason); err != nil {
			return nil, err
		}
		e.ListType = ListType(listType)
		if reason != nil {
			e.Reason = *reason
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// InsertEntry adds a list entry. Returns ErrAlreadyExists on duplicates.
func (r *PostgresRepository) InsertEntry(ctx context.Context, entry Entry) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO acl_entry (command, list_type, value, reason) VALUES ($1, $2, $3, $4)
		ON CONFLICT (command, list_type, value) DO NOTHING`,
		entry.Command, string(entry.ListType), entry.Value, nullable(entry.Reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// DeleteEntry removes a list entry. Returns ErrNotFound if nothing was deleted.
func (r *PostgresRepository) DeleteEntry(ctx context.Context, command string, listType ListType, value string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM acl_entry WHERE command = $1 AND list_type = $2 AND value = $3`,
		command, string(listType), value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRoles returns the roles held by a user ordered by name.
func (r *PostgresRepository) ListRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT role FROM user_role WHERE user_id = $1 ORDER BY role`, userID)
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

// AssignRole gives a role to a user. Returns ErrAlreadyExists on duplicates.
func (r *PostgresRepository) AssignRole(ctx context.Context, userID, role string) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_role (user_id, role) VALUES ($1, $2) ON CONFLICT (user_id, role) DO NOTHING`,
		userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// RemoveRole takes a role from a user. Returns ErrNotFound if nothing was deleted.
func (r *PostgresRepository) RemoveRole(ctx context.Context, userID, role string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM user_role WHERE user_id = $1 AND role = $2`, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
