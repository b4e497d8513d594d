// Package seed loads access policies and rate rules from a YAML file and
// applies them through the resolver and limiter mutations.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kyushbot/cmdgate/internal/acl"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
	"github.com/kyushbot/cmdgate/internal/shared"
)

// File is the seed document.
type File struct {
	Policies  []Policy   `yaml:"policies" validate:"dive"`
	Entries   []Entry    `yaml:"entries" validate:"dive"`
	Roles     []Role     `yaml:"roles" validate:"dive"`
	RateRules []RateRule `yaml:"rate_rules" validate:"dive"`
}

// Policy sets the fallback of a command.
type Policy struct {
	Command     string `yaml:"command" validate:"required"`
	Default     string `yaml:"default" validate:"oneof=allow deny"`
	DenyMessage string `yaml:"deny_message"`
}

// Entry adds one access list entry.
type Entry struct {
	Command string `yaml:"command" validate:"required"`
	List    string `yaml:"list" validate:"oneof=user_whitelist user_blacklist chat_whitelist chat_blacklist role_whitelist role_blacklist"`
	Value   string `yaml:"value" validate:"required"`
	Reason  string `yaml:"reason"`
}

// Role assigns a role to a user.
type Role struct {
	UserID int64  `yaml:"user_id" validate:"required"`
	Role   string `yaml:"role" validate:"required"`
}

// RateRule sets one rate limit rule.
type RateRule struct {
	Command  string `yaml:"command" validate:"required"`
	Scope    string `yaml:"scope" validate:"oneof=command chat user"`
	Value    int64  `yaml:"value"`
	Limit    int64  `yaml:"limit" validate:"gte=1"`
	PeriodMs int64  `yaml:"period_ms" validate:"gte=1"`
}

// ACLTarget receives the access control part of a seed.
type ACLTarget interface {
	SetPolicy(ctx context.Context, command string, defaultAllow bool, denyMessage string) error
	AddEntry(ctx context.Context, command string, listType acl.ListType, value, reason string) error
	AddRole(ctx context.Context, userID int64, role string) error
}

// RateTarget receives the rate rules of a seed.
type RateTarget interface {
	UpsertRule(ctx context.Context, rule ratelimit.Rule) error
}

// Summary counts what Apply did.
type Summary struct {
	Applied int
	Skipped int
}

// Load reads and validates the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %q: %w", path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed: %q: %w", path, err)
	}
	return file, nil
}

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &file, nil
}

// Apply writes the seed through the mutation operations. Entries and roles
// that already exist are skipped, so applying the same file twice is a no-op.
func Apply(ctx context.Context, file *File, aclTarget ACLTarget, rateTarget RateTarget, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary
	record := func(err error, what string, attrs ...any) error {
		switch {
		case err == nil:
			sum.Applied++
			return nil
		case errors.Is(err, shared.ErrAlreadyExists):
			sum.Skipped++
			logger.Debug("seed item exists", append(attrs, slog.String("kind", what))...)
			return nil
		default:
			return fmt.Errorf("seed: %s: %w", what, err)
		}
	}

	for _, p := range file.Policies {
		err := aclTarget.SetPolicy(ctx, p.Command, p.Default == "allow", p.DenyMessage)
		if err := record(err, "policy", slog.String("command", p.Command)); err != nil {
			return sum, err
		}
	}
	for _, e := range file.Entries {
		err := aclTarget.AddEntry(ctx, e.Command, acl.ListType(e.List), e.Value, e.Reason)
		if err := record(err, "entry", slog.String("command", e.Command), slog.String("list", e.List)); err != nil {
			return sum, err
		}
	}
	for _, r := range file.Roles {
		err := aclTarget.AddRole(ctx, r.UserID, r.Role)
		if err := record(err, "role", slog.Int64("user_id", r.UserID)); err != nil {
			return sum, err
		}
	}
	for _, r := range file.RateRules {
		scope, _ := ratelimit.ParseScope(r.Scope)
		err := rateTarget.UpsertRule(ctx, ratelimit.Rule{
			Command:    r.Command,
			Scope:      scope,
			ScopeValue: r.Value,
			LimitCount: r.Limit,
			PeriodMs:   r.PeriodMs,
		})
		if err := record(err, "rate rule", slog.String("command", r.Command)); err != nil {
			return sum, err
		}
	}
	logger.Info("seed applied", slog.Int("applied", sum.Applied), slog.Int("skipped", sum.Skipped))
	return sum, nil
}
