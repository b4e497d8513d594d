package ratelimit

import "context"

// RuleRepository persists rate rules.
type RuleRepository interface {
	ListRules(ctx context.Context) ([]Rule, error)
	UpsertRule(ctx context.Context, rule Rule) error
	// DeleteRule returns ErrNotFound when nothing was deleted.
	DeleteRule(ctx context.Context, key RuleKey) error
}

// EventLog is the append-only log of granted requests.
type EventLog interface {
	Append(ctx context.Context, event Event) error
	// Count returns the events of command issued at or after sinceMs in the
	// given scope. scopeValue is ignored for ScopeCommand.
	Count(ctx context.Context, command string, scope Scope, scopeValue int64, sinceMs int64) (int64, error)
	// Prune deletes events issued before beforeMs.
	Prune(ctx context.Context, beforeMs int64) (int64, error)
}
