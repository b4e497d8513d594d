package ratelimit

import (
	"errors"
	"strings"
)

// ErrNotFound indicates that the requested rule does not exist.
var ErrNotFound = errors.New("ratelimit: not found")

// Scope is the dimension a quota is measured over.
type Scope string

const (
	ScopeCommand Scope = "command"
	ScopeChat    Scope = "chat"
	ScopeUser    Scope = "user"
)

// Scopes lists every scope in evaluation order.
var Scopes = []Scope{ScopeCommand, ScopeChat, ScopeUser}

// ParseScope converts admin input into a Scope.
func ParseScope(s string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeCommand:
		return ScopeCommand, true
	case ScopeChat:
		return ScopeChat, true
	case ScopeUser:
		return ScopeUser, true
	}
	return "", false
}

func (s Scope) order() int {
	switch s {
	case ScopeCommand:
		return 0
	case ScopeChat:
		return 1
	default:
		return 2
	}
}

// Rule caps how many granted requests a scope may issue within a period.
type Rule struct {
	Command    string `validate:"required"`
	Scope      Scope  `validate:"oneof=command chat user"`
	ScopeValue int64
	LimitCount int64 `validate:"gte=1"`
	PeriodMs   int64 `validate:"gte=1"`
}

// Key identifies the rule.
func (r Rule) Key() RuleKey {
	return RuleKey{Command: r.Command, Scope: r.Scope, ScopeValue: r.ScopeValue}
}

// RuleKey is the primary key of a rule.
type RuleKey struct {
	Command    string
	Scope      Scope
	ScopeValue int64
}

// Event records one granted request.
type Event struct {
	ID         int64
	UserID     int64
	ChatID     int64
	Command    string
	IssuedAtMs int64
}

// scopeValue returns the value the event is counted under for scope.
func (e Event) scopeValue(scope Scope) int64 {
	switch scope {
	case ScopeChat:
		return e.ChatID
	case ScopeUser:
		return e.UserID
	}
	return 0
}

// Decision is the outcome of a rate check.
type Decision struct {
	Granted     bool
	DenyMessage string
}
