package ratelimit

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kyushbot/cmdgate/internal/shared"
)

// TableHeader is the first line of FormatRules.
const TableHeader = "[command] [list_type] [value] [limit_count] [period]"

// Registry reports which commands may be targeted by rule mutations.
type Registry interface {
	IsRegistered(name string) bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithStrict controls whether counting and appending happen as one step.
// Without it two concurrent requests may both pass the last free slot.
func WithStrict(strict bool) Option {
	return func(l *Limiter) { l.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Limiter enforces sliding-window quotas per command, chat and user.
type Limiter struct {
	rules    RuleRepository
	events   EventLog
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
	strict   bool
	validate *validator.Validate

	mu      sync.RWMutex
	ruleSet map[RuleKey]Rule

	decideMu sync.Mutex
}

// NewLimiter constructs a Limiter and loads the stored rules.
func NewLimiter(ctx context.Context, rules RuleRepository, events EventLog, registry Registry, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		rules:    rules,
		events:   events,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
		strict:   true,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.Reload(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		rule := sl.Current().Interface().(Rule)
		if rule.Scope == ScopeCommand && rule.ScopeValue != 0 {
			sl.ReportError(rule.ScopeValue, "ScopeValue", "ScopeValue", "commandzero", "")
		}
	}, Rule{})
	return v
}

// Decide checks the command, chat and user rules in that order and, unless
// dryRun is set, records a granted request. Store failures deny.
func (l *Limiter) Decide(ctx context.Context, command string, userID, chatID int64, dryRun bool) Decision {
	command = shared.FoldName(command)
	logger := l.logger.With(slog.String("command", command), slog.Int64("user_id", userID), slog.Int64("chat_id", chatID))

	if l.strict && !dryRun {
		l.decideMu.Lock()
		defer l.decideMu.Unlock()
	}

	now := l.now().UnixMilli()
	event := Event{UserID: userID, ChatID: chatID, Command: command, IssuedAtMs: now}

	l.mu.RLock()
	applicable := make([]Rule, 0, len(Scopes))
	for _, scope := range Scopes {
		if rule, ok := l.ruleSet[RuleKey{Command: command, Scope: scope, ScopeValue: event.scopeValue(scope)}]; ok {
			applicable = append(applicable, rule)
		}
	}
	l.mu.RUnlock()

	for _, rule := range applicable {
		count, err := l.events.Count(ctx, command, rule.Scope, rule.ScopeValue, now-rule.PeriodMs)
		if err != nil {
			logger.Error("ratelimit count failed", slog.String("scope", string(rule.Scope)), slog.Any("error", err))
			return Decision{DenyMessage: shared.GenericFailureMessage}
		}
		logger.Debug("ratelimit check",
			slog.String("scope", string(rule.Scope)),
			slog.Int64("count", count),
			slog.Int64("limit", rule.LimitCount),
			slog.Int64("period_ms", rule.PeriodMs))
		if count >= rule.LimitCount {
			logger.Info("ratelimit exceeded", slog.String("scope", string(rule.Scope)))
			return Decision{DenyMessage: fmt.Sprintf("Rate limit exceeded for %s: %s (limit: %d, period: %s)",
				rule.Scope, command, rule.LimitCount, HumanPeriod(rule.PeriodMs))}
		}
	}

	if !dryRun {
		if err := l.events.Append(ctx, event); err != nil {
			logger.Error("ratelimit append failed", slog.Any("error", err))
			return Decision{DenyMessage: shared.GenericFailureMessage}
		}
	}
	return Decision{Granted: true}
}

// UpsertRule validates and stores a rule, then rebuilds the rule set.
func (l *Limiter) UpsertRule(ctx context.Context, rule Rule) error {
	rule.Command = shared.FoldName(rule.Command)
	if err := l.validate.Struct(rule); err != nil {
		return ruleValidationError(err)
	}
	if !l.registry.IsRegistered(rule.Command) {
		return shared.NotRegistered(rule.Command)
	}
	if err := l.rules.UpsertRule(ctx, rule); err != nil {
		l.logger.Error("ratelimit upsert rule failed", slog.String("command", rule.Command), slog.Any("error", err))
		return shared.Storage("set rate limit", err)
	}
	l.logger.Info("ratelimit rule set",
		slog.String("command", rule.Command),
		slog.String("scope", string(rule.Scope)),
		slog.Int64("value", rule.ScopeValue),
		slog.Int64("limit", rule.LimitCount),
		slog.Int64("period_ms", rule.PeriodMs))
	l.rebuild(ctx, func(set map[RuleKey]Rule) { set[rule.Key()] = rule })
	return nil
}

// RemoveRule deletes a rule, then rebuilds the rule set.
func (l *Limiter) RemoveRule(ctx context.Context, command string, scope Scope, scopeValue int64) error {
	key := RuleKey{Command: shared.FoldName(command), Scope: scope, ScopeValue: scopeValue}
	if !l.registry.IsRegistered(key.Command) {
		return shared.NotRegistered(key.Command)
	}
	if err := l.rules.DeleteRule(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return shared.NotFound("Rate limit rule for %s %s %d not found", key.Command, key.Scope, key.ScopeValue)
		}
		l.logger.Error("ratelimit delete rule failed", slog.String("command", key.Command), slog.Any("error", err))
		return shared.Storage("remove rate limit", err)
	}
	l.logger.Info("ratelimit rule removed",
		slog.String("command", key.Command),
		slog.String("scope", string(key.Scope)),
		slog.Int64("value", key.ScopeValue))
	l.rebuild(ctx, func(set map[RuleKey]Rule) { delete(set, key) })
	return nil
}

// rebuild reloads the rule set after a committed write. When the store cannot
// be read back, the loaded set is patched with the write instead so memory
// still matches the store.
func (l *Limiter) rebuild(ctx context.Context, patch func(map[RuleKey]Rule)) {
	if err := l.Reload(ctx); err == nil {
		return
	}
	l.mu.Lock()
	set := maps.Clone(l.ruleSet)
	if set == nil {
		set = make(map[RuleKey]Rule)
	}
	patch(set)
	l.ruleSet = set
	l.mu.Unlock()
	l.logger.Warn("ratelimit rules patched in place", slog.Int("count", len(set)))
}

// Reload replaces the in-memory rule set with the stored rules.
func (l *Limiter) Reload(ctx context.Context) error {
	rules, err := l.rules.ListRules(ctx)
	if err != nil {
		l.logger.Error("ratelimit load rules failed", slog.Any("error", err))
		return shared.Storage("load rate limits", err)
	}
	set := make(map[RuleKey]Rule, len(rules))
	for _, rule := range rules {
		set[rule.Key()] = rule
	}
	l.mu.Lock()
	l.ruleSet = set
	l.mu.Unlock()
	l.logger.Info("ratelimit rules loaded", slog.Int("count", len(set)))
	return nil
}

// Rules returns the loaded rules ordered by command, scope and value.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	out := make([]Rule, 0, len(l.ruleSet))
	for _, rule := range l.ruleSet {
		out = append(out, rule)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b Rule) int {
		return cmp.Or(
			strings.Compare(a.Command, b.Command),
			cmp.Compare(a.Scope.order(), b.Scope.order()),
			cmp.Compare(a.ScopeValue, b.ScopeValue),
		)
	})
	return out
}

// LongestPeriod returns the longest period among the loaded rules.
func (l *Limiter) LongestPeriod() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var longest int64
	for _, rule := range l.ruleSet {
		longest = max(longest, rule.PeriodMs)
	}
	return time.Duration(longest) * time.Millisecond
}

// FormatRules renders the rules as a space separated table under TableHeader.
func (l *Limiter) FormatRules() string {
	var b strings.Builder
	b.WriteString(TableHeader)
	for _, rule := range l.Rules() {
		b.WriteByte('\n')
		b.WriteString(strings.Join([]string{
			rule.Command,
			string(rule.Scope),
			strconv.FormatInt(rule.ScopeValue, 10),
			strconv.FormatInt(rule.LimitCount, 10),
			strconv.FormatInt(rule.PeriodMs, 10),
		}, " "))
	}
	return b.String()
}

func ruleValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return shared.Validation("Invalid rate limit rule")
	}
	switch fe := fieldErrs[0]; fe.Field() {
	case "Command":
		return shared.Validation("Command name is required")
	case "Scope":
		return shared.Validation("Scope must be one of command, chat or user")
	case "ScopeValue":
		return shared.Validation("Value must be 0 for command type")
	case "LimitCount":
		return shared.Validation("Limit count must be at least 1")
	case "PeriodMs":
		return shared.Validation("Period must be at least 1ms")
	default:
		return shared.Validation("Invalid rate limit rule: %s", fe.Field())
	}
}
