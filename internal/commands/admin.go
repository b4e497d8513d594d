package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kyushbot/cmdgate/internal/acl"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
	"github.com/kyushbot/cmdgate/internal/shared"
)

// ErrUsage means the arguments did not match the command grammar.
var ErrUsage = errors.New("commands: malformed arguments")

// ACLAdmin is the mutation surface of the access-control resolver.
type ACLAdmin interface {
	SetPolicy(ctx context.Context, command string, defaultAllow bool, denyMessage string) error
	AddEntry(ctx context.Context, command string, listType acl.ListType, value, reason string) error
	RemoveEntry(ctx context.Context, command string, listType acl.ListType, value string) error
	AddRole(ctx context.Context, userID int64, role string) error
	RemoveRole(ctx context.Context, userID int64, role string) error
	Entries(ctx context.Context, command string) ([]acl.Entry, error)
	Policies() []acl.Policy
	Reload(ctx context.Context) error
}

// RateAdmin is the mutation surface of the rate limiter.
type RateAdmin interface {
	UpsertRule(ctx context.Context, rule ratelimit.Rule) error
	RemoveRule(ctx context.Context, command string, scope ratelimit.Scope, scopeValue int64) error
	Rules() []ratelimit.Rule
	FormatRules() string
	Reload(ctx context.Context) error
}

// Admin command names.
const (
	SetPerm         = "setperm"
	AddACL          = "addacl"
	RemoveACL       = "removeacl"
	ListACL         = "listacl"
	AddRole         = "addrole"
	RemoveRole      = "removerole"
	SetRateLimit    = "setratelimit"
	RemoveRateLimit = "removeratelimit"
	ListRateLimits  = "listratelimits"
	ReloadACL       = "reloadacl"
)

var (
	setPermPattern         = regexp.MustCompile(`(?i)^\s*(\S+)\s+(allow|deny)(?:\s+([\s\S]*))?$`)
	addACLPattern          = regexp.MustCompile(`(?i)^\s*(\S+)\s+(allow|deny)\s+(user|chat|role)\s+(\S+)(?:\s+([\s\S]*))?$`)
	removeACLPattern       = regexp.MustCompile(`(?i)^\s*(\S+)\s+(allow|deny)\s+(user|chat|role)\s+(\S+)\s*$`)
	rolePattern            = regexp.MustCompile(`^\s*(\S+)\s+(\S+)\s*$`)
	singlePattern          = regexp.MustCompile(`^\s*(\S+)\s*$`)
	setRateLimitPattern    = regexp.MustCompile(`(?i)^\s*(\S+)\s+(command|chat|user)\s+(-?\d+)\s+(\d+)\s+(\d+)\s*$`)
	removeRateLimitPattern = regexp.MustCompile(`(?i)^\s*(\S+)\s+(command|chat|user)\s+(-?\d+)\s*$`)
)

// Admin parses administrative command lines and applies them.
type Admin struct {
	acl    ACLAdmin
	rate   RateAdmin
	logger *slog.Logger
}

// NewAdmin constructs an Admin.
func NewAdmin(aclAdmin ACLAdmin, rateAdmin RateAdmin, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{acl: aclAdmin, rate: rateAdmin, logger: logger}
}

// Exec runs one admin command and returns the confirmation text.
// Malformed arguments return ErrUsage.
func (a *Admin) Exec(ctx context.Context, name, args string) (string, error) {
	name = shared.FoldName(name)
	logger := a.logger.With(slog.String("admin_command", name))
	reply, err := a.exec(ctx, name, args)
	switch {
	case errors.Is(err, ErrUsage):
	case err != nil:
		logger.Info("admin command failed", slog.Any("error", err))
	default:
		logger.Info("admin command applied", slog.String("args", args))
	}
	return reply, err
}

func (a *Admin) exec(ctx context.Context, name, args string) (string, error) {
	switch name {
	case SetPerm:
		return a.setPerm(ctx, args)
	case AddACL:
		return a.addACL(ctx, args)
	case RemoveACL:
		return a.removeACL(ctx, args)
	case ListACL:
		return a.listACL(ctx, args)
	case AddRole:
		return a.changeRole(ctx, args, true)
	case RemoveRole:
		return a.changeRole(ctx, args, false)
	case SetRateLimit:
		return a.setRateLimit(ctx, args)
	case RemoveRateLimit:
		return a.removeRateLimit(ctx, args)
	case ListRateLimits:
		return a.listRateLimits(), nil
	case ReloadACL:
		return a.reload(ctx)
	}
	return "", fmt.Errorf("commands: unknown admin command %q", name)
}

func (a *Admin) setPerm(ctx context.Context, args string) (string, error) {
	m := setPermPattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	command := acl.Normalize(m[1])
	permission := strings.ToLower(m[2])
	denyMessage := strings.TrimSpace(m[3])
	if err := a.acl.SetPolicy(ctx, command, permission == "allow", denyMessage); err != nil {
		return "", err
	}
	reply := fmt.Sprintf("Default permission for /%s set to %s", command, permission)
	if denyMessage != "" {
		reply += fmt.Sprintf(" with message: %q", denyMessage)
	}
	return reply, nil
}

func parseACLTarget(m []string) (command, permission, subject, value string, listType acl.ListType, err error) {
	command = acl.Normalize(m[1])
	permission = strings.ToLower(m[2])
	subject = strings.ToLower(m[3])
	value = m[4]
	listType, err = acl.ListTypeFor(permission == "allow", subject)
	if err != nil {
		return "", "", "", "", "", ErrUsage
	}
	return command, permission, subject, value, listType, nil
}

func (a *Admin) addACL(ctx context.Context, args string) (string, error) {
	m := addACLPattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	command, permission, subject, value, listType, err := parseACLTarget(m)
	if err != nil {
		return "", err
	}
	if err := a.acl.AddEntry(ctx, command, listType, value, m[5]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s added to %s list for /%s", subject, value, permission, command), nil
}

func (a *Admin) removeACL(ctx context.Context, args string) (string, error) {
	m := removeACLPattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	command, permission, subject, value, listType, err := parseACLTarget(m)
	if err != nil {
		return "", err
	}
	if err := a.acl.RemoveEntry(ctx, command, listType, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s removed from %s list for /%s", subject, value, permission, command), nil
}

func (a *Admin) listACL(ctx context.Context, args string) (string, error) {
	m := singlePattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	command := acl.Normalize(m[1])
	entries, err := a.acl.Entries(ctx, command)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fallback := "not set"
	for _, p := range a.acl.Policies() {
		if p.Command == command {
			fallback = "deny"
			if p.DefaultAllow {
				fallback = "allow"
			}
			if p.DenyMessage != "" {
				fallback += fmt.Sprintf(" (%q)", p.DenyMessage)
			}
		}
	}
	fmt.Fprintf(&b, "ACL for /%s\ndefault: %s", command, fallback)
	if len(entries) == 0 {
		b.WriteString("\nNo list entries.")
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%s %s", e.ListType, e.Value)
		if e.Reason != "" {
			fmt.Fprintf(&b, " %q", e.Reason)
		}
	}
	return b.String(), nil
}

func (a *Admin) changeRole(ctx context.Context, args string, assign bool) (string, error) {
	m := rolePattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	userID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return "", shared.Validation("Invalid user id: %s", m[1])
	}
	role := acl.Normalize(m[2])
	if assign {
		if err := a.acl.AddRole(ctx, userID, role); err != nil {
			return "", err
		}
		return fmt.Sprintf("Role %s assigned to user %d", role, userID), nil
	}
	if err := a.acl.RemoveRole(ctx, userID, role); err != nil {
		return "", err
	}
	return fmt.Sprintf("Role %s removed from user %d", role, userID), nil
}

func (a *Admin) setRateLimit(ctx context.Context, args string) (string, error) {
	m := setRateLimitPattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	scope, _ := ratelimit.ParseScope(m[2])
	nums, err := parseInts(m[3], m[4], m[5])
	if err != nil {
		return "", err
	}
	rule := ratelimit.Rule{
		Command:    acl.Normalize(m[1]),
		Scope:      scope,
		ScopeValue: nums[0],
		LimitCount: nums[1],
		PeriodMs:   nums[2],
	}
	if err := a.rate.UpsertRule(ctx, rule); err != nil {
		return "", err
	}
	return fmt.Sprintf("Rate limit for /%s %s %d set to %d requests per %s",
		rule.Command, rule.Scope, rule.ScopeValue, rule.LimitCount, ratelimit.HumanPeriod(rule.PeriodMs)), nil
}

func (a *Admin) removeRateLimit(ctx context.Context, args string) (string, error) {
	m := removeRateLimitPattern.FindStringSubmatch(args)
	if m == nil {
		return "", ErrUsage
	}
	scope, _ := ratelimit.ParseScope(m[2])
	nums, err := parseInts(m[3])
	if err != nil {
		return "", err
	}
	command := acl.Normalize(m[1])
	if err := a.rate.RemoveRule(ctx, command, scope, nums[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Rate limit for /%s %s %d has been removed", command, scope, nums[0]), nil
}

func (a *Admin) listRateLimits() string {
	if len(a.rate.Rules()) == 0 {
		return "No rate limit rules defined."
	}
	return "Current rate limit rules:\n" + a.rate.FormatRules()
}

func (a *Admin) reload(ctx context.Context) (string, error) {
	if err := a.acl.Reload(ctx); err != nil {
		return "", err
	}
	if err := a.rate.Reload(ctx); err != nil {
		return "", err
	}
	return "ACL and rate limit rules reloaded.", nil
}

func parseInts(values ...string) ([]int64, error) {
	out := make([]int64, len(values))
	for i, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, ErrUsage
		}
		out[i] = n
	}
	return out, nil
}
