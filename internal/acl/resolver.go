package acl

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kyushbot/cmdgate/internal/platform/cache"
	"github.com/kyushbot/cmdgate/internal/shared"
)

// DefaultAllowCommands are allowed for everyone unless a stored policy says otherwise.
var DefaultAllowCommands = []string{"start", "help", "inspect"}

type entryKey struct {
	command  string
	listType ListType
	value    string
}

// entryLookup is a cached store lookup. Absent entries are cached with found=false.
type entryLookup struct {
	found  bool
	reason string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAdminID enables the admin bypass for the given user.
func WithAdminID(id int64) Option {
	return func(r *Resolver) {
		r.adminID = id
		r.hasAdmin = true
	}
}

// WithDefaultAllow replaces the built-in allow-list.
func WithDefaultAllow(commands ...string) Option {
	return func(r *Resolver) {
		r.defaultAllow = make(map[string]struct{}, len(commands))
		for _, c := range commands {
			if c = Normalize(c); c != "" {
				r.defaultAllow[c] = struct{}{}
			}
		}
	}
}

// WithCacheSize sets the capacity of the entry and role caches.
func WithCacheSize(n int) Option {
	return func(r *Resolver) { r.cacheSize = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver decides whether a user may run a command in a chat.
//
// Policies are held in memory and refreshed on Reload. List entries and role
// assignments are read through bounded caches. Every mutation writes the store
// first and touches the caches only after the write succeeded.
type Resolver struct {
	repo   Repository
	logger *slog.Logger

	adminID      int64
	hasAdmin     bool
	defaultAllow map[string]struct{}
	cacheSize    int

	// mu is held shared by Decide and exclusively by mutations so a cache fill
	// can never race a write to the same key.
	mu         sync.RWMutex
	policies   map[string]Policy
	registered map[string]struct{}
	entries    *cache.Bounded[entryKey, entryLookup]
	roles      *cache.Bounded[string, []string]
	loads      singleflight.Group
}

// NewResolver constructs a Resolver and loads all stored policies.
func NewResolver(ctx context.Context, repo Repository, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		repo:       repo,
		logger:     slog.Default(),
		cacheSize:  cache.DefaultCapacity,
		registered: make(map[string]struct{}),
	}
	WithDefaultAllow(DefaultAllowCommands...)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.entries = cache.NewBounded[entryKey, entryLookup](r.cacheSize)
	r.roles = cache.NewBounded[string, []string](r.cacheSize)

	policies, err := r.loadPolicies(ctx)
	if err != nil {
		return nil, err
	}
	r.policies = policies
	r.logger.Info("acl policies loaded", slog.Int("count", len(policies)))
	return r, nil
}

func (r *Resolver) loadPolicies(ctx context.Context) (map[string]Policy, error) {
	rows, err := r.repo.ListPolicies(ctx)
	if err != nil {
		return nil, shared.Storage("load policies", err)
	}
	policies := make(map[string]Policy, len(rows))
	for _, p := range rows {
		policies[p.Command] = p
	}
	return policies, nil
}

// RegisterCommand declares a command so that mutations may target it.
func (r *Resolver) RegisterCommand(name string) {
	name = Normalize(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	r.registered[name] = struct{}{}
	r.mu.Unlock()
}

// IsRegistered reports whether name was registered.
func (r *Resolver) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registered[Normalize(name)]
	return ok
}

// Commands returns the registered command names in order.
func (r *Resolver) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registered))
	for name := range r.registered {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Policies returns a snapshot of the stored policies ordered by command.
func (r *Resolver) Policies() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Policy) int { return strings.Compare(a.Command, b.Command) })
	return out
}

// Decide evaluates the access lists for command. It never fails: a store
// error while reading denies with shared.GenericFailureMessage.
func (r *Resolver) Decide(ctx context.Context, command string, userID, chatID int64) Decision {
	command = Normalize(command)
	logger := r.logger.With(slog.String("command", command), slog.Int64("user_id", userID), slog.Int64("chat_id", chatID))

	if r.hasAdmin && userID == r.adminID {
		logger.Info("acl admin bypass")
		return grant()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	policy, ok := r.policies[command]
	if !ok {
		if _, allowed := r.defaultAllow[command]; allowed {
			policy = Policy{Command: command, DefaultAllow: true}
		} else {
			logger.Debug("acl no policy, denying by default")
			policy = Policy{Command: command, DenyMessage: DefaultDenyMessage}
		}
	}

	decision, err := r.evaluate(ctx, logger, command, policy, userID, chatID)
	if err != nil {
		logger.Error("acl decide failed", slog.Any("error", err))
		return deny(shared.GenericFailureMessage)
	}
	return decision
}

func (r *Resolver) evaluate(ctx context.Context, logger *slog.Logger, command string, policy Policy, userID, chatID int64) (Decision, error) {
	user := strconv.FormatInt(userID, 10)
	chat := strconv.FormatInt(chatID, 10)

	hit, err := r.lookup(ctx, entryKey{command, UserBlacklist, user})
	if err != nil {
		return Decision{}, err
	}
	if hit.found {
		logger.Info("acl user blacklisted")
		return deny(hit.reason), nil
	}
	if hit, err = r.lookup(ctx, entryKey{command, UserWhitelist, user}); err != nil {
		return Decision{}, err
	} else if hit.found {
		logger.Debug("acl user whitelisted")
		return grant(), nil
	}

	roles, err := r.userRoles(ctx, user)
	if err != nil {
		return Decision{}, err
	}
	for _, role := range roles {
		if hit, err = r.lookup(ctx, entryKey{command, RoleBlacklist, role}); err != nil {
			return Decision{}, err
		} else if hit.found {
			logger.Info("acl role blacklisted", slog.String("role", role))
			return deny(hit.reason), nil
		}
	}
	for _, role := range roles {
		if hit, err = r.lookup(ctx, entryKey{command, RoleWhitelist, role}); err != nil {
			return Decision{}, err
		} else if hit.found {
			logger.Debug("acl role whitelisted", slog.String("role", role))
			return grant(), nil
		}
	}

	if hit, err = r.lookup(ctx, entryKey{command, ChatBlacklist, chat}); err != nil {
		return Decision{}, err
	} else if hit.found {
		logger.Info("acl chat blacklisted")
		return deny(hit.reason), nil
	}
	if hit, err = r.lookup(ctx, entryKey{command, ChatWhitelist, chat}); err != nil {
		return Decision{}, err
	} else if hit.found {
		logger.Debug("acl chat whitelisted")
		return grant(), nil
	}

	if policy.DefaultAllow {
		return grant(), nil
	}
	logger.Info("acl default deny")
	return deny(policy.DenyMessage), nil
}

// lookup reads an entry through the cache. Callers hold mu shared.
func (r *Resolver) lookup(ctx context.Context, key entryKey) (entryLookup, error) {
	if v, ok := r.entries.Get(key); ok {
		return v, nil
	}
	sfKey := "entry\x00" + key.command + "\x00" + string(key.listType) + "\x00" + key.value
	v, err, _ := r.loads.Do(sfKey, func() (interface{}, error) {
		return r.fetchEntry(ctx, key)
	})
	if err != nil {
		return entryLookup{}, err
	}
	return v.(entryLookup), nil
}

// fetchEntry queries the store and fills the cache.
func (r *Resolver) fetchEntry(ctx context.Context, key entryKey) (entryLookup, error) {
	entry, err := r.repo.GetEntry(ctx, key.command, key.listType, key.value)
	var v entryLookup
	switch {
	case err == nil:
		v = entryLookup{found: true, reason: entry.Reason}
	case errors.Is(err, ErrNotFound):
		v = entryLookup{}
	default:
		return entryLookup{}, err
	}
	r.entries.Set(key, v)
	return v, nil
}

// userRoles reads the sorted role list of a user through the cache.
// Callers hold mu shared. The returned slice must not be modified.
func (r *Resolver) userRoles(ctx context.Context, userID string) ([]string, error) {
	if roles, ok := r.roles.Get(userID); ok {
		return roles, nil
	}
	v, err, _ := r.loads.Do("roles\x00"+userID, func() (interface{}, error) {
		roles, err := r.repo.ListRoles(ctx, userID)
		if err != nil {
			return nil, err
		}
		if roles == nil {
			roles = []string{}
		}
		slices.Sort(roles)
		r.roles.Set(userID, roles)
		return roles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Roles returns the roles held by a user.
func (r *Resolver) Roles(ctx context.Context, userID int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles, err := r.userRoles(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, shared.Storage("list roles", err)
	}
	return slices.Clone(roles), nil
}

// Entries returns every list entry stored for command.
func (r *Resolver) Entries(ctx context.Context, command string) ([]Entry, error) {
	command = Normalize(command)
	if !r.IsRegistered(command) {
		return nil, shared.NotRegistered(command)
	}
	entries, err := r.repo.ListEntries(ctx, command)
	if err != nil {
		return nil, shared.Storage("list entries", err)
	}
	return entries, nil
}

// SetPolicy creates or replaces the fallback policy of a registered command.
func (r *Resolver) SetPolicy(ctx context.Context, command string, defaultAllow bool, denyMessage string) error {
	command = Normalize(command)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[command]; !ok {
		r.logger.Info("acl set policy for unregistered command", slog.String("command", command))
		return shared.NotRegistered(command)
	}
	policy := Policy{Command: command, DefaultAllow: defaultAllow, DenyMessage: strings.TrimSpace(denyMessage)}
	if err := r.repo.UpsertPolicy(ctx, policy); err != nil {
		r.logger.Error("acl upsert policy failed", slog.String("command", command), slog.Any("error", err))
		return shared.Storage("set policy", err)
	}
	r.policies[command] = policy
	r.logger.Info("acl policy set", slog.String("command", command), slog.Bool("default_allow", defaultAllow))
	return nil
}

// AddEntry inserts an access list entry and caches it.
func (r *Resolver) AddEntry(ctx context.Context, command string, listType ListType, value, reason string) error {
	entry, err := r.normalizeEntry(command, listType, value)
	if err != nil {
		return err
	}
	entry.Reason = strings.TrimSpace(reason)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[entry.Command]; !ok {
		return shared.NotRegistered(entry.Command)
	}
	if err := r.repo.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return shared.AlreadyExists("ACL already exists")
		}
		r.logger.Error("acl insert entry failed", slog.String("command", entry.Command), slog.Any("error", err))
		return shared.Storage("add entry", err)
	}
	r.entries.Set(entryKey{entry.Command, entry.ListType, entry.Value}, entryLookup{found: true, reason: entry.Reason})
	r.logger.Info("acl entry added",
		slog.String("command", entry.Command),
		slog.String("list_type", string(entry.ListType)),
		slog.String("value", entry.Value))
	return nil
}

// RemoveEntry deletes an access list entry and evicts it from the cache.
func (r *Resolver) RemoveEntry(ctx context.Context, command string, listType ListType, value string) error {
	entry, err := r.normalizeEntry(command, listType, value)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[entry.Command]; !ok {
		return shared.NotRegistered(entry.Command)
	}
	if err := r.repo.DeleteEntry(ctx, entry.Command, entry.ListType, entry.Value); err != nil {
		if errors.Is(err, ErrNotFound) {
			return shared.NotFound("ACL not found")
		}
		r.logger.Error("acl delete entry failed", slog.String("command", entry.Command), slog.Any("error", err))
		return shared.Storage("remove entry", err)
	}
	r.entries.Delete(entryKey{entry.Command, entry.ListType, entry.Value})
	r.logger.Info("acl entry removed",
		slog.String("command", entry.Command),
		slog.String("list_type", string(entry.ListType)),
		slog.String("value", entry.Value))
	return nil
}

func (r *Resolver) normalizeEntry(command string, listType ListType, value string) (Entry, error) {
	command = Normalize(command)
	value = strings.TrimSpace(value)
	if command == "" {
		return Entry{}, shared.Validation("Command name is required")
	}
	if !listType.Valid() {
		return Entry{}, shared.Validation("Unknown list type %s", listType)
	}
	switch listType.Subject() {
	case SubjectRole:
		value = Normalize(value)
		if value == "" {
			return Entry{}, shared.Validation("Role name is required")
		}
	default:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Entry{}, shared.Validation("Invalid %s id: %s", listType.Subject(), value)
		}
		value = strconv.FormatInt(id, 10)
	}
	return Entry{Command: command, ListType: listType, Value: value}, nil
}

// AddRole assigns role to a user. A cached role list is patched rather than dropped.
func (r *Resolver) AddRole(ctx context.Context, userID int64, role string) error {
	role = Normalize(role)
	if role == "" {
		return shared.Validation("Role name is required")
	}
	user := strconv.FormatInt(userID, 10)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.repo.AssignRole(ctx, user, role); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return shared.AlreadyExists("Role %s is already assigned to user %d", role, userID)
		}
		r.logger.Error("acl assign role failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return shared.Storage("add role", err)
	}
	if roles, ok := r.roles.Get(user); ok {
		if i, found := slices.BinarySearch(roles, role); !found {
			r.roles.Set(user, slices.Insert(slices.Clone(roles), i, role))
		}
	}
	r.logger.Info("acl role assigned", slog.Int64("user_id", userID), slog.String("role", role))
	return nil
}

// RemoveRole takes role away from a user. A cached role list is patched rather than dropped.
func (r *Resolver) RemoveRole(ctx context.Context, userID int64, role string) error {
	role = Normalize(role)
	if role == "" {
		return shared.Validation("Role name is required")
	}
	user := strconv.FormatInt(userID, 10)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.repo.RemoveRole(ctx, user, role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return shared.NotFound("Role %s is not assigned to user %d", role, userID)
		}
		r.logger.Error("acl remove role failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return shared.Storage("remove role", err)
	}
	if roles, ok := r.roles.Get(user); ok {
		if i, found := slices.BinarySearch(roles, role); found {
			r.roles.Set(user, slices.Delete(slices.Clone(roles), i, i+1))
		}
	}
	r.logger.Info("acl role removed", slog.Int64("user_id", userID), slog.String("role", role))
	return nil
}

// ClearCache drops every cached list entry and role list.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Resolver) clearLocked() {
	r.entries.Clear()
	r.roles.Clear()
	r.logger.Info("acl caches cleared")
}

// Reload drops the caches and re-reads every policy. On failure the previous
// policies stay in place.
func (r *Resolver) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
	policies, err := r.loadPolicies(ctx)
	if err != nil {
		r.logger.Error("acl reload failed", slog.Any("error", err))
		return err
	}
	r.policies = policies
	r.logger.Info("acl policies reloaded", slog.Int("count", len(policies)))
	return nil
}
