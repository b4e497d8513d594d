package acl_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyushbot/cmdgate/internal/acl"
	"github.com/kyushbot/cmdgate/internal/shared"
	_ "github.com/kyushbot/cmdgate/testing"
)

type entryKey struct {
	command  string
	listType acl.ListType
	value    string
}

type memoryRepo struct {
	mu        sync.Mutex
	policies  map[string]acl.Policy
	entries   map[entryKey]acl.Entry
	roles     map[string]map[string]struct{}
	getCalls  int
	roleCalls int
	fail      error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		policies: map[string]acl.Policy{},
		entries:  map[entryKey]acl.Entry{},
		roles:    map[string]map[string]struct{}{},
	}
}

func (m *memoryRepo) ListPolicies(ctx context.Context) ([]acl.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]acl.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryRepo) UpsertPolicy(ctx context.Context, p acl.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.policies[p.Command] = p
	return nil
}

func (m *memoryRepo) GetEntry(ctx context.Context, command string, lt acl.ListType, value string) (acl.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.fail != nil {
		return acl.Entry{}, m.fail
	}
	e, ok := m.entries[entryKey{command, lt, value}]
	if !ok {
		return acl.Entry{}, acl.ErrNotFound
	}
	return e, nil
}

func (m *memoryRepo) ListEntries(ctx context.Context, command string) ([]acl.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []acl.Entry
	for k, e := range m.entries {
		if k.command == command {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepo) InsertEntry(ctx context.Context, e acl.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	k := entryKey{e.Command, e.ListType, e.Value}
	if _, ok := m.entries[k]; ok {
		return acl.ErrAlreadyExists
	}
	m.entries[k] = e
	return nil
}

func (m *memoryRepo) DeleteEntry(ctx context.Context, command string, lt acl.ListType, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	k := entryKey{command, lt, value}
	if _, ok := m.entries[k]; !ok {
		return acl.ErrNotFound
	}
	delete(m.entries, k)
	return nil
}

func (m *memoryRepo) ListRoles(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleCalls++
	if m.fail != nil {
		return nil, m.fail
	}
	var out []string
	for role := range m.roles[userID] {
		out = append(out, role)
	}
	return out, nil
}

func (m *memoryRepo) AssignRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.roles[userID] == nil {
		m.roles[userID] = map[string]struct{}{}
	}
	if _, ok := m.roles[userID][role]; ok {
		return acl.ErrAlreadyExists
	}
	m.roles[userID][role] = struct{}{}
	return nil
}

func (m *memoryRepo) RemoveRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.roles[userID][role]; !ok {
		return acl.ErrNotFound
	}
	delete(m.roles[userID], role)
	return nil
}

func (m *memoryRepo) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func newResolver(t *testing.T, repo acl.Repository, opts ...acl.Option) *acl.Resolver {
	t.Helper()
	r, err := acl.NewResolver(context.Background(), repo, opts...)
	require.NoError(t, err)
	r.RegisterCommand("translate")
	return r
}

func TestDecideDeniesUnknownCommandByDefault(t *testing.T) {
	r := newResolver(t, newMemoryRepo())

	d := r.Decide(context.Background(), "translate", 10, 20)
	require.False(t, d.Granted)
	require.Equal(t, acl.DefaultDenyMessage, d.DenyMessage)

	d = r.Decide(context.Background(), "never-registered", 10, 20)
	require.False(t, d.Granted)
}

func TestDecideDefaultAllowList(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	ctx := context.Background()

	for _, cmd := range []string{"start", "help", "inspect", "HELP"} {
		require.True(t, r.Decide(ctx, cmd, 1, 1).Granted, cmd)
	}

	custom := newResolver(t, newMemoryRepo(), acl.WithDefaultAllow("ping"))
	require.True(t, custom.Decide(ctx, "ping", 1, 1).Granted)
	require.False(t, custom.Decide(ctx, "start", 1, 1).Granted)
}

func TestDecideAdminBypass(t *testing.T) {
	r := newResolver(t, newMemoryRepo(), acl.WithAdminID(99))
	ctx := context.Background()

	require.NoError(t, r.AddEntry(ctx, "translate", acl.UserBlacklist, "99", "no"))
	require.NoError(t, r.AddEntry(ctx, "translate", acl.ChatBlacklist, "5", "no"))

	require.True(t, r.Decide(ctx, "translate", 99, 5).Granted)
	require.False(t, r.Decide(ctx, "translate", 98, 5).Granted)
}

func TestDecideUserBlacklistBeatsWhitelist(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	ctx := context.Background()

	require.NoError(t, r.SetPolicy(ctx, "translate", true, ""))
	require.NoError(t, r.AddEntry(ctx, "translate", acl.UserWhitelist, "7", ""))
	require.NoError(t, r.AddEntry(ctx, "translate", acl.UserBlacklist, "7", "spam"))

	d := r.Decide(ctx, "translate", 7, 1)
	require.False(t, d.Granted)
	require.Equal(t, "spam", d.DenyMessage)
}

func TestDecideRoleBlacklistAcrossRoleSet(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	ctx := context.Background()

	require.NoError(t, r.AddRole(ctx, 7, "r1"))
	require.NoError(t, r.AddRole(ctx, 7, "r2"))
	require.NoError(t, r.AddEntry(ctx, "translate", acl.RoleWhitelist, "r2", ""))
	require.NoError(t, r.AddEntry(ctx, "translate", acl.RoleBlacklist, "r1", "role r1 banned"))

	d := r.Decide(ctx, "translate", 7, 1)
	require.False(t, d.Granted)
	require.Equal(t, "role r1 banned", d.DenyMessage)
}

func TestDecidePriorityOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("user whitelist beats chat blacklist", func(t *testing.T) {
		r := newResolver(t, newMemoryRepo())
		require.NoError(t, r.AddEntry(ctx, "translate", acl.UserWhitelist, "7", ""))
		require.NoError(t, r.AddEntry(ctx, "translate", acl.ChatBlacklist, "1", "chat"))
		require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)
	})

	t.Run("role whitelist beats chat blacklist", func(t *testing.T) {
		r := newResolver(t, newMemoryRepo())
		require.NoError(t, r.AddRole(ctx, 7, "mod"))
		require.NoError(t, r.AddEntry(ctx, "translate", acl.RoleWhitelist, "mod", ""))
		require.NoError(t, r.AddEntry(ctx, "translate", acl.ChatBlacklist, "1", "chat"))
		require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)
	})

	t.Run("chat blacklist beats chat whitelist", func(t *testing.T) {
		r := newResolver(t, newMemoryRepo())
		require.NoError(t, r.AddEntry(ctx, "translate", acl.ChatWhitelist, "1", ""))
		require.NoError(t, r.AddEntry(ctx, "translate", acl.ChatBlacklist, "1", "chat banned"))
		d := r.Decide(ctx, "translate", 7, 1)
		require.False(t, d.Granted)
		require.Equal(t, "chat banned", d.DenyMessage)
	})

	t.Run("chat whitelist beats default deny", func(t *testing.T) {
		r := newResolver(t, newMemoryRepo())
		require.NoError(t, r.SetPolicy(ctx, "translate", false, "nope"))
		require.NoError(t, r.AddEntry(ctx, "translate", acl.ChatWhitelist, "1", ""))
		require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)
		d := r.Decide(ctx, "translate", 7, 2)
		require.False(t, d.Granted)
		require.Equal(t, "nope", d.DenyMessage)
	})
}

func TestAddThenRemoveEntryLeavesNoStaleCache(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	ctx := context.Background()
	require.NoError(t, r.SetPolicy(ctx, "translate", true, ""))

	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)

	require.NoError(t, r.AddEntry(ctx, "translate", acl.UserBlacklist, "7", "bye"))
	require.False(t, r.Decide(ctx, "translate", 7, 1).Granted)

	require.NoError(t, r.RemoveEntry(ctx, "translate", acl.UserBlacklist, "7"))
	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)
}

func TestNegativeLookupsAreCached(t *testing.T) {
	repo := newMemoryRepo()
	r := newResolver(t, repo)
	ctx := context.Background()
	require.NoError(t, r.SetPolicy(ctx, "translate", true, ""))

	r.Decide(ctx, "translate", 7, 1)
	first, roleCalls := repo.getCalls, repo.roleCalls
	require.Equal(t, 4, first)
	require.Equal(t, 1, roleCalls)

	r.Decide(ctx, "translate", 7, 1)
	require.Equal(t, first, repo.getCalls)
	require.Equal(t, roleCalls, repo.roleCalls)
}

func TestMutationErrors(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	ctx := context.Background()

	err := r.SetPolicy(ctx, "unknown", true, "")
	require.ErrorIs(t, err, shared.ErrNotRegistered)
	require.Equal(t, "Command unknown is not registered", shared.ReplyMessage(err))

	require.ErrorIs(t, r.AddEntry(ctx, "unknown", acl.UserWhitelist, "1", ""), shared.ErrNotRegistered)
	require.ErrorIs(t, r.RemoveEntry(ctx, "unknown", acl.UserWhitelist, "1"), shared.ErrNotRegistered)

	require.NoError(t, r.AddEntry(ctx, "translate", acl.UserWhitelist, "1", ""))
	err = r.AddEntry(ctx, "translate", acl.UserWhitelist, "1", "")
	require.ErrorIs(t, err, shared.ErrAlreadyExists)
	require.Equal(t, "ACL already exists", shared.ReplyMessage(err))

	err = r.RemoveEntry(ctx, "translate", acl.ChatWhitelist, "1")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, "ACL not found", shared.ReplyMessage(err))

	require.ErrorIs(t, r.AddEntry(ctx, "translate", acl.UserWhitelist, "abc", ""), shared.ErrValidation)
	require.ErrorIs(t, r.AddEntry(ctx, "translate", acl.ListType("bogus"), "1", ""), shared.ErrValidation)

	require.NoError(t, r.AddRole(ctx, 1, "mod"))
	require.ErrorIs(t, r.AddRole(ctx, 1, "MOD"), shared.ErrAlreadyExists)
	require.ErrorIs(t, r.RemoveRole(ctx, 1, "admin"), shared.ErrNotFound)
}

func TestStorageFailureLeavesCacheUntouched(t *testing.T) {
	repo := newMemoryRepo()
	r := newResolver(t, repo)
	ctx := context.Background()
	require.NoError(t, r.SetPolicy(ctx, "translate", true, ""))
	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)

	repo.setFail(errors.New("disk full"))
	err := r.AddEntry(ctx, "translate", acl.UserBlacklist, "7", "x")
	require.ErrorIs(t, err, shared.ErrStorage)
	require.Equal(t, shared.GenericFailureMessage, shared.ReplyMessage(err))

	// the cached negative lookup still answers
	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)

	err = r.SetPolicy(ctx, "translate", false, "closed")
	require.ErrorIs(t, err, shared.ErrStorage)
	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)
}

func TestDecideFailsClosedOnStoreError(t *testing.T) {
	repo := newMemoryRepo()
	r := newResolver(t, repo)
	ctx := context.Background()
	require.NoError(t, r.SetPolicy(ctx, "translate", true, ""))

	repo.setFail(errors.New("connection reset"))
	d := r.Decide(ctx, "translate", 7, 1)
	require.False(t, d.Granted)
	require.Equal(t, shared.GenericFailureMessage, d.DenyMessage)
}

func TestRoleCachePatchedInPlace(t *testing.T) {
	repo := newMemoryRepo()
	r := newResolver(t, repo)
	ctx := context.Background()

	require.NoError(t, r.AddRole(ctx, 7, "b"))
	roles, err := r.Roles(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, roles)
	calls := repo.roleCalls

	require.NoError(t, r.AddRole(ctx, 7, "a"))
	require.NoError(t, r.AddRole(ctx, 7, "c"))
	roles, err = r.Roles(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, roles)

	require.NoError(t, r.RemoveRole(ctx, 7, "b"))
	roles, err = r.Roles(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, roles)

	require.Equal(t, calls, repo.roleCalls, "patching must not reload roles from the store")
}

func TestReloadAndClearCache(t *testing.T) {
	repo := newMemoryRepo()
	r := newResolver(t, repo)
	ctx := context.Background()

	// written behind the resolver's back
	repo.policies["translate"] = acl.Policy{Command: "translate", DefaultAllow: true}
	require.False(t, r.Decide(ctx, "translate", 7, 1).Granted)

	require.NoError(t, r.Reload(ctx))
	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)

	repo.entries[entryKey{"translate", acl.UserBlacklist, "7"}] = acl.Entry{
		Command: "translate", ListType: acl.UserBlacklist, Value: "7", Reason: "late",
	}
	require.True(t, r.Decide(ctx, "translate", 7, 1).Granted)
	r.ClearCache()
	d := r.Decide(ctx, "translate", 7, 1)
	require.False(t, d.Granted)
	require.Equal(t, "late", d.DenyMessage)

	repo.setFail(errors.New("gone"))
	require.ErrorIs(t, r.Reload(ctx), shared.ErrStorage)
	require.Len(t, r.Policies(), 1)
}

func TestRegistryIsCaseInsensitive(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	r.RegisterCommand("EnKo")

	require.True(t, r.IsRegistered("enko"))
	require.True(t, r.IsRegistered("ENKO"))
	require.Equal(t, []string{"enko", "translate"}, r.Commands())
}

func TestConcurrentDecide(t *testing.T) {
	r := newResolver(t, newMemoryRepo())
	ctx := context.Background()
	require.NoError(t, r.SetPolicy(ctx, "translate", true, ""))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				_ = r.AddRole(ctx, int64(i), "r")
			}
			r.Decide(ctx, "translate", int64(i), 1)
		}(i)
	}
	wg.Wait()
}
