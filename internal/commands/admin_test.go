package commands_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyushbot/cmdgate/internal/acl"
	"github.com/kyushbot/cmdgate/internal/commands"
	"github.com/kyushbot/cmdgate/internal/gate"
	"github.com/kyushbot/cmdgate/internal/platform/db"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
	"github.com/kyushbot/cmdgate/internal/shared"
	_ "github.com/kyushbot/cmdgate/testing"
)

const adminID = 1

type env struct {
	resolver   *acl.Resolver
	limiter    *ratelimit.Limiter
	admin      *commands.Admin
	dispatcher *gate.Dispatcher
	sender     *sender
}

type sender struct {
	mu      sync.Mutex
	replies []string
}

func (s *sender) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, text)
	return nil
}

func (s *sender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	conn, err := db.NewSQLite(ctx, db.SQLiteConfig{Path: filepath.Join(t.TempDir(), "config.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	aclRepo := acl.NewSQLiteRepository(conn)
	require.NoError(t, aclRepo.Migrate(ctx))
	rules := ratelimit.NewSQLiteRules(conn)
	require.NoError(t, rules.Migrate(ctx))
	events := ratelimit.NewSQLiteEvents(conn)
	require.NoError(t, events.Migrate(ctx))

	resolver, err := acl.NewResolver(ctx, aclRepo, acl.WithAdminID(adminID))
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(ctx, rules, events, resolver)
	require.NoError(t, err)

	admin := commands.NewAdmin(resolver, limiter, nil)
	builtins := commands.NewBuiltins("kyushbot")
	registry := gate.NewRegistry("kyushbot")
	registry.MustRegister(builtins.Specs()...)
	registry.MustRegister(commands.AdminSpecs(admin, "kyushbot")...)
	registry.MustRegister(gate.Spec{Name: "enko", Help: "/enko text - Convert text", Handler: func(ctx context.Context, inv gate.Invocation) error {
		return inv.Reply(ctx, "converted: "+inv.Args)
	}})

	s := &sender{}
	d := gate.NewDispatcher(registry, resolver, limiter, s)
	builtins.Bind(d)
	return &env{resolver: resolver, limiter: limiter, admin: admin, dispatcher: d, sender: s}
}

func (e *env) send(t *testing.T, userID int64, text string) string {
	t.Helper()
	e.dispatcher.Dispatch(context.Background(), gate.Message{ID: 1, ChatID: -100, From: &gate.User{ID: userID, FirstName: "Kyu"}, Text: text})
	return e.sender.last()
}

func TestAdminGrammar(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		args  string
		reply string
	}{
		{commands.SetPerm, "enko deny members only", `Default permission for /enko set to deny with message: "members only"`},
		{commands.SetPerm, "ENKO allow", "Default permission for /enko set to allow"},
		{commands.AddACL, "enko deny user 42 spamming", "user 42 added to deny list for /enko"},
		{commands.AddACL, "enko allow role mods", "role mods added to allow list for /enko"},
		{commands.RemoveACL, "enko deny user 42", "user 42 removed from deny list for /enko"},
		{commands.AddRole, "42 Mods", "Role mods assigned to user 42"},
		{commands.RemoveRole, "42 mods", "Role mods removed from user 42"},
		{commands.SetRateLimit, "enko user 42 3 60000", "Rate limit for /enko user 42 set to 3 requests per 1 minute"},
		{commands.SetRateLimit, "enko chat -100 10 3600000", "Rate limit for /enko chat -100 set to 10 requests per 1 hour"},
		{commands.RemoveRateLimit, "enko user 42", "Rate limit for /enko user 42 has been removed"},
		{commands.ReloadACL, "", "ACL and rate limit rules reloaded."},
	}
	for _, tc := range cases {
		reply, err := e.admin.Exec(ctx, tc.name, tc.args)
		require.NoError(t, err, "%s %s", tc.name, tc.args)
		require.Equal(t, tc.reply, reply)
	}

	reply, err := e.admin.Exec(ctx, commands.ListRateLimits, "")
	require.NoError(t, err)
	require.Equal(t, "Current rate limit rules:\n[command] [list_type] [value] [limit_count] [period]\nenko chat -100 10 3600000", reply)

	reply, err = e.admin.Exec(ctx, commands.ListACL, "enko")
	require.NoError(t, err)
	require.Equal(t, "ACL for /enko\ndefault: allow\nrole_whitelist mods", reply)
}

func TestAdminMalformedArguments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, tc := range []struct{ name, args string }{
		{commands.SetPerm, "enko maybe"},
		{commands.AddACL, "enko allow group 1"},
		{commands.AddACL, "enko allow user"},
		{commands.RemoveACL, "enko deny user 1 extra words"},
		{commands.AddRole, "42"},
		{commands.SetRateLimit, "enko user 42 3"},
		{commands.SetRateLimit, "enko user 42 -3 1000"},
		{commands.SetRateLimit, "enko user 42 3 99999999999999999999"},
		{commands.RemoveRateLimit, "enko guild 1"},
		{commands.ListACL, "a b"},
	} {
		_, err := e.admin.Exec(ctx, tc.name, tc.args)
		require.ErrorIs(t, err, commands.ErrUsage, "%s %s", tc.name, tc.args)
	}
}

func TestAdminErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.admin.Exec(ctx, commands.SetRateLimit, "enko command 5 1 1000")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, "Value must be 0 for command type", shared.ReplyMessage(err))

	_, err = e.admin.Exec(ctx, commands.SetPerm, "ghost allow")
	require.ErrorIs(t, err, shared.ErrNotRegistered)

	_, err = e.admin.Exec(ctx, commands.AddRole, "abc mods")
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = e.admin.Exec(ctx, commands.AddACL, "enko deny chat notanumber")
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = e.admin.Exec(ctx, commands.RemoveACL, "enko deny chat 5")
	require.ErrorIs(t, err, shared.ErrNotFound)

	reply, err := e.admin.Exec(ctx, commands.ListRateLimits, "")
	require.NoError(t, err)
	require.Equal(t, "No rate limit rules defined.", reply)
}

func TestAdminCommandsThroughGate(t *testing.T) {
	e := newEnv(t)

	// not admin: admin commands have no policy and are denied
	require.Equal(t, acl.DefaultDenyMessage, e.send(t, 7, "/setperm@kyushbot enko allow"))

	// suffix is mandatory for admin commands
	before := len(e.sender.replies)
	e.send(t, adminID, "/setperm enko allow")
	require.Len(t, e.sender.replies, before)

	require.Equal(t, "Default permission for /enko set to allow", e.send(t, adminID, "/setperm@kyushbot enko allow"))
	require.Equal(t, "converted: hi", e.send(t, 7, "/enko hi"))

	require.Contains(t, e.send(t, adminID, "/setperm@kyushbot"), "Usage: /setperm@kyushbot")
	require.Contains(t, e.send(t, adminID, "/addacl@kyushbot enko allow nobody 1"), "Usage: /addacl@kyushbot")
	require.Equal(t, "Command ghost is not registered", e.send(t, adminID, "/setperm@kyushbot ghost allow"))

	require.Equal(t, "Rate limit for /enko user 8 set to 1 requests per 1 second",
		e.send(t, adminID, "/setratelimit@kyushbot enko user 8 1 1000"))
	require.Equal(t, "converted: once", e.send(t, 8, "/enko once"))
	require.Equal(t, "Rate limit exceeded for user: enko (limit: 1, period: 1 second)", e.send(t, 8, "/enko twice"))

	require.Equal(t, "user 7 added to deny list for /enko", e.send(t, adminID, "/addacl@kyushbot enko deny user 7 behave"))
	require.Equal(t, "behave", e.send(t, 7, "/enko again"))
}

func TestBuiltins(t *testing.T) {
	e := newEnv(t)

	require.Equal(t, "Hello, Kyu! Send /help to see the commands you can use.", e.send(t, 7, "/start"))

	help := e.send(t, 7, "/help@kyushbot")
	require.Contains(t, help, "/help@kyushbot - Display this help message")
	require.Contains(t, help, "/inspect@kyushbot - Display details of the current message")
	require.NotContains(t, help, "setperm")
	require.NotContains(t, help, "/enko")

	adminHelp := e.send(t, adminID, "/help@kyushbot")
	require.Contains(t, adminHelp, "/setperm@kyushbot [command] [allow|deny] [deny message (optional)] - Set default permission for a command")
	require.Contains(t, adminHelp, "/enko text - Convert text")

	e.dispatcher.Dispatch(context.Background(), gate.Message{
		ID: 9, ChatID: -100, Caption: "/inspect",
		From:    &gate.User{ID: 7, FirstName: "Kyu", Username: "kyu"},
		ReplyTo: &gate.Message{ID: 8, From: &gate.User{ID: 3, FirstName: "Shu", LastName: "Ko"}},
	})
	require.Equal(t, "Inspect details\n\nMessage ID: 9\nChat ID: -100\nUser ID: 7\nUser First Name: Kyu\nUser Username: kyu\n"+
		"Reply to Message ID: 8\nReply to User ID: 3\nReply to User First Name: Shu\nReply to User Last Name: Ko", e.sender.last())
}
