package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kyushbot/cmdgate/internal/app"
	"github.com/kyushbot/cmdgate/internal/commands"
	"github.com/kyushbot/cmdgate/jobs"
)

// CLI defines the command-line interface.
type CLI struct {
	Migrate MigrateCmd `cmd:"" help:"Create the database schema."`
	Exec    ExecCmd    `cmd:"" help:"Run one admin command, e.g. 'addacl enko deny user 42'."`
	Rules   RulesCmd   `cmd:"" help:"List rate limit rules."`
	Check   CheckCmd   `cmd:"" help:"Show the gate decision for a command without recording it."`
	Prune   PruneCmd   `cmd:"" help:"Delete rate events older than the retention now."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn" env:"LOG_LEVEL"`
}

// session is the state shared by every subcommand.
type session struct {
	cfg    *app.Config
	logger *slog.Logger
	stores *app.Stores
	out    io.Writer
}

func open(ctx context.Context, cli *CLI) (*session, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.LogLevel = cli.LogLevel
	logger := app.NewLogger(cfg)
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, stores: stores, out: os.Stdout}, nil
}

func (s *session) gate(ctx context.Context) (*app.Gate, error) {
	if err := s.stores.Migrate(ctx); err != nil {
		return nil, err
	}
	return app.NewGate(ctx, app.GateParams{Config: s.cfg, Stores: s.stores, Logger: s.logger})
}

// MigrateCmd creates the schema.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, s *session) error {
	if err := s.stores.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "schema up to date")
	return nil
}

// ExecCmd runs an admin command line.
type ExecCmd struct {
	Line []string `arg:"" passthrough:"" help:"Admin command and its arguments."`
}

func (c *ExecCmd) Run(ctx context.Context, s *session) error {
	g, err := s.gate(ctx)
	if err != nil {
		return err
	}
	name := strings.TrimPrefix(c.Line[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	reply, err := g.Admin.Exec(ctx, name, strings.Join(c.Line[1:], " "))
	if errors.Is(err, commands.ErrUsage) {
		return errors.New(g.Dispatcher.Usage(name))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, reply)
	return nil
}

// RulesCmd prints the rate rule table.
type RulesCmd struct{}

func (c *RulesCmd) Run(ctx context.Context, s *session) error {
	g, err := s.gate(ctx)
	if err != nil {
		return err
	}
	if len(g.Limiter.Rules()) == 0 {
		fmt.Fprintln(s.out, "No rate limit rules defined.")
		return nil
	}
	fmt.Fprintln(s.out, g.Limiter.FormatRules())
	return nil
}

// CheckCmd evaluates a command for a user in a chat.
type CheckCmd struct {
	Command string `arg:"" help:"Command name."`
	User    int64  `required:"" help:"User id."`
	Chat    int64  `required:"" help:"Chat id."`
}

func (c *CheckCmd) Run(ctx context.Context, s *session) error {
	g, err := s.gate(ctx)
	if err != nil {
		return err
	}
	access := g.Resolver.Decide(ctx, c.Command, c.User, c.Chat)
	if !access.Granted {
		fmt.Fprintf(s.out, "acl: denied (%s)\n", access.DenyMessage)
		return nil
	}
	fmt.Fprintln(s.out, "acl: granted")
	rate := g.Limiter.Decide(ctx, c.Command, c.User, c.Chat, true)
	if !rate.Granted {
		fmt.Fprintf(s.out, "ratelimit: denied (%s)\n", rate.DenyMessage)
		return nil
	}
	fmt.Fprintln(s.out, "ratelimit: granted")
	return nil
}

// PruneCmd runs the retention pass in process, or hands it to the worker.
type PruneCmd struct {
	Retention time.Duration `help:"Minimum age of deleted events. Defaults to RATE_EVENT_RETENTION."`
	Enqueue   bool          `help:"Queue the pass on the asynq worker instead of running it here."`
}

func (c *PruneCmd) Run(ctx context.Context, s *session) error {
	retention := c.Retention
	if retention == 0 {
		retention = s.cfg.RateEventRetention
	}
	if c.Enqueue {
		return c.enqueue(ctx, s, retention)
	}

	g, err := s.gate(ctx)
	if err != nil {
		return err
	}
	job := jobs.NewPruneRateEventsJob(s.stores.Events, g.Limiter, s.logger, nil)
	deleted, err := job.Run(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %d rate events\n", deleted)
	return nil
}

func (c *PruneCmd) enqueue(ctx context.Context, s *session, retention time.Duration) error {
	redisOpt, err := jobs.RedisOpt(s.cfg.RedisAddr)
	if err != nil {
		return err
	}
	client, err := jobs.NewClient(redisOpt)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.EnqueuePruneRateEvents(ctx, retention)
	if err != nil {
		return fmt.Errorf("enqueue prune: %w", err)
	}
	fmt.Fprintf(s.out, "queued %s on %s\n", info.ID, info.Queue)
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("gatectl"),
		kong.Description("Administer command access lists and rate limits."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := open(ctx, &cli)
	kctx.FatalIfErrorf(err)
	defer s.stores.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(s)
	kctx.FatalIfErrorf(err)
}
