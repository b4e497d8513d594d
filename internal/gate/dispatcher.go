package gate

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kyushbot/cmdgate/internal/acl"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
	"github.com/kyushbot/cmdgate/internal/shared"
)

// Authorizer is the access-control check run first.
type Authorizer interface {
	RegisterCommand(name string)
	Decide(ctx context.Context, command string, userID, chatID int64) acl.Decision
}

// RateChecker is the quota check run after authorization.
type RateChecker interface {
	Decide(ctx context.Context, command string, userID, chatID int64, dryRun bool) ratelimit.Decision
}

// DecisionRecorder counts gate decisions.
type DecisionRecorder interface {
	ObserveDecision(command, stage, outcome string)
}

// Outcome is the result of dispatching one message.
type Outcome int

const (
	// Unmatched means no registered command matched.
	Unmatched Outcome = iota
	// Dropped means a command matched but the message had no sender.
	Dropped
	DeniedACL
	DeniedRate
	Handled
	// Failed means the handler returned an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case DeniedACL:
		return "denied_acl"
	case DeniedRate:
		return "denied_rate"
	case Handled:
		return "handled"
	case Failed:
		return "failed"
	}
	return "unmatched"
}

// Invocation is what a handler receives once the gate let a message through.
type Invocation struct {
	Message Message
	Command string
	Args    string
	// HasArgs distinguishes "/cmd" from "/cmd " with an empty argument.
	HasArgs bool

	sender Sender
}

// Reply answers the invoking message.
func (inv Invocation) Reply(ctx context.Context, text string) error {
	if inv.sender == nil {
		return nil
	}
	return inv.sender.Reply(ctx, inv.Message.ChatID, inv.Message.ID, text)
}

// NewInvocation builds an invocation outside the dispatcher, for tools and tests.
func NewInvocation(msg Message, command, args string, hasArgs bool, sender Sender) Invocation {
	return Invocation{Message: msg, Command: command, Args: args, HasArgs: hasArgs, sender: sender}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRecorder sets the decision recorder.
func WithRecorder(rec DecisionRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = rec }
}

// Dispatcher runs every matching message through authorization, then rate
// limiting, then the command handler.
type Dispatcher struct {
	registry *Registry
	resolver Authorizer
	limiter  RateChecker
	sender   Sender
	logger   *slog.Logger
	recorder DecisionRecorder
}

// NewDispatcher registers every command with the resolver and seals the registry.
func NewDispatcher(registry *Registry, resolver Authorizer, limiter RateChecker, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		resolver: resolver,
		limiter:  limiter,
		sender:   sender,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	registry.seal()
	for _, spec := range registry.Specs() {
		resolver.RegisterCommand(spec.Name)
	}
	return d
}

// Registry returns the sealed command table.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch handles one inbound message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Outcome {
	spec, args, hasArgs, ok := d.registry.Match(msg)
	if !ok {
		return Unmatched
	}
	logger := d.logger.With(
		slog.String("dispatch_id", uuid.NewString()),
		slog.String("command", spec.Name),
		slog.Int64("chat_id", msg.ChatID),
		slog.Int64("message_id", msg.ID),
	)
	if msg.From == nil {
		logger.Info("gate drop message without sender")
		d.observe(spec.Name, "acl", "dropped")
		return Dropped
	}
	logger = logger.With(slog.Int64("user_id", msg.From.ID))

	decision := d.resolver.Decide(ctx, spec.Name, msg.From.ID, msg.ChatID)
	if !decision.Granted {
		logger.Info("gate permission denied", slog.String("deny_message", decision.DenyMessage))
		d.observe(spec.Name, "acl", denyOutcome(decision.DenyMessage))
		d.reply(ctx, logger, msg, decision.DenyMessage)
		return DeniedACL
	}
	d.observe(spec.Name, "acl", "granted")

	rate := d.limiter.Decide(ctx, spec.Name, msg.From.ID, msg.ChatID, false)
	if !rate.Granted {
		logger.Info("gate rate limited", slog.String("deny_message", rate.DenyMessage))
		d.observe(spec.Name, "ratelimit", denyOutcome(rate.DenyMessage))
		d.reply(ctx, logger, msg, rate.DenyMessage)
		return DeniedRate
	}
	d.observe(spec.Name, "ratelimit", "granted")

	inv := Invocation{Message: msg, Command: spec.Name, Args: args, HasArgs: hasArgs, sender: d.sender}
	if err := spec.Handler(ctx, inv); err != nil {
		logger.Error("gate handler failed", slog.Any("error", err))
		d.observe(spec.Name, "handler", "error")
		d.reply(ctx, logger, msg, shared.ReplyMessage(err))
		return Failed
	}
	d.observe(spec.Name, "handler", "ok")
	return Handled
}

// AllowedHelp returns the help lines of the commands the sender may run.
func (d *Dispatcher) AllowedHelp(ctx context.Context, msg Message) []string {
	if msg.From == nil {
		return nil
	}
	var lines []string
	for _, spec := range d.registry.Specs() {
		if spec.Help == "" {
			continue
		}
		if d.resolver.Decide(ctx, spec.Name, msg.From.ID, msg.ChatID).Granted {
			lines = append(lines, spec.Help)
		}
	}
	return lines
}

// Usage returns the help line of a command prefixed for malformed input.
func (d *Dispatcher) Usage(command string) string {
	spec, ok := d.registry.Lookup(command)
	if !ok || spec.Help == "" {
		return "No help message available for this command."
	}
	return "Usage: " + spec.Help
}

func (d *Dispatcher) reply(ctx context.Context, logger *slog.Logger, msg Message, text string) {
	if text == "" || d.sender == nil {
		return
	}
	if err := d.sender.Reply(ctx, msg.ChatID, msg.ID, text); err != nil {
		logger.Error("gate reply failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) observe(command, stage, outcome string) {
	if d.recorder != nil {
		d.recorder.ObserveDecision(command, stage, outcome)
	}
}

// denyOutcome separates fail-closed denials from policy denials.
func denyOutcome(message string) string {
	if message == shared.GenericFailureMessage {
		return "error"
	}
	return "denied"
}
