package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/kyushbot/cmdgate/internal/gate"
)

// HelpLister lists the help lines a message's sender may see.
type HelpLister interface {
	AllowedHelp(ctx context.Context, msg gate.Message) []string
}

// Builtins holds the start, help and inspect commands.
type Builtins struct {
	botID string
	help  HelpLister
}

// NewBuiltins constructs the built-in commands for the bot.
func NewBuiltins(botID string) *Builtins {
	return &Builtins{botID: botID}
}

// Bind attaches the help source. It must be called before the first dispatch.
func (b *Builtins) Bind(help HelpLister) {
	b.help = help
}

// Specs returns the gate specs of the built-in commands.
func (b *Builtins) Specs() []gate.Spec {
	return []gate.Spec{
		{Name: "start", Help: helpLine("start", b.botID, "", "Say hello"), Handler: b.start},
		{Name: "help", RequireBotSuffix: b.botID != "", Help: helpLine("help", b.botID, "", "Display this help message"), Handler: b.helpCmd},
		{Name: "inspect", MatchCaption: true, Help: helpLine("inspect", b.botID, "", "Display details of the current message"), Handler: b.inspect},
	}
}

func (b *Builtins) start(ctx context.Context, inv gate.Invocation) error {
	name := "there"
	if inv.Message.From != nil && inv.Message.From.FirstName != "" {
		name = inv.Message.From.FirstName
	}
	return inv.Reply(ctx, fmt.Sprintf("Hello, %s! Send /help to see the commands you can use.", name))
}

func (b *Builtins) helpCmd(ctx context.Context, inv gate.Invocation) error {
	var lines []string
	if b.help != nil {
		lines = b.help.AllowedHelp(ctx, inv.Message)
	}
	if len(lines) == 0 {
		return inv.Reply(ctx, "No commands are available")
	}
	return inv.Reply(ctx, strings.Join(lines, "\n"))
}

func (b *Builtins) inspect(ctx context.Context, inv gate.Invocation) error {
	return inv.Reply(ctx, Inspect(inv.Message))
}

// Inspect describes a message's ids and sender.
func Inspect(msg gate.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Inspect details\n\nMessage ID: %d\nChat ID: %d", msg.ID, msg.ChatID)
	writeUser(&sb, "User", msg.From)
	if msg.ReplyTo != nil {
		fmt.Fprintf(&sb, "\nReply to Message ID: %d", msg.ReplyTo.ID)
		writeUser(&sb, "Reply to User", msg.ReplyTo.From)
	}
	return sb.String()
}

func writeUser(sb *strings.Builder, label string, u *gate.User) {
	if u == nil {
		return
	}
	fmt.Fprintf(sb, "\n%s ID: %d\n%s First Name: %s", label, u.ID, label, u.FirstName)
	if u.LastName != "" {
		fmt.Fprintf(sb, "\n%s Last Name: %s", label, u.LastName)
	}
	if u.Username != "" {
		fmt.Fprintf(sb, "\n%s Username: %s", label, u.Username)
	}
}
