package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/kyushbot/cmdgate/internal/gate"
)

type adminCommand struct {
	name  string
	usage string
	about string
	// noArgs commands run without an argument string.
	noArgs bool
}

var adminCommands = []adminCommand{
	{name: SetPerm, usage: "[command] [allow|deny] [deny message (optional)]", about: "Set default permission for a command"},
	{name: AddACL, usage: "[command] [allow|deny] [user|chat|role] [user_id|chat_id|role] [deny message (optional)]", about: "Add a user/chat/role to a command's allow or deny list"},
	{name: RemoveACL, usage: "[command] [allow|deny] [user|chat|role] [user_id|chat_id|role]", about: "Remove a user/chat/role from a command's allow or deny list"},
	{name: ListACL, usage: "[command]", about: "Show the policy and list entries of a command"},
	{name: AddRole, usage: "[user_id] [role]", about: "Assign a role to a user"},
	{name: RemoveRole, usage: "[user_id] [role]", about: "Remove a role from a user"},
	{name: SetRateLimit, usage: "[command] [command|chat|user] [value (0 for command type)] [limit_count] [period_ms]", about: "Set a rate limit rule"},
	{name: RemoveRateLimit, usage: "[command] [command|chat|user] [value (0 for command type)]", about: "Remove a rate limit rule"},
	{name: ListRateLimits, about: "List all rate limit rules", noArgs: true},
	{name: ReloadACL, about: "Reload ACL policies and rate limit rules from the store", noArgs: true},
}

// AdminNames lists every admin command.
func AdminNames() []string {
	names := make([]string, len(adminCommands))
	for i, c := range adminCommands {
		names[i] = c.name
	}
	return names
}

func helpLine(name, botID, usage, about string) string {
	line := "/" + name
	if botID != "" {
		line += "@" + botID
	}
	if usage != "" {
		line += " " + usage
	}
	return line + " - " + about
}

// AdminSpecs returns the gate specs of the admin commands. They all require
// the bot suffix.
func AdminSpecs(admin *Admin, botID string) []gate.Spec {
	specs := make([]gate.Spec, 0, len(adminCommands))
	for _, c := range adminCommands {
		c := c
		help := helpLine(c.name, botID, c.usage, c.about)
		specs = append(specs, gate.Spec{
			Name:             c.name,
			RequireBotSuffix: true,
			Help:             help,
			Handler: func(ctx context.Context, inv gate.Invocation) error {
				if !c.noArgs && (!inv.HasArgs || inv.Args == "") {
					return inv.Reply(ctx, "Usage: "+help)
				}
				reply, err := admin.Exec(ctx, c.name, inv.Args)
				if errors.Is(err, ErrUsage) {
					return inv.Reply(ctx, "Usage: "+help)
				}
				if err != nil {
					return fmt.Errorf("%s: %w", c.name, err)
				}
				return inv.Reply(ctx, reply)
			},
		})
	}
	return specs
}
