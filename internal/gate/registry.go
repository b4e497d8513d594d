package gate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/kyushbot/cmdgate/internal/shared"
)

// ErrSealed is returned when registering after the dispatcher started.
var ErrSealed = errors.New("gate: registry sealed")

// Handler runs a command that passed the gate.
type Handler func(ctx context.Context, inv Invocation) error

// Spec declares one command.
type Spec struct {
	Name string
	// RequireBotSuffix only matches "/name@bot".
	RequireBotSuffix bool
	// MatchCaption also matches media captions when the message has no text.
	MatchCaption bool
	// Help is the usage line shown by help and on malformed arguments.
	Help    string
	Handler Handler
}

type command struct {
	spec    Spec
	pattern *regexp.Regexp
}

// Registry holds the static command table.
type Registry struct {
	botID string

	mu       sync.RWMutex
	commands []command
	byName   map[string]int
	sealed   bool
}

// NewRegistry constructs an empty registry for the bot's username.
func NewRegistry(botID string) *Registry {
	return &Registry{botID: botID, byName: make(map[string]int)}
}

// BotID returns the username commands may be suffixed with.
func (r *Registry) BotID() string {
	return r.botID
}

// Register adds a command. Names are case-folded and must be unique.
func (r *Registry) Register(spec Spec) error {
	spec.Name = shared.FoldName(spec.Name)
	if spec.Name == "" {
		return fmt.Errorf("gate: command name required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("gate: command %s has no handler", spec.Name)
	}
	if spec.RequireBotSuffix && r.botID == "" {
		return fmt.Errorf("gate: command %s requires a bot suffix but no bot id is configured", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.byName[spec.Name]; ok {
		return fmt.Errorf("gate: command %s already registered", spec.Name)
	}
	r.byName[spec.Name] = len(r.commands)
	r.commands = append(r.commands, command{spec: spec, pattern: compile(spec, r.botID)})
	return nil
}

// MustRegister is Register for static tables built at startup.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
}

func compile(spec Spec, botID string) *regexp.Regexp {
	suffix := ""
	if botID != "" {
		suffix = "(?:@" + regexp.QuoteMeta(botID) + ")"
		if !spec.RequireBotSuffix {
			suffix += "?"
		}
	}
	return regexp.MustCompile(`(?is)^/` + regexp.QuoteMeta(spec.Name) + suffix + `(?: (.*))?$`)
}

func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Specs returns the registered commands in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, len(r.commands))
	for i, c := range r.commands {
		out[i] = c.spec
	}
	return out
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[shared.FoldName(name)]
	if !ok {
		return Spec{}, false
	}
	return r.commands[i].spec, true
}

// Match finds the first command matching msg and extracts its argument.
func (r *Registry) Match(msg Message) (spec Spec, args string, hasArgs bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.commands {
		text := msg.Text
		if text == "" && c.spec.MatchCaption {
			text = msg.Caption
		}
		if text == "" {
			continue
		}
		loc := c.pattern.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		if loc[2] >= 0 {
			return c.spec, text[loc[2]:loc[3]], true, true
		}
		return c.spec, "", false, true
	}
	return Spec{}, "", false, false
}
