// Copyright 2024-2026 Aiku AI

// Package command implements the prefix-triggered chat commands a session
// answers to.
package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/protocol"
)

// Bot modes.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

var ErrDuplicateCommand = errors.New("command already registered")

// Command is a single chat command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	// OwnerOnly restricts the command to the owners and the bot itself even
	// in public mode.
	OwnerOnly bool
	Run       func(ctx context.Context, cmd *Context) error
}

// Context is passed to a running command.
type Context struct {
	Session  string
	Conn     protocol.Conn
	Message  protocol.Message
	Registry *Registry

	// Name is the command name as typed, lowercased.
	Name string
	Args []string
	// Sender is the normalized JID of the author.
	Sender  string
	IsOwner bool
}

// Reply sends text to the chat the command came from, quoting it.
func (c *Context) Reply(ctx context.Context, text string) error {
	key := c.Message.Key
	return c.Conn.SendText(ctx, c.Message.Key.RemoteJID, text, &key)
}

// Options configures a Registry.
type Options struct {
	Prefix string
	Mode   string
	// Owners are phone numbers in any format; non-digits are dropped.
	Owners []string
}

// Registry resolves chat messages to commands. It implements the message
// dispatcher of a session router.
type Registry struct {
	session string
	prefix  string
	private bool
	owners  map[string]struct{}
	started time.Time
	log     zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	lock     sync.RWMutex
	commands map[string]*Command
	ordered  []*Command
}

// NewRegistry creates an empty registry for the given session.
func NewRegistry(session string, opts Options, log zerolog.Logger) *Registry {
	owners := make(map[string]struct{}, len(opts.Owners))
	for _, number := range opts.Owners {
		if jid := protocol.MakeUserJID(number); jid != "" {
			owners[jid] = struct{}{}
		}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "."
	}
	return &Registry{
		session:  session,
		prefix:   prefix,
		private:  opts.Mode == ModePrivate,
		owners:   owners,
		started:  time.Now(),
		log:      log.With().Str("component", "commands").Str("session", session).Logger(),
		commands: make(map[string]*Command),
	}
}

// Prefix returns the command prefix.
func (r *Registry) Prefix() string {
	return r.prefix
}

// Session returns the name of the session the registry serves.
func (r *Registry) Session() string {
	return r.session
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return r.now().Sub(r.started)
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register adds commands. Names and aliases are case-insensitive and must be
// unique across the registry.
func (r *Registry) Register(cmds ...Command) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Validate the whole batch first so that a failure registers nothing.
	seen := make(map[string]struct{})
	for _, cmd := range cmds {
		if cmd.Name == "" || cmd.Run == nil {
			return fmt.Errorf("command %q is missing a name or handler", cmd.Name)
		}
		for _, name := range commandNames(cmd) {
			key := strings.ToLower(name)
			if _, ok := r.commands[key]; ok {
				return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
			}
			if _, ok := seen[key]; ok {
				return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
			}
			seen[key] = struct{}{}
		}
	}
	for _, cmd := range cmds {
		stored := cmd
		for _, name := range commandNames(cmd) {
			r.commands[strings.ToLower(name)] = &stored
		}
		r.ordered = append(r.ordered, &stored)
	}
	return nil
}

func commandNames(cmd Command) []string {
	return append([]string{cmd.Name}, cmd.Aliases...)
}

// Commands returns the registered commands sorted by name.
func (r *Registry) Commands() []Command {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]Command, len(r.ordered))
	for i, cmd := range r.ordered {
		out[i] = *cmd
	}
	slices.SortFunc(out, func(a, b Command) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Lookup finds a command by name or alias.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// Parse splits a message body into a command name and arguments. It reports
// false when the body does not start with the prefix or names no command.
func (r *Registry) Parse(body string) (name string, args []string, ok bool) {
	body = strings.TrimSpace(body)
	rest, found := strings.CutPrefix(body, r.prefix)
	if !found {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// IsOwner reports whether jid belongs to one of the configured owners.
func (r *Registry) IsOwner(jid string) bool {
	_, ok := r.owners[protocol.NormalizeJID(jid)]
	return ok
}

// DispatchMessages runs the command in every newly received message of the
// batch. History syncs are ignored.
func (r *Registry) DispatchMessages(ctx context.Context, conn protocol.Conn, upsert protocol.MessagesUpsert) error {
	if upsert.Type != "" && upsert.Type != "notify" {
		return nil
	}
	var errs []error
	for _, msg := range upsert.Messages {
		if err := r.handleMessage(ctx, conn, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) handleMessage(ctx context.Context, conn protocol.Conn, msg protocol.Message) error {
	if msg.Kind != protocol.KindText || msg.Key.RemoteJID == protocol.StatusBroadcast {
		return nil
	}
	name, args, ok := r.Parse(msg.Text)
	if !ok {
		return nil
	}
	cmd, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	sender := protocol.NormalizeJID(msg.Key.Sender())
	isOwner := msg.Key.FromMe || r.IsOwner(sender)
	log := r.log.With().Str("command", cmd.Name).Str("sender", sender).Logger()
	if (r.private || cmd.OwnerOnly) && !isOwner {
		log.Debug().Msg("Ignoring command from non-owner")
		return nil
	}
	log.Debug().Strs("args", args).Msg("Running command")
	return r.run(log.WithContext(ctx), &cmd, &Context{
		Session:  r.session,
		Conn:     conn,
		Message:  msg,
		Registry: r,
		Name:     name,
		Args:     args,
		Sender:   sender,
		IsOwner:  isOwner,
	})
}

func (r *Registry) run(ctx context.Context, cmd *Command, cc *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, p)
		}
	}()
	if err = cmd.Run(ctx, cc); err != nil {
		err = fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	return
}
