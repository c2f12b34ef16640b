// Package router dispatches operator chat commands to the account operations.
package router

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	kit "accountpilot/internal/transport"
	logx "accountpilot/pkg/logx"
)

type Command struct {
	Name        string
	Usage       string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	Command string
	Args    []string

	sender kit.Sender
}

// Reply answers in the chat (and thread) the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, kit.Plain())
	return err
}

type Router struct {
	log    logx.Logger
	sender kit.Sender

	mu     sync.RWMutex
	owners []int64

	cmds  map[string]Command
	order []string
}

func New(sender kit.Sender, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:    log.With(logx.String("comp", "router")),
		sender: sender,
		owners: owners,
		cmds:   map[string]Command{},
	}
}

// SetOwners replaces the user ids allowed to run commands.
func (r *Router) SetOwners(ids []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(ids)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *Router) Register(cmds ...Command) {
	for _, c := range cmds {
		name := strings.ToLower(c.Name)
		if _, ok := r.cmds[name]; !ok {
			r.order = append(r.order, name)
		}
		r.cmds[name] = c
	}
}

// Commands lists the registered commands for the bot menu.
func (r *Router) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, kit.BotCommand{Command: name, Description: r.cmds[name].Description})
	}
	return out
}

// Run dispatches messages until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			r.Dispatch(ctx, m)
		}
	}
}

func (r *Router) Dispatch(ctx context.Context, m kit.Message) {
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	cmd, ok := r.cmds[name]
	if !ok {
		return
	}
	if !r.isOwner(m.FromID) {
		r.log.Warn("command from non-owner ignored", logx.String("cmd", name), logx.Int64("from_id", m.FromID))
		return
	}
	req := &Request{
		Msg:     m,
		Chat:    m.Target(),
		Command: name,
		Args:    args,
		sender:  r.sender,
	}
	if err := r.invoke(ctx, cmd, req); err != nil {
		_ = req.Reply(ctx, "error: "+err.Error())
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}
