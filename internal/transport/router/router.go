// Package router turns chat messages into command invocations.
//
// Commands live in a route tree ("daily leaderboard") with root-level
// aliases. Matched commands run on a bounded worker pool behind the
// timeout, panic-recover and request-log middleware.
package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aocbot/internal/eventbus"
	"aocbot/internal/format"
	"aocbot/internal/runtime/supervisor"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "status" or "daily leaderboard".
	Route       string
	Aliases     []string // root-level shortcuts, e.g. ["lb"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides Config.CommandTimeout
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	// Tenant is the registration key of the space the command was sent in.
	Tenant  string
	FromID  int64
	Path    []string
	Command string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Logger logx.Logger
	Markup format.Markup
	Owner  bool

	out     kit.Adapter
	replied atomic.Bool
}

// Reply posts text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	r.replied.Store(true)
	_, err := r.out.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: r.Markup.ParseMode(), DisablePreview: true})
	return err
}

// Flag returns the first of names given as a valued flag.
func (r *Request) Flag(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := r.Flags[n]; ok {
			return v, true
		}
	}
	return "", false
}

func (r *Request) Bool(names ...string) bool {
	for _, n := range names {
		if r.BoolFlags[n] {
			return true
		}
	}
	return false
}

// DeleteMessage removes the command message when the platform allows it.
func (r *Request) DeleteMessage(ctx context.Context) error {
	d, ok := r.out.(kit.MessageDeleter)
	if !ok || r.Message == nil {
		return errors.ErrUnsupported
	}
	return d.DeleteMessage(ctx, kit.MessageRef{
		Platform:  r.Message.Platform,
		ChatID:    r.Message.ChatID,
		ThreadID:  r.Message.ThreadID,
		MessageID: r.Message.ID,
	})
}

// CommandEvent is published on eventbus.TopicCommandExecuted.
type CommandEvent struct {
	Command  string        `json:"command"`
	Tenant   string        `json:"tenant"`
	Platform string        `json:"platform"`
	FromID   int64         `json:"from_id"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
}

type Router struct {
	cfg Config
	log logx.Logger
	out kit.Adapter
	bus eventbus.Bus

	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	leaves []Command
	owners map[string][]int64

	runMu   sync.Mutex
	jobs    chan func()
	sup     *supervisor.Supervisor
	dropped atomic.Uint64
}

func New(cfg Config, out kit.Adapter, log logx.Logger, bus eventbus.Bus) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	r := &Router{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "router")),
		out:    out,
		bus:    bus,
		owners: map[string][]int64{},
	}
	r.SetRegistry(nil)
	return r
}

// SetOwners replaces the owner ids of platform. Safe during hot reload.
func (r *Router) SetOwners(platform string, ids []int64) {
	cp := append([]int64(nil), ids...)
	r.mu.Lock()
	r.owners[platform] = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(platform string, id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners[platform], id)
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// SetRegistry replaces the command set. A help command is always added.
func (r *Router) SetRegistry(cmds []Command) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show commands and setup instructions",
		Usage:       "/help [command] [subcommand]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Markup, req.Args))
		},
	}
	cmds = append(slices.Clone(cmds), helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	leaves := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		leaves = append(leaves, c)
		leaf := root.find(route)

		// Multi-token routes get a joined alias ("daily_puzzle") for menus.
		// A single token is never aliased to itself: that would bypass
		// subcommand traversal.
		if menu, ok := commandNameFromRoute(route); ok && len(route) > 1 {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	r.mu.Lock()
	r.root = root
	r.alias = alias
	r.leaves = leaves
	r.mu.Unlock()
}

// SyncMenu publishes the command list to adapters that show a command menu.
func (r *Router) SyncMenu(ctx context.Context) error {
	up, ok := r.out.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := buildMenuCommands(r.root, r.leaves)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, menu); err != nil {
		r.log.Warn("command menu update failed", logx.Err(err))
		return err
	}
	return nil
}

// Run dispatches updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	r.runMu.Lock()
	if r.jobs != nil {
		r.runMu.Unlock()
		return errors.New("router already running")
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
	jobs := make(chan func(), r.cfg.QueueSize)
	r.jobs, r.sup = jobs, sup
	r.runMu.Unlock()

	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue", r.cfg.QueueSize))
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return r.worker(c, idx, jobs)
		}, supervisor.WithBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		r.runMu.Lock()
		r.jobs = nil
		close(jobs)
		r.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sup.Wait(wctx); err != nil {
			r.log.Warn("command workers did not drain", logx.Err(err))
		}
		cancel()
		sup.Cancel()

		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		if n := r.dropped.Load(); n > 0 {
			r.log.Warn("commands rejected while busy", logx.Int64("count", int64(n)))
		}
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int, jobs <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (r *Router) tryEnqueue(fn func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.jobs == nil {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	m := format.For(msg.Platform)

	r.mu.RLock()
	root := r.root
	aliases := r.alias
	r.mu.RUnlock()

	if leaf, ok := aliases[word]; ok && leaf.cmd != nil {
		r.enqueue(ctx, msg, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := root.child(word)
	if !ok {
		r.replyDirect(ctx, msg, m, "❓ Unknown command. Try "+m.Code("/help")+".")
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := strings.ToLower(args[0])
		if strings.HasPrefix(nxt, "-") {
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}

	if cur.cmd == nil {
		r.replyDirect(ctx, msg, m, r.helpText(m, path))
		return
	}
	r.enqueue(ctx, msg, *cur.cmd, path, args)
}

func (r *Router) replyDirect(ctx context.Context, msg *kit.Message, m format.Markup, text string) {
	if _, err := r.out.SendText(ctx, msg.Target(), text, &kit.SendOptions{ParseMode: m.ParseMode(), DisablePreview: true}); err != nil {
		r.log.Debug("reply failed", logx.Stringer("chat", msg.Target()), logx.Err(err))
	}
}

func (r *Router) enqueue(ctx context.Context, msg *kit.Message, cmd Command, path, raw []string) {
	m := format.For(msg.Platform)
	owner := r.isOwner(msg.Platform, msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		r.replyDirect(ctx, msg, m, "🔒 This command is for bot owners only.")
		return
	}

	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      msg.Target(),
		Tenant:    msg.Tenant(),
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("tenant", msg.Tenant()),
			logx.String("cmd", cmd.Route),
		),
		Markup: m,
		Owner:  owner,
		out:    r.out,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWRequestLog(r.log),
		r.mwPublish(),
		MWReplyOnError(),
		MWPanicRecover(r.log),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.dropped.Add(1)
		r.replyDirect(ctx, msg, m, "⏳ Busy, try again in a moment.")
	}
}

func (r *Router) mwPublish() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			ev := CommandEvent{
				Command:  req.Command,
				Tenant:   req.Tenant,
				Platform: req.Chat.Platform,
				FromID:   req.FromID,
				Took:     time.Since(start),
			}
			if err != nil {
				ev.Error = err.Error()
			}
			r.bus.Publish(eventbus.Event{Type: eventbus.TopicCommandExecuted, Time: time.Now(), Data: ev})
			return err
		}
	}
}
