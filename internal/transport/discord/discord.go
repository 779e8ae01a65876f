// Package discord connects the bot to a Discord gateway session.
//
// Messages that start with the command prefix become updates with the
// prefix replaced by "/", so the router parses both platforms the same way.
// A guild is one tenant; direct messages are keyed by their channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

const (
	DefaultPrefix    = "!"
	discordTextLimit = 2000
)

type Config struct {
	Token  string
	Prefix string
}

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UpdateGameStatus(idle int, name string) error
}

type Adapter struct {
	cfg Config
	log logx.Logger
	s   session

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	mu      sync.Mutex
	running bool
	remove  func()
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return newAdapter(cfg, s, log), nil
}

func newAdapter(cfg Config, s session, log logx.Logger) *Adapter {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, s: s, log: log.With(logx.String("comp", "discord"))}
}

func (a *Adapter) Platform() string { return kit.PlatformDiscord }

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(&out)
	a.remove = a.s.AddHandler(a.onMessage)
	if err := a.s.Open(); err != nil {
		a.remove()
		a.out.Store(nil)
		return fmt.Errorf("discord open: %w", err)
	}
	a.running = true
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.out.Store(nil)
	if a.remove != nil {
		a.remove()
	}
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Int64("count", int64(n)))
	}
	return a.s.Close()
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := a.toMessage(m.Message)
	if !ok {
		return
	}
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- kit.Update{Kind: kit.UpdateMessage, Message: msg}:
	default:
		a.dropped.Add(1)
	}
}

// toMessage keeps human messages that start with the prefix.
func (a *Adapter) toMessage(m *discordgo.Message) (*kit.Message, bool) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return nil, false
	}
	text := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(text, a.cfg.Prefix) || len(text) == len(a.cfg.Prefix) {
		return nil, false
	}
	channelID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		return nil, false
	}
	msgID, _ := strconv.ParseInt(m.ID, 10, 64)
	fromID, _ := strconv.ParseInt(m.Author.ID, 10, 64)

	space := channelID
	if m.GuildID != "" {
		if g, err := strconv.ParseInt(m.GuildID, 10, 64); err == nil {
			space = g
		}
	}
	return &kit.Message{
		Platform:     kit.PlatformDiscord,
		ID:           msgID,
		ChatID:       channelID,
		SpaceID:      space,
		FromID:       fromID,
		FromUsername: m.Author.Username,
		Text:         "/" + strings.TrimPrefix(text, a.cfg.Prefix),
		IsGroup:      m.GuildID != "",
	}, true
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	channel := strconv.FormatInt(to.ChatID, 10)
	var first kit.MessageRef
	for i, chunk := range splitDiscordText(text, discordTextLimit) {
		send := &discordgo.MessageSend{Content: chunk}
		if opt != nil && opt.DisablePreview {
			send.Flags = discordgo.MessageFlagsSuppressEmbeds
		}
		msg, err := a.s.ChannelMessageSendComplex(channel, send, discordgo.WithContext(ctx))
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			id, _ := strconv.ParseInt(msg.ID, 10, 64)
			first = kit.MessageRef{Platform: kit.PlatformDiscord, ChatID: to.ChatID, MessageID: id}
		}
	}
	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	chunks := splitDiscordText(text, discordTextLimit)
	channel := strconv.FormatInt(ref.ChatID, 10)
	if _, err := a.s.ChannelMessageEdit(channel, strconv.FormatInt(ref.MessageID, 10), chunks[0], discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := a.s.ChannelMessageSendComplex(channel, &discordgo.MessageSend{Content: chunk}, discordgo.WithContext(ctx)); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	channel := strconv.FormatInt(ref.ChatID, 10)
	return classify(a.s.ChannelMessageDelete(channel, strconv.FormatInt(ref.MessageID, 10), discordgo.WithContext(ctx)))
}

// SetStatus shows text as the bot's "Playing" activity.
func (a *Adapter) SetStatus(_ context.Context, text string) error {
	return a.s.UpdateGameStatus(0, text)
}

// classify marks missing channels and permission failures as unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %w", kit.ErrChatUnavailable, err)
		}
	}
	return err
}

// splitDiscordText cuts s on line boundaries into chunks of at most limit
// runes. A code fence left open at a cut is closed and reopened in the next chunk.
func splitDiscordText(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	const fence = "```"
	budget := limit - len(fence) - 1 // room for the closing fence

	var (
		out    []string
		cur    []string
		curLen int
		open   string // fence line of the code block being written
	)
	emit := func() {
		chunk := strings.Join(cur, "\n")
		if open != "" {
			chunk += "\n" + fence
		}
		out = append(out, chunk)
		cur, curLen = nil, 0
		if open != "" {
			cur, curLen = []string{open}, utf8.RuneCountInString(open)
		}
	}
	for _, line := range strings.Split(s, "\n") {
		for _, part := range hardWrap(line, budget-utf8.RuneCountInString(open)-1) {
			n := utf8.RuneCountInString(part)
			if len(cur) > 0 && curLen+1+n > budget {
				emit()
			}
			if len(cur) > 0 {
				curLen++
			}
			cur = append(cur, part)
			curLen += n
		}
		if t := strings.TrimSpace(line); strings.HasPrefix(t, fence) {
			if open == "" {
				open = t
			} else {
				open = ""
			}
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

func hardWrap(line string, width int) []string {
	width = max(width, 1)
	r := []rune(line)
	if len(r) <= width {
		return []string{line}
	}
	var parts []string
	for len(r) > width {
		parts = append(parts, string(r[:width]))
		r = r[width:]
	}
	return append(parts, string(r))
}
