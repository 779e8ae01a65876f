package transport

import (
	"context"
	"errors"
	"strconv"
)

// ErrChatUnavailable marks send failures that retrying cannot fix: the chat
// is gone, the bot was removed or lacks permission to post.
var ErrChatUnavailable = errors.New("transport: chat unavailable")

// Platform names used in ChatTarget.Platform and Message.Platform.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	Platform string
	ID       int64
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)

	// SpaceID is the id that owns registrations: the chat on Telegram,
	// the guild on Discord (falls back to the channel for direct messages).
	SpaceID int64

	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Target returns where replies to m should go.
func (m *Message) Target() ChatTarget {
	return ChatTarget{Platform: m.Platform, ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// Tenant returns the registration key of the space m was posted in.
func (m *Message) Tenant() string {
	return m.Platform + ":" + strconv.FormatInt(m.SpaceID, 10)
}

type ChatTarget struct {
	Platform string
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	s := t.Platform + ":" + strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += "/" + strconv.Itoa(t.ThreadID)
	}
	return s
}

type MessageRef struct {
	Platform  string
	ChatID    int64
	ThreadID  int
	MessageID int64
}

// Parse modes understood by SendOptions.ParseMode.
const (
	ParseHTML     = "HTML"
	ParseMarkdown = "Markdown"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Platform() string

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// StatusSetter is implemented by adapters that can show a short presence text
// (Discord activity, Telegram short description).
type StatusSetter interface {
	SetStatus(ctx context.Context, text string) error
}

// MessageDeleter is implemented by adapters that can remove a posted message.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
