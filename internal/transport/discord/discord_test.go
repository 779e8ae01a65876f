package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

type fakeSession struct {
	mu      sync.Mutex
	handler func(*discordgo.Session, *discordgo.MessageCreate)
	opened  bool
	sent    []*discordgo.MessageSend
	status  string
	sendErr error
}

func (f *fakeSession) AddHandler(h interface{}) func() {
	f.handler = h.(func(*discordgo.Session, *discordgo.MessageCreate))
	return func() { f.handler = nil }
}

func (f *fakeSession) Open() error  { f.opened = true; return nil }
func (f *fakeSession) Close() error { f.opened = false; return nil }

func (f *fakeSession) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "555"}, nil
}

func (f *fakeSession) ChannelMessageEdit(_, _, _ string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (f *fakeSession) ChannelMessageDelete(_, _ string, _ ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeSession) UpdateGameStatus(_ int, name string) error {
	f.status = name
	return nil
}

func TestStartForwardsPrefixedMessages(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{}
	a := newAdapter(Config{Token: "x"}, fs, logx.Nop())
	out := make(chan kit.Update, 4)
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !fs.opened {
		t.Fatalf("session not opened")
	}

	author := &discordgo.User{ID: "42", Username: "alice"}
	for _, m := range []*discordgo.Message{
		{ID: "1", ChannelID: "100", GuildID: "900", Author: author, Content: "!lb stars"},
		{ID: "2", ChannelID: "100", GuildID: "900", Author: author, Content: "hello"},
		{ID: "3", ChannelID: "100", GuildID: "900", Author: &discordgo.User{ID: "7", Bot: true}, Content: "!help"},
		{ID: "4", ChannelID: "200", Author: author, Content: "!help"},
	} {
		fs.handler(nil, &discordgo.MessageCreate{Message: m})
	}

	if len(out) != 2 {
		t.Fatalf("updates = %d, want 2", len(out))
	}
	first := (<-out).Message
	if first.Text != "/lb stars" || first.ChatID != 100 || first.SpaceID != 900 || !first.IsGroup || first.FromID != 42 {
		t.Fatalf("guild message = %+v", first)
	}
	if got := first.Tenant(); got != "discord:900" {
		t.Fatalf("Tenant = %q, want discord:900", got)
	}
	dm := (<-out).Message
	if dm.SpaceID != 200 || dm.IsGroup {
		t.Fatalf("direct message = %+v, want space 200", dm)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fs.opened || fs.handler != nil {
		t.Fatalf("Stop left the session open")
	}
}

func TestSendTextSplitsAndSuppressesEmbeds(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{}
	a := newAdapter(Config{}, fs, logx.Nop())
	text := strings.Repeat("line of text\n", 300)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{Platform: kit.PlatformDiscord, ChatID: 100}, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 555 || ref.ChatID != 100 {
		t.Fatalf("ref = %+v", ref)
	}
	if len(fs.sent) < 2 {
		t.Fatalf("sent %d messages, want a split", len(fs.sent))
	}
	for _, m := range fs.sent {
		if m.Flags != discordgo.MessageFlagsSuppressEmbeds {
			t.Fatalf("flags = %v, want suppress embeds", m.Flags)
		}
	}
}

func TestSendTextClassifiesForbidden(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{sendErr: &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  &discordgo.APIErrorMessage{Code: 50013, Message: "Missing Permissions"},
	}}
	a := newAdapter(Config{}, fs, logx.Nop())

	_, err := a.SendText(context.Background(), kit.ChatTarget{Platform: kit.PlatformDiscord, ChatID: 1}, "hi", nil)
	if !errors.Is(err, kit.ErrChatUnavailable) {
		t.Fatalf("SendText = %v, want ErrChatUnavailable", err)
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{}
	a := newAdapter(Config{}, fs, logx.Nop())
	if err := a.SetStatus(context.Background(), "Advent of Code Day 3"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if fs.status != "Advent of Code Day 3" {
		t.Fatalf("status = %q", fs.status)
	}
}

func TestSplitDiscordTextKeepsFences(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("🏆 **Leaderboard**\n```js\n")
	for i := 0; i < 120; i++ {
		b.WriteString(" 1: some member name here  1234 💎\n")
	}
	b.WriteString("```\nfooter")

	chunks := splitDiscordText(b.String(), 2000)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want a split", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 2000 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		if strings.Count(c, "```")%2 != 0 {
			t.Fatalf("chunk %d has an unbalanced fence:\n%s", i, c)
		}
	}
	if !strings.HasPrefix(chunks[1], "```js\n") {
		t.Fatalf("second chunk does not reopen the fence: %q", chunks[1][:20])
	}
	if !strings.HasSuffix(chunks[len(chunks)-1], "footer") {
		t.Fatalf("last chunk lost the footer")
	}
}

func TestSplitDiscordTextHardWrapsLongLines(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 5000)
	chunks := splitDiscordText(long, 2000)
	if got := strings.Join(chunks, ""); got != long {
		t.Fatalf("hard wrap lost text")
	}
	for i, c := range chunks {
		if len(c) > 2000 {
			t.Fatalf("chunk %d has %d bytes", i, len(c))
		}
	}
}
