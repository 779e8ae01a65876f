package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/goccy/go-json"
	tele "gopkg.in/telebot.v4"

	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("split(short) = %q", got)
	}

	lines := strings.Repeat("0123456789\n", 10)
	chunks := splitTelegramText(lines, 35, "")
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 35 {
			t.Fatalf("chunk %d has %d runes, want <= 35", i, utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d = %q has edge newlines", i, c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != strings.TrimRight(lines, "\n") {
		t.Fatalf("rejoined text differs")
	}

	html := strings.Repeat("a", 8) + "<b>bold</b>"
	for _, c := range splitTelegramText(html, 10, kit.ParseHTML) {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk %q cuts a tag", c)
		}
	}

	runes := strings.Repeat("⭐", 12)
	for _, c := range splitTelegramText(runes, 5, "") {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %q is not valid UTF-8", c)
		}
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	m := toMessage(&tele.Message{
		ID:       7,
		ThreadID: 3,
		Text:     "/lb stars",
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender:   &tele.User{ID: 42, Username: "alice"},
	})
	want := kit.Message{
		Platform:     kit.PlatformTelegram,
		ID:           7,
		ChatID:       -100,
		ThreadID:     3,
		SpaceID:      -100,
		FromID:       42,
		FromUsername: "alice",
		Text:         "/lb stars",
		IsGroup:      true,
	}
	if *m != want {
		t.Fatalf("toMessage = %+v, want %+v", *m, want)
	}
	if got := m.Tenant(); got != "telegram:-100" {
		t.Fatalf("Tenant = %q, want telegram:-100", got)
	}
}

type apiRecorder struct {
	mu    sync.Mutex
	calls map[string][]map[string]any
}

func newAPI(t *testing.T) (*apiRecorder, *httptest.Server) {
	t.Helper()
	rec := &apiRecorder{calls: map[string][]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		rec.mu.Lock()
		rec.calls[method] = append(rec.calls[method], payload)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (r *apiRecorder) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[method])
}

func newOffline(t *testing.T, url string) *Adapter {
	t.Helper()
	a, err := New(Config{Token: "123:secret", APIURL: url, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestUpdateMenuCommandsSkipsUnchanged(t *testing.T) {
	t.Parallel()

	rec, srv := newAPI(t)
	a := newOffline(t, srv.URL)
	cmds := []kit.BotCommand{{Command: "leaderboard", Description: "Show the leaderboard"}, {Command: "help"}}

	for i := 0; i < 2; i++ {
		if err := a.UpdateMenuCommands(context.Background(), cmds); err != nil {
			t.Fatalf("UpdateMenuCommands: %v", err)
		}
	}
	if n := rec.count("setMyCommands"); n != 1 {
		t.Fatalf("setMyCommands calls = %d, want 1", n)
	}
	got := rec.calls["setMyCommands"][0]["commands"].([]any)
	if len(got) != 2 || got[1].(map[string]any)["description"] != "help" {
		t.Fatalf("payload = %v", got)
	}
}

func TestSetStatusSkipsUnchanged(t *testing.T) {
	t.Parallel()

	rec, srv := newAPI(t)
	a := newOffline(t, srv.URL)
	for _, s := range []string{"Advent of Code Day 1", "Advent of Code Day 1", "Advent of Code Day 2"} {
		if err := a.SetStatus(context.Background(), s); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
	}
	if n := rec.count("setMyShortDescription"); n != 2 {
		t.Fatalf("setMyShortDescription calls = %d, want 2", n)
	}
	if got := rec.calls["setMyShortDescription"][1]["short_description"]; got != "Advent of Code Day 2" {
		t.Fatalf("last status = %v", got)
	}
}

func TestCallReportsAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: text is too long"}`)
	}))
	t.Cleanup(srv.Close)

	a := newOffline(t, srv.URL)
	err := a.SetStatus(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "text is too long") {
		t.Fatalf("SetStatus = %v, want API description", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("New without token succeeded")
	}
}
