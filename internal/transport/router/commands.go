package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/daily"
	"aocbot/internal/eventbus"
	"aocbot/internal/format"
	"aocbot/internal/notifier"
	"aocbot/internal/ranking"
	"aocbot/internal/runtime/supervisor"
	"aocbot/internal/storage"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

// Boards is the cached Advent of Code service.
type Boards interface {
	Leaderboard(ctx context.Context, event string, cred aoc.Credential, force bool) (*cache.Entry[*aoc.Leaderboard], error)
	Puzzle(ctx context.Context, year, day int) (*cache.Entry[*aoc.Puzzle], error)
	InvalidateAll(leaderboardID string, lastEvent int)
	LeaderboardStats() cache.Stats
	PuzzleStats() cache.Stats
}

// Deliveries exposes the outcome counters of scheduled posts.
type Deliveries interface {
	Stats() notifier.Stats
	History() []notifier.HistoryItem
}

type Deps struct {
	AoC    Boards
	Store  storage.Store
	Events *eventbus.Recorder
	Bus    eventbus.Bus

	// Optional, for /health.
	Deliveries Deliveries
	Runtime    func() supervisor.Snapshot

	LeaderboardURL func(event, leaderboardID string) string
	PuzzleURL      func(year, day int) string

	// Zone daily hours are given in. Nil means aoc.EST.
	Zone *time.Location
	Now  func() time.Time
}

// TenantEvent is published on eventbus.TopicTenantChanged.
type TenantEvent struct {
	Tenant string `json:"tenant"`
	Action string `json:"action"`
}

type handlers struct {
	d Deps
}

// Commands returns the bot's command set.
func Commands(d Deps) []Command {
	if d.Zone == nil {
		d.Zone = aoc.EST
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.LeaderboardURL == nil {
		d.LeaderboardURL = func(string, string) string { return "" }
	}
	if d.PuzzleURL == nil {
		d.PuzzleURL = func(int, int) string { return "" }
	}
	h := &handlers{d: d}

	cmds := []Command{
		{
			Route:       "register",
			Description: "bind a session token and private leaderboard id to this chat",
			Usage:       "/register <session_token> <leaderboard_id>",
			Handle:      h.register,
		},
		{
			Route:       "unregister",
			Description: "remove this chat's registration and its daily posts",
			Usage:       "/unregister",
			Handle:      h.unregister,
		},
		{
			Route:       "status",
			Description: "show the registration and daily posts of this chat",
			Usage:       "/status",
			Handle:      h.status,
		},
		{
			Route:       "leaderboard",
			Aliases:     []string{"lb"},
			Description: "post the private leaderboard",
			Usage:       "/leaderboard [local-score|global-score|stars] [--year=2023] [--refresh]",
			Handle:      h.leaderboard,
		},
		{
			Route:       "puzzle",
			Description: "post the latest puzzle, or the one for a day and year",
			Usage:       "/puzzle [day] [year]",
			Handle:      h.puzzle,
		},
		{
			Route:       "daily leaderboard",
			Description: "post the leaderboard here every day of December",
			Usage:       "/daily leaderboard <hour> [local-score|global-score|stars]",
			Handle:      h.dailyLeaderboard,
		},
		{
			Route:       "daily puzzle",
			Description: "post each new puzzle here every day of December",
			Usage:       "/daily puzzle <hour>",
			Handle:      h.dailyPuzzle,
		},
		{
			Route:       "daily off",
			Description: "stop a daily post in this chat",
			Usage:       "/daily off <leaderboard|puzzle>",
			Handle:      h.dailyOff,
		},
	}
	if d.Runtime != nil || d.Deliveries != nil {
		cmds = append(cmds, Command{
			Route:       "health",
			Description: "runtime tasks and delivery counters",
			Usage:       "/health",
			Access:      AccessOwnerOnly,
			Handle:      h.health,
		})
	}
	return cmds
}

func (h *handlers) register(ctx context.Context, req *Request) error {
	m := req.Markup
	if len(req.Args) != 2 {
		return req.Reply(ctx, "Usage: "+m.Code("/register <session_token> <leaderboard_id>")+"\n"+
			m.Escape("The leaderboard id is the number at the end of your private leaderboard URL."))
	}
	token, id := strings.TrimSpace(req.Args[0]), strings.TrimSpace(req.Args[1])
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return req.Reply(ctx, "❌ "+m.Escape("The leaderboard id must be a number, e.g. 1234567."))
	}

	// The command carries a session cookie: take it out of the chat history first.
	deleted := req.DeleteMessage(ctx) == nil

	now := h.d.Now()
	err := h.d.Store.PutTenant(ctx, storage.Tenant{
		ID:           req.Tenant,
		Credential:   aoc.Credential{SessionToken: token, LeaderboardID: id},
		RegisteredBy: req.FromID,
		UpdatedAt:    now,
	})
	h.audit(ctx, req, "register", id, err)
	if err != nil {
		return fmt.Errorf("store tenant: %w", err)
	}
	h.d.AoC.InvalidateAll(id, aoc.CurrentEvent(now))
	h.d.Bus.Publish(eventbus.Event{Type: eventbus.TopicTenantChanged, Time: now, Data: TenantEvent{Tenant: req.Tenant, Action: "register"}})

	text := "✅ " + m.Escape("Registered leaderboard ") + m.Code(id) + m.Escape(" for this chat.")
	if !deleted && req.Message != nil && req.Message.IsGroup {
		text += "\n⚠️ " + m.Escape("I could not delete your message. Delete it yourself: it contains your session token.")
	}
	return req.Reply(ctx, text)
}

func (h *handlers) unregister(ctx context.Context, req *Request) error {
	removed, err := h.d.Store.DeleteTenant(ctx, req.Tenant)
	h.audit(ctx, req, "unregister", req.Tenant, err)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if !removed {
		return req.Reply(ctx, "❌ "+req.Markup.Escape("This chat does not have a registered leaderboard."))
	}
	h.d.Bus.Publish(eventbus.Event{Type: eventbus.TopicTenantChanged, Time: h.d.Now(), Data: TenantEvent{Tenant: req.Tenant, Action: "unregister"}})
	return req.Reply(ctx, "✅ "+req.Markup.Escape("Registration and daily posts removed."))
}

func (h *handlers) status(ctx context.Context, req *Request) error {
	m := req.Markup
	tenant, registered, err := h.d.Store.GetTenant(ctx, req.Tenant)
	if err != nil {
		return fmt.Errorf("read tenant: %w", err)
	}
	lbs, pzs, err := h.d.Store.TenantSubscriptions(ctx, req.Tenant)
	if err != nil {
		return fmt.Errorf("read subscriptions: %w", err)
	}

	lines := []string{"📋 " + m.Bold("Status")}
	if registered {
		lines = append(lines, "✅ "+m.Escape("This chat has a registered leaderboard (")+m.Code(tenant.Credential.LeaderboardID)+m.Escape(")"))
	} else {
		lines = append(lines, "❌ "+m.Escape("This chat does not have a registered leaderboard"))
	}

	lines = append(lines, "", m.Bold("Daily Leaderboards"))
	if len(lbs) == 0 {
		lines = append(lines, m.Escape("There are no daily leaderboards set up"))
	}
	for _, s := range lbs {
		lines = append(lines, "• "+chatRef(m, s.Target, req.Chat)+m.Escape(fmt.Sprintf(" at %02d:00 (%s)", s.Hour, s.Ordering.Label())))
	}
	lines = append(lines, "", m.Bold("Daily Puzzles"))
	if len(pzs) == 0 {
		lines = append(lines, m.Escape("There are no daily puzzles set up"))
	}
	for _, s := range pzs {
		lines = append(lines, "• "+chatRef(m, s.Target, req.Chat)+m.Escape(fmt.Sprintf(" at %02d:00", s.Hour)))
	}

	lines = append(lines, "", m.Italic(h.lastTickLine()))
	st := h.d.AoC.LeaderboardStats()
	lines = append(lines, m.Italic(fmt.Sprintf("Cache: %d leaderboards, %d hits, %d fetches, %d failures",
		st.Entries, st.Hits, st.Fetches, st.Failures)))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) lastTickLine() string {
	if h.d.Events == nil {
		return "Daily posts: no run yet"
	}
	ev, ok := h.d.Events.Last(eventbus.TopicDailyTick)
	if !ok {
		return "Daily posts: no run yet"
	}
	r, ok := ev.Data.(daily.Report)
	if !ok {
		return "Daily posts: no run yet"
	}
	at := r.At.Format("Jan 2 15:04 MST")
	if r.Skipped {
		return "Daily posts: idle until December (checked " + at + ")"
	}
	return fmt.Sprintf("Daily posts: last run %s, %d/%d leaderboards, %d/%d puzzles",
		at, r.LeaderboardsDelivered, r.LeaderboardsDue, r.PuzzlesDelivered, r.PuzzlesDue)
}

// chatRef names target as seen from the chat the command was sent in.
func chatRef(m format.Markup, target, here kit.ChatTarget) string {
	if target.Platform == kit.PlatformDiscord {
		return "<#" + strconv.FormatInt(target.ChatID, 10) + ">"
	}
	if target.ChatID == here.ChatID {
		if target.ThreadID != 0 {
			return m.Escape("topic " + strconv.Itoa(target.ThreadID))
		}
		return m.Escape("this chat")
	}
	return m.Code(target.String())
}

func (h *handlers) leaderboard(ctx context.Context, req *Request) error {
	m := req.Markup
	cred, ok, err := h.d.Store.Lookup(ctx, req.Tenant)
	if err != nil {
		return fmt.Errorf("lookup credential: %w", err)
	}
	if !ok {
		return req.Reply(ctx, "❌ "+m.Escape("This chat has no registered leaderboard. Use ")+m.Code("/register")+m.Escape(" first."))
	}

	args := req.Args
	refresh := req.Bool("refresh", "r")
	// "--refresh stars" parses as a valued flag; "--refresh=false" is a plain boolean.
	for _, k := range []string{"refresh", "r"} {
		v, ok := req.Flags[k]
		if !ok {
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			refresh = refresh || b
			continue
		}
		refresh = true
		if v != "" {
			args = append(args, v)
		}
	}
	ordering := ranking.DefaultOrdering
	if len(args) > 0 {
		ordering, _ = ranking.ParseOrdering(strings.Join(args, " "))
	}

	now := h.d.Now()
	last := aoc.CurrentEvent(now)
	year := last
	if raw, ok := req.Flag("year", "y"); ok {
		y, err := strconv.Atoi(raw)
		if err != nil || y < aoc.FirstEvent || y > last {
			return req.Reply(ctx, "❌ "+m.Escape(fmt.Sprintf("Year must be between %d and %d.", aoc.FirstEvent, last)))
		}
		year = y
	}
	event := strconv.Itoa(year)

	entry, err := h.d.AoC.Leaderboard(ctx, event, cred, refresh)
	if err != nil {
		req.Logger.Warn("leaderboard request failed", logx.String("kind", aoc.KindOf(err).String()), logx.Err(err))
		return req.Reply(ctx, "❌ "+m.Escape(format.FetchError(err)))
	}
	return req.Reply(ctx, format.Leaderboard(m, format.LeaderboardPost{
		Event:     event,
		URL:       h.d.LeaderboardURL(event, cred.LeaderboardID),
		View:      ranking.Rank(entry.Value.Members, ordering),
		FetchedAt: entry.CreatedAt,
		Now:       now,
	}))
}

func (h *handlers) puzzle(ctx context.Context, req *Request) error {
	m := req.Markup
	fail := func(msg string) error { return req.Reply(ctx, "❌ "+m.Escape(msg)) }

	now := h.d.Now().In(aoc.EST)
	thisYear := now.Year()

	day, year := 0, thisYear
	if len(req.Args) > 0 {
		d, err := strconv.Atoi(req.Args[0])
		if err != nil || d < 1 || d > aoc.LastDay {
			return fail(fmt.Sprintf("Day must be between 1 and %d.", aoc.LastDay))
		}
		day = d
	}
	if len(req.Args) > 1 {
		y, err := strconv.Atoi(req.Args[1])
		if err != nil || y < aoc.FirstEvent {
			return fail(fmt.Sprintf("Year must be %d or later.", aoc.FirstEvent))
		}
		year = y
	}

	switch {
	case year > thisYear:
		return fail("You can't use a year in the future 🗞️")
	case now.Month() != time.December && year == thisYear:
		return fail(fmt.Sprintf("It's not yet December, please specify a year between %d and %d", aoc.FirstEvent, thisYear-1))
	case day == 0 && year != thisYear:
		return fail("When using a previous year, you must also specify a day")
	}
	if day == 0 {
		day = min(now.Day(), aoc.LastDay)
	}
	if !aoc.PuzzleUnlocked(year, day, now) {
		return fail(fmt.Sprintf("Day %d has not unlocked yet.", day))
	}

	var p *aoc.Puzzle
	if entry, err := h.d.AoC.Puzzle(ctx, year, day); err != nil {
		req.Logger.Debug("puzzle metadata unavailable", logx.Err(err))
	} else {
		p = entry.Value
	}
	return req.Reply(ctx, format.Puzzle(m, year, day, p, h.d.PuzzleURL(year, day)))
}

func parseHour(raw string) (int, error) {
	hour, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), ":00"))
	if err != nil || hour < 0 || hour > 23 {
		return 0, storage.ErrInvalidHour
	}
	return hour, nil
}

func (h *handlers) dailyLeaderboard(ctx context.Context, req *Request) error {
	m := req.Markup
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: "+m.Code("/daily leaderboard <hour> [local-score|global-score|stars]"))
	}
	hour, err := parseHour(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "❌ "+m.Escape("Hour must be between 0 and 23."))
	}
	ordering := ranking.DefaultOrdering
	if len(req.Args) > 1 {
		ordering, _ = ranking.ParseOrdering(strings.Join(req.Args[1:], " "))
	}

	err = h.d.Store.PutLeaderboardSubscription(ctx, storage.LeaderboardSubscription{
		Target:    req.Chat,
		TenantID:  req.Tenant,
		Hour:      hour,
		Ordering:  ordering,
		CreatedAt: h.d.Now(),
	})
	h.audit(ctx, req, "daily.leaderboard", req.Chat.String(), err)
	if err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}

	text := "✅ " + m.Escape(fmt.Sprintf("Daily leaderboards (%s) will be posted here at ", ordering.Label())) +
		m.Bold(fmt.Sprintf("%02d:00 %s", hour, h.d.Zone)) + m.Escape(" every day of December.") + "\n" +
		m.Escape("Run this command again to change the settings, or use ") + m.Code("/daily off leaderboard") + m.Escape(" to stop.")
	if _, ok, err := h.d.Store.Lookup(ctx, req.Tenant); err == nil && !ok {
		text += "\n⚠️ " + m.Escape("This chat has no registered leaderboard yet. Use ") + m.Code("/register") + m.Escape(" before December.")
	}
	return req.Reply(ctx, text)
}

func (h *handlers) dailyPuzzle(ctx context.Context, req *Request) error {
	m := req.Markup
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: "+m.Code("/daily puzzle <hour>"))
	}
	hour, err := parseHour(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "❌ "+m.Escape("Hour must be between 0 and 23."))
	}
	err = h.d.Store.PutPuzzleSubscription(ctx, storage.PuzzleSubscription{
		Target:    req.Chat,
		TenantID:  req.Tenant,
		Hour:      hour,
		CreatedAt: h.d.Now(),
	})
	h.audit(ctx, req, "daily.puzzle", req.Chat.String(), err)
	if err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return req.Reply(ctx, "✅ "+m.Escape("New puzzles will be posted here at ")+
		m.Bold(fmt.Sprintf("%02d:00 %s", hour, h.d.Zone))+m.Escape(" every day of December.")+"\n"+
		m.Escape("Use ")+m.Code("/daily off puzzle")+m.Escape(" to stop."))
}

func (h *handlers) dailyOff(ctx context.Context, req *Request) error {
	m := req.Markup
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: "+m.Code("/daily off <leaderboard|puzzle>"))
	}
	var (
		removed bool
		err     error
		what    string
	)
	switch strings.ToLower(req.Args[0]) {
	case "leaderboard", "leaderboards", "lb":
		what = "leaderboard"
		removed, err = h.d.Store.DeleteLeaderboardSubscription(ctx, req.Chat)
	case "puzzle", "puzzles":
		what = "puzzle"
		removed, err = h.d.Store.DeletePuzzleSubscription(ctx, req.Chat)
	default:
		return req.Reply(ctx, "Usage: "+m.Code("/daily off <leaderboard|puzzle>"))
	}
	h.audit(ctx, req, "daily.off."+what, req.Chat.String(), err)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if !removed {
		return req.Reply(ctx, m.Escape("There is no daily "+what+" set up in this chat."))
	}
	return req.Reply(ctx, "✅ "+m.Escape("Daily "+what+" removed from this chat."))
}

func (h *handlers) health(ctx context.Context, req *Request) error {
	m := req.Markup
	lines := []string{"🩺 " + m.Bold("Health")}
	if h.d.Runtime != nil {
		snap := h.d.Runtime()
		lines = append(lines, m.Escape(fmt.Sprintf("Tasks running: %d", snap.Active)))
		if snap.FirstError != "" {
			lines = append(lines, m.Escape("First error: "+snap.FirstError))
		}
		for _, t := range snap.Tasks {
			line := fmt.Sprintf("• %s running=%d restarts=%d panics=%d", t.Name, t.Running, t.Restarts, t.Panics)
			if t.LastErr != "" {
				line += " err=" + t.LastErr
			}
			lines = append(lines, m.Escape(line))
		}
	}
	if h.d.Deliveries != nil {
		st := h.d.Deliveries.Stats()
		lines = append(lines, "", m.Escape(fmt.Sprintf("Deliveries: %d sent, %d failed, %d retries", st.Sent, st.Failed, st.Retries)))
		hist := h.d.Deliveries.History()
		for i := len(hist) - 1; i >= 0 && i >= len(hist)-5; i-- {
			it := hist[i]
			if it.OK() {
				continue
			}
			lines = append(lines, m.Escape(fmt.Sprintf("• %s %s: %s", it.At.Format(time.DateTime), it.Target, it.Error)))
		}
	}
	ps := h.d.AoC.PuzzleStats()
	lines = append(lines, m.Escape(fmt.Sprintf("Puzzle cache: %d entries, %d fetches", ps.Entries, ps.Fetches)))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

// audit records a state change. Failures are logged and never fail the command.
func (h *handlers) audit(ctx context.Context, req *Request, action, target string, err error) {
	meta, _ := json.Marshal(map[string]string{"rid": req.ReqID, "tenant": req.Tenant})
	e := storage.AuditEntry{
		At:       h.d.Now(),
		ActorID:  req.FromID,
		Platform: req.Chat.Platform,
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		Action:   action,
		Target:   target,
		OK:       err == nil,
		MetaJSON: string(meta),
	}
	if req.Message != nil {
		e.ActorUsername = req.Message.FromUsername
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := h.d.Store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil && !errors.Is(aerr, storage.ErrClosed) {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
