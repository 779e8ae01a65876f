package format

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"aocbot/internal/aoc"
	"aocbot/internal/ranking"
)

const (
	starEmoji    = "⭐"
	diamondEmoji = "💎"
)

// LeaderboardPost is everything needed to render one leaderboard message.
type LeaderboardPost struct {
	Event     string
	URL       string
	View      ranking.View
	FetchedAt time.Time
	Now       time.Time
}

// Leaderboard renders p as "rank: name  score emoji" rows in a preformatted block.
func Leaderboard(m Markup, p LeaderboardPost) string {
	var b strings.Builder
	b.WriteString("🏆 ")
	b.WriteString(m.Bold("Leaderboard"))
	b.WriteString("\n")

	if len(p.View.Rows) == 0 {
		b.WriteString("No members yet.\n")
	} else {
		b.WriteString(m.Pre(Table(p.View), "js"))
		b.WriteString("\n")
	}
	if p.URL != "" {
		b.WriteString(m.Link("View on adventofcode.com", p.URL))
		b.WriteString("\n")
	}

	footer := fmt.Sprintf("Year %s · %s", p.Event, p.View.Ordering.Label())
	if !p.FetchedAt.IsZero() && !p.Now.IsZero() {
		footer += " · " + Age(p.Now.Sub(p.FetchedAt))
	}
	b.WriteString(m.Italic(footer))
	return b.String()
}

// Table renders the rows of v without markup.
func Table(v ranking.View) string {
	emoji := diamondEmoji
	if v.Ordering == ranking.ByStars {
		emoji = starEmoji
	}
	lines := make([]string, 0, len(v.Rows))
	for _, r := range v.Rows {
		lines = append(lines, fmt.Sprintf("%s: %-*s  %*d %s",
			v.FormatRank(r.Rank), v.NameWidth, r.Name, v.ScoreWidth, r.Score, emoji))
	}
	return strings.Join(lines, "\n")
}

// Age renders how old cached data is.
func Age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "updated just now"
	case d < 2*time.Minute:
		return "updated 1 min ago"
	default:
		return fmt.Sprintf("updated %d min ago", int(d/time.Minute))
	}
}

// Puzzle renders the announcement of (year, day). p may be nil when the page
// could not be fetched; the post then carries no title.
func Puzzle(m Markup, year, day int, p *aoc.Puzzle, url string) string {
	var b strings.Builder
	b.WriteString("🎁 ")
	if p != nil && p.Name != "" {
		b.WriteString(m.Bold(fmt.Sprintf("New Puzzle: %s (Day %d, %d)", p.Name, day, year)))
	} else {
		b.WriteString(m.Bold(fmt.Sprintf("Day %d, %d", day, year)))
	}
	if p != nil && p.URL != "" {
		url = p.URL
	}
	if url != "" {
		b.WriteString("\n")
		b.WriteString(m.Link(url, url))
	}
	return b.String()
}

// FetchError turns an upstream failure into a message users can act on.
func FetchError(err error) string {
	switch {
	case errors.Is(err, aoc.ErrNotFound):
		return "No such leaderboard found. Check the leaderboard id you registered."
	case errors.Is(err, aoc.ErrUnauthorized):
		return "Advent of Code rejected the session token. Register again with a fresh one."
	default:
		return "Advent of Code did not answer. Try again in a few minutes."
	}
}
