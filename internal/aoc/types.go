package aoc

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Member is one participant's score snapshot.
type Member struct {
	ID          int64
	Name        string // empty for anonymous users
	LocalScore  int
	GlobalScore int
	Stars       int
	LastStarTS  int64 // unix seconds, 0 if no star yet
}

// LastStar returns the time of the most recent star, or the zero time.
func (m Member) LastStar() time.Time {
	if m.LastStarTS <= 0 {
		return time.Time{}
	}
	return time.Unix(m.LastStarTS, 0)
}

// Leaderboard is a decoded private leaderboard.
// Members are kept in ascending id order.
type Leaderboard struct {
	Event   string
	OwnerID int64
	Members []Member
}

// Puzzle is the metadata shown when a new day unlocks. Name is empty when the
// page title could not be found.
type Puzzle struct {
	Year int
	Day  int
	Name string
	URL  string
}

// Credential is what a tenant registers: the session cookie and the leaderboard it can read.
type Credential struct {
	SessionToken  string
	LeaderboardID string
}

func (c Credential) Valid() bool {
	return c.SessionToken != "" && c.LeaderboardID != ""
}

// CacheKey addresses one leaderboard snapshot.
type CacheKey struct {
	Event         string
	LeaderboardID string
}

func (k CacheKey) String() string { return k.Event + "/" + k.LeaderboardID }

// PuzzleKey addresses one puzzle page.
type PuzzleKey struct {
	Year int
	Day  int
}

func (k PuzzleKey) String() string { return fmt.Sprintf("%d/%d", k.Year, k.Day) }

// EST is the fixed zone Advent of Code unlocks puzzles in.
var EST = time.FixedZone("EST", -5*60*60)

// FirstEvent is the first Advent of Code year.
const FirstEvent = 2015

// LastDay is the last puzzle day of an event.
const LastDay = 25

// CurrentEvent returns the most recent event that has started at now:
// the current year in December, the previous year otherwise.
func CurrentEvent(now time.Time) int {
	now = now.In(EST)
	if now.Month() == time.December {
		return now.Year()
	}
	return now.Year() - 1
}

// UnlockTime is the moment puzzle (year, day) becomes available.
func UnlockTime(year, day int) time.Time {
	return time.Date(year, time.December, day, 0, 0, 0, 0, EST)
}

// PuzzleUnlocked reports whether (year, day) is a real puzzle that is already public at now.
func PuzzleUnlocked(year, day int, now time.Time) bool {
	if year < FirstEvent || day < 1 || day > LastDay {
		return false
	}
	return !now.Before(UnlockTime(year, day))
}

func leaderboardPath(event, id string) string {
	return "/" + event + "/leaderboard/private/view/" + id
}

func puzzlePath(year, day int) string {
	return "/" + strconv.Itoa(year) + "/day/" + strconv.Itoa(day)
}

func sortMembersByID(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

// BreakerEvent reports a circuit breaker state change.
type BreakerEvent struct {
	Name  string `json:"name"`
	State string `json:"state"`
}
