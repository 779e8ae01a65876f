// Package ranking orders leaderboard members and computes display widths.
// It produces data only; markup is left to the format package.
package ranking

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"aocbot/internal/aoc"
)

// MaxNameWidth is the widest display name, in runes, before truncation.
const MaxNameWidth = 30

const ellipsis = "..."

type Row struct {
	Rank   int // 1-based
	Member aoc.Member
	Name   string // display name, placeholder and truncation applied
	Score  int    // the ordering's primary metric
}

type View struct {
	Ordering   Ordering
	Rows       []Row
	RankWidth  int
	NameWidth  int
	ScoreWidth int
}

// Rank orders members by o, descending on the primary metric:
//
//	ByLocalScore:  local score
//	ByGlobalScore: global score, then local score
//	ByStars:       stars, then earliest last star (members without a timestamp last)
//
// Remaining ties keep their input order. members is not modified.
func Rank(members []aoc.Member, o Ordering) View {
	sorted := append([]aoc.Member(nil), members...)
	less := comparator(o)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	v := View{
		Ordering:  o,
		Rows:      make([]Row, len(sorted)),
		RankWidth: RankWidth(len(sorted)),
	}
	for i, m := range sorted {
		r := Row{Rank: i + 1, Member: m, Name: DisplayName(m), Score: Score(m, o)}
		v.Rows[i] = r
		v.NameWidth = max(v.NameWidth, utf8.RuneCountInString(r.Name))
		v.ScoreWidth = max(v.ScoreWidth, len(strconv.Itoa(r.Score)))
	}
	return v
}

func comparator(o Ordering) func(a, b aoc.Member) bool {
	switch o {
	case ByGlobalScore:
		return func(a, b aoc.Member) bool {
			if a.GlobalScore != b.GlobalScore {
				return a.GlobalScore > b.GlobalScore
			}
			return a.LocalScore > b.LocalScore
		}
	case ByStars:
		return func(a, b aoc.Member) bool {
			if a.Stars != b.Stars {
				return a.Stars > b.Stars
			}
			return earlier(a.LastStarTS, b.LastStarTS)
		}
	default:
		return func(a, b aoc.Member) bool { return a.LocalScore > b.LocalScore }
	}
}

// earlier orders unix timestamps ascending with 0 (no star yet) last.
func earlier(a, b int64) bool {
	switch {
	case a == b:
		return false
	case a <= 0:
		return false
	case b <= 0:
		return true
	default:
		return a < b
	}
}

// Score returns the primary metric of m under o.
func Score(m aoc.Member, o Ordering) int {
	switch o {
	case ByGlobalScore:
		return m.GlobalScore
	case ByStars:
		return m.Stars
	default:
		return m.LocalScore
	}
}

// RankWidth is the number of digits of the largest rank in a set of n rows.
func RankWidth(n int) int {
	switch {
	case n < 10:
		return 1
	case n < 100:
		return 2
	default:
		return 3
	}
}

// DisplayName returns m's name, "Anon #<id>" for anonymous members,
// truncated to MaxNameWidth runes.
func DisplayName(m aoc.Member) string {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = "Anon #" + strconv.FormatInt(m.ID, 10)
	}
	return Truncate(name, MaxNameWidth)
}

// Truncate shortens s to at most width runes, ending in "..." when cut.
// A negative width is treated as zero.
func Truncate(s string, width int) string {
	width = max(width, 0)
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	keep := width - len(ellipsis)
	if keep <= 0 {
		return string([]rune(s)[:width])
	}
	return strings.TrimRight(string([]rune(s)[:keep]), " ") + ellipsis
}

// FormatRank zero-pads r to the view's rank width.
func (v View) FormatRank(r int) string {
	s := strconv.Itoa(r)
	if pad := v.RankWidth - len(s); pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	return s
}
