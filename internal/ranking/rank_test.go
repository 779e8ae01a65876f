package ranking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"aocbot/internal/aoc"
)

func ids(v View) []int64 {
	out := make([]int64, len(v.Rows))
	for i, r := range v.Rows {
		out[i] = r.Member.ID
	}
	return out
}

func TestRankStableForEqualKeys(t *testing.T) {
	t.Parallel()

	a := aoc.Member{ID: 1, Name: "A", LocalScore: 100, GlobalScore: 5, Stars: 3, LastStarTS: 1000}
	b := aoc.Member{ID: 2, Name: "B", LocalScore: 100, GlobalScore: 5, Stars: 3, LastStarTS: 1000}
	for _, o := range Orderings {
		if got := ids(Rank([]aoc.Member{a, b}, o)); !cmp.Equal(got, []int64{1, 2}) {
			t.Fatalf("%s: order = %v, want [1 2]", o, got)
		}
		if got := ids(Rank([]aoc.Member{b, a}, o)); !cmp.Equal(got, []int64{2, 1}) {
			t.Fatalf("%s: order = %v, want [2 1]", o, got)
		}
	}
}

func TestRankOrderings(t *testing.T) {
	t.Parallel()

	members := []aoc.Member{
		{ID: 1, LocalScore: 50, GlobalScore: 0, Stars: 10, LastStarTS: 300},
		{ID: 2, LocalScore: 80, GlobalScore: 10, Stars: 10, LastStarTS: 200},
		{ID: 3, LocalScore: 90, GlobalScore: 10, Stars: 8, LastStarTS: 100},
		{ID: 4, LocalScore: 20, GlobalScore: 0, Stars: 10, LastStarTS: 0},
	}

	cases := []struct {
		o    Ordering
		want []int64
	}{
		{ByLocalScore, []int64{3, 2, 1, 4}},
		{ByGlobalScore, []int64{3, 2, 1, 4}},
		{ByStars, []int64{2, 1, 4, 3}},
	}
	for _, tc := range cases {
		if got := ids(Rank(members, tc.o)); !cmp.Equal(got, tc.want) {
			t.Fatalf("%s: order = %v, want %v", tc.o, got, tc.want)
		}
	}
	if members[0].ID != 1 || members[3].ID != 4 {
		t.Fatalf("Rank modified its input")
	}
}

func TestRankGlobalScoreTieBreak(t *testing.T) {
	t.Parallel()

	members := []aoc.Member{
		{ID: 1, LocalScore: 10, GlobalScore: 7},
		{ID: 2, LocalScore: 30, GlobalScore: 7},
		{ID: 3, LocalScore: 20, GlobalScore: 7},
	}
	if got := ids(Rank(members, ByGlobalScore)); !cmp.Equal(got, []int64{2, 3, 1}) {
		t.Fatalf("order = %v, want [2 3 1]", got)
	}
}

func TestRankStarsTieBreak(t *testing.T) {
	t.Parallel()

	members := []aoc.Member{
		{ID: 1, Stars: 4, LastStarTS: 3000},
		{ID: 2, Stars: 4, LastStarTS: 1000},
		{ID: 3, Stars: 4, LastStarTS: 2000},
	}
	if got := ids(Rank(members, ByStars)); !cmp.Equal(got, []int64{2, 3, 1}) {
		t.Fatalf("order = %v, want [2 3 1]", got)
	}
}

func TestRankRowsAndWidths(t *testing.T) {
	t.Parallel()

	members := []aoc.Member{
		{ID: 7, Name: "Ada", LocalScore: 1234},
		{ID: 8, LocalScore: 5},
	}
	v := Rank(members, ByLocalScore)
	want := []Row{
		{Rank: 1, Member: members[0], Name: "Ada", Score: 1234},
		{Rank: 2, Member: members[1], Name: "Anon #8", Score: 5},
	}
	if diff := cmp.Diff(want, v.Rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if v.RankWidth != 1 || v.NameWidth != 7 || v.ScoreWidth != 4 {
		t.Fatalf("widths = %d/%d/%d, want 1/7/4", v.RankWidth, v.NameWidth, v.ScoreWidth)
	}
}

func TestRankWidth(t *testing.T) {
	t.Parallel()

	cases := map[int]int{0: 1, 1: 1, 9: 1, 10: 2, 99: 2, 100: 3, 250: 3}
	for n, want := range cases {
		if got := RankWidth(n); got != want {
			t.Fatalf("RankWidth(%d) = %d, want %d", n, got, want)
		}
	}

	v := View{RankWidth: 3}
	if got := v.FormatRank(7); got != "007" {
		t.Fatalf("FormatRank(7) = %q, want 007", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"short", "Ada Lovelace", "Ada Lovelace"},
		{"exact", strings.Repeat("x", 30), strings.Repeat("x", 30)},
		{"long", strings.Repeat("x", 31), strings.Repeat("x", 27) + "..."},
		{"trailing space trimmed", strings.Repeat("a", 26) + " bcdef", strings.Repeat("a", 26) + "..."},
		{"multibyte", strings.Repeat("é", 40), strings.Repeat("é", 27) + "..."},
		{"emoji", strings.Repeat("🎄", 31), strings.Repeat("🎄", 27) + "..."},
	}
	for _, tc := range cases {
		got := Truncate(tc.in, MaxNameWidth)
		if got != tc.want {
			t.Fatalf("%s: Truncate = %q, want %q", tc.name, got, tc.want)
		}
		if !utf8.ValidString(got) || utf8.RuneCountInString(got) > MaxNameWidth {
			t.Fatalf("%s: Truncate produced %q", tc.name, got)
		}
	}
}

func TestTruncateNarrowWidths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		width int
		want  string
	}{
		{-5, ""},
		{0, ""},
		{2, "ab"},
		{3, "abc"},
		{4, "a..."},
	}
	for _, tc := range cases {
		if got := Truncate("abcdefgh", tc.width); got != tc.want {
			t.Fatalf("Truncate(width=%d) = %q, want %q", tc.width, got, tc.want)
		}
	}
}

func TestParseOrdering(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Ordering
		ok   bool
	}{
		{"local", ByLocalScore, true},
		{"Local-Score", ByLocalScore, true},
		{"global_score", ByGlobalScore, true},
		{"GLOBAL", ByGlobalScore, true},
		{"stars", ByStars, true},
		{" star ", ByStars, true},
		{"", DefaultOrdering, false},
		{"speed", DefaultOrdering, false},
	}
	for _, tc := range cases {
		got, ok := ParseOrdering(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseOrdering(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestOrderingTextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, o := range Orderings {
		b, _ := o.MarshalText()
		var got Ordering
		if err := got.UnmarshalText(b); err != nil || got != o {
			t.Fatalf("round trip %v = %v, %v", o, got, err)
		}
	}
}
