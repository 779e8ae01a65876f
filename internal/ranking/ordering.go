package ranking

import "strings"

// Ordering selects the primary metric of a ranking.
type Ordering uint8

const (
	ByLocalScore Ordering = iota
	ByGlobalScore
	ByStars
)

// DefaultOrdering is used when no ordering, or an unknown one, is given.
const DefaultOrdering = ByLocalScore

// Orderings lists every ordering in display order.
var Orderings = []Ordering{ByLocalScore, ByGlobalScore, ByStars}

func (o Ordering) String() string {
	switch o {
	case ByGlobalScore:
		return "global-score"
	case ByStars:
		return "stars"
	default:
		return "local-score"
	}
}

// Label is the human name shown in messages.
func (o Ordering) Label() string {
	switch o {
	case ByGlobalScore:
		return "Global Score"
	case ByStars:
		return "Stars"
	default:
		return "Local Score"
	}
}

// ParseOrdering maps user input to an Ordering. It returns DefaultOrdering and
// false for anything it does not recognise.
func ParseOrdering(s string) (Ordering, bool) {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "local", "localscore", "ls":
		return ByLocalScore, true
	case "global", "globalscore", "gs":
		return ByGlobalScore, true
	case "stars", "star":
		return ByStars, true
	default:
		return DefaultOrdering, false
	}
}

// MarshalText stores orderings by name.
func (o Ordering) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText accepts anything ParseOrdering accepts and falls back to DefaultOrdering.
func (o *Ordering) UnmarshalText(b []byte) error {
	*o, _ = ParseOrdering(string(b))
	return nil
}
