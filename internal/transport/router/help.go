package router

import (
	"sort"
	"strings"

	"aocbot/internal/format"
)

// helpText renders help for path using the markup of the requesting platform.
func (r *Router) helpText(m format.Markup, path []string) string {
	r.mu.RLock()
	root := r.root
	alias := r.alias
	r.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(m, root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.TrimPrefix(p, "/")
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && len(full) == 0 {
				return helpNode(m, leaf, splitRoute(leaf.cmd.Route))
			}
			return "❓ " + m.Bold("Unknown command") + "\nTry " + m.Code("/help") + " to see every command."
		}
		cur = n
		full = append(full, p)
	}
	return helpNode(m, cur, full)
}

type topRow struct {
	name string
	desc string
	lock bool
}

func helpTop(m format.Markup, root *cmdNode) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		rows = append(rows, topRow{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"🛟 " + m.Bold("Help"),
		m.Escape("Posts Advent of Code private leaderboards and puzzles. Start with ") +
			m.Code("/register <session_token> <leaderboard_id>") + m.Escape("; the id is the number at the end of the private leaderboard URL."),
		"",
	}
	for _, r := range rows {
		prefix := "• "
		if r.lock {
			prefix = "• 🔒 "
		}
		line := prefix + m.Code("/"+r.name)
		if r.desc != "" {
			line += " " + m.Escape("- "+r.desc)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", m.Escape("Type ")+m.Code("/help <command>")+m.Escape(" for details."))
	return strings.Join(lines, "\n")
}

func helpNode(m format.Markup, cur *cmdNode, full []string) string {
	lines := []string{"🛟 " + m.Bold("Help") + " " + m.Code("/"+strings.Join(full, " "))}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, m.Escape(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 "+m.Italic("Bot owners only"))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", m.Bold("Usage"), m.Code(u))
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", m.Bold("Shortcuts"))
			for _, s := range short {
				lines = append(lines, "• "+m.Code("/"+s))
			}
		}
	} else {
		lines = append(lines, m.Escape("Command group."))
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", m.Bold("Subcommands"))
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			path := append(append([]string(nil), full...), name)
			line := "• " + m.Code("/"+strings.Join(path, " "))
			if desc := summarizeNodeDesc(n); desc != "" {
				line += " " + m.Escape("- "+desc)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	k := min(len(kids), 3)
	s := strings.Join(kids[:k], ", ")
	if len(kids) > k {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly is true for owner-only leaves and for groups whose every command is owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil && n.cmd.Access == AccessEveryone {
		return false
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return n.cmd != nil || len(n.children) > 0
}

func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	route := splitRoute(c.Route)
	if len(route) > 1 {
		if menu, ok := commandNameFromRoute(route); ok {
			add(menu)
		}
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
	}
	sort.Strings(out)
	return out
}
