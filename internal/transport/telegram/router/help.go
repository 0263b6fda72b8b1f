package router

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// helpText renders help in HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	if len(args) == 0 {
		return m.helpTopHTML()
	}
	word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
	c, ok := m.lookup(word)
	if !ok {
		return strings.Join([]string{
			"❓ <b>Unknown command</b>",
			"Type <code>/help</code> to see the command list.",
		}, "\n")
	}
	return helpCommandHTML(*c)
}

func (m *CommandManager) helpTopHTML() string {
	m.mu.RLock()
	rows := append([]Command(nil), m.list...)
	m.mu.RUnlock()

	// Owner-only commands last, alphabetical within each group.
	sort.SliceStable(rows, func(i, j int) bool {
		li, lj := rows[i].Access == AccessOwnerOnly, rows[j].Access == AccessOwnerOnly
		if li != lj {
			return !li
		}
		return rows[i].Name < rows[j].Name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range rows {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Times are local server time, e.g. <code>2030-01-31T09:30</code>.")
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c Command) string {
	lines := []string{fmt.Sprintf("📚 <b>Help</b> <code>/%s</code>", html.EscapeString(c.Name))}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := append([]string(nil), c.Aliases...)
		sort.Strings(al)
		lines = append(lines, "", "<b>Shortcut</b>")
		for _, a := range al {
			lines = append(lines, "• <code>/"+html.EscapeString(a)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}
