package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders /help output (HTML) for the command at path, or the
// top-level listing when path is empty.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	tree, alias := m.tree, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		cfg, _ := m.config()
		return listing(tree, cfg.HelpFooter)
	}
	first := strings.ToLower(strings.TrimPrefix(path[0], "/"))
	if leaf := alias[first]; leaf != nil && leaf.cmd != nil && tree.kid(first) == nil {
		return describe(leaf, routeWords(leaf.cmd.Route))
	}
	node, used := tree.descend(append([]string{first}, path[1:]...))
	if used == 0 {
		return "Unknown command. Type <code>/help</code> for the list."
	}
	return describe(node, append([]string{first}, lowerAll(path[1:used])...))
}

// listing shows public commands first, then owner-only ones marked with a lock.
func listing(tree *cmdNode, footer string) string {
	kids := tree.sortedKids()
	sort.SliceStable(kids, func(i, j int) bool { return !kids[i].ownerOnly() && kids[j].ownerOnly() })

	var b strings.Builder
	b.WriteString("<b>Commands</b>\nType <code>/help &lt;command&gt;</code> for details.\n")
	for _, k := range kids {
		b.WriteString("\n• ")
		if k.ownerOnly() {
			b.WriteString("🔒 ")
		}
		b.WriteString("<code>/" + html.EscapeString(k.word) + "</code>")
		if s := k.summary(); s != "" {
			b.WriteString(" - " + html.EscapeString(s))
		}
	}
	if footer != "" {
		b.WriteString("\n\n" + footer)
	}
	return b.String()
}

func describe(n *cmdNode, path []string) string {
	var b strings.Builder
	b.WriteString("<b>Help</b> <code>/" + html.EscapeString(strings.Join(path, " ")) + "</code>")

	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString("\n" + html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("\n🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.WriteString("\n\n<b>Usage</b>")
			for _, l := range strings.Split(u, "\n") {
				b.WriteString("\n<code>" + html.EscapeString(strings.TrimSpace(l)) + "</code>")
			}
		}
		if sc := shortcuts(*c); len(sc) > 0 {
			b.WriteString("\n\n<b>Shortcuts</b>")
			for _, s := range sc {
				b.WriteString("\n• <code>/" + html.EscapeString(s) + "</code>")
			}
		}
	}

	if len(n.kids) > 0 {
		b.WriteString("\n\n<b>Subcommands</b>")
		for _, k := range n.sortedKids() {
			b.WriteString("\n• <code>/" + html.EscapeString(strings.Join(path, " ")+" "+k.word) + "</code>")
			if s := k.summary(); s != "" {
				b.WriteString(" - " + html.EscapeString(s))
			}
		}
	}
	return b.String()
}

// shortcuts lists the other names a command answers to.
func shortcuts(c Command) []string {
	set := map[string]struct{}{}
	if words := routeWords(c.Route); len(words) > 1 {
		if s := menuName(words); s != "" {
			set[s] = struct{}{}
		}
	}
	for _, a := range c.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || strings.ContainsAny(a, " \t") {
			continue
		}
		set[a] = struct{}{}
		if s := menuName([]string{a}); s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
