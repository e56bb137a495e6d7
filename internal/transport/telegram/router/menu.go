package router

import (
	"sort"
	"strings"

	kit "remindbot/internal/transport"
)

const (
	maxMenuName    = 32
	maxMenuEntries = 100
)

// menuName joins route words into a bot-menu command name. Telegram accepts
// only [a-z0-9_]{1,32}, so other runes are dropped and separators collapse
// to a single underscore. It returns "" when nothing usable is left.
func menuName(words []string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.Join(words, " ")) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == ' ', r == '\t', r == '/':
			sep = true
		}
	}
	name := b.String()
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "cmd_" + name
	}
	if len(name) > maxMenuName {
		name = strings.TrimRight(name[:maxMenuName], "_")
	}
	return name
}

// buildMenu lists the public top-level commands, then the underscore form
// of each public multi-word route. Owner-only commands still work when
// typed but stay out of the menu.
func buildMenu(tree *cmdNode, cmds []Command) []kit.BotCommand {
	var top, nested []kit.BotCommand
	seen := map[string]bool{}
	add := func(dst *[]kit.BotCommand, name, desc string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		*dst = append(*dst, kit.BotCommand{Command: name, Description: desc})
	}

	for _, k := range tree.sortedKids() {
		if !k.ownerOnly() {
			add(&top, menuName([]string{k.word}), k.summary())
		}
	}
	for _, c := range cmds {
		words := routeWords(c.Route)
		if len(words) < 2 || c.Access == AccessOwnerOnly {
			continue
		}
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(words, " ")
		}
		add(&nested, menuName(words), desc)
	}
	sort.Slice(nested, func(i, j int) bool { return nested[i].Command < nested[j].Command })

	out := append(top, nested...)
	if len(out) > maxMenuEntries {
		out = out[:maxMenuEntries]
	}
	return out
}
