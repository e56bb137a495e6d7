package router

import (
	"sort"
	"strings"
)

// cmdNode is one word of a command route. A node carries a Command when a
// route ends at it; "set" is a pure group node for "set timezone" and
// "set name".
type cmdNode struct {
	word string
	cmd  *Command
	kids map[string]*cmdNode
}

func newTree() *cmdNode { return &cmdNode{} }

// routeWords splits a route into lower-case words.
func routeWords(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

// insert registers c at words and returns the node holding it.
func (n *cmdNode) insert(words []string, c Command) *cmdNode {
	cur := n
	for _, w := range words {
		next := cur.kids[w]
		if next == nil {
			if cur.kids == nil {
				cur.kids = map[string]*cmdNode{}
			}
			next = &cmdNode{word: w}
			cur.kids[w] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *cmdNode) kid(word string) *cmdNode {
	return n.kids[strings.ToLower(word)]
}

// descend follows args down the tree while they name child nodes. It returns
// the deepest node reached and how many args it consumed.
func (n *cmdNode) descend(args []string) (*cmdNode, int) {
	cur, used := n, 0
	for _, a := range args {
		next := cur.kid(a)
		if next == nil {
			break
		}
		cur, used = next, used+1
	}
	return cur, used
}

// sortedKids returns the children ordered by word.
func (n *cmdNode) sortedKids() []*cmdNode {
	out := make([]*cmdNode, 0, len(n.kids))
	for _, k := range n.kids {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].word < out[j].word })
	return out
}

// ownerOnly reports whether the node's command, or every command below a
// group node, is owner-only.
func (n *cmdNode) ownerOnly() bool {
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, k := range n.kids {
		if !k.ownerOnly() {
			return false
		}
	}
	return len(n.kids) > 0
}

// summary is the one-line description used in listings: the command's own
// description, or the first few subcommand words of a group.
func (n *cmdNode) summary() string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	var words []string
	for _, k := range n.sortedKids() {
		words = append(words, k.word)
	}
	if len(words) > 3 {
		return strings.Join(words[:3], ", ") + ", …"
	}
	return strings.Join(words, ", ")
}
