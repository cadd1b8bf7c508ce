package blocks

import (
	"strings"
)

// PlainText concatenates a node's own text with the text of its subtree in
// document order. Annotations and other metadata are ignored.
func PlainText(node BlockNode) string {
	var b strings.Builder
	_ = Walk([]BlockNode{node}, func(v Visit) error {
		b.WriteString(v.Node.Block.Text)
		return nil
	})
	return b.String()
}

// Title is the document title implied by the tree: the text of the first
// top-level block.
func Title(tree []BlockNode) string {
	if len(tree) == 0 {
		return ""
	}
	return strings.TrimSpace(tree[0].Block.Text)
}
