package docmodel

import (
	"fmt"

	"hyperdraft/api/internal/blocks"
)

// Document is an arena-indexed block tree that applies operations the way
// the backend does: in order, each one seeing the effects of the previous.
type Document struct {
	Title    string
	nodes    map[string]*node
	children map[string][]string
}

type node struct {
	block    blocks.Block
	parent   string
	attached bool
}

func New(title string) *Document {
	return &Document{
		Title:    title,
		nodes:    make(map[string]*node),
		children: make(map[string][]string),
	}
}

// FromTree loads a committed tree. Blocks without a revision get stamped.
func FromTree(title string, tree []blocks.BlockNode) (*Document, error) {
	if err := blocks.Validate(tree); err != nil {
		return nil, err
	}
	doc := New(title)
	err := blocks.Walk(tree, func(v blocks.Visit) error {
		blk := v.Node.Block.Clone()
		if blk.Revision == "" {
			blk.Revision = blocks.Stamp(blk)
		}
		doc.nodes[blk.ID] = &node{block: blk, parent: v.Parent, attached: true}
		doc.children[v.Parent] = append(doc.children[v.Parent], blk.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Apply runs the operations in order. It stops at the first failing one;
// operations before it stay applied.
func (d *Document) Apply(ops ...Operation) error {
	for i, op := range ops {
		if err := d.apply(op); err != nil {
			return fmt.Errorf("operation %d %s: %w", i, op, err)
		}
	}
	return nil
}

func (d *Document) apply(op Operation) error {
	kind, err := op.Kind()
	if err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return err
	}
	switch kind {
	case KindSetTitle:
		d.Title = *op.SetTitle
		return nil
	case KindMoveBlock:
		return d.move(op.MoveBlock.BlockID, op.MoveBlock.Parent, op.MoveBlock.LeftSibling)
	case KindDeleteBlock:
		d.delete(*op.DeleteBlock)
		return nil
	default:
		d.replace(*op.ReplaceBlock)
		return nil
	}
}

func (d *Document) move(id, parent, left string) error {
	if id == parent || id == left {
		return fmt.Errorf("%w: block %q cannot be its own parent or sibling", ErrInvalidOperation, id)
	}
	if parent != "" {
		p, ok := d.nodes[parent]
		if !ok || !p.attached {
			return fmt.Errorf("%w: parent %q is not in the document", ErrInvalidOperation, parent)
		}
		if d.isAncestor(id, parent) {
			return fmt.Errorf("%w: moving %q under %q would create a cycle", ErrInvalidOperation, id, parent)
		}
	}

	if left != "" && indexOf(d.children[parent], left) < 0 {
		return fmt.Errorf("%w: left sibling %q is not a child of %q", ErrInvalidOperation, left, parent)
	}

	n, ok := d.nodes[id]
	if !ok {
		n = &node{block: blocks.Block{ID: id}}
		d.nodes[id] = n
	}
	if n.attached {
		d.detach(id)
	}

	siblings := d.children[parent]
	at := 0
	if left != "" {
		at = indexOf(siblings, left) + 1
	}
	siblings = append(siblings, "")
	copy(siblings[at+1:], siblings[at:])
	siblings[at] = id
	d.children[parent] = siblings
	n.parent = parent
	n.attached = true
	return nil
}

// delete removes the block together with its subtree. Unknown ids are ignored.
func (d *Document) delete(id string) {
	n, ok := d.nodes[id]
	if !ok {
		return
	}
	if n.attached {
		d.detach(id)
	}
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, d.children[current]...)
		delete(d.children, current)
		delete(d.nodes, current)
	}
}

// replace sets the block's content. Unchanged content keeps the revision.
// A block that was never moved into place is stored but stays detached.
func (d *Document) replace(blk blocks.Block) {
	blk = blk.Clone()
	blk.Revision = blocks.Stamp(blk)
	n, ok := d.nodes[blk.ID]
	if !ok {
		d.nodes[blk.ID] = &node{block: blk}
		return
	}
	if n.block.Revision == blk.Revision {
		return
	}
	n.block = blk
}

func (d *Document) detach(id string) {
	n := d.nodes[id]
	siblings := d.children[n.parent]
	if idx := indexOf(siblings, id); idx >= 0 {
		d.children[n.parent] = append(siblings[:idx:idx], siblings[idx+1:]...)
	}
	n.attached = false
}

// isAncestor reports whether ancestor is on the parent chain of id.
func (d *Document) isAncestor(ancestor, id string) bool {
	for steps := 0; id != "" && steps <= len(d.nodes); steps++ {
		if id == ancestor {
			return true
		}
		n, ok := d.nodes[id]
		if !ok {
			return false
		}
		id = n.parent
	}
	return false
}

// Block returns the stored block, attached or not.
func (d *Document) Block(id string) (blocks.Block, bool) {
	n, ok := d.nodes[id]
	if !ok {
		return blocks.Block{}, false
	}
	return n.block.Clone(), true
}

// Tree materializes the attached blocks as a nested tree.
func (d *Document) Tree() ([]blocks.BlockNode, error) {
	return d.build("", 0)
}

func (d *Document) build(parent string, depth int) ([]blocks.BlockNode, error) {
	ids := d.children[parent]
	if len(ids) == 0 {
		return nil, nil
	}
	if depth >= blocks.MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d under %q", blocks.ErrInvalidTree, blocks.MaxDepth, parent)
	}
	out := make([]blocks.BlockNode, 0, len(ids))
	for _, id := range ids {
		children, err := d.build(id, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, blocks.BlockNode{Block: d.nodes[id].block.Clone(), Children: children})
	}
	return out, nil
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}
