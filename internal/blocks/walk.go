package blocks

import (
	"errors"
	"fmt"
)

// MaxDepth bounds tree nesting. Deeper trees are rejected as invalid.
const MaxDepth = 512

var ErrInvalidTree = errors.New("invalid block tree")

var errStopWalk = errors.New("stop walk")

// Visit is one node seen during Walk.
type Visit struct {
	Node        *BlockNode
	Parent      string
	LeftSibling string
	Index       int
	Depth       int
}

// Position returns where the visited node sits.
func (v Visit) Position() Position {
	return Position{Parent: v.Parent, LeftSibling: v.LeftSibling}
}

// Walk visits every node depth-first in document order using an explicit
// stack. Returning an error from fn stops the walk with that error.
func Walk(tree []BlockNode, fn func(Visit) error) error {
	type frame struct {
		siblings []BlockNode
		parent   string
		depth    int
		next     int
	}
	stack := []frame{{siblings: tree}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.siblings) {
			stack = stack[:len(stack)-1]
			continue
		}
		index := top.next
		top.next++
		siblings := top.siblings
		parent := top.parent
		depth := top.depth

		node := &siblings[index]
		if depth >= MaxDepth {
			return fmt.Errorf("%w: nesting deeper than %d at block %q", ErrInvalidTree, MaxDepth, node.Block.ID)
		}
		left := ""
		if index > 0 {
			left = siblings[index-1].Block.ID
		}
		if err := fn(Visit{Node: node, Parent: parent, LeftSibling: left, Index: index, Depth: depth}); err != nil {
			return err
		}
		if len(node.Children) > 0 {
			stack = append(stack, frame{siblings: node.Children, parent: node.Block.ID, depth: depth + 1})
		}
	}
	return nil
}

// Validate checks that every block has an id and that no id appears twice,
// which also rules out a block nested under itself.
func Validate(tree []BlockNode) error {
	seen := make(map[string]struct{})
	return Walk(tree, func(v Visit) error {
		id := v.Node.Block.ID
		if id == "" {
			return fmt.Errorf("%w: block without id under %q", ErrInvalidTree, v.Parent)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate block id %q", ErrInvalidTree, id)
		}
		seen[id] = struct{}{}
		return nil
	})
}

// Find returns the node with the given id, or nil.
func Find(tree []BlockNode, id string) *BlockNode {
	var found *BlockNode
	_ = Walk(tree, func(v Visit) error {
		if v.Node.Block.ID == id {
			found = v.Node
			return errStopWalk
		}
		return nil
	})
	return found
}

// Index maps every block id to its node. The tree must be valid.
func Index(tree []BlockNode) (map[string]*BlockNode, error) {
	index := make(map[string]*BlockNode)
	err := Walk(tree, func(v Visit) error {
		id := v.Node.Block.ID
		if id == "" {
			return fmt.Errorf("%w: block without id under %q", ErrInvalidTree, v.Parent)
		}
		if _, ok := index[id]; ok {
			return fmt.Errorf("%w: duplicate block id %q", ErrInvalidTree, id)
		}
		index[id] = v.Node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}
