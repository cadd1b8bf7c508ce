package draft

import (
	"strconv"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/docmodel"
)

// Synthesize builds the operation list for a pending state against the
// current tree. The order is fixed because the backend applies operations
// in sequence:
//
//  1. setTitle, always
//  2. one moveBlock per move, in accumulation order
//  3. one deleteBlock per deleted id
//  4. one replaceBlock per changed id still in the tree and not deleted
func Synthesize(state DraftChangeState, tree []blocks.BlockNode, title string) ([]docmodel.Operation, error) {
	index, err := blocks.Index(tree)
	if err != nil {
		return nil, err
	}

	ops := make([]docmodel.Operation, 0, 1+len(state.Moves)+state.Deleted.Len()+state.Changed.Len())
	ops = append(ops, docmodel.SetTitle(title))
	for _, move := range state.Moves {
		ops = append(ops, docmodel.MoveTo(move.BlockID, move.Parent, move.LeftSibling))
	}
	for _, id := range state.Deleted.IDs() {
		ops = append(ops, docmodel.DeleteBlock(id))
	}
	for _, id := range state.Changed.IDs() {
		if state.Deleted.Has(id) {
			continue
		}
		node, ok := index[id]
		if !ok {
			continue
		}
		ops = append(ops, docmodel.ReplaceBlock(withChildGroup(*node)))
	}
	return ops, nil
}

// withChildGroup folds the editor's child-list layout into the block props.
func withChildGroup(node blocks.BlockNode) blocks.Block {
	blk := node.Block.Clone()
	if node.Group == nil {
		return blk
	}
	if blk.Attributes == nil {
		blk.Attributes = make(map[string]string)
	}
	listType := node.Group.ListType
	if listType == "" {
		listType = blocks.ListGroup
	}
	blk.Attributes[blocks.ChildrenTypeProp] = listType
	if node.Group.Start > 0 {
		blk.Attributes[blocks.StartProp] = strconv.Itoa(node.Group.Start)
	} else {
		delete(blk.Attributes, blocks.StartProp)
	}
	return blk
}
