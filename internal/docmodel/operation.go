// Package docmodel defines the operations a draft is updated with and the
// document model that applies them.
package docmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"hyperdraft/api/internal/blocks"
)

var ErrInvalidOperation = errors.New("invalid operation")

type OpKind string

const (
	KindSetTitle     OpKind = "setTitle"
	KindMoveBlock    OpKind = "moveBlock"
	KindDeleteBlock  OpKind = "deleteBlock"
	KindReplaceBlock OpKind = "replaceBlock"
)

type MoveBlock struct {
	BlockID     string `json:"blockId"`
	LeftSibling string `json:"leftSibling"`
	Parent      string `json:"parent"`
}

// Operation is a tagged variant: exactly one field is set. The JSON form
// has a single key naming the variant.
type Operation struct {
	SetTitle     *string       `json:"setTitle,omitempty"`
	MoveBlock    *MoveBlock    `json:"moveBlock,omitempty"`
	DeleteBlock  *string       `json:"deleteBlock,omitempty"`
	ReplaceBlock *blocks.Block `json:"replaceBlock,omitempty"`
}

func SetTitle(title string) Operation {
	return Operation{SetTitle: &title}
}

func MoveTo(blockID, parent, leftSibling string) Operation {
	return Operation{MoveBlock: &MoveBlock{BlockID: blockID, Parent: parent, LeftSibling: leftSibling}}
}

func DeleteBlock(blockID string) Operation {
	return Operation{DeleteBlock: &blockID}
}

func ReplaceBlock(block blocks.Block) Operation {
	b := block.Clone()
	return Operation{ReplaceBlock: &b}
}

// Kind reports which variant is set.
func (o Operation) Kind() (OpKind, error) {
	var kinds []OpKind
	if o.SetTitle != nil {
		kinds = append(kinds, KindSetTitle)
	}
	if o.MoveBlock != nil {
		kinds = append(kinds, KindMoveBlock)
	}
	if o.DeleteBlock != nil {
		kinds = append(kinds, KindDeleteBlock)
	}
	if o.ReplaceBlock != nil {
		kinds = append(kinds, KindReplaceBlock)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("%w: expected exactly one variant, got %v", ErrInvalidOperation, kinds)
	}
	return kinds[0], nil
}

// Validate checks the variant and its required fields.
func (o Operation) Validate() error {
	kind, err := o.Kind()
	if err != nil {
		return err
	}
	switch kind {
	case KindMoveBlock:
		if o.MoveBlock.BlockID == "" {
			return fmt.Errorf("%w: moveBlock without blockId", ErrInvalidOperation)
		}
	case KindDeleteBlock:
		if *o.DeleteBlock == "" {
			return fmt.Errorf("%w: deleteBlock without block id", ErrInvalidOperation)
		}
	case KindReplaceBlock:
		if o.ReplaceBlock.ID == "" {
			return fmt.Errorf("%w: replaceBlock without block id", ErrInvalidOperation)
		}
	}
	return nil
}

func (o Operation) String() string {
	kind, err := o.Kind()
	if err != nil {
		return "invalid"
	}
	switch kind {
	case KindSetTitle:
		return fmt.Sprintf("setTitle(%q)", *o.SetTitle)
	case KindMoveBlock:
		return fmt.Sprintf("moveBlock(%s, parent=%q, left=%q)", o.MoveBlock.BlockID, o.MoveBlock.Parent, o.MoveBlock.LeftSibling)
	case KindDeleteBlock:
		return fmt.Sprintf("deleteBlock(%s)", *o.DeleteBlock)
	default:
		return fmt.Sprintf("replaceBlock(%s)", o.ReplaceBlock.ID)
	}
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	type wire Operation
	var decoded wire
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	op := Operation(decoded)
	if err := op.Validate(); err != nil {
		return err
	}
	*o = op
	return nil
}
