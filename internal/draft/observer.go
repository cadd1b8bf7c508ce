// Package draft turns edits of a live block tree into the ordered operations
// a draft is updated with, and commits them once per edit burst.
package draft

import (
	"errors"
	"fmt"
	"sort"

	"hyperdraft/api/internal/blocks"
)

// ErrBlockReused is returned when an id that was observed as deleted shows
// up again. Block ids are content-addressed and never come back.
var ErrBlockReused = errors.New("deleted block id reused")

// MoveRecord places a block under parent, right after leftSibling.
type MoveRecord struct {
	BlockID     string `json:"blockId"`
	Parent      string `json:"parent"`
	LeftSibling string `json:"leftSibling"`
}

// ObserverState is what the observer remembers between passes: positions
// and value fingerprints by id, and the ids seen deleted. It never holds
// block values.
type ObserverState struct {
	Positions map[string]blocks.Position
	Values    map[string]string
	Deleted   map[string]struct{}
}

func NewObserverState() ObserverState {
	return ObserverState{
		Positions: make(map[string]blocks.Position),
		Values:    make(map[string]string),
		Deleted:   make(map[string]struct{}),
	}
}

// PrimeObserver records a freshly loaded tree without reporting anything.
func PrimeObserver(tree []blocks.BlockNode) (ObserverState, error) {
	_, state, err := Observe(tree, NewObserverState())
	return state, err
}

// Observation is the outcome of one observer pass.
type Observation struct {
	Changed []string
	Moves   []MoveRecord
	Present map[string]struct{}
	Deleted []string
}

func (o Observation) Empty() bool {
	return len(o.Changed) == 0 && len(o.Moves) == 0 && len(o.Deleted) == 0
}

// Observe walks the current tree and classifies blocks against prev. A block
// whose (parent, left sibling) differs from the recorded one yields a move;
// a block whose value differs yields a change; both can hold at once.
// Previously tracked ids that are gone are reported deleted. prev is not
// modified; the returned state replaces it.
func Observe(tree []blocks.BlockNode, prev ObserverState) (Observation, ObserverState, error) {
	next := ObserverState{
		Positions: make(map[string]blocks.Position, len(prev.Positions)),
		Values:    make(map[string]string, len(prev.Values)),
		Deleted:   make(map[string]struct{}, len(prev.Deleted)),
	}
	for id := range prev.Deleted {
		next.Deleted[id] = struct{}{}
	}
	obs := Observation{Present: make(map[string]struct{})}

	err := blocks.Walk(tree, func(v blocks.Visit) error {
		id := v.Node.Block.ID
		if id == "" {
			return fmt.Errorf("%w: block without id under %q", blocks.ErrInvalidTree, v.Parent)
		}
		if _, dup := obs.Present[id]; dup {
			return fmt.Errorf("%w: block %q appears twice", blocks.ErrInvalidTree, id)
		}
		if _, gone := prev.Deleted[id]; gone {
			return fmt.Errorf("%w: %q", ErrBlockReused, id)
		}
		obs.Present[id] = struct{}{}

		position := v.Position()
		if recorded, ok := prev.Positions[id]; !ok || recorded != position {
			obs.Moves = append(obs.Moves, MoveRecord{BlockID: id, Parent: position.Parent, LeftSibling: position.LeftSibling})
		}
		value := blocks.Fingerprint(*v.Node)
		if recorded, ok := prev.Values[id]; !ok || recorded != value {
			obs.Changed = append(obs.Changed, id)
		}
		next.Positions[id] = position
		next.Values[id] = value
		return nil
	})
	if err != nil {
		return Observation{}, prev, err
	}

	for id := range prev.Positions {
		if _, ok := obs.Present[id]; !ok {
			obs.Deleted = append(obs.Deleted, id)
			next.Deleted[id] = struct{}{}
		}
	}
	sort.Strings(obs.Deleted)
	return obs, next, nil
}
