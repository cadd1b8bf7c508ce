// Package versions reconstructs what each change of a document did by
// comparing per-block revision stamps across the change DAG.
package versions

import (
	"hyperdraft/api/internal/blocks"
)

// Revision is one block of a snapshot together with its stamp.
type Revision struct {
	Revision string
	Node     blocks.BlockNode
}

// RevisionMap is a flat id -> revision view of a snapshot, in document order.
type RevisionMap struct {
	ids     []string
	entries map[string]Revision
}

// Flatten indexes every stamped block of tree. Blocks without an id or a
// revision are skipped but their children are still visited.
func Flatten(tree []blocks.BlockNode) (RevisionMap, error) {
	m := RevisionMap{entries: make(map[string]Revision)}
	err := blocks.Walk(tree, func(v blocks.Visit) error {
		blk := v.Node.Block
		if blk.ID == "" || blk.Revision == "" {
			return nil
		}
		if _, seen := m.entries[blk.ID]; !seen {
			m.ids = append(m.ids, blk.ID)
		}
		m.entries[blk.ID] = Revision{Revision: blk.Revision, Node: *v.Node}
		return nil
	})
	if err != nil {
		return RevisionMap{}, err
	}
	return m, nil
}

func (m RevisionMap) Len() int { return len(m.ids) }

func (m RevisionMap) Get(id string) (Revision, bool) {
	r, ok := m.entries[id]
	return r, ok
}

func (m RevisionMap) Has(id string) bool {
	_, ok := m.entries[id]
	return ok
}

// IDs returns the block ids in document order.
func (m RevisionMap) IDs() []string {
	return append([]string(nil), m.ids...)
}
