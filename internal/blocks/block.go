// Package blocks holds the block-tree data model shared by draft synthesis,
// the backend document model and version diffing.
package blocks

// Props that carry child-list semantics on committed blocks.
const (
	ChildrenTypeProp = "childrenType"
	StartProp        = "start"
)

// Child list types.
const (
	ListGroup     = "group"
	ListOrdered   = "ol"
	ListUnordered = "ul"
)

// Annotation is inline formatting or linking metadata over a block's text.
type Annotation struct {
	Type       string            `json:"type"`
	Ref        string            `json:"ref,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Starts     []int32           `json:"starts,omitempty"`
	Ends       []int32           `json:"ends,omitempty"`
}

// Block is the smallest versioned unit of a document. Revision is an opaque
// stamp set by the backend that changes iff the committed content changed.
type Block struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Ref         string            `json:"ref,omitempty"`
	Annotations []Annotation      `json:"annotations,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Revision    string            `json:"revision,omitempty"`
}

// ChildGroup describes how the editor lays out a node's children.
type ChildGroup struct {
	ListType string `json:"listType,omitempty"`
	Start    int    `json:"start,omitempty"`
}

// BlockNode is a block and its ordered children.
type BlockNode struct {
	Block    Block       `json:"block"`
	Children []BlockNode `json:"children,omitempty"`
	Group    *ChildGroup `json:"group,omitempty"`
}

// Position locates a block by parent and left sibling instead of an index.
type Position struct {
	Parent      string `json:"parent"`
	LeftSibling string `json:"leftSibling"`
}

func (b Block) Clone() Block {
	out := b
	if b.Attributes != nil {
		out.Attributes = cloneMap(b.Attributes)
	}
	if b.Annotations != nil {
		out.Annotations = make([]Annotation, len(b.Annotations))
		for i, a := range b.Annotations {
			c := a
			if a.Attributes != nil {
				c.Attributes = cloneMap(a.Attributes)
			}
			c.Starts = append([]int32(nil), a.Starts...)
			c.Ends = append([]int32(nil), a.Ends...)
			out.Annotations[i] = c
		}
	}
	return out
}

// Clone deep-copies the node and its subtree.
func (n BlockNode) Clone() BlockNode {
	out := BlockNode{Block: n.Block.Clone()}
	if n.Group != nil {
		group := *n.Group
		out.Group = &group
	}
	if n.Children != nil {
		out.Children = CloneTree(n.Children)
	}
	return out
}

func CloneTree(tree []BlockNode) []BlockNode {
	if tree == nil {
		return nil
	}
	out := make([]BlockNode, len(tree))
	for i, node := range tree {
		out[i] = node.Clone()
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
