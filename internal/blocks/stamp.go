package blocks

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Stamp returns the revision stamp for a block's committed content. Two
// blocks with the same id, content and props always share a stamp.
func Stamp(b Block) string {
	b.Revision = ""
	return digest(b)
}

// Fingerprint digests a node's observed value: content, props, the ordering
// of its direct children and its child group. The editor's revision field is
// not part of the value.
func Fingerprint(node BlockNode) string {
	value := struct {
		Block    Block       `json:"block"`
		Children []string    `json:"children,omitempty"`
		Group    *ChildGroup `json:"group,omitempty"`
	}{
		Block: node.Block,
		Group: node.Group,
	}
	value.Block.Revision = ""
	if len(node.Children) > 0 {
		value.Children = make([]string, len(node.Children))
		for i, child := range node.Children {
			value.Children[i] = child.Block.ID
		}
	}
	return digest(value)
}

// ContentEqual reports whether two blocks carry the same content and props.
func ContentEqual(a, b Block) bool {
	return Stamp(a) == Stamp(b)
}

func digest(value any) string {
	// encoding/json sorts map keys, so the encoding is canonical.
	payload, err := json.Marshal(value)
	if err != nil {
		panic("blocks: encode value for digest: " + err.Error())
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
