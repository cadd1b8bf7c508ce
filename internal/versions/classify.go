package versions

import (
	"strings"

	"hyperdraft/api/internal/blocks"
)

type Category string

const (
	Deleted   Category = "deleted"
	Edited    Category = "edited"
	Unchanged Category = "unchanged"
	Added     Category = "added"
)

// MergedVersions is the summary line of a change with several dependencies.
const MergedVersions = "Merged Versions"

// Step records how one block id was classified. Dep is the index of the
// dependency whose pass classified it, or -1 for added blocks.
type Step struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Dep      int      `json:"dep"`
}

// Partition assigns every block id seen in a change or its dependencies to
// exactly one category, in classification order.
type Partition struct {
	Steps []Step `json:"steps"`
}

// IDs lists the ids of one category in classification order.
func (p Partition) IDs(category Category) []string {
	var out []string
	for _, step := range p.Steps {
		if step.Category == category {
			out = append(out, step.ID)
		}
	}
	return out
}

func (p Partition) CategoryOf(id string) (Category, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step.Category, true
		}
	}
	return "", false
}

// Classify partitions block ids across all dependency maps combined, in the
// order dependencies list them. A block whose current revision matches any
// dependency is unchanged, attributed to the first such dependency. Otherwise
// the first dependency holding the id decides between deleted and edited.
// Ids found in no dependency are added.
func Classify(this RevisionMap, deps []RevisionMap) Partition {
	var p Partition
	done := make(map[string]struct{})
	for i, dep := range deps {
		for _, id := range dep.ids {
			if _, ok := done[id]; ok {
				continue
			}
			done[id] = struct{}{}
			current, ok := this.Get(id)
			if !ok {
				p.Steps = append(p.Steps, Step{ID: id, Category: Deleted, Dep: i})
				continue
			}
			if match := matchingDep(current.Revision, id, deps[i:]); match >= 0 {
				p.Steps = append(p.Steps, Step{ID: id, Category: Unchanged, Dep: i + match})
				continue
			}
			p.Steps = append(p.Steps, Step{ID: id, Category: Edited, Dep: i})
		}
	}
	for _, id := range this.ids {
		if _, ok := done[id]; ok {
			continue
		}
		done[id] = struct{}{}
		p.Steps = append(p.Steps, Step{ID: id, Category: Added, Dep: -1})
	}
	return p
}

func matchingDep(revision, id string, deps []RevisionMap) int {
	for i, dep := range deps {
		if r, ok := dep.entries[id]; ok && r.Revision == revision {
			return i
		}
	}
	return -1
}

// Summarize renders the partition of record as human readable lines. Edited
// blocks are described by the text of the dependency copy that classified
// them; added blocks by their current text.
func Summarize(record ChangeRecord, p Partition, this RevisionMap, deps []RevisionMap) []string {
	summary := []string{}
	if len(record.Deps) > 1 {
		summary = append(summary, MergedVersions)
	}
	for _, step := range p.Steps {
		switch step.Category {
		case Deleted:
			summary = append(summary, "Deleted Block "+step.ID)
		case Edited:
			rev := deps[step.Dep].entries[step.ID]
			summary = append(summary, "Edited Block "+step.ID+" "+excerpt(rev.Node))
		}
	}
	for _, step := range p.Steps {
		if step.Category == Added {
			rev := this.entries[step.ID]
			summary = append(summary, "Added Block "+step.ID+" "+excerpt(rev.Node))
		}
	}
	return summary
}

func excerpt(node blocks.BlockNode) string {
	if text := strings.TrimSpace(blocks.PlainText(node)); text != "" {
		return text
	}
	return node.Block.ID
}
