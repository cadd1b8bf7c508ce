package versions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hyperdraft/api/internal/blocks"
)

// DefaultConcurrency bounds snapshot fetches per diff.
const DefaultConcurrency = 8

// ChangeRecord is one committed change. Deps holds the ids of the changes it
// builds on; more than one means a merge. Version is the opaque handle its
// snapshot is fetched by.
type ChangeRecord struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Author     string    `json:"author"`
	Message    string    `json:"message,omitempty"`
	CreateTime time.Time `json:"createTime"`
	Deps       []string  `json:"deps"`
}

// SmartChange is a change record plus what it did. When a snapshot it needs
// could not be loaded, Unavailable is set and only the raw metadata is
// meaningful.
type SmartChange struct {
	ChangeRecord
	Summary     []string  `json:"summary"`
	Partition   Partition `json:"-"`
	Unavailable bool      `json:"unavailable,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// SnapshotFunc loads the block tree of a document at version.
type SnapshotFunc func(ctx context.Context, version string) ([]blocks.BlockNode, error)

type snapshot struct {
	revisions RevisionMap
	err       error
}

// DiffRecords computes a SmartChange for every record, newest first.
// Snapshots are fetched in parallel with at most concurrency in flight; each
// version is fetched once even when several changes depend on it. A failed
// or missing snapshot only affects the changes that need it. The returned
// error is non-nil only when ctx ends.
func DiffRecords(ctx context.Context, records []ChangeRecord, snapshotOf SnapshotFunc, concurrency int) ([]SmartChange, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	byID := make(map[string]ChangeRecord, len(records))
	var versions []string
	seen := make(map[string]struct{})
	for _, record := range records {
		byID[record.ID] = record
		if _, ok := seen[record.Version]; !ok {
			seen[record.Version] = struct{}{}
			versions = append(versions, record.Version)
		}
	}

	var mu sync.Mutex
	snapshots := make(map[string]snapshot, len(versions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, version := range versions {
		g.Go(func() error {
			tree, err := snapshotOf(gctx, version)
			var snap snapshot
			if err != nil {
				snap.err = err
			} else {
				snap.revisions, snap.err = Flatten(tree)
			}
			mu.Lock()
			snapshots[version] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]SmartChange, 0, len(records))
	for _, record := range records {
		out = append(out, diffOne(record, byID, snapshots))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreateTime.After(out[j].CreateTime)
	})
	return out, nil
}

func diffOne(record ChangeRecord, byID map[string]ChangeRecord, snapshots map[string]snapshot) SmartChange {
	change := SmartChange{ChangeRecord: record}
	this := snapshots[record.Version]
	if this.err != nil {
		return unavailable(change, fmt.Sprintf("snapshot %s: %v", record.Version, this.err))
	}
	deps := make([]RevisionMap, 0, len(record.Deps))
	for _, depID := range record.Deps {
		dep, ok := byID[depID]
		if !ok {
			return unavailable(change, fmt.Sprintf("dependency %s is not in the change list", depID))
		}
		snap := snapshots[dep.Version]
		if snap.err != nil {
			return unavailable(change, fmt.Sprintf("snapshot %s of dependency %s: %v", dep.Version, depID, snap.err))
		}
		deps = append(deps, snap.revisions)
	}
	change.Partition = Classify(this.revisions, deps)
	change.Summary = Summarize(record, change.Partition, this.revisions, deps)
	return change
}

func unavailable(change SmartChange, reason string) SmartChange {
	change.Unavailable = true
	change.Reason = reason
	change.Summary = []string{}
	return change
}
