package versions

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"hyperdraft/api/internal/blocks"
)

const defaultCacheSize = 256

// Source is the backend side the engine reads from.
type Source interface {
	ListChanges(ctx context.Context, documentID string) ([]ChangeRecord, error)
	PublicationAt(ctx context.Context, documentID, version string) ([]blocks.BlockNode, error)
}

// Engine diffs document histories. Snapshots at a version never change, so
// they are cached; concurrent loads of the same version share one fetch.
type Engine struct {
	source      Source
	concurrency int
	cacheSize   int

	group singleflight.Group

	mu    sync.Mutex
	cache map[string][]blocks.BlockNode
	order []string
}

func NewEngine(source Source, concurrency int) *Engine {
	return &Engine{
		source:      source,
		concurrency: concurrency,
		cacheSize:   defaultCacheSize,
		cache:       make(map[string][]blocks.BlockNode),
	}
}

// SmartChanges lists the changes of a document with their summaries, newest
// first.
func (e *Engine) SmartChanges(ctx context.Context, documentID string) ([]SmartChange, error) {
	records, err := e.source.ListChanges(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list changes for %s: %w", documentID, err)
	}
	return DiffRecords(ctx, records, func(ctx context.Context, version string) ([]blocks.BlockNode, error) {
		return e.Snapshot(ctx, documentID, version)
	}, e.concurrency)
}

// Snapshot returns the document tree at version. Callers must not modify it.
func (e *Engine) Snapshot(ctx context.Context, documentID, version string) ([]blocks.BlockNode, error) {
	key := documentID + "@" + version
	e.mu.Lock()
	tree, ok := e.cache[key]
	if ok {
		e.touch(key)
	}
	e.mu.Unlock()
	if ok {
		return tree, nil
	}

	value, err, _ := e.group.Do(key, func() (any, error) {
		tree, err := e.source.PublicationAt(ctx, documentID, version)
		if err != nil {
			return nil, err
		}
		e.store(key, tree)
		return tree, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]blocks.BlockNode), nil
}

// Cached reports how many snapshots are held.
func (e *Engine) Cached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// touch marks key as most recently used. e.mu must be held.
func (e *Engine) touch(key string) {
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.order = append(e.order, key)
}

// store caches tree, evicting the least recently used snapshot when full.
func (e *Engine) store(key string, tree []blocks.BlockNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[key]; ok {
		return
	}
	if len(e.order) >= e.cacheSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cache, oldest)
	}
	e.cache[key] = tree
	e.order = append(e.order, key)
}
