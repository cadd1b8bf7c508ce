package draft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"hyperdraft/api/internal/blocks"
)

// Backend is the draft side of the document service.
type Backend interface {
	Updater
	GetDraft(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error)
}

// Manager keeps one session per open draft. Opening an already open draft
// shares its session; the last Close flushes it.
type Manager struct {
	backend Backend
	acc     *Accumulator
	opts    SessionOptions

	mu       sync.Mutex
	sessions map[DraftKey]*managedSession
	// unsent holds batches whose closing flush failed, until the draft is
	// opened again.
	unsent map[DraftKey]PendingDraft

	keyMu    sync.Mutex
	keyLocks map[DraftKey]*sync.Mutex
}

type managedSession struct {
	session *Session
	refs    int
}

func NewManager(backend Backend, opts SessionOptions) *Manager {
	return &Manager{
		backend:  backend,
		acc:      NewAccumulator(),
		opts:     opts.withDefaults(),
		sessions: make(map[DraftKey]*managedSession),
		unsent:   make(map[DraftKey]PendingDraft),
		keyLocks: make(map[DraftKey]*sync.Mutex),
	}
}

// keyLock serializes opening and closing one draft; m.mu only guards the
// maps and is never held across backend calls.
func (m *Manager) keyLock(key DraftKey) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	return lock
}

func (m *Manager) share(key DraftKey) (*Session, []blocks.BlockNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	managed, ok := m.sessions[key]
	if !ok {
		return nil, nil, false
	}
	managed.refs++
	managed.session.mu.Lock()
	tree := blocks.CloneTree(managed.session.tree)
	managed.session.mu.Unlock()
	return managed.session, tree, true
}

// Open returns the session for key and the tree the editor starts from.
// A batch left by a failed close, or found in the journal, is resumed on
// the tree it was observed on and queued for the next flush.
func (m *Manager) Open(ctx context.Context, key DraftKey) (*Session, []blocks.BlockNode, error) {
	if session, tree, ok := m.share(key); ok {
		return session, tree, nil
	}

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if session, tree, ok := m.share(key); ok {
		return session, tree, nil
	}

	m.mu.Lock()
	resumed, ok := m.unsent[key]
	m.mu.Unlock()
	var pending *PendingDraft
	if ok {
		pending = &resumed
	} else if m.opts.Journal != nil {
		journaled, found, err := m.opts.Journal.Load(ctx, key)
		if err != nil {
			log.Printf("draft: journal load %s: %v", key, err)
		} else if found && !journaled.State.Empty() {
			pending = &journaled
		}
	}

	var committed []blocks.BlockNode
	if pending != nil {
		committed = pending.Tree
	} else {
		tree, err := m.backend.GetDraft(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("load draft %s: %w", key, err)
		}
		committed = tree
	}

	session, err := NewSession(key, committed, m.backend, m.acc, m.opts)
	if err != nil {
		return nil, nil, err
	}
	m.acc.Discard(key)
	if pending != nil {
		m.acc.Restore(key, pending.State)
		session.mu.Lock()
		session.scheduleLocked()
		session.mu.Unlock()
	}

	m.mu.Lock()
	delete(m.unsent, key)
	m.sessions[key] = &managedSession{session: session, refs: 1}
	m.mu.Unlock()
	return session, blocks.CloneTree(committed), nil
}

// Release drops one reference; the last one closes and flushes the session.
func (m *Manager) Release(ctx context.Context, key DraftKey) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	managed, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	managed.refs--
	if managed.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	return m.close(ctx, managed.session)
}

func (m *Manager) close(ctx context.Context, session *Session) error {
	err := session.Close(ctx)
	if unsent, ok := session.Unsent(); ok {
		m.mu.Lock()
		m.unsent[session.Key()] = unsent
		m.mu.Unlock()
	}
	return err
}

// CloseAll flushes every open session, for shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]DraftKey, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var errs []error
	for _, key := range keys {
		lock := m.keyLock(key)
		lock.Lock()
		m.mu.Lock()
		managed, ok := m.sessions[key]
		delete(m.sessions, key)
		m.mu.Unlock()
		if ok {
			if err := m.close(ctx, managed.session); err != nil {
				errs = append(errs, err)
			}
		}
		lock.Unlock()
	}
	return errors.Join(errs...)
}

// Unsent returns the batch a failed close left for key, if any.
func (m *Manager) Unsent(key DraftKey) (PendingDraft, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.unsent[key]
	return pending, ok
}

// Pending exposes the accumulated state of a draft.
func (m *Manager) Pending(key DraftKey) DraftChangeState {
	return m.acc.Pending(key)
}

// Flush sends what is pending for key if its session is open. It reports
// zero operations when no session is open.
func (m *Manager) Flush(ctx context.Context, key DraftKey) (int, error) {
	m.mu.Lock()
	managed, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return managed.session.Flush(ctx)
}
