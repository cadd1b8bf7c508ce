package draft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/docmodel"
)

const DefaultDebounce = 500 * time.Millisecond

var ErrSessionClosed = errors.New("draft session closed")

// Updater sends one operation batch to the backend draft.
type Updater interface {
	UpdateDraft(ctx context.Context, key DraftKey, ops []docmodel.Operation) error
}

// PendingDraft is unsent state together with the tree it was observed on.
type PendingDraft struct {
	State DraftChangeState   `json:"state"`
	Tree  []blocks.BlockNode `json:"tree"`
}

// Journal keeps drafts that failed to send, so a restart can resume them.
type Journal interface {
	Save(ctx context.Context, key DraftKey, pending PendingDraft) error
	Load(ctx context.Context, key DraftKey) (PendingDraft, bool, error)
	Clear(ctx context.Context, key DraftKey) error
}

// CommitResult describes one flush attempt.
type CommitResult struct {
	Key        DraftKey
	Operations int
	Err        error
}

type SessionOptions struct {
	Debounce     time.Duration
	FlushTimeout time.Duration
	Scheduler    Scheduler
	Journal      Journal
	// OnCommit is called after every flush that sent or tried to send.
	OnCommit func(CommitResult)
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 30 * time.Second
	}
	if o.Scheduler == nil {
		o.Scheduler = ClockScheduler{}
	}
	return o
}

// Session is one open draft. Observations are serialized by mu; commits are
// serialized by commitMu, so a debounce that fires while a commit is in
// flight waits for it and then sends what accumulated meanwhile.
type Session struct {
	key     DraftKey
	updater Updater
	acc     *Accumulator
	opts    SessionOptions

	mu       sync.Mutex
	observer ObserverState
	tree     []blocks.BlockNode
	timer    Timer
	closed   bool
	unsent   *PendingDraft

	commitMu sync.Mutex
}

// NewSession opens a session over the committed tree. The tree is used to
// prime the observer; edits are reported through Observe.
func NewSession(key DraftKey, committed []blocks.BlockNode, updater Updater, acc *Accumulator, opts SessionOptions) (*Session, error) {
	observer, err := PrimeObserver(committed)
	if err != nil {
		return nil, fmt.Errorf("prime observer for %s: %w", key, err)
	}
	return &Session{
		key:      key,
		updater:  updater,
		acc:      acc,
		opts:     opts.withDefaults(),
		observer: observer,
		tree:     committed,
	}, nil
}

func (s *Session) Key() DraftKey { return s.key }

// Observe records the current tree after an edit and (re)starts the
// debounce window. The caller must not mutate tree afterwards.
func (s *Session) Observe(tree []blocks.BlockNode) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Observation{}, ErrSessionClosed
	}
	obs, next, err := Observe(tree, s.observer)
	if err != nil {
		return Observation{}, fmt.Errorf("observe %s: %w", s.key, err)
	}
	s.observer = next
	s.tree = tree
	if obs.Empty() {
		return obs, nil
	}
	s.acc.Accumulate(s.key, obs)
	s.scheduleLocked()
	return obs, nil
}

func (s *Session) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.opts.Scheduler.AfterFunc(s.opts.Debounce, s.onDebounce)
}

func (s *Session) onDebounce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()
	if _, err := s.Flush(ctx); err != nil {
		log.Printf("draft: debounced flush %s: %v", s.key, err)
	}
}

// Flush synthesizes and sends everything pending. The pending state is
// swapped for an empty one before sending; if the send fails the batch is
// merged back ahead of newer edits and the error is returned.
func (s *Session) Flush(ctx context.Context) (int, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	tree := s.tree
	batch := s.acc.Take(s.key)
	s.mu.Unlock()

	if batch.Empty() {
		return 0, nil
	}

	ops, err := Synthesize(batch, tree, blocks.Title(tree))
	if err == nil {
		err = s.updater.UpdateDraft(ctx, s.key, ops)
	}
	if err != nil {
		s.acc.Restore(s.key, batch)
		s.saveJournal(ctx)
		s.report(CommitResult{Key: s.key, Err: err})
		return 0, fmt.Errorf("update draft %s: %w", s.key, err)
	}

	s.clearJournal(ctx)
	s.report(CommitResult{Key: s.key, Operations: len(ops)})
	return len(ops), nil
}

// Close stops the debounce, flushes what is pending and rejects further
// observations. An in-flight commit completes first. Either way the draft's
// accumulated state is removed; a batch that could not be sent is kept with
// the tree it was observed on and reported by Unsent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	_, err := s.Flush(ctx)

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending := s.acc.Pending(s.key); !pending.Empty() {
		s.unsent = &PendingDraft{State: pending, Tree: blocks.CloneTree(s.tree)}
	}
	s.acc.Discard(s.key)
	return err
}

// Unsent returns the batch a failed Close could not send.
func (s *Session) Unsent() (PendingDraft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsent == nil {
		return PendingDraft{}, false
	}
	return *s.unsent, true
}

func (s *Session) saveJournal(ctx context.Context) {
	if s.opts.Journal == nil {
		return
	}
	s.mu.Lock()
	pending := PendingDraft{State: s.acc.Pending(s.key), Tree: blocks.CloneTree(s.tree)}
	s.mu.Unlock()
	if err := s.opts.Journal.Save(ctx, s.key, pending); err != nil {
		log.Printf("draft: journal save %s: %v", s.key, err)
	}
}

func (s *Session) clearJournal(ctx context.Context) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.Clear(ctx, s.key); err != nil {
		log.Printf("draft: journal clear %s: %v", s.key, err)
	}
}

func (s *Session) report(result CommitResult) {
	if s.opts.OnCommit != nil {
		s.opts.OnCommit(result)
	}
}
