package draft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/docmodel"
)

type fakeBackend struct {
	mu         sync.Mutex
	calls      [][]docmodel.Operation
	updateFn   func(ctx context.Context, key DraftKey, ops []docmodel.Operation) error
	getDraftFn func(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error)
}

func (f *fakeBackend) UpdateDraft(ctx context.Context, key DraftKey, ops []docmodel.Operation) error {
	f.mu.Lock()
	f.calls = append(f.calls, ops)
	f.mu.Unlock()
	if f.updateFn != nil {
		return f.updateFn(ctx, key, ops)
	}
	return nil
}

func (f *fakeBackend) GetDraft(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error) {
	if f.getDraftFn != nil {
		return f.getDraftFn(ctx, key)
	}
	return nil, nil
}

func (f *fakeBackend) Calls() [][]docmodel.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]docmodel.Operation(nil), f.calls...)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries map[DraftKey]PendingDraft
	saves   int
	clears  int
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{entries: make(map[DraftKey]PendingDraft)}
}

func (j *fakeJournal) Save(_ context.Context, key DraftKey, pending PendingDraft) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saves++
	j.entries[key] = pending
	return nil
}

func (j *fakeJournal) Load(_ context.Context, key DraftKey) (PendingDraft, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pending, ok := j.entries[key]
	return pending, ok, nil
}

func (j *fakeJournal) Clear(_ context.Context, key DraftKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.clears++
	delete(j.entries, key)
	return nil
}

var testKey = DraftKey{DocumentID: "doc-1", Author: "alice"}

func newTestSession(t *testing.T, committed []blocks.BlockNode, backend *fakeBackend, opts SessionOptions) (*Session, *ManualScheduler) {
	t.Helper()
	sched := &ManualScheduler{}
	opts.Scheduler = sched
	s, err := NewSession(testKey, committed, backend, NewAccumulator(), opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s, sched
}

func TestSessionDebounceCoalescesBursts(t *testing.T) {
	backend := &fakeBackend{}
	s, sched := newTestSession(t, []blocks.BlockNode{para("p", "H")}, backend, SessionOptions{})

	for _, text := range []string{"He", "Hel", "Hello"} {
		if _, err := s.Observe([]blocks.BlockNode{para("p", text)}); err != nil {
			t.Fatalf("observe: %v", err)
		}
		sched.Advance(200 * time.Millisecond)
	}
	if got := len(backend.Calls()); got != 0 {
		t.Fatalf("expected no commit inside the window, got %d", got)
	}
	if fired := sched.Advance(300 * time.Millisecond); fired != 1 {
		t.Fatalf("expected one debounce to fire, got %d", fired)
	}
	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one commit, got %d", len(calls))
	}
	if !sameStrings(opKinds(t, calls[0]), []string{"setTitle", "replaceBlock"}) {
		t.Fatalf("unexpected operations %v", calls[0])
	}
	if calls[0][1].ReplaceBlock.Text != "Hello" {
		t.Fatalf("expected latest text, got %q", calls[0][1].ReplaceBlock.Text)
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected no timers left, got %d", sched.Pending())
	}
}

func TestSessionIgnoresNoOpObservations(t *testing.T) {
	backend := &fakeBackend{}
	tree := []blocks.BlockNode{para("p", "same")}
	s, sched := newTestSession(t, tree, backend, SessionOptions{})

	obs, err := s.Observe(blocks.CloneTree(tree))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !obs.Empty() || sched.Pending() != 0 {
		t.Fatalf("expected no pending flush for an unchanged tree")
	}
	if n, err := s.Flush(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected empty flush, got %d %v", n, err)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestSessionQueuesBehindInFlightCommit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	inFlight, maxInFlight, seen := 0, 0, 0

	backend := &fakeBackend{}
	backend.updateFn = func(ctx context.Context, key DraftKey, ops []docmodel.Operation) error {
		mu.Lock()
		inFlight++
		seen++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		first := seen == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	s, _ := newTestSession(t, []blocks.BlockNode{para("a", "A"), para("b", "B")}, backend, SessionOptions{})

	if _, err := s.Observe([]blocks.BlockNode{para("a", "A1"), para("b", "B")}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Flush(context.Background())
		errs <- err
	}()
	<-started

	if _, err := s.Observe([]blocks.BlockNode{para("a", "A1"), para("b", "B1")}); err != nil {
		t.Fatalf("observe during commit: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Flush(context.Background())
		errs <- err
	}()

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	if maxInFlight != 1 {
		t.Fatalf("expected commits to be serialized, saw %d at once", maxInFlight)
	}
	calls := backend.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected two commits, got %d", len(calls))
	}
	if calls[0][1].ReplaceBlock.ID != "a" || len(calls[0]) != 2 {
		t.Fatalf("unexpected first batch %v", calls[0])
	}
	if calls[1][1].ReplaceBlock.ID != "b" || len(calls[1]) != 2 {
		t.Fatalf("unexpected second batch %v", calls[1])
	}
}

func TestSessionRestoresFailedBatchAheadOfNewEdits(t *testing.T) {
	committed := []blocks.BlockNode{para("a", "A"), para("b", "B")}
	fail := true
	backend := &fakeBackend{}
	backend.updateFn = func(ctx context.Context, key DraftKey, ops []docmodel.Operation) error {
		if fail {
			return errors.New("backend unavailable")
		}
		return nil
	}
	journal := newFakeJournal()
	var results []CommitResult
	s, _ := newTestSession(t, committed, backend, SessionOptions{
		Journal:  journal,
		OnCommit: func(r CommitResult) { results = append(results, r) },
	})

	if _, err := s.Observe([]blocks.BlockNode{para("b", "B"), para("a", "A")}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := s.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush to fail")
	}
	pending, ok, _ := journal.Load(context.Background(), testKey)
	if !ok || !sameStrings(moveIDs(pending.State.Moves), []string{"b", "a"}) {
		t.Fatalf("expected failed batch in journal, got %+v", pending)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected failure to be reported, got %+v", results)
	}

	final := []blocks.BlockNode{para("b", "B"), para("a", "A"), para("c", "C")}
	if _, err := s.Observe(final); err != nil {
		t.Fatalf("observe: %v", err)
	}
	fail = false
	n, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 operations, got %d", n)
	}

	calls := backend.Calls()
	last := calls[len(calls)-1]
	if !sameStrings(opKinds(t, last), []string{"setTitle", "moveBlock", "moveBlock", "moveBlock", "replaceBlock"}) {
		t.Fatalf("unexpected operations %v", last)
	}
	doc, err := docmodel.FromTree(blocks.Title(committed), committed)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := doc.Apply(last...); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := doc.Tree()
	if !sameStrings(shape(t, got), shape(t, final)) {
		t.Fatalf("expected %v, got %v", shape(t, final), shape(t, got))
	}
	if _, ok, _ := journal.Load(context.Background(), testKey); ok {
		t.Fatalf("expected journal to be cleared after success")
	}
}

func TestSessionCloseFlushesAndRejectsEdits(t *testing.T) {
	backend := &fakeBackend{}
	s, sched := newTestSession(t, []blocks.BlockNode{para("p", "draft")}, backend, SessionOptions{})

	if _, err := s.Observe([]blocks.BlockNode{para("p", "draft"), para("q", "more")}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(backend.Calls()) != 1 {
		t.Fatalf("expected close to flush once, got %d", len(backend.Calls()))
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected debounce to be cancelled")
	}
	if _, err := s.Observe([]blocks.BlockNode{para("p", "late")}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(backend.Calls()) != 1 {
		t.Fatalf("expected no further commits")
	}
}

func TestManagerSharesSessionsAndFlushesOnLastRelease(t *testing.T) {
	backend := &fakeBackend{
		getDraftFn: func(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error) {
			return []blocks.BlockNode{para("p", "start")}, nil
		},
	}
	m := NewManager(backend, SessionOptions{Scheduler: &ManualScheduler{}})
	ctx := context.Background()

	first, tree, err := m.Open(ctx, testKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(tree) != 1 || tree[0].Block.Text != "start" {
		t.Fatalf("unexpected tree %+v", tree)
	}
	second, _, err := m.Open(ctx, testKey)
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if first != second {
		t.Fatalf("expected a shared session")
	}

	if _, err := first.Observe([]blocks.BlockNode{para("p", "edited")}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !m.Pending(testKey).Changed.Has("p") {
		t.Fatalf("expected p pending")
	}
	if err := m.Release(ctx, testKey); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("expected session to stay open while referenced")
	}
	if err := m.Release(ctx, testKey); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(backend.Calls()) != 1 {
		t.Fatalf("expected last release to flush, got %d commits", len(backend.Calls()))
	}
	if !m.Pending(testKey).Empty() {
		t.Fatalf("expected state to be discarded")
	}
}

func TestManagerResumesJournaledDraft(t *testing.T) {
	backend := &fakeBackend{
		getDraftFn: func(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error) {
			return []blocks.BlockNode{para("a", "A")}, nil
		},
	}
	journal := newFakeJournal()
	journal.entries[testKey] = PendingDraft{
		State: DraftChangeState{
			Changed: NewIDSet("b"),
			Moves:   []MoveRecord{{BlockID: "b", LeftSibling: "a"}},
		},
		Tree: []blocks.BlockNode{para("a", "A"), para("b", "unsent")},
	}
	sched := &ManualScheduler{}
	m := NewManager(backend, SessionOptions{Scheduler: sched, Journal: journal})

	_, tree, err := m.Open(context.Background(), testKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(tree) != 2 || tree[1].Block.Text != "unsent" {
		t.Fatalf("expected the journaled tree, got %+v", tree)
	}
	if sched.Pending() != 1 {
		t.Fatalf("expected resumed batch to be scheduled")
	}
	sched.Advance(DefaultDebounce)

	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected resumed batch to be sent, got %d commits", len(calls))
	}
	if !sameStrings(opKinds(t, calls[0]), []string{"setTitle", "moveBlock", "replaceBlock"}) {
		t.Fatalf("unexpected operations %v", calls[0])
	}
	if _, ok := journal.entries[testKey]; ok {
		t.Fatalf("expected journal entry to be cleared")
	}
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}
}

func TestManagerReopensOnBatchLeftByFailedClose(t *testing.T) {
	backendTree := []blocks.BlockNode{para("a", "A")}
	fail := true
	backend := &fakeBackend{
		getDraftFn: func(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error) {
			return blocks.CloneTree(backendTree), nil
		},
	}
	backend.updateFn = func(ctx context.Context, key DraftKey, ops []docmodel.Operation) error {
		if fail {
			return errors.New("backend unavailable")
		}
		return nil
	}
	sched := &ManualScheduler{}
	m := NewManager(backend, SessionOptions{Scheduler: sched})
	ctx := context.Background()

	session, _, err := m.Open(ctx, testKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := session.Observe([]blocks.BlockNode{para("a", "A"), para("x", "X"), para("y", "Y")}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := m.Release(ctx, testKey); err == nil {
		t.Fatalf("expected the closing flush to fail")
	}
	if !m.Pending(testKey).Empty() {
		t.Fatalf("expected no state left in the accumulator, got %+v", m.Pending(testKey))
	}
	if _, ok := m.Unsent(testKey); !ok {
		t.Fatalf("expected the failed batch to be kept")
	}

	fail = false
	reopened, tree, err := m.Open(ctx, testKey)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !sameStrings(shape(t, tree), []string{">a:A", ">x:X", ">y:Y"}) {
		t.Fatalf("expected the unsent tree, got %v", shape(t, tree))
	}
	if _, ok := m.Unsent(testKey); ok {
		t.Fatalf("expected the kept batch to be resumed")
	}

	final := []blocks.BlockNode{para("a", "A edited"), para("x", "X"), para("y", "Y")}
	if _, err := reopened.Observe(final); err != nil {
		t.Fatalf("observe: %v", err)
	}
	sched.Advance(DefaultDebounce)

	calls := backend.Calls()
	last := calls[len(calls)-1]
	present := make(map[string]bool)
	for _, node := range tree {
		present[node.Block.ID] = true
	}
	for _, op := range last {
		if op.MoveBlock != nil && !present[op.MoveBlock.BlockID] {
			t.Fatalf("moveBlock for %s which the editor never had", op.MoveBlock.BlockID)
		}
	}
	doc, err := docmodel.FromTree(blocks.Title(backendTree), backendTree)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := doc.Apply(last...); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := doc.Tree()
	if !sameStrings(shape(t, got), shape(t, final)) {
		t.Fatalf("expected backend %v, got %v", shape(t, final), shape(t, got))
	}
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("close all: %v", err)
	}
}

func TestManagerOpenDiscardsStaleState(t *testing.T) {
	backend := &fakeBackend{
		getDraftFn: func(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error) {
			return []blocks.BlockNode{para("a", "A")}, nil
		},
	}
	sched := &ManualScheduler{}
	m := NewManager(backend, SessionOptions{Scheduler: sched})
	m.acc.Accumulate(testKey, Observation{
		Changed: []string{"ghost"},
		Moves:   []MoveRecord{{BlockID: "ghost", LeftSibling: "a"}},
	})

	session, _, err := m.Open(context.Background(), testKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !m.Pending(testKey).Empty() {
		t.Fatalf("expected leftover state to be dropped, got %+v", m.Pending(testKey))
	}
	if _, err := session.Observe([]blocks.BlockNode{para("a", "A2")}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	sched.Advance(DefaultDebounce)
	calls := backend.Calls()
	if len(calls) != 1 || !sameStrings(opKinds(t, calls[0]), []string{"setTitle", "replaceBlock"}) {
		t.Fatalf("unexpected commits %v", calls)
	}
}

func TestManagerOpenDoesNotBlockOtherDrafts(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	backend := &fakeBackend{
		getDraftFn: func(ctx context.Context, key DraftKey) ([]blocks.BlockNode, error) {
			if key.DocumentID == "slow" {
				close(started)
				<-unblock
			}
			return []blocks.BlockNode{para("a", "A")}, nil
		},
	}
	m := NewManager(backend, SessionOptions{Scheduler: &ManualScheduler{}})
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, _, err := m.Open(ctx, DraftKey{DocumentID: "slow", Author: "alice"})
		slowDone <- err
	}()
	<-started

	fastDone := make(chan error, 1)
	go func() {
		_, _, err := m.Open(ctx, testKey)
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("open: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("open of another draft waited on a slow load")
	}

	close(unblock)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow open: %v", err)
	}
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("close all: %v", err)
	}
}

func TestSessionFlushAfterCloseLeavesNoState(t *testing.T) {
	acc := NewAccumulator()
	s, err := NewSession(testKey, []blocks.BlockNode{para("a", "A")}, &fakeBackend{}, acc, SessionOptions{Scheduler: &ManualScheduler{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.Observe([]blocks.BlockNode{para("a", "A2")}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A debounce that was already waiting on the commit runs after Close.
	if n, err := s.Flush(context.Background()); err != nil || n != 0 {
		t.Fatalf("late flush = %d, %v", n, err)
	}
	if acc.Has(testKey) {
		t.Fatalf("expected no accumulator entry after close")
	}
}
