package pending

import (
	"context"
	"testing"
	"time"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/draft"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisJournal, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	journal, err := NewRedisJournal("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisJournal failed: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	return journal, s
}

func samplePending() draft.PendingDraft {
	return draft.PendingDraft{
		State: draft.DraftChangeState{
			Changed: draft.NewIDSet("a", "b"),
			Deleted: draft.NewIDSet("c"),
			Moves:   []draft.MoveRecord{{BlockID: "b", LeftSibling: "a"}},
		},
		Tree: []blocks.BlockNode{
			{Block: blocks.Block{ID: "a", Type: "paragraph", Text: "first"}},
			{Block: blocks.Block{ID: "b", Type: "paragraph", Text: "second"}},
		},
	}
}

func TestSaveAndLoadPendingDraft(t *testing.T) {
	journal, _ := setupTestRedis(t)
	ctx := context.Background()
	key := draft.DraftKey{DocumentID: "doc-1", Author: "avery"}

	if err := journal.Save(ctx, key, samplePending()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok, err := journal.Load(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%v err=%v", ok, err)
	}
	if ids := got.State.Changed.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected changed [a b] in order, got %v", ids)
	}
	if !got.State.Deleted.Has("c") {
		t.Errorf("expected deleted set to contain c")
	}
	if len(got.State.Moves) != 1 || got.State.Moves[0].LeftSibling != "a" {
		t.Errorf("unexpected moves %+v", got.State.Moves)
	}
	if len(got.Tree) != 2 || got.Tree[1].Block.Text != "second" {
		t.Errorf("unexpected tree %+v", got.Tree)
	}
}

func TestLoadMissingDraft(t *testing.T) {
	journal, _ := setupTestRedis(t)
	_, ok, err := journal.Load(context.Background(), draft.DraftKey{DocumentID: "doc-1", Author: "nobody"})
	if err != nil || ok {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestClearAndIsolation(t *testing.T) {
	journal, _ := setupTestRedis(t)
	ctx := context.Background()
	avery := draft.DraftKey{DocumentID: "doc-1", Author: "avery"}
	blake := draft.DraftKey{DocumentID: "doc-1", Author: "blake"}

	for _, key := range []draft.DraftKey{avery, blake} {
		if err := journal.Save(ctx, key, samplePending()); err != nil {
			t.Fatalf("Save %s failed: %v", key, err)
		}
	}
	if err := journal.Clear(ctx, avery); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok, _ := journal.Load(ctx, avery); ok {
		t.Errorf("expected avery's draft to be cleared")
	}
	if _, ok, _ := journal.Load(ctx, blake); !ok {
		t.Errorf("expected blake's draft to survive")
	}
	if err := journal.Clear(ctx, avery); err != nil {
		t.Errorf("clearing twice should not error: %v", err)
	}
}

func TestPendingDraftExpires(t *testing.T) {
	journal, s := setupTestRedis(t)
	ctx := context.Background()
	key := draft.DraftKey{DocumentID: "doc-1", Author: "avery"}

	if err := journal.Save(ctx, key, samplePending()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Hour)

	if _, ok, err := journal.Load(ctx, key); ok || err != nil {
		t.Fatalf("expected expired draft to be gone, got ok=%v err=%v", ok, err)
	}
}
