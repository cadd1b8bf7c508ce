package search

import (
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func TestBuildQueriesHonoursTypeAndDocumentFilters(t *testing.T) {
	all := buildQueries(Query{Text: "roadmap"})
	if len(all) != 2 || all[0].IndexUID != idxDocuments || all[1].IndexUID != idxChanges {
		t.Fatalf("expected both indexes, got %+v", all)
	}
	if all[0].Limit != 20 {
		t.Fatalf("expected default limit 20, got %d", all[0].Limit)
	}

	changes := buildQueries(Query{Text: "roadmap", FilterType: ResultChange, FilterDocumentID: "doc-1", Limit: 5})
	if len(changes) != 1 || changes[0].IndexUID != idxChanges {
		t.Fatalf("expected change index only, got %+v", changes)
	}
	if changes[0].Filter != `documentId = "doc-1"` || changes[0].Limit != 5 {
		t.Fatalf("unexpected change query %+v", changes[0])
	}
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return b
	}
	hit := meili.Hit{
		"id":         raw("doc-1-abc123def456"),
		"documentId": raw("doc-1"),
		"author":     raw("Avery"),
		"message":    raw("Edit roadmap"),
		"summary":    raw("Edited: roadmap"),
		"_formatted": raw(map[string]string{"summary": "Edited: <mark>roadmap</mark>"}),
	}
	got := hitToResult(hit, ResultChange)
	if got.ID != "abc123def456" || got.DocumentID != "doc-1" || got.Author != "Avery" {
		t.Fatalf("unexpected identity %+v", got)
	}
	if got.Title != "Edit roadmap" || got.Snippet != "Edited: <mark>roadmap</mark>" {
		t.Fatalf("unexpected text %+v", got)
	}

	doc := hitToResult(meili.Hit{"id": raw("doc-2"), "title": raw("Plan")}, ResultDocument)
	if doc.DocumentID != "doc-2" || doc.Title != "Plan" {
		t.Fatalf("unexpected document hit %+v", doc)
	}
}

func TestServiceWithoutBackendsReturnsEmptyResults(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(Query{Text: "anything"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "anything" {
		t.Fatalf("unexpected response %+v", resp)
	}
	svc.IndexDocument(DocumentRecord{ID: "doc-1"})
	svc.IndexChanges([]ChangeRecord{{ID: "c1", DocumentID: "doc-1"}})
}

func TestPgFTSSkipsBlankAndChangeQueries(t *testing.T) {
	p := NewPgFTS(nil)
	for _, q := range []Query{{Text: "  "}, {Text: "roadmap", FilterType: ResultChange}} {
		results, total, err := p.Search(q)
		if err != nil || total != 0 || results != nil {
			t.Fatalf("%+v: expected no query, got %v %d %v", q, results, total, err)
		}
	}
	where, args := buildDocumentWhere(Query{Text: "roadmap", FilterDocumentID: "doc-1"})
	if where != "d.fts @@ plainto_tsquery('english', $1) AND d.id = $2" || len(args) != 2 {
		t.Fatalf("unexpected where clause %q %v", where, args)
	}
}
