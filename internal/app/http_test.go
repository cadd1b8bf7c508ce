package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"hyperdraft/api/internal/draft"
	"hyperdraft/api/internal/gitrepo"
	"hyperdraft/api/internal/versions"
)

func loginAs(t *testing.T, svc *Service, fs *fakeStore, name, role string) string {
	t.Helper()
	user := fs.addUser(name, role)
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return session.Token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs, nil)
	server := NewHTTPServer(svc, "*")
	token := loginAs(t, svc, fs, "Avery", "editor")

	rr := doJSON(t, server, http.MethodPost, "/api/documents", token, map[string]string{"title": "Runbook"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		Document DocumentView `json:"document"`
	}
	decodeResponse(t, rr, &created)
	documentID := created.Document.ID

	changes := `{"changes":[{"replaceBlock":{"id":"p1","type":"paragraph","text":"Step one"}},{"moveBlock":{"blockId":"p1","parent":"","leftSibling":""}}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+documentID+"/draft", strings.NewReader(changes))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("update draft: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var info ChangeInfo
	decodeResponse(t, rr, &info)
	if !info.Committed || len(info.Change.ID) != 12 {
		t.Fatalf("unexpected change info %+v", info)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+documentID+"/draft", token, nil)
	var draftPayload struct {
		Children []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"children"`
	}
	decodeResponse(t, rr, &draftPayload)
	if len(draftPayload.Children) != 2 || draftPayload.Children[0].Text != "Step one" {
		t.Fatalf("unexpected draft %+v", draftPayload)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/documents/"+documentID+"/publish", token, map[string]string{"message": "Ship"})
	if rr.Code != http.StatusOK {
		t.Fatalf("publish: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var published struct {
		Change versions.ChangeRecord `json:"change"`
	}
	decodeResponse(t, rr, &published)
	if published.Change.ID != info.Change.ID {
		t.Fatalf("expected fast-forward publish to %s, got %+v", info.Change.ID, published.Change)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+documentID+"/changes", token, nil)
	var listed struct {
		Changes []versions.ChangeRecord `json:"changes"`
	}
	decodeResponse(t, rr, &listed)
	if len(listed.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %+v", listed.Changes)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+documentID+"/changes/summary", token, nil)
	var summarized struct {
		Changes []versions.SmartChange `json:"changes"`
	}
	decodeResponse(t, rr, &summarized)
	if len(summarized.Changes) != 2 {
		t.Fatalf("expected 2 smart changes, got %+v", summarized.Changes)
	}
	var found bool
	for _, change := range summarized.Changes {
		if change.ID == info.Change.ID {
			found = true
			if len(change.Summary) != 1 || change.Summary[0] != "Added Block p1 Step one" {
				t.Fatalf("unexpected summary %v", change.Summary)
			}
		}
	}
	if !found {
		t.Fatalf("published change missing from summary")
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+documentID+"/versions/"+info.Change.Deps[0], token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("version: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var atVersion struct {
		Publication Publication `json:"publication"`
	}
	decodeResponse(t, rr, &atVersion)
	if len(atVersion.Publication.Children) != 1 {
		t.Fatalf("expected the initial version to have one block, got %+v", atVersion.Publication)
	}
}

func TestUpdateDraftRejectsMalformedOperation(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs, nil)
	server := NewHTTPServer(svc, "*")
	token := loginAs(t, svc, fs, "Avery", "editor")
	doc, err := svc.CreateDocument(context.Background(), "Runbook", "Avery")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	for _, body := range []string{
		`{"changes":[{"setTitle":"a","deleteBlock":"b"}]}`,
		`{"changes":[{"renameBlock":"b"}]}`,
		`{"changes":[{"moveBlock":{"parent":""}}]}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/documents/"+doc.ID+"/draft", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d body=%s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestViewerCannotEditOrPublish(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs, nil)
	server := NewHTTPServer(svc, "*")
	token := loginAs(t, svc, fs, "Casey", "viewer")
	doc, err := svc.CreateDocument(context.Background(), "Runbook", "Avery")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/documents", http.StatusOK},
		{http.MethodGet, "/api/documents/" + doc.ID, http.StatusOK},
		{http.MethodPost, "/api/documents", http.StatusForbidden},
		{http.MethodGet, "/api/documents/" + doc.ID + "/draft", http.StatusForbidden},
		{http.MethodPost, "/api/documents/" + doc.ID + "/publish", http.StatusForbidden},
		{http.MethodGet, "/api/documents/" + doc.ID + "/failures", http.StatusForbidden},
	}
	for _, tc := range cases {
		rr := doJSON(t, server, tc.method, tc.path, token, nil)
		if rr.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d body=%s", tc.method, tc.path, tc.want, rr.Code, rr.Body.String())
		}
	}
}

func TestUnknownDocumentAndVersionReturnNotFound(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs, nil)
	server := NewHTTPServer(svc, "*")
	token := loginAs(t, svc, fs, "Avery", "editor")
	doc, err := svc.CreateDocument(context.Background(), "Runbook", "Avery")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	rr := doJSON(t, server, http.MethodGet, "/api/documents/doc-nope/changes", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", rr.Code)
	}
	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+doc.ID+"/versions/ffffffffffff", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown version, got %d", rr.Code)
	}
	var payload map[string]any
	decodeResponse(t, rr, &payload)
	if payload["code"] != "VERSION_NOT_FOUND" {
		t.Fatalf("unexpected code %v", payload["code"])
	}
}

type fakeArchive struct {
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeArchive) Put(_ context.Context, key string, _ []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]string)
	}
	f.keys[key] = contentType
	return nil
}

func TestExportPublishedHTMLIsArchived(t *testing.T) {
	fs := newFakeStore()
	archive := &fakeArchive{}
	svc := newService(testConfig(), fs, &fakeGit{Service: gitrepo.New(t.TempDir())}, Dependencies{Archive: archive}, &draft.ManualScheduler{})
	server := NewHTTPServer(svc, "*")
	token := loginAs(t, svc, fs, "Avery", "editor")
	doc, err := svc.CreateDocument(context.Background(), "Release <Notes>", "Avery")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	rr := doJSON(t, server, http.MethodGet, "/api/documents/"+doc.ID+"/export?format=html", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, ".html") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if !strings.Contains(rr.Body.String(), "Release &lt;Notes&gt;") {
		t.Fatalf("expected escaped title in export, got %s", rr.Body.String())
	}
	wantKey := doc.ID + "/" + doc.PublishedVersion + ".html"
	if rr.Header().Get("X-Archive-Key") != wantKey || archive.keys[wantKey] == "" {
		t.Fatalf("expected export archived under %s, got %v", wantKey, archive.keys)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+doc.ID+"/export?format=docx", token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d", rr.Code)
	}
}

func TestSearchWithoutBackendReturnsEmptyResults(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs, nil)
	server := NewHTTPServer(svc, "*")
	token := loginAs(t, svc, fs, "Avery", "editor")

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=plan", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	decodeResponse(t, rr, &payload)
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 0 || payload["query"] != "plan" {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/search?q=plan&limit=ten", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a bad limit, got %d", rr.Code)
	}
}
