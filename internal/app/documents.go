package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/docmodel"
	"hyperdraft/api/internal/draft"
	"hyperdraft/api/internal/gitrepo"
	"hyperdraft/api/internal/search"
	"hyperdraft/api/internal/store"
	"hyperdraft/api/internal/util"
	"hyperdraft/api/internal/versions"
)

type DocumentView struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	PublishedVersion string    `json:"publishedVersion,omitempty"`
	UpdatedBy        string    `json:"updatedBy"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ChangeInfo is the outcome of a draft update. Committed is false when the
// operations left the draft unchanged.
type ChangeInfo struct {
	Change    versions.ChangeRecord `json:"change"`
	Committed bool                  `json:"committed"`
	Title     string                `json:"title"`
}

// Publication is a document at one version.
type Publication struct {
	DocumentID string             `json:"documentId"`
	ID         string             `json:"id"`
	Version    string             `json:"version"`
	Title      string             `json:"title"`
	Author     string             `json:"author"`
	CreateTime time.Time          `json:"createTime"`
	Children   []blocks.BlockNode `json:"children"`
}

func toDocumentView(doc store.Document) DocumentView {
	return DocumentView{
		ID:               doc.ID,
		Title:            doc.Title,
		PublishedVersion: doc.PublishedVersion,
		UpdatedBy:        doc.UpdatedBy,
		UpdatedAt:        doc.UpdatedAt,
	}
}

func (s *Service) ListDocuments(ctx context.Context) ([]DocumentView, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]DocumentView, 0, len(documents))
	for _, doc := range documents {
		items = append(items, toDocumentView(doc))
	}
	return items, nil
}

// CreateDocument starts a document whose first block is a heading holding
// the title. The initial content is the first change on main.
func (s *Service) CreateDocument(ctx context.Context, title, userName string) (DocumentView, error) {
	documentTitle := strings.TrimSpace(title)
	if documentTitle == "" {
		documentTitle = "Untitled Document"
	}
	documentID := "doc-" + util.NewID("")[:10]
	children := []blocks.BlockNode{stampedNode(util.NewID("blk")[:16], "heading", documentTitle)}
	return s.createDocument(ctx, documentID, children, userName)
}

func (s *Service) createDocument(ctx context.Context, documentID string, children []blocks.BlockNode, userName string) (DocumentView, error) {
	title := blocks.Title(children)
	body := plainText(children)
	if err := s.store.InsertDocument(ctx, store.Document{
		ID:        documentID,
		Title:     title,
		BodyText:  body,
		UpdatedBy: userName,
	}); err != nil {
		return DocumentView{}, err
	}
	if err := s.git.EnsureDocumentRepo(documentID, gitrepo.Content{Title: title, Children: children}, userName); err != nil {
		return DocumentView{}, err
	}
	_, head, err := s.git.GetHeadContent(documentID, gitrepo.MainBranch)
	if err != nil {
		return DocumentView{}, err
	}
	if err := s.store.SetPublishedVersion(ctx, documentID, head.Version, userName); err != nil {
		return DocumentView{}, err
	}
	s.search.IndexDocument(search.DocumentRecord{ID: documentID, Title: title, Body: body})

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return toDocumentView(doc), nil
}

// GetDraft returns the author's draft tree, branching it from main on first
// use.
func (s *Service) GetDraft(ctx context.Context, documentID, author string) ([]blocks.BlockNode, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	content, _, err := s.draftHead(documentID, author)
	if err != nil {
		return nil, err
	}
	return content.Children, nil
}

func (s *Service) draftHead(documentID, author string) (gitrepo.Content, versions.ChangeRecord, error) {
	branch := gitrepo.DraftBranch(author)
	if err := s.git.EnsureBranch(documentID, branch, gitrepo.MainBranch); err != nil {
		return gitrepo.Content{}, versions.ChangeRecord{}, err
	}
	return s.git.GetHeadContent(documentID, branch)
}

// UpdateDraft applies ops to the author's draft and commits the result as
// one change. Either every operation applies or nothing is committed.
func (s *Service) UpdateDraft(ctx context.Context, documentID, author string, ops []docmodel.Operation) (ChangeInfo, error) {
	if strings.TrimSpace(author) == "" {
		return ChangeInfo{}, domainError(http.StatusBadRequest, "INVALID_AUTHOR", "author is required", nil)
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return ChangeInfo{}, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return ChangeInfo{}, err
	}

	key := draft.DraftKey{DocumentID: documentID, Author: author}
	mu := s.draftLock(key)
	mu.Lock()
	defer mu.Unlock()

	content, head, err := s.draftHead(documentID, author)
	if err != nil {
		return ChangeInfo{}, err
	}
	doc, err := docmodel.FromTree(content.Title, content.Children)
	if err != nil {
		return ChangeInfo{}, fmt.Errorf("load draft %s: %w", key, err)
	}
	if err := doc.Apply(ops...); err != nil {
		return ChangeInfo{}, err
	}
	tree, err := doc.Tree()
	if err != nil {
		return ChangeInfo{}, err
	}

	next := gitrepo.Content{Title: doc.Title, Children: tree}
	change, err := s.git.CommitContent(documentID, gitrepo.DraftBranch(author), next, author, commitMessage(ops))
	if isNoChanges(err) {
		return ChangeInfo{Change: head, Committed: false, Title: content.Title}, nil
	}
	if err != nil {
		return ChangeInfo{}, err
	}

	body := plainText(tree)
	if err := s.store.UpdateDocumentState(ctx, documentID, next.Title, body, author); err != nil {
		return ChangeInfo{}, err
	}
	s.search.IndexDocument(search.DocumentRecord{ID: documentID, Title: next.Title, Body: body})
	return ChangeInfo{Change: change, Committed: true, Title: next.Title}, nil
}

func commitMessage(ops []docmodel.Operation) string {
	counts := map[docmodel.OpKind]int{}
	for _, op := range ops {
		kind, _ := op.Kind()
		counts[kind]++
	}
	var parts []string
	for _, kind := range []docmodel.OpKind{docmodel.KindReplaceBlock, docmodel.KindMoveBlock, docmodel.KindDeleteBlock, docmodel.KindSetTitle} {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
	}
	if len(parts) == 0 {
		return "Update draft"
	}
	return "Update draft: " + strings.Join(parts, ", ")
}

// Publish flushes the author's open editor session and merges the draft
// into main.
func (s *Service) Publish(ctx context.Context, documentID, author, message string) (versions.ChangeRecord, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return versions.ChangeRecord{}, err
	}
	key := draft.DraftKey{DocumentID: documentID, Author: author}
	if _, err := s.drafts.Flush(ctx, key); err != nil {
		return versions.ChangeRecord{}, err
	}

	mu := s.draftLock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := s.git.EnsureBranch(documentID, gitrepo.DraftBranch(author), gitrepo.MainBranch); err != nil {
		return versions.ChangeRecord{}, err
	}
	if strings.TrimSpace(message) == "" {
		message = "Publish draft of " + author
	}
	change, err := s.git.Publish(documentID, gitrepo.DraftBranch(author), author, message)
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	if err := s.store.SetPublishedVersion(ctx, documentID, change.Version, author); err != nil {
		return versions.ChangeRecord{}, err
	}
	return change, nil
}

func (s *Service) ListChanges(ctx context.Context, documentID string) ([]versions.ChangeRecord, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.git.Changes(documentID)
}

// History lists the changes reachable from one branch: main when author is
// empty, otherwise the author's draft.
func (s *Service) History(ctx context.Context, documentID, author string, limit int) ([]versions.ChangeRecord, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	branch := gitrepo.MainBranch
	if author != "" {
		branch = gitrepo.DraftBranch(author)
		if err := s.git.EnsureBranch(documentID, branch, gitrepo.MainBranch); err != nil {
			return nil, err
		}
	}
	return s.git.History(documentID, branch, limit)
}

// GetPublicationAtVersion returns the document at version; an empty version
// means the head of main.
func (s *Service) GetPublicationAtVersion(ctx context.Context, documentID, version string) (Publication, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return Publication{}, err
	}
	var (
		content gitrepo.Content
		record  versions.ChangeRecord
		err     error
	)
	if strings.TrimSpace(version) == "" {
		content, record, err = s.git.GetHeadContent(documentID, gitrepo.MainBranch)
	} else {
		content, record, err = s.git.GetContentByVersion(documentID, version)
	}
	if err != nil {
		return Publication{}, err
	}
	return Publication{
		DocumentID: documentID,
		ID:         record.ID,
		Version:    record.Version,
		Title:      content.Title,
		Author:     record.Author,
		CreateTime: record.CreateTime,
		Children:   content.Children,
	}, nil
}

func (s *Service) CommitFailures(ctx context.Context, documentID string, limit int) ([]store.CommitFailure, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListCommitFailures(ctx, documentID, limit)
}
