package app

import (
	"context"
	"strings"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/docmodel"
	"hyperdraft/api/internal/draft"
	"hyperdraft/api/internal/export"
	"hyperdraft/api/internal/search"
	"hyperdraft/api/internal/versions"
)

// SmartChanges returns the summarized history of a document, newest first.
// The summaries are pushed to the search index as a side effect.
func (s *Service) SmartChanges(ctx context.Context, documentID string) ([]versions.SmartChange, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	changes, err := s.engine.SmartChanges(ctx, documentID)
	if err != nil {
		return nil, err
	}

	records := make([]search.ChangeRecord, 0, len(changes))
	for _, change := range changes {
		if change.Unavailable {
			continue
		}
		records = append(records, search.ChangeRecord{
			ID:         change.ID,
			DocumentID: documentID,
			Author:     change.Author,
			Message:    change.Message,
			Summary:    strings.Join(change.Summary, "\n"),
		})
	}
	s.search.IndexChanges(records)
	return changes, nil
}

func (s *Service) Export(ctx context.Context, documentID, version, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{DocumentID: documentID, Version: version, Format: parsed})
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// versionSource feeds the diff engine from the git history.
type versionSource struct{ s *Service }

func (v versionSource) ListChanges(_ context.Context, documentID string) ([]versions.ChangeRecord, error) {
	return v.s.git.Changes(documentID)
}

func (v versionSource) PublicationAt(_ context.Context, documentID, version string) ([]blocks.BlockNode, error) {
	content, _, err := v.s.git.GetContentByVersion(documentID, version)
	if err != nil {
		return nil, err
	}
	return content.Children, nil
}

type exportSource struct{ s *Service }

func (e exportSource) PublicationAt(ctx context.Context, documentID, version string) (export.Publication, error) {
	pub, err := e.s.GetPublicationAtVersion(ctx, documentID, version)
	if err != nil {
		return export.Publication{}, err
	}
	return export.Publication{
		DocumentID: pub.DocumentID,
		Version:    pub.Version,
		Title:      pub.Title,
		Author:     pub.Author,
		CreateTime: pub.CreateTime,
		Children:   pub.Children,
	}, nil
}

// draftBackend lets editor sessions commit through UpdateDraft.
type draftBackend struct{ s *Service }

func (d draftBackend) GetDraft(ctx context.Context, key draft.DraftKey) ([]blocks.BlockNode, error) {
	return d.s.GetDraft(ctx, key.DocumentID, key.Author)
}

func (d draftBackend) UpdateDraft(ctx context.Context, key draft.DraftKey, ops []docmodel.Operation) error {
	_, err := d.s.UpdateDraft(ctx, key.DocumentID, key.Author, ops)
	return err
}

// OpenEditor attaches a live editor to the author's draft and returns the
// committed tree it starts from.
func (s *Service) OpenEditor(ctx context.Context, documentID, author string) (*draft.Session, []blocks.BlockNode, error) {
	if _, err := s.requireDocument(ctx, documentID); err != nil {
		return nil, nil, err
	}
	return s.drafts.Open(ctx, draft.DraftKey{DocumentID: documentID, Author: author})
}

// CloseEditor detaches an editor; the last one to leave flushes the draft.
func (s *Service) CloseEditor(ctx context.Context, session *draft.Session) error {
	return s.drafts.Release(ctx, session.Key())
}

func (s *Service) SearchBackend() string {
	return s.search.Backend()
}
