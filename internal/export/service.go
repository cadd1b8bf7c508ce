package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"time"
)

// ContentSource loads a publication. An empty version means the published
// head.
type ContentSource interface {
	PublicationAt(ctx context.Context, documentID, version string) (Publication, error)
}

// Service provides document export functionality
type Service struct {
	source     ContentSource
	archive    Archiver
	pdfTimeout time.Duration
	renderPDF  func(ctx context.Context, html string, timeout time.Duration) ([]byte, error)
}

// NewService creates a new export service. archive may be nil.
func NewService(source ContentSource, archive Archiver) *Service {
	return &Service{
		source:     source,
		archive:    archive,
		pdfTimeout: 30 * time.Second,
		renderPDF:  renderPDF,
	}
}

// Export renders the requested publication. Successful exports are archived
// under <document>/<version>.<format> when an archive is configured; archive
// failures are logged and do not fail the export.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatHTML
	}
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	pub, err := s.source.PublicationAt(ctx, req.DocumentID, req.Version)
	if err != nil {
		return nil, err
	}
	if pub.Version == "" {
		return nil, fmt.Errorf("%w: %s has no published version", ErrContentUnavailable, req.DocumentID)
	}

	html, err := RenderDocumentHTML(TemplateData{
		Title:       pub.Title,
		Version:     pub.Version,
		Author:      pub.Author,
		PublishedAt: pub.CreateTime,
		ContentHTML: template.HTML(BlocksToHTML(pub.Children)),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	result := &Result{Filename: sanitizeFilename(pub.Title)}
	switch req.Format {
	case FormatPDF:
		data, err := s.renderPDF(ctx, html, s.pdfTimeout)
		if err != nil {
			return nil, err
		}
		result.Data = data
		result.Filename += ".pdf"
		result.MimeType = "application/pdf"
	default:
		result.Data = []byte(html)
		result.Filename += ".html"
		result.MimeType = "text/html; charset=utf-8"
	}

	if s.archive != nil {
		key := fmt.Sprintf("%s/%s.%s", req.DocumentID, pub.Version, req.Format)
		if err := s.archive.Put(ctx, key, result.Data, result.MimeType); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Printf("export: %v", err)
		} else {
			result.ArchiveKey = key
		}
	}
	return result, nil
}
