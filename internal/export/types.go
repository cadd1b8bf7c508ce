// Package export renders published document versions as HTML or PDF.
package export

import (
	"errors"
	"time"

	"hyperdraft/api/internal/blocks"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat maps a query value to a Format; empty means HTML.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	DocumentID string
	Version    string // empty exports the published head
	Format     Format
}

// Publication is a document's content at one version.
type Publication struct {
	DocumentID string
	Version    string
	Title      string
	Author     string
	CreateTime time.Time
	Children   []blocks.BlockNode
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// ArchiveKey is the object key the export was archived under, if any.
	ArchiveKey string
}

var (
	// ErrContentUnavailable indicates document content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
