package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultChange   ResultType = "change"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	Author     string     `json:"author,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexChanges(changes []ChangeRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document: its title and the
// plain text of its current draft.
type DocumentRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ChangeRecord is the data we index for a change: its message plus the
// rendered change summary lines.
type ChangeRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Author     string `json:"author"`
	Message    string `json:"message"`
	Summary    string `json:"summary"`
}
