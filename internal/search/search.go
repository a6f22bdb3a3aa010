package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask ResultType = "task"
	ResultCard ResultType = "card"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	Status    string     `json:"status,omitempty"`
	Color     string     `json:"color,omitempty"`
}

// Query describes a search request. ProjectIDs bounds the search; an empty
// list matches nothing.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ProjectIDs []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexTasks(ctx context.Context, tasks []TaskRecord) error
	IndexCards(ctx context.Context, cards []CardRecord) error
	DeleteTasks(ctx context.Context, ids []string) error
	DeleteCards(ctx context.Context, ids []string) error
}

// Index is a searchable store that can also be written to.
type Index interface {
	Searcher
	Indexer
}

// TaskRecord is the data we index for a task. Description is plain text.
type TaskRecord struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"projectId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Labels      []string `json:"labels"`
}

// CardRecord is the data we index for a context card. Content is plain text.
type CardRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Color     string `json:"color"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
