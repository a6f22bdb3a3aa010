// Package export renders project reports as HTML, Markdown or PDF.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "md"
	FormatPDF      Format = "pdf"
)

var (
	// ErrUnsupportedFormat is returned for unknown format names.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFUnavailable indicates no headless Chrome could be found or started.
	ErrPDFUnavailable = errors.New("pdf export unavailable")
)

// ParseFormat accepts html, md (or markdown) and pdf; empty means html.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "html":
		return FormatHTML, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, raw)
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Report is everything a project export shows.
type Report struct {
	ProjectName string
	Description string
	OwnerName   string
	GeneratedAt time.Time
	Columns     []Column
	Cards       []Card
}

type Column struct {
	Status string
	Tasks  []Task
}

type Task struct {
	Title       string
	Description string // sanitized HTML
	Labels      []string
	BlockedNote string
	DueDate     *time.Time
	CompletedAt *time.Time
	Attachments int
}

type Card struct {
	Title   string
	Content string // sanitized HTML
	Color   string
}
