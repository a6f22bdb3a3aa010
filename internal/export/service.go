package export

import (
	"context"
	"fmt"
	"time"

	"nexusdash/api/internal/richtext"
)

// PDFRenderer turns a standalone HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service renders project reports.
type Service struct {
	renderPDF PDFRenderer
	now       func() time.Time
}

// NewService creates an export service. A nil renderer uses headless Chrome.
func NewService(renderPDF PDFRenderer) *Service {
	if renderPDF == nil {
		renderPDF = ChromePDF
	}
	return &Service{renderPDF: renderPDF, now: time.Now}
}

// Export renders the report in the requested format.
func (s *Service) Export(ctx context.Context, report Report, format Format) (*Result, error) {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now().UTC()
	}
	base := sanitizeFilename(report.ProjectName)

	switch format {
	case FormatHTML:
		page, err := RenderReportHTML(report)
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		return &Result{Data: []byte(page), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil

	case FormatMarkdown:
		body, err := renderReportBody(report)
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		md, err := richtext.ToMarkdown(body)
		if err != nil {
			return nil, fmt.Errorf("convert report to markdown: %w", err)
		}
		return &Result{Data: []byte(md + "\n"), Filename: base + ".md", MimeType: "text/markdown; charset=utf-8"}, nil

	case FormatPDF:
		page, err := RenderReportHTML(report)
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		data, err := s.renderPDF(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	out := make([]rune, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		}
		if len(out) == 50 {
			break
		}
	}
	if len(out) == 0 {
		return "project"
	}
	return string(out)
}
