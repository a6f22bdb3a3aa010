package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"nexusdash/api/internal/labels"
	"nexusdash/api/internal/richtext"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"labelColor": labels.Color,
	// Content is sanitized on write; sanitizing again keeps the template
	// independent of where the report data came from.
	"richHTML": func(s string) template.HTML {
		return template.HTML(richtext.Sanitize(s))
	},
}).ParseFS(templateFS, "templates/*.html"))

type templateData struct {
	Report
	TaskCount int
}

func newTemplateData(r Report) templateData {
	data := templateData{Report: r}
	for _, col := range r.Columns {
		data.TaskCount += len(col.Tasks)
	}
	return data
}

// RenderReportHTML renders a full standalone HTML page.
func RenderReportHTML(r Report) (string, error) {
	return execute("report.html", newTemplateData(r))
}

// renderReportBody renders only the report content, without page chrome.
func renderReportBody(r Report) (string, error) {
	return execute("body", newTemplateData(r))
}

func execute(name string, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
