package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"nexusdash/api/internal/labels"
	"nexusdash/api/internal/richtext"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const (
	taskVector = "to_tsvector('simple', coalesce(t.title, '') || ' ' || coalesce(t.description, ''))"
	cardVector = "to_tsvector('simple', coalesce(c.title, '') || ' ' || coalesce(c.content, ''))"
	tsQuery    = "plainto_tsquery('simple', $1)"
)

// Search executes a UNION ALL query across tasks and context cards using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ProjectIDs) == 0 {
		return nil, 0, nil
	}

	limit := normalizeLimit(q.Limit)
	offset := max(q.Offset, 0)
	args := []any{q.Text, q.ProjectIDs}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultTask {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.project_id, t.title,
				ts_headline('simple', regexp_replace(coalesce(t.description, ''), '<[^>]+>', ' ', 'g'), %[1]s,
					'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
				t.status, ''::text AS color,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM tasks t
			WHERE t.project_id = ANY($2) AND %[2]s @@ %[1]s`, tsQuery, taskVector))
	}
	if q.FilterType == "" || q.FilterType == ResultCard {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'card'::text AS type, c.id, c.project_id, c.title,
				ts_headline('simple', regexp_replace(coalesce(c.content, ''), '<[^>]+>', ' ', 'g'), %[1]s,
					'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
				''::text AS status, c.color,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM context_cards c
			WHERE c.project_id = ANY($2) AND %[2]s @@ %[1]s`, tsQuery, cardVector))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, project_id, title, snippet, status, color
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.ProjectID, &r.Title, &r.Snippet, &r.Status, &r.Color); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, []CardRecord, error) {
	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, status, labels
		FROM tasks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var t TaskRecord
		var rawLabels string
		if err := taskRows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &rawLabels); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		t.Description = richtext.PlainText(t.Description)
		t.Labels = labels.Parse(rawLabels)
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	cardRows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, title, content, color
		FROM context_cards
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load cards: %w", err)
	}
	defer cardRows.Close()

	cards := make([]CardRecord, 0)
	for cardRows.Next() {
		var c CardRecord
		if err := cardRows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Content, &c.Color); err != nil {
			return nil, nil, fmt.Errorf("scan card: %w", err)
		}
		c.Content = richtext.PlainText(c.Content)
		cards = append(cards, c)
	}
	if err := cardRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate cards: %w", err)
	}

	return tasks, cards, nil
}
