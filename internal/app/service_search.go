package app

import (
	"context"
	"slices"
	"strings"

	"nexusdash/api/internal/search"
)

const maxSearchQueryLength = 200

type SearchRequest struct {
	Text      string
	Type      string
	ProjectID string
	Limit     int
	Offset    int
}

// Search runs a full-text query over the projects the caller can read.
func (s *Service) Search(ctx context.Context, session Session, req SearchRequest) (search.Response, error) {
	text := strings.TrimSpace(req.Text)
	if len([]rune(text)) > maxSearchQueryLength {
		return search.Response{}, validationField("q", "query must be at most 200 characters")
	}
	var filter search.ResultType
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "", "all":
	case "task", "tasks":
		filter = search.ResultTask
	case "card", "cards":
		filter = search.ResultCard
	default:
		return search.Response{}, validationField("type", "type must be task or card")
	}
	if req.Limit < 0 || req.Offset < 0 {
		return search.Response{}, validationError("limit and offset must not be negative")
	}

	projectIDs, err := s.store.AccessibleProjectIDs(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	if req.ProjectID != "" {
		if !slices.Contains(projectIDs, req.ProjectID) {
			return search.Response{}, errProjectNotFound
		}
		projectIDs = []string{req.ProjectID}
	}

	empty := search.Response{Results: []search.Result{}, Query: text}
	if text == "" || len(projectIDs) == 0 || s.search == nil {
		return empty, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:       text,
		FilterType: filter,
		ProjectIDs: projectIDs,
		Limit:      req.Limit,
		Offset:     req.Offset,
	}), nil
}
