package search

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"nexusdash/api/internal/logging"
)

const indexTimeout = 10 * time.Second

var ErrIndexUnavailable = errors.New("search index unavailable")

// Service is the facade that tries the primary index first and falls back
// to PG FTS. primary may be nil when Meilisearch is not configured.
type Service struct {
	primary  Index
	fallback Searcher
	loader   RecordLoader
	log      *zap.Logger
}

// RecordLoader reads every searchable entity for a full rebuild.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]TaskRecord, []CardRecord, error)
}

func NewService(primary Index, fallback Searcher, loader RecordLoader, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, loader: loader, log: log.Named("search")}
}

func (s *Service) primaryReady() bool {
	return s != nil && s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
// Failures degrade to an empty result set.
func (s *Service) Search(ctx context.Context, q Query) Response {
	empty := Response{Results: []Result{}, Query: q.Text}
	if len(q.ProjectIDs) == 0 {
		return empty
	}
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("primary search failed, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return empty
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", zap.Error(err))
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask indexes a task in the background.
func (s *Service) IndexTask(ctx context.Context, t TaskRecord) {
	s.async(ctx, "index task", t.ID, func(ctx context.Context) error {
		return s.primary.IndexTasks(ctx, []TaskRecord{t})
	})
}

// IndexCard indexes a context card in the background.
func (s *Service) IndexCard(ctx context.Context, c CardRecord) {
	s.async(ctx, "index card", c.ID, func(ctx context.Context) error {
		return s.primary.IndexCards(ctx, []CardRecord{c})
	})
}

func (s *Service) DeleteTask(ctx context.Context, id string) {
	s.async(ctx, "delete task", id, func(ctx context.Context) error {
		return s.primary.DeleteTasks(ctx, []string{id})
	})
}

func (s *Service) DeleteCard(ctx context.Context, id string) {
	s.async(ctx, "delete card", id, func(ctx context.Context) error {
		return s.primary.DeleteCards(ctx, []string{id})
	})
}

// DeleteProject removes every indexed entity of a deleted project.
func (s *Service) DeleteProject(ctx context.Context, projectID string, taskIDs, cardIDs []string) {
	s.async(ctx, "delete project", projectID, func(ctx context.Context) error {
		return errors.Join(
			s.primary.DeleteTasks(ctx, taskIDs),
			s.primary.DeleteCards(ctx, cardIDs),
		)
	})
}

// async runs fn after the caller returns. The request id of parent is kept
// on the failure log line; its cancellation is not.
func (s *Service) async(parent context.Context, op, id string, fn func(ctx context.Context) error) {
	if !s.primaryReady() {
		return
	}
	requestID := logging.RequestID(parent)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), indexTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn(op+" failed", zap.String("id", id), zap.String("request_id", requestID), zap.Error(err))
		}
	}()
}

// Reindex rebuilds the primary index from PostgreSQL and reports how many
// tasks and cards were pushed.
func (s *Service) Reindex(ctx context.Context) (int, int, error) {
	if !s.primaryReady() || s.loader == nil {
		return 0, 0, ErrIndexUnavailable
	}
	tasks, cards, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err := s.primary.IndexTasks(ctx, tasks); err != nil {
		return 0, 0, err
	}
	if err := s.primary.IndexCards(ctx, cards); err != nil {
		return len(tasks), 0, err
	}
	return len(tasks), len(cards), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
