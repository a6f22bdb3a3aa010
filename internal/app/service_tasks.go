package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"nexusdash/api/internal/labels"
	"nexusdash/api/internal/rbac"
	"nexusdash/api/internal/richtext"
	"nexusdash/api/internal/search"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

const (
	StatusBacklog    = "Backlog"
	StatusInProgress = "In Progress"
	StatusBlocked    = "Blocked"
	StatusDone       = "Done"

	maxTaskTitleLength   = 200
	maxBlockedNoteLength = 500
	maxRichTextBytes     = 100 * 1024
)

// taskStatuses is the fixed board column order.
var taskStatuses = []string{StatusBacklog, StatusInProgress, StatusBlocked, StatusDone}

// NormalizeStatus maps loose spellings ("in_progress", "In progress",
// "inprogress") onto a board status.
func NormalizeStatus(raw string) (string, bool) {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(raw)))
	switch key {
	case "backlog":
		return StatusBacklog, true
	case "inprogress":
		return StatusInProgress, true
	case "blocked":
		return StatusBlocked, true
	case "done":
		return StatusDone, true
	}
	return "", false
}

// TaskInput is a create or partial update. Nil fields are left unchanged;
// an empty DueDate clears it.
type TaskInput struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Status      *string   `json:"status"`
	Labels      *[]string `json:"labels"`
	BlockedNote *string   `json:"blockedNote"`
	DueDate     *string   `json:"dueDate"`
}

func (s *Service) ListTasks(ctx context.Context, session Session, projectID string, includeArchived bool) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.board(ctx, projectID, includeArchived)
}

func (s *Service) board(ctx context.Context, projectID string, includeArchived bool) (map[string]any, error) {
	tasks, err := s.store.ListTasks(ctx, projectID, includeArchived)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountAttachments(ctx, projectID, "task")
	if err != nil {
		return nil, err
	}
	return boardPayload(tasks, counts), nil
}

func boardPayload(tasks []store.Task, attachmentCounts map[string]int) map[string]any {
	sorted := append([]store.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	grouped := make(map[string][]map[string]any, len(taskStatuses))
	for _, task := range sorted {
		grouped[task.Status] = append(grouped[task.Status], taskPayload(task, attachmentCounts[task.ID]))
	}
	columns := make([]map[string]any, 0, len(taskStatuses))
	for _, status := range taskStatuses {
		items := grouped[status]
		if items == nil {
			items = []map[string]any{}
		}
		columns = append(columns, map[string]any{"status": status, "tasks": items})
	}
	return map[string]any{"columns": columns, "total": len(tasks)}
}

func (s *Service) GetTask(ctx context.Context, session Session, projectID, taskID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, projectID, "task", taskID)
	if err != nil {
		return nil, err
	}
	return taskPayload(task, len(attachments)), nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input TaskInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	now := s.clock()
	task := store.Task{
		ID:        util.NewID("tsk"),
		ProjectID: projectID,
		Status:    StatusBacklog,
		Labels:    []string{},
		CreatedBy: session.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.Title == nil {
		return nil, validationField("title", "title is required")
	}
	if err := applyTaskInput(&task, input, now); err != nil {
		return nil, err
	}
	position, err := s.store.InsertTask(ctx, task)
	if err != nil {
		return nil, err
	}
	task.Position = position
	s.touchProject(ctx, projectID)
	s.indexTask(ctx, task)
	return taskPayload(task, 0), nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, projectID, taskID string, input TaskInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	previousStatus := task.Status
	if err := applyTaskInput(&task, input, s.clock()); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateTask(ctx, task, task.Status != previousStatus)
	if err != nil {
		return nil, err
	}
	s.touchProject(ctx, projectID)
	s.indexTask(ctx, updated)
	return taskPayload(updated, s.attachmentCount(ctx, projectID, "task", taskID)), nil
}

// applyTaskInput validates and applies input. Entering Done stamps
// completedAt. Leaving Done clears completedAt and archivedAt, since only
// done tasks stay archived. The blocked note only survives while the task
// is Blocked.
func applyTaskInput(task *store.Task, input TaskInput, now time.Time) error {
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return validationField("title", "title is required")
		}
		if utf8.RuneCountInString(title) > maxTaskTitleLength {
			return validationField("title", "title must be at most 200 characters")
		}
		task.Title = title
	}
	if input.Description != nil {
		description := richtext.Sanitize(*input.Description)
		if richtext.IsBlank(description) {
			description = ""
		}
		if len(description) > maxRichTextBytes {
			return validationField("description", "description is too large")
		}
		task.Description = description
	}
	if input.Status != nil {
		status, ok := NormalizeStatus(*input.Status)
		if !ok {
			return domainError(http.StatusUnprocessableEntity, "INVALID_STATUS", "status must be one of Backlog, In Progress, Blocked, Done", map[string]string{"field": "status"})
		}
		task.Status = status
	}
	if input.Labels != nil {
		task.Labels = labels.Normalize(*input.Labels)
	}
	if input.BlockedNote != nil {
		note := strings.TrimSpace(*input.BlockedNote)
		if utf8.RuneCountInString(note) > maxBlockedNoteLength {
			return validationField("blockedNote", "blocked note must be at most 500 characters")
		}
		task.BlockedNote = note
	}
	if input.DueDate != nil {
		due, err := parseDueDate(*input.DueDate)
		if err != nil {
			return err
		}
		task.DueDate = due
	}

	switch {
	case task.Status == StatusDone && task.CompletedAt == nil:
		completed := now
		task.CompletedAt = &completed
	case task.Status != StatusDone:
		task.CompletedAt = nil
		task.ArchivedAt = nil
	}
	if task.Status != StatusBlocked {
		task.BlockedNote = ""
	}
	return nil
}

func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			due := parsed.UTC()
			return &due, nil
		}
	}
	return nil, validationField("dueDate", "dueDate must be YYYY-MM-DD or RFC 3339")
}

// ReorderBoard stores a drag-and-drop result: for every listed column the
// tasks get positions 0..n-1 in the given order.
func (s *Service) ReorderBoard(ctx context.Context, session Session, projectID string, columns map[string][]string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, validationField("columns", "columns are required")
	}
	normalized := make(map[string][]string, len(columns))
	seen := map[string]bool{}
	for rawStatus, ids := range columns {
		status, ok := NormalizeStatus(rawStatus)
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_STATUS", "unknown column "+rawStatus, map[string]string{"field": "columns"})
		}
		if _, dup := normalized[status]; dup {
			return nil, validationField("columns", "column "+status+" is listed twice")
		}
		for _, id := range ids {
			if seen[id] {
				return nil, validationField("columns", "task "+id+" is listed twice")
			}
			seen[id] = true
		}
		normalized[status] = ids
	}

	if err := s.store.ReorderTasks(ctx, projectID, normalized); err != nil {
		if errors.Is(err, store.ErrNotInProject) {
			return nil, validationField("columns", "every task must belong to the project")
		}
		return nil, err
	}
	s.touchProject(ctx, projectID)

	tasks, err := s.store.ListTasks(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountAttachments(ctx, projectID, "task")
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if seen[task.ID] {
			s.indexTask(ctx, task)
		}
	}
	return boardPayload(tasks, counts), nil
}

// ArchiveTask hides a finished task from the board.
func (s *Service) ArchiveTask(ctx context.Context, session Session, projectID, taskID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusDone {
		return nil, domainError(http.StatusConflict, "TASK_NOT_DONE", "Only done tasks can be archived", nil)
	}
	if task.ArchivedAt != nil {
		return taskPayload(task, s.attachmentCount(ctx, projectID, "task", taskID)), nil
	}
	now := s.clock()
	updated, err := s.store.SetTaskArchived(ctx, projectID, taskID, &now)
	if err != nil {
		return nil, err
	}
	return taskPayload(updated, s.attachmentCount(ctx, projectID, "task", taskID)), nil
}

func (s *Service) UnarchiveTask(ctx context.Context, session Session, projectID, taskID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	updated, err := s.store.SetTaskArchived(ctx, projectID, taskID, nil)
	if err != nil {
		return nil, err
	}
	return taskPayload(updated, s.attachmentCount(ctx, projectID, "task", taskID)), nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, projectID, taskID string) error {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return err
	}
	keys, err := s.store.DeleteTask(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	s.deleteObjects(ctx, keys)
	s.touchProject(ctx, projectID)
	if s.search != nil {
		s.search.DeleteTask(ctx, taskID)
	}
	return nil
}

// ListLabels returns the labels in use on the board, most used first.
func (s *Service) ListLabels(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	sets, err := s.store.ListTaskLabels(ctx, projectID)
	if err != nil {
		return nil, err
	}
	type usage struct {
		name  string
		count int
	}
	index := map[string]int{}
	var used []usage
	for _, set := range sets {
		for _, label := range set {
			key := strings.ToLower(label)
			if i, ok := index[key]; ok {
				used[i].count++
				continue
			}
			index[key] = len(used)
			used = append(used, usage{name: label, count: 1})
		}
	}
	sort.SliceStable(used, func(i, j int) bool {
		if used[i].count != used[j].count {
			return used[i].count > used[j].count
		}
		return strings.ToLower(used[i].name) < strings.ToLower(used[j].name)
	})
	out := make([]map[string]any, 0, len(used))
	for _, u := range used {
		out = append(out, map[string]any{"name": u.name, "color": labels.Color(u.name), "count": u.count})
	}
	return out, nil
}

func (s *Service) touchProject(ctx context.Context, projectID string) {
	if err := s.store.TouchProject(ctx, projectID); err != nil {
		s.logger().Warn("touch project failed", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (s *Service) indexTask(ctx context.Context, task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(ctx, search.TaskRecord{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		Title:       task.Title,
		Description: richtext.PlainText(task.Description),
		Status:      task.Status,
		Labels:      task.Labels,
	})
}

func taskPayload(task store.Task, attachmentCount int) map[string]any {
	chips := make([]map[string]string, 0, len(task.Labels))
	for _, label := range task.Labels {
		chips = append(chips, map[string]string{"name": label, "color": labels.Color(label)})
	}
	return map[string]any{
		"id":              task.ID,
		"projectId":       task.ProjectID,
		"title":           task.Title,
		"description":     task.Description,
		"status":          task.Status,
		"position":        task.Position,
		"labels":          chips,
		"blockedNote":     task.BlockedNote,
		"dueDate":         formatTime(task.DueDate),
		"createdBy":       task.CreatedBy,
		"createdAt":       task.CreatedAt,
		"updatedAt":       task.UpdatedAt,
		"completedAt":     formatTime(task.CompletedAt),
		"archivedAt":      formatTime(task.ArchivedAt),
		"attachmentCount": attachmentCount,
	}
}
