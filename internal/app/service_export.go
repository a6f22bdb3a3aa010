package app

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"nexusdash/api/internal/export"
	"nexusdash/api/internal/rbac"
	"nexusdash/api/internal/store"
)

// ExportProject renders the board and context cards of a project.
// Archived tasks are left out.
func (s *Service) ExportProject(ctx context.Context, session Session, projectID, rawFormat string) (*export.Result, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", err.Error(), map[string]string{"field": "format"})
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available", nil)
	}

	report, err := s.buildReport(ctx, projectID)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, report, format)
	if errors.Is(err, export.ErrPDFUnavailable) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
	}
	return result, err
}

func (s *Service) buildReport(ctx context.Context, projectID string) (export.Report, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return export.Report{}, err
	}
	ownerName := ""
	if owner, err := s.store.GetUserByID(ctx, project.OwnerID); err == nil {
		ownerName = owner.DisplayName
	}
	tasks, err := s.store.ListTasks(ctx, projectID, false)
	if err != nil {
		return export.Report{}, err
	}
	counts, err := s.store.CountAttachments(ctx, projectID, "task")
	if err != nil {
		return export.Report{}, err
	}
	cards, err := s.store.ListCards(ctx, projectID)
	if err != nil {
		return export.Report{}, err
	}

	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	byStatus := map[string][]export.Task{}
	for _, task := range tasks {
		byStatus[task.Status] = append(byStatus[task.Status], exportTask(task, counts[task.ID]))
	}
	report := export.Report{
		ProjectName: project.Name,
		Description: project.Description,
		OwnerName:   ownerName,
		GeneratedAt: s.clock(),
	}
	for _, status := range taskStatuses {
		report.Columns = append(report.Columns, export.Column{Status: status, Tasks: byStatus[status]})
	}
	for _, card := range cards {
		report.Cards = append(report.Cards, export.Card{Title: card.Title, Content: card.Content, Color: card.Color})
	}
	return report, nil
}

func exportTask(task store.Task, attachments int) export.Task {
	return export.Task{
		Title:       task.Title,
		Description: task.Description,
		Labels:      task.Labels,
		BlockedNote: task.BlockedNote,
		DueDate:     task.DueDate,
		CompletedAt: task.CompletedAt,
		Attachments: attachments,
	}
}
