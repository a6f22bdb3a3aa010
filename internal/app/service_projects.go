package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexusdash/api/internal/email"
	"nexusdash/api/internal/rbac"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

const (
	maxProjectNameLength        = 120
	maxProjectDescriptionLength = 2000
	objectDeleteConcurrency     = 8
)

// authorize resolves the caller's role on a project. Callers without any
// role get a 404 so project ids cannot be probed.
func (s *Service) authorize(ctx context.Context, session Session, projectID string, action rbac.Action) (rbac.Role, error) {
	ownerID, memberRole, err := s.store.ProjectAccess(ctx, projectID, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, errProjectNotFound
	}
	if err != nil {
		return rbac.RoleNone, err
	}
	role := rbac.Effective(session.UserID, ownerID, rbac.Role(memberRole))
	if role == rbac.RoleNone {
		return rbac.RoleNone, errProjectNotFound
	}
	if !rbac.Can(role, action) {
		return role, errForbidden
	}
	return role, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	items, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := projectPayload(item.Project, rbac.Role(item.Role))
		counts := map[string]int{}
		for _, status := range taskStatuses {
			counts[status] = item.TaskCounts[status]
		}
		payload["taskCounts"] = counts
		payload["cardCount"] = item.CardCount
		out = append(out, payload)
	}
	return out, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, name, description string) (map[string]any, error) {
	name, description, err := validateProjectFields(name, description)
	if err != nil {
		return nil, err
	}
	project := store.Project{
		ID:          util.NewID("prj"),
		OwnerID:     session.UserID,
		Name:        name,
		Description: description,
		CreatedAt:   s.clock(),
	}
	project.UpdatedAt = project.CreatedAt
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	return projectPayload(project, rbac.RoleOwner), nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectPayload(project, role), nil
}

// UpdateProject applies the non-nil fields.
func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, name, description *string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, projectID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		project.Name = *name
	}
	if description != nil {
		project.Description = *description
	}
	project.Name, project.Description, err = validateProjectFields(project.Name, project.Description)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateProject(ctx, projectID, project.Name, project.Description); err != nil {
		return nil, err
	}
	project.UpdatedAt = s.clock()
	return projectPayload(project, role), nil
}

// DeleteProject removes the project rows first. Stored objects, search
// documents and card history are cleaned up afterwards and their failures
// are only logged.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionManage); err != nil {
		return err
	}
	tasks, err := s.store.ListTasks(ctx, projectID, true)
	if err != nil {
		return err
	}
	cards, err := s.store.ListCards(ctx, projectID)
	if err != nil {
		return err
	}
	keys, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return err
	}

	s.deleteObjects(ctx, keys)

	if s.search != nil {
		taskIDs := make([]string, 0, len(tasks))
		for _, task := range tasks {
			taskIDs = append(taskIDs, task.ID)
		}
		cardIDs := make([]string, 0, len(cards))
		for _, card := range cards {
			cardIDs = append(cardIDs, card.ID)
		}
		s.search.DeleteProject(ctx, projectID, taskIDs, cardIDs)
	}
	if s.history != nil {
		if err := s.history.RemoveProject(projectID); err != nil {
			s.logger().Warn("remove project history failed", zap.String("project_id", projectID), zap.Error(err))
		}
	}
	return nil
}

// deleteObjects removes stored objects concurrently. The rows referencing
// them are already gone, so failures only leave orphans behind.
func (s *Service) deleteObjects(ctx context.Context, keys []string) {
	if s.objects == nil || len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(objectDeleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := s.objects.Delete(ctx, key); err != nil {
				s.logger().Warn("delete stored object failed", zap.String("key", key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func validateProjectFields(name, description string) (string, string, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" {
		return "", "", validationField("name", "name is required")
	}
	if utf8.RuneCountInString(name) > maxProjectNameLength {
		return "", "", validationField("name", "name must be at most 120 characters")
	}
	if utf8.RuneCountInString(description) > maxProjectDescriptionLength {
		return "", "", validationField("description", "description must be at most 2000 characters")
	}
	return name, description, nil
}

func projectPayload(project store.Project, role rbac.Role) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"ownerId":     project.OwnerID,
		"name":        project.Name,
		"description": project.Description,
		"role":        string(role),
		"createdAt":   project.CreatedAt,
		"updatedAt":   project.UpdatedAt,
	}
}

// Members

func (s *Service) ListMembers(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, memberPayload(m))
	}
	return out, nil
}

// AddMember grants an existing user access to the project.
func (s *Service) AddMember(ctx context.Context, session Session, projectID, address, rawRole string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionManage); err != nil {
		return nil, err
	}
	role, ok := rbac.ParseMemberRole(rawRole)
	if !ok {
		return nil, validationField("role", "role must be editor or viewer")
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, validationField("email", "email is required")
	}
	user, err := s.store.GetUserByEmail(ctx, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account exists for that email", nil)
	}
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if user.ID == project.OwnerID {
		return nil, validationField("email", "the project owner is already a member")
	}
	if err := s.store.AddMember(ctx, projectID, user.ID, string(role)); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member", nil)
		}
		return nil, err
	}

	if s.SMTPConfigured() {
		data := email.MemberAddedData{
			UserName:    user.DisplayName,
			ProjectName: project.Name,
			Role:        string(role),
			ProjectURL:  s.cfg.AppBaseURL + "/projects/" + projectID,
		}
		if err := s.mailer.SendMemberAddedEmail(user.Email, data); err != nil {
			s.logger().Warn("send member email failed", zap.String("project_id", projectID), zap.Error(err))
		}
	}

	return memberPayload(store.Member{
		ProjectID:   projectID,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        string(role),
		CreatedAt:   s.clock(),
	}), nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, projectID, userID, rawRole string) error {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionManage); err != nil {
		return err
	}
	role, ok := rbac.ParseMemberRole(rawRole)
	if !ok {
		return validationField("role", "role must be editor or viewer")
	}
	if userID == session.UserID {
		return validationError("the owner role cannot be changed")
	}
	err := s.store.UpdateMemberRole(ctx, projectID, userID, string(role))
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("Member not found")
	}
	return err
}

// RemoveMember is allowed for the owner, and for members removing
// themselves.
func (s *Service) RemoveMember(ctx context.Context, session Session, projectID, userID string) error {
	action := rbac.ActionManage
	if userID == session.UserID {
		action = rbac.ActionRead
	}
	role, err := s.authorize(ctx, session, projectID, action)
	if err != nil {
		return err
	}
	if userID == session.UserID && role == rbac.RoleOwner {
		return validationError("the project owner cannot be removed")
	}
	err = s.store.RemoveMember(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("Member not found")
	}
	return err
}

func memberPayload(m store.Member) map[string]any {
	return map[string]any{
		"userId":      m.UserID,
		"email":       m.Email,
		"displayName": m.DisplayName,
		"role":        m.Role,
		"addedAt":     m.CreatedAt,
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
