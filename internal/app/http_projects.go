package app

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"nexusdash/api/internal/attachment"
)

func (s *HTTPServer) handleProjectCollection(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method == http.MethodGet {
		items, err := s.service.ListProjects(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		return
	}

	if r.Method == http.MethodPost {
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProject(r.Context(), session, body.Name, body.Description)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// handleProject dispatches /api/projects/{id}/... ; rest is the path after
// the project id.
func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	if len(rest) == 0 {
		s.handleProjectItem(w, r, session, projectID)
		return
	}

	switch rest[0] {
	case "members":
		s.handleMembers(w, r, session, projectID, rest[1:])
		return
	case "labels":
		if len(rest) == 1 && r.Method == http.MethodGet {
			items, err := s.service.ListLabels(r.Context(), session, projectID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"labels": items})
			return
		}
	case "export":
		if len(rest) == 1 && r.Method == http.MethodGet {
			s.handleExport(w, r, session, projectID)
			return
		}
	case "tasks", "cards":
		if len(rest) >= 3 && rest[2] == "attachments" {
			kind, _ := attachment.ParseOwnerKind(rest[0])
			owner := Owner{ProjectID: projectID, Kind: kind, ID: rest[1]}
			s.handleAttachments(w, r, session, owner, rest[3:])
			return
		}
		if rest[0] == "tasks" {
			s.handleTasks(w, r, session, projectID, rest[1:])
		} else {
			s.handleCards(w, r, session, projectID, rest[1:])
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProjectItem(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	if r.Method == http.MethodGet {
		payload, err := s.service.GetProject(r.Context(), session, projectID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPatch {
		var body struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateProject(r.Context(), session, projectID, body.Name, body.Description)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteProject(r.Context(), session, projectID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListMembers(r.Context(), session, projectID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": items})
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPost {
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddMember(r.Context(), session, projectID, body.Email, body.Role)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodPatch {
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateMemberRole(r.Context(), session, projectID, rest[0], body.Role); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.RemoveMember(r.Context(), session, projectID, rest[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) > 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))
		payload, err := s.service.ListTasks(r.Context(), session, projectID, includeArchived)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPost {
		var body TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateTask(r.Context(), session, projectID, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 1 && rest[0] == "order" && r.Method == http.MethodPut {
		var body struct {
			Columns map[string][]string `json:"columns"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ReorderBoard(r.Context(), session, projectID, body.Columns)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 1 {
		s.handleTaskItem(w, r, session, projectID, rest[0])
		return
	}

	if len(rest) == 2 && r.Method == http.MethodPost && (rest[1] == "archive" || rest[1] == "unarchive") {
		var (
			payload map[string]any
			err     error
		)
		if rest[1] == "archive" {
			payload, err = s.service.ArchiveTask(r.Context(), session, projectID, rest[0])
		} else {
			payload, err = s.service.UnarchiveTask(r.Context(), session, projectID, rest[0])
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 0 {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTaskItem(w http.ResponseWriter, r *http.Request, session Session, projectID, taskID string) {
	if r.Method == http.MethodGet {
		payload, err := s.service.GetTask(r.Context(), session, projectID, taskID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPatch {
		var body TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateTask(r.Context(), session, projectID, taskID, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteTask(r.Context(), session, projectID, taskID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleCards(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListCards(r.Context(), session, projectID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cards": items})
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPost {
		var body CardInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateCard(r.Context(), session, projectID, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodGet {
		payload, err := s.service.GetCard(r.Context(), session, projectID, rest[0])
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodPatch {
		var body CardInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateCard(r.Context(), session, projectID, rest[0], body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.DeleteCard(r.Context(), session, projectID, rest[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		payload, err := s.service.CardHistory(r.Context(), session, projectID, rest[0], limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 3 && rest[1] == "history" && r.Method == http.MethodGet {
		payload, err := s.service.CardRevision(r.Context(), session, projectID, rest[0], rest[2])
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) <= 1 {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	result, err := s.service.ExportProject(r.Context(), session, projectID, r.URL.Query().Get("format"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(result.Filename, `"`, "")))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
