package app

import (
	"net/http"
	"strconv"
)

func (s *HTTPServer) handleCalendar(w http.ResponseWriter, r *http.Request, session Session, action string) {
	switch {
	case action == "connect" && r.Method == http.MethodGet:
		authURL, err := s.service.CalendarConnectURL(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authUrl": authURL})

	case action == "status" && r.Method == http.MethodGet:
		status, err := s.service.CalendarStatus(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case action == "events" && r.Method == http.MethodGet:
		days := 0
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "days must be a number", map[string]string{"field": "days"})
				return
			}
			days = parsed
			if days == 0 {
				days = -1
			}
		}
		events, err := s.service.CalendarEvents(r.Context(), session, days)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})

	case action == "connection" && r.Method == http.MethodDelete:
		if err := s.service.DisconnectCalendar(r.Context(), session); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleCalendarCallback is reached by the browser coming back from Google,
// so it answers with a redirect instead of JSON.
func (s *HTTPServer) handleCalendarCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := s.service.CalendarCallback(r.Context(), query.Get("code"), query.Get("state"), query.Get("error"))
	w.Header().Del("Content-Type")
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	req := SearchRequest{
		Text:      query.Get("q"),
		Type:      query.Get("type"),
		ProjectID: query.Get("projectId"),
	}
	var err error
	if raw := query.Get("limit"); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a number", map[string]string{"field": "limit"})
			return
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if req.Offset, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be a number", map[string]string{"field": "offset"})
			return
		}
	}
	response, err := s.service.Search(r.Context(), session, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
