package app

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"nexusdash/api/internal/calendar"
)

var errCalendarUnavailable = domainError(http.StatusServiceUnavailable, "CALENDAR_UNAVAILABLE", "Calendar integration not configured", nil)

func (s *Service) calendarEnabled() bool {
	return s.calendar != nil && s.calendar.Enabled()
}

func (s *Service) CalendarConnectURL(ctx context.Context, session Session) (string, error) {
	if !s.calendarEnabled() {
		return "", errCalendarUnavailable
	}
	authURL, err := s.calendar.AuthURL(ctx, session.UserID)
	if err != nil {
		return "", mapCalendarError(err)
	}
	return authURL, nil
}

// CalendarCallback finishes the OAuth flow and returns the app URL the
// browser is sent back to. It never fails; errors travel in the URL.
func (s *Service) CalendarCallback(ctx context.Context, code, state, providerError string) string {
	redirect := func(values url.Values) string {
		return s.cfg.AppBaseURL + "/?" + values.Encode()
	}
	if providerError != "" {
		return redirect(url.Values{"calendar": {"error"}, "reason": {providerError}})
	}
	if !s.calendarEnabled() {
		return redirect(url.Values{"calendar": {"error"}, "reason": {"not_configured"}})
	}
	userID, err := s.calendar.Exchange(ctx, code, state)
	if err != nil {
		reason := "exchange_failed"
		if errors.Is(err, calendar.ErrInvalidState) {
			reason = "invalid_state"
		}
		s.logger().Warn("calendar authorization failed", zap.String("reason", reason), zap.Error(err))
		return redirect(url.Values{"calendar": {"error"}, "reason": {reason}})
	}
	s.logger().Info("calendar connected", zap.String("user_id", userID))
	return redirect(url.Values{"calendar": {"connected"}})
}

func (s *Service) CalendarStatus(ctx context.Context, session Session) (calendar.Status, error) {
	if s.calendar == nil {
		return calendar.Status{}, nil
	}
	return s.calendar.Status(ctx, session.UserID)
}

func (s *Service) CalendarEvents(ctx context.Context, session Session, days int) ([]calendar.Event, error) {
	if !s.calendarEnabled() {
		return nil, errCalendarUnavailable
	}
	events, err := s.calendar.Events(ctx, session.UserID, days)
	if err != nil {
		return nil, mapCalendarError(err)
	}
	if events == nil {
		events = []calendar.Event{}
	}
	return events, nil
}

func (s *Service) DisconnectCalendar(ctx context.Context, session Session) error {
	if !s.calendarEnabled() {
		return errCalendarUnavailable
	}
	return mapCalendarError(s.calendar.Disconnect(ctx, session.UserID))
}

func mapCalendarError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, calendar.ErrNotConfigured):
		return errCalendarUnavailable
	case errors.Is(err, calendar.ErrNotConnected):
		return domainError(http.StatusConflict, "CALENDAR_NOT_CONNECTED", "Calendar is not connected", nil)
	case errors.Is(err, calendar.ErrInvalidRange):
		return validationField("days", err.Error())
	case errors.Is(err, calendar.ErrInvalidState):
		return domainError(http.StatusBadRequest, "INVALID_STATE", err.Error(), nil)
	}
	return err
}
