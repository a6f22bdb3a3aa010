package app

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"nexusdash/api/internal/authpw"
)

var errAuthUnavailable = domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)

// SignUpResult carries the dev token only when no mail could be sent.
type SignUpResult struct {
	UserID               string
	DevVerificationToken string
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (SignUpResult, error) {
	if s.authpw == nil {
		return SignUpResult{}, errAuthUnavailable
	}
	resp, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return SignUpResult{}, mapAuthError(err, "SIGNUP_FAILED")
	}
	result := SignUpResult{UserID: resp.UserID}
	if !s.SMTPConfigured() {
		result.DevVerificationToken = resp.VerificationToken
		return result, nil
	}
	link := s.appURL("/verify-email", resp.VerificationToken)
	if err := s.mailer.SendVerificationEmail(resp.Email, resp.DisplayName, link); err != nil {
		s.logger().Error("send verification email failed", zap.String("user_id", resp.UserID), zap.Error(err))
	}
	return result, nil
}

// SignIn checks credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	if s.authpw == nil {
		return Session{}, errAuthUnavailable
	}
	resp, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) || errors.Is(err, authpw.ErrMissingFields) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, err
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if s.authpw == nil {
		return errAuthUnavailable
	}
	if err := s.authpw.VerifyEmail(ctx, token); err != nil {
		return mapAuthError(err, "VERIFICATION_FAILED")
	}
	return nil
}

// RequestPasswordReset never reveals whether the email is registered. The
// token is returned only when it could not be mailed.
func (s *Service) RequestPasswordReset(ctx context.Context, address string) (string, error) {
	if s.authpw == nil {
		return "", errAuthUnavailable
	}
	token, user, err := s.authpw.RequestPasswordReset(ctx, address)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	if err := s.mailer.SendPasswordResetEmail(user.Email, user.DisplayName, s.appURL("/reset-password", token)); err != nil {
		s.logger().Error("send password reset email failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	if s.authpw == nil {
		return errAuthUnavailable
	}
	if err := s.authpw.ResetPassword(ctx, req); err != nil {
		return mapAuthError(err, "RESET_FAILED")
	}
	return nil
}

func (s *Service) appURL(path, token string) string {
	return s.cfg.AppBaseURL + path + "?token=" + url.QueryEscape(token)
}

func mapAuthError(err error, code string) error {
	switch {
	case errors.Is(err, authpw.ErrEmailExists):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrMissingFields),
		errors.Is(err, authpw.ErrInvalidEmail),
		errors.Is(err, authpw.ErrWeakPassword),
		errors.Is(err, authpw.ErrInvalidToken):
		return domainError(http.StatusBadRequest, code, err.Error(), nil)
	}
	return err
}
