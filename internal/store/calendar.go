package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *PostgresStore) GetCalendarCredential(ctx context.Context, userID string) (CalendarCredential, error) {
	var cred CalendarCredential
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, token_type, expiry, created_at, updated_at
		FROM calendar_credentials WHERE user_id=$1
	`, userID).Scan(&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &cred.TokenType, &expiry, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return CalendarCredential{}, err
	}
	cred.Expiry = nullTimePtr(expiry)
	return cred, nil
}

// UpsertCalendarCredential stores a token. An empty refresh token keeps the
// stored one, since providers only return it on first consent.
func (s *PostgresStore) UpsertCalendarCredential(ctx context.Context, cred CalendarCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_credentials (user_id, access_token, refresh_token, token_type, expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN calendar_credentials.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			updated_at = NOW()
	`, cred.UserID, cred.AccessToken, cred.RefreshToken, cred.TokenType, cred.Expiry)
	if err != nil {
		return fmt.Errorf("save calendar credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCalendarCredential(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendar_credentials WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete calendar credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveOAuthState(ctx context.Context, stateHash string, state OAuthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state_hash, user_id, verifier, expires_at) VALUES ($1, $2, $3, $4)
	`, stateHash, state.UserID, state.Verifier, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState deletes and returns an unexpired state. A state can be
// consumed once.
func (s *PostgresStore) ConsumeOAuthState(ctx context.Context, stateHash string) (OAuthState, error) {
	var state OAuthState
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states WHERE state_hash=$1
		RETURNING user_id, verifier, expires_at
	`, stateHash).Scan(&state.UserID, &state.Verifier, &state.ExpiresAt)
	if err != nil {
		return OAuthState{}, err
	}
	if time.Now().After(state.ExpiresAt) {
		return OAuthState{}, sql.ErrNoRows
	}
	return state, nil
}

func (s *PostgresStore) PruneOAuthStates(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return fmt.Errorf("prune oauth states: %w", err)
	}
	return nil
}
