package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"nexusdash/api/internal/config"
	"nexusdash/api/internal/store"
)

type fakeCredentials struct {
	mu    sync.Mutex
	creds map[string]store.CalendarCredential
	saves int
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{creds: map[string]store.CalendarCredential{}}
}

func (f *fakeCredentials) GetCalendarCredential(_ context.Context, userID string) (store.CalendarCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.creds[userID]
	if !ok {
		return store.CalendarCredential{}, sql.ErrNoRows
	}
	return cred, nil
}

func (f *fakeCredentials) UpsertCalendarCredential(_ context.Context, cred store.CalendarCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cred.RefreshToken == "" {
		cred.RefreshToken = f.creds[cred.UserID].RefreshToken
	}
	f.creds[cred.UserID] = cred
	f.saves++
	return nil
}

func (f *fakeCredentials) DeleteCalendarCredential(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.creds, userID)
	return nil
}

type fakeStates struct {
	mu     sync.Mutex
	states map[string]store.OAuthState
}

func (f *fakeStates) SaveOAuthState(_ context.Context, hash string, state store.OAuthState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = map[string]store.OAuthState{}
	}
	f.states[hash] = state
	return nil
}

func (f *fakeStates) ConsumeOAuthState(_ context.Context, hash string) (store.OAuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[hash]
	if !ok {
		return store.OAuthState{}, sql.ErrNoRows
	}
	delete(f.states, hash)
	return state, nil
}

type googleStub struct {
	server        *httptest.Server
	mu            sync.Mutex
	lastVerifier  string
	lastGrantType string
	lastAuth      string
}

func newGoogleStub(t *testing.T) *googleStub {
	stub := &googleStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		stub.mu.Lock()
		stub.lastVerifier = r.Form.Get("code_verifier")
		stub.lastGrantType = r.Form.Get("grant_type")
		stub.mu.Unlock()
		access := "access-from-code"
		if r.Form.Get("grant_type") == "refresh_token" {
			access = "access-refreshed"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.lastAuth = r.Header.Get("Authorization")
		stub.mu.Unlock()
		if r.URL.Query().Get("singleEvents") != "true" || r.URL.Query().Get("orderBy") != "startTime" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"e2","summary":"Review","start":{"dateTime":"2026-10-20T15:00:00Z"},"end":{"dateTime":"2026-10-20T16:00:00Z"}},
			{"id":"e1","summary":"Holiday","start":{"date":"2026-10-19"},"end":{"date":"2026-10-20"}},
			{"id":"e3","status":"cancelled","summary":"Gone","start":{"dateTime":"2026-10-19T09:00:00Z"},"end":{"dateTime":"2026-10-19T10:00:00Z"}}
		]}`))
	})
	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *googleStub) snapshot() (verifier, grantType, authHeader string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVerifier, s.lastGrantType, s.lastAuth
}

func newTestClient(stub *googleStub, creds *fakeCredentials, states *fakeStates, now time.Time) *Client {
	cfg := config.Google{
		ClientID:        "client",
		ClientSecret:    "secret",
		RedirectURL:     "http://localhost:8787/api/calendar/callback",
		CalendarAPIBase: stub.server.URL + "/calendar/v3",
	}
	return New(cfg, creds, states,
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   stub.server.URL + "/auth",
			TokenURL:  stub.server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}),
		WithClock(func() time.Time { return now }),
	)
}

func TestDisabledClient(t *testing.T) {
	c := New(config.Google{}, newFakeCredentials(), &fakeStates{})
	if _, err := c.AuthURL(context.Background(), "u1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	status, err := c.Status(context.Background(), "u1")
	if err != nil || status.Configured || status.Connected {
		t.Fatalf("unexpected status %+v %v", status, err)
	}
}

func TestAuthorizationFlowUsesPKCEAndSingleUseState(t *testing.T) {
	stub := newGoogleStub(t)
	creds := newFakeCredentials()
	states := &fakeStates{}
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := newTestClient(stub, creds, states, now)
	ctx := context.Background()

	authURL, err := c.AuthURL(ctx, "usr_1")
	if err != nil {
		t.Fatalf("AuthURL() error = %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := parsed.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("missing PKCE params in %s", authURL)
	}
	if q.Get("access_type") != "offline" || q.Get("scope") != Scope {
		t.Fatalf("unexpected auth params %v", q)
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("expected state in auth url")
	}

	userID, err := c.Exchange(ctx, "code-1", state)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if userID != "usr_1" {
		t.Fatalf("expected usr_1, got %q", userID)
	}
	if verifier, _, _ := stub.snapshot(); verifier == "" {
		t.Fatal("expected code_verifier to be sent on exchange")
	}
	cred, err := creds.GetCalendarCredential(ctx, "usr_1")
	if err != nil || cred.AccessToken != "access-from-code" || cred.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected stored credential %+v %v", cred, err)
	}

	if _, err := c.Exchange(ctx, "code-1", state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected reused state to fail, got %v", err)
	}
}

func TestExchangeRejectsExpiredState(t *testing.T) {
	stub := newGoogleStub(t)
	states := &fakeStates{}
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := newTestClient(stub, newFakeCredentials(), states, now)

	authURL, err := c.AuthURL(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("AuthURL() error = %v", err)
	}
	parsed, _ := url.Parse(authURL)

	later := newTestClient(stub, newFakeCredentials(), states, now.Add(StateTTL+time.Second))
	if _, err := later.Exchange(context.Background(), "code", parsed.Query().Get("state")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEventsRefreshesAndPersistsToken(t *testing.T) {
	stub := newGoogleStub(t)
	creds := newFakeCredentials()
	expired := time.Now().Add(-time.Hour)
	creds.creds["usr_1"] = store.CalendarCredential{
		UserID:       "usr_1",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       &expired,
	}
	c := newTestClient(stub, creds, &fakeStates{}, time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))

	events, err := c.Events(context.Background(), "usr_1", 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	_, grantType, authHeader := stub.snapshot()
	if grantType != "refresh_token" {
		t.Fatalf("expected refresh grant, got %q", grantType)
	}
	if authHeader != "Bearer access-refreshed" {
		t.Fatalf("expected refreshed bearer, got %q", authHeader)
	}
	stored, _ := creds.GetCalendarCredential(context.Background(), "usr_1")
	if got := stored.AccessToken; got != "access-refreshed" {
		t.Fatalf("expected refreshed token to be persisted, got %q", got)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != "e1" || !events[0].AllDay || events[1].ID != "e2" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestEventsValidation(t *testing.T) {
	stub := newGoogleStub(t)
	c := newTestClient(stub, newFakeCredentials(), &fakeStates{}, time.Now())
	if _, err := c.Events(context.Background(), "usr_1", 32); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := c.Events(context.Background(), "usr_1", 7); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
