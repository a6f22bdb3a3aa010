// Package calendar connects user accounts to Google Calendar through an
// OAuth authorization-code flow with PKCE and lists upcoming events.
package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"nexusdash/api/internal/auth"
	"nexusdash/api/internal/config"
	"nexusdash/api/internal/logging"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

const (
	Scope          = "https://www.googleapis.com/auth/calendar.readonly"
	StateTTL       = 10 * time.Minute
	DefaultDays    = 7
	MaxDays        = 31
	maxEventsFetch = 250
)

var (
	ErrNotConfigured = errors.New("calendar integration is not configured")
	ErrNotConnected  = errors.New("calendar is not connected")
	ErrInvalidState  = errors.New("authorization state is invalid or expired")
	ErrInvalidRange  = fmt.Errorf("days must be between 1 and %d", MaxDays)
)

// Credentials persists one OAuth token per user.
type Credentials interface {
	GetCalendarCredential(ctx context.Context, userID string) (store.CalendarCredential, error)
	UpsertCalendarCredential(ctx context.Context, cred store.CalendarCredential) error
	DeleteCalendarCredential(ctx context.Context, userID string) error
}

// StateStore holds pending authorization states. Consume must be single use.
type StateStore interface {
	SaveOAuthState(ctx context.Context, stateHash string, state store.OAuthState) error
	ConsumeOAuthState(ctx context.Context, stateHash string) (store.OAuthState, error)
}

type Client struct {
	oauth   *oauth2.Config
	apiBase string
	creds   Credentials
	states  StateStore
	now     func() time.Time
}

type Option func(*Client)

// WithEndpoint overrides the Google OAuth endpoint.
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(c *Client) { c.oauth.Endpoint = ep }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(cfg config.Google, creds Credentials, states StateStore, opts ...Option) *Client {
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{Scope},
			Endpoint:     google.Endpoint,
		},
		apiBase: strings.TrimRight(cfg.CalendarAPIBase, "/"),
		creds:   creds,
		states:  states,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Enabled() bool {
	return c != nil && c.oauth.ClientID != "" && c.oauth.ClientSecret != "" && c.oauth.RedirectURL != ""
}

// AuthURL starts an authorization for userID and returns the consent URL.
func (c *Client) AuthURL(ctx context.Context, userID string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}
	state := util.RandomToken(32)
	verifier := oauth2.GenerateVerifier()
	err := c.states.SaveOAuthState(ctx, auth.HashToken(state), store.OAuthState{
		UserID:    userID,
		Verifier:  verifier,
		ExpiresAt: c.now().Add(StateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// Exchange completes an authorization. It returns the user the state was
// issued to.
func (c *Client) Exchange(ctx context.Context, code, state string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return "", ErrInvalidState
	}
	pending, err := c.states.ConsumeOAuthState(ctx, auth.HashToken(state))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("consume oauth state: %w", err)
	}
	if c.now().After(pending.ExpiresAt) {
		return "", ErrInvalidState
	}

	token, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := c.saveToken(ctx, pending.UserID, token); err != nil {
		return "", err
	}
	return pending.UserID, nil
}

type Status struct {
	Configured  bool       `json:"configured"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
}

func (c *Client) Status(ctx context.Context, userID string) (Status, error) {
	status := Status{Configured: c.Enabled()}
	if !status.Configured {
		return status, nil
	}
	cred, err := c.creds.GetCalendarCredential(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("load calendar credential: %w", err)
	}
	status.Connected = true
	status.ConnectedAt = &cred.CreatedAt
	return status, nil
}

func (c *Client) Disconnect(ctx context.Context, userID string) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	return c.creds.DeleteCalendarCredential(ctx, userID)
}

type Event struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"allDay"`
	Location string    `json:"location,omitempty"`
	Link     string    `json:"link,omitempty"`
}

// Events lists the primary calendar's single events starting within the
// next days days, ordered by start.
func (c *Client) Events(ctx context.Context, userID string, days int) ([]Event, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	if days == 0 {
		days = DefaultDays
	}
	if days < 1 || days > MaxDays {
		return nil, ErrInvalidRange
	}

	cred, err := c.creds.GetCalendarCredential(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load calendar credential: %w", err)
	}

	current := tokenFromCredential(cred)
	src := &persistingSource{
		base: c.oauth.TokenSource(ctx, current),
		last: current.AccessToken,
		save: func(t *oauth2.Token) error { return c.saveToken(ctx, userID, t) },
		log:  logging.FromContext(ctx),
	}
	httpClient := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(current, src))

	from := c.now().UTC()
	q := url.Values{}
	q.Set("timeMin", from.Format(time.RFC3339))
	q.Set("timeMax", from.AddDate(0, 0, days).Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", fmt.Sprint(maxEventsFetch))
	endpoint := c.apiBase + "/calendars/primary/events?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build events request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("fetch calendar events: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrNotConnected
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch calendar events: unexpected status %d", resp.StatusCode)
	}

	var payload eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode calendar events: %w", err)
	}
	return payload.events(), nil
}

func (c *Client) saveToken(ctx context.Context, userID string, t *oauth2.Token) error {
	cred := store.CalendarCredential{
		UserID:       userID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.Type(),
	}
	if !t.Expiry.IsZero() {
		expiry := t.Expiry.UTC()
		cred.Expiry = &expiry
	}
	if err := c.creds.UpsertCalendarCredential(ctx, cred); err != nil {
		return fmt.Errorf("save calendar token: %w", err)
	}
	return nil
}

func tokenFromCredential(cred store.CalendarCredential) *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
	}
	if cred.Expiry != nil {
		t.Expiry = *cred.Expiry
	}
	return t
}

// persistingSource stores every token its base source refreshes.
type persistingSource struct {
	base oauth2.TokenSource
	last string
	save func(*oauth2.Token) error
	log  *zap.Logger
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	t, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if t.AccessToken != p.last {
		p.last = t.AccessToken
		if err := p.save(t); err != nil {
			p.log.Warn("persist refreshed calendar token failed", zap.Error(err))
		}
	}
	return t, nil
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

func (t eventTime) parse() (time.Time, bool, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, false, err
	}
	v, err := time.Parse(time.DateOnly, t.Date)
	return v, true, err
}

type eventsResponse struct {
	Items []struct {
		ID       string    `json:"id"`
		Status   string    `json:"status"`
		Summary  string    `json:"summary"`
		Location string    `json:"location"`
		HTMLLink string    `json:"htmlLink"`
		Start    eventTime `json:"start"`
		End      eventTime `json:"end"`
	} `json:"items"`
}

func (r eventsResponse) events() []Event {
	out := make([]Event, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Status == "cancelled" {
			continue
		}
		start, allDay, err := item.Start.parse()
		if err != nil {
			continue
		}
		end, _, err := item.End.parse()
		if err != nil {
			end = start
		}
		title := strings.TrimSpace(item.Summary)
		if title == "" {
			title = "(no title)"
		}
		out = append(out, Event{
			ID:       item.ID,
			Title:    title,
			Start:    start,
			End:      end,
			AllDay:   allDay,
			Location: item.Location,
			Link:     item.HTMLLink,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
