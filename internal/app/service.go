package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nexusdash/api/internal/auth"
	"nexusdash/api/internal/authpw"
	"nexusdash/api/internal/calendar"
	"nexusdash/api/internal/config"
	"nexusdash/api/internal/email"
	"nexusdash/api/internal/export"
	"nexusdash/api/internal/gitrepo"
	"nexusdash/api/internal/metrics"
	"nexusdash/api/internal/search"
	"nexusdash/api/internal/storage"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	ListProjectsForUser(context.Context, string) ([]store.ProjectSummary, error)
	GetProject(context.Context, string) (store.Project, error)
	ProjectAccess(context.Context, string, string) (string, string, error)
	AccessibleProjectIDs(context.Context, string) ([]string, error)
	InsertProject(context.Context, store.Project) error
	UpdateProject(context.Context, string, string, string) error
	TouchProject(context.Context, string) error
	DeleteProject(context.Context, string) ([]string, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	AddMember(context.Context, string, string, string) error
	UpdateMemberRole(context.Context, string, string, string) error
	RemoveMember(context.Context, string, string) error

	ListTasks(context.Context, string, bool) ([]store.Task, error)
	GetTask(context.Context, string, string) (store.Task, error)
	InsertTask(context.Context, store.Task) (int, error)
	UpdateTask(context.Context, store.Task, bool) (store.Task, error)
	ReorderTasks(context.Context, string, map[string][]string) error
	SetTaskArchived(context.Context, string, string, *time.Time) (store.Task, error)
	DeleteTask(context.Context, string, string) ([]string, error)
	ListTaskLabels(context.Context, string) ([][]string, error)

	ListCards(context.Context, string) ([]store.Card, error)
	GetCard(context.Context, string, string) (store.Card, error)
	InsertCard(context.Context, store.Card) error
	UpdateCard(context.Context, store.Card) (store.Card, error)
	DeleteCard(context.Context, string, string) ([]string, error)

	OwnerExists(context.Context, string, string, string) (bool, error)
	ListAttachments(context.Context, string, string, string) ([]store.Attachment, error)
	CountAttachments(context.Context, string, string) (map[string]int, error)
	GetAttachment(context.Context, string, string, string, string) (store.Attachment, error)
	InsertAttachment(context.Context, store.Attachment) error
	DeleteAttachment(context.Context, string, string) error
	InsertPendingUpload(context.Context, store.PendingUpload) error
	GetPendingUpload(context.Context, string) (store.PendingUpload, error)
	FinalizePendingUpload(context.Context, string, store.Attachment) error
	DeletePendingUpload(context.Context, string) error
	ListExpiredUploads(context.Context, time.Time, int) ([]store.PendingUpload, error)

	Ping(ctx context.Context) error
}

// SessionStore keeps refresh sessions outside Postgres (Redis).
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexTask(context.Context, search.TaskRecord)
	IndexCard(context.Context, search.CardRecord)
	DeleteTask(context.Context, string)
	DeleteCard(context.Context, string)
	DeleteProject(context.Context, string, []string, []string)
}

type cardHistory interface {
	CommitCard(string, gitrepo.CardSnapshot, string, string) (gitrepo.Revision, error)
	RemoveCard(string, string, string) error
	RemoveProject(string) error
	CardHistory(string, string, int) ([]gitrepo.Revision, error)
	CardAt(string, string, string) (gitrepo.CardSnapshot, error)
}

type reportExporter interface {
	Export(context.Context, export.Report, export.Format) (*export.Result, error)
}

type calendarClient interface {
	Enabled() bool
	AuthURL(context.Context, string) (string, error)
	Exchange(context.Context, string, string) (string, error)
	Status(context.Context, string) (calendar.Status, error)
	Disconnect(context.Context, string) error
	Events(context.Context, string, int) ([]calendar.Event, error)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(string, string, string) error
	SendPasswordResetEmail(string, string, string) error
	SendMemberAddedEmail(string, email.MemberAddedData) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators wired by cmd/api. Optional ones may be
// nil.
type Dependencies struct {
	Store    *store.PostgresStore
	Sessions SessionStore
	Objects  storage.Provider
	Search   *search.Service
	History  *gitrepo.Service
	Exporter *export.Service
	Calendar *calendar.Client
	Mailer   *email.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	objects  storage.Provider
	search   searchIndex
	history  cardHistory
	exporter reportExporter
	calendar calendarClient
	mailer   mailer
	authpw   *authpw.Service
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	s := &Service{
		cfg:     cfg,
		store:   deps.Store,
		objects: deps.Objects,
		metrics: deps.Metrics,
		log:     deps.Logger,
		now:     time.Now,
	}
	if deps.Store != nil {
		s.authpw = authpw.NewService(deps.Store)
	}
	s.sessions = deps.Sessions
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.History != nil {
		s.history = deps.History
	}
	if deps.Exporter != nil {
		s.exporter = deps.Exporter
	}
	if deps.Calendar != nil {
		s.calendar = deps.Calendar
	}
	if deps.Mailer != nil {
		s.mailer = deps.Mailer
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

func (s *Service) logger() *zap.Logger {
	if s.log == nil {
		return zap.NewNop()
	}
	return s.log
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// CreateSession issues tokens for a user that already proved its identity.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes what it can; failures are logged, never returned.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger().Warn("revoke access token failed", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger().Warn("revoke refresh session failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the external session store. external is false when
// sessions live in Postgres.
func (s *Service) PingSessions(ctx context.Context) (external bool, err error) {
	if p, isPinger := s.sessions.(pinger); isPinger && any(s.sessions) != any(s.store) {
		return true, p.Ping(ctx)
	}
	return false, nil
}
