package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"nexusdash/api/internal/auth"
	"nexusdash/api/internal/config"
	"nexusdash/api/internal/store"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	saveRefreshSessionFn   func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn func(context.Context, string) error
	revokeAccessTokenFn    func(context.Context, string, time.Time) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)

	listProjectsForUserFn  func(context.Context, string) ([]store.ProjectSummary, error)
	getProjectFn           func(context.Context, string) (store.Project, error)
	projectAccessFn        func(context.Context, string, string) (string, string, error)
	accessibleProjectIDsFn func(context.Context, string) ([]string, error)
	insertProjectFn        func(context.Context, store.Project) error
	updateProjectFn        func(context.Context, string, string, string) error
	deleteProjectFn        func(context.Context, string) ([]string, error)
	listMembersFn          func(context.Context, string) ([]store.Member, error)
	addMemberFn            func(context.Context, string, string, string) error
	updateMemberRoleFn     func(context.Context, string, string, string) error
	removeMemberFn         func(context.Context, string, string) error

	listTasksFn       func(context.Context, string, bool) ([]store.Task, error)
	getTaskFn         func(context.Context, string, string) (store.Task, error)
	insertTaskFn      func(context.Context, store.Task) (int, error)
	updateTaskFn      func(context.Context, store.Task, bool) (store.Task, error)
	reorderTasksFn    func(context.Context, string, map[string][]string) error
	setTaskArchivedFn func(context.Context, string, string, *time.Time) (store.Task, error)
	deleteTaskFn      func(context.Context, string, string) ([]string, error)
	listTaskLabelsFn  func(context.Context, string) ([][]string, error)

	listCardsFn  func(context.Context, string) ([]store.Card, error)
	getCardFn    func(context.Context, string, string) (store.Card, error)
	insertCardFn func(context.Context, store.Card) error
	updateCardFn func(context.Context, store.Card) (store.Card, error)
	deleteCardFn func(context.Context, string, string) ([]string, error)

	ownerExistsFn           func(context.Context, string, string, string) (bool, error)
	listAttachmentsFn       func(context.Context, string, string, string) ([]store.Attachment, error)
	getAttachmentFn         func(context.Context, string, string, string, string) (store.Attachment, error)
	insertAttachmentFn      func(context.Context, store.Attachment) error
	deleteAttachmentFn      func(context.Context, string, string) error
	insertPendingUploadFn   func(context.Context, store.PendingUpload) error
	getPendingUploadFn      func(context.Context, string) (store.PendingUpload, error)
	finalizePendingUploadFn func(context.Context, string, store.Attachment) error
	deletePendingUploadFn   func(context.Context, string) error
	listExpiredUploadsFn    func(context.Context, time.Time, int) ([]store.PendingUpload, error)

	pingFn func(context.Context) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery", Email: "avery@example.com", IsEmailVerified: true}, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeAccessTokenFn != nil {
		return f.revokeAccessTokenFn(ctx, jti, exp)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) ListProjectsForUser(ctx context.Context, userID string) ([]store.ProjectSummary, error) {
	if f.listProjectsForUserFn != nil {
		return f.listProjectsForUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, OwnerID: "usr_owner", Name: "Launch"}, nil
}

func (f *fakeStore) ProjectAccess(ctx context.Context, projectID, userID string) (string, string, error) {
	if f.projectAccessFn != nil {
		return f.projectAccessFn(ctx, projectID, userID)
	}
	return "", "", sql.ErrNoRows
}

func (f *fakeStore) AccessibleProjectIDs(ctx context.Context, userID string) ([]string, error) {
	if f.accessibleProjectIDsFn != nil {
		return f.accessibleProjectIDsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) error {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, projectID, name, description string) error {
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, projectID, name, description)
	}
	return nil
}

func (f *fakeStore) TouchProject(context.Context, string) error { return nil }

func (f *fakeStore) DeleteProject(ctx context.Context, projectID string) ([]string, error) {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) ListMembers(ctx context.Context, projectID string) ([]store.Member, error) {
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) AddMember(ctx context.Context, projectID, userID, role string) error {
	if f.addMemberFn != nil {
		return f.addMemberFn(ctx, projectID, userID, role)
	}
	return nil
}

func (f *fakeStore) UpdateMemberRole(ctx context.Context, projectID, userID, role string) error {
	if f.updateMemberRoleFn != nil {
		return f.updateMemberRoleFn(ctx, projectID, userID, role)
	}
	return nil
}

func (f *fakeStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, projectID, userID)
	}
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, projectID string, includeArchived bool) ([]store.Task, error) {
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, projectID, includeArchived)
	}
	return nil, nil
}

func (f *fakeStore) GetTask(ctx context.Context, projectID, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, projectID, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) (int, error) {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return 0, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, task store.Task, moveToEnd bool) (store.Task, error) {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, task, moveToEnd)
	}
	return task, nil
}

func (f *fakeStore) ReorderTasks(ctx context.Context, projectID string, columns map[string][]string) error {
	if f.reorderTasksFn != nil {
		return f.reorderTasksFn(ctx, projectID, columns)
	}
	return nil
}

func (f *fakeStore) SetTaskArchived(ctx context.Context, projectID, taskID string, archivedAt *time.Time) (store.Task, error) {
	if f.setTaskArchivedFn != nil {
		return f.setTaskArchivedFn(ctx, projectID, taskID, archivedAt)
	}
	return store.Task{ID: taskID, ProjectID: projectID, ArchivedAt: archivedAt}, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, projectID, taskID string) ([]string, error) {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, projectID, taskID)
	}
	return nil, nil
}

func (f *fakeStore) ListTaskLabels(ctx context.Context, projectID string) ([][]string, error) {
	if f.listTaskLabelsFn != nil {
		return f.listTaskLabelsFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) ListCards(ctx context.Context, projectID string) ([]store.Card, error) {
	if f.listCardsFn != nil {
		return f.listCardsFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) GetCard(ctx context.Context, projectID, cardID string) (store.Card, error) {
	if f.getCardFn != nil {
		return f.getCardFn(ctx, projectID, cardID)
	}
	return store.Card{}, sql.ErrNoRows
}

func (f *fakeStore) InsertCard(ctx context.Context, card store.Card) error {
	if f.insertCardFn != nil {
		return f.insertCardFn(ctx, card)
	}
	return nil
}

func (f *fakeStore) UpdateCard(ctx context.Context, card store.Card) (store.Card, error) {
	if f.updateCardFn != nil {
		return f.updateCardFn(ctx, card)
	}
	return card, nil
}

func (f *fakeStore) DeleteCard(ctx context.Context, projectID, cardID string) ([]string, error) {
	if f.deleteCardFn != nil {
		return f.deleteCardFn(ctx, projectID, cardID)
	}
	return nil, nil
}

func (f *fakeStore) OwnerExists(ctx context.Context, projectID, ownerKind, ownerID string) (bool, error) {
	if f.ownerExistsFn != nil {
		return f.ownerExistsFn(ctx, projectID, ownerKind, ownerID)
	}
	return true, nil
}

func (f *fakeStore) ListAttachments(ctx context.Context, projectID, ownerKind, ownerID string) ([]store.Attachment, error) {
	if f.listAttachmentsFn != nil {
		return f.listAttachmentsFn(ctx, projectID, ownerKind, ownerID)
	}
	return nil, nil
}

func (f *fakeStore) CountAttachments(context.Context, string, string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, projectID, ownerKind, ownerID, attachmentID string) (store.Attachment, error) {
	if f.getAttachmentFn != nil {
		return f.getAttachmentFn(ctx, projectID, ownerKind, ownerID, attachmentID)
	}
	return store.Attachment{}, sql.ErrNoRows
}

func (f *fakeStore) InsertAttachment(ctx context.Context, a store.Attachment) error {
	if f.insertAttachmentFn != nil {
		return f.insertAttachmentFn(ctx, a)
	}
	return nil
}

func (f *fakeStore) DeleteAttachment(ctx context.Context, projectID, attachmentID string) error {
	if f.deleteAttachmentFn != nil {
		return f.deleteAttachmentFn(ctx, projectID, attachmentID)
	}
	return nil
}

func (f *fakeStore) InsertPendingUpload(ctx context.Context, p store.PendingUpload) error {
	if f.insertPendingUploadFn != nil {
		return f.insertPendingUploadFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) GetPendingUpload(ctx context.Context, uploadID string) (store.PendingUpload, error) {
	if f.getPendingUploadFn != nil {
		return f.getPendingUploadFn(ctx, uploadID)
	}
	return store.PendingUpload{}, sql.ErrNoRows
}

func (f *fakeStore) FinalizePendingUpload(ctx context.Context, uploadID string, a store.Attachment) error {
	if f.finalizePendingUploadFn != nil {
		return f.finalizePendingUploadFn(ctx, uploadID, a)
	}
	return nil
}

func (f *fakeStore) DeletePendingUpload(ctx context.Context, uploadID string) error {
	if f.deletePendingUploadFn != nil {
		return f.deletePendingUploadFn(ctx, uploadID)
	}
	return nil
}

func (f *fakeStore) ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]store.PendingUpload, error) {
	if f.listExpiredUploadsFn != nil {
		return f.listExpiredUploadsFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:     "test-secret",
			AccessTTL:     time.Hour,
			RefreshTTL:    24 * time.Hour,
			AppBaseURL:    "http://app.test",
			PublicBaseURL: "http://api.test",
			Storage: config.Storage{
				MaxAttachmentBytes: 1 << 20,
				UploadURLTTL:       15 * time.Minute,
				DownloadURLTTL:     5 * time.Minute,
				PendingUploadTTL:   time.Hour,
				TransferTimeout:    10 * time.Minute,
			},
		},
		store:    fs,
		sessions: fs,
		log:      zap.NewNop(),
		now:      func() time.Time { return testNow },
	}
}

// grant makes ProjectAccess report role for every caller other than the
// owner usr_owner.
func grant(fs *fakeStore, role string) {
	fs.projectAccessFn = func(_ context.Context, _ string, userID string) (string, string, error) {
		if userID == "usr_owner" {
			return "usr_owner", "", nil
		}
		return "usr_owner", role, nil
	}
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: "Avery",
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestAuthorizeHidesProjectsFromStrangers(t *testing.T) {
	svc := newTestService(&fakeStore{
		projectAccessFn: func(context.Context, string, string) (string, string, error) {
			return "usr_owner", "", nil
		},
	})

	_, err := svc.GetProject(context.Background(), Session{UserID: "usr_stranger"}, "prj_1")
	assertDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestAuthorizeForbidsViewerWrites(t *testing.T) {
	fs := &fakeStore{}
	grant(fs, "viewer")
	svc := newTestService(fs)

	title := "Ship it"
	_, err := svc.CreateTask(context.Background(), Session{UserID: "usr_viewer"}, "prj_1", TaskInput{Title: &title})
	assertDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	if _, err := svc.ListTasks(context.Background(), Session{UserID: "usr_viewer"}, "prj_1", false); err != nil {
		t.Fatalf("viewer should read tasks: %v", err)
	}
}

func TestEditorCannotManageProject(t *testing.T) {
	fs := &fakeStore{}
	grant(fs, "editor")
	svc := newTestService(fs)

	err := svc.DeleteProject(context.Background(), Session{UserID: "usr_editor"}, "prj_1")
	assertDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestCreateProjectValidatesName(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateProject(context.Background(), Session{UserID: "usr_owner"}, "   ", "")
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	var inserted store.Project
	svc.store.(*fakeStore).insertProjectFn = func(_ context.Context, p store.Project) error {
		inserted = p
		return nil
	}
	payload, err := svc.CreateProject(context.Background(), Session{UserID: "usr_owner"}, "  Launch  ", " Q3 ")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if inserted.Name != "Launch" || inserted.Description != "Q3" || inserted.OwnerID != "usr_owner" {
		t.Fatalf("unexpected inserted project %+v", inserted)
	}
	if payload["role"] != "owner" {
		t.Fatalf("expected owner role, got %v", payload["role"])
	}
}

func TestAddMemberMapsDuplicates(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			if email != "sam@example.com" {
				t.Fatalf("expected normalized email, got %q", email)
			}
			return store.User{ID: "usr_sam", Email: email, DisplayName: "Sam"}, nil
		},
		addMemberFn: func(context.Context, string, string, string) error {
			return store.ErrDuplicate
		},
	}
	grant(fs, "")
	svc := newTestService(fs)

	_, err := svc.AddMember(context.Background(), Session{UserID: "usr_owner"}, "prj_1", " Sam@Example.com ", "editor")
	assertDomainError(t, err, http.StatusConflict, "ALREADY_MEMBER")

	_, err = svc.AddMember(context.Background(), Session{UserID: "usr_owner"}, "prj_1", "sam@example.com", "owner")
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestMemberCanLeaveButOwnerCannot(t *testing.T) {
	removed := ""
	fs := &fakeStore{
		removeMemberFn: func(_ context.Context, _ string, userID string) error {
			removed = userID
			return nil
		},
	}
	grant(fs, "viewer")
	svc := newTestService(fs)

	if err := svc.RemoveMember(context.Background(), Session{UserID: "usr_viewer"}, "prj_1", "usr_viewer"); err != nil {
		t.Fatalf("viewer leaving: %v", err)
	}
	if removed != "usr_viewer" {
		t.Fatalf("expected usr_viewer removed, got %q", removed)
	}

	err := svc.RemoveMember(context.Background(), Session{UserID: "usr_owner"}, "prj_1", "usr_owner")
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestRefreshRotatesToken(t *testing.T) {
	var revoked, saved string
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			if tokenHash != auth.HashToken("old-refresh") {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: "usr_1", DisplayName: "Avery"}, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			revoked = tokenHash
			return nil
		},
		saveRefreshSessionFn: func(_ context.Context, tokenHash, _ string, _ time.Time) error {
			saved = tokenHash
			return nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if revoked != auth.HashToken("old-refresh") {
		t.Fatalf("expected old token revoked")
	}
	if saved == "" || saved != auth.HashToken(session.RefreshToken) {
		t.Fatalf("expected new refresh token saved")
	}
	if session.RefreshToken == "old-refresh" || session.Token == "" {
		t.Fatalf("expected fresh tokens, got %+v", session)
	}

	if _, err := svc.Refresh(context.Background(), ""); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestSessionFromTokenRejectsRevoked(t *testing.T) {
	svc := newTestService(&fakeStore{
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) { return true, nil },
	})
	_, err := svc.SessionFromToken(context.Background(), testToken(t, "usr_1"))
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
