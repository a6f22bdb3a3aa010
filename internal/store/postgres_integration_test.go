package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("NEXUS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("NEXUS_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, Pool{MaxOpenConns: 4, MaxIdleConns: 2})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedUser(t *testing.T, ctx context.Context, s *PostgresStore, id, email string) {
	t.Helper()
	if err := s.CreateUser(ctx, User{ID: id, DisplayName: id, Email: email, IsEmailVerified: true}); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
}

func TestPostgresProjectMembershipAndBoard(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedUser(t, ctx, s, "usr_owner", "owner@example.com")
	seedUser(t, ctx, s, "usr_viewer", "viewer@example.com")

	now := time.Now().UTC()
	if err := s.InsertProject(ctx, Project{ID: "prj_1", OwnerID: "usr_owner", Name: "Launch", CreatedAt: now}); err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	if err := s.AddMember(ctx, "prj_1", "usr_viewer", "viewer"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := s.AddMember(ctx, "prj_1", "usr_viewer", "editor"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	owner, role, err := s.ProjectAccess(ctx, "prj_1", "usr_viewer")
	if err != nil || owner != "usr_owner" || role != "viewer" {
		t.Fatalf("ProjectAccess() = %q %q %v", owner, role, err)
	}

	for i, title := range []string{"a", "b", "c"} {
		pos, err := s.InsertTask(ctx, Task{ID: "tsk_" + title, ProjectID: "prj_1", Title: title, Status: "Backlog", CreatedBy: "usr_owner", CreatedAt: now})
		if err != nil {
			t.Fatalf("InsertTask() error = %v", err)
		}
		if pos != i {
			t.Fatalf("expected position %d, got %d", i, pos)
		}
	}
	err = s.ReorderTasks(ctx, "prj_1", map[string][]string{"Backlog": {"tsk_c", "tsk_a"}, "Done": {"tsk_b"}})
	if err != nil {
		t.Fatalf("ReorderTasks() error = %v", err)
	}
	done, err := s.GetTask(ctx, "prj_1", "tsk_b")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if done.Status != "Done" || done.Position != 0 || done.CompletedAt == nil {
		t.Fatalf("unexpected reordered task %+v", done)
	}
	if err := s.ReorderTasks(ctx, "prj_1", map[string][]string{"Backlog": {"tsk_missing"}}); !errors.Is(err, ErrNotInProject) {
		t.Fatalf("expected ErrNotInProject, got %v", err)
	}

	summaries, err := s.ListProjectsForUser(ctx, "usr_viewer")
	if err != nil || len(summaries) != 1 {
		t.Fatalf("ListProjectsForUser() = %v %v", summaries, err)
	}
	if summaries[0].Role != "viewer" || summaries[0].TaskCounts["Backlog"] != 2 || summaries[0].TaskCounts["Done"] != 1 {
		t.Fatalf("unexpected summary %+v", summaries[0])
	}

	if _, err := s.SetTaskArchived(ctx, "prj_1", "tsk_b", &now); err != nil {
		t.Fatalf("SetTaskArchived() error = %v", err)
	}
	if err := s.ReorderTasks(ctx, "prj_1", map[string][]string{"Backlog": {"tsk_c", "tsk_a", "tsk_b"}}); err != nil {
		t.Fatalf("ReorderTasks() error = %v", err)
	}
	reopened, err := s.GetTask(ctx, "prj_1", "tsk_b")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if reopened.ArchivedAt != nil || reopened.CompletedAt != nil {
		t.Fatalf("moving out of Done must clear archive and completion, got %+v", reopened)
	}
}

func TestPostgresFinalizePendingUploadOnce(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedUser(t, ctx, s, "usr_owner", "owner@example.com")
	now := time.Now().UTC()
	if err := s.InsertProject(ctx, Project{ID: "prj_1", OwnerID: "usr_owner", Name: "Launch", CreatedAt: now}); err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	if _, err := s.InsertTask(ctx, Task{ID: "tsk_1", ProjectID: "prj_1", Title: "t", Status: "Backlog", CreatedBy: "usr_owner", CreatedAt: now}); err != nil {
		t.Fatalf("InsertTask() error = %v", err)
	}
	pending := PendingUpload{
		ID: "upl_1", ProjectID: "prj_1", OwnerKind: "task", OwnerID: "tsk_1",
		StorageKey: "projects/prj_1/tasks/tsk_1/x-a.txt", Name: "a.txt", MimeType: "text/plain", Size: 3,
		CreatedBy: "usr_owner", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.InsertPendingUpload(ctx, pending); err != nil {
		t.Fatalf("InsertPendingUpload() error = %v", err)
	}
	attachment := Attachment{
		ID: "att_1", ProjectID: "prj_1", OwnerKind: "task", OwnerID: "tsk_1", Kind: "file",
		Name: "a.txt", StorageKey: pending.StorageKey, MimeType: "text/plain", Size: 3, CreatedBy: "usr_owner", CreatedAt: now,
	}
	if err := s.FinalizePendingUpload(ctx, "upl_1", attachment); err != nil {
		t.Fatalf("FinalizePendingUpload() error = %v", err)
	}
	attachment.ID = "att_2"
	if err := s.FinalizePendingUpload(ctx, "upl_1", attachment); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second finalize, got %v", err)
	}
	items, err := s.ListAttachments(ctx, "prj_1", "task", "tsk_1")
	if err != nil || len(items) != 1 {
		t.Fatalf("ListAttachments() = %v %v", items, err)
	}

	keys, err := s.DeleteTask(ctx, "prj_1", "tsk_1")
	if err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != pending.StorageKey {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestPostgresOAuthStateSingleUse(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	seedUser(t, ctx, s, "usr_1", "one@example.com")
	state := OAuthState{UserID: "usr_1", Verifier: "v", ExpiresAt: time.Now().Add(10 * time.Minute)}
	if err := s.SaveOAuthState(ctx, "hash", state); err != nil {
		t.Fatalf("SaveOAuthState() error = %v", err)
	}
	got, err := s.ConsumeOAuthState(ctx, "hash")
	if err != nil || got.UserID != "usr_1" || got.Verifier != "v" {
		t.Fatalf("ConsumeOAuthState() = %+v %v", got, err)
	}
	if _, err := s.ConsumeOAuthState(ctx, "hash"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected state to be single use, got %v", err)
	}
}
