package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"testing"
	"time"

	"nexusdash/api/internal/attachment"
	"nexusdash/api/internal/metrics"
	"nexusdash/api/internal/storage"
	"nexusdash/api/internal/store"
)

func newUploadService(t *testing.T, fs *fakeStore) (*Service, *storage.Local) {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir(), "http://api.test", storage.NewSigner("storage-secret"))
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}
	grant(fs, "editor")
	svc := newTestService(fs)
	svc.objects = local
	return svc, local
}

var taskOwner = Owner{ProjectID: "prj_1", Kind: attachment.OwnerTask, ID: "tsk_1"}

func pendingUpload(key string, size int64) store.PendingUpload {
	return store.PendingUpload{
		ID:         "upl_1",
		ProjectID:  "prj_1",
		OwnerKind:  "task",
		OwnerID:    "tsk_1",
		StorageKey: key,
		Name:       "notes.txt",
		MimeType:   "text/plain",
		Size:       size,
		CreatedBy:  "usr_editor",
		CreatedAt:  testNow,
		ExpiresAt:  testNow.Add(time.Hour),
	}
}

func TestRequestUploadReturnsSignedPut(t *testing.T) {
	var saved store.PendingUpload
	fs := &fakeStore{
		insertPendingUploadFn: func(_ context.Context, p store.PendingUpload) error {
			saved = p
			return nil
		},
	}
	svc, _ := newUploadService(t, fs)

	payload, err := svc.RequestUpload(context.Background(), Session{UserID: "usr_editor"}, taskOwner, UploadRequest{
		Name: "notes.txt", MimeType: "text/plain", Size: 12,
	})
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	if payload["method"] != http.MethodPut {
		t.Fatalf("expected PUT, got %v", payload["method"])
	}
	uploadURL, _ := payload["uploadUrl"].(string)
	if !strings.HasPrefix(uploadURL, "http://api.test"+storage.ObjectPathPrefix+"projects/prj_1/tasks/tsk_1/") {
		t.Fatalf("unexpected upload url %q", uploadURL)
	}
	if !strings.Contains(uploadURL, "op=put") || !strings.Contains(uploadURL, "sig=") {
		t.Fatalf("expected signed put url, got %q", uploadURL)
	}
	if saved.ID != payload["uploadId"] || saved.Size != 12 || !saved.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected pending row %+v", saved)
	}
}

func TestRequestUploadRejectsOversizedFile(t *testing.T) {
	svc, _ := newUploadService(t, &fakeStore{})

	_, err := svc.RequestUpload(context.Background(), Session{UserID: "usr_editor"}, taskOwner, UploadRequest{
		Name: "big.pdf", MimeType: "application/pdf", Size: 2 << 20,
	})
	assertDomainError(t, err, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")
}

func TestFinalizeUploadLifecycle(t *testing.T) {
	key := "projects/prj_1/tasks/tsk_1/abc-notes.txt"
	pending := pendingUpload(key, 5)
	consumed := false
	var finalized store.Attachment
	fs := &fakeStore{
		getPendingUploadFn: func(context.Context, string) (store.PendingUpload, error) {
			if consumed {
				return store.PendingUpload{}, sql.ErrNoRows
			}
			return pending, nil
		},
		finalizePendingUploadFn: func(_ context.Context, _ string, a store.Attachment) error {
			consumed = true
			finalized = a
			return nil
		},
	}
	svc, local := newUploadService(t, fs)
	session := Session{UserID: "usr_editor"}

	_, err := svc.FinalizeUpload(context.Background(), session, taskOwner, "upl_1")
	assertDomainError(t, err, http.StatusConflict, "UPLOAD_INCOMPLETE")

	if _, err := local.Save(context.Background(), key, strings.NewReader("hello"), -1, "text/plain"); err != nil {
		t.Fatalf("save object: %v", err)
	}
	payload, err := svc.FinalizeUpload(context.Background(), session, taskOwner, "upl_1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.StorageKey != key || finalized.Size != 5 || finalized.Kind != "file" {
		t.Fatalf("unexpected attachment %+v", finalized)
	}
	if payload["name"] != "notes.txt" {
		t.Fatalf("unexpected payload %v", payload)
	}

	_, err = svc.FinalizeUpload(context.Background(), session, taskOwner, "upl_1")
	assertDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestFinalizeUploadSizeMismatchDiscardsObject(t *testing.T) {
	key := "projects/prj_1/tasks/tsk_1/abc-notes.txt"
	deleted := ""
	fs := &fakeStore{
		getPendingUploadFn: func(context.Context, string) (store.PendingUpload, error) {
			return pendingUpload(key, 10), nil
		},
		deletePendingUploadFn: func(_ context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	svc, local := newUploadService(t, fs)
	if _, err := local.Save(context.Background(), key, strings.NewReader("hello"), -1, "text/plain"); err != nil {
		t.Fatalf("save object: %v", err)
	}

	_, err := svc.FinalizeUpload(context.Background(), Session{UserID: "usr_editor"}, taskOwner, "upl_1")
	assertDomainError(t, err, http.StatusUnprocessableEntity, "UPLOAD_SIZE_MISMATCH")
	if deleted != "upl_1" {
		t.Fatalf("expected pending row deleted, got %q", deleted)
	}
	if _, err := local.Stat(context.Background(), key); err != storage.ErrNotFound {
		t.Fatalf("expected object removed, got %v", err)
	}
}

func TestFinalizeUploadExpiredAndForeign(t *testing.T) {
	pending := pendingUpload("projects/prj_1/tasks/tsk_1/abc-notes.txt", 5)
	fs := &fakeStore{
		getPendingUploadFn: func(context.Context, string) (store.PendingUpload, error) { return pending, nil },
	}
	svc, _ := newUploadService(t, fs)

	_, err := svc.FinalizeUpload(context.Background(), Session{UserID: "usr_other"}, taskOwner, "upl_1")
	assertDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	otherOwner := Owner{ProjectID: "prj_1", Kind: attachment.OwnerCard, ID: "tsk_1"}
	_, err = svc.FinalizeUpload(context.Background(), Session{UserID: "usr_editor"}, otherOwner, "upl_1")
	assertDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	pending.ExpiresAt = testNow.Add(-time.Minute)
	_, err = svc.FinalizeUpload(context.Background(), Session{UserID: "usr_editor"}, taskOwner, "upl_1")
	assertDomainError(t, err, http.StatusGone, "UPLOAD_EXPIRED")
}

func TestCleanupUploadIsIdempotent(t *testing.T) {
	svc, _ := newUploadService(t, &fakeStore{})

	if err := svc.CleanupUpload(context.Background(), Session{UserID: "usr_editor"}, taskOwner, "upl_missing"); err != nil {
		t.Fatalf("cleanup of a missing upload should succeed: %v", err)
	}
}

func TestSweepExpiredUploads(t *testing.T) {
	batch := []store.PendingUpload{
		pendingUpload("projects/prj_1/tasks/tsk_1/a-one.txt", 1),
		pendingUpload("projects/prj_1/tasks/tsk_1/b-two.txt", 1),
	}
	batch[1].ID = "upl_2"
	calls := 0
	var deleted []string
	fs := &fakeStore{
		listExpiredUploadsFn: func(_ context.Context, now time.Time, limit int) ([]store.PendingUpload, error) {
			calls++
			if limit != sweepBatchSize {
				t.Fatalf("expected batch size %d, got %d", sweepBatchSize, limit)
			}
			if calls > 1 {
				return nil, nil
			}
			return batch, nil
		},
		deletePendingUploadFn: func(_ context.Context, id string) error {
			deleted = append(deleted, id)
			return nil
		},
	}
	svc, local := newUploadService(t, fs)
	svc.metrics = metrics.New()
	if _, err := local.Save(context.Background(), batch[0].StorageKey, strings.NewReader("x"), 1, "text/plain"); err != nil {
		t.Fatalf("save object: %v", err)
	}

	count, err := svc.SweepExpiredUploads(context.Background(), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 2 || len(deleted) != 2 {
		t.Fatalf("expected 2 swept uploads, got count=%d deleted=%v", count, deleted)
	}
	if _, err := local.Stat(context.Background(), batch[0].StorageKey); err != storage.ErrNotFound {
		t.Fatalf("expected object removed, got %v", err)
	}
}
