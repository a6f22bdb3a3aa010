package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nexusdash/api/internal/attachment"
	"nexusdash/api/internal/rbac"
	"nexusdash/api/internal/storage"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

const sweepBatchSize = 100

var errUploadNotFound = notFound("Upload not found")

type UploadRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// RequestUpload reserves a storage key and returns a signed URL the client
// PUTs the bytes to.
func (s *Service) RequestUpload(ctx context.Context, session Session, owner Owner, req UploadRequest) (map[string]any, error) {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, errStorageUnavailable
	}
	file, err := attachment.ValidateFile(req.Name, req.MimeType, req.Size, s.cfg.Storage.MaxAttachmentBytes)
	if err != nil {
		return nil, attachmentError(err)
	}
	now := s.clock()
	pending := store.PendingUpload{
		ID:         util.NewID("upl"),
		ProjectID:  owner.ProjectID,
		OwnerKind:  string(owner.Kind),
		OwnerID:    owner.ID,
		StorageKey: attachment.StorageKey(owner.ProjectID, owner.Kind, owner.ID, file.Name),
		Name:       file.Name,
		MimeType:   file.MimeType,
		Size:       file.Size,
		CreatedBy:  session.UserID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Storage.PendingUploadTTL),
	}
	uploadURL, err := s.objects.SignedUploadURL(ctx, pending.StorageKey, pending.MimeType, s.cfg.Storage.UploadURLTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertPendingUpload(ctx, pending); err != nil {
		return nil, err
	}
	return map[string]any{
		"uploadId":  pending.ID,
		"uploadUrl": uploadURL,
		"method":    http.MethodPut,
		"headers":   map[string]string{"Content-Type": pending.MimeType},
		"expiresAt": pending.ExpiresAt,
	}, nil
}

// pendingFor loads an upload that the caller created for this owner. Any
// mismatch looks like a missing upload.
func (s *Service) pendingFor(ctx context.Context, session Session, owner Owner, uploadID string) (store.PendingUpload, error) {
	pending, err := s.store.GetPendingUpload(ctx, uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PendingUpload{}, errUploadNotFound
	}
	if err != nil {
		return store.PendingUpload{}, err
	}
	if pending.CreatedBy != session.UserID || pending.ProjectID != owner.ProjectID ||
		pending.OwnerKind != string(owner.Kind) || pending.OwnerID != owner.ID {
		return store.PendingUpload{}, errUploadNotFound
	}
	return pending, nil
}

// FinalizeUpload turns a completed direct upload into an attachment.
func (s *Service) FinalizeUpload(ctx context.Context, session Session, owner Owner, uploadID string) (map[string]any, error) {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, errStorageUnavailable
	}
	pending, err := s.pendingFor(ctx, session, owner, uploadID)
	if err != nil {
		return nil, err
	}
	if !s.clock().Before(pending.ExpiresAt) {
		s.discardUpload(ctx, pending)
		return nil, domainError(http.StatusGone, "UPLOAD_EXPIRED", "Upload expired", nil)
	}
	info, err := s.objects.Stat(ctx, pending.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domainError(http.StatusConflict, "UPLOAD_INCOMPLETE", "Upload has not been received", nil)
	}
	if err != nil {
		return nil, err
	}
	if info.Size != pending.Size {
		s.discardUpload(ctx, pending)
		return nil, domainError(http.StatusUnprocessableEntity, "UPLOAD_SIZE_MISMATCH", "Uploaded size does not match the declared size",
			map[string]int64{"expected": pending.Size, "actual": info.Size})
	}

	a := store.Attachment{
		ID:         util.NewID("att"),
		ProjectID:  pending.ProjectID,
		OwnerKind:  pending.OwnerKind,
		OwnerID:    pending.OwnerID,
		Kind:       string(attachment.KindFile),
		Name:       pending.Name,
		StorageKey: pending.StorageKey,
		MimeType:   pending.MimeType,
		Size:       info.Size,
		CreatedBy:  session.UserID,
		CreatedAt:  s.clock(),
	}
	if err := s.store.FinalizePendingUpload(ctx, pending.ID, a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUploadNotFound
		}
		return nil, err
	}
	s.touchProject(ctx, owner.ProjectID)
	return attachmentPayload(a), nil
}

// CleanupUpload abandons a direct upload. Repeating it is harmless.
func (s *Service) CleanupUpload(ctx context.Context, session Session, owner Owner, uploadID string) error {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionWrite); err != nil {
		return err
	}
	pending, err := s.pendingFor(ctx, session, owner, uploadID)
	if errors.Is(err, errUploadNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.discardUpload(ctx, pending)
	return nil
}

func (s *Service) discardUpload(ctx context.Context, pending store.PendingUpload) {
	s.deleteObjects(ctx, []string{pending.StorageKey})
	err := s.store.DeletePendingUpload(context.WithoutCancel(ctx), pending.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	s.logOnly("delete pending upload failed", err, zap.String("upload_id", pending.ID))
}

// SweepExpiredUploads removes expired pending uploads in batches and returns
// how many were removed.
func (s *Service) SweepExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		batch, err := s.store.ListExpiredUploads(ctx, now, sweepBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		removed := 0
		for _, pending := range batch {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if s.objects != nil {
				if err := s.objects.Delete(ctx, pending.StorageKey); err != nil {
					s.logOnly("sweep object failed", err, zap.String("upload_id", pending.ID))
					continue
				}
			}
			err := s.store.DeletePendingUpload(ctx, pending.ID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				s.logOnly("sweep pending upload failed", err, zap.String("upload_id", pending.ID))
				continue
			}
			removed++
		}
		total += removed
		s.metrics.AddSwept(removed)
		if removed == 0 || len(batch) < sweepBatchSize {
			break
		}
	}
	if total > 0 {
		s.logger().Info("swept expired uploads", zap.Int("count", total))
	}
	return total, nil
}
