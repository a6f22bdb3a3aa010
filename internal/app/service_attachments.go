package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nexusdash/api/internal/attachment"
	"nexusdash/api/internal/rbac"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

var errStorageUnavailable = domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage not configured", nil)

// Owner identifies the task or card an attachment hangs off.
type Owner struct {
	ProjectID string
	Kind      attachment.OwnerKind
	ID        string
}

// requireOwner checks access to the project and that the owner exists in it.
func (s *Service) requireOwner(ctx context.Context, session Session, owner Owner, action rbac.Action) error {
	if _, err := s.authorize(ctx, session, owner.ProjectID, action); err != nil {
		return err
	}
	exists, err := s.store.OwnerExists(ctx, owner.ProjectID, string(owner.Kind), owner.ID)
	if err != nil {
		return err
	}
	if !exists {
		if owner.Kind == attachment.OwnerCard {
			return notFound("Card not found")
		}
		return notFound("Task not found")
	}
	return nil
}

func (s *Service) ListAttachments(ctx context.Context, session Session, owner Owner) ([]map[string]any, error) {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListAttachments(ctx, owner.ProjectID, string(owner.Kind), owner.ID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, attachmentPayload(item))
	}
	return out, nil
}

func (s *Service) AddLink(ctx context.Context, session Session, owner Owner, rawURL, name string) (map[string]any, error) {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionWrite); err != nil {
		return nil, err
	}
	link, err := attachment.ValidateLink(rawURL, name)
	if err != nil {
		return nil, attachmentError(err)
	}
	a := store.Attachment{
		ID:        util.NewID("att"),
		ProjectID: owner.ProjectID,
		OwnerKind: string(owner.Kind),
		OwnerID:   owner.ID,
		Kind:      string(attachment.KindLink),
		Name:      link.Name,
		URL:       link.URL,
		CreatedBy: session.UserID,
		CreatedAt: s.clock(),
	}
	if err := s.store.InsertAttachment(ctx, a); err != nil {
		return nil, err
	}
	s.touchProject(ctx, owner.ProjectID)
	return attachmentPayload(a), nil
}

// UploadFile streams body to the storage provider and records the
// attachment. The object is removed again if the row cannot be written.
func (s *Service) UploadFile(ctx context.Context, session Session, owner Owner, name, mimeType string, size int64, body io.Reader) (map[string]any, error) {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, errStorageUnavailable
	}
	file, err := attachment.ValidateFile(name, mimeType, size, s.cfg.Storage.MaxAttachmentBytes)
	if err != nil {
		return nil, attachmentError(err)
	}
	key := attachment.StorageKey(owner.ProjectID, owner.Kind, owner.ID, file.Name)
	info, err := s.objects.Save(ctx, key, io.LimitReader(body, file.Size+1), file.Size, file.MimeType)
	if err != nil {
		return nil, err
	}
	a := store.Attachment{
		ID:         util.NewID("att"),
		ProjectID:  owner.ProjectID,
		OwnerKind:  string(owner.Kind),
		OwnerID:    owner.ID,
		Kind:       string(attachment.KindFile),
		Name:       file.Name,
		StorageKey: key,
		MimeType:   file.MimeType,
		Size:       info.Size,
		CreatedBy:  session.UserID,
		CreatedAt:  s.clock(),
	}
	if err := s.store.InsertAttachment(ctx, a); err != nil {
		s.deleteObjects(ctx, []string{key})
		return nil, err
	}
	s.touchProject(ctx, owner.ProjectID)
	return attachmentPayload(a), nil
}

// DownloadURL returns where the client should fetch the attachment from.
// DownloadTarget is where a client fetches an attachment. ExpiresAt is nil
// for links, which never expire.
type DownloadTarget struct {
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Service) DownloadURL(ctx context.Context, session Session, owner Owner, attachmentID string) (DownloadTarget, error) {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionRead); err != nil {
		return DownloadTarget{}, err
	}
	a, err := s.store.GetAttachment(ctx, owner.ProjectID, string(owner.Kind), owner.ID, attachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DownloadTarget{}, notFound("Attachment not found")
	}
	if err != nil {
		return DownloadTarget{}, err
	}
	if a.Kind == string(attachment.KindLink) {
		return DownloadTarget{URL: a.URL}, nil
	}
	if s.objects == nil {
		return DownloadTarget{}, errStorageUnavailable
	}
	ttl := s.cfg.Storage.DownloadURLTTL
	expiresAt := s.clock().Add(ttl)
	signed, err := s.objects.SignedDownloadURL(ctx, a.StorageKey, a.Name, ttl)
	if err != nil {
		return DownloadTarget{}, err
	}
	return DownloadTarget{URL: signed, ExpiresAt: &expiresAt}, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, owner Owner, attachmentID string) error {
	if err := s.requireOwner(ctx, session, owner, rbac.ActionWrite); err != nil {
		return err
	}
	a, err := s.store.GetAttachment(ctx, owner.ProjectID, string(owner.Kind), owner.ID, attachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("Attachment not found")
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, owner.ProjectID, a.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Attachment not found")
		}
		return err
	}
	if a.StorageKey != "" {
		s.deleteObjects(ctx, []string{a.StorageKey})
	}
	s.touchProject(ctx, owner.ProjectID)
	return nil
}

func attachmentError(err error) error {
	switch {
	case errors.Is(err, attachment.ErrFileTooLarge):
		return domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil)
	case errors.Is(err, attachment.ErrTypeNotAllowed):
		return domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", err.Error(), nil)
	case errors.Is(err, attachment.ErrInvalidURL),
		errors.Is(err, attachment.ErrURLTooLong),
		errors.Is(err, attachment.ErrLinkNameTooLong):
		return validationField("url", err.Error())
	}
	return validationField("file", err.Error())
}

func attachmentPayload(a store.Attachment) map[string]any {
	payload := map[string]any{
		"id":        a.ID,
		"ownerKind": a.OwnerKind,
		"ownerId":   a.OwnerID,
		"kind":      a.Kind,
		"name":      a.Name,
		"createdBy": a.CreatedBy,
		"createdAt": a.CreatedAt,
	}
	if a.Kind == string(attachment.KindLink) {
		payload["url"] = a.URL
	} else {
		payload["mimeType"] = a.MimeType
		payload["size"] = a.Size
	}
	return payload
}

// logOnly is used where a cleanup step must not fail the caller.
func (s *Service) logOnly(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	s.logger().Warn(msg, append(fields, zap.Error(err))...)
}

// attachmentCount logs lookup failures and reports 0.
func (s *Service) attachmentCount(ctx context.Context, projectID, ownerKind, ownerID string) int {
	items, err := s.store.ListAttachments(ctx, projectID, ownerKind, ownerID)
	if err != nil {
		s.logOnly("count attachments failed", err, zap.String("owner_id", ownerID))
		return 0
	}
	return len(items)
}
