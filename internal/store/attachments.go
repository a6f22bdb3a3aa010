package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const attachmentColumns = `id, project_id, owner_kind, owner_id, kind, name, url, storage_key, mime_type, size_bytes, created_by, created_at`

func scanAttachment(row rowScanner) (Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.ProjectID, &a.OwnerKind, &a.OwnerID, &a.Kind, &a.Name, &a.URL, &a.StorageKey, &a.MimeType, &a.Size, &a.CreatedBy, &a.CreatedAt)
	return a, err
}

// OwnerExists reports whether the task or card exists inside the project.
func (s *PostgresStore) OwnerExists(ctx context.Context, projectID, ownerKind, ownerID string) (bool, error) {
	table := "tasks"
	if ownerKind == "card" {
		table = "context_cards"
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1 AND project_id=$2)`, ownerID, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", ownerKind, err)
	}
	return exists, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, projectID, ownerKind, ownerID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE project_id=$1 AND owner_kind=$2 AND owner_id=$3
		ORDER BY created_at, id
	`, projectID, ownerKind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	var items []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// CountAttachments returns attachment counts per owner id for one owner kind.
func (s *PostgresStore) CountAttachments(ctx context.Context, projectID, ownerKind string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, COUNT(*) FROM attachments WHERE project_id=$1 AND owner_kind=$2 GROUP BY owner_id
	`, projectID, ownerKind)
	if err != nil {
		return nil, fmt.Errorf("count attachments: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var ownerID string
		var count int
		if err := rows.Scan(&ownerID, &count); err != nil {
			return nil, fmt.Errorf("scan attachment count: %w", err)
		}
		counts[ownerID] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) GetAttachment(ctx context.Context, projectID, ownerKind, ownerID, attachmentID string) (Attachment, error) {
	return scanAttachment(s.db.QueryRowContext(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE id=$1 AND project_id=$2 AND owner_kind=$3 AND owner_id=$4
	`, attachmentID, projectID, ownerKind, ownerID))
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) error {
	return insertAttachment(ctx, s.db, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAttachment(ctx context.Context, db execer, a Attachment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO attachments (id, project_id, owner_kind, owner_id, kind, name, url, storage_key, mime_type, size_bytes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.ProjectID, a.OwnerKind, a.OwnerID, a.Kind, a.Name, a.URL, a.StorageKey, a.MimeType, a.Size, a.CreatedBy, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, projectID, attachmentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1 AND project_id=$2`, attachmentID, projectID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return expectOneRow(result)
}

const pendingColumns = `id, project_id, owner_kind, owner_id, storage_key, name, mime_type, size_bytes, created_by, created_at, expires_at`

func scanPending(row rowScanner) (PendingUpload, error) {
	var p PendingUpload
	err := row.Scan(&p.ID, &p.ProjectID, &p.OwnerKind, &p.OwnerID, &p.StorageKey, &p.Name, &p.MimeType, &p.Size, &p.CreatedBy, &p.CreatedAt, &p.ExpiresAt)
	return p, err
}

func (s *PostgresStore) InsertPendingUpload(ctx context.Context, p PendingUpload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_uploads (id, project_id, owner_kind, owner_id, storage_key, name, mime_type, size_bytes, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.ProjectID, p.OwnerKind, p.OwnerID, p.StorageKey, p.Name, p.MimeType, p.Size, p.CreatedBy, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert pending upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPendingUpload(ctx context.Context, uploadID string) (PendingUpload, error) {
	return scanPending(s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_uploads WHERE id=$1`, uploadID))
}

// FinalizePendingUpload converts a pending upload into an attachment. The
// pending row is deleted and the attachment inserted in one transaction;
// sql.ErrNoRows means another finalize already consumed it.
func (s *PostgresStore) FinalizePendingUpload(ctx context.Context, uploadID string, a Attachment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM pending_uploads WHERE id=$1`, uploadID)
		if err != nil {
			return fmt.Errorf("consume pending upload: %w", err)
		}
		if err := expectOneRow(result); err != nil {
			return err
		}
		return insertAttachment(ctx, tx, a)
	})
}

func (s *PostgresStore) DeletePendingUpload(ctx context.Context, uploadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_uploads WHERE id=$1`, uploadID)
	if err != nil {
		return fmt.Errorf("delete pending upload: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]PendingUpload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_uploads WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired uploads: %w", err)
	}
	defer rows.Close()
	var items []PendingUpload
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending upload: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
