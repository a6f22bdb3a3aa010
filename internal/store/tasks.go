package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nexusdash/api/internal/labels"
)

// ErrNotInProject is returned when a referenced row belongs to another
// project.
var ErrNotInProject = errors.New("store: row does not belong to project")

const taskColumns = `id, project_id, title, description, status, position, labels, blocked_note, due_date, created_by, created_at, updated_at, completed_at, archived_at`

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var rawLabels string
	var dueDate, completedAt, archivedAt sql.NullTime
	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Position,
		&rawLabels,
		&task.BlockedNote,
		&dueDate,
		&task.CreatedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
		&archivedAt,
	)
	if err != nil {
		return Task{}, err
	}
	task.Labels = labels.Parse(rawLabels)
	task.DueDate = nullTimePtr(dueDate)
	task.CompletedAt = nullTimePtr(completedAt)
	task.ArchivedAt = nullTimePtr(archivedAt)
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string, includeArchived bool) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id = $1 AND ($2 OR archived_at IS NULL)
		ORDER BY position, created_at
	`, projectID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, projectID, taskID string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 AND project_id=$2`, taskID, projectID))
}

// InsertTask appends the task at the end of its status column and returns
// the assigned position.
func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (int, error) {
	var position int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, position, labels, blocked_note, due_date, created_by, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE project_id = $2 AND status = $5 AND archived_at IS NULL),
			$6, $7, $8, $9, $10, $10, $11)
		RETURNING position
	`, task.ID, task.ProjectID, task.Title, task.Description, task.Status, labels.Serialize(task.Labels), task.BlockedNote, task.DueDate, task.CreatedBy, task.CreatedAt, task.CompletedAt).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return position, nil
}

// UpdateTask writes every mutable field. When moveToEnd is set the task is
// appended to the end of its (new) status column.
func (s *PostgresStore) UpdateTask(ctx context.Context, task Task, moveToEnd bool) (Task, error) {
	updated, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks SET
			title = $3,
			description = $4,
			status = $5,
			position = CASE WHEN $6 THEN
				(SELECT COALESCE(MAX(t.position) + 1, 0) FROM tasks t WHERE t.project_id = $2 AND t.status = $5 AND t.archived_at IS NULL AND t.id <> $1)
				ELSE position END,
			labels = $7,
			blocked_note = $8,
			due_date = $9,
			completed_at = $10,
			archived_at = $11,
			updated_at = NOW()
		WHERE id = $1 AND project_id = $2
		RETURNING `+taskColumns,
		task.ID, task.ProjectID, task.Title, task.Description, task.Status, moveToEnd,
		labels.Serialize(task.Labels), task.BlockedNote, task.DueDate, task.CompletedAt, task.ArchivedAt,
	))
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// ReorderTasks assigns status and positions 0..n-1 for each column in one
// transaction. Every id must belong to projectID.
func (s *PostgresStore) ReorderTasks(ctx context.Context, projectID string, columns map[string][]string) error {
	var ids []string
	for _, taskIDs := range columns {
		ids = append(ids, taskIDs...)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owned int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE project_id = $1 AND id = ANY($2)
		`, projectID, ids).Scan(&owned); err != nil {
			return fmt.Errorf("check task ownership: %w", err)
		}
		if owned != len(ids) {
			return ErrNotInProject
		}
		for status, taskIDs := range columns {
			for position, taskID := range taskIDs {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET
						status = $3,
						position = $4,
						completed_at = CASE WHEN $3 = 'Done' THEN COALESCE(completed_at, NOW()) ELSE NULL END,
						blocked_note = CASE WHEN $3 = 'Blocked' THEN blocked_note ELSE '' END,
						archived_at = CASE WHEN $3 = 'Done' THEN archived_at ELSE NULL END,
						updated_at = CASE WHEN status <> $3 OR position <> $4 THEN NOW() ELSE updated_at END
					WHERE id = $2 AND project_id = $1
				`, projectID, taskID, status, position); err != nil {
					return fmt.Errorf("reorder task %s: %w", taskID, err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) SetTaskArchived(ctx context.Context, projectID, taskID string, archivedAt *time.Time) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks SET archived_at = $3, updated_at = NOW()
		WHERE id = $1 AND project_id = $2
		RETURNING `+taskColumns, taskID, projectID, archivedAt))
}

// DeleteTask removes the task with its attachments and pending uploads and
// returns the storage keys they referenced.
func (s *PostgresStore) DeleteTask(ctx context.Context, projectID, taskID string) ([]string, error) {
	return s.deleteOwner(ctx, projectID, "task", taskID, `DELETE FROM tasks WHERE id=$1 AND project_id=$2`)
}

// ListTaskLabels returns the label sets of the project's unarchived tasks.
func (s *PostgresStore) ListTaskLabels(ctx context.Context, projectID string) ([][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT labels FROM tasks WHERE project_id = $1 AND archived_at IS NULL AND labels <> '[]' ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()
	var sets [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan labels: %w", err)
		}
		sets = append(sets, labels.Parse(raw))
	}
	return sets, rows.Err()
}

func (s *PostgresStore) deleteOwner(ctx context.Context, projectID, ownerKind, ownerID, deleteSQL string) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT storage_key FROM attachments WHERE project_id=$1 AND owner_kind=$2 AND owner_id=$3 AND storage_key <> ''
			UNION ALL
			SELECT storage_key FROM pending_uploads WHERE project_id=$1 AND owner_kind=$2 AND owner_id=$3
		`, projectID, ownerKind, ownerID)
		if err != nil {
			return fmt.Errorf("list %s objects: %w", ownerKind, err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return fmt.Errorf("scan storage key: %w", err)
			}
			keys = append(keys, key)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE project_id=$1 AND owner_kind=$2 AND owner_id=$3`, projectID, ownerKind, ownerID); err != nil {
			return fmt.Errorf("delete %s attachments: %w", ownerKind, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_uploads WHERE project_id=$1 AND owner_kind=$2 AND owner_id=$3`, projectID, ownerKind, ownerID); err != nil {
			return fmt.Errorf("delete %s uploads: %w", ownerKind, err)
		}
		result, err := tx.ExecContext(ctx, deleteSQL, ownerID, projectID)
		if err != nil {
			return fmt.Errorf("delete %s: %w", ownerKind, err)
		}
		return expectOneRow(result)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
