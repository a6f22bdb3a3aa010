package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]ProjectSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.owner_id, p.name, p.description, p.created_at, p.updated_at,
			CASE WHEN p.owner_id = $1 THEN 'owner' ELSE pm.role END,
			(SELECT COUNT(*) FROM context_cards c WHERE c.project_id = p.id)
		FROM projects p
		LEFT JOIN project_members pm ON pm.project_id = p.id AND pm.user_id = $1
		WHERE p.owner_id = $1 OR pm.user_id IS NOT NULL
		ORDER BY p.updated_at DESC, p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var items []ProjectSummary
	index := map[string]int{}
	var ids []string
	for rows.Next() {
		var item ProjectSummary
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt, &item.Role, &item.CardCount); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		item.TaskCounts = map[string]int{}
		index[item.ID] = len(items)
		ids = append(ids, item.ID)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}

	countRows, err := s.db.QueryContext(ctx, `
		SELECT project_id, status, COUNT(*)
		FROM tasks
		WHERE project_id = ANY($1) AND archived_at IS NULL
		GROUP BY project_id, status
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer countRows.Close()
	for countRows.Next() {
		var projectID, status string
		var count int
		if err := countRows.Scan(&projectID, &status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		items[index[projectID]].TaskCounts[status] = count
	}
	return items, countRows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, created_at, updated_at FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.OwnerID, &project.Name, &project.Description, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// ProjectAccess returns the project owner and the user's membership role
// ("" when not a member). sql.ErrNoRows means the project does not exist.
func (s *PostgresStore) ProjectAccess(ctx context.Context, projectID, userID string) (ownerID, memberRole string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT p.owner_id, COALESCE(pm.role, '')
		FROM projects p
		LEFT JOIN project_members pm ON pm.project_id = p.id AND pm.user_id = $2
		WHERE p.id = $1
	`, projectID, userID).Scan(&ownerID, &memberRole)
	return ownerID, memberRole, err
}

func (s *PostgresStore) AccessibleProjectIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM projects WHERE owner_id = $1
		UNION
		SELECT project_id FROM project_members WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accessible projects: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, project.ID, project.OwnerID, project.Name, project.Description, project.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, description=$3, updated_at=NOW() WHERE id=$1
	`, projectID, name, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return expectOneRow(result)
}

// TouchProject bumps updated_at so the project sorts first in listings.
func (s *PostgresStore) TouchProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// DeleteProject removes the project and every dependent row, returning the
// storage keys that were referenced so the caller can delete the objects.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT storage_key FROM attachments WHERE project_id=$1 AND storage_key <> ''
			UNION ALL
			SELECT storage_key FROM pending_uploads WHERE project_id=$1
		`, projectID)
		if err != nil {
			return fmt.Errorf("list project objects: %w", err)
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
		result, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return expectOneRow(result)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, u.id, u.email, u.display_name, 'owner', p.created_at
		FROM projects p JOIN users u ON u.id = p.owner_id
		WHERE p.id = $1
		UNION ALL
		SELECT pm.project_id, u.id, u.email, u.display_name, pm.role, pm.created_at
		FROM project_members pm JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY 6, 4
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
	`, projectID, userID, role)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, projectID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET role=$3 WHERE project_id=$1 AND user_id=$2
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return expectOneRow(result)
}
