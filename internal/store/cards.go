package store

import (
	"context"
	"fmt"
)

const cardColumns = `id, project_id, title, content, color, created_by, created_at, updated_at`

func scanCard(row rowScanner) (Card, error) {
	var card Card
	err := row.Scan(&card.ID, &card.ProjectID, &card.Title, &card.Content, &card.Color, &card.CreatedBy, &card.CreatedAt, &card.UpdatedAt)
	return card, err
}

func (s *PostgresStore) ListCards(ctx context.Context, projectID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM context_cards WHERE project_id=$1 ORDER BY updated_at DESC, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	var cards []Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func (s *PostgresStore) GetCard(ctx context.Context, projectID, cardID string) (Card, error) {
	return scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM context_cards WHERE id=$1 AND project_id=$2`, cardID, projectID))
}

func (s *PostgresStore) InsertCard(ctx context.Context, card Card) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_cards (id, project_id, title, content, color, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, card.ID, card.ProjectID, card.Title, card.Content, card.Color, card.CreatedBy, card.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCard(ctx context.Context, card Card) (Card, error) {
	return scanCard(s.db.QueryRowContext(ctx, `
		UPDATE context_cards SET title=$3, content=$4, color=$5, updated_at=NOW()
		WHERE id=$1 AND project_id=$2
		RETURNING `+cardColumns, card.ID, card.ProjectID, card.Title, card.Content, card.Color))
}

// DeleteCard removes the card with its attachments and pending uploads and
// returns the storage keys they referenced.
func (s *PostgresStore) DeleteCard(ctx context.Context, projectID, cardID string) ([]string, error) {
	return s.deleteOwner(ctx, projectID, "card", cardID, `DELETE FROM context_cards WHERE id=$1 AND project_id=$2`)
}
