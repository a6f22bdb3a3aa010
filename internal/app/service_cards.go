package app

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"nexusdash/api/internal/gitrepo"
	"nexusdash/api/internal/labels"
	"nexusdash/api/internal/rbac"
	"nexusdash/api/internal/richtext"
	"nexusdash/api/internal/search"
	"nexusdash/api/internal/store"
	"nexusdash/api/internal/util"
)

const (
	maxCardTitleLength  = 160
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type CardInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Color   *string `json:"color"`
}

func (s *Service) ListCards(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	cards, err := s.store.ListCards(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountAttachments(ctx, projectID, "card")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		out = append(out, cardPayload(card, counts[card.ID]))
	}
	return out, nil
}

func (s *Service) GetCard(ctx context.Context, session Session, projectID, cardID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	card, err := s.store.GetCard(ctx, projectID, cardID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, projectID, "card", cardID)
	if err != nil {
		return nil, err
	}
	return cardPayload(card, len(attachments)), nil
}

func (s *Service) CreateCard(ctx context.Context, session Session, projectID string, input CardInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if input.Title == nil {
		return nil, validationField("title", "title is required")
	}
	now := s.clock()
	card := store.Card{
		ID:        util.NewID("crd"),
		ProjectID: projectID,
		CreatedBy: session.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := applyCardInput(&card, input); err != nil {
		return nil, err
	}
	if err := s.store.InsertCard(ctx, card); err != nil {
		return nil, err
	}
	s.touchProject(ctx, projectID)
	s.recordCard(card, session.UserName, "Create card "+card.Title)
	s.indexCard(ctx, card)
	return cardPayload(card, 0), nil
}

func (s *Service) UpdateCard(ctx context.Context, session Session, projectID, cardID string, input CardInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	card, err := s.store.GetCard(ctx, projectID, cardID)
	if err != nil {
		return nil, err
	}
	if err := applyCardInput(&card, input); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateCard(ctx, card)
	if err != nil {
		return nil, err
	}
	s.touchProject(ctx, projectID)
	s.recordCard(updated, session.UserName, "Update card "+updated.Title)
	s.indexCard(ctx, updated)
	return cardPayload(updated, s.attachmentCount(ctx, projectID, "card", cardID)), nil
}

// applyCardInput validates input. A card without an explicit color gets
// one derived from its title.
func applyCardInput(card *store.Card, input CardInput) error {
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return validationField("title", "title is required")
		}
		if utf8.RuneCountInString(title) > maxCardTitleLength {
			return validationField("title", "title must be at most 160 characters")
		}
		card.Title = title
	}
	if input.Content != nil {
		content := richtext.Sanitize(*input.Content)
		if richtext.IsBlank(content) {
			content = ""
		}
		if len(content) > maxRichTextBytes {
			return domainError(http.StatusUnprocessableEntity, "CONTENT_TOO_LARGE", "content must be at most 100 KB", map[string]string{"field": "content"})
		}
		card.Content = content
	}
	if input.Color != nil {
		color := strings.ToLower(strings.TrimSpace(*input.Color))
		if color != "" && !labels.IsCardColor(color) {
			return domainError(http.StatusUnprocessableEntity, "INVALID_COLOR", "color must be one of "+strings.Join(labels.CardPalette, ", "), map[string]string{"field": "color"})
		}
		card.Color = color
	}
	if card.Color == "" {
		card.Color = labels.CardColor(card.Title)
	}
	return nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, projectID, cardID string) error {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionWrite); err != nil {
		return err
	}
	keys, err := s.store.DeleteCard(ctx, projectID, cardID)
	if err != nil {
		return err
	}
	s.deleteObjects(ctx, keys)
	s.touchProject(ctx, projectID)
	if s.history != nil {
		if err := s.history.RemoveCard(projectID, cardID, session.UserName); err != nil {
			s.logger().Warn("record card removal failed", zap.String("card_id", cardID), zap.Error(err))
		}
	}
	if s.search != nil {
		s.search.DeleteCard(ctx, cardID)
	}
	return nil
}

// CardHistory lists the card's revisions, newest first. Projects without
// history tracking return an empty list.
func (s *Service) CardHistory(ctx context.Context, session Session, projectID, cardID string, limit int) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCard(ctx, projectID, cardID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	payload := map[string]any{"cardId": cardID, "enabled": s.history != nil, "revisions": []gitrepo.Revision{}}
	if s.history == nil {
		return payload, nil
	}
	revisions, err := s.history.CardHistory(projectID, cardID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return payload, nil
	}
	if err != nil {
		return nil, err
	}
	payload["revisions"] = revisions
	return payload, nil
}

var revisionPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// CardRevision returns the card as it was at one history revision.
func (s *Service) CardRevision(ctx context.Context, session Session, projectID, cardID, hash string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCard(ctx, projectID, cardID); err != nil {
		return nil, err
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	if s.history == nil || !revisionPattern.MatchString(hash) {
		return nil, notFound("Revision not found")
	}
	snapshot, err := s.history.CardAt(projectID, cardID, hash)
	if err != nil {
		s.logger().Debug("card revision lookup failed", zap.String("card_id", cardID), zap.String("hash", hash), zap.Error(err))
		return nil, notFound("Revision not found")
	}
	return map[string]any{"cardId": cardID, "hash": hash, "card": snapshot}, nil
}

func (s *Service) recordCard(card store.Card, author, message string) {
	if s.history == nil {
		return
	}
	snapshot := gitrepo.CardSnapshot{ID: card.ID, Title: card.Title, Content: card.Content, Color: card.Color}
	if _, err := s.history.CommitCard(card.ProjectID, snapshot, author, message); err != nil && !errors.Is(err, gitrepo.ErrUnchanged) {
		s.logger().Warn("record card history failed", zap.String("card_id", card.ID), zap.Error(err))
	}
}

func (s *Service) indexCard(ctx context.Context, card store.Card) {
	if s.search == nil {
		return
	}
	s.search.IndexCard(ctx, search.CardRecord{
		ID:        card.ID,
		ProjectID: card.ProjectID,
		Title:     card.Title,
		Content:   richtext.PlainText(card.Content),
		Color:     card.Color,
	})
}

func cardPayload(card store.Card, attachmentCount int) map[string]any {
	return map[string]any{
		"id":              card.ID,
		"projectId":       card.ProjectID,
		"title":           card.Title,
		"content":         card.Content,
		"preview":         richtext.Preview(card.Content, 160),
		"color":           card.Color,
		"createdBy":       card.CreatedBy,
		"createdAt":       card.CreatedAt,
		"updatedAt":       card.UpdatedAt,
		"attachmentCount": attachmentCount,
	}
}
