// Package gitrepo keeps the revision history of context cards in one git
// repository per project.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrUnchanged = errors.New("card content unchanged")
	ErrNoHistory = errors.New("no history for card")
)

// CardSnapshot is what gets committed for each card revision.
type CardSnapshot struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Color   string `json:"color"`
}

// Revision is one commit touching a card.
type Revision struct {
	Hash      string       `json:"hash"`
	Message   string       `json:"message"`
	Author    string       `json:"author"`
	CreatedAt time.Time    `json:"createdAt"`
	Changed   []string     `json:"changed"`
	Card      CardSnapshot `json:"card"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitCard writes the card snapshot and commits it. ErrUnchanged is
// returned when the stored snapshot already matches.
func (s *Service) CommitCard(projectID string, card CardSnapshot, author, message string) (Revision, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal card: %w", err)
	}
	payload = append(payload, '\n')

	rel := cardPath(card.ID)
	abs := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if existing, err := os.ReadFile(abs); err == nil && bytes.Equal(existing, payload) {
		return Revision{}, ErrUnchanged
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Revision{}, fmt.Errorf("create cards dir: %w", err)
	}
	if err := os.WriteFile(abs, payload, 0o644); err != nil {
		return Revision{}, fmt.Errorf("write card file: %w", err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Revision{}, fmt.Errorf("git add card: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return Revision{}, fmt.Errorf("commit card: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	rev := toRevision(commitObj)
	rev.Card = card
	return rev, nil
}

// RemoveCard records the deletion of a card. A card that was never
// committed is ignored.
func (s *Service) RemoveCard(projectID, cardID, author string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	rel := cardPath(cardID)
	if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := worktree.Remove(rel); err != nil {
		return fmt.Errorf("git rm card: %w", err)
	}
	if _, err := worktree.Commit("Delete card "+cardID, &git.CommitOptions{Author: signature(author)}); err != nil {
		return fmt.Errorf("commit card removal: %w", err)
	}
	return nil
}

// RemoveProject deletes the project's repository.
func (s *Service) RemoveProject(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(projectID)); err != nil {
		return fmt.Errorf("remove project history: %w", err)
	}
	return nil
}

// CardHistory lists revisions of a card, newest first. Each revision names
// the fields that changed relative to the previous one.
func (s *Service) CardHistory(projectID, cardID string, limit int) ([]Revision, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, ErrNoHistory
	}

	rel := cardPath(cardID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	present := make([]bool, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		rev := toRevision(commitObj)
		snap, err := readCard(commitObj, rel)
		switch {
		case err == nil:
			rev.Card = snap
			present = append(present, true)
		case errors.Is(err, object.ErrFileNotFound):
			present = append(present, false)
		default:
			return err
		}
		items = append(items, rev)
		// One extra entry lets the oldest returned revision be diffed.
		if limit > 0 && len(items) > limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoHistory
	}

	for i := range items {
		switch {
		case !present[i]:
			items[i].Changed = []string{"deleted"}
		case i+1 < len(items) && present[i+1]:
			items[i].Changed = DiffFields(items[i+1].Card, items[i].Card)
		default:
			items[i].Changed = []string{"created"}
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// CardAt returns the card snapshot stored at a revision.
func (s *Service) CardAt(projectID, cardID, hash string) (CardSnapshot, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return CardSnapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return CardSnapshot{}, fmt.Errorf("resolve revision %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return CardSnapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readCard(commitObj, cardPath(cardID))
}

// DiffFields names the snapshot fields that differ, in a stable order.
func DiffFields(from, to CardSnapshot) []string {
	changed := make([]string, 0, 3)
	if from.Color != to.Color {
		changed = append(changed, "color")
	}
	if from.Content != to.Content {
		changed = append(changed, "content")
	}
	if from.Title != to.Title {
		changed = append(changed, "title")
	}
	return changed
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	repoPath := s.repoPath(projectID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(repoPath, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func cardPath(cardID string) string {
	return path.Join("cards", cardID+".json")
}

func readCard(commitObj *object.Commit, rel string) (CardSnapshot, error) {
	file, err := commitObj.File(rel)
	if err != nil {
		return CardSnapshot{}, err
	}
	reader, err := file.Reader()
	if err != nil {
		return CardSnapshot{}, fmt.Errorf("open card reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return CardSnapshot{}, fmt.Errorf("read card bytes: %w", err)
	}
	var card CardSnapshot
	if err := json.Unmarshal(raw, &card); err != nil {
		return CardSnapshot{}, fmt.Errorf("decode card snapshot: %w", err)
	}
	return card, nil
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.nexusdash.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
