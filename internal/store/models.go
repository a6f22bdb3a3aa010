package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectSummary is a project as listed for one user.
type ProjectSummary struct {
	Project
	Role       string
	TaskCounts map[string]int
	CardCount  int
}

type Member struct {
	ProjectID   string
	UserID      string
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	Position    int
	Labels      []string
	BlockedNote string
	DueDate     *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	ArchivedAt  *time.Time
}

type Card struct {
	ID        string
	ProjectID string
	Title     string
	Content   string
	Color     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Attachment struct {
	ID         string
	ProjectID  string
	OwnerKind  string
	OwnerID    string
	Kind       string
	Name       string
	URL        string
	StorageKey string
	MimeType   string
	Size       int64
	CreatedBy  string
	CreatedAt  time.Time
}

type PendingUpload struct {
	ID         string
	ProjectID  string
	OwnerKind  string
	OwnerID    string
	StorageKey string
	Name       string
	MimeType   string
	Size       int64
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type CalendarCredential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OAuthState binds an authorization request to the user who started it.
type OAuthState struct {
	UserID    string
	Verifier  string
	ExpiresAt time.Time
}
