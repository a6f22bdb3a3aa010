// Package attachment validates uploaded files and external links before they
// become task or card attachments, and builds their storage keys.
package attachment

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

type Kind string

const (
	KindFile Kind = "file"
	KindLink Kind = "link"
)

type OwnerKind string

const (
	OwnerTask OwnerKind = "task"
	OwnerCard OwnerKind = "card"
)

// Collection is the storage key segment for the owner kind.
func (k OwnerKind) Collection() string {
	if k == OwnerCard {
		return "cards"
	}
	return "tasks"
}

func ParseOwnerKind(raw string) (OwnerKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "task", "tasks":
		return OwnerTask, true
	case "card", "cards":
		return OwnerCard, true
	}
	return "", false
}

const (
	MaxNameLength = 255
	MaxURLLength  = 2048
)

var (
	ErrNameRequired    = errors.New("file name is required")
	ErrNameTooLong     = fmt.Errorf("file name exceeds %d characters", MaxNameLength)
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file exceeds the size limit")
	ErrTypeNotAllowed  = errors.New("file type is not allowed")
	ErrInvalidURL      = errors.New("link must be an absolute http or https URL")
	ErrURLTooLong      = fmt.Errorf("link exceeds %d characters", MaxURLLength)
	ErrLinkNameTooLong = fmt.Errorf("link name exceeds %d characters", MaxNameLength)
)

var allowedTypes = typeSet(
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/markdown",
	"text/csv",
	"application/json",
	"application/zip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
)

func typeSet(types ...string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

var extensionTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".zip":  "application/zip",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// File is a validated upload.
type File struct {
	Name     string
	MimeType string
	Size     int64
}

// ValidateFile cleans the name, resolves the MIME type and checks the size
// against maxBytes.
func ValidateFile(name, mimeType string, size, maxBytes int64) (File, error) {
	clean := CleanName(name)
	if clean == "" {
		return File{}, ErrNameRequired
	}
	if len([]rune(clean)) > MaxNameLength {
		return File{}, ErrNameTooLong
	}
	if size <= 0 {
		return File{}, ErrEmptyFile
	}
	if maxBytes > 0 && size > maxBytes {
		return File{}, ErrFileTooLarge
	}
	resolved := ResolveMimeType(clean, mimeType)
	if !allowedTypes[resolved] {
		return File{}, ErrTypeNotAllowed
	}
	return File{Name: clean, MimeType: resolved, Size: size}, nil
}

// ResolveMimeType strips parameters from declared and falls back to the file
// extension when the client sent nothing useful.
func ResolveMimeType(name, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(declared); err == nil {
		declared = parsed
	}
	if declared == "" || declared == "application/octet-stream" {
		if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
			return byExt
		}
		return "application/octet-stream"
	}
	return declared
}

// CleanName drops directory components and control characters.
func CleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

// Link is a validated external link.
type Link struct {
	URL  string
	Name string
}

func ValidateLink(rawURL, name string) (Link, error) {
	rawURL = strings.TrimSpace(rawURL)
	if len(rawURL) > MaxURLLength {
		return Link{}, ErrURLTooLong
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Link{}, ErrInvalidURL
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = parsed.Hostname()
	}
	if len([]rune(name)) > MaxNameLength {
		return Link{}, ErrLinkNameTooLong
	}
	return Link{URL: parsed.String(), Name: name}, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeKeyName reduces a file name to characters safe in any storage key.
func SafeKeyName(name string) string {
	safe := strings.Trim(unsafeKeyChars.ReplaceAllString(name, "-"), "-.")
	if safe == "" {
		return "file"
	}
	if len(safe) > 100 {
		ext := filepath.Ext(safe)
		if len(ext) > 10 {
			ext = ""
		}
		safe = safe[:100-len(ext)] + ext
	}
	return safe
}

// StorageKey returns projects/{project}/{tasks|cards}/{owner}/{uuid}-{name}.
func StorageKey(projectID string, kind OwnerKind, ownerID, name string) string {
	return fmt.Sprintf("projects/%s/%s/%s/%s-%s", projectID, kind.Collection(), ownerID, uuid.NewString(), SafeKeyName(name))
}

// ProjectPrefix is the key prefix shared by every object of a project.
func ProjectPrefix(projectID string) string {
	return "projects/" + projectID + "/"
}
