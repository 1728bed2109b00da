package store

import "time"

type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	// Tokens that preprocessing must never flag as out-of-vocabulary
	// (hashtags, user handles, domain jargon).
	SpecialTokens []string
	// Preset replacements seeded at upload time, original -> canonical.
	ReplacementDict map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ProjectMembership struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type EntityLabel struct {
	ID        string
	ProjectID string
	Name      string
	Color     string
}

type Text struct {
	ID          string
	ProjectID   string
	Original    string
	Reference   string
	Weight      int
	Rank        int
	Identifiers []string
	CreatedAt   time.Time
}

// Token is immutable once written. Corrections never touch this row;
// they live in annotations keyed by the token id.
type Token struct {
	ID          string
	TextID      string
	Index       int
	Value       string
	EnglishWord bool
}

// Annotation types. Replacement and tag are token-scoped, flag and save
// apply to the whole text.
const (
	AnnotationFlag        = "flag"
	AnnotationSave        = "save"
	AnnotationTag         = "tag"
	AnnotationReplacement = "replacement"
)

type Annotation struct {
	ID     string
	Type   string
	UserID string
	TextID string
	// Empty for text-scoped types.
	TokenID string
	// True while a cascaded replacement is pending acceptance.
	Suggestion bool
	// Shape depends on Type: corrected string for replacement ("" means
	// the token was removed), label id for tag/flag, "true" for save.
	Value     string
	CreatedAt time.Time
}

type Annotator struct {
	UserID   string
	Username string
}

// SnapshotInfo describes one compiled-corpus commit in a project's
// snapshot repository.
type SnapshotInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
