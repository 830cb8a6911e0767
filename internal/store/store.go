// Package store holds the persistence layer: a single Repository interface
// with PostgreSQL and MongoDB implementations, plus the MinIO object store
// and Redis client helpers.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familybook/familybook/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// Users persists family members and their magic tokens.
type Users interface {
	// CreateUser inserts u. MagicToken and TokenHash must already be set.
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByTokenHash(ctx context.Context, hash string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	DeleteUser(ctx context.Context, id string) error
	SetUserAdmin(ctx context.Context, id string, isAdmin bool) error
	// SetUserToken replaces the user's token. ErrConflict if the hash is taken.
	SetUserToken(ctx context.Context, id, token, hash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	SetUserNotifications(ctx context.Context, id string, n models.Notifications) error
	CountAdmins(ctx context.Context) (int, error)
}

// PostFilter narrows ListPosts. Zero values mean "no constraint".
type PostFilter struct {
	After time.Time // created strictly after
	From  time.Time // created at or after
	To    time.Time // created strictly before
	Tag   string
}

// Posts persists feed entries.
type Posts interface {
	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// ListPosts returns matching posts, newest first.
	ListPosts(ctx context.Context, f PostFilter) ([]models.Post, error)
	// DeletePost removes the post along with its comments and reactions.
	DeletePost(ctx context.Context, id string) error
}

// Comments persists post comments and replies.
type Comments interface {
	CreateComment(ctx context.Context, c *models.Comment) error
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	// ListComments returns a post's comments, oldest first.
	ListComments(ctx context.Context, postID string) ([]models.Comment, error)
}

// Reactions persists hearts.
type Reactions interface {
	// ToggleReaction flips the reaction and reports whether it is now set.
	ToggleReaction(ctx context.Context, postID, userID, kind string) (bool, error)
	// ListReactions returns a post's reactions of kind, newest first.
	ListReactions(ctx context.Context, postID, kind string) ([]models.Reaction, error)
}

// Tags persists feed filter tags.
type Tags interface {
	CreateTag(ctx context.Context, t *models.Tag) error
	ListTags(ctx context.Context) ([]models.Tag, error)
	DeleteTag(ctx context.Context, id string) error
}

// Activities persists the audit trail.
type Activities interface {
	LogActivity(ctx context.Context, a *models.Activity) error
	// ListActivity returns the most recent entries first.
	ListActivity(ctx context.Context, limit int) ([]models.Activity, error)
}

// Photos persists Google Photos imports.
type Photos interface {
	CreateImportedPhoto(ctx context.Context, p *models.ImportedPhoto) error
	GetImportedPhotoByExternalID(ctx context.Context, externalID string) (*models.ImportedPhoto, error)
	ListImportedPhotos(ctx context.Context) ([]models.ImportedPhoto, error)
}

// Settings is a small key/value table.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Repository is the single persistence abstraction the application uses.
type Repository interface {
	Users
	Posts
	Comments
	Reactions
	Tags
	Activities
	Photos
	Settings

	// Migrate creates tables, collections and indexes if they don't exist.
	Migrate(ctx context.Context) error
}

// assignID fills in a fresh id and creation time when the caller left them empty.
func assignID(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created != nil && created.IsZero() {
		*created = time.Now().UTC()
	}
}

// NormalizeEmail is the form emails are stored and matched in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidID reports whether id has the uuid shape every backend assigns.
// Anything else cannot name a record.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
