// Package magiclink issues and resolves the opaque tokens that give family
// members access to the feed without a password.
//
// A token is stored on its user together with its SHA-256 hash. Lookups go
// through the hash and the stored token is then compared in constant time.
// Every failure to resolve looks the same to the caller.
package magiclink

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/familybook/familybook/internal/metrics"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

var (
	// ErrUnauthorized means the token does not resolve to a user.
	ErrUnauthorized = errors.New("magiclink: unauthorized")
	// ErrStorage means the store could not be reached or failed the write.
	ErrStorage = errors.New("magiclink: storage unavailable")
	// ErrUnknownUser is returned when issuing for a user that doesn't exist.
	ErrUnknownUser = errors.New("magiclink: unknown user")
	// ErrEmailTaken is returned when enrolling an email that already has a user.
	ErrEmailTaken = errors.New("magiclink: email already registered")
)

// maxAttempts bounds regeneration after a token hash collision.
const maxAttempts = 3

// UserStore is the slice of store.Users the service needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByTokenHash(ctx context.Context, hash string) (*models.User, error)
	SetUserToken(ctx context.Context, id, token, hash string) error
}

// Service issues and resolves magic tokens.
type Service struct {
	users     UserStore
	publicURL string
	metrics   *metrics.Registry
}

// NewService returns a Service. m may be nil.
func NewService(users UserStore, publicURL string, m *metrics.Registry) *Service {
	return &Service{users: users, publicURL: publicURL, metrics: m}
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.Resolutions.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) issued() {
	if s.metrics != nil {
		s.metrics.TokensIssued.Inc()
	}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// Enroll creates u with a freshly issued token and returns the token.
// The email is stored lowercased and every notification starts enabled.
func (s *Service) Enroll(ctx context.Context, u *models.User) (string, error) {
	u.Email = store.NormalizeEmail(u.Email)
	u.Notifications = models.AllNotifications()
	_, err := s.users.GetUserByEmail(ctx, u.Email)
	switch {
	case err == nil:
		return "", ErrEmailTaken
	case !errors.Is(err, store.ErrNotFound):
		return "", storageErr(err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, err := Generate()
		if err != nil {
			return "", fmt.Errorf("magiclink: generate: %w", err)
		}
		u.MagicToken, u.TokenHash = token, Hash(token)

		err = s.users.CreateUser(ctx, u)
		switch {
		case err == nil:
			s.issued()
			return token, nil
		case errors.Is(err, store.ErrConflict):
			// Either the token collided or the email was taken concurrently.
			if _, lookupErr := s.users.GetUserByEmail(ctx, u.Email); lookupErr == nil {
				return "", ErrEmailTaken
			}
			u.ID = ""
			continue
		default:
			return "", storageErr(err)
		}
	}
	return "", fmt.Errorf("%w: token collided %d times", ErrStorage, maxAttempts)
}

// Issue generates a new token for an existing user, stores it and returns
// it. Any previous token stops resolving.
func (s *Service) Issue(ctx context.Context, userID string) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, err := Generate()
		if err != nil {
			return "", fmt.Errorf("magiclink: generate: %w", err)
		}

		err = s.users.SetUserToken(ctx, userID, token, Hash(token))
		switch {
		case err == nil:
			s.issued()
			return token, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			return "", ErrUnknownUser
		default:
			return "", storageErr(err)
		}
	}
	return "", fmt.Errorf("%w: token collided %d times", ErrStorage, maxAttempts)
}

// Rotate replaces a user's token. It is Issue under the name the admin
// console uses.
func (s *Service) Rotate(ctx context.Context, userID string) (string, error) {
	return s.Issue(ctx, userID)
}

// Resolve returns the user holding token. Malformed, unknown and mismatched
// tokens all yield ErrUnauthorized.
func (s *Service) Resolve(ctx context.Context, token string) (*models.User, error) {
	if !WellFormed(token) {
		s.observe(metrics.OutcomeDenied)
		return nil, ErrUnauthorized
	}

	u, err := s.users.GetUserByTokenHash(ctx, Hash(token))
	if errors.Is(err, store.ErrNotFound) {
		s.observe(metrics.OutcomeDenied)
		return nil, ErrUnauthorized
	}
	if err != nil {
		s.observe(metrics.OutcomeError)
		return nil, storageErr(err)
	}
	if !Equal(u.MagicToken, token) {
		s.observe(metrics.OutcomeDenied)
		return nil, ErrUnauthorized
	}

	s.observe(metrics.OutcomeOK)
	return u, nil
}

// Link builds the shareable feed URL for a token.
func (s *Service) Link(token string) string {
	return s.publicURL + "/posts/" + url.PathEscape(token)
}
