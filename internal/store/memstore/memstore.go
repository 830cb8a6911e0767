// Package memstore is an in-memory store.Repository used by tests and by
// the "memory" store driver for local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	users     map[string]models.User
	posts     map[string]models.Post
	comments  map[string]models.Comment
	reactions []models.Reaction
	tags      map[string]models.Tag
	activity  []models.Activity
	photos    map[string]models.ImportedPhoto
	settings  map[string]string

	// FailWith, when set, is returned by every call. Tests use it to
	// simulate an unavailable backend.
	FailWith error
}

func New() *Store {
	return &Store{
		users:    make(map[string]models.User),
		posts:    make(map[string]models.Post),
		comments: make(map[string]models.Comment),
		tags:     make(map[string]models.Tag),
		photos:   make(map[string]models.ImportedPhoto),
		settings: make(map[string]string),
	}
}

var _ store.Repository = (*Store)(nil)

func (s *Store) Migrate(context.Context) error { return s.FailWith }

func fill(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = time.Now().UTC()
	}
}

// ── Users ────────────────────────────────────────────────────

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	u.Email = store.NormalizeEmail(u.Email)
	for _, existing := range s.users {
		if existing.Email == u.Email || existing.TokenHash == u.TokenHash ||
			existing.MagicToken == u.MagicToken {
			return store.ErrConflict
		}
	}
	fill(&u.ID, &u.CreatedAt)
	s.users[u.ID] = *u
	return nil
}

func (s *Store) findUser(match func(models.User) bool) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	for _, u := range s.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return s.findUser(func(u models.User) bool { return u.ID == id })
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	email = store.NormalizeEmail(email)
	return s.findUser(func(u models.User) bool { return u.Email == email })
}

func (s *Store) GetUserByTokenHash(_ context.Context, hash string) (*models.User, error) {
	return s.findUser(func(u models.User) bool { return u.TokenHash == hash })
}

func (s *Store) ListUsers(context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Email < out[j].Email
	})
	return out, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if _, ok := s.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.users, id)
	for cid, c := range s.comments {
		if c.UserID == id {
			delete(s.comments, cid)
		}
	}
	s.reactions = filterReactions(s.reactions, func(r models.Reaction) bool { return r.UserID != id })
	return nil
}

func (s *Store) updateUser(id string, fn func(*models.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := fn(&u); err != nil {
		return err
	}
	s.users[id] = u
	return nil
}

func (s *Store) SetUserAdmin(_ context.Context, id string, isAdmin bool) error {
	return s.updateUser(id, func(u *models.User) error {
		u.IsAdmin = isAdmin
		return nil
	})
}

func (s *Store) SetUserToken(_ context.Context, id, token, hash string) error {
	return s.updateUser(id, func(u *models.User) error {
		for _, other := range s.users {
			if other.ID != id && (other.TokenHash == hash || other.MagicToken == token) {
				return store.ErrConflict
			}
		}
		u.MagicToken, u.TokenHash = token, hash
		return nil
	})
}

func (s *Store) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return s.updateUser(id, func(u *models.User) error {
		u.LastLogin = &at
		return nil
	})
}

func (s *Store) SetUserNotifications(_ context.Context, id string, n models.Notifications) error {
	return s.updateUser(id, func(u *models.User) error {
		u.Notifications = n
		return nil
	})
}

func (s *Store) CountAdmins(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	n := 0
	for _, u := range s.users {
		if u.IsAdmin {
			n++
		}
	}
	return n, nil
}

// ── Posts ────────────────────────────────────────────────────

func (s *Store) CreatePost(_ context.Context, p *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	fill(&p.ID, &p.CreatedAt)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	s.posts[p.ID] = *p
	return nil
}

func (s *Store) GetPost(_ context.Context, id string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	p, ok := s.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *Store) ListPosts(_ context.Context, f store.PostFilter) ([]models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []models.Post
	for _, p := range s.posts {
		switch {
		case !f.After.IsZero() && !p.CreatedAt.After(f.After):
			continue
		case !f.From.IsZero() && p.CreatedAt.Before(f.From):
			continue
		case !f.To.IsZero() && !p.CreatedAt.Before(f.To):
			continue
		case f.Tag != "" && !hasTag(p.Tags, f.Tag):
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeletePost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if _, ok := s.posts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.posts, id)
	for cid, c := range s.comments {
		if c.PostID == id {
			delete(s.comments, cid)
		}
	}
	s.reactions = filterReactions(s.reactions, func(r models.Reaction) bool { return r.PostID != id })
	return nil
}

// ── Comments ─────────────────────────────────────────────────

func (s *Store) CreateComment(_ context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	fill(&c.ID, &c.CreatedAt)
	s.comments[c.ID] = *c
	return nil
}

func (s *Store) GetComment(_ context.Context, id string) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	c, ok := s.comments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListComments(_ context.Context, postID string) ([]models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []models.Comment
	for _, c := range s.comments {
		if c.PostID == postID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── Reactions ────────────────────────────────────────────────

func filterReactions(in []models.Reaction, keep func(models.Reaction) bool) []models.Reaction {
	out := in[:0]
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) ToggleReaction(_ context.Context, postID, userID, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	before := len(s.reactions)
	s.reactions = filterReactions(s.reactions, func(r models.Reaction) bool {
		return r.PostID != postID || r.UserID != userID || r.Kind != kind
	})
	if len(s.reactions) < before {
		return false, nil
	}
	s.reactions = append(s.reactions, models.Reaction{
		PostID: postID, UserID: userID, Kind: kind, CreatedAt: time.Now().UTC(),
	})
	return true, nil
}

func (s *Store) ListReactions(_ context.Context, postID, kind string) ([]models.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []models.Reaction
	for i := len(s.reactions) - 1; i >= 0; i-- {
		if r := s.reactions[i]; r.PostID == postID && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

// ── Tags ─────────────────────────────────────────────────────

func (s *Store) CreateTag(_ context.Context, t *models.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for _, existing := range s.tags {
		if existing.Name == t.Name {
			return store.ErrConflict
		}
	}
	fill(&t.ID, &t.CreatedAt)
	s.tags[t.ID] = *t
	return nil
}

func (s *Store) ListTags(context.Context) ([]models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	out := make([]models.Tag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteTag(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if _, ok := s.tags[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tags, id)
	return nil
}

// ── Activity ─────────────────────────────────────────────────

func (s *Store) LogActivity(_ context.Context, a *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	fill(&a.ID, &a.CreatedAt)
	s.activity = append(s.activity, *a)
	return nil
}

func (s *Store) ListActivity(_ context.Context, limit int) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []models.Activity
	for i := len(s.activity) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}

// ── Imported photos ──────────────────────────────────────────

func (s *Store) CreateImportedPhoto(_ context.Context, p *models.ImportedPhoto) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for _, existing := range s.photos {
		if existing.ExternalID == p.ExternalID {
			return store.ErrConflict
		}
	}
	fill(&p.ID, &p.UploadedAt)
	if p.Status == "" {
		p.Status = models.PhotoPending
	}
	s.photos[p.ID] = *p
	return nil
}

func (s *Store) GetImportedPhotoByExternalID(_ context.Context, externalID string) (*models.ImportedPhoto, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	for _, p := range s.photos {
		if p.ExternalID == externalID {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListImportedPhotos(context.Context) ([]models.ImportedPhoto, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	out := make([]models.ImportedPhoto, 0, len(s.photos))
	for _, p := range s.photos {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

// ── Settings ─────────────────────────────────────────────────

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return "", s.FailWith
	}
	v, ok := s.settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (s *Store) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.settings[key] = value
	return nil
}
