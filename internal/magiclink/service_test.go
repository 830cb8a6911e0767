package magiclink

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/familybook/familybook/internal/metrics"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
	"github.com/familybook/familybook/internal/store/memstore"
)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return NewService(st, "https://family.example.com", metrics.New()), st
}

func enroll(t *testing.T, s *Service, email, name string) (*models.User, string) {
	t.Helper()
	u := &models.User{Email: email, Name: name}
	token, err := s.Enroll(context.Background(), u)
	if err != nil {
		t.Fatalf("Enroll(%s) error = %v", email, err)
	}
	return u, token
}

func TestEnrollThenResolve(t *testing.T) {
	s, _ := newService(t)
	alice, token := enroll(t, s, "alice@example.com", "alice")

	got, err := s.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID != alice.ID || got.Email != "alice@example.com" {
		t.Errorf("Resolve() = %+v, want alice", got)
	}

	if _, err := s.Resolve(context.Background(), "wrong-token"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Resolve(wrong-token) error = %v, want ErrUnauthorized", err)
	}
}

func TestEnroll_StoresHashAndToken(t *testing.T) {
	s, st := newService(t)
	u, token := enroll(t, s, "bob@example.com", "bob")

	stored, err := st.GetUserByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if stored.MagicToken != token {
		t.Errorf("stored token = %q, want %q", stored.MagicToken, token)
	}
	if stored.TokenHash != Hash(token) {
		t.Error("stored hash does not match token")
	}
}

func TestEnroll_DistinctUsersNeverShareTokens(t *testing.T) {
	s, _ := newService(t)
	seen := make(map[string]string)
	for i := 0; i < 50; i++ {
		email := "user" + strings.Repeat("x", i) + "@example.com"
		_, token := enroll(t, s, email, "user")
		if prev, ok := seen[token]; ok {
			t.Fatalf("token for %s collides with %s", email, prev)
		}
		seen[token] = email
	}
}

func TestEnroll_DuplicateEmail(t *testing.T) {
	s, _ := newService(t)
	enroll(t, s, "carol@example.com", "carol")

	_, err := s.Enroll(context.Background(), &models.User{Email: "carol@example.com"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Enroll(duplicate) error = %v, want ErrEmailTaken", err)
	}
}

// exactEmailStore matches emails byte for byte, like a case-sensitive
// unique index would, and records what it was asked for.
type exactEmailStore struct {
	*memstore.Store
	seen []string
}

func (e *exactEmailStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	e.seen = append(e.seen, email)
	users, err := e.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Email == email {
			return &users[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (e *exactEmailStore) CreateUser(ctx context.Context, u *models.User) error {
	e.seen = append(e.seen, u.Email)
	return e.Store.CreateUser(ctx, u)
}

func TestEnroll_EmailCaseFolded(t *testing.T) {
	st := &exactEmailStore{Store: memstore.New()}
	s := NewService(st, "", nil)

	u := &models.User{Email: " Bob@Example.COM ", Name: "Bob"}
	if _, err := s.Enroll(context.Background(), u); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if u.Email != "bob@example.com" {
		t.Errorf("stored email = %q", u.Email)
	}
	if u.Notifications != models.AllNotifications() {
		t.Errorf("Notifications = %+v, want all enabled", u.Notifications)
	}
	if _, err := s.Enroll(context.Background(), &models.User{Email: "BOB@example.com"}); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Enroll(other case) error = %v, want ErrEmailTaken", err)
	}
	for _, e := range st.seen {
		if e != strings.ToLower(e) {
			t.Errorf("store saw unnormalized email %q", e)
		}
	}
}

func TestResolve_RejectsEverythingNotIssued(t *testing.T) {
	s, _ := newService(t)
	_, token := enroll(t, s, "dave@example.com", "dave")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"too short", "abc"},
		{"too long", strings.Repeat("a", 65)},
		{"bad characters", strings.Repeat("a", 20) + "/../"},
		{"well formed but unknown", strings.Repeat("A", 43)},
		{"issued token with one char changed", flipLast(token)},
		{"issued token with suffix", token + "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := s.Resolve(context.Background(), tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("Resolve() error = %v, want ErrUnauthorized", err)
			}
			if u != nil {
				t.Errorf("Resolve() returned user %+v", u)
			}
		})
	}
}

func flipLast(s string) string {
	last := s[len(s)-1]
	repl := byte('A')
	if last == 'A' {
		repl = 'B'
	}
	return s[:len(s)-1] + string(repl)
}

func TestIssue_RotatesToken(t *testing.T) {
	s, _ := newService(t)
	u, old := enroll(t, s, "erin@example.com", "erin")

	fresh, err := s.Rotate(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if fresh == old {
		t.Fatal("Rotate() returned the old token")
	}
	if _, err := s.Resolve(context.Background(), old); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("old token still resolves: %v", err)
	}
	got, err := s.Resolve(context.Background(), fresh)
	if err != nil || got.ID != u.ID {
		t.Errorf("Resolve(fresh) = %v, %v", got, err)
	}
}

func TestIssue_UnknownUser(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.Issue(context.Background(), "no-such-user"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Issue() error = %v, want ErrUnknownUser", err)
	}
}

// collidingStore reports a conflict for the first n token writes.
type collidingStore struct {
	*memstore.Store
	n int
}

func (c *collidingStore) SetUserToken(ctx context.Context, id, token, hash string) error {
	if c.n > 0 {
		c.n--
		return store.ErrConflict
	}
	return c.Store.SetUserToken(ctx, id, token, hash)
}

func TestIssue_RetriesOnCollision(t *testing.T) {
	base := memstore.New()
	u := &models.User{Email: "frank@example.com", MagicToken: "seed-token-0000000", TokenHash: Hash("seed-token-0000000")}
	if err := base.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	s := NewService(&collidingStore{Store: base, n: 2}, "", nil)
	if _, err := s.Issue(context.Background(), u.ID); err != nil {
		t.Errorf("Issue() after 2 collisions error = %v", err)
	}

	s = NewService(&collidingStore{Store: base, n: maxAttempts}, "", nil)
	if _, err := s.Issue(context.Background(), u.ID); !errors.Is(err, ErrStorage) {
		t.Errorf("Issue() after %d collisions error = %v, want ErrStorage", maxAttempts, err)
	}
}

func TestStorageFailure(t *testing.T) {
	s, st := newService(t)
	_, token := enroll(t, s, "gina@example.com", "gina")

	boom := errors.New("connection refused")
	st.FailWith = boom

	_, err := s.Resolve(context.Background(), token)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want ErrStorage wrapping cause", err)
	}
	if _, err := s.Enroll(context.Background(), &models.User{Email: "h@example.com"}); !errors.Is(err, ErrStorage) {
		t.Errorf("Enroll() error = %v, want ErrStorage", err)
	}
	if _, err := s.Issue(context.Background(), "id"); !errors.Is(err, ErrStorage) {
		t.Errorf("Issue() error = %v, want ErrStorage", err)
	}
}

func TestResolve_CountsOutcomes(t *testing.T) {
	m := metrics.New()
	s := NewService(memstore.New(), "", m)
	_, token := enroll(t, s, "ivy@example.com", "ivy")

	s.Resolve(context.Background(), token)
	s.Resolve(context.Background(), "nope")

	if got := testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.OutcomeOK)); got != 1 {
		t.Errorf("ok resolutions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.OutcomeDenied)); got != 1 {
		t.Errorf("denied resolutions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensIssued); got != 1 {
		t.Errorf("issued = %v, want 1", got)
	}
}

func TestLink(t *testing.T) {
	s := NewService(memstore.New(), "https://family.example.com", nil)
	if got := s.Link("abc_DEF-123"); got != "https://family.example.com/posts/abc_DEF-123" {
		t.Errorf("Link() = %q", got)
	}
}
