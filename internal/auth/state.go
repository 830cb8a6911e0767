package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateTTL bounds how long an OAuth round trip may take.
const StateTTL = 10 * time.Minute

// ErrBadState is returned when an OAuth state is unknown, expired or reused.
var ErrBadState = errors.New("auth: invalid oauth state")

// StateStore keeps OAuth state values in Redis. Each value can be consumed
// once, and only under the purpose it was issued for.
type StateStore struct {
	rdb *redis.Client
}

func NewStateStore(rdb *redis.Client) *StateStore {
	return &StateStore{rdb: rdb}
}

// New issues a state value for purpose (e.g. "login", "photos").
func (s *StateStore) New(ctx context.Context, purpose string) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	if err := s.rdb.Set(ctx, "oauth_state:"+state, purpose, StateTTL).Err(); err != nil {
		return "", err
	}
	return state, nil
}

// Consume deletes state and reports ErrBadState unless it was issued for
// purpose and has not expired.
func (s *StateStore) Consume(ctx context.Context, state, purpose string) error {
	if state == "" {
		return ErrBadState
	}
	got, err := s.rdb.GetDel(ctx, "oauth_state:"+state).Result()
	if errors.Is(err, redis.Nil) {
		return ErrBadState
	}
	if err != nil {
		return err
	}
	if got != purpose {
		return ErrBadState
	}
	return nil
}
