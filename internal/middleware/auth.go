package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/magiclink"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// UserLookup loads the user behind a session.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// RequireAdmin validates the session cookie, loads the user and rejects
// anyone who is not an admin. The user is stored in the request context.
// A failing user lookup is 503, not 403.
func RequireAdmin(sessions *auth.SessionStore, users UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			userID, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("session lookup failed", "error", err)
				http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			if userID == "" {
				http.Error(w, `{"error":"session expired"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetUserByID(r.Context(), userID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
				return
			case err != nil:
				slog.Error("session user lookup failed", "error", err)
				http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
				return
			case !user.IsAdmin:
				http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}

// RequireMagicLink resolves the {token} URL parameter to a user. Unknown
// tokens get 403 and storage failures 503; the body never says which check
// failed.
func RequireMagicLink(links auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := links.Resolve(r.Context(), chi.URLParam(r, "token"))
			switch {
			case errors.Is(err, magiclink.ErrStorage):
				slog.Error("magic link lookup failed", "error", err)
				http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
				return
			case err != nil:
				http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}

// AdminOnly rejects requests whose context user is not an admin. It must run
// after RequireMagicLink or RequireAdmin.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := auth.UserFrom(r.Context()); u == nil || !u.IsAdmin {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
