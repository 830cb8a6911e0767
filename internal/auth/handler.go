package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/familybook/familybook/internal/magiclink"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// GoogleUserinfoURL is the OpenID Connect userinfo endpoint.
const GoogleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// UserStore defines the interface for user lookups.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Resolver turns a magic token into a user.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

// Options configures a Handler.
type Options struct {
	// AdminEmail and AdminPasswordHash enable password login for one account.
	AdminEmail        string
	AdminPasswordHash string
	// Google enables "Sign in with Google" when non-nil.
	Google      *oauth2.Config
	UserinfoURL string
	// RedirectAfterLogin is where the Google callback sends the browser.
	RedirectAfterLogin string
	SecureCookie       bool
	Logger             *slog.Logger
}

// GoogleConfig builds the OAuth2 config used for admin login.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.Google,
		Scopes:       []string{"openid", "email", "profile"},
	}
}

// Handler holds auth-related HTTP handlers.
type Handler struct {
	users    UserStore
	links    Resolver
	sessions *SessionStore
	states   *StateStore
	opts     Options
	log      *slog.Logger
}

func NewHandler(users UserStore, links Resolver, sessions *SessionStore, states *StateStore, opts Options) *Handler {
	if opts.UserinfoURL == "" {
		opts.UserinfoURL = GoogleUserinfoURL
	}
	if opts.RedirectAfterLogin == "" {
		opts.RedirectAfterLogin = "/admin"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, links: links, sessions: sessions, states: states, opts: opts, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user *models.User) bool {
	sid, err := h.sessions.Create(r.Context(), user.ID)
	if err != nil {
		h.log.Error("session create failed", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"session creation failed"}`, http.StatusInternalServerError)
		return false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.sessions.TTL() / time.Second),
	})
	return true
}

// MagicLogin exchanges an admin's magic token for a session.
func (h *Handler) MagicLogin(w http.ResponseWriter, r *http.Request) {
	var req models.MagicLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	user, err := h.links.Resolve(r.Context(), req.Token)
	if errors.Is(err, magiclink.ErrStorage) {
		h.log.Error("magic login lookup failed", "error", err)
		http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if err != nil || !user.IsAdmin {
		http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
		return
	}

	if !h.startSession(w, r, user) {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Login authenticates the bootstrap admin with a password.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.opts.AdminPasswordHash == "" {
		http.Error(w, `{"error":"password login disabled"}`, http.StatusNotFound)
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	// bcrypt always runs, even for the wrong email.
	pwErr := bcrypt.CompareHashAndPassword([]byte(h.opts.AdminPasswordHash), []byte(req.Password))
	if pwErr != nil || !strings.EqualFold(req.Email, h.opts.AdminEmail) {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), h.opts.AdminEmail)
	if err != nil || !user.IsAdmin {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	if !h.startSession(w, r, user) {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GoogleLogin redirects to Google's consent screen.
func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.opts.Google == nil {
		http.Error(w, `{"error":"google login not configured"}`, http.StatusNotFound)
		return
	}
	state, err := h.states.New(r.Context(), "login")
	if err != nil {
		h.log.Error("oauth state create failed", "error", err)
		http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.opts.Google.AuthCodeURL(state), http.StatusFound)
}

// GoogleCallback completes Google login for admin users.
func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.opts.Google == nil {
		http.Error(w, `{"error":"google login not configured"}`, http.StatusNotFound)
		return
	}
	if err := h.states.Consume(r.Context(), r.URL.Query().Get("state"), "login"); err != nil {
		http.Error(w, `{"error":"invalid state"}`, http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, `{"error":"missing code"}`, http.StatusBadRequest)
		return
	}

	email, err := h.googleEmail(r.Context(), code)
	if err != nil {
		h.log.Warn("google login failed", "error", err)
		http.Error(w, `{"error":"google login failed"}`, http.StatusBadGateway)
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), email)
	if err != nil || !user.IsAdmin {
		h.log.Info("google login denied", "email", email)
		http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
		return
	}

	if !h.startSession(w, r, user) {
		return
	}
	http.Redirect(w, r, h.opts.RedirectAfterLogin, http.StatusFound)
}

func (h *Handler) googleEmail(ctx context.Context, code string) (string, error) {
	tok, err := h.opts.Google.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange: %w", err)
	}
	resp, err := h.opts.Google.Client(ctx, tok).Get(h.opts.UserinfoURL)
	if err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var info struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("userinfo: decode: %w", err)
	}
	if info.Email == "" || !info.EmailVerified {
		return "", errors.New("userinfo: no verified email")
	}
	return info.Email, nil
}

// Logout destroys the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err == nil {
		h.sessions.Delete(r.Context(), cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		MaxAge:   -1,
	})

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"message":"logged out"}`))
}

// Me returns the currently authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if user == nil {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Enroller creates users with a magic token.
type Enroller interface {
	Enroll(ctx context.Context, u *models.User) (string, error)
}

// EnsureAdmin creates the bootstrap admin account if email is set and no
// user has it yet. An existing user with that email is promoted.
func EnsureAdmin(ctx context.Context, users store.Users, enroller Enroller, email string) error {
	if email == "" {
		return nil
	}
	u, err := users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if u.IsAdmin {
			return nil
		}
		return users.SetUserAdmin(ctx, u.ID, true)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	name, _, _ := strings.Cut(email, "@")
	_, err = enroller.Enroll(ctx, &models.User{Email: email, Name: name, IsAdmin: true})
	if errors.Is(err, magiclink.ErrEmailTaken) {
		return nil
	}
	return err
}
