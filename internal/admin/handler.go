// Package admin serves the admin console API: family members and their
// magic links, filter tags, the activity log and media maintenance.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/feed"
	"github.com/familybook/familybook/internal/magiclink"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

const (
	defaultActivityLimit = 100
	maxActivityLimit     = 500
	defaultTagColor      = "#007bff"
)

var colorRE = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Repository is the part of store.Repository the console uses.
type Repository interface {
	store.Users
	store.Tags
	store.Activities
}

// Links issues magic tokens and builds their URLs.
type Links interface {
	Enroll(ctx context.Context, u *models.User) (string, error)
	Rotate(ctx context.Context, userID string) (string, error)
	Link(token string) string
}

// Cleaner removes media nothing refers to any more.
type Cleaner interface {
	Cleanup(ctx context.Context, grace time.Duration) ([]string, error)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler holds admin console HTTP handlers. Routes expect
// middleware.RequireAdmin to have run.
type Handler struct {
	repo    Repository
	links   Links
	cleaner Cleaner
	grace   time.Duration
	log     *slog.Logger
}

// NewHandler returns a Handler. cleaner may be nil when media storage is
// not configured.
func NewHandler(repo Repository, links Links, cleaner Cleaner, grace time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, links: links, cleaner: cleaner, grace: grace, log: log}
}

// Routes mounts the console under /api/admin.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/users", h.ListUsers)
	r.Post("/users", h.CreateUser)
	r.Delete("/users/{id}", h.DeleteUser)
	r.Post("/users/{id}/toggle-admin", h.ToggleAdmin)
	r.Post("/users/{id}/rotate", h.RotateToken)
	r.Put("/users/{id}/notifications", h.SetNotifications)

	r.Get("/tags", h.ListTags)
	r.Post("/tags", h.CreateTag)
	r.Delete("/tags/{id}", h.DeleteTag)

	r.Get("/activity", h.Activity)
	r.Post("/media/cleanup", h.CleanupMedia)
}

func (h *Handler) dbError(w http.ResponseWriter, op string, err error) {
	h.log.Error("admin request failed", "op", op, "error", err)
	http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
}

// record logs an action the current admin took on subject.
func (h *Handler) record(r *http.Request, action string, subject *models.User) {
	a := &models.Activity{
		Action:    action,
		Detail:    subject.Name + " <" + subject.Email + ">",
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
	if actor := auth.UserFrom(r.Context()); actor != nil {
		a.UserID, a.UserName = actor.ID, actor.Name
	}
	if err := h.repo.LogActivity(r.Context(), a); err != nil {
		h.log.Warn("activity log failed", "action", action, "error", err)
	}
}

// ── Users ────────────────────────────────────────────────────

// ListUsers returns every user with a shareable magic link.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		h.dbError(w, "list users", err)
		return
	}
	out := make([]models.UserWithLink, 0, len(users))
	for i := range users {
		out = append(out, models.UserWithLink{User: &users[i], MagicLink: h.links.Link(users[i].MagicToken)})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateUser adds a family member and issues their magic link.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = store.NormalizeEmail(req.Email)
	if req.Name == "" || req.Email == "" {
		http.Error(w, `{"error":"name and email are required"}`, http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		http.Error(w, `{"error":"invalid email"}`, http.StatusBadRequest)
		return
	}

	u := &models.User{Name: req.Name, Email: req.Email, IsAdmin: req.IsAdmin}
	token, err := h.links.Enroll(r.Context(), u)
	switch {
	case errors.Is(err, magiclink.ErrEmailTaken):
		http.Error(w, `{"error":"email already exists"}`, http.StatusConflict)
		return
	case err != nil:
		h.dbError(w, "create user", err)
		return
	}

	h.record(r, models.ActionUserCreate, u)
	writeJSON(w, http.StatusCreated, models.UserWithLink{User: u, MagicLink: h.links.Link(token)})
}

// lastAdmin reports whether u is the only remaining admin.
func (h *Handler) lastAdmin(ctx context.Context, u *models.User) (bool, error) {
	if !u.IsAdmin {
		return false, nil
	}
	n, err := h.repo.CountAdmins(ctx)
	if err != nil {
		return false, err
	}
	return n <= 1, nil
}

func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) *models.User {
	u, err := h.repo.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return nil
	}
	if err != nil {
		h.dbError(w, "get user", err)
		return nil
	}
	return u
}

// DeleteUser removes a user with their comments and hearts. The last admin
// cannot be removed.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	u := h.loadUser(w, r)
	if u == nil {
		return
	}
	last, err := h.lastAdmin(r.Context(), u)
	if err != nil {
		h.dbError(w, "count admins", err)
		return
	}
	if last {
		http.Error(w, `{"error":"cannot remove the last admin"}`, http.StatusConflict)
		return
	}

	if err := h.repo.DeleteUser(r.Context(), u.ID); err != nil {
		h.dbError(w, "delete user", err)
		return
	}
	h.record(r, models.ActionUserDelete, u)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"message":"deleted"}`))
}

// ToggleAdmin flips a user's admin flag.
func (h *Handler) ToggleAdmin(w http.ResponseWriter, r *http.Request) {
	u := h.loadUser(w, r)
	if u == nil {
		return
	}
	last, err := h.lastAdmin(r.Context(), u)
	if err != nil {
		h.dbError(w, "count admins", err)
		return
	}
	if last {
		http.Error(w, `{"error":"cannot demote the last admin"}`, http.StatusConflict)
		return
	}

	if err := h.repo.SetUserAdmin(r.Context(), u.ID, !u.IsAdmin); err != nil {
		h.dbError(w, "set admin", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        u.ID,
		"is_admin":  !u.IsAdmin,
		"user_name": u.Name,
	})
}

// RotateToken replaces a user's magic link. The old link stops working.
func (h *Handler) RotateToken(w http.ResponseWriter, r *http.Request) {
	u := h.loadUser(w, r)
	if u == nil {
		return
	}
	token, err := h.links.Rotate(r.Context(), u.ID)
	switch {
	case errors.Is(err, magiclink.ErrUnknownUser):
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, magiclink.ErrStorage):
		h.log.Error("token rotate failed", "user_id", u.ID, "error", err)
		http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	case err != nil:
		h.dbError(w, "rotate token", err)
		return
	}
	h.record(r, models.ActionTokenRotate, u)
	writeJSON(w, http.StatusOK, map[string]string{"id": u.ID, "magic_link": h.links.Link(token)})
}

// SetNotifications changes which emails a user receives.
func (h *Handler) SetNotifications(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	n, ok := req.Resolve()
	if !ok {
		http.Error(w, `{"error":"level must be all, major_only or none"}`, http.StatusBadRequest)
		return
	}
	u := h.loadUser(w, r)
	if u == nil {
		return
	}
	if err := h.repo.SetUserNotifications(r.Context(), u.ID, n); err != nil {
		h.dbError(w, "set notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": u.ID, "notifications": n})
}

// ── Tags ─────────────────────────────────────────────────────

// ListTags returns all filter tags.
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.repo.ListTags(r.Context())
	if err != nil {
		h.dbError(w, "list tags", err)
		return
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	writeJSON(w, http.StatusOK, tags)
}

// CreateTag adds a filter tag. The name is stored lowercased.
func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	t := &models.Tag{
		Name:        feed.NormalizeTag(req.Name),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Color:       strings.TrimSpace(req.Color),
	}
	if t.Name == "" || t.DisplayName == "" {
		http.Error(w, `{"error":"tag name and display name are required"}`, http.StatusBadRequest)
		return
	}
	if t.Color == "" {
		t.Color = defaultTagColor
	}
	if !colorRE.MatchString(t.Color) {
		http.Error(w, `{"error":"color must look like #rrggbb"}`, http.StatusBadRequest)
		return
	}

	err := h.repo.CreateTag(r.Context(), t)
	if errors.Is(err, store.ErrConflict) {
		http.Error(w, `{"error":"tag name already exists"}`, http.StatusConflict)
		return
	}
	if err != nil {
		h.dbError(w, "create tag", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// DeleteTag removes a filter tag. Posts keep their tag strings.
func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	err := h.repo.DeleteTag(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"tag not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.dbError(w, "delete tag", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"message":"deleted"}`))
}

// ── Activity & maintenance ───────────────────────────────────

// Activity returns the most recent audit entries (?limit=, max 500).
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxActivityLimit)
	}

	acts, err := h.repo.ListActivity(r.Context(), limit)
	if err != nil {
		h.dbError(w, "list activity", err)
		return
	}
	if acts == nil {
		acts = []models.Activity{}
	}
	writeJSON(w, http.StatusOK, acts)
}

// CleanupMedia deletes stored media that no post or import refers to.
func (h *Handler) CleanupMedia(w http.ResponseWriter, r *http.Request) {
	if h.cleaner == nil {
		http.Error(w, `{"error":"media storage not configured"}`, http.StatusNotFound)
		return
	}
	removed, err := h.cleaner.Cleanup(r.Context(), h.grace)
	if err != nil {
		h.log.Error("media cleanup failed", "error", err)
		http.Error(w, `{"error":"cleanup failed"}`, http.StatusInternalServerError)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	h.log.Info("media cleanup", "removed", len(removed))
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed, "count": len(removed)})
}
