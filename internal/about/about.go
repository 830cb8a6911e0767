// Package about serves the family's About Us page. The content is admin
// authored HTML kept in the settings table.
package about

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// SettingKey is where the page content is stored.
const SettingKey = "about_us"

// MaxContent bounds the stored HTML.
const MaxContent = 64 << 10

// DefaultContent is shown until an admin writes the page.
const DefaultContent = `<h2>Welcome to Our Family Book</h2>
<p>This is where we share our memories, photos, and stay connected as a family.</p>`

var ErrInvalid = errors.New("about: invalid content")

// Repository is the part of store.Repository the page uses.
type Repository interface {
	store.Settings
	store.Activities
}

type Service struct {
	repo Repository
	log  *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log}
}

// Content returns the page HTML, or DefaultContent if none was saved.
func (s *Service) Content(ctx context.Context) (string, error) {
	v, err := s.repo.GetSetting(ctx, SettingKey)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v == "") {
		return DefaultContent, nil
	}
	if err != nil {
		return "", fmt.Errorf("get about: %w", err)
	}
	return v, nil
}

// Save replaces the page HTML on behalf of actor.
func (s *Service) Save(ctx context.Context, actor *models.User, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if len(content) > MaxContent {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalid, MaxContent)
	}
	if err := s.repo.PutSetting(ctx, SettingKey, content); err != nil {
		return fmt.Errorf("put about: %w", err)
	}
	a := &models.Activity{Action: models.ActionAboutUpdate}
	if actor != nil {
		a.UserID, a.UserName = actor.ID, actor.Name
	}
	if err := s.repo.LogActivity(ctx, a); err != nil {
		s.log.Warn("activity log failed", "action", a.Action, "error", err)
	}
	return nil
}

// Handler exposes the page over HTTP.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type contentBody struct {
	Content string `json:"content"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Show returns the page. It needs no credentials.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Content(r.Context())
	if err != nil {
		h.log.Error("about load failed", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, contentBody{Content: c})
}

// Update replaces the page. It expects middleware.RequireAdmin.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req contentBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*MaxContent)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	err := h.svc.Save(r.Context(), auth.UserFrom(r.Context()), req.Content)
	switch {
	case errors.Is(err, ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("about save failed", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, contentBody{Content: strings.TrimSpace(req.Content)})
}
