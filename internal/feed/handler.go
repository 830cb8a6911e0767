package feed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/models"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler holds feed HTTP handlers. Every route expects
// middleware.RequireMagicLink to have put the viewer in the context.
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

// Routes mounts the feed under a router whose path already holds {token}.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Default)
	r.Get("/show/{view}", h.Show)
	r.Get("/month/{month}", h.Month)
	r.Get("/tag/{tag}", h.Tag)
	r.Post("/comments", h.Comment)
	r.Post("/hearts", h.Heart)
	r.Get("/photos", h.Photos)
	r.Get("/photos/{sort}", h.Photos)
	r.Get("/photos/{sort}/{offset}", h.Photos)
	r.Get("/settings", h.Settings)
	r.Put("/settings", h.UpdateSettings)
}

// AdminRoutes mounts the post management routes. Callers wrap them with
// middleware.AdminOnly.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/create", h.Create)
	r.Delete("/{id}", h.Delete)
}

func meta(r *http.Request) Meta {
	return Meta{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
	case errors.Is(err, ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.log.Error("feed request failed", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
	}
}

func (h *Handler) page(w http.ResponseWriter, r *http.Request, q Query) {
	p, err := h.svc.Feed(r.Context(), auth.UserFrom(r.Context()), q, meta(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Default shows posts since the last visit, or everything if there are none.
func (h *Handler) Default(w http.ResponseWriter, r *http.Request) {
	h.page(w, r, Query{View: ViewDefault})
}

// Show handles /show/all and /show/new.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	view := chi.URLParam(r, "view")
	if view != ViewAll && view != ViewNew {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	h.page(w, r, Query{View: view})
}

// Month shows one calendar month (YYYY-MM).
func (h *Handler) Month(w http.ResponseWriter, r *http.Request) {
	h.page(w, r, Query{View: ViewMonth, Month: chi.URLParam(r, "month")})
}

// Tag shows posts carrying a tag.
func (h *Handler) Tag(w http.ResponseWriter, r *http.Request) {
	h.page(w, r, Query{View: ViewTag, Tag: chi.URLParam(r, "tag")})
}

// Photos serves the photo stream: /photos[/{recent|oldest}[/{offset}]].
func (h *Handler) Photos(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if s := chi.URLParam(r, "offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		offset = n
	}
	p, err := h.svc.Photos(r.Context(), auth.UserFrom(r.Context()), chi.URLParam(r, "sort"), offset, meta(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Settings returns the viewer's email preferences.
func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": u.Name, "notifications": u.Notifications})
}

// UpdateSettings changes the viewer's email preferences.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	n, err := h.svc.UpdateNotifications(r.Context(), auth.UserFrom(r.Context()), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": n})
}

// Comment adds a comment or reply.
func (h *Handler) Comment(w http.ResponseWriter, r *http.Request) {
	var req models.CommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	c, err := h.svc.AddComment(r.Context(), auth.UserFrom(r.Context()), req, meta(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Heart toggles the viewer's heart on a post.
func (h *Handler) Heart(w http.ResponseWriter, r *http.Request) {
	var req models.HeartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	hearted, count, err := h.svc.ToggleHeart(r.Context(), auth.UserFrom(r.Context()), req.PostID, meta(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hearted": hearted, "count": count})
}

// Create publishes a post. Admin only.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	p, err := h.svc.CreatePost(r.Context(), auth.UserFrom(r.Context()), req, meta(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Delete removes a post. Admin only.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeletePost(r.Context(), auth.UserFrom(r.Context()), chi.URLParam(r, "id"), meta(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"message":"deleted"}`))
}
