package photos

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/familybook/familybook/internal/auth"
)

const statePurpose = "photos"

// States issues and checks OAuth state values.
type States interface {
	New(ctx context.Context, purpose string) (string, error)
	Consume(ctx context.Context, state, purpose string) error
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler holds Google Photos HTTP handlers.
type Handler struct {
	svc    *Service
	states States
	// DoneURL is where the callback sends the browser.
	DoneURL string
	log     *slog.Logger
}

func NewHandler(svc *Service, states States, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, states: states, DoneURL: "/admin", log: log}
}

// Routes registers the admin-only endpoints. Callback is mounted separately
// because Google redirects to it without the API's auth context.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auth", h.Auth)
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{id}", h.PollSession)
	r.Post("/import", h.Import)
}

func (h *Handler) authURL(r *http.Request) (string, error) {
	state, err := h.states.New(r.Context(), statePurpose)
	if err != nil {
		return "", err
	}
	return h.svc.AuthURL(state), nil
}

// Auth redirects to Google's consent screen.
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	u, err := h.authURL(r)
	if err != nil {
		h.log.Error("oauth state failed", "error", err)
		http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// Callback stores the token Google issued.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if err := h.states.Consume(r.Context(), r.URL.Query().Get("state"), statePurpose); err != nil {
		http.Error(w, `{"error":"invalid state"}`, http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, `{"error":"missing code"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Connect(r.Context(), code); err != nil {
		h.log.Error("photos connect failed", "error", err)
		http.Error(w, `{"error":"google photos authorization failed"}`, http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, h.DoneURL, http.StatusFound)
}

// fail maps service errors. A missing token yields 401 with a consent URL
// so the client can start the OAuth flow.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotConnected) {
		u, serr := h.authURL(r)
		if serr != nil {
			h.log.Error("oauth state failed", "error", serr)
			http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"auth_required": true, "auth_url": u})
		return
	}
	h.log.Error("photos request failed", "error", err)
	http.Error(w, `{"error":"google photos request failed"}`, http.StatusBadGateway)
}

// CreateSession starts a picker session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.CreateSession(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": sess.ID, "picker_uri": sess.PickerURI})
}

// PollSession reports whether picking finished.
func (h *Handler) PollSession(w http.ResponseWriter, r *http.Request) {
	done, items, err := h.svc.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []PickedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"completed": done, "items": items})
}

// Import pulls the picked items into media storage.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}
	res, err := h.svc.Import(r.Context(), auth.UserFrom(r.Context()), req.SessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
