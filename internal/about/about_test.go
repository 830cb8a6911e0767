package about

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store/memstore"
)

func newRouter(st *memstore.Store, admin *models.User) http.Handler {
	h := NewHandler(NewService(st, nil), nil)
	r := chi.NewRouter()
	r.Get("/api/about", h.Show)
	r.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithUser(req.Context(), admin)))
		})
	}).Put("/api/admin/about", h.Update)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func content(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.Content
}

func TestShowDefault(t *testing.T) {
	r := newRouter(memstore.New(), &models.User{ID: "a", Name: "Mom"})
	rec := do(r, http.MethodGet, "/api/about", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := content(t, rec); got != DefaultContent {
		t.Errorf("content = %q", got)
	}
}

func TestUpdateThenShow(t *testing.T) {
	st := memstore.New()
	r := newRouter(st, &models.User{ID: "a", Name: "Mom"})

	rec := do(r, http.MethodPut, "/api/admin/about", `{"content":"  <p>We are the Smiths.</p> "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := content(t, do(r, http.MethodGet, "/api/about", "")); got != "<p>We are the Smiths.</p>" {
		t.Errorf("content = %q", got)
	}

	acts, _ := st.ListActivity(context.Background(), 1)
	if len(acts) != 1 || acts[0].Action != models.ActionAboutUpdate || acts[0].UserName != "Mom" {
		t.Errorf("activity = %+v", acts)
	}
}

func TestUpdateRejects(t *testing.T) {
	r := newRouter(memstore.New(), nil)
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"content":"   "}`},
		{"too large", `{"content":"` + strings.Repeat("x", MaxContent+1) + `"}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(r, http.MethodPut, "/api/admin/about", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestStorageDown(t *testing.T) {
	st := memstore.New()
	st.FailWith = errors.New("down")
	r := newRouter(st, nil)
	if rec := do(r, http.MethodGet, "/api/about", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("GET status = %d, want 500", rec.Code)
	}
	if rec := do(r, http.MethodPut, "/api/admin/about", `{"content":"x"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("PUT status = %d, want 500", rec.Code)
	}
}
