package photos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/media"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store/memstore"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved map[string]string // filename -> content
}

func (f *fakeSaver) Save(_ context.Context, filename string, r io.Reader, _ int64, source string) (*media.Stored, error) {
	if source != media.SourcePhotos {
		return nil, fmt.Errorf("source = %q", source)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	kind, ext, ok := media.KindOf(filename)
	if !ok {
		return nil, media.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[filename] = string(b)
	key := media.NewKey(kind, ext)
	return &media.Stored{Key: key, URL: media.URL(key), Kind: kind}, nil
}

type fakeStates struct {
	mu     sync.Mutex
	issued map[string]string
}

func (f *fakeStates) New(_ context.Context, purpose string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := fmt.Sprintf("state-%d", len(f.issued)+1)
	f.issued[s] = purpose
	return s, nil
}

func (f *fakeStates) Consume(_ context.Context, state, purpose string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issued[state] != purpose {
		return auth.ErrBadState
	}
	delete(f.issued, state)
	return nil
}

// fakeGoogle serves the token endpoint, the Picker API and downloads.
type fakeGoogle struct {
	srv      *httptest.Server
	mu       sync.Mutex
	picked   bool
	access   string
	refreshs int
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{access: "at-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		g.mu.Lock()
		defer g.mu.Unlock()
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		case "refresh_token":
			g.refreshs++
			g.access = fmt.Sprintf("at-%d", g.refreshs+1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600,"refresh_token":"rt"}`, g.access)
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			g.mu.Lock()
			want := "Bearer " + g.access
			g.mu.Unlock()
			if r.Header.Get("Authorization") != want {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/v1/sessions", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		fmt.Fprint(w, `{"id":"s1","pickerUri":"https://photos.google.com/picker/s1"}`)
	}))
	mux.HandleFunc("/v1/sessions/", authed(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/v1/sessions/") != "s1" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		fmt.Fprintf(w, `{"id":"s1","mediaItemsSet":%t}`, g.picked)
	}))
	mux.HandleFunc("/v1/mediaItems", authed(func(w http.ResponseWriter, r *http.Request) {
		item := func(id, typ, mime, name string) string {
			return fmt.Sprintf(`{"id":%q,"type":%q,"mediaFile":{"baseUrl":%q,"mimeType":%q,"filename":%q}}`,
				id, typ, g.srv.URL+"/dl/"+id, mime, name)
		}
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprintf(w, `{"mediaItems":[%s],"nextPageToken":"p2"}`, item("g1", "PHOTO", "image/jpeg", "IMG_1.JPG"))
			return
		}
		fmt.Fprintf(w, `{"mediaItems":[%s,%s]}`,
			item("g2", "VIDEO", "video/mp4", "clip"),
			item("g3", "PHOTO", "image/heic", "IMG_3.HEIC"))
	}))
	mux.HandleFunc("/dl/", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "bytes of "+strings.TrimPrefix(r.URL.Path, "/dl/"))
	}))
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

type fixture struct {
	google *fakeGoogle
	st     *memstore.Store
	saver  *fakeSaver
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := newFakeGoogle(t)
	cfg := Config("client", "secret", "https://family.example.com/api/photos/callback")
	cfg.Endpoint = oauth2.Endpoint{
		AuthURL:   g.srv.URL + "/auth",
		TokenURL:  g.srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	st := memstore.New()
	saver := &fakeSaver{saved: make(map[string]string)}
	svc := NewService(cfg, st, saver, nil)
	svc.pickerURL = g.srv.URL + "/v1"
	svc.httpClient = g.srv.Client()
	return &fixture{google: g, st: st, saver: saver, svc: svc}
}

func TestService_NotConnected(t *testing.T) {
	f := newFixture(t)
	if f.svc.Connected(context.Background()) {
		t.Fatal("Connected() = true before Connect")
	}
	if _, err := f.svc.CreateSession(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateSession() error = %v, want ErrNotConnected", err)
	}
}

func TestService_ConnectStoresToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Connect(ctx, "bad-code"); err == nil {
		t.Fatal("Connect(bad-code) succeeded")
	}
	if err := f.svc.Connect(ctx, "good-code"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	raw, err := f.st.GetSetting(ctx, TokenSetting)
	if err != nil {
		t.Fatal(err)
	}
	var tok oauth2.Token
	json.Unmarshal([]byte(raw), &tok)
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt" {
		t.Errorf("stored token = %+v", tok)
	}
}

func TestService_RefreshedTokenPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expired, _ := json.Marshal(&oauth2.Token{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Hour),
	})
	f.st.PutSetting(ctx, TokenSetting, string(expired))

	sess, err := f.svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.ID != "s1" || sess.PickerURI == "" {
		t.Errorf("session = %+v", sess)
	}
	raw, _ := f.st.GetSetting(ctx, TokenSetting)
	if !strings.Contains(raw, `"access_token":"at-2"`) {
		t.Errorf("refreshed token not persisted: %s", raw)
	}
}

func TestService_PollAndImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.Connect(ctx, "good-code"); err != nil {
		t.Fatal(err)
	}

	done, items, err := f.svc.Poll(ctx, "s1")
	if err != nil || done || len(items) != 0 {
		t.Fatalf("Poll() before picking = %v, %v, %v", done, items, err)
	}
	f.google.mu.Lock()
	f.google.picked = true
	f.google.mu.Unlock()
	done, items, err = f.svc.Poll(ctx, "s1")
	if err != nil || !done || len(items) != 3 {
		t.Fatalf("Poll() after picking = %v, %d items, %v", done, len(items), err)
	}

	actor := &models.User{ID: "u-admin", Name: "Mom"}
	res, err := f.svc.Import(ctx, actor, "s1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(res.Imported) != 2 || res.Failed != 1 || res.Skipped != 0 {
		t.Errorf("Import() = %d imported, %d skipped, %d failed", len(res.Imported), res.Skipped, res.Failed)
	}
	if got := f.saver.saved["IMG_1.JPG"]; got != "bytes of g1=d" {
		t.Errorf("image download = %q", got)
	}
	if got := f.saver.saved["g2.mp4"]; got != "bytes of g2=dv" {
		t.Errorf("video download = %q", got)
	}

	acts, _ := f.st.ListActivity(ctx, 10)
	if len(acts) != 1 || acts[0].Action != models.ActionPhotoImport || acts[0].UserID != "u-admin" {
		t.Errorf("activity = %+v", acts)
	}

	res, err = f.svc.Import(ctx, actor, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Imported) != 0 || res.Skipped != 2 {
		t.Errorf("second Import() = %d imported, %d skipped", len(res.Imported), res.Skipped)
	}
	photos, _ := f.st.ListImportedPhotos(ctx)
	if len(photos) != 2 {
		t.Errorf("imported photos = %d, want 2", len(photos))
	}
}

func TestPickedItem_DownloadURL(t *testing.T) {
	var img, vid PickedItem
	img.MediaFile.BaseURL, img.MediaFile.MimeType = "https://lh3/x", "image/png"
	vid.MediaFile.BaseURL, vid.MediaFile.MimeType = "https://lh3/y", "video/quicktime"
	if img.DownloadURL() != "https://lh3/x=d" || vid.DownloadURL() != "https://lh3/y=dv" {
		t.Errorf("DownloadURL() = %q, %q", img.DownloadURL(), vid.DownloadURL())
	}
}

func newRouter(f *fixture, states *fakeStates) http.Handler {
	h := NewHandler(f.svc, states, nil)
	r := chi.NewRouter()
	r.Route("/api/photos", func(r chi.Router) {
		r.Get("/callback", h.Callback)
		h.Routes(r)
	})
	return r
}

func TestHandler_AuthRequired(t *testing.T) {
	f := newFixture(t)
	states := &fakeStates{issued: make(map[string]string)}
	r := newRouter(f, states)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/photos/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body struct {
		AuthRequired bool   `json:"auth_required"`
		AuthURL      string `json:"auth_url"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	u, err := url.Parse(body.AuthURL)
	if !body.AuthRequired || err != nil {
		t.Fatalf("body = %+v", body)
	}
	q := u.Query()
	if q.Get("scope") != Scope || q.Get("access_type") != "offline" || states.issued[q.Get("state")] != statePurpose {
		t.Errorf("auth url = %s", body.AuthURL)
	}
}

func TestHandler_CallbackAndSession(t *testing.T) {
	f := newFixture(t)
	states := &fakeStates{issued: make(map[string]string)}
	r := newRouter(f, states)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/photos/auth", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("auth status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	state := loc.Query().Get("state")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/photos/callback?state=forged&code=good-code", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("forged state = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/photos/callback?state="+state+"&code=good-code", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/admin" {
		t.Fatalf("callback = %d %s", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/photos/sessions", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"picker_uri":"https://photos.google.com/picker/s1"`) {
		t.Errorf("create session = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/photos/sessions/s1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"completed":false`) {
		t.Errorf("poll = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/photos/sessions/nope", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("poll unknown = %d, want 502", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/photos/import", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("import without session = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/photos/import", strings.NewReader(`{"session_id":"s1"}`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"failed":1`) {
		t.Errorf("import = %d %s", rec.Code, rec.Body.String())
	}
}
