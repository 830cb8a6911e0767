package media

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/familybook/familybook/internal/metrics"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
	"github.com/familybook/familybook/internal/store/memstore"
)

// memFiles is an in-memory FileStore.
type memFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]store.Object
}

func newMemFiles() *memFiles {
	return &memFiles{objects: make(map[string][]byte), meta: make(map[string]store.Object)}
}

func (m *memFiles) Put(_ context.Context, key string, r io.Reader, _ int64, ct string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.meta[key] = store.Object{Key: key, Size: int64(len(b)), ContentType: ct, LastModified: time.Now()}
	return nil
}

func (m *memFiles) putAt(key string, at time.Time) {
	m.objects[key] = []byte("x")
	m.meta[key] = store.Object{Key: key, Size: 1, LastModified: at}
}

func (m *memFiles) Open(_ context.Context, key string) (io.ReadCloser, *store.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	obj := m.meta[key]
	return io.NopCloser(bytes.NewReader(b)), &obj, nil
}

func (m *memFiles) List(context.Context) ([]store.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Object
	for _, o := range m.meta {
		out = append(out, o)
	}
	return out, nil
}

func (m *memFiles) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.meta, key)
	return nil
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		wantKind string
		wantOK   bool
	}{
		{"photo.JPG", KindImage, true},
		{"a.b.webp", KindImage, true},
		{"clip.mov", KindVideo, true},
		{"clip.mkv", "", false},
		{"script.sh", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		kind, _, ok := KindOf(tt.name)
		if kind != tt.wantKind || ok != tt.wantOK {
			t.Errorf("KindOf(%q) = %q, %v", tt.name, kind, ok)
		}
	}
}

func TestNewKey(t *testing.T) {
	key := NewKey(KindVideo, "mp4")
	if !ValidKey(key) || !strings.HasPrefix(key, "video_") || !strings.HasSuffix(key, ".mp4") {
		t.Errorf("NewKey() = %q", key)
	}
	for _, bad := range []string{"../etc/passwd", "image_123.png", "IMAGE_" + strings.Repeat("a", 32) + ".png"} {
		if ValidKey(bad) {
			t.Errorf("ValidKey(%q) = true", bad)
		}
	}
}

func TestSave(t *testing.T) {
	files := newMemFiles()
	m := metrics.New()
	svc := NewService(files, memstore.New(), m, nil)

	stored, err := svc.Save(context.Background(), "beach.PNG", strings.NewReader("pixels"), 6, SourceUpload)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if stored.Kind != KindImage || stored.URL != "/uploads/"+stored.Key || !ValidKey(stored.Key) {
		t.Errorf("Save() = %+v", stored)
	}
	if got := string(files.objects[stored.Key]); got != "pixels" {
		t.Errorf("stored bytes = %q", got)
	}
	if got := files.meta[stored.Key].ContentType; got != "image/png" {
		t.Errorf("content type = %q", got)
	}
	if got := testutil.ToFloat64(m.MediaUploaded.WithLabelValues(KindImage, SourceUpload)); got != 1 {
		t.Errorf("media_uploaded = %v", got)
	}

	if _, err := svc.Save(context.Background(), "evil.exe", strings.NewReader(""), 0, SourceUpload); err == nil {
		t.Error("Save(.exe) succeeded")
	}
}

func TestReferencedKeys(t *testing.T) {
	posts := []models.Post{
		{Body: `<p><img class="x" src="/uploads/image_a.png"></p><video controls src='https://host/uploads/video_b.mp4?t=1'></video>`},
		{Body: `<video><source src="/uploads/video_c.webm" type="video/webm"></video><a href="/uploads/image_d.png">link</a>`},
		{ImageKey: "image_e.jpg", VideoKey: "video_f.mov"},
	}
	photos := []models.ImportedPhoto{{ObjectKey: "image_g.jpg"}}

	got := ReferencedKeys(posts, photos)
	var keys []string
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := "image_a.png,image_e.jpg,image_g.jpg,video_b.mp4,video_c.webm,video_f.mov"
	if strings.Join(keys, ",") != want {
		t.Errorf("ReferencedKeys() = %v, want %s", keys, want)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	files := newMemFiles()
	repo := memstore.New()
	svc := NewService(files, repo, nil, nil)
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	old := now.Add(-48 * time.Hour)
	files.putAt("image_used.png", old)
	files.putAt("image_orphan.png", old)
	files.putAt("video_fresh.mp4", now.Add(-time.Hour))
	files.putAt("image_imported.jpg", old)
	files.putAt("notes.txt", old)

	repo.CreatePost(ctx, &models.Post{Title: "p", Body: `<img src="/uploads/image_used.png">`})
	repo.CreateImportedPhoto(ctx, &models.ImportedPhoto{ExternalID: "g1", ObjectKey: "image_imported.jpg"})

	removed, err := svc.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != "image_orphan.png" {
		t.Errorf("removed = %v, want [image_orphan.png]", removed)
	}
	for _, keep := range []string{"image_used.png", "video_fresh.mp4", "image_imported.jpg", "notes.txt"} {
		if _, ok := files.objects[keep]; !ok {
			t.Errorf("%s was removed", keep)
		}
	}
}

func multipartBody(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, n := range names {
		fw, err := mw.CreateFormFile("file", n)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("content of " + n))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHandler_UploadAndServe(t *testing.T) {
	files := newMemFiles()
	h := NewHandler(NewService(files, memstore.New(), nil, nil), nil)
	r := chi.NewRouter()
	r.Post("/api/media", h.Upload)
	r.Get("/uploads/{key}", h.Serve)

	body, ct := multipartBody(t, "a.jpg", "b.mp4")
	req := httptest.NewRequest(http.MethodPost, "/api/media", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d %s", rec.Code, rec.Body.String())
	}
	var stored []Stored
	json.NewDecoder(rec.Body).Decode(&stored)
	if len(stored) != 2 || stored[0].Kind != KindImage || stored[1].Kind != KindVideo {
		t.Fatalf("stored = %+v", stored)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, stored[0].URL, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "content of a.jpg" {
		t.Errorf("serve = %d %q", rec.Code, rec.Body.String())
	}

	for _, path := range []string{"/uploads/image_" + strings.Repeat("0", 32) + ".png", "/uploads/whatever"} {
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestHandler_UploadRejects(t *testing.T) {
	h := NewHandler(NewService(newMemFiles(), memstore.New(), nil, nil), nil)

	body, ct := multipartBody(t, "ok.png", "bad.exe")
	req := httptest.NewRequest(http.MethodPost, "/api/media", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mixed upload = %d, want 400", rec.Code)
	}

	body, ct = multipartBody(t)
	req = httptest.NewRequest(http.MethodPost, "/api/media", body)
	req.Header.Set("Content-Type", ct)
	rec = httptest.NewRecorder()
	h.Upload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty upload = %d, want 400", rec.Code)
	}
}
