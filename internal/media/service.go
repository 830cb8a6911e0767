// Package media stores uploaded photos and videos in object storage and
// removes the ones no post refers to.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familybook/familybook/internal/metrics"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// MaxUploadBytes caps one upload request.
const MaxUploadBytes = 100 << 20

// Media kinds, also the object key prefix.
const (
	KindImage = "image"
	KindVideo = "video"
)

// Upload sources, for metrics.
const (
	SourceUpload = "upload"
	SourcePhotos = "google_photos"
)

var (
	ErrUnsupported = errors.New("media: unsupported file type")
	ErrNotFound    = errors.New("media: not found")
)

var extKinds = map[string]string{
	"png": KindImage, "jpg": KindImage, "jpeg": KindImage, "gif": KindImage, "webp": KindImage,
	"mp4": KindVideo, "mov": KindVideo, "avi": KindVideo, "webm": KindVideo,
}

var (
	keyRE = regexp.MustCompile(`^(image|video)_[0-9a-f]{32}\.[a-z0-9]+$`)
	srcRE = regexp.MustCompile(`(?i)<(?:img|video|source)\b[^>]*?\bsrc=["']([^"']+)["']`)
)

// FileStore is the object storage the service writes to.
type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, *store.Object, error)
	List(ctx context.Context) ([]store.Object, error)
	Remove(ctx context.Context, key string) error
}

// References lists everything that can point at a media object.
type References interface {
	ListPosts(ctx context.Context, f store.PostFilter) ([]models.Post, error)
	ListImportedPhotos(ctx context.Context) ([]models.ImportedPhoto, error)
}

// Stored describes a saved object.
type Stored struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Service saves, serves and garbage-collects media.
type Service struct {
	files   FileStore
	refs    References
	metrics *metrics.Registry
	now     func() time.Time
	log     *slog.Logger
}

// NewService returns a Service. m may be nil.
func NewService(files FileStore, refs References, m *metrics.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{files: files, refs: refs, metrics: m, now: time.Now, log: log}
}

// KindOf returns the media kind for a filename's extension.
func KindOf(filename string) (kind, ext string, ok bool) {
	ext = strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	kind, ok = extKinds[ext]
	return kind, ext, ok
}

// NewKey builds a fresh object key: {kind}_{32 hex chars}.{ext}.
func NewKey(kind, ext string) string {
	return kind + "_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "." + ext
}

// ValidKey reports whether key has the shape NewKey produces.
func ValidKey(key string) bool {
	return keyRE.MatchString(key)
}

// URL is where a stored object is served.
func URL(key string) string {
	return "/uploads/" + key
}

// Save stores size bytes from r under a new key chosen from filename's
// extension. size may be -1 when unknown.
func (s *Service) Save(ctx context.Context, filename string, r io.Reader, size int64, source string) (*Stored, error) {
	kind, ext, ok := KindOf(filename)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, path.Ext(filename))
	}
	key := NewKey(kind, ext)

	ct := mime.TypeByExtension("." + ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	if err := s.files.Put(ctx, key, r, size, ct); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MediaUploaded.WithLabelValues(kind, source).Inc()
	}
	return &Stored{Key: key, URL: URL(key), Kind: kind}, nil
}

// Open returns a reader for a stored object. Keys that NewKey could not
// have produced are reported as ErrNotFound without a storage round trip.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, *store.Object, error) {
	if !ValidKey(key) {
		return nil, nil, ErrNotFound
	}
	rc, obj, err := s.files.Open(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	return rc, obj, err
}

// ReferencedKeys collects the object keys posts and imports refer to: src
// attributes of img, video and source tags pointing at /uploads/, each
// post's image and video key, and every imported photo.
func ReferencedKeys(posts []models.Post, photos []models.ImportedPhoto) map[string]bool {
	used := make(map[string]bool)
	for _, p := range posts {
		for _, m := range srcRE.FindAllStringSubmatch(p.Body, -1) {
			if _, after, ok := strings.Cut(m[1], "/uploads/"); ok {
				after, _, _ = strings.Cut(after, "?")
				used[after] = true
			}
		}
		if p.ImageKey != "" {
			used[p.ImageKey] = true
		}
		if p.VideoKey != "" {
			used[p.VideoKey] = true
		}
	}
	for _, ph := range photos {
		used[ph.ObjectKey] = true
	}
	return used
}

// Cleanup removes media objects nothing refers to. Objects younger than
// grace are kept so uploads for a post still being written survive.
func (s *Service) Cleanup(ctx context.Context, grace time.Duration) ([]string, error) {
	posts, err := s.refs.ListPosts(ctx, store.PostFilter{})
	if err != nil {
		return nil, fmt.Errorf("cleanup: list posts: %w", err)
	}
	photos, err := s.refs.ListImportedPhotos(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: list photos: %w", err)
	}
	objects, err := s.files.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}

	used := ReferencedKeys(posts, photos)
	cutoff := s.now().Add(-grace)
	var removed []string
	for _, obj := range objects {
		if used[obj.Key] || obj.LastModified.After(cutoff) {
			continue
		}
		if _, _, ok := KindOf(obj.Key); !ok {
			continue
		}
		if err := s.files.Remove(ctx, obj.Key); err != nil {
			s.log.Warn("orphan remove failed", "key", obj.Key, "error", err)
			continue
		}
		removed = append(removed, obj.Key)
	}
	s.log.Info("media cleanup finished", "objects", len(objects), "in_use", len(used), "removed", len(removed))
	return removed, nil
}
