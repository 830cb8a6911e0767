// Package photos imports pictures and videos from Google Photos through the
// Picker API into media storage.
package photos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/familybook/familybook/internal/media"
	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// Scope grants read access to items the user picks.
const Scope = "https://www.googleapis.com/auth/photospicker.mediaitems.readonly"

// TokenSetting is the settings key holding the OAuth token as JSON.
const TokenSetting = "google_photos_token"

// ErrNotConnected means no Google Photos token has been stored yet.
var ErrNotConnected = errors.New("photos: google photos not connected")

var mimeExt = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"video/webm":      "webm",
}

// Repository is the persistence the importer needs.
type Repository interface {
	store.Photos
	store.Settings
	store.Activities
}

// Saver writes downloaded bytes to media storage.
type Saver interface {
	Save(ctx context.Context, filename string, r io.Reader, size int64, source string) (*media.Stored, error)
}

// Config returns the OAuth config for the Photos Picker scope.
func Config(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.Google,
		Scopes:       []string{Scope},
	}
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Imported []models.ImportedPhoto `json:"imported"`
	Media    []*media.Stored        `json:"media"`
	Skipped  int                    `json:"skipped"`
	Failed   int                    `json:"failed"`
}

// Service connects to Google Photos and imports picked items.
type Service struct {
	oauth     *oauth2.Config
	repo      Repository
	saver     Saver
	pickerURL string
	// httpClient is the transport for token and API calls; nil means
	// http.DefaultClient.
	httpClient *http.Client
	log        *slog.Logger
}

func NewService(cfg *oauth2.Config, repo Repository, saver Saver, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{oauth: cfg, repo: repo, saver: saver, pickerURL: PickerBaseURL, log: log}
}

func (s *Service) oauthContext(ctx context.Context) context.Context {
	if s.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	return ctx
}

// AuthURL is the consent URL. Offline access is requested so imports keep
// working after the access token expires.
func (s *Service) AuthURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Connect exchanges an authorization code and stores the token.
func (s *Service) Connect(ctx context.Context, code string) error {
	tok, err := s.oauth.Exchange(s.oauthContext(ctx), code)
	if err != nil {
		return fmt.Errorf("photos: exchange: %w", err)
	}
	return s.saveToken(ctx, tok)
}

func (s *Service) saveToken(ctx context.Context, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.repo.PutSetting(ctx, TokenSetting, string(b))
}

func (s *Service) loadToken(ctx context.Context) (*oauth2.Token, error) {
	raw, err := s.repo.GetSetting(ctx, TokenSetting)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("photos: stored token: %w", err)
	}
	return &tok, nil
}

// savingSource persists refreshed tokens.
type savingSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	last string
	save func(*oauth2.Token)
}

func (t *savingSource) Token() (*oauth2.Token, error) {
	tok, err := t.base.Token()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok.AccessToken != t.last {
		t.last = tok.AccessToken
		t.save(tok)
	}
	return tok, nil
}

func (s *Service) picker(ctx context.Context) (*PickerClient, error) {
	tok, err := s.loadToken(ctx)
	if err != nil {
		return nil, err
	}
	octx := s.oauthContext(ctx)
	src := &savingSource{
		base: s.oauth.TokenSource(octx, tok),
		last: tok.AccessToken,
		save: func(t *oauth2.Token) {
			if err := s.saveToken(ctx, t); err != nil {
				s.log.Warn("photos token save failed", "error", err)
			}
		},
	}
	return NewPickerClient(s.pickerURL, oauth2.NewClient(octx, oauth2.ReuseTokenSource(tok, src))), nil
}

// Connected reports whether a token is stored.
func (s *Service) Connected(ctx context.Context) bool {
	_, err := s.loadToken(ctx)
	return err == nil
}

// CreateSession starts a picking session.
func (s *Service) CreateSession(ctx context.Context) (*PickerSession, error) {
	c, err := s.picker(ctx)
	if err != nil {
		return nil, err
	}
	return c.CreateSession(ctx)
}

// Poll reports whether the user finished picking and, if so, what they picked.
func (s *Service) Poll(ctx context.Context, sessionID string) (bool, []PickedItem, error) {
	c, err := s.picker(ctx)
	if err != nil {
		return false, nil, err
	}
	sess, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return false, nil, err
	}
	if !sess.MediaItemsSet {
		return false, nil, nil
	}
	items, err := c.ListItems(ctx, sessionID)
	if err != nil {
		return false, nil, err
	}
	return true, items, nil
}

// filename picks a name whose extension media storage accepts.
func filename(it PickedItem) (string, bool) {
	if _, _, ok := media.KindOf(it.MediaFile.Filename); ok {
		return it.MediaFile.Filename, true
	}
	if ext, ok := mimeExt[it.MediaFile.MimeType]; ok {
		return it.ID + "." + ext, true
	}
	return "", false
}

// Import downloads every item picked in sessionID that has not been
// imported before.
func (s *Service) Import(ctx context.Context, actor *models.User, sessionID string) (*ImportResult, error) {
	c, err := s.picker(ctx)
	if err != nil {
		return nil, err
	}
	items, err := c.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Imported: []models.ImportedPhoto{}, Media: []*media.Stored{}}
	for _, it := range items {
		_, err := s.repo.GetImportedPhotoByExternalID(ctx, it.ID)
		if err == nil {
			res.Skipped++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		name, ok := filename(it)
		if !ok {
			s.log.Warn("photos item skipped", "id", it.ID, "mime_type", it.MediaFile.MimeType)
			res.Failed++
			continue
		}
		stored, err := s.download(ctx, c, it, name)
		if err != nil {
			s.log.Warn("photos download failed", "id", it.ID, "error", err)
			res.Failed++
			continue
		}

		p := models.ImportedPhoto{ExternalID: it.ID, ObjectKey: stored.Key}
		if err := s.repo.CreateImportedPhoto(ctx, &p); err != nil {
			if errors.Is(err, store.ErrConflict) {
				res.Skipped++
				continue
			}
			return nil, err
		}
		res.Imported = append(res.Imported, p)
		res.Media = append(res.Media, stored)
	}

	if len(res.Imported) > 0 {
		a := &models.Activity{
			Action: models.ActionPhotoImport,
			Detail: fmt.Sprintf("%d items imported", len(res.Imported)),
		}
		if actor != nil {
			a.UserID, a.UserName = actor.ID, actor.Name
		}
		if err := s.repo.LogActivity(ctx, a); err != nil {
			s.log.Warn("activity log failed", "action", a.Action, "error", err)
		}
	}
	s.log.Info("photos import finished", "imported", len(res.Imported), "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

func (s *Service) download(ctx context.Context, c *PickerClient, it PickedItem, name string) (*media.Stored, error) {
	resp, err := c.Download(ctx, it)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.saver.Save(ctx, name, resp.Body, resp.ContentLength, media.SourcePhotos)
}
