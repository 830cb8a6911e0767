package photos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// PickerBaseURL is the Google Photos Picker API root.
const PickerBaseURL = "https://photospicker.googleapis.com/v1"

// PickerSession is a picking session the user completes in Google Photos.
type PickerSession struct {
	ID            string `json:"id"`
	PickerURI     string `json:"pickerUri"`
	MediaItemsSet bool   `json:"mediaItemsSet"`
}

// PickedItem is one media item the user picked.
type PickedItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MediaFile struct {
		BaseURL  string `json:"baseUrl"`
		MimeType string `json:"mimeType"`
		Filename string `json:"filename"`
	} `json:"mediaFile"`
}

// IsVideo reports whether the item is a video.
func (it PickedItem) IsVideo() bool {
	return it.Type == "VIDEO" || strings.HasPrefix(it.MediaFile.MimeType, "video/")
}

// DownloadURL is the original-quality download URL for the item.
func (it PickedItem) DownloadURL() string {
	if it.IsVideo() {
		return it.MediaFile.BaseURL + "=dv"
	}
	return it.MediaFile.BaseURL + "=d"
}

// checkResp returns an error including the upstream body if the status is not 2xx.
func checkResp(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("photos picker %s returned %d: %s", path, resp.StatusCode, string(body))
}

// PickerClient calls the Picker API with an authorized HTTP client.
type PickerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewPickerClient(baseURL string, httpClient *http.Client) *PickerClient {
	return &PickerClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// CreateSession calls POST /sessions.
func (c *PickerClient) CreateSession(ctx context.Context) (*PickerSession, error) {
	var s PickerSession
	if err := c.do(ctx, http.MethodPost, "/sessions", strings.NewReader("{}"), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession calls GET /sessions/{id}.
func (c *PickerClient) GetSession(ctx context.Context, id string) (*PickerSession, error) {
	var s PickerSession
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListItems pages through GET /mediaItems for a completed session.
func (c *PickerClient) ListItems(ctx context.Context, sessionID string) ([]PickedItem, error) {
	var items []PickedItem
	pageToken := ""
	for {
		q := url.Values{"sessionId": {sessionID}, "pageSize": {"100"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page struct {
			MediaItems    []PickedItem `json:"mediaItems"`
			NextPageToken string       `json:"nextPageToken"`
		}
		if err := c.do(ctx, http.MethodGet, "/mediaItems?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		items = append(items, page.MediaItems...)
		if page.NextPageToken == "" {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}

// Download opens the original bytes of an item. The caller closes the body.
func (c *PickerClient) Download(ctx context.Context, it PickedItem) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.DownloadURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("photos download %s: %w", it.ID, err)
	}
	if err := checkResp(resp, "download"); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *PickerClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("photos picker %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkResp(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("photos picker %s: decode: %w", path, err)
	}
	return nil
}
