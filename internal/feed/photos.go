package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

// Photo stream orderings.
const (
	SortRecent = "recent"
	SortOldest = "oldest"
)

// PhotoPageSize is how many photos one stream page holds.
const PhotoPageSize = 50

// Photo is one image in the stream, with the post it belongs to.
type Photo struct {
	ImageKey   string    `json:"image_key"`
	PostID     string    `json:"post_id"`
	PostTitle  string    `json:"post_title"`
	AuthorName string    `json:"author_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PhotoPage is one page of the photo stream.
type PhotoPage struct {
	Sort    string  `json:"sort"`
	Offset  int     `json:"offset"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
	Photos  []Photo `json:"photos"`
}

// Photos returns a page of every post image, PhotoPageSize at a time. It
// counts as a visit like Feed does.
func (s *Service) Photos(ctx context.Context, viewer *models.User, order string, offset int, meta Meta) (*PhotoPage, error) {
	if order == "" {
		order = SortRecent
	}
	if order != SortRecent && order != SortOldest {
		return nil, fmt.Errorf("%w: sort %q", ErrNotFound, order)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset %d", ErrNotFound, offset)
	}

	s.record(ctx, models.Activity{Action: models.ActionVisit, UserID: viewer.ID, UserName: viewer.Name, Detail: "photos"}, meta)
	if err := s.repo.TouchLastLogin(ctx, viewer.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("touch last login: %w", err)
	}

	posts, err := s.repo.ListPosts(ctx, store.PostFilter{})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	users, err := s.userIndex(ctx)
	if err != nil {
		return nil, err
	}

	var withImages []models.Post
	for _, p := range posts {
		if p.ImageKey != "" {
			withImages = append(withImages, p)
		}
	}
	sort.SliceStable(withImages, func(i, j int) bool {
		if order == SortOldest {
			return withImages[i].CreatedAt.Before(withImages[j].CreatedAt)
		}
		return withImages[i].CreatedAt.After(withImages[j].CreatedAt)
	})

	page := &PhotoPage{Sort: order, Offset: offset, Total: len(withImages), Photos: []Photo{}}
	end := min(offset+PhotoPageSize, len(withImages))
	for i := offset; i < end; i++ {
		p := withImages[i]
		page.Photos = append(page.Photos, Photo{
			ImageKey:   p.ImageKey,
			PostID:     p.ID,
			PostTitle:  p.Title,
			AuthorName: users[p.AuthorID].Name,
			CreatedAt:  p.CreatedAt,
		})
	}
	page.HasMore = offset+PhotoPageSize < len(withImages)
	return page, nil
}
