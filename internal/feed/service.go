// Package feed serves the family feed to magic-link holders: post lists
// with hearts and comments, commenting, hearting, and admin post management.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

var (
	ErrNotFound  = errors.New("feed: not found")
	ErrForbidden = errors.New("feed: forbidden")
	ErrInvalid   = errors.New("feed: invalid request")
)

// Views a Page can be built for.
const (
	ViewDefault = ""
	ViewAll     = "all"
	ViewNew     = "new"
	ViewMonth   = "month"
	ViewTag     = "tag"
)

const (
	maxDetail    = 200
	maxUserAgent = 500
)

// Repository is the part of store.Repository the feed uses.
type Repository interface {
	store.Users
	store.Posts
	store.Comments
	store.Reactions
	store.Tags
	store.Activities
}

// Query selects which posts a Page shows.
type Query struct {
	View  string
	Month string // YYYY-MM, for ViewMonth
	Tag   string // for ViewTag
}

// Meta describes the request an action came from, for the audit trail.
type Meta struct {
	IP        string
	UserAgent string
}

// PostView is a post decorated for one viewer.
type PostView struct {
	models.Post
	HeartCount    int              `json:"heart_count"`
	HeartedBy     []string         `json:"hearted_by"`
	ViewerHearted bool             `json:"viewer_hearted"`
	Comments      []models.Comment `json:"comments"`
}

// Page is everything the feed screen needs.
type Page struct {
	View      string              `json:"view"`
	Month     string              `json:"month,omitempty"`
	Tag       string              `json:"tag,omitempty"`
	User      *models.User        `json:"user"`
	LastLogin *time.Time          `json:"last_login,omitempty"`
	Posts     []PostView          `json:"posts"`
	Months    []models.MonthCount `json:"months"`
	Tags      []models.Tag        `json:"tags"`
}

// Service implements the feed operations.
type Service struct {
	repo Repository
	loc  *time.Location
	now  func() time.Time
	log  *slog.Logger
}

// NewService returns a Service that buckets posts into months in loc.
func NewService(repo Repository, loc *time.Location, log *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, loc: loc, now: time.Now, log: log}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// record writes an audit entry. Failures are logged, never returned.
func (s *Service) record(ctx context.Context, a models.Activity, meta Meta) {
	a.Detail = truncate(a.Detail, maxDetail)
	a.IP = meta.IP
	a.UserAgent = truncate(meta.UserAgent, maxUserAgent)
	if err := s.repo.LogActivity(ctx, &a); err != nil {
		s.log.Warn("activity log failed", "action", a.Action, "error", err)
	}
}

// Feed builds the page for viewer. Every call counts as a visit: the
// viewer's LastLogin moves to now and the previous value drives the "new"
// views.
func (s *Service) Feed(ctx context.Context, viewer *models.User, q Query, meta Meta) (*Page, error) {
	var filter store.PostFilter
	page := &Page{View: q.View, User: viewer, LastLogin: viewer.LastLogin}

	switch q.View {
	case ViewDefault, ViewAll, ViewNew:
	case ViewMonth:
		start, err := time.ParseInLocation("2006-01", q.Month, s.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: month %q", ErrNotFound, q.Month)
		}
		filter.From, filter.To = start, start.AddDate(0, 1, 0)
		page.Month = q.Month
	case ViewTag:
		filter.Tag = NormalizeTag(q.Tag)
		page.Tag = filter.Tag
	default:
		return nil, fmt.Errorf("%w: view %q", ErrNotFound, q.View)
	}

	s.record(ctx, models.Activity{Action: models.ActionVisit, UserID: viewer.ID, UserName: viewer.Name}, meta)
	if err := s.repo.TouchLastLogin(ctx, viewer.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("touch last login: %w", err)
	}

	// A first visit has nothing to compare against, so it is the whole feed.
	if q.View == ViewDefault || q.View == ViewNew {
		page.View = ViewAll
		if viewer.LastLogin != nil {
			filter.After = *viewer.LastLogin
			page.View = ViewNew
		}
	}

	posts, err := s.repo.ListPosts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	if q.View == ViewDefault && len(posts) == 0 && viewer.LastLogin != nil {
		page.View = ViewAll
		if posts, err = s.repo.ListPosts(ctx, store.PostFilter{}); err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
	}

	users, err := s.userIndex(ctx)
	if err != nil {
		return nil, err
	}
	page.Posts = make([]PostView, 0, len(posts))
	for _, p := range posts {
		pv, err := s.decorate(ctx, p, viewer, users)
		if err != nil {
			return nil, err
		}
		page.Posts = append(page.Posts, *pv)
	}

	if page.Months, err = s.Months(ctx); err != nil {
		return nil, err
	}
	if page.Tags, err = s.repo.ListTags(ctx); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return page, nil
}

func (s *Service) userIndex(ctx context.Context) (map[string]models.User, error) {
	list, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	idx := make(map[string]models.User, len(list))
	for _, u := range list {
		idx[u.ID] = u
	}
	return idx, nil
}

func (s *Service) decorate(ctx context.Context, p models.Post, viewer *models.User, users map[string]models.User) (*PostView, error) {
	p.AuthorName = users[p.AuthorID].Name

	hearts, err := s.repo.ListReactions(ctx, p.ID, models.Heart)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	pv := &PostView{Post: p, HeartCount: len(hearts), HeartedBy: make([]string, 0, len(hearts))}
	for _, r := range hearts {
		if r.UserID == viewer.ID {
			pv.ViewerHearted = true
		}
		if u, ok := users[r.UserID]; ok {
			pv.HeartedBy = append(pv.HeartedBy, u.Name)
		}
	}

	comments, err := s.repo.ListComments(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	for i := range comments {
		u := users[comments[i].UserID]
		comments[i].UserName, comments[i].UserIsAdmin = u.Name, u.IsAdmin
	}
	pv.Comments = VisibleComments(comments, viewer)
	return pv, nil
}

// VisibleComments filters a post's comments for viewer. Admins see every
// comment. Everyone else sees their own comments and admin replies to them.
// UserIsAdmin must already be filled in.
func VisibleComments(comments []models.Comment, viewer *models.User) []models.Comment {
	if viewer.IsAdmin {
		if comments == nil {
			return []models.Comment{}
		}
		return comments
	}

	own := make(map[string]bool)
	for _, c := range comments {
		if c.UserID == viewer.ID {
			own[c.ID] = true
		}
	}
	out := []models.Comment{}
	for _, c := range comments {
		if c.UserID == viewer.ID || (c.UserIsAdmin && c.ParentID != "" && own[c.ParentID]) {
			out = append(out, c)
		}
	}
	return out
}

// Months lists every month that has posts, newest first.
func (s *Service) Months(ctx context.Context) ([]models.MonthCount, error) {
	posts, err := s.repo.ListPosts(ctx, store.PostFilter{})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	counts := make(map[string]int)
	for _, p := range posts {
		counts[p.CreatedAt.In(s.loc).Format("2006-01")]++
	}
	out := make([]models.MonthCount, 0, len(counts))
	for m, n := range counts {
		out = append(out, models.MonthCount{Month: m, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	return out, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// AddComment stores a comment or reply by viewer.
//
// A reply's parent must be on the same post. Non-admins may only reply in a
// thread they already take part in, i.e. they wrote the thread's root
// comment or one of its replies.
func (s *Service) AddComment(ctx context.Context, viewer *models.User, req models.CommentRequest, meta Meta) (*models.Comment, error) {
	body := strings.TrimSpace(req.Body)
	if req.PostID == "" || body == "" {
		return nil, fmt.Errorf("%w: post_id and body are required", ErrInvalid)
	}
	post, err := s.repo.GetPost(ctx, req.PostID)
	if err != nil {
		return nil, notFound(err, "post")
	}

	if req.ParentID != "" {
		parent, err := s.repo.GetComment(ctx, req.ParentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && parent.PostID != post.ID) {
			return nil, fmt.Errorf("%w: invalid parent comment", ErrInvalid)
		}
		if err != nil {
			return nil, fmt.Errorf("get comment: %w", err)
		}
		if !viewer.IsAdmin {
			ok, err := s.inThread(ctx, post.ID, parent, viewer.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: not part of this thread", ErrForbidden)
			}
		}
	}

	c := &models.Comment{
		PostID:      post.ID,
		UserID:      viewer.ID,
		UserName:    viewer.Name,
		UserIsAdmin: viewer.IsAdmin,
		Body:        body,
		ParentID:    req.ParentID,
	}
	if err := s.repo.CreateComment(ctx, c); err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}

	action := models.ActionComment
	if c.ParentID != "" {
		action = models.ActionCommentReply
	}
	s.record(ctx, models.Activity{
		Action: action, UserID: viewer.ID, UserName: viewer.Name,
		PostID: post.ID, PostTitle: post.Title, Detail: body,
	}, meta)
	return c, nil
}

func (s *Service) inThread(ctx context.Context, postID string, parent *models.Comment, userID string) (bool, error) {
	root := parent.ID
	if parent.ParentID != "" {
		root = parent.ParentID
	}
	comments, err := s.repo.ListComments(ctx, postID)
	if err != nil {
		return false, fmt.Errorf("list comments: %w", err)
	}
	for _, c := range comments {
		if c.UserID == userID && (c.ID == root || c.ParentID == root) {
			return true, nil
		}
	}
	return false, nil
}

// ToggleHeart flips viewer's heart on a post and returns the new state and
// the post's heart count.
func (s *Service) ToggleHeart(ctx context.Context, viewer *models.User, postID string, meta Meta) (bool, int, error) {
	if postID == "" {
		return false, 0, fmt.Errorf("%w: post_id is required", ErrInvalid)
	}
	post, err := s.repo.GetPost(ctx, postID)
	if err != nil {
		return false, 0, notFound(err, "post")
	}

	hearted, err := s.repo.ToggleReaction(ctx, post.ID, viewer.ID, models.Heart)
	if err != nil {
		return false, 0, fmt.Errorf("toggle reaction: %w", err)
	}
	hearts, err := s.repo.ListReactions(ctx, post.ID, models.Heart)
	if err != nil {
		return false, 0, fmt.Errorf("list reactions: %w", err)
	}

	action := models.ActionUnlike
	if hearted {
		action = models.ActionLike
	}
	s.record(ctx, models.Activity{
		Action: action, UserID: viewer.ID, UserName: viewer.Name,
		PostID: post.ID, PostTitle: post.Title,
	}, meta)
	return hearted, len(hearts), nil
}

// NormalizeTag lowercases and trims a tag name.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func normalizeTags(tags []string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// CreatePost publishes a post authored by author.
func (s *Service) CreatePost(ctx context.Context, author *models.User, req models.CreatePostRequest, meta Meta) (*models.Post, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" || strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: title and body are required", ErrInvalid)
	}

	p := &models.Post{
		Title:      title,
		Body:       req.Body,
		ImageKey:   req.ImageKey,
		VideoKey:   req.VideoKey,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Tags:       normalizeTags(req.Tags),
	}
	if err := s.repo.CreatePost(ctx, p); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	s.record(ctx, models.Activity{
		Action: models.ActionPostCreate, UserID: author.ID, UserName: author.Name,
		PostID: p.ID, PostTitle: p.Title,
	}, meta)
	return p, nil
}

// DeletePost removes a post with its comments and hearts.
func (s *Service) DeletePost(ctx context.Context, viewer *models.User, postID string, meta Meta) error {
	post, err := s.repo.GetPost(ctx, postID)
	if err != nil {
		return notFound(err, "post")
	}
	if err := s.repo.DeletePost(ctx, post.ID); err != nil {
		return notFound(err, "post")
	}
	s.record(ctx, models.Activity{
		Action: models.ActionPostDelete, UserID: viewer.ID, UserName: viewer.Name,
		PostID: post.ID, PostTitle: post.Title,
	}, meta)
	return nil
}
