package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/familybook/familybook/internal/models"
	"github.com/familybook/familybook/internal/store"
)

func TestCreateUser_Uniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.CreateUser(ctx, &models.User{Email: "a@example.com", MagicToken: "t1", TokenHash: "h1"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	tests := []struct {
		name string
		user models.User
	}{
		{"same email different case", models.User{Email: "A@Example.com", MagicToken: "t2", TokenHash: "h2"}},
		{"same hash", models.User{Email: "b@example.com", MagicToken: "t3", TokenHash: "h1"}},
		{"same token", models.User{Email: "c@example.com", MagicToken: "t1", TokenHash: "h4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.user
			if err := s.CreateUser(ctx, &u); !errors.Is(err, store.ErrConflict) {
				t.Errorf("CreateUser() error = %v, want ErrConflict", err)
			}
		})
	}
}

func TestSetUserToken(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := &models.User{Email: "a@example.com", MagicToken: "ta", TokenHash: "ha"}
	b := &models.User{Email: "b@example.com", MagicToken: "tb", TokenHash: "hb"}
	s.CreateUser(ctx, a)
	s.CreateUser(ctx, b)

	if err := s.SetUserToken(ctx, a.ID, "tb", "hb"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("SetUserToken(taken) error = %v, want ErrConflict", err)
	}
	if err := s.SetUserToken(ctx, "missing", "tx", "hx"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetUserToken(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.SetUserToken(ctx, a.ID, "tn", "hn"); err != nil {
		t.Fatalf("SetUserToken() error = %v", err)
	}
	if _, err := s.GetUserByTokenHash(ctx, "ha"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old hash still resolves: %v", err)
	}
	got, err := s.GetUserByTokenHash(ctx, "hn")
	if err != nil || got.ID != a.ID {
		t.Errorf("GetUserByTokenHash(hn) = %v, %v", got, err)
	}
}

func TestListPosts_Filters(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tags := range [][]string{{"trip"}, nil, {"trip", "birthday"}} {
		s.CreatePost(ctx, &models.Post{
			Title:     string(rune('A' + i)),
			Tags:      tags,
			CreatedAt: base.AddDate(0, i, 0),
		})
	}

	tests := []struct {
		name   string
		filter store.PostFilter
		want   string
	}{
		{"all newest first", store.PostFilter{}, "CBA"},
		{"after is exclusive", store.PostFilter{After: base}, "CB"},
		{"from inclusive to exclusive", store.PostFilter{From: base, To: base.AddDate(0, 1, 0)}, "A"},
		{"tag", store.PostFilter{Tag: "trip"}, "CA"},
		{"tag and after", store.PostFilter{Tag: "birthday", After: base}, "C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts, err := s.ListPosts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListPosts() error = %v", err)
			}
			got := ""
			for _, p := range posts {
				got += p.Title
			}
			if got != tt.want {
				t.Errorf("ListPosts() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeletePost_Cascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := &models.Post{Title: "p"}
	s.CreatePost(ctx, p)
	s.CreateComment(ctx, &models.Comment{PostID: p.ID, UserID: "u", Body: "hi"})
	s.ToggleReaction(ctx, p.ID, "u", models.Heart)

	if err := s.DeletePost(ctx, p.ID); err != nil {
		t.Fatalf("DeletePost() error = %v", err)
	}
	if c, _ := s.ListComments(ctx, p.ID); len(c) != 0 {
		t.Errorf("comments left = %d", len(c))
	}
	if r, _ := s.ListReactions(ctx, p.ID, models.Heart); len(r) != 0 {
		t.Errorf("reactions left = %d", len(r))
	}
	if err := s.DeletePost(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeletePost() error = %v, want ErrNotFound", err)
	}
}

func TestToggleReaction(t *testing.T) {
	ctx := context.Background()
	s := New()

	on, _ := s.ToggleReaction(ctx, "p", "u1", models.Heart)
	s.ToggleReaction(ctx, "p", "u2", models.Heart)
	if !on {
		t.Error("first toggle should set the reaction")
	}
	rs, _ := s.ListReactions(ctx, "p", models.Heart)
	if len(rs) != 2 || rs[0].UserID != "u2" {
		t.Errorf("ListReactions() = %+v, want u2 first", rs)
	}

	on, _ = s.ToggleReaction(ctx, "p", "u1", models.Heart)
	if on {
		t.Error("second toggle should clear the reaction")
	}
	rs, _ = s.ListReactions(ctx, "p", models.Heart)
	if len(rs) != 1 {
		t.Errorf("reactions = %d, want 1", len(rs))
	}
}

func TestListActivity_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, action := range []string{models.ActionVisit, models.ActionLike, models.ActionComment} {
		s.LogActivity(ctx, &models.Activity{Action: action})
	}
	got, _ := s.ListActivity(ctx, 2)
	if len(got) != 2 || got[0].Action != models.ActionComment || got[1].Action != models.ActionLike {
		t.Errorf("ListActivity() = %+v", got)
	}
}

func TestFailWith(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("down")
	s.FailWith = boom

	if _, err := s.GetUserByTokenHash(ctx, "h"); !errors.Is(err, boom) {
		t.Errorf("GetUserByTokenHash() error = %v", err)
	}
	if err := s.PutSetting(ctx, "k", "v"); !errors.Is(err, boom) {
		t.Errorf("PutSetting() error = %v", err)
	}
	if _, err := s.ListPosts(ctx, store.PostFilter{}); !errors.Is(err, boom) {
		t.Errorf("ListPosts() error = %v", err)
	}
}

func TestSetUserNotifications(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := &models.User{Email: "a@example.com", MagicToken: "t", TokenHash: "h", Notifications: models.AllNotifications()}
	s.CreateUser(ctx, u)

	want := models.Notifications{CommentReply: true}
	if err := s.SetUserNotifications(ctx, u.ID, want); err != nil {
		t.Fatalf("SetUserNotifications() error = %v", err)
	}
	got, _ := s.GetUserByEmail(ctx, "A@example.com")
	if got.Notifications != want {
		t.Errorf("Notifications = %+v, want %+v", got.Notifications, want)
	}
	if err := s.SetUserNotifications(ctx, "missing", want); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}
}
