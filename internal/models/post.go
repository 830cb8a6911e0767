package models

import "time"

// Post is a single entry in the family feed.
type Post struct {
	ID         string    `json:"id"                    bson:"_id"`
	Title      string    `json:"title"                 bson:"title"`
	Body       string    `json:"body"                  bson:"body"`
	ImageKey   string    `json:"image_key,omitempty"   bson:"image_key,omitempty"`
	VideoKey   string    `json:"video_key,omitempty"   bson:"video_key,omitempty"`
	AuthorID   string    `json:"author_id,omitempty"   bson:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty" bson:"-"`
	Tags       []string  `json:"tags"                  bson:"tags"`
	CreatedAt  time.Time `json:"created_at"            bson:"created_at"`
}

// Comment belongs to a post. ParentID is set for replies.
type Comment struct {
	ID          string    `json:"id"                  bson:"_id"`
	PostID      string    `json:"post_id"             bson:"post_id"`
	UserID      string    `json:"user_id"             bson:"user_id"`
	UserName    string    `json:"user_name,omitempty" bson:"-"`
	UserIsAdmin bool      `json:"user_is_admin"       bson:"-"`
	Body        string    `json:"body"                bson:"body"`
	ParentID    string    `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"          bson:"created_at"`
}

// Heart is the only reaction kind the feed supports.
const Heart = "heart"

// Reaction records that a user reacted to a post.
type Reaction struct {
	PostID    string    `json:"post_id"    bson:"post_id"`
	UserID    string    `json:"user_id"    bson:"user_id"`
	Kind      string    `json:"kind"       bson:"kind"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Tag is a filter tag shown in the feed sidebar.
type Tag struct {
	ID          string    `json:"id"           bson:"_id"`
	Name        string    `json:"name"         bson:"name"`
	DisplayName string    `json:"display_name" bson:"display_name"`
	Color       string    `json:"color"        bson:"color"`
	CreatedAt   time.Time `json:"created_at"   bson:"created_at"`
}

// MonthCount is one entry of the feed's month navigation.
type MonthCount struct {
	Month string `json:"month"` // YYYY-MM
	Count int    `json:"count"`
}

// CreatePostRequest is the JSON body for creating a post.
type CreatePostRequest struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags"`
	ImageKey string   `json:"image_key"`
	VideoKey string   `json:"video_key"`
}

// CommentRequest is the JSON body for adding a comment or reply.
type CommentRequest struct {
	PostID   string `json:"post_id"`
	Body     string `json:"body"`
	ParentID string `json:"parent_id"`
}

// HeartRequest is the JSON body for toggling a heart.
type HeartRequest struct {
	PostID string `json:"post_id"`
}

// CreateTagRequest is the JSON body for POST /api/admin/tags.
type CreateTagRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}
