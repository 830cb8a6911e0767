package models

import "time"

// User is a family member who can view the feed through a magic link.
type User struct {
	ID         string     `json:"id"                   bson:"_id"`
	Email      string     `json:"email"                bson:"email"`
	Name       string     `json:"name"                 bson:"name"`
	IsAdmin    bool       `json:"is_admin"             bson:"is_admin"`
	MagicToken string     `json:"-"                    bson:"magic_token"`
	TokenHash  string     `json:"-"                    bson:"token_hash"`
	LastLogin  *time.Time `json:"last_login,omitempty" bson:"last_login,omitempty"`
	CreatedAt  time.Time  `json:"created_at"           bson:"created_at"`

	Notifications Notifications `json:"notifications" bson:"notifications"`
}

// Notifications records which emails a user wants to receive.
type Notifications struct {
	NewPost      bool `json:"new_post"      bson:"new_post"`
	MajorEvent   bool `json:"major_event"   bson:"major_event"`
	CommentReply bool `json:"comment_reply" bson:"comment_reply"`
}

// AllNotifications is what every new user starts with.
func AllNotifications() Notifications {
	return Notifications{NewPost: true, MajorEvent: true, CommentReply: true}
}

// Notification levels, a shorthand for the post-related flags.
const (
	NotifyAll       = "all"
	NotifyMajorOnly = "major_only"
	NotifyNone      = "none"
)

// NotificationsRequest is the JSON body for changing email preferences.
// A non-empty Level replaces NewPost and MajorEvent.
type NotificationsRequest struct {
	Level string `json:"level"`
	Notifications
}

// Resolve returns the preferences the request asks for. ok is false for an
// unknown level.
func (r NotificationsRequest) Resolve() (n Notifications, ok bool) {
	n = r.Notifications
	switch r.Level {
	case "":
	case NotifyAll:
		n.NewPost, n.MajorEvent = true, true
	case NotifyMajorOnly:
		n.NewPost, n.MajorEvent = false, true
	case NotifyNone:
		n.NewPost, n.MajorEvent = false, false
	default:
		return Notifications{}, false
	}
	return n, true
}

// UserWithLink is what the admin console returns: the user plus a shareable URL.
type UserWithLink struct {
	*User
	MagicLink string `json:"magic_link"`
}

// CreateUserRequest is the JSON body for POST /api/admin/users.
type CreateUserRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// LoginRequest is the JSON body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// MagicLoginRequest is the JSON body for POST /api/auth/magic.
type MagicLoginRequest struct {
	Token string `json:"token"`
}
