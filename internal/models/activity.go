package models

import "time"

// Activity actions recorded in the audit trail.
const (
	ActionVisit        = "visit"
	ActionPostCreate   = "post_create"
	ActionPostDelete   = "post_delete"
	ActionComment      = "comment"
	ActionCommentReply = "comment_reply"
	ActionLike         = "like"
	ActionUnlike       = "unlike"
	ActionUserCreate   = "user_create"
	ActionUserDelete   = "user_delete"
	ActionTokenRotate  = "token_rotate"
	ActionPhotoImport  = "photo_import"
	ActionAboutUpdate  = "about_update"
)

// Activity is one row of the audit trail.
type Activity struct {
	ID        string    `json:"id"                   bson:"_id"`
	Action    string    `json:"action"               bson:"action"`
	UserID    string    `json:"user_id,omitempty"    bson:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"  bson:"user_name,omitempty"`
	PostID    string    `json:"post_id,omitempty"    bson:"post_id,omitempty"`
	PostTitle string    `json:"post_title,omitempty" bson:"post_title,omitempty"`
	Detail    string    `json:"detail,omitempty"     bson:"detail,omitempty"`
	IP        string    `json:"ip,omitempty"         bson:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"           bson:"created_at"`
}

// Imported photo review states.
const (
	PhotoPending  = "pending"
	PhotoApproved = "approved"
	PhotoRejected = "rejected"
)

// ImportedPhoto tracks media pulled from Google Photos.
type ImportedPhoto struct {
	ID          string     `json:"id"                     bson:"_id"`
	ExternalID  string     `json:"external_id"            bson:"external_id"`
	ObjectKey   string     `json:"object_key"             bson:"object_key"`
	Status      string     `json:"status"                 bson:"status"`
	UploadedAt  time.Time  `json:"uploaded_at"            bson:"uploaded_at"`
	PublishedAt *time.Time `json:"published_at,omitempty" bson:"published_at,omitempty"`
}
