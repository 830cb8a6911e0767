package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/familybook/familybook/internal/models"
)

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Repository = (*PostgresStore)(nil)

// Migrate creates the schema if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id          UUID PRIMARY KEY,
			email       VARCHAR(255) UNIQUE NOT NULL,
			name        VARCHAR(100) NOT NULL DEFAULT '',
			is_admin    BOOLEAN      NOT NULL DEFAULT FALSE,
			magic_token VARCHAR(64)  UNIQUE NOT NULL,
			token_hash  CHAR(64)     UNIQUE NOT NULL,
			last_login  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email));
		ALTER TABLE users ADD COLUMN IF NOT EXISTS notify_new_post      BOOLEAN NOT NULL DEFAULT TRUE;
		ALTER TABLE users ADD COLUMN IF NOT EXISTS notify_major_event   BOOLEAN NOT NULL DEFAULT TRUE;
		ALTER TABLE users ADD COLUMN IF NOT EXISTS notify_comment_reply BOOLEAN NOT NULL DEFAULT TRUE;
		CREATE TABLE IF NOT EXISTS posts (
			id         UUID PRIMARY KEY,
			title      VARCHAR(140) NOT NULL,
			body       TEXT         NOT NULL,
			image_key  TEXT,
			video_key  TEXT,
			author_id  UUID REFERENCES users(id) ON DELETE SET NULL,
			tags       TEXT[]       NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS posts_created_at_idx ON posts (created_at DESC);
		CREATE TABLE IF NOT EXISTS comments (
			id         UUID PRIMARY KEY,
			post_id    UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			body       TEXT NOT NULL,
			parent_id  UUID REFERENCES comments(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reactions (
			post_id    UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kind       VARCHAR(20) NOT NULL DEFAULT 'heart',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (post_id, user_id, kind)
		);
		CREATE TABLE IF NOT EXISTS filter_tags (
			id           UUID PRIMARY KEY,
			name         VARCHAR(30) UNIQUE NOT NULL,
			display_name VARCHAR(60) NOT NULL,
			color        VARCHAR(16) NOT NULL DEFAULT '#007bff',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS activity_log (
			id         UUID PRIMARY KEY,
			action     VARCHAR(32) NOT NULL,
			user_id    UUID,
			user_name  TEXT,
			post_id    UUID,
			post_title TEXT,
			detail     TEXT,
			ip         TEXT,
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS activity_log_created_at_idx ON activity_log (created_at DESC);
		CREATE TABLE IF NOT EXISTS imported_photos (
			id           UUID PRIMARY KEY,
			external_id  TEXT UNIQUE NOT NULL,
			object_key   TEXT NOT NULL,
			status       VARCHAR(16) NOT NULL DEFAULT 'pending',
			uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// pgErr maps driver errors onto the package sentinels.
func pgErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return ErrNotFound
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expectOne(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Users ────────────────────────────────────────────────────

const userColumns = `id, email, name, is_admin, magic_token, token_hash, last_login, created_at,
	notify_new_post, notify_major_event, notify_comment_reply`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	n := &u.Notifications
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin, &u.MagicToken, &u.TokenHash, &u.LastLogin, &u.CreatedAt,
		&n.NewPost, &n.MajorEvent, &n.CommentReply)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	assignID(&u.ID, &u.CreatedAt)
	u.Email = NormalizeEmail(u.Email)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Email, u.Name, u.IsAdmin, u.MagicToken, u.TokenHash, u.LastLogin, u.CreatedAt,
		u.Notifications.NewPost, u.Notifications.MajorEvent, u.Notifications.CommentReply,
	)
	if err != nil {
		return pgErr("create user", err)
	}
	return nil
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		return nil, pgErr("get user", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `lower(email) = $1`, NormalizeEmail(email))
}

func (s *PostgresStore) GetUserByTokenHash(ctx context.Context, hash string) (*models.User, error) {
	return s.getUser(ctx, `token_hash = $1`, hash)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, email`)
	if err != nil {
		return nil, pgErr("list users", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return pgErr("delete user", err)
	}
	return expectOne(tag)
}

func (s *PostgresStore) SetUserAdmin(ctx context.Context, id string, isAdmin bool) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET is_admin = $2 WHERE id = $1`, id, isAdmin)
	if err != nil {
		return pgErr("set admin", err)
	}
	return expectOne(tag)
}

func (s *PostgresStore) SetUserToken(ctx context.Context, id, token, hash string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET magic_token = $2, token_hash = $3 WHERE id = $1`, id, token, hash)
	if err != nil {
		return pgErr("set token", err)
	}
	return expectOne(tag)
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	if err != nil {
		return pgErr("touch last login", err)
	}
	return expectOne(tag)
}

func (s *PostgresStore) SetUserNotifications(ctx context.Context, id string, n models.Notifications) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET notify_new_post = $2, notify_major_event = $3, notify_comment_reply = $4 WHERE id = $1`,
		id, n.NewPost, n.MajorEvent, n.CommentReply)
	if err != nil {
		return pgErr("set notifications", err)
	}
	return expectOne(tag)
}

func (s *PostgresStore) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE is_admin`).Scan(&n); err != nil {
		return 0, pgErr("count admins", err)
	}
	return n, nil
}

// ── Posts ────────────────────────────────────────────────────

const postColumns = `id, title, body, COALESCE(image_key, ''), COALESCE(video_key, ''),
	COALESCE(author_id::text, ''), tags, created_at`

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.Title, &p.Body, &p.ImageKey, &p.VideoKey, &p.AuthorID, &p.Tags, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePost(ctx context.Context, p *models.Post) error {
	assignID(&p.ID, &p.CreatedAt)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO posts (id, title, body, image_key, video_key, author_id, tags, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, '')::uuid, $7, $8)`,
		p.ID, p.Title, p.Body, p.ImageKey, p.VideoKey, p.AuthorID, p.Tags, p.CreatedAt,
	)
	if err != nil {
		return pgErr("create post", err)
	}
	return nil
}

func (s *PostgresStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	p, err := scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get post", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, f PostFilter) ([]models.Post, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.After.IsZero() {
		add("created_at > $%d", f.After)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if f.Tag != "" {
		add("$%d = ANY(tags)", f.Tag)
	}

	q := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("list posts", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

// DeletePost relies on ON DELETE CASCADE for comments and reactions.
func (s *PostgresStore) DeletePost(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return pgErr("delete post", err)
	}
	return expectOne(tag)
}

// ── Comments ─────────────────────────────────────────────────

const commentColumns = `id, post_id, user_id, body, COALESCE(parent_id::text, ''), created_at`

func scanComment(row pgx.Row) (*models.Comment, error) {
	var c models.Comment
	if err := row.Scan(&c.ID, &c.PostID, &c.UserID, &c.Body, &c.ParentID, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateComment(ctx context.Context, c *models.Comment) error {
	assignID(&c.ID, &c.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO comments (id, post_id, user_id, body, parent_id, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6)`,
		c.ID, c.PostID, c.UserID, c.Body, c.ParentID, c.CreatedAt,
	)
	if err != nil {
		return pgErr("create comment", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	c, err := scanComment(s.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get comment", err)
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	if !ValidID(postID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE post_id = $1 ORDER BY created_at ASC`, postID)
	if err != nil {
		return nil, pgErr("list comments", err)
	}
	defer rows.Close()

	var comments []models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

// ── Reactions ────────────────────────────────────────────────

func (s *PostgresStore) ToggleReaction(ctx context.Context, postID, userID, kind string) (bool, error) {
	if !ValidID(postID) || !ValidID(userID) {
		return false, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, pgErr("toggle reaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM reactions WHERE post_id = $1 AND user_id = $2 AND kind = $3`, postID, userID, kind)
	if err != nil {
		return false, pgErr("toggle reaction", err)
	}
	on := tag.RowsAffected() == 0
	if on {
		_, err = tx.Exec(ctx,
			`INSERT INTO reactions (post_id, user_id, kind, created_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`, postID, userID, kind, time.Now().UTC())
		if err != nil {
			return false, pgErr("toggle reaction", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, pgErr("toggle reaction", err)
	}
	return on, nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, postID, kind string) ([]models.Reaction, error) {
	if !ValidID(postID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT post_id, user_id, kind, created_at FROM reactions
		 WHERE post_id = $1 AND kind = $2 ORDER BY created_at DESC`, postID, kind)
	if err != nil {
		return nil, pgErr("list reactions", err)
	}
	defer rows.Close()

	var out []models.Reaction
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.PostID, &r.UserID, &r.Kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("list reactions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Tags ─────────────────────────────────────────────────────

func (s *PostgresStore) CreateTag(ctx context.Context, t *models.Tag) error {
	assignID(&t.ID, &t.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO filter_tags (id, name, display_name, color, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.DisplayName, t.Color, t.CreatedAt)
	if err != nil {
		return pgErr("create tag", err)
	}
	return nil
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]models.Tag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, display_name, color, created_at FROM filter_tags ORDER BY name`)
	if err != nil {
		return nil, pgErr("list tags", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.DisplayName, &t.Color, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("list tags: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) DeleteTag(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM filter_tags WHERE id = $1`, id)
	if err != nil {
		return pgErr("delete tag", err)
	}
	return expectOne(tag)
}

// ── Activity ─────────────────────────────────────────────────

func (s *PostgresStore) LogActivity(ctx context.Context, a *models.Activity) error {
	assignID(&a.ID, &a.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (id, action, user_id, user_name, post_id, post_title, detail, ip, user_agent, created_at)
		 VALUES ($1, $2, NULLIF($3, '')::uuid, $4, NULLIF($5, '')::uuid, $6, $7, $8, $9, $10)`,
		a.ID, a.Action, a.UserID, a.UserName, a.PostID, a.PostTitle, a.Detail, a.IP, a.UserAgent, a.CreatedAt)
	if err != nil {
		return pgErr("log activity", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, limit int) ([]models.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, COALESCE(user_id::text, ''), COALESCE(user_name, ''),
		        COALESCE(post_id::text, ''), COALESCE(post_title, ''), COALESCE(detail, ''),
		        COALESCE(ip, ''), COALESCE(user_agent, ''), created_at
		 FROM activity_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, pgErr("list activity", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.Action, &a.UserID, &a.UserName, &a.PostID, &a.PostTitle,
			&a.Detail, &a.IP, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("list activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── Imported photos ──────────────────────────────────────────

const photoColumns = `id, external_id, object_key, status, uploaded_at, published_at`

func scanPhoto(row pgx.Row) (*models.ImportedPhoto, error) {
	var p models.ImportedPhoto
	if err := row.Scan(&p.ID, &p.ExternalID, &p.ObjectKey, &p.Status, &p.UploadedAt, &p.PublishedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateImportedPhoto(ctx context.Context, p *models.ImportedPhoto) error {
	assignID(&p.ID, &p.UploadedAt)
	if p.Status == "" {
		p.Status = models.PhotoPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO imported_photos (`+photoColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.ExternalID, p.ObjectKey, p.Status, p.UploadedAt, p.PublishedAt)
	if err != nil {
		return pgErr("create imported photo", err)
	}
	return nil
}

func (s *PostgresStore) GetImportedPhotoByExternalID(ctx context.Context, externalID string) (*models.ImportedPhoto, error) {
	p, err := scanPhoto(s.pool.QueryRow(ctx,
		`SELECT `+photoColumns+` FROM imported_photos WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, pgErr("get imported photo", err)
	}
	return p, nil
}

func (s *PostgresStore) ListImportedPhotos(ctx context.Context) ([]models.ImportedPhoto, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+photoColumns+` FROM imported_photos ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, pgErr("list imported photos", err)
	}
	defer rows.Close()

	var out []models.ImportedPhoto
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("list imported photos: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ── Settings ─────────────────────────────────────────────────

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	if err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v); err != nil {
		return "", pgErr("get setting", err)
	}
	return v, nil
}

func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return pgErr("put setting", err)
	}
	return nil
}
