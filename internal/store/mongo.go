package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/familybook/familybook/internal/models"
)

// MongoStore implements Repository on MongoDB. Documents are keyed by the
// same uuid strings the Postgres backend uses.
type MongoStore struct {
	users     *mongo.Collection
	posts     *mongo.Collection
	comments  *mongo.Collection
	reactions *mongo.Collection
	tags      *mongo.Collection
	activity  *mongo.Collection
	photos    *mongo.Collection
	settings  *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		users:     db.Collection("users"),
		posts:     db.Collection("posts"),
		comments:  db.Collection("comments"),
		reactions: db.Collection("reactions"),
		tags:      db.Collection("filter_tags"),
		activity:  db.Collection("activity_log"),
		photos:    db.Collection("imported_photos"),
		settings:  db.Collection("settings"),
	}
}

var _ Repository = (*MongoStore)(nil)

// Migrate creates the indexes that enforce uniqueness.
func (s *MongoStore) Migrate(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		col   *mongo.Collection
		model mongo.IndexModel
	}{
		{s.users, mongo.IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique}},
		{s.users, mongo.IndexModel{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: unique}},
		{s.posts, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
		{s.comments, mongo.IndexModel{Keys: bson.D{{Key: "post_id", Value: 1}, {Key: "created_at", Value: 1}}}},
		{s.reactions, mongo.IndexModel{
			Keys:    bson.D{{Key: "post_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "kind", Value: 1}},
			Options: unique,
		}},
		{s.tags, mongo.IndexModel{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique}},
		{s.activity, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
		{s.photos, mongo.IndexModel{Keys: bson.D{{Key: "external_id", Value: 1}}, Options: unique}},
	}
	for _, ix := range indexes {
		if _, err := ix.col.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("mongo migrate %s: %w", ix.col.Name(), err)
		}
	}
	// Users created before preferences existed get every notification.
	_, err := s.users.UpdateMany(ctx,
		bson.M{"notifications": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"notifications": models.AllNotifications()}})
	if err != nil {
		return fmt.Errorf("mongo migrate users: %w", err)
	}
	return nil
}

func mongoErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func findAll[T any](ctx context.Context, col *mongo.Collection, filter any, opts *options.FindOptions) ([]T, error) {
	cur, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []T
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func updateOne(ctx context.Context, col *mongo.Collection, op, id string, set bson.M) error {
	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return mongoErr(op, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Users ────────────────────────────────────────────────────

func (s *MongoStore) CreateUser(ctx context.Context, u *models.User) error {
	assignID(&u.ID, &u.CreatedAt)
	u.Email = NormalizeEmail(u.Email)
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		return mongoErr("create user", err)
	}
	return nil
}

func (s *MongoStore) getUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	if err := s.users.FindOne(ctx, filter).Decode(&u); err != nil {
		return nil, mongoErr("get user", err)
	}
	return &u, nil
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, emailFilter(email))
}

// emailFilter matches the normalized form CreateUser stores.
func emailFilter(email string) bson.M {
	return bson.M{"email": NormalizeEmail(email)}
}

func (s *MongoStore) GetUserByTokenHash(ctx context.Context, hash string) (*models.User, error) {
	return s.getUser(ctx, bson.M{"token_hash": hash})
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]models.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "email", Value: 1}})
	users, err := findAll[models.User](ctx, s.users, bson.M{}, opts)
	if err != nil {
		return nil, mongoErr("list users", err)
	}
	return users, nil
}

// DeleteUser also removes the user's comments and reactions, matching the
// cascade the relational schema declares.
func (s *MongoStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mongoErr("delete user", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := s.comments.DeleteMany(ctx, bson.M{"user_id": id}); err != nil {
		return mongoErr("delete user comments", err)
	}
	if _, err := s.reactions.DeleteMany(ctx, bson.M{"user_id": id}); err != nil {
		return mongoErr("delete user reactions", err)
	}
	return nil
}

func (s *MongoStore) SetUserAdmin(ctx context.Context, id string, isAdmin bool) error {
	return updateOne(ctx, s.users, "set admin", id, bson.M{"is_admin": isAdmin})
}

func (s *MongoStore) SetUserToken(ctx context.Context, id, token, hash string) error {
	return updateOne(ctx, s.users, "set token", id, bson.M{"magic_token": token, "token_hash": hash})
}

func (s *MongoStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return updateOne(ctx, s.users, "touch last login", id, bson.M{"last_login": at})
}

func (s *MongoStore) SetUserNotifications(ctx context.Context, id string, n models.Notifications) error {
	return updateOne(ctx, s.users, "set notifications", id, bson.M{"notifications": n})
}

func (s *MongoStore) CountAdmins(ctx context.Context) (int, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{"is_admin": true})
	if err != nil {
		return 0, mongoErr("count admins", err)
	}
	return int(n), nil
}

// ── Posts ────────────────────────────────────────────────────

func (s *MongoStore) CreatePost(ctx context.Context, p *models.Post) error {
	assignID(&p.ID, &p.CreatedAt)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if _, err := s.posts.InsertOne(ctx, p); err != nil {
		return mongoErr("create post", err)
	}
	return nil
}

func (s *MongoStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var p models.Post
	if err := s.posts.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return nil, mongoErr("get post", err)
	}
	return &p, nil
}

func (s *MongoStore) ListPosts(ctx context.Context, f PostFilter) ([]models.Post, error) {
	filter := bson.M{}
	created := bson.M{}
	if !f.After.IsZero() {
		created["$gt"] = f.After
	}
	if !f.From.IsZero() {
		created["$gte"] = f.From
	}
	if !f.To.IsZero() {
		created["$lt"] = f.To
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	if f.Tag != "" {
		filter["tags"] = f.Tag
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	posts, err := findAll[models.Post](ctx, s.posts, filter, opts)
	if err != nil {
		return nil, mongoErr("list posts", err)
	}
	return posts, nil
}

func (s *MongoStore) DeletePost(ctx context.Context, id string) error {
	res, err := s.posts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mongoErr("delete post", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := s.comments.DeleteMany(ctx, bson.M{"post_id": id}); err != nil {
		return mongoErr("delete post comments", err)
	}
	if _, err := s.reactions.DeleteMany(ctx, bson.M{"post_id": id}); err != nil {
		return mongoErr("delete post reactions", err)
	}
	return nil
}

// ── Comments ─────────────────────────────────────────────────

func (s *MongoStore) CreateComment(ctx context.Context, c *models.Comment) error {
	assignID(&c.ID, &c.CreatedAt)
	if _, err := s.comments.InsertOne(ctx, c); err != nil {
		return mongoErr("create comment", err)
	}
	return nil
}

func (s *MongoStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	var c models.Comment
	if err := s.comments.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, mongoErr("get comment", err)
	}
	return &c, nil
}

func (s *MongoStore) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	comments, err := findAll[models.Comment](ctx, s.comments, bson.M{"post_id": postID}, opts)
	if err != nil {
		return nil, mongoErr("list comments", err)
	}
	return comments, nil
}

// ── Reactions ────────────────────────────────────────────────

func (s *MongoStore) ToggleReaction(ctx context.Context, postID, userID, kind string) (bool, error) {
	key := bson.M{"post_id": postID, "user_id": userID, "kind": kind}
	res, err := s.reactions.DeleteOne(ctx, key)
	if err != nil {
		return false, mongoErr("toggle reaction", err)
	}
	if res.DeletedCount > 0 {
		return false, nil
	}
	r := models.Reaction{PostID: postID, UserID: userID, Kind: kind, CreatedAt: time.Now().UTC()}
	if _, err := s.reactions.InsertOne(ctx, r); err != nil && !mongo.IsDuplicateKeyError(err) {
		return false, mongoErr("toggle reaction", err)
	}
	return true, nil
}

func (s *MongoStore) ListReactions(ctx context.Context, postID, kind string) ([]models.Reaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	out, err := findAll[models.Reaction](ctx, s.reactions, bson.M{"post_id": postID, "kind": kind}, opts)
	if err != nil {
		return nil, mongoErr("list reactions", err)
	}
	return out, nil
}

// ── Tags ─────────────────────────────────────────────────────

func (s *MongoStore) CreateTag(ctx context.Context, t *models.Tag) error {
	assignID(&t.ID, &t.CreatedAt)
	if _, err := s.tags.InsertOne(ctx, t); err != nil {
		return mongoErr("create tag", err)
	}
	return nil
}

func (s *MongoStore) ListTags(ctx context.Context) ([]models.Tag, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	tags, err := findAll[models.Tag](ctx, s.tags, bson.M{}, opts)
	if err != nil {
		return nil, mongoErr("list tags", err)
	}
	return tags, nil
}

func (s *MongoStore) DeleteTag(ctx context.Context, id string) error {
	res, err := s.tags.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mongoErr("delete tag", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Activity ─────────────────────────────────────────────────

func (s *MongoStore) LogActivity(ctx context.Context, a *models.Activity) error {
	assignID(&a.ID, &a.CreatedAt)
	if _, err := s.activity.InsertOne(ctx, a); err != nil {
		return mongoErr("log activity", err)
	}
	return nil
}

func (s *MongoStore) ListActivity(ctx context.Context, limit int) ([]models.Activity, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	out, err := findAll[models.Activity](ctx, s.activity, bson.M{}, opts)
	if err != nil {
		return nil, mongoErr("list activity", err)
	}
	return out, nil
}

// ── Imported photos ──────────────────────────────────────────

func (s *MongoStore) CreateImportedPhoto(ctx context.Context, p *models.ImportedPhoto) error {
	assignID(&p.ID, &p.UploadedAt)
	if p.Status == "" {
		p.Status = models.PhotoPending
	}
	if _, err := s.photos.InsertOne(ctx, p); err != nil {
		return mongoErr("create imported photo", err)
	}
	return nil
}

func (s *MongoStore) GetImportedPhotoByExternalID(ctx context.Context, externalID string) (*models.ImportedPhoto, error) {
	var p models.ImportedPhoto
	if err := s.photos.FindOne(ctx, bson.M{"external_id": externalID}).Decode(&p); err != nil {
		return nil, mongoErr("get imported photo", err)
	}
	return &p, nil
}

func (s *MongoStore) ListImportedPhotos(ctx context.Context) ([]models.ImportedPhoto, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploaded_at", Value: -1}})
	out, err := findAll[models.ImportedPhoto](ctx, s.photos, bson.M{}, opts)
	if err != nil {
		return nil, mongoErr("list imported photos", err)
	}
	return out, nil
}

// ── Settings ─────────────────────────────────────────────────

type settingDoc struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *MongoStore) GetSetting(ctx context.Context, key string) (string, error) {
	var doc settingDoc
	if err := s.settings.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		return "", mongoErr("get setting", err)
	}
	return doc.Value, nil
}

func (s *MongoStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.settings.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return mongoErr("put setting", err)
	}
	return nil
}
