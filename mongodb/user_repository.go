package mongodb

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.tradekit.io/authcore/domain"
)

// userDoc is the persisted shape of a user. Secret columns (checksum,
// encrypted credentials blob, per-device auth bindings) stay out of the
// transport-facing domain struct fields.
type userDoc struct {
	ID            int64  `bson:"_id"`
	GroupID       int64  `bson:"group_id"`
	Archived      bool   `bson:"archived"`
	Status        string `bson:"status"`
	Username      string `bson:"username"`
	Email         string `bson:"email,omitempty"`
	EmailVerified bool   `bson:"email_verified"`
	Phone         string `bson:"phone,omitempty"`
	PhoneVerified bool   `bson:"phone_verified"`
	Country       string `bson:"country,omitempty"`
	CreatedOn     int64  `bson:"created_on"`
	UpdatedOn     int64  `bson:"updated_on"`
	Checksum      []byte `bson:"checksum"`
	Credentials   []byte `bson:"credentials,omitempty"`
	WebAuthToken  []byte `bson:"web_auth_token,omitempty"`
	AppAuthToken  []byte `bson:"app_auth_token,omitempty"`
}

func newUserDoc(u *domain.User) userDoc {
	return userDoc{
		ID:            u.ID,
		GroupID:       u.GroupID,
		Archived:      u.Archived,
		Status:        u.Status,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Phone:         u.Phone,
		PhoneVerified: u.PhoneVerified,
		Country:       u.Country,
		CreatedOn:     u.CreatedOn,
		UpdatedOn:     u.UpdatedOn,
		Checksum:      u.Secrets.Checksum,
		Credentials:   u.Secrets.Credentials,
		WebAuthToken:  u.AuthBinding(domain.DeviceWeb),
		AppAuthToken:  u.AuthBinding(domain.DeviceApp),
	}
}

func (d userDoc) toDomain() *domain.User {
	u := &domain.User{
		ID:            d.ID,
		GroupID:       d.GroupID,
		Archived:      d.Archived,
		Status:        d.Status,
		Username:      d.Username,
		Email:         d.Email,
		EmailVerified: d.EmailVerified,
		Phone:         d.Phone,
		PhoneVerified: d.PhoneVerified,
		Country:       d.Country,
		CreatedOn:     d.CreatedOn,
		UpdatedOn:     d.UpdatedOn,
		Secrets: domain.UserSecrets{
			Checksum:    d.Checksum,
			Credentials: d.Credentials,
		},
	}
	if len(d.WebAuthToken) == domain.AuthBindingSize {
		_ = u.SetAuthBinding(domain.DeviceWeb, d.WebAuthToken)
	}
	if len(d.AppAuthToken) == domain.AuthBindingSize {
		_ = u.SetAuthBinding(domain.DeviceApp, d.AppAuthToken)
	}
	return u
}

// UserRepositoryMongo implements domain.UserRepository using MongoDB.
type UserRepositoryMongo struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewUserRepository creates the repository and ensures its indexes.
func NewUserRepository(ctx context.Context, db *mongo.Database) (*UserRepositoryMongo, error) {
	repo := &UserRepositoryMongo{
		db:         db,
		collection: db.Collection(UsersCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for users collection")
	}

	return repo, nil
}

// Insert assigns a sequence id, persists the user, and returns the id.
func (r *UserRepositoryMongo) Insert(ctx context.Context, u *domain.User) (int64, error) {
	id, err := nextID(ctx, r.db, UsersCollection)
	if err != nil {
		return 0, err
	}
	u.ID = id

	if _, err := r.collection.InsertOne(ctx, newUserDoc(u)); err != nil {
		log.Error().Err(err).Msg("Error storing user in MongoDB")
		return 0, err
	}
	return id, nil
}

// Update rewrites a user row in full.
func (r *UserRepositoryMongo) Update(ctx context.Context, u *domain.User) error {
	if u.ID == 0 {
		return errors.New("user ID is required for update")
	}

	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": u.ID}, newUserDoc(u))
	if err != nil {
		log.Error().Err(err).Int64("userID", u.ID).Msg("Error updating user in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNoRowsUpdated
	}
	return nil
}

// GetByID retrieves a user by id.
func (r *UserRepositoryMongo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var doc userDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Int64("id", id).Msg("Error getting user by ID from MongoDB")
		return nil, err
	}
	return doc.toDomain(), nil
}

// GetByUsername retrieves a user by username.
func (r *UserRepositoryMongo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var doc userDoc
	err := r.collection.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Str("username", username).Msg("Error getting user by username from MongoDB")
		return nil, err
	}
	return doc.toDomain(), nil
}

var _ domain.UserRepository = (*UserRepositoryMongo)(nil)
