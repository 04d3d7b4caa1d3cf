package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.tradekit.io/authcore/domain"
)

// sessionDoc is the persisted shape of a session. Secret columns (token,
// checksum) live here and are mapped back into the non-serialized secrets
// sub-struct on load.
type sessionDoc struct {
	ID             int64  `bson:"_id"`
	Type           string `bson:"type"`
	Archived       bool   `bson:"archived"`
	IPAddress      string `bson:"ip_address"`
	UserAgent      string `bson:"user_agent"`
	Fingerprint    []byte `bson:"fingerprint"`
	AuthUserID     int64  `bson:"auth_user_id,omitempty"`
	AuthSessionOTP bool   `bson:"auth_session_otp,omitempty"`
	Last2FACode    string `bson:"last_2fa_code,omitempty"`
	Last2FAOn      int64  `bson:"last_2fa_on,omitempty"`
	LastCaptchaOn  int64  `bson:"last_captcha_on,omitempty"`
	IssuedOn       int64  `bson:"issued_on"`
	LastUsedOn     int64  `bson:"last_used_on"`
	Token          []byte `bson:"token"`
	Checksum       []byte `bson:"checksum"`
}

func newSessionDoc(s *domain.Session) sessionDoc {
	return sessionDoc{
		ID:             s.ID,
		Type:           string(s.Type),
		Archived:       s.Archived,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		Fingerprint:    s.Fingerprint,
		AuthUserID:     s.AuthUserID,
		AuthSessionOTP: s.AuthSessionOTP,
		Last2FACode:    s.Last2FACode,
		Last2FAOn:      s.Last2FAOn,
		LastCaptchaOn:  s.LastCaptchaOn,
		IssuedOn:       s.IssuedOn,
		LastUsedOn:     s.LastUsedOn,
		Token:          s.Secrets.Token,
		Checksum:       s.Secrets.Checksum,
	}
}

func (d sessionDoc) toDomain() *domain.Session {
	return &domain.Session{
		ID:             d.ID,
		Type:           domain.DeviceType(d.Type),
		Archived:       d.Archived,
		IPAddress:      d.IPAddress,
		UserAgent:      d.UserAgent,
		Fingerprint:    d.Fingerprint,
		AuthUserID:     d.AuthUserID,
		AuthSessionOTP: d.AuthSessionOTP,
		Last2FACode:    d.Last2FACode,
		Last2FAOn:      d.Last2FAOn,
		LastCaptchaOn:  d.LastCaptchaOn,
		IssuedOn:       d.IssuedOn,
		LastUsedOn:     d.LastUsedOn,
		Secrets: domain.SessionSecrets{
			Token:    d.Token,
			Checksum: d.Checksum,
		},
	}
}

// SessionRepositoryMongo implements domain.SessionRepository using MongoDB.
type SessionRepositoryMongo struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewSessionRepository creates the repository and ensures its indexes.
func NewSessionRepository(ctx context.Context, db *mongo.Database) (*SessionRepositoryMongo, error) {
	repo := &SessionRepositoryMongo{
		db:         db,
		collection: db.Collection(SessionsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Backs the session-creation rate-limit probe.
			Keys: bson.D{{Key: "ip_address", Value: 1}, {Key: "issued_on", Value: -1}},
		},
	}

	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for pa_sessions collection")
	}

	return repo, nil
}

// Insert assigns a sequence id, persists the session, and returns the id.
func (r *SessionRepositoryMongo) Insert(ctx context.Context, s *domain.Session) (int64, error) {
	id, err := nextID(ctx, r.db, SessionsCollection)
	if err != nil {
		return 0, err
	}
	s.ID = id

	if _, err := r.collection.InsertOne(ctx, newSessionDoc(s)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, fmt.Errorf("session with this token already exists: %w", err)
		}
		log.Error().Err(err).Msg("Error storing session in MongoDB")
		return 0, err
	}
	return id, nil
}

// Update rewrites a session row in full.
func (r *SessionRepositoryMongo) Update(ctx context.Context, s *domain.Session) error {
	if s.ID == 0 {
		return errors.New("session ID is required for update")
	}

	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": s.ID}, newSessionDoc(s))
	if err != nil {
		log.Error().Err(err).Int64("sessionID", s.ID).Msg("Error updating session in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNoRowsUpdated
	}
	return nil
}

// GetByToken retrieves a session by its raw secret token.
func (r *SessionRepositoryMongo) GetByToken(ctx context.Context, token []byte) (*domain.Session, error) {
	var doc sessionDoc
	err := r.collection.FindOne(ctx, bson.M{"token": token}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Msg("Error getting session by token from MongoDB")
		return nil, err
	}
	return doc.toDomain(), nil
}

// GetByID retrieves a session by its assigned id.
func (r *SessionRepositoryMongo) GetByID(ctx context.Context, id int64) (*domain.Session, error) {
	var doc sessionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		log.Error().Err(err).Int64("id", id).Msg("Error getting session by ID from MongoDB")
		return nil, err
	}
	return doc.toDomain(), nil
}

// CountRecentByIP counts sessions issued to an address at or after `since`.
func (r *SessionRepositoryMongo) CountRecentByIP(ctx context.Context, ip string, since int64) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{
		"ip_address": ip,
		"issued_on":  bson.M{"$gte": since},
	})
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("Error counting recent sessions by IP")
		return 0, err
	}
	return count, nil
}

var _ domain.SessionRepository = (*SessionRepositoryMongo)(nil)
