package mongodb

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"go.tradekit.io/authcore/domain"
)

type queryLogDoc struct {
	ID            int64   `bson:"_id"`
	IPAddress     string  `bson:"ip_address"`
	Method        string  `bson:"method"`
	Endpoint      string  `bson:"endpoint"`
	StartOn       float64 `bson:"start_on"`
	EndOn         float64 `bson:"end_on"`
	ResCode       int     `bson:"res_code,omitempty"`
	ResLen        int     `bson:"res_len,omitempty"`
	FlagSessionID int64   `bson:"flag_api_sess,omitempty"`
	FlagUserID    int64   `bson:"flag_user_id,omitempty"`
	Checksum      []byte  `bson:"checksum"`
}

func newQueryLogDoc(q *domain.QueryLog) queryLogDoc {
	return queryLogDoc{
		ID:            q.ID,
		IPAddress:     q.IPAddress,
		Method:        q.Method,
		Endpoint:      q.Endpoint,
		StartOn:       q.StartOn,
		EndOn:         q.EndOn,
		ResCode:       q.ResCode,
		ResLen:        q.ResLen,
		FlagSessionID: q.FlagSessionID,
		FlagUserID:    q.FlagUserID,
		Checksum:      q.Checksum,
	}
}

func (d queryLogDoc) toDomain() *domain.QueryLog {
	return &domain.QueryLog{
		ID:            d.ID,
		IPAddress:     d.IPAddress,
		Method:        d.Method,
		Endpoint:      d.Endpoint,
		StartOn:       d.StartOn,
		EndOn:         d.EndOn,
		ResCode:       d.ResCode,
		ResLen:        d.ResLen,
		FlagSessionID: d.FlagSessionID,
		FlagUserID:    d.FlagUserID,
		Checksum:      d.Checksum,
	}
}

// QueryLogRepositoryMongo implements domain.QueryLogRepository using
// MongoDB, with encrypted payload blobs in a sibling collection addressed
// by log id.
type QueryLogRepositoryMongo struct {
	db       *mongo.Database
	logs     *mongo.Collection
	payloads *mongo.Collection
}

// NewQueryLogRepository creates the repository.
func NewQueryLogRepository(db *mongo.Database) *QueryLogRepositoryMongo {
	return &QueryLogRepositoryMongo{
		db:       db,
		logs:     db.Collection(QueriesCollection),
		payloads: db.Collection(QueryPayloadsCollection),
	}
}

// Insert assigns a sequence id, persists the log record, and returns the id.
func (r *QueryLogRepositoryMongo) Insert(ctx context.Context, q *domain.QueryLog) (int64, error) {
	id, err := nextID(ctx, r.db, QueriesCollection)
	if err != nil {
		return 0, err
	}
	q.ID = id

	if _, err := r.logs.InsertOne(ctx, newQueryLogDoc(q)); err != nil {
		log.Error().Err(err).Msg("Error storing query log in MongoDB")
		return 0, err
	}
	return id, nil
}

// Update rewrites a query log row in full.
func (r *QueryLogRepositoryMongo) Update(ctx context.Context, q *domain.QueryLog) error {
	if q.ID == 0 {
		return errors.New("query log ID is required for update")
	}

	result, err := r.logs.ReplaceOne(ctx, bson.M{"_id": q.ID}, newQueryLogDoc(q))
	if err != nil {
		log.Error().Err(err).Int64("queryID", q.ID).Msg("Error updating query log in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNoRowsUpdated
	}
	return nil
}

// GetByID retrieves a query log record.
func (r *QueryLogRepositoryMongo) GetByID(ctx context.Context, id int64) (*domain.QueryLog, error) {
	var doc queryLogDoc
	err := r.logs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

// InsertPayload stores the encrypted payload blob for a query log id.
func (r *QueryLogRepositoryMongo) InsertPayload(ctx context.Context, queryID int64, encrypted []byte) error {
	_, err := r.payloads.InsertOne(ctx, bson.M{
		"_id":       queryID,
		"encrypted": encrypted,
	})
	if err != nil {
		log.Error().Err(err).Int64("queryID", queryID).Msg("Error storing query payload in MongoDB")
	}
	return err
}

// GetPayload retrieves the encrypted payload blob for a query log id.
func (r *QueryLogRepositoryMongo) GetPayload(ctx context.Context, queryID int64) ([]byte, error) {
	var doc struct {
		Encrypted []byte `bson:"encrypted"`
	}
	err := r.payloads.FindOne(ctx, bson.M{"_id": queryID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return doc.Encrypted, nil
}

var _ domain.QueryLogRepository = (*QueryLogRepositoryMongo)(nil)
