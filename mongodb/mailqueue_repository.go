package mongodb

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"go.tradekit.io/authcore/domain"
)

type queuedMailDoc struct {
	ID        int64  `bson:"_id"`
	Recipient string `bson:"recipient"`
	Subject   string `bson:"subject"`
	Body      string `bson:"body"`
	Status    string `bson:"status"`
	QueuedOn  int64  `bson:"queued_on"`
	Attempts  int    `bson:"attempts"`
}

// MailQueueRepositoryMongo implements domain.MailQueueRepository. A
// delivery worker outside this system drains the queue.
type MailQueueRepositoryMongo struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewMailQueueRepository creates the repository.
func NewMailQueueRepository(db *mongo.Database) *MailQueueRepositoryMongo {
	return &MailQueueRepositoryMongo{
		db:         db,
		collection: db.Collection(MailsQueueCollection),
	}
}

// Insert assigns a sequence id and persists the queued message.
func (r *MailQueueRepositoryMongo) Insert(ctx context.Context, m *domain.QueuedMail) (int64, error) {
	id, err := nextID(ctx, r.db, MailsQueueCollection)
	if err != nil {
		return 0, err
	}
	m.ID = id

	if _, err := r.collection.InsertOne(ctx, queuedMailDoc{
		ID:        m.ID,
		Recipient: m.Recipient,
		Subject:   m.Subject,
		Body:      m.Body,
		Status:    m.Status,
		QueuedOn:  m.QueuedOn,
		Attempts:  m.Attempts,
	}); err != nil {
		log.Error().Err(err).Msg("Error storing queued mail in MongoDB")
		return 0, err
	}
	return id, nil
}

var _ domain.MailQueueRepository = (*MailQueueRepositoryMongo)(nil)
