package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// nextID atomically increments and returns the named sequence. It gives
// inserts last-inserted-id semantics so records can be written before
// their checksum (which depends on the assigned id) is known.
func nextID(ctx context.Context, db *mongo.Database, sequence string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}

	err := db.Collection(CountersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": sequence},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %q: %w", sequence, err)
	}

	return doc.Value, nil
}
