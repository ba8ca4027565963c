package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo maps every logical collection to a MongoDB collection keyed by _id.
type Mongo struct {
	db *mongo.Database
}

var _ Store = (*Mongo)(nil)

// NewMongo constructs the MongoDB-backed store.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{db: db}
}

// Get returns a single document.
func (m *Mongo) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return fromBSON(raw)
}

// GetAll returns every document in the collection.
func (m *Mongo) GetAll(ctx context.Context, collection string) ([]Document, error) {
	return m.Query(ctx, collection, nil)
}

// Query returns documents whose fields equal the filter values.
func (m *Mongo) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	query := bson.M{}
	for k, v := range filter {
		query[k] = v
	}
	cursor, err := m.db.Collection(collection).Find(ctx, query, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		doc, err := fromBSON(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

// Set upserts the whole document.
func (m *Mongo) Set(ctx context.Context, collection, id string, doc Document) error {
	body := cloneShallow(doc)
	delete(body, IDField)
	body["_id"] = id
	_, err := m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, bson.M(body), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges top-level fields into an existing document.
func (m *Mongo) Update(ctx context.Context, collection, id string, fields Document) error {
	set := bson.M{}
	for k, v := range fields {
		if k == IDField {
			continue
		}
		set[k] = v
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// fromBSON normalises driver types (primitive.A, primitive.D, numeric widths) to plain JSON values.
func fromBSON(raw bson.M) (Document, error) {
	id, _ := raw["_id"].(string)
	delete(raw, "_id")
	ext, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("normalise document %s: %w", id, err)
	}
	var doc Document
	if err := json.Unmarshal(ext, &doc); err != nil {
		return nil, fmt.Errorf("normalise document %s: %w", id, err)
	}
	return withID(doc, id), nil
}
