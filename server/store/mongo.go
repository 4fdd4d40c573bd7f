package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoDatabase = "jupiter"

type mongoStore struct {
	client *mongo.Client
	docs   *mongo.Collection
}

type mongoDoc struct {
	Id   string `bson:"_id"`
	Body string `bson:"body"`
}

// OpenMongo connects to rawurl. The database is taken from the URL path and
// defaults to "jupiter".
func OpenMongo(ctx context.Context, rawurl string) (Store, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = defaultMongoDatabase
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(rawurl))
	if err != nil {
		return nil, fmt.Errorf("store: connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("store: connect to mongo: %w", err)
	}
	return &mongoStore{client: client, docs: client.Database(database).Collection("documents")}, nil
}

func (s *mongoStore) Load(ctx context.Context, id string) (string, error) {
	var doc mongoDoc
	err := s.docs.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return "", fmt.Errorf("store: load %s: %w", id, err)
	}
	return doc.Body, nil
}

func (s *mongoStore) Save(ctx context.Context, id, text string) error {
	filter := bson.D{{Key: "_id", Value: id}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "body", Value: text}}}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.docs.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("store: save %s: %w", id, err)
	}
	return nil
}

func (s *mongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
