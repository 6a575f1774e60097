// Package mongostore implements xipr.Storage on a MongoDB collection. Each
// key is one document whose _id is the storage key.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agilira/xipr"
)

// DefaultCollection is the collection used by Open.
const DefaultCollection = "xipr_kv"

type document struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Store is a MongoDB-backed xipr.Storage.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ xipr.Storage = (*Store)(nil)

// New wraps an existing collection. The caller keeps ownership of the client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Open connects to uri and uses DefaultCollection of database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "mongodb ping failed")
	}
	return &Store{
		client:     client,
		collection: client.Database(database).Collection(DefaultCollection),
	}, nil
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	doc := document{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to upsert document")
	}
	return nil
}

// Get returns the value under key, or an error matching xipr.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %w", xipr.ErrNotFound, goerrors.New(xipr.ErrCodeNotFound, "document not found"))
	}
	if err != nil {
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to read document")
	}
	return doc.Value, nil
}

// Delete removes key, reporting whether a document existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return false, goerrors.Wrap(err, xipr.ErrCodeStorage, "failed to delete document")
	}
	return res.DeletedCount > 0, nil
}

// Close disconnects the client when the store opened it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
