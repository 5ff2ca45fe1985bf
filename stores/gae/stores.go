//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/panyam/barter"
)

// DocumentStore implements barter.DocumentBackend using Google Cloud Datastore
type DocumentStore struct {
	client    *datastore.Client
	namespace string
}

var (
	_ barter.DocumentBackend = (*DocumentStore)(nil)
	_ barter.Inserter        = (*DocumentStore)(nil)
)

// NewDocumentStore creates a new Datastore-backed document store
func NewDocumentStore(client *datastore.Client, namespace string) *DocumentStore {
	return &DocumentStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *DocumentStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	key := s.namespacedKey(collection, id)
	now := time.Now().UTC()
	entity := &DocumentEntity{
		Key:       key,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.client.Put(ctx, key, entity); err != nil {
		return "", err
	}
	return id, nil
}

// Insert puts a new entity in a transaction that first checks the key is unused.
func (s *DocumentStore) Insert(ctx context.Context, collection, id string, data map[string]any) error {
	key := s.namespacedKey(collection, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing DocumentEntity
		err := tx.Get(key, &existing)
		if err == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, barter.ErrAlreadyExists)
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.Put(key, &DocumentEntity{Key: key, Data: data, CreatedAt: now, UpdatedAt: now})
		return err
	})
	return err
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*barter.Document, error) {
	key := s.namespacedKey(collection, id)
	var entity DocumentEntity
	if err := s.client.Get(ctx, key, &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, barter.ErrNotFound
		}
		return nil, err
	}
	entity.Key = key
	return entity.ToDocument(), nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	key := s.namespacedKey(collection, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity DocumentEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return barter.ErrNotFound
			}
			return err
		}
		for k, v := range patch {
			entity.Data[k] = v
		}
		entity.UpdatedAt = time.Now().UTC()
		_, err := tx.Put(key, &entity)
		return err
	})
	return err
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	// Datastore deletes of missing keys succeed
	return s.client.Delete(ctx, s.namespacedKey(collection, id))
}

// Query runs the equality conditions in Datastore and the rest of q in memory.
func (s *DocumentStore) Query(ctx context.Context, collection string, q barter.Query) ([]*barter.Document, error) {
	query := datastore.NewQuery(collection)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	for _, c := range q.Conditions {
		if field, value, ok := pushdown(c); ok {
			query = query.FilterField(field, "=", value)
		}
	}

	var docs []*barter.Document
	it := s.client.Run(ctx, query)
	for {
		var entity DocumentEntity
		key, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		entity.Key = key
		docs = append(docs, entity.ToDocument())
	}
	return barter.ApplyQuery(docs, q), nil
}
