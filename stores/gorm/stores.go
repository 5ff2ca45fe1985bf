//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/panyam/barter"
)

// Open connects to a database.  driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
	switch driver {
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(dsn), config)
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(dsn), config)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// AutoMigrate runs database migrations for the documents table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&DocumentModel{})
}

// DocumentStore implements barter.DocumentBackend using GORM
type DocumentStore struct {
	db *gorm.DB
}

var (
	_ barter.DocumentBackend = (*DocumentStore)(nil)
	_ barter.Inserter        = (*DocumentStore)(nil)
)

// NewDocumentStore migrates the schema and returns a store over db
func NewDocumentStore(db *gorm.DB) (*DocumentStore, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return &DocumentStore{db: db}, nil
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	model := &DocumentModel{
		Collection: collection,
		ID:         id,
		Data:       JSONMap(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error
	if err != nil {
		return "", err
	}
	return id, nil
}

// Insert adds a document unless its (collection, id) key is taken.
func (s *DocumentStore) Insert(ctx context.Context, collection, id string, data map[string]any) error {
	now := time.Now().UTC()
	model := &DocumentModel{
		Collection: collection,
		ID:         id,
		Data:       JSONMap(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, barter.ErrAlreadyExists)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*barter.Document, error) {
	var model DocumentModel
	err := s.db.WithContext(ctx).First(&model, "collection = ? AND id = ?", collection, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, barter.ErrNotFound
		}
		return nil, err
	}
	return model.ToDocument(), nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.First(&model, "collection = ? AND id = ?", collection, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return barter.ErrNotFound
			}
			return err
		}
		if model.Data == nil {
			model.Data = JSONMap{}
		}
		for k, v := range patch {
			model.Data[k] = v
		}
		return tx.Model(&DocumentModel{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]any{"data": model.Data, "updated_at": time.Now().UTC()}).Error
	})
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	return s.db.WithContext(ctx).Delete(&DocumentModel{}, "collection = ? AND id = ?", collection, id).Error
}

func (s *DocumentStore) Query(ctx context.Context, collection string, q barter.Query) ([]*barter.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]*barter.Document, len(models))
	for i := range models {
		docs[i] = models[i].ToDocument()
	}
	return barter.ApplyQuery(docs, q), nil
}
