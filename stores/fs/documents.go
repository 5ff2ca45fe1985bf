// Package fs stores documents as JSON files, one directory per collection.  Meant for
// development and tests; queries scan the whole collection.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panyam/barter"
)

// FSDocumentStore implements barter.DocumentBackend on the local filesystem
type FSDocumentStore struct {
	StoragePath string

	// guards read-modify-write of a single process; other processes see atomic renames
	mu sync.Mutex
}

var (
	_ barter.DocumentBackend = (*FSDocumentStore)(nil)
	_ barter.Inserter        = (*FSDocumentStore)(nil)
)

func NewFSDocumentStore(storagePath string) *FSDocumentStore {
	return &FSDocumentStore{StoragePath: storagePath}
}

// fileDocument is the on-disk form
type fileDocument struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *FSDocumentStore) collectionDir(collection string) string {
	return filepath.Join(s.StoragePath, url.PathEscape(collection))
}

func (s *FSDocumentStore) getDocPath(collection, id string) string {
	// escaping keeps ids like "a/b" or ".." inside the collection directory
	return filepath.Join(s.collectionDir(collection), url.PathEscape(id)+".json")
}

func (s *FSDocumentStore) Set(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	doc := &fileDocument{ID: id, Data: data, CreatedAt: now, UpdatedAt: now}
	if err := s.write(collection, doc, true); err != nil {
		return "", err
	}
	return id, nil
}

// Insert writes a new document unless id is taken, by this or any other process.
func (s *FSDocumentStore) Insert(ctx context.Context, collection, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	return s.write(collection, &fileDocument{ID: id, Data: data, CreatedAt: now, UpdatedAt: now}, false)
}

func (s *FSDocumentStore) Get(ctx context.Context, collection, id string) (*barter.Document, error) {
	doc, err := s.read(s.getDocPath(collection, id))
	if err != nil {
		return nil, err
	}
	return doc.toDocument(), nil
}

func (s *FSDocumentStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(s.getDocPath(collection, id))
	if err != nil {
		return err
	}
	if doc.Data == nil {
		doc.Data = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		doc.Data[k] = v
	}
	doc.UpdatedAt = time.Now().UTC()
	return s.write(collection, doc, true)
}

func (s *FSDocumentStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.getDocPath(collection, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *FSDocumentStore) Query(ctx context.Context, collection string, q barter.Query) ([]*barter.Document, error) {
	dir := s.collectionDir(collection)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*barter.Document{}, nil
		}
		return nil, err
	}

	docs := make([]*barter.Document, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.read(filepath.Join(dir, entry.Name()))
		if err != nil {
			// removed between listing and reading
			continue
		}
		docs = append(docs, doc.toDocument())
	}
	return barter.ApplyQuery(docs, q), nil
}

func (s *FSDocumentStore) read(path string) (*fileDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, barter.ErrNotFound
		}
		return nil, err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &doc, nil
}

// write stages doc in a temp file beside its final path so readers never see a partial
// document.  With replace the temp file is renamed over the old document; otherwise it is
// hard linked into place, which fails with ErrAlreadyExists when the document is there.
func (s *FSDocumentStore) write(collection string, doc *fileDocument, replace bool) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := s.collectionDir(collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}
	staged, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to stage document: %w", err)
	}
	// after Rename this finds nothing, after Link it drops the staging name
	defer os.Remove(staged.Name())

	_, err = staged.Write(data)
	if cerr := staged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to stage document: %w", err)
	}

	path := s.getDocPath(collection, doc.ID)
	if replace {
		return os.Rename(staged.Name(), path)
	}
	if err := os.Link(staged.Name(), path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s/%s: %w", collection, doc.ID, barter.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (d *fileDocument) toDocument() *barter.Document {
	data := d.Data
	if data == nil {
		data = map[string]any{}
	}
	return &barter.Document{ID: d.ID, Data: data, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}
