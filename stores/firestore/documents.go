//go:build !wasm
// +build !wasm

// Package firestore implements barter.DocumentBackend and barter.Watcher on Cloud Firestore.
// Conditions, ordering and limits run in Firestore and subscriptions use its snapshot
// listeners, so composite index requirements are Firestore's own.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/panyam/barter"
)

// DocumentStore implements barter.DocumentBackend using Cloud Firestore
type DocumentStore struct {
	client *firestore.Client
	logger *slog.Logger
}

var (
	_ barter.DocumentBackend = (*DocumentStore)(nil)
	_ barter.Watcher         = (*DocumentStore)(nil)
	_ barter.Inserter        = (*DocumentStore)(nil)
)

// Listener reattach backoff after transient failures
const (
	minWatchBackoff = time.Second
	maxWatchBackoff = 30 * time.Second
)

// NewDocumentStore wraps a connected client.  logger may be nil.
func NewDocumentStore(client *firestore.Client, logger *slog.Logger) *DocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentStore{client: client, logger: logger}
}

// NewClient connects to Firestore, or to the emulator at emulatorHost when it is set.
func NewClient(ctx context.Context, projectID, emulatorHost string, opts ...option.ClientOption) (*firestore.Client, error) {
	if emulatorHost != "" {
		conn, err := grpc.NewClient(emulatorHost,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(emulatorCreds{}))
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithGRPCConn(conn))
	}
	return firestore.NewClient(ctx, projectID, opts...)
}

// emulatorCreds authenticates as the emulator's admin user, bypassing security rules.
type emulatorCreds struct{}

func (emulatorCreds) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer owner"}, nil
}

func (emulatorCreds) RequireTransportSecurity() bool { return false }

func (s *DocumentStore) Set(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	col := s.client.Collection(collection)
	ref := col.NewDoc()
	if id != "" {
		ref = col.Doc(id)
	}
	if _, err := ref.Set(ctx, stamped(data)); err != nil {
		return "", err
	}
	return ref.ID, nil
}

// Insert creates the document only if id is unused; Firestore enforces this server side.
func (s *DocumentStore) Insert(ctx context.Context, collection, id string, data map[string]any) error {
	_, err := s.client.Collection(collection).Doc(id).Create(ctx, stamped(data))
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%s/%s: %w", collection, id, barter.ErrAlreadyExists)
	}
	return err
}

// stamped copies data with server timestamps for both reserved fields.
func stamped(data map[string]any) map[string]any {
	fields := make(map[string]any, len(data)+2)
	for k, v := range data {
		fields[k] = v
	}
	fields[barter.FieldCreatedAt] = firestore.ServerTimestamp
	fields[barter.FieldUpdatedAt] = firestore.ServerTimestamp
	return fields
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*barter.Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, barter.ErrNotFound
		}
		return nil, err
	}
	return toDocument(snap), nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	updates := make([]firestore.Update, 0, len(patch)+1)
	for k, v := range patch {
		// FieldPath so keys containing dots are not read as nested paths
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	updates = append(updates, firestore.Update{Path: barter.FieldUpdatedAt, Value: firestore.ServerTimestamp})
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return barter.ErrNotFound
	}
	return err
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	// Firestore deletes of missing documents succeed
	_, err := s.client.Collection(collection).Doc(id).Delete(ctx)
	return err
}

func (s *DocumentStore) Query(ctx context.Context, collection string, q barter.Query) ([]*barter.Document, error) {
	snaps, err := s.buildQuery(collection, q).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	docs := make([]*barter.Document, len(snaps))
	for i, snap := range snaps {
		docs[i] = toDocument(snap)
	}
	return docs, nil
}

// Watch attaches a snapshot listener.  fn receives the full result set on attach and after
// every change until the returned function is called or ctx is done.  Transient listener
// failures reattach with backoff; a permanent one (such as a missing index) ends the
// subscription with an error log naming its collection and query.
func (s *DocumentStore) Watch(ctx context.Context, collection string, q barter.Query, fn func([]*barter.Document)) (barter.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	go s.listen(ctx, collection, q, fn)
	return barter.Unsubscribe(cancel), nil
}

func (s *DocumentStore) listen(ctx context.Context, collection string, q barter.Query, fn func([]*barter.Document)) {
	logger := s.logger.With("collection", collection, "conditions", q.Conditions, "orderBy", q.OrderField)
	backoff := minWatchBackoff
	for {
		delivered, err := s.follow(ctx, collection, q, fn)
		if ctx.Err() != nil {
			return
		}
		if !retryable(err) {
			logger.Error("subscription ended", "error", err)
			return
		}
		if delivered {
			backoff = minWatchBackoff
		}
		logger.Warn("snapshot listener interrupted, reattaching", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxWatchBackoff)
	}
}

// follow runs one snapshot listener until it fails or ctx is done.  delivered reports
// whether any snapshot reached fn.
func (s *DocumentStore) follow(ctx context.Context, collection string, q barter.Query, fn func([]*barter.Document)) (delivered bool, err error) {
	it := s.buildQuery(collection, q).Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				err = nil
			}
			return delivered, err
		}
		snaps, err := snap.Documents.GetAll()
		if err != nil {
			s.logger.Error("error reading snapshot", "collection", collection, "error", err)
			continue
		}
		docs := make([]*barter.Document, len(snaps))
		for i, ds := range snaps {
			docs[i] = toDocument(ds)
		}
		if !deliver(ctx, fn, docs) {
			return delivered, nil
		}
		delivered = true
	}
}

// deliver calls fn unless the subscription was cancelled while docs were being read.
func deliver(ctx context.Context, fn func([]*barter.Document), docs []*barter.Document) bool {
	if ctx.Err() != nil {
		return false
	}
	fn(docs)
	return true
}

// retryable reports whether a listener failure is worth reattaching after.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (s *DocumentStore) buildQuery(collection string, q barter.Query) firestore.Query {
	query := s.client.Collection(collection).Query
	for _, c := range q.Conditions {
		if c.Field == "id" {
			query = query.Where(firestore.DocumentID, string(c.Op), c.Value)
			continue
		}
		query = query.WherePath(firestore.FieldPath{c.Field}, string(c.Op), c.Value)
	}
	if q.OrderField != "" {
		dir := firestore.Asc
		if q.Direction == barter.Desc {
			dir = firestore.Desc
		}
		query = query.OrderByPath(firestore.FieldPath{q.OrderField}, dir)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	return query
}

func toDocument(snap *firestore.DocumentSnapshot) *barter.Document {
	data := snap.Data()
	if data == nil {
		data = map[string]any{}
	}
	doc := &barter.Document{ID: snap.Ref.ID, Data: data}
	if t, ok := data[barter.FieldCreatedAt].(time.Time); ok {
		doc.CreatedAt = t
	}
	if t, ok := data[barter.FieldUpdatedAt].(time.Time); ok {
		doc.UpdatedAt = t
	}
	delete(data, barter.FieldCreatedAt)
	delete(data, barter.FieldUpdatedAt)
	return doc
}
