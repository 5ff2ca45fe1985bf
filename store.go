package barter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DocStore is the generic accessor for application collections.  It forwards to a
// DocumentBackend, owns the timestamp fields and converts backend failures into *Error.
//
// Subscriptions use the backend's native live queries when it implements Watcher.  Otherwise
// the store re-runs a subscriber's query after every write it performs to that collection
// (and, with WithPollInterval, periodically to pick up writes by other processes).
type DocStore struct {
	backend      DocumentBackend
	logger       *slog.Logger
	observer     Observer
	pollInterval time.Duration

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	closed bool

	keys keyLocks
}

// StoreOption configures a DocStore.
type StoreOption func(*DocStore)

// WithLogger sets the logger used for swallowed and converted failures.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *DocStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver reports every operation to o.
func WithObserver(o Observer) StoreOption {
	return func(s *DocStore) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithPollInterval makes in-process subscriptions re-run their query every d.
func WithPollInterval(d time.Duration) StoreOption {
	return func(s *DocStore) { s.pollInterval = d }
}

// NewDocStore creates an accessor over backend.
func NewDocStore(backend DocumentBackend, opts ...StoreOption) *DocStore {
	s := &DocStore{
		backend:  backend,
		logger:   slog.Default(),
		observer: nopObserver{},
		subs:     make(map[string]map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *DocStore) Backend() DocumentBackend { return s.backend }

// Create writes a new document.  With a non-empty id this is an overwrite upsert (the
// previous content is replaced, not merged); with an empty id the backend allocates one.
// createdAt and updatedAt are always set by the backend, caller values are dropped.
func (s *DocStore) Create(ctx context.Context, collection string, data map[string]any, id string) (newID string, err error) {
	defer s.observe("create", collection, time.Now(), &err)
	if err := checkCollection("create", collection); err != nil {
		return "", err
	}
	newID, err = s.backend.Set(ctx, collection, id, stripReserved(data))
	if err != nil {
		s.logger.Error("error creating document", "collection", collection, "id", id, "error", err)
		return "", wrapError("create", err)
	}
	s.notify(collection)
	return newID, nil
}

// CreateIfAbsent writes data under id unless a document already exists there and returns the
// stored document, with its timestamps, either way.  created reports whether this call wrote
// it.  Callers on one DocStore are serialized per document; a backend implementing Inserter
// also keeps writers in other processes from overwriting each other.
func (s *DocStore) CreateIfAbsent(ctx context.Context, collection, id string, data map[string]any) (doc *Document, created bool, err error) {
	defer s.observe("create_if_absent", collection, time.Now(), &err)
	if err := checkCollection("create", collection); err != nil {
		return nil, false, err
	}
	if id == "" {
		return nil, false, NewFieldError("create", ErrCodeMissingField, "document id required", "id")
	}

	unlock := s.keys.lock(collection + "/" + id)
	defer unlock()

	if doc, err = s.Get(ctx, collection, id); err != nil || doc != nil {
		return doc, false, err
	}

	data = stripReserved(data)
	if ins, ok := s.backend.(Inserter); ok {
		err = ins.Insert(ctx, collection, id, data)
		if errors.Is(err, ErrAlreadyExists) {
			s.logger.Debug("document created elsewhere", "collection", collection, "id", id)
			doc, err = s.Get(ctx, collection, id)
			return doc, false, err
		}
	} else {
		_, err = s.backend.Set(ctx, collection, id, data)
	}
	if err != nil {
		s.logger.Error("error creating document", "collection", collection, "id", id, "error", err)
		return nil, false, wrapError("create", err)
	}
	s.notify(collection)

	doc, gerr := s.Get(ctx, collection, id)
	if gerr != nil || doc == nil {
		s.logger.Warn("created document not readable", "collection", collection, "id", id, "error", gerr)
		doc = &Document{ID: id, Data: data}
	}
	return doc, true, nil
}

// Get loads a document.  A missing document is (nil, nil); an error means the backend could
// not answer.
func (s *DocStore) Get(ctx context.Context, collection, id string) (doc *Document, err error) {
	defer s.observe("get", collection, time.Now(), &err)
	if err := checkCollection("get", collection); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, NewFieldError("get", ErrCodeMissingField, "document id required", "id")
	}
	doc, err = s.backend.Get(ctx, collection, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("error getting document", "collection", collection, "id", id, "error", err)
		return nil, wrapError("get", err)
	}
	return doc, nil
}

// Update merges patch into an existing document and refreshes updatedAt.  Updating a missing
// document is a validation error that also matches ErrNotFound.
func (s *DocStore) Update(ctx context.Context, collection, id string, patch map[string]any) (err error) {
	defer s.observe("update", collection, time.Now(), &err)
	if err := checkCollection("update", collection); err != nil {
		return err
	}
	if id == "" {
		return NewFieldError("update", ErrCodeMissingField, "document id required", "id")
	}
	err = s.backend.Update(ctx, collection, id, stripReserved(patch))
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("update of missing document", "collection", collection, "id", id)
		return &Error{Kind: KindValidation, Op: "update", Code: ErrCodeDocumentNotFound,
			Message: "document " + collection + "/" + id + " does not exist", Err: ErrNotFound}
	}
	if err != nil {
		s.logger.Error("error updating document", "collection", collection, "id", id, "error", err)
		return wrapError("update", err)
	}
	s.notify(collection)
	return nil
}

// Delete removes a document.  Deleting an absent document succeeds.
func (s *DocStore) Delete(ctx context.Context, collection, id string) (err error) {
	defer s.observe("delete", collection, time.Now(), &err)
	if err := checkCollection("delete", collection); err != nil {
		return err
	}
	if id == "" {
		return NewFieldError("delete", ErrCodeMissingField, "document id required", "id")
	}
	err = s.backend.Delete(ctx, collection, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("error deleting document", "collection", collection, "id", id, "error", err)
		return wrapError("delete", err)
	}
	s.notify(collection)
	return nil
}

// Query returns the documents matching every condition, ordered by createdAt descending and
// limited to 20 unless opts say otherwise.  On failure the returned slice is empty (never nil)
// and the error says why.
func (s *DocStore) Query(ctx context.Context, collection string, conds []Condition, opts ...QueryOption) (docs []*Document, err error) {
	defer s.observe("query", collection, time.Now(), &err)
	if err := checkCollection("query", collection); err != nil {
		return []*Document{}, err
	}
	if err := ValidateConditions(conds); err != nil {
		return []*Document{}, err
	}
	docs, err = s.backend.Query(ctx, collection, NewQuery(conds, opts...))
	if err != nil {
		s.logger.Error("error querying documents", "collection", collection, "error", err)
		return []*Document{}, wrapError("query", err)
	}
	if docs == nil {
		docs = []*Document{}
	}
	return docs, nil
}

// Subscribe calls onChange with the full matching set once on attach and again after every
// change.  Deliveries for one subscription are sequential.  The subscription ends when the
// returned Unsubscribe is called or ctx is done.
func (s *DocStore) Subscribe(ctx context.Context, collection string, conds []Condition, onChange func([]*Document), opts ...QueryOption) (Unsubscribe, error) {
	if err := checkCollection("subscribe", collection); err != nil {
		return nil, err
	}
	if err := ValidateConditions(conds); err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, NewFieldError("subscribe", ErrCodeMissingField, "onChange callback required", "onChange")
	}
	q := NewQuery(conds, opts...)

	if w, ok := s.backend.(Watcher); ok {
		stop, err := w.Watch(ctx, collection, q, onChange)
		if err != nil {
			s.logger.Error("error attaching watch", "collection", collection, "error", err)
			return nil, wrapError("subscribe", err)
		}
		var once sync.Once
		return func() { once.Do(stop) }, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, NewError(KindTransport, "subscribe", "", "document store closed")
	}
	s.nextID++
	sub := &subscription{
		id:         s.nextID,
		collection: collection,
		query:      q,
		fn:         onChange,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[uint64]*subscription)
	}
	s.subs[collection][sub.id] = sub
	s.mu.Unlock()

	sub.kick <- struct{}{}
	go s.run(ctx, sub)

	return func() { s.detach(sub) }, nil
}

// Close ends every in-process subscription.
func (s *DocStore) Close() {
	s.mu.Lock()
	var all []*subscription
	for _, m := range s.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	s.closed = true
	s.mu.Unlock()
	for _, sub := range all {
		s.detach(sub)
	}
}

// subscription is one in-process live query.  kick has capacity one so bursts of writes
// collapse into a single re-run.
type subscription struct {
	id         uint64
	collection string
	query      Query
	fn         func([]*Document)
	kick       chan struct{}
	done       chan struct{}
	once       sync.Once
}

func (s *DocStore) run(ctx context.Context, sub *subscription) {
	var tick <-chan time.Time
	if s.pollInterval > 0 {
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			s.detach(sub)
			return
		case <-sub.kick:
		case <-tick:
		}
		docs, err := s.backend.Query(ctx, sub.collection, sub.query)
		if err != nil {
			s.logger.Warn("subscription query failed", "collection", sub.collection, "error", err)
			continue
		}
		if docs == nil {
			docs = []*Document{}
		}
		select {
		case <-sub.done:
			return
		default:
		}
		sub.fn(docs)
	}
}

func (s *DocStore) detach(sub *subscription) {
	sub.once.Do(func() {
		s.mu.Lock()
		if m := s.subs[sub.collection]; m != nil {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(s.subs, sub.collection)
			}
		}
		s.mu.Unlock()
		close(sub.done)
	})
}

// notify wakes every in-process subscriber of collection.
func (s *DocStore) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[collection] {
		select {
		case sub.kick <- struct{}{}:
		default:
		}
	}
}

// keyLocks hands out one mutex per key, dropping it once nobody holds or waits on it.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLock)
	}
	l := k.m[key]
	if l == nil {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (s *DocStore) observe(op, collection string, start time.Time, err *error) {
	s.observer.ObserveStoreOp(op, collection, *err, time.Since(start))
}

func checkCollection(op, collection string) error {
	if strings.TrimSpace(collection) == "" {
		return NewFieldError(op, ErrCodeMissingField, "collection required", "collection")
	}
	return nil
}

// stripReserved copies data without the server assigned timestamp keys.
func stripReserved(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == FieldCreatedAt || k == FieldUpdatedAt {
			continue
		}
		out[k] = v
	}
	return out
}
