package barter

import (
	"context"
	"time"
)

// Well known collections.  Only CollectionUsers is written by the session layer; the rest are
// pass-through names for the generic accessor.
const (
	CollectionUsers    = "users"
	CollectionItems    = "items"
	CollectionRequests = "requests"
	CollectionChats    = "chats"
	CollectionMessages = "messages"
)

// KnownCollections lists the collections of the trading application.
func KnownCollections() []string {
	return []string{CollectionUsers, CollectionItems, CollectionRequests, CollectionChats, CollectionMessages}
}

// Server assigned timestamp fields
const (
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Document is a record of any collection: an id, an open attribute map and the two
// server assigned timestamps.  Data never contains the timestamp keys.
type Document struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Field returns an attribute, resolving the timestamp fields from the struct.
func (d *Document) Field(name string) (any, bool) {
	switch name {
	case FieldCreatedAt:
		if d.CreatedAt.IsZero() {
			return nil, false
		}
		return d.CreatedAt, true
	case FieldUpdatedAt:
		if d.UpdatedAt.IsZero() {
			return nil, false
		}
		return d.UpdatedAt, true
	case "id":
		return d.ID, true
	}
	v, ok := d.Data[name]
	return v, ok
}

// Flatten returns id, attributes and timestamps as one map, the shape clients see.
func (d *Document) Flatten() map[string]any {
	out := make(map[string]any, len(d.Data)+3)
	for k, v := range d.Data {
		out[k] = v
	}
	out["id"] = d.ID
	if !d.CreatedAt.IsZero() {
		out[FieldCreatedAt] = d.CreatedAt
	}
	if !d.UpdatedAt.IsZero() {
		out[FieldUpdatedAt] = d.UpdatedAt
	}
	return out
}

// Op is a query condition operator.
type Op string

const (
	OpEqual            Op = "=="
	OpNotEqual         Op = "!="
	OpLess             Op = "<"
	OpLessOrEqual      Op = "<="
	OpGreater          Op = ">"
	OpGreaterOrEqual   Op = ">="
	OpIn               Op = "in"
	OpNotIn            Op = "not-in"
	OpArrayContains    Op = "array-contains"
	OpArrayContainsAny Op = "array-contains-any"
)

// Valid reports whether op is a supported operator.
func (op Op) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual,
		OpIn, OpNotIn, OpArrayContains, OpArrayContainsAny:
		return true
	}
	return false
}

// Condition is one (field, operator, value) filter.  Conditions in a query are ANDed.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"operator"`
	Value any    `json:"value"`
}

// Where is shorthand for building a Condition.
func Where(field string, op Op, value any) Condition {
	return Condition{Field: field, Op: op, Value: value}
}

// Direction of an ordering.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Default query shape
const (
	DefaultOrderField = FieldCreatedAt
	DefaultDirection  = Desc
	DefaultLimit      = 20
)

// Query is a filtered, ordered, bounded read as handed to a backend.
type Query struct {
	Conditions []Condition
	OrderField string // empty means unordered
	Direction  Direction
	Limit      int // 0 means unbounded
}

// QueryOption adjusts a Query built by DocStore.Query.
type QueryOption func(*Query)

// OrderBy sets the ordering.  An empty field disables ordering.
func OrderBy(field string, dir Direction) QueryOption {
	return func(q *Query) {
		q.OrderField = field
		q.Direction = dir
	}
}

// Limit bounds the result size.  Zero disables the bound.
func Limit(n int) QueryOption {
	return func(q *Query) { q.Limit = n }
}

// NewQuery builds a query with the default ordering and limit.
func NewQuery(conds []Condition, opts ...QueryOption) Query {
	q := Query{
		Conditions: conds,
		OrderField: DefaultOrderField,
		Direction:  DefaultDirection,
		Limit:      DefaultLimit,
	}
	for _, opt := range opts {
		opt(&q)
	}
	if q.Direction == "" {
		q.Direction = Asc
	}
	return q
}

// Unsubscribe detaches a subscription.  Safe to call more than once.
type Unsubscribe func()

// DocumentBackend is the persistence a DocStore forwards to.
//
// Implementations stamp FieldCreatedAt/FieldUpdatedAt themselves (server side where the
// backend supports it).  Get and Update return an error wrapping ErrNotFound for a missing
// document.  Delete of a missing document succeeds.
type DocumentBackend interface {
	// Set writes data under id, replacing any existing document.  An empty id asks the
	// backend to allocate one.  Returns the id written.
	Set(ctx context.Context, collection, id string, data map[string]any) (string, error)

	// Get loads one document.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Update merges patch into an existing document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error

	// Delete removes a document.
	Delete(ctx context.Context, collection, id string) error

	// Query runs a filtered, ordered, bounded read.
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)
}

// Watcher is implemented by backends with native live queries.  fn receives the full
// matching set on attach and on every change.
type Watcher interface {
	Watch(ctx context.Context, collection string, q Query, fn func([]*Document)) (Unsubscribe, error)
}

// Inserter is implemented by backends that can create a document only while its id is free.
// Insert fails with an error wrapping ErrAlreadyExists when a document is already there.
type Inserter interface {
	Insert(ctx context.Context, collection, id string, data map[string]any) error
}

// Observer receives timing and outcome of store and auth operations (metrics).
type Observer interface {
	ObserveStoreOp(op, collection string, err error, elapsed time.Duration)
	ObserveAuthOp(op string, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStoreOp(string, string, error, time.Duration) {}
func (nopObserver) ObserveAuthOp(string, error, time.Duration)         {}
