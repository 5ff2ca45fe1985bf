package barter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAllocatesIDAndStampsTimestamps(t *testing.T) {
	store := NewDocStore(newMemBackend())
	ctx := context.Background()

	id, err := store.Create(ctx, CollectionItems, map[string]any{
		"title":        "Bike",
		FieldCreatedAt: "caller value",
		FieldUpdatedAt: "caller value",
	}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, CollectionItems, id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Bike", doc.Data["title"])
	assert.NotContains(t, doc.Data, FieldCreatedAt)
	assert.NotContains(t, doc.Data, FieldUpdatedAt)
	assert.False(t, doc.CreatedAt.IsZero())
	assert.Equal(t, doc.CreatedAt, doc.UpdatedAt)
}

func TestCreateWithIDIsIdempotentUpsert(t *testing.T) {
	backend := newMemBackend()
	store := NewDocStore(backend)
	ctx := context.Background()

	for range 3 {
		id, err := store.Create(ctx, CollectionUsers, map[string]any{"email": "a@example.com"}, "uid-1")
		require.NoError(t, err)
		assert.Equal(t, "uid-1", id)
	}
	assert.Equal(t, 1, backend.count(CollectionUsers))

	// an upsert replaces, it does not merge
	_, err := store.Create(ctx, CollectionUsers, map[string]any{"fullName": "A"}, "uid-1")
	require.NoError(t, err)
	doc, err := store.Get(ctx, CollectionUsers, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fullName": "A"}, doc.Data)
}

func TestCreateIfAbsent(t *testing.T) {
	backend := newMemBackend()
	store := NewDocStore(backend)
	ctx := context.Background()

	doc, created, err := store.CreateIfAbsent(ctx, CollectionUsers, "uid-1",
		map[string]any{"phoneNumber": "555", FieldCreatedAt: "caller value"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "uid-1", doc.ID)
	assert.Equal(t, map[string]any{"phoneNumber": "555"}, doc.Data)
	assert.False(t, doc.CreatedAt.IsZero(), "timestamps come from the stored document")

	doc, created, err = store.CreateIfAbsent(ctx, CollectionUsers, "uid-1", map[string]any{"phoneNumber": ""})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "555", doc.Data["phoneNumber"])
	assert.EqualValues(t, 1, backend.writes.Load())

	_, _, err = store.CreateIfAbsent(ctx, CollectionUsers, "", nil)
	assert.ErrorIs(t, err, &Error{Kind: KindValidation, Code: ErrCodeMissingField})
}

func TestCreateIfAbsentSerializesPerDocument(t *testing.T) {
	backend := newMemBackend()
	store := NewDocStore(slowGetBackend{memBackend: backend, delay: 10 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	var createdCount atomic.Int32
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// two documents, three writers each
			id := fmt.Sprintf("uid-%d", i%2)
			_, created, err := store.CreateIfAbsent(ctx, CollectionUsers, id, map[string]any{"writer": i})
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, createdCount.Load())
	assert.EqualValues(t, 2, backend.writes.Load())
	assert.Empty(t, store.keys.m, "idle locks are released")
}

func TestCreateIfAbsentUsesInserter(t *testing.T) {
	backend := &insertBackend{memBackend: newMemBackend()}
	store := NewDocStore(backend)
	ctx := context.Background()

	_, created, err := store.CreateIfAbsent(ctx, CollectionUsers, "uid-1", map[string]any{"phoneNumber": "555"})
	require.NoError(t, err)
	assert.True(t, created)

	// another process created the document after our read said it was missing
	backend.staleGets.Store(1)
	doc, created, err := store.CreateIfAbsent(ctx, CollectionUsers, "uid-1", map[string]any{"phoneNumber": ""})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "555", doc.Data["phoneNumber"])
	assert.EqualValues(t, 2, backend.inserts.Load())
	assert.EqualValues(t, 1, backend.writes.Load())
}

func TestCreateIfAbsentBackendFailure(t *testing.T) {
	backend := newMemBackend()
	backend.fail = errBackendDown
	store := NewDocStore(backend)
	doc, created, err := store.CreateIfAbsent(context.Background(), CollectionUsers, "uid-1", map[string]any{})
	assert.Nil(t, doc)
	assert.False(t, created)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestGetMissingIsNil(t *testing.T) {
	store := NewDocStore(newMemBackend())
	doc, err := store.Get(context.Background(), CollectionItems, "nope")
	assert.NoError(t, err)
	assert.Nil(t, doc)
}

func TestUpdateMergesAndRefreshesUpdatedAt(t *testing.T) {
	store := NewDocStore(newMemBackend())
	ctx := context.Background()
	id, _ := store.Create(ctx, CollectionItems, map[string]any{"title": "Bike", "price": 40}, "")
	before, _ := store.Get(ctx, CollectionItems, id)

	require.NoError(t, store.Update(ctx, CollectionItems, id, map[string]any{"price": 35, FieldCreatedAt: "x"}))
	after, _ := store.Get(ctx, CollectionItems, id)
	assert.Equal(t, "Bike", after.Data["title"])
	assert.Equal(t, 35, after.Data["price"])
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestUpdateMissingDocument(t *testing.T) {
	store := NewDocStore(newMemBackend())
	err := store.Update(context.Background(), CollectionItems, "ghost", map[string]any{"a": 1})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, &Error{Kind: KindValidation, Code: ErrCodeDocumentNotFound})
}

func TestDeleteMissingSucceeds(t *testing.T) {
	store := NewDocStore(newMemBackend())
	assert.NoError(t, store.Delete(context.Background(), CollectionItems, "ghost"))
}

func TestValidation(t *testing.T) {
	store := NewDocStore(newMemBackend())
	ctx := context.Background()

	_, err := store.Create(ctx, " ", map[string]any{}, "")
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = store.Get(ctx, CollectionItems, "")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, KindValidation, KindOf(store.Update(ctx, CollectionItems, "", nil)))
	assert.Equal(t, KindValidation, KindOf(store.Delete(ctx, CollectionItems, "")))

	docs, err := store.Query(ctx, CollectionItems, []Condition{Where("a", "like", 1)})
	assert.Equal(t, KindValidation, KindOf(err))
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestTransportErrors(t *testing.T) {
	backend := newMemBackend()
	backend.fail = errBackendDown
	store := NewDocStore(backend)
	ctx := context.Background()

	_, err := store.Create(ctx, CollectionItems, map[string]any{}, "")
	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, errBackendDown)

	doc, err := store.Get(ctx, CollectionItems, "x")
	assert.Nil(t, doc)
	assert.Equal(t, KindTransport, KindOf(err))

	docs, err := store.Query(ctx, CollectionItems, nil)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.NotNil(t, docs)
}

func TestQueryDefaults(t *testing.T) {
	store := NewDocStore(newMemBackend())
	ctx := context.Background()
	for i := range 25 {
		_, err := store.Create(ctx, CollectionItems, map[string]any{"n": i}, "")
		require.NoError(t, err)
	}

	docs, err := store.Query(ctx, CollectionItems, nil)
	require.NoError(t, err)
	require.Len(t, docs, DefaultLimit)
	assert.Equal(t, 24, docs[0].Data["n"], "newest first")
	for i := 1; i < len(docs); i++ {
		assert.True(t, docs[i-1].CreatedAt.After(docs[i].CreatedAt))
	}

	docs, err = store.Query(ctx, CollectionItems, nil, Limit(0))
	require.NoError(t, err)
	assert.Len(t, docs, 25)

	docs, err = store.Query(ctx, CollectionItems, nil, OrderBy("n", Asc), Limit(3))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, 0, docs[0].Data["n"])
}

func TestQueryConditionsCommute(t *testing.T) {
	store := NewDocStore(newMemBackend())
	ctx := context.Background()
	items := []map[string]any{
		{"status": "open", "price": 10, "tags": []any{"bike"}},
		{"status": "open", "price": 50, "tags": []any{"bike", "road"}},
		{"status": "traded", "price": 20, "tags": []any{"bike"}},
		{"status": "open", "price": 30, "tags": []any{"lamp"}},
	}
	for _, it := range items {
		_, err := store.Create(ctx, CollectionItems, it, "")
		require.NoError(t, err)
	}

	a := Where("status", OpEqual, "open")
	b := Where("price", OpGreaterOrEqual, 20)
	c := Where("tags", OpArrayContains, "bike")
	orders := [][]Condition{{a, b, c}, {c, b, a}, {b, a, c}, {c, a, b}}

	var first []string
	for i, conds := range orders {
		docs, err := store.Query(ctx, CollectionItems, conds, Limit(0))
		require.NoError(t, err)
		var ids []string
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		if i == 0 {
			first = ids
			require.Len(t, ids, 1)
			continue
		}
		assert.Equal(t, first, ids, "order %d", i)
	}
}

func TestSubscribeDeliversFullSets(t *testing.T) {
	store := NewDocStore(newMemBackend())
	defer store.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var sets [][]*Document
	stop, err := store.Subscribe(ctx, CollectionChats, []Condition{Where("members", OpArrayContains, "u1")}, func(docs []*Document) {
		mu.Lock()
		sets = append(sets, docs)
		mu.Unlock()
	})
	require.NoError(t, err)

	latest := func() []*Document {
		mu.Lock()
		defer mu.Unlock()
		if len(sets) == 0 {
			return nil
		}
		return sets[len(sets)-1]
	}
	assert.Eventually(t, func() bool { l := latest(); return l != nil && len(l) == 0 }, time.Second, 5*time.Millisecond)

	store.Create(ctx, CollectionChats, map[string]any{"members": []any{"u1", "u2"}}, "c1")
	store.Create(ctx, CollectionChats, map[string]any{"members": []any{"u3"}}, "c2")
	store.Create(ctx, CollectionChats, map[string]any{"members": []any{"u1"}}, "c3")
	assert.Eventually(t, func() bool { return len(latest()) == 2 }, time.Second, 5*time.Millisecond)

	stop()
	stop()
	time.Sleep(20 * time.Millisecond) // let an in-flight delivery finish
	mu.Lock()
	n := len(sets)
	mu.Unlock()
	store.Delete(ctx, CollectionChats, "c1")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(sets), "no deliveries after unsubscribe")
	mu.Unlock()
}

func TestSubscribeIgnoresOtherCollections(t *testing.T) {
	store := NewDocStore(newMemBackend())
	defer store.Close()
	ctx := context.Background()

	var calls sync.WaitGroup
	calls.Add(1)
	var count int
	var mu sync.Mutex
	stop, err := store.Subscribe(ctx, CollectionMessages, nil, func(docs []*Document) {
		mu.Lock()
		count++
		if count == 1 {
			calls.Done()
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()
	calls.Wait()

	store.Create(ctx, CollectionItems, map[string]any{"x": 1}, "")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestSubscribeValidation(t *testing.T) {
	store := NewDocStore(newMemBackend())
	ctx := context.Background()
	_, err := store.Subscribe(ctx, CollectionItems, nil, nil)
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = store.Subscribe(ctx, CollectionItems, []Condition{Where("tags", OpIn, "x")}, func([]*Document) {})
	assert.Equal(t, KindValidation, KindOf(err))

	store.Close()
	_, err = store.Subscribe(ctx, CollectionItems, nil, func([]*Document) {})
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestSubscribeEndsWithContext(t *testing.T) {
	store := NewDocStore(newMemBackend())
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())

	delivered := make(chan struct{}, 10)
	_, err := store.Subscribe(ctx, CollectionItems, nil, func([]*Document) { delivered <- struct{}{} })
	require.NoError(t, err)
	<-delivered
	cancel()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.subs[CollectionItems]) == 0
	}, time.Second, 5*time.Millisecond)
}

type countingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *countingObserver) ObserveStoreOp(op, collection string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, fmt.Sprintf("%s:%s:%v", op, collection, err != nil))
}

func (o *countingObserver) ObserveAuthOp(op string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, fmt.Sprintf("auth:%s:%v", op, err != nil))
}

func TestObserverSeesEveryOperation(t *testing.T) {
	obs := &countingObserver{}
	store := NewDocStore(newMemBackend(), WithObserver(obs))
	ctx := context.Background()
	id, _ := store.Create(ctx, CollectionItems, map[string]any{}, "")
	store.Get(ctx, CollectionItems, id)
	store.Update(ctx, CollectionItems, "missing", map[string]any{})
	store.Query(ctx, CollectionItems, nil)
	store.Delete(ctx, CollectionItems, id)
	assert.Equal(t, []string{
		"create:items:false", "get:items:false", "update:items:true", "query:items:false", "delete:items:false",
	}, obs.ops)
}

func TestErrorMatching(t *testing.T) {
	err := wrapError("get", fmt.Errorf("boom: %w", ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, errors.Is(err, ErrNotFound))

	typed := NewError(KindAuth, "", ErrCodeInvalidCreds, "bad password")
	wrapped := wrapError("signin", typed)
	assert.Equal(t, "signin: bad password", wrapped.Error())
	assert.Equal(t, "bad password", Message(wrapped))
	assert.ErrorIs(t, wrapped, &Error{Kind: KindAuth})
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindAuth, Code: ErrCodeEmailExists}))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
