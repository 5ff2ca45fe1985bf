package barter

import "sync"

// broadcaster fans a value out to subscribers.  Each subscriber owns a goroutine and an
// unbounded queue so callbacks run in publish order but never on the publisher's stack.  A
// subscriber attaching after the first publish receives the latest value straight away.
type broadcaster[T any] struct {
	mu      sync.Mutex
	latest  T
	has     bool
	nextID  uint64
	mailbox map[uint64]*mailbox[T]
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{mailbox: make(map[uint64]*mailbox[T])}
}

// publish records v as the latest value and queues it for every subscriber.
func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = v
	b.has = true
	for _, m := range b.mailbox {
		m.push(v)
	}
}

// current returns the latest value and whether anything was published yet.
func (b *broadcaster[T]) current() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

func (b *broadcaster[T]) subscribe(fn func(T)) Unsubscribe {
	return b.attach(fn, nil)
}

// subscribeWith is subscribe, except that before anything is published fn receives initial.
func (b *broadcaster[T]) subscribeWith(fn func(T), initial T) Unsubscribe {
	return b.attach(fn, &initial)
}

func (b *broadcaster[T]) attach(fn func(T), initial *T) Unsubscribe {
	m := &mailbox[T]{fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mailbox[id] = m
	if b.has {
		m.push(b.latest)
	} else if initial != nil {
		m.push(*initial)
	}
	b.mu.Unlock()

	go m.run()

	return func() {
		b.mu.Lock()
		delete(b.mailbox, id)
		b.mu.Unlock()
		m.stop()
	}
}

// close detaches every subscriber.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	boxes := b.mailbox
	b.mailbox = make(map[uint64]*mailbox[T])
	b.mu.Unlock()
	for _, m := range boxes {
		m.stop()
	}
}

type mailbox[T any] struct {
	fn    func(T)
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (m *mailbox[T]) stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.queue[0]
			var zero T
			m.queue[0] = zero
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.fn(v)
		}
	}
}
