package remote

import (
	"context"
	"sync"

	"github.com/localboard/boardsync/internal/identity"
)

// Memory is an in-process Store. It delivers snapshots synchronously on the
// writer's goroutine and supports fault injection, which makes it the backend
// of choice for tests and the load test harness.
type Memory struct {
	mu      sync.Mutex
	docs    map[Key]memoryDoc
	subs    map[Key]map[uint64]*memorySub
	nextSub uint64
	writes  map[Key]int
	reads   map[Key]int
	denied  map[Key]bool
	faults  []fault
	down    bool
}

type memoryDoc struct {
	payload   string
	updatedBy string
}

type memorySub struct {
	onChange func(string)
	onError  func(error)
}

type fault struct {
	kind  ErrorKind
	count int
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[Key]memoryDoc),
		subs:   make(map[Key]map[uint64]*memorySub),
		writes: make(map[Key]int),
		reads:  make(map[Key]int),
		denied: make(map[Key]bool),
	}
}

// Read implements Store.
func (m *Memory) Read(ctx context.Context, key Key) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads[key]++
	if err := m.checkLocked("read", key); err != nil {
		return "", false, err
	}
	doc, ok := m.docs[key]
	return doc.payload, ok, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, key Key, onChange func(string), onError func(error)) (func(), error) {
	m.mu.Lock()
	if err := m.checkLocked("subscribe", key); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.nextSub++
	id := m.nextSub
	if m.subs[key] == nil {
		m.subs[key] = make(map[uint64]*memorySub)
	}
	sub := &memorySub{onChange: onChange, onError: onError}
	m.subs[key][id] = sub
	doc, exists := m.docs[key]
	m.mu.Unlock()

	if exists {
		onChange(doc.payload)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[key], id)
			if len(m.subs[key]) == 0 {
				delete(m.subs, key)
			}
		})
	}, nil
}

// UpsertMerge implements Store. The caller identity from ctx, if any, is
// recorded as the last writer.
func (m *Memory) UpsertMerge(ctx context.Context, key Key, payload string) error {
	m.mu.Lock()
	m.writes[key]++
	if err := m.checkLocked("upsert", key); err != nil {
		m.mu.Unlock()
		return err
	}

	doc := m.docs[key]
	doc.payload = payload
	if id, ok := identity.FromContext(ctx); ok {
		doc.updatedBy = id.ID
	}
	m.docs[key] = doc
	subs := m.subscribersLocked(key)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(payload)
	}
	return nil
}

// Put stores payload as if another collaborator had written it and notifies
// subscribers. Faults and denials are not applied.
func (m *Memory) Put(key Key, payload string) {
	m.mu.Lock()
	m.docs[key] = memoryDoc{payload: payload, updatedBy: "external"}
	subs := m.subscribersLocked(key)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(payload)
	}
}

// Deliver pushes payload to the subscribers of key without storing it, to
// simulate delayed or reordered snapshots.
func (m *Memory) Deliver(key Key, payload string) {
	m.mu.Lock()
	subs := m.subscribersLocked(key)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(payload)
	}
}

// FailSubscriptions reports err to every subscriber of key.
func (m *Memory) FailSubscriptions(key Key, err error) {
	m.mu.Lock()
	subs := m.subscribersLocked(key)
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// Deny makes every operation on key fail with PermissionDenied.
func (m *Memory) Deny(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[key] = true
}

// FailNext makes the next n operations fail with kind.
func (m *Memory) FailNext(kind ErrorKind, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{kind: kind, count: n})
}

// SetDown makes every operation fail with UnavailableFatal while down.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Payload returns the stored payload of key.
func (m *Memory) Payload(key Key) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	return doc.payload, ok
}

// UpdatedBy returns the identity that last wrote key.
func (m *Memory) UpdatedBy(key Key) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[key].updatedBy
}

// Writes returns the number of UpsertMerge calls attempted for key.
func (m *Memory) Writes(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[key]
}

// TotalWrites returns the number of UpsertMerge calls across all keys.
func (m *Memory) TotalWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.writes {
		total += n
	}
	return total
}

// Reads returns the number of Read calls for key.
func (m *Memory) Reads(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[key]
}

// Subscribers returns the number of active subscriptions for key.
func (m *Memory) Subscribers(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[key])
}

// TotalSubscribers returns the number of active subscriptions across all keys.
func (m *Memory) TotalSubscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, subs := range m.subs {
		total += len(subs)
	}
	return total
}

func (m *Memory) subscribersLocked(key Key) []*memorySub {
	subs := make([]*memorySub, 0, len(m.subs[key]))
	for _, sub := range m.subs[key] {
		subs = append(subs, sub)
	}
	return subs
}

func (m *Memory) checkLocked(op string, key Key) error {
	if m.down {
		return NewError(UnavailableFatal, op, key, ErrUnavailable)
	}
	if m.denied[key] {
		return NewError(PermissionDenied, op, key, ErrPermissionDenied)
	}
	if len(m.faults) > 0 {
		f := &m.faults[0]
		f.count--
		kind := f.kind
		if f.count <= 0 {
			m.faults = m.faults[1:]
		}
		return NewError(kind, op, key, nil)
	}
	return nil
}
