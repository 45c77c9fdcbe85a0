package workflow

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vendcash/collections_backend/models"
)

// fakeStore keeps collections in memory. Row locks are held until the owning
// transaction ends and every write is undone on rollback, so it behaves like the
// gorm store for the engine's purposes without a database.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string]*models.Collection
	history     []*models.CollectionHistory
	machines    map[string]*models.Machine
	rowLocks    map[string]*sync.Mutex

	failCommit   error
	failCreateOn map[string]error
	resolveCalls int
	commits      int
	rollbacks    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections:  map[string]*models.Collection{},
		machines:     map[string]*models.Machine{},
		rowLocks:     map[string]*sync.Mutex{},
		failCreateOn: map[string]error{},
	}
}

func (s *fakeStore) addMachine(m *models.Machine) *models.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m
	return m
}

func (s *fakeStore) addCollection(c *models.Collection) *models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.collections[c.ID] = cloneCollection(c)
	return c
}

func (s *fakeStore) get(id string) *models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[id]; ok {
		return cloneCollection(c)
	}
	return nil
}

func (s *fakeStore) historyFor(id string) []*models.CollectionHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CollectionHistory
	for _, h := range s.history {
		if h.CollectionId == id {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections)
}

func (s *fakeStore) rowLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

func cloneCollection(c *models.Collection) *models.Collection {
	cp := *c
	cp.Machine = nil
	return &cp
}

func (s *fakeStore) Transaction(ctx context.Context, fn func(tx models.CollectionTx) error) error {
	tx := &fakeTx{store: s, held: map[string]*sync.Mutex{}}
	defer tx.releaseLocks()

	err := fn(tx)
	if err == nil && s.failCommit != nil {
		err = s.failCommit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		tx.undoTo(0)
		s.rollbacks++
		return err
	}
	s.commits++
	return nil
}

func (s *fakeStore) FindCollection(ctx context.Context, id string) (*models.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, models.NewNotFoundError("collection", id)
	}
	out := cloneCollection(c)
	out.Machine = s.machines[c.MachineId]
	return out, nil
}

func (s *fakeStore) FindPending(ctx context.Context) ([]*models.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Collection
	for _, c := range s.collections {
		if c.Status == models.CollectionStatusCollected {
			out = append(out, cloneCollection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.After(out[j].CollectedAt) })
	return out, nil
}

func (s *fakeStore) ListHistory(ctx context.Context, collectionId string) ([]*models.CollectionHistory, error) {
	return s.historyFor(collectionId), nil
}

func (s *fakeStore) FindDuplicate(ctx context.Context, machineId string, from, to time.Time) (*models.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findDuplicateLocked(machineId, from, to), nil
}

func (s *fakeStore) findDuplicateLocked(machineId string, from, to time.Time) *models.Collection {
	var found *models.Collection
	for _, c := range s.collections {
		if c.MachineId != machineId || c.Status == models.CollectionStatusCancelled {
			continue
		}
		if c.CollectedAt.Before(from) || c.CollectedAt.After(to) {
			continue
		}
		if found == nil || c.CollectedAt.Before(found.CollectedAt) {
			found = c
		}
	}
	if found == nil {
		return nil
	}
	return cloneCollection(found)
}

func (s *fakeStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, models.NewNotFoundError("machine", id)
	}
	return m, nil
}

func (s *fakeStore) ResolveMachines(ctx context.Context, ids []string, codes []string) ([]*models.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls++
	want := map[string]bool{}
	for _, v := range append(append([]string{}, ids...), codes...) {
		want[v] = true
	}
	var out []*models.Machine
	for _, m := range s.machines {
		if want[m.ID] || want[m.Code] {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeTx struct {
	store *fakeStore
	held  map[string]*sync.Mutex
	undo  []func()
}

func (t *fakeTx) releaseLocks() {
	for _, l := range t.held {
		l.Unlock()
	}
}

// undoTo reverts writes recorded after mark. Caller holds store.mu.
func (t *fakeTx) undoTo(mark int) {
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *fakeTx) LockCollection(id string) (*models.Collection, error) {
	if _, ok := t.held[id]; !ok {
		l := t.store.rowLock(id)
		l.Lock()
		t.held[id] = l
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.collections[id]
	if !ok {
		return nil, models.NewNotFoundError("collection", id)
	}
	return cloneCollection(c), nil
}

func (t *fakeTx) LoadCollection(id string) (*models.Collection, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.collections[id]
	if !ok {
		return nil, models.NewNotFoundError("collection", id)
	}
	out := cloneCollection(c)
	out.Machine = t.store.machines[c.MachineId]
	return out, nil
}

func (t *fakeTx) CreateCollection(c *models.Collection) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.store.failCreateOn[c.MachineId]; err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	id := c.ID
	t.store.collections[id] = cloneCollection(c)
	t.undo = append(t.undo, func() { delete(t.store.collections, id) })
	return nil
}

func (t *fakeTx) UpdateCollection(c *models.Collection, columns ...string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, ok := t.store.collections[c.ID]
	if !ok {
		return models.NewNotFoundError("collection", c.ID)
	}
	t.store.collections[c.ID] = cloneCollection(c)
	t.undo = append(t.undo, func() { t.store.collections[prev.ID] = prev })
	return nil
}

func (t *fakeTx) DeleteCollection(id string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, ok := t.store.collections[id]
	if !ok {
		return models.NewNotFoundError("collection", id)
	}
	delete(t.store.collections, id)
	t.undo = append(t.undo, func() { t.store.collections[id] = prev })
	return nil
}

func (t *fakeTx) AppendHistory(entries ...*models.CollectionHistory) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	added := map[string]bool{}
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		cp := *e
		t.store.history = append(t.store.history, &cp)
		added[cp.ID] = true
	}
	// Other transactions may append meanwhile, so undo by id rather than by length.
	t.undo = append(t.undo, func() {
		t.store.history = slices.DeleteFunc(t.store.history, func(h *models.CollectionHistory) bool { return added[h.ID] })
	})
	return nil
}

func (t *fakeTx) PurgeHistory(collectionId, keepId, grantedById string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var removed []*models.CollectionHistory
	t.store.history = slices.DeleteFunc(t.store.history, func(h *models.CollectionHistory) bool {
		if h.CollectionId == collectionId && h.ID != keepId {
			removed = append(removed, h)
			return true
		}
		return false
	})
	t.undo = append(t.undo, func() {
		t.store.history = append(t.store.history, removed...)
		sort.SliceStable(t.store.history, func(i, j int) bool {
			return t.store.history[i].CreatedAt.Before(t.store.history[j].CreatedAt)
		})
	})
	return nil
}

func (t *fakeTx) FindDuplicate(machineId string, from, to time.Time) (*models.Collection, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.findDuplicateLocked(machineId, from, to), nil
}

func (t *fakeTx) FindCollectionIds(filter models.CollectionFilter, limit int) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var matched []*models.Collection
	for _, c := range t.store.collections {
		if filter.Matches(c) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CollectedAt.Before(matched[j].CollectedAt) })
	ids := make([]string, 0, len(matched))
	for _, c := range matched {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (t *fakeTx) Savepoint(fn func(tx models.CollectionTx) error) error {
	mark := len(t.undo)
	if err := fn(t); err != nil {
		t.store.mu.Lock()
		t.undoTo(mark)
		t.store.mu.Unlock()
		return err
	}
	return nil
}

type fakeCache struct {
	mu    sync.Mutex
	calls int
	keys  []string
	err   error
}

func (c *fakeCache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.keys = keys
	return c.err
}

func (c *fakeCache) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []CollectionEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, event CollectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) published() []CollectionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CollectionEvent(nil), p.events...)
}
