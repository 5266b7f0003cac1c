package compute

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RetiredStore is the durable tier of the retired-handle set.
type RetiredStore interface {
	IsRetired(ctx context.Context, handle uuid.UUID) (bool, error)
	MarkRetired(ctx context.Context, r RetiredRecord) error
	RecentRetired(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// RetiredRecord is persisted when a handle is consumed.
type RetiredRecord struct {
	Handle    uuid.UUID
	MarketID  uuid.UUID
	Kind      Kind
	Status    Status
	RetiredAt int64
}

// RetiredSet implements two-tier lookup of consumed handles so a
// redelivered callback is rejected even after a restart.
type RetiredSet struct {
	// Tier 1: In-memory LRU
	mu  sync.Mutex
	lru *HandleLRU

	// Tier 2: Postgres (optional)
	store RetiredStore

	hitsLRU     atomic.Int64
	hitsStore   atomic.Int64
	storeErrors atomic.Int64
}

func NewRetiredSet(capacity int, store RetiredStore) *RetiredSet {
	return &RetiredSet{
		lru:   NewHandleLRU(capacity),
		store: store,
	}
}

// IsRetired checks LRU first, then the store. A store error counts as
// not retired; the caller still rejects the handle as unknown.
func (rs *RetiredSet) IsRetired(ctx context.Context, h uuid.UUID) bool {
	rs.mu.Lock()
	hit := rs.lru.Contains(h)
	rs.mu.Unlock()
	if hit {
		rs.hitsLRU.Add(1)
		return true
	}

	if rs.store == nil {
		return false
	}
	retired, err := rs.store.IsRetired(ctx, h)
	if err != nil {
		rs.storeErrors.Add(1)
		return false
	}
	if retired {
		rs.hitsStore.Add(1)
		rs.mu.Lock()
		rs.lru.Add(h)
		rs.mu.Unlock()
	}
	return retired
}

// Retire marks a handle consumed. The in-memory tier always succeeds;
// the returned error only reports the durable tier.
func (rs *RetiredSet) Retire(ctx context.Context, r RetiredRecord) error {
	rs.mu.Lock()
	rs.lru.Add(r.Handle)
	rs.mu.Unlock()

	if rs.store == nil {
		return nil
	}
	if err := rs.store.MarkRetired(ctx, r); err != nil {
		rs.storeErrors.Add(1)
		return err
	}
	return nil
}

// Warm loads recently retired handles from the store into the LRU.
func (rs *RetiredSet) Warm(ctx context.Context, limit int) (int, error) {
	if rs.store == nil {
		return 0, nil
	}
	handles, err := rs.store.RecentRetired(ctx, limit)
	if err != nil {
		return 0, err
	}
	rs.mu.Lock()
	rs.lru.WarmFromKeys(handles)
	rs.mu.Unlock()
	return len(handles), nil
}

// RetiredStats is a point-in-time view for metrics.
type RetiredStats struct {
	Size        int
	Evictions   int64
	HitsLRU     int64
	HitsStore   int64
	StoreErrors int64
}

func (rs *RetiredSet) Stats() RetiredStats {
	rs.mu.Lock()
	size, ev := rs.lru.Size(), rs.lru.Evictions()
	rs.mu.Unlock()
	return RetiredStats{
		Size:        size,
		Evictions:   ev,
		HitsLRU:     rs.hitsLRU.Load(),
		HitsStore:   rs.hitsStore.Load(),
		StoreErrors: rs.storeErrors.Load(),
	}
}

// --- LRU Implementation ---

// HandleLRU is an LRU cache of handles. Not thread-safe; RetiredSet
// guards it.
type HandleLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	lruList  *list.List

	evictions int64
}

func NewHandleLRU(capacity int) *HandleLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &HandleLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *HandleLRU) Contains(key uuid.UUID) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *HandleLRU) Add(key uuid.UUID) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *HandleLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(uuid.UUID))
		lru.evictions++
	}
}

// WarmFromKeys loads keys without promoting existing entries.
func (lru *HandleLRU) WarmFromKeys(keys []uuid.UUID) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		elem := lru.lruList.PushFront(key)
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *HandleLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *HandleLRU) Evictions() int64 {
	return lru.evictions
}
