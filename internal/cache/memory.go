package cache

import (
	"container/heap"
	"container/list"
	"sync"
	"time"
)

// memoryStore is the in-process tier for one region. Eviction is selectable
// per region (LRU, LFU, FIFO, none); otter's fixed W-TinyLFU policy cannot
// express that, so the store keeps its own bookkeeping. Expiry is absolute
// and validated lazily on read.
type memoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	order      *list.List // LRU/FIFO ordering; front = eviction victim
	maxEntries int
	policy     string
}

type memEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
	elem      *list.Element // nil under lfu/none
	freq      int           // lfu hit count
	heapIdx   int           // lfu heap position
}

func newMemoryStore(maxEntries int, policy string) *memoryStore {
	return &memoryStore{
		entries:    make(map[string]*memEntry),
		order:      list.New(),
		maxEntries: maxEntries,
		policy:     policy,
	}
}

// Reconfigure updates the bound and policy. Existing entries are kept;
// ordering metadata is rebuilt lazily as entries are touched.
func (s *memoryStore) Reconfigure(maxEntries int, policy string) {
	s.mu.Lock()
	s.maxEntries = maxEntries
	if policy != s.policy {
		s.policy = policy
		s.order.Init()
		for _, e := range s.entries {
			e.elem = nil
			if policy == EvictLRU || policy == EvictFIFO {
				e.elem = s.order.PushBack(e)
			}
		}
	}
	s.mu.Unlock()
}

// Get returns the value if present and unexpired.
func (s *memoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		s.remove(e)
		return nil, false
	}
	switch s.policy {
	case EvictLRU:
		s.order.MoveToBack(e.elem)
	case EvictLFU:
		e.freq++
	}
	return e.data, true
}

// Set inserts or replaces an entry with an absolute expiry, evicting per
// policy when the region is full.
func (s *memoryStore) Set(key string, data []byte, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.data = data
		e.expiresAt = expiresAt
		if s.policy == EvictLRU {
			s.order.MoveToBack(e.elem)
		}
		return
	}

	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOne()
		if s.policy == EvictNone && len(s.entries) >= s.maxEntries {
			// Full and the policy forbids eviction: the write is dropped.
			return
		}
	}

	e := &memEntry{key: key, data: data, expiresAt: expiresAt, freq: 1}
	switch s.policy {
	case EvictLRU, EvictFIFO:
		e.elem = s.order.PushBack(e)
	}
	s.entries[key] = e
}

// evictOne removes one victim per the configured policy. Expired entries
// are preferred regardless of policy.
func (s *memoryStore) evictOne() {
	now := time.Now()
	for _, e := range s.entries {
		if now.After(e.expiresAt) {
			s.remove(e)
			return
		}
	}

	switch s.policy {
	case EvictLRU, EvictFIFO:
		if front := s.order.Front(); front != nil {
			s.remove(front.Value.(*memEntry))
		}
	case EvictLFU:
		h := make(freqHeap, 0, len(s.entries))
		for _, e := range s.entries {
			h = append(h, e)
		}
		heap.Init(&h)
		if h.Len() > 0 {
			s.remove(h[0])
		}
	case EvictNone:
		// Only expired entries are reclaimed; Set drops the write when
		// the region is still full.
	}
}

// Delete removes an entry. Idempotent.
func (s *memoryStore) Delete(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.remove(e)
	}
	s.mu.Unlock()
}

// Purge drops all entries.
func (s *memoryStore) Purge() {
	s.mu.Lock()
	s.entries = make(map[string]*memEntry)
	s.order.Init()
	s.mu.Unlock()
}

// Len returns the current entry count.
func (s *memoryStore) Len() int {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	return n
}

// remove must be called with the lock held.
func (s *memoryStore) remove(e *memEntry) {
	delete(s.entries, e.key)
	if e.elem != nil {
		s.order.Remove(e.elem)
		e.elem = nil
	}
}

// freqHeap is a min-heap of entries by access frequency, used to pick the
// LFU eviction victim.
type freqHeap []*memEntry

func (h freqHeap) Len() int            { return len(h) }
func (h freqHeap) Less(i, j int) bool  { return h[i].freq < h[j].freq }
func (h freqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *freqHeap) Push(x any)         { *h = append(*h, x.(*memEntry)) }
func (h *freqHeap) Pop() any           { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }
