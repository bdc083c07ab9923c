// Package convstore caches per-chat message history so conversational
// triggers keep context across turns. Entries expire on a TTL and the
// least recently used entry is evicted when the cache is full.
package convstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/vladkesler/agentd/internal/llm"
)

type entry struct {
	key      string
	messages []llm.Message
	touched  time.Time
}

// Store is a bounded LRU of conversation histories. Safe for
// concurrent use. The zero key is a no-op on both sides: stateless
// events read and write nothing.
type Store struct {
	maxEntries int
	ttl        time.Duration

	// replaceable for tests
	now func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recent
	index map[string]*list.Element
}

// NewStore creates a store holding at most maxEntries conversations,
// each expiring ttl after its last touch.
func NewStore(maxEntries int, ttl time.Duration) *Store {
	return &Store{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		order:      list.New(),
		index:      map[string]*list.Element{},
	}
}

// Get returns the history for key, or nil when absent or expired.
// Expired entries are removed on read. A hit refreshes recency but not
// the TTL clock.
func (s *Store) Get(key string) []llm.Message {
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)

	if s.now().Sub(e.touched) > s.ttl {
		s.order.Remove(el)
		delete(s.index, key)
		return nil
	}

	s.order.MoveToFront(el)
	out := make([]llm.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Put stores the history for key, evicting the least recently used
// conversation when the cache is full. An empty key is dropped.
func (s *Store) Put(key string, messages []llm.Message) {
	if key == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]llm.Message, len(messages))
	copy(stored, messages)

	if el, ok := s.index[key]; ok {
		e := el.Value.(*entry)
		e.messages = stored
		e.touched = s.now()
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.maxEntries {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(*entry).key)
		}
	}

	s.index[key] = s.order.PushFront(&entry{
		key:      key,
		messages: stored,
		touched:  s.now(),
	})
}

// Len returns the number of cached conversations, including any that
// have expired but not yet been read.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
