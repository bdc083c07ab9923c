package convstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/vladkesler/agentd/internal/llm"
)

func msgs(texts ...string) []llm.Message {
	out := make([]llm.Message, len(texts))
	for i, t := range texts {
		out[i] = llm.Message{Role: "user", Content: t}
	}
	return out
}

func TestStorePutGet(t *testing.T) {
	s := NewStore(10, time.Hour)

	s.Put("telegram:42", msgs("hi", "hello"))
	got := s.Get("telegram:42")
	if len(got) != 2 || got[1].Content != "hello" {
		t.Errorf("Get = %v", got)
	}

	if s.Get("telegram:99") != nil {
		t.Error("Get(unknown) must return nil")
	}
}

func TestStoreEmptyKeyIsNoOp(t *testing.T) {
	s := NewStore(10, time.Hour)
	s.Put("", msgs("orphan"))
	if s.Len() != 0 {
		t.Error("empty key was stored")
	}
	if s.Get("") != nil {
		t.Error("Get(\"\") must return nil")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s := NewStore(10, time.Hour)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Put("k", msgs("old"))

	s.now = func() time.Time { return base.Add(59 * time.Minute) }
	if s.Get("k") == nil {
		t.Error("entry expired before its TTL")
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if s.Get("k") != nil {
		t.Error("expired entry still readable")
	}
	if s.Len() != 0 {
		t.Error("expired entry not removed on read")
	}
}

func TestStoreLRUEviction(t *testing.T) {
	s := NewStore(3, time.Hour)

	for i := 0; i < 3; i++ {
		s.Put(fmt.Sprintf("k%d", i), msgs("x"))
	}

	// touch k0 so k1 becomes the eviction victim
	s.Get("k0")
	s.Put("k3", msgs("new"))

	if s.Get("k1") != nil {
		t.Error("least recently used entry survived eviction")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if s.Get(key) == nil {
			t.Errorf("entry %s was evicted, want kept", key)
		}
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(10, time.Hour)
	s.Put("k", msgs("original"))

	got := s.Get("k")
	got[0].Content = "mutated"

	if again := s.Get("k"); again[0].Content != "original" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestStoreUpdateRefreshesRecency(t *testing.T) {
	s := NewStore(2, time.Hour)
	s.Put("a", msgs("1"))
	s.Put("b", msgs("2"))
	s.Put("a", msgs("1", "updated"))
	s.Put("c", msgs("3"))

	if s.Get("b") != nil {
		t.Error("b should have been evicted, a was refreshed")
	}
	if got := s.Get("a"); len(got) != 2 {
		t.Errorf("a history = %v", got)
	}
}
