package dht

import (
	"fmt"
	"testing"
	"time"
)

func TestStorePutGet(t *testing.T) {
	s := NewStore(16)
	defer s.Close()

	if !s.Put("k", []byte("v"), time.Minute) {
		t.Fatal("Put() refused a fresh value")
	}
	got, ok := s.Get("k")
	if !ok {
		t.Fatal("Get() missed a stored value")
	}
	if string(got) != "v" {
		t.Errorf("Get() = %q, want %q", got, "v")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s := NewStore(16)
	defer s.Close()

	s.Put("k", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := s.Get("k"); ok {
		t.Error("Get() returned an expired value")
	}
}

func TestStoreLRUEviction(t *testing.T) {
	s := NewStore(3)
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Put(fmt.Sprintf("k%d", i), []byte{byte(i)}, time.Minute)
	}
	// Touch k0 so k1 becomes the LRU.
	s.Get("k0")

	s.Put("k3", []byte{3}, time.Minute)

	if _, ok := s.Get("k1"); ok {
		t.Error("LRU entry survived eviction")
	}
	if _, ok := s.Get("k0"); !ok {
		t.Error("recently-used entry was evicted")
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestStoreReplacePolicy(t *testing.T) {
	s := NewStore(16)
	defer s.Close()

	// Refuse any replacement whose payload is "older".
	s.SetReplaceFunc(func(key string, old, incoming []byte) bool {
		return incoming[0] >= old[0]
	})

	s.Put("k", []byte{5}, time.Minute)

	if s.Put("k", []byte{3}, time.Minute) {
		t.Error("Put() replaced with an older value")
	}
	got, _ := s.Get("k")
	if got[0] != 5 {
		t.Errorf("stored value = %d, want 5", got[0])
	}

	if !s.Put("k", []byte{7}, time.Minute) {
		t.Error("Put() refused a newer value")
	}
}
