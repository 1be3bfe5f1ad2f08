package core

import lru "github.com/hashicorp/golang-lru/v2"

const defaultDedupeCapacity = 64

// seenKeys remembers the most recent dedupe keys of one stream. When full,
// adding a key evicts the oldest; seeing a key again does not refresh it.
type seenKeys struct {
	keys *lru.Cache[string, struct{}]
}

func newSeenKeys(capacity int) *seenKeys {
	if capacity < 1 {
		capacity = defaultDedupeCapacity
	}
	// New fails only for non-positive sizes.
	keys, _ := lru.New[string, struct{}](capacity)
	return &seenKeys{keys: keys}
}

func (s *seenKeys) Contains(key string) bool { return s.keys.Contains(key) }

// Add records key and reports whether it was new.
func (s *seenKeys) Add(key string) bool {
	found, _ := s.keys.ContainsOrAdd(key, struct{}{})
	return !found
}

func (s *seenKeys) Len() int { return s.keys.Len() }
