package mosaic

import "sync"

// TouchedSet records which mosaic blocks have been claimed by some
// worker. Membership is monotonic; the check and the insert are one
// atomic compound operation, so exactly one of any number of racing
// workers claims a given key.
type TouchedSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewTouchedSet returns an empty set. The set lives for one stitcher
// run; it is never persisted.
func NewTouchedSet() *TouchedSet {
	return &TouchedSet{keys: make(map[string]struct{})}
}

// CheckAndInsert claims the key. Returns true if this caller inserted
// it, false if it was already present.
func (s *TouchedSet) CheckAndInsert(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Len returns the number of claimed keys.
func (s *TouchedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
