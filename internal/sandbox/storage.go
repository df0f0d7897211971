package sandbox

import (
	"sync"

	"github.com/connectias/pluginhost/internal/domain/plugin"
)

// storageBackend is the host's built-in key/value store backing the
// storage.* host imports. A real deployment would swap this for a
// persistent KV database (out of scope per spec §1's "persistent
// storage backends... external"); this in-memory implementation lets
// the sandbox's storage imports be fully exercised without one.
type storageBackend struct {
	mu   sync.Mutex
	data map[plugin.ID]map[string][]byte
}

func newStorageBackend() *storageBackend {
	return &storageBackend{data: make(map[plugin.ID]map[string][]byte)}
}

func (s *storageBackend) bucket(id plugin.ID) map[string][]byte {
	b, ok := s.data[id]
	if !ok {
		b = make(map[string][]byte)
		s.data[id] = b
	}
	return b
}

func (s *storageBackend) Put(id plugin.ID, key string, value []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(id)
	delta := int64(len(value) - len(b[key]))
	stored := make([]byte, len(value))
	copy(stored, value)
	b[key] = stored
	return delta
}

func (s *storageBackend) Get(id plugin.ID, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.bucket(id)[key]
	return v, ok
}

func (s *storageBackend) Delete(id plugin.ID, key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(id)
	freed := int64(len(b[key]))
	delete(b, key)
	return -freed
}

func (s *storageBackend) Clear(id plugin.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(id)
	var total int64
	for _, v := range b {
		total += int64(len(v))
	}
	s.data[id] = make(map[string][]byte)
	return -total
}

func (s *storageBackend) Size(id plugin.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, v := range s.bucket(id) {
		total += int64(len(v))
	}
	return total
}
