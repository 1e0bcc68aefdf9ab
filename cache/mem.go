package cache

import (
	"sort"
	"sync"
)

type memEntry struct {
	flags []string
	raw   []byte
}

// MemStore keeps the cache in memory. It backs tests and the ephemeral mode
// where nothing may be written to disk.
type MemStore struct {
	mu      sync.Mutex
	folders map[string]map[uint32]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{folders: map[string]map[uint32]memEntry{}}
}

func (s *MemStore) Put(folder string, uid uint32, flags []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.folders[folder]
	if messages == nil {
		messages = map[uint32]memEntry{}
		s.folders[folder] = messages
	}
	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)
	messages[uid] = memEntry{flags: append([]string(nil), flags...), raw: rawCopy}
	return nil
}

func (s *MemStore) Has(folder string, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.folders[folder][uid]
	return found, nil
}

func (s *MemStore) Get(folder string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.folders[folder][uid]
	if !found {
		return nil, ErrNotCached
	}
	return entry.raw, nil
}

func (s *MemStore) Delete(folder string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders[folder], uid)
	return nil
}

func (s *MemStore) UIDs(folder string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]uint32, 0, len(s.folders[folder]))
	for uid := range s.folders[folder] {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *MemStore) Close() error {
	return nil
}
