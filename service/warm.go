package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mailroom/mailroom/cache"
	"github.com/mailroom/mailroom/cfg"
	"github.com/mailroom/mailroom/pool"
	"github.com/mailroom/mailroom/remote"
)

// storeFor returns the cache store of an account, opening it on first use.
func (s *Service) storeFor(name string) (cache.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	account, err := s.account(name)
	if err != nil {
		return nil, err
	}
	store, err := s.openStore(name, account)
	if err != nil {
		return nil, err
	}
	s.stores[name] = store
	return store, nil
}

func (s *Service) openStore(name string, account cfg.Account) (cache.Store, error) {
	dir := account.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("no cache directory available: %w", err)
		}
		dir = filepath.Join(base, "mailroom", name)
	}
	switch account.Cache {
	case cfg.CacheMaildir:
		return cache.NewMaildirStore(dir, s.log)
	case cfg.CacheMemory:
		return cache.NewMemStore(), nil
	default:
		return cache.NewBoltStore(filepath.Join(dir, "messages.db"), s.log)
	}
}

// queueFor returns the warming queue of an account, creating it on first
// use. Downloads go through the priority pool: the queue already paces
// itself, and a fetch the user is waiting on piggybacks the same session
// instead of opening a second one.
func (s *Service) queueFor(name string) (*cache.Queue, error) {
	store, err := s.storeFor(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if queue, ok := s.queues[name]; ok {
		return queue, nil
	}
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		var raw []byte
		var flags []string
		err := s.withSession(ctx, pool.Priority, name, func(session *remote.Session) error {
			email, err := session.FetchMessage(folder, uid)
			if err != nil {
				return err
			}
			raw, err = base64.StdEncoding.DecodeString(email.RawSource)
			flags = email.Flags
			return err
		})
		return raw, flags, err
	}
	queue := cache.NewQueue(store, fetch, cache.Options{
		Delay:  s.config.Settings.WarmDelay,
		Logger: s.log,
	})
	s.queues[name] = queue
	return queue, nil
}

// WarmCache starts downloading every message of a folder that is not cached
// yet. It returns the number of messages queued; progress arrives on
// WarmEvents.
func (s *Service) WarmCache(ctx context.Context, name, folder string) (int, error) {
	queue, err := s.queueFor(name)
	if err != nil {
		return 0, err
	}
	store, err := s.storeFor(name)
	if err != nil {
		return 0, err
	}

	var uids []uint32
	err = s.withSession(ctx, pool.Background, name, func(session *remote.Session) error {
		var err error
		uids, err = session.SearchAllUIDs(folder)
		return err
	})
	if err != nil {
		return 0, err
	}

	cached, err := store.UIDs(folder)
	if err != nil {
		return 0, err
	}
	missing := diffUIDs(uids, cached)
	if len(missing) == 0 {
		return 0, nil
	}
	if err := queue.Start(folder, missing); err != nil {
		return 0, err
	}
	return len(missing), nil
}

// diffUIDs returns the elements of want that are not in have, newest first
// so recent messages land in the cache before old ones.
func diffUIDs(want, have []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(have))
	for _, uid := range have {
		seen[uid] = struct{}{}
	}
	missing := make([]uint32, 0, len(want))
	for _, uid := range want {
		if _, ok := seen[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] > missing[j] })
	return missing
}

// WarmEvents exposes the progress stream of an account's warming queue.
func (s *Service) WarmEvents(name string) (<-chan cache.Progress, error) {
	queue, err := s.queueFor(name)
	if err != nil {
		return nil, err
	}
	return queue.Events(), nil
}

// PauseWarm suspends background downloads without losing position.
func (s *Service) PauseWarm(name string) error {
	queue, err := s.queueFor(name)
	if err != nil {
		return err
	}
	queue.Pause()
	return nil
}

// ResumeWarm resumes a paused warming run.
func (s *Service) ResumeWarm(name string) error {
	queue, err := s.queueFor(name)
	if err != nil {
		return err
	}
	queue.Resume()
	return nil
}

// StopWarm cancels the warming run. Already cached messages stay cached.
func (s *Service) StopWarm(name string) error {
	queue, err := s.queueFor(name)
	if err != nil {
		return err
	}
	queue.Stop()
	return nil
}

// WarmRunning reports whether a warming run is in flight.
func (s *Service) WarmRunning(name string) bool {
	s.mu.Lock()
	queue := s.queues[name]
	s.mu.Unlock()
	return queue != nil && queue.Running()
}
