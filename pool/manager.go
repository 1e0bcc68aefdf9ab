// Package pool keeps authenticated mail sessions alive between operations.
// Sessions are held in two independent pools: a background pool for bulk
// work like cache refreshes, and a priority pool reserved for interactive
// requests so a long-running sync never blocks the user.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/mailroom/mailroom/lib"
	"github.com/mailroom/mailroom/remote"
)

// Kind selects which of the two pools a session lives in.
type Kind string

const (
	Background Kind = "background"
	Priority   Kind = "priority"
)

// DefaultSweepInterval is how often idle background sessions are checked
// and dead ones dropped.
const DefaultSweepInterval = 60 * time.Second

// DialFunc opens a new authenticated session. Tests inject their own.
type DialFunc func(cfg remote.Config) (*remote.Session, error)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Dial          DialFunc
	SweepInterval time.Duration
	Logger        lib.Logger
}

// Manager owns at most one live session per account key and pool kind.
type Manager struct {
	mu       sync.Mutex
	pools    map[Kind]map[string]*remote.Session
	dial     DialFunc
	log      lib.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// discard logs out a session in the background without leaking the
// goroutine past Shutdown.
func (m *Manager) discard(session *remote.Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.DiscardLogout()
	}()
}

func NewManager(opts Options) *Manager {
	dial := opts.Dial
	if dial == nil {
		dial = remote.NewSession
	}
	log := opts.Logger
	if log == nil {
		log = &lib.NoLog{}
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}
	manager := &Manager{
		pools: map[Kind]map[string]*remote.Session{
			Background: {},
			Priority:   {},
		},
		dial: dial,
		log:  log,
		stop: make(chan struct{}),
	}
	manager.wg.Add(1)
	go func() {
		defer manager.wg.Done()
		manager.sweep(sweepInterval)
	}()
	return manager
}

// Acquire returns the pooled session for this account, probing it for
// liveness first, or opens a new one when there is none to reuse.
func (m *Manager) Acquire(kind Kind, cfg remote.Config) (*remote.Session, error) {
	key := cfg.Key()

	m.mu.Lock()
	existing := m.pools[kind][key]
	m.mu.Unlock()

	if existing != nil && existing.Usable() {
		// check liveness outside the lock, a dead peer can take the full timeout
		if err := existing.Noop(); err == nil {
			m.log.Printf("reusing %s session for %s", kind, key)
			return existing, nil
		}
		m.log.Printf("%s session for %s failed liveness check, replacing", kind, key)
		m.remove(kind, key, existing)
		m.discard(existing)
	}
	return m.connect(kind, cfg)
}

func (m *Manager) connect(kind Kind, cfg remote.Config) (*remote.Session, error) {
	key := cfg.Key()
	session, err := m.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s session for %s: %w", kind, key, err)
	}

	m.mu.Lock()
	displaced := m.pools[kind][key]
	m.pools[kind][key] = session
	m.mu.Unlock()

	if displaced != nil && displaced != session {
		// two callers raced to connect: keep the newest, log out the other
		m.log.Printf("displacing concurrent %s session for %s", kind, key)
		m.discard(displaced)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(kind, key, session)
	}()
	return session, nil
}

// watch evicts the session from the pool as soon as its connection
// terminates, whatever the cause.
func (m *Manager) watch(kind Kind, key string, session *remote.Session) {
	select {
	case <-session.Closed():
		if m.remove(kind, key, session) {
			m.log.Printf("%s session for %s closed, evicted", kind, key)
		}
	case <-m.stop:
	}
}

// remove drops the session from the pool only when it is still the pooled
// one: a replacement that already took the slot stays untouched.
func (m *Manager) remove(kind Kind, key string, session *remote.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools[kind][key] != session {
		return false
	}
	delete(m.pools[kind], key)
	return true
}

// WithSession runs one operation on a pooled session. When the operation
// fails the session is evicted; a transient failure earns exactly one retry
// on a freshly opened session, anything else propagates immediately.
func (m *Manager) WithSession(kind Kind, cfg remote.Config, operation func(session *remote.Session) error) error {
	session, err := m.Acquire(kind, cfg)
	if err != nil {
		return err
	}
	err = operation(session)
	if err == nil {
		return nil
	}
	if !session.Usable() {
		m.remove(kind, cfg.Key(), session)
		m.discard(session)
	}
	if !lib.IsTransient(err) {
		return err
	}

	m.log.Printf("%s operation for %s failed with a transient error, retrying once: %v", kind, cfg.Key(), err)
	session, dialErr := m.connect(kind, cfg)
	if dialErr != nil {
		return fmt.Errorf("retry after %q: %w", err, dialErr)
	}
	err = operation(session)
	if err != nil && !session.Usable() {
		m.remove(kind, cfg.Key(), session)
		m.discard(session)
	}
	return err
}

// Len reports how many sessions a pool currently holds.
func (m *Manager) Len(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools[kind])
}

// Evict drops and logs out the pooled session for an account, if any. Used
// when an account is removed or its credentials change.
func (m *Manager) Evict(kind Kind, key string) {
	m.mu.Lock()
	session := m.pools[kind][key]
	delete(m.pools[kind], key)
	m.mu.Unlock()
	if session != nil {
		m.discard(session)
	}
}

// sweep periodically drops dead sessions from the background pool. The
// priority pool is intentionally left alone: its sessions are few and a
// stale one is caught by the liveness check on next use.
func (m *Manager) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	var dead []*remote.Session
	for key, session := range m.pools[Background] {
		if !session.Usable() {
			delete(m.pools[Background], key)
			dead = append(dead, session)
		}
	}
	m.mu.Unlock()
	for _, session := range dead {
		m.log.Printf("sweeping dead background session for %s", session.Key())
		m.discard(session)
	}
}

// Shutdown logs out every pooled session, best effort, and stops the
// sweeper. The manager must not be used afterwards.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	var all []*remote.Session
	for kind := range m.pools {
		for _, session := range m.pools[kind] {
			all = append(all, session)
		}
		m.pools[kind] = map[string]*remote.Session{}
	}
	m.mu.Unlock()

	for _, session := range all {
		m.discard(session)
	}
	m.wg.Wait()
}
