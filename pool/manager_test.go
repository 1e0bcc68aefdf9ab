package pool

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/mailroom/mailroom/lib"
	"github.com/mailroom/mailroom/remote"
)

func startTestServer(t *testing.T) (remote.Config, func()) {
	t.Helper()

	be := memory.New()
	imapServer := server.New(be)
	imapServer.AllowInsecureAuth = true

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = imapServer.Serve(listener)
	}()
	time.Sleep(100 * time.Millisecond)

	host, portString, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portString)
	require.NoError(t, err)

	cfg := remote.Config{
		Email:    "username",
		Host:     host,
		Port:     port,
		NoTLS:    true,
		Auth:     remote.AuthPassword,
		Password: "password",
		Logger:   lib.NewTestLogger(t, "imap"),
	}
	stop := func() {
		assert.NoError(t, imapServer.Close())
		wg.Wait()
	}
	return cfg, stop
}

// countingManager wraps the real dialer so tests can assert how many
// connections were opened.
func countingManager(t *testing.T, opts Options) (*Manager, *int32) {
	t.Helper()
	dials := new(int32)
	opts.Dial = func(cfg remote.Config) (*remote.Session, error) {
		atomic.AddInt32(dials, 1)
		return remote.NewSession(cfg)
	}
	if opts.Logger == nil {
		opts.Logger = lib.NewTestLogger(t, "pool")
	}
	manager := NewManager(opts)
	t.Cleanup(manager.Shutdown)
	return manager, dials
}

func TestAcquireReusesSession(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	first, err := manager.Acquire(Priority, cfg)
	require.NoError(t, err)
	second, err := manager.Acquire(Priority, cfg)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(dials))
	assert.Equal(t, 1, manager.Len(Priority))
}

func TestPoolsAreIsolated(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	background, err := manager.Acquire(Background, cfg)
	require.NoError(t, err)
	priority, err := manager.Acquire(Priority, cfg)
	require.NoError(t, err)

	assert.NotSame(t, background, priority)
	assert.Equal(t, int32(2), atomic.LoadInt32(dials))
	assert.Equal(t, 1, manager.Len(Background))
	assert.Equal(t, 1, manager.Len(Priority))
}

func TestWithSessionRetriesOnceOnTransient(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	calls := 0
	err := manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		calls++
		if calls == 1 {
			return &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int32(2), atomic.LoadInt32(dials))
}

func TestWithSessionTransientFailsTwice(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, _ := countingManager(t, Options{})

	calls := 0
	failure := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	err := manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		calls++
		return failure
	})
	require.Error(t, err)
	// exactly one retry, never more
	assert.Equal(t, 2, calls)
}

func TestWithSessionNoRetryOnPermanentError(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	calls := 0
	permanent := errors.New("no message with that id")
	err := manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(1), atomic.LoadInt32(dials))
}

func TestWithSessionEvictsBrokenSession(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	err := manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		// the connection dies mid-command
		session.DiscardLogout()
		return errors.New("connection closed by server")
	})
	require.Error(t, err)
	assert.Equal(t, 0, manager.Len(Priority))

	// the next operation gets a fresh connection
	err = manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		_, err := session.FetchRange("INBOX", 0, 10)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(dials))
}

func TestWithSessionKeepsSessionOnFolderMiss(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	err := manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		_, err := session.FetchRange("NoSuchFolder", 0, 10)
		return err
	})
	require.ErrorIs(t, err, lib.ErrFolderNotFound)
	// a clean protocol answer does not cost the pooled session
	assert.Equal(t, 1, manager.Len(Priority))

	err = manager.WithSession(Priority, cfg, func(session *remote.Session) error {
		_, err := session.FetchRange("INBOX", 0, 10)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(dials))
}

func TestCloseWatcherEvicts(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, _ := countingManager(t, Options{})

	session, err := manager.Acquire(Priority, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, manager.Len(Priority))

	require.NoError(t, session.Logout())
	assert.Eventually(t, func() bool {
		return manager.Len(Priority) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepDropsDeadBackgroundSessions(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, _ := countingManager(t, Options{SweepInterval: 20 * time.Millisecond})

	session, err := manager.Acquire(Background, cfg)
	require.NoError(t, err)
	// break the session without closing the connection
	_, err = session.FetchRange("NoSuchFolder", 0, 10)
	require.Error(t, err)
	require.False(t, session.Usable())

	assert.Eventually(t, func() bool {
		return manager.Len(Background) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEvict(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, dials := countingManager(t, Options{})

	_, err := manager.Acquire(Priority, cfg)
	require.NoError(t, err)
	manager.Evict(Priority, cfg.Key())
	assert.Equal(t, 0, manager.Len(Priority))

	_, err = manager.Acquire(Priority, cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(dials))
}

func TestShutdownLogsOutEverything(t *testing.T) {
	cfg, stop := startTestServer(t)
	defer stop()
	manager, _ := countingManager(t, Options{})

	background, err := manager.Acquire(Background, cfg)
	require.NoError(t, err)
	priority, err := manager.Acquire(Priority, cfg)
	require.NoError(t, err)

	manager.Shutdown()
	assert.Equal(t, 0, manager.Len(Background))
	assert.Equal(t, 0, manager.Len(Priority))
	assert.False(t, background.Usable())
	assert.False(t, priority.Usable())
}
