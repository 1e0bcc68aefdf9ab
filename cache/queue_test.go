package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom/mailroom/lib"
)

func waitForFinish(t *testing.T, queue *Queue) Progress {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case progress := <-queue.Events():
			if !progress.Active {
				return progress
			}
		case <-deadline:
			t.Fatal("queue did not finish in time")
		}
	}
}

func TestQueueDownloadsAll(t *testing.T) {
	store := NewMemStore()
	var fetched int32
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		atomic.AddInt32(&fetched, 1)
		return []byte(fmt.Sprintf("message %d", uid)), []string{"\\Seen"}, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: time.Millisecond, Logger: lib.NewTestLogger(t, "queue")})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3}))
	final := waitForFinish(t, queue)

	assert.Equal(t, 3, final.Completed)
	assert.Zero(t, final.Errors)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fetched))
	uids, err := store.UIDs("INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, uids)
	assert.False(t, queue.Running())
}

func TestQueueSkipsCachedMessages(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Put("INBOX", 2, nil, []byte("already here")))

	var fetched int32
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		atomic.AddInt32(&fetched, 1)
		return []byte("fresh"), nil, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: time.Millisecond})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3}))
	final := waitForFinish(t, queue)

	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetched))
	content, err := store.Get("INBOX", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("already here"), content)
}

func TestQueueCountsErrorsAndContinues(t *testing.T) {
	store := NewMemStore()
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		if uid == 2 {
			return nil, nil, errors.New("server hiccup")
		}
		return []byte("ok"), nil, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: time.Millisecond})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3}))
	final := waitForFinish(t, queue)

	assert.Equal(t, 2, final.Completed)
	assert.Equal(t, 1, final.Errors)
	uids, err := store.UIDs("INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, uids)
}

func TestQueuePauseAndResume(t *testing.T) {
	store := NewMemStore()
	release := make(chan struct{})
	var fetched int32
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		if atomic.AddInt32(&fetched, 1) == 1 {
			close(release)
		}
		return []byte("ok"), nil, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: 20 * time.Millisecond})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3, 4}))
	<-release
	queue.Pause()
	paused := atomic.LoadInt32(&fetched)
	// nothing moves while paused
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&fetched)-paused, int32(1))

	queue.Resume()
	final := waitForFinish(t, queue)
	assert.Equal(t, 4, final.Completed)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fetched))
}

func waitForEvent(t *testing.T, queue *Queue, match func(Progress) bool) Progress {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case progress := <-queue.Events():
			if match(progress) {
				return progress
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
		}
	}
}

func TestQueueAcknowledgesPauseAndResume(t *testing.T) {
	store := NewMemStore()
	release := make(chan struct{})
	var fetched int32
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		if atomic.AddInt32(&fetched, 1) == 1 {
			close(release)
		}
		return []byte("ok"), nil, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: 20 * time.Millisecond})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3, 4}))
	<-release

	queue.Pause()
	paused := waitForEvent(t, queue, func(p Progress) bool { return p.Paused })
	assert.True(t, paused.Active)
	assert.Equal(t, "INBOX", paused.Folder)
	assert.Equal(t, 4, paused.Total)

	queue.Resume()
	waitForEvent(t, queue, func(p Progress) bool { return !p.Paused })

	final := waitForFinish(t, queue)
	assert.Equal(t, 4, final.Completed)
	assert.False(t, final.Paused)
}

func TestQueueStop(t *testing.T) {
	store := NewMemStore()
	var fetched int32
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		atomic.AddInt32(&fetched, 1)
		return []byte("ok"), nil, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: 50 * time.Millisecond})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	time.Sleep(75 * time.Millisecond)
	queue.Stop()

	assert.False(t, queue.Running())
	assert.Less(t, atomic.LoadInt32(&fetched), int32(10))

	// a new run can start after a stop
	require.NoError(t, queue.Start("INBOX", []uint32{11}))
	final := waitForFinish(t, queue)
	assert.Equal(t, 1, final.Completed)
}

func TestQueueRejectsConcurrentRuns(t *testing.T) {
	store := NewMemStore()
	fetch := func(ctx context.Context, folder string, uid uint32) ([]byte, []string, error) {
		time.Sleep(10 * time.Millisecond)
		return []byte("ok"), nil, nil
	}
	queue := NewQueue(store, fetch, Options{Delay: time.Millisecond})

	require.NoError(t, queue.Start("INBOX", []uint32{1, 2, 3}))
	err := queue.Start("INBOX", []uint32{4})
	require.Error(t, err)
	queue.Stop()
}
