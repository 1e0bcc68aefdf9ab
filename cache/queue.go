package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailroom/mailroom/lib"
)

// DefaultDelay spaces out background downloads so the server never sees the
// cache warmer as a burst.
const DefaultDelay = 500 * time.Millisecond

// Progress is emitted after every processed message, on every pause and
// resume transition, and once more when the run ends.
type Progress struct {
	Folder    string
	Total     int
	Completed int
	Errors    int
	Active    bool
	Paused    bool
	LastError string
}

// FetchFunc downloads one raw message. The queue owns no connection; the
// caller decides which pool the fetch goes through.
type FetchFunc func(ctx context.Context, folder string, uid uint32) (raw []byte, flags []string, err error)

// Options configures a Queue. Zero values fall back to defaults.
type Options struct {
	Delay  time.Duration
	Logger lib.Logger
}

// Queue downloads messages into a Store one at a time, rate limited, and
// can be paused and resumed while running. Per-message failures are counted
// and reported but never stop the run.
type Queue struct {
	store   Store
	fetch   FetchFunc
	limiter *rate.Limiter
	log     lib.Logger
	events  chan Progress

	mu       sync.Mutex
	running  bool
	gate     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	progress Progress
}

func NewQueue(store Store, fetch FetchFunc, opts Options) *Queue {
	delay := opts.Delay
	if delay == 0 {
		delay = DefaultDelay
	}
	log := opts.Logger
	if log == nil {
		log = &lib.NoLog{}
	}
	return &Queue{
		store:   store,
		fetch:   fetch,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		log:     log,
		events:  make(chan Progress, 64),
	}
}

// Events delivers progress updates. The channel is never closed; slow
// consumers lose intermediate updates, never the run itself.
func (q *Queue) Events() <-chan Progress {
	return q.events
}

// Start begins downloading the given UIDs in the background. Only one run
// may be active at a time.
func (q *Queue) Start(folder string, uids []uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("a cache run is already in progress")
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.running = true
	q.gate = nil
	q.cancel = cancel
	q.done = make(chan struct{})
	q.progress = Progress{Folder: folder, Total: len(uids), Active: true}

	go q.run(ctx, folder, uids, q.done)
	return nil
}

// Pause holds the queue before the next message and acknowledges the
// transition on the events channel. Safe to call at any time.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gate == nil {
		q.gate = make(chan struct{})
		q.progress.Paused = true
		q.emit(q.progress)
		q.log.Print("cache queue paused")
	}
}

// Resume lifts a pause and acknowledges the transition on the events
// channel.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gate != nil {
		close(q.gate)
		q.gate = nil
		q.progress.Paused = false
		q.emit(q.progress)
		q.log.Print("cache queue resumed")
	}
}

// Stop cancels the active run and waits for it to wind down.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	q.Resume()
	if done != nil {
		<-done
	}
}

// Running reports whether a run is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) run(ctx context.Context, folder string, uids []uint32, done chan struct{}) {
	defer close(done)
	defer func() {
		q.mu.Lock()
		q.running = false
		q.cancel = nil
		q.mu.Unlock()
	}()

	progress := Progress{Folder: folder, Total: len(uids), Active: true}
	q.publish(progress)

	for _, uid := range uids {
		if !q.waitTurn(ctx) {
			break
		}
		if err := q.fetchOne(ctx, folder, uid); err != nil {
			if ctx.Err() != nil {
				break
			}
			progress.Errors++
			progress.LastError = err.Error()
			q.log.Printf("caching uid=%d failed: %v", uid, err)
		} else {
			progress.Completed++
			progress.LastError = ""
		}
		progress.Active = progress.Completed+progress.Errors < progress.Total
		q.publish(progress)
	}

	progress.Active = false
	q.publish(progress)
	q.log.Printf("cache run for %q finished: %d/%d cached, %d errors",
		folder, progress.Completed, progress.Total, progress.Errors)
}

// waitTurn blocks on the pause gate and the rate limiter. It reports false
// when the run was stopped instead.
func (q *Queue) waitTurn(ctx context.Context) bool {
	q.mu.Lock()
	gate := q.gate
	q.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
	if err := q.limiter.Wait(ctx); err != nil {
		return false
	}
	return true
}

func (q *Queue) fetchOne(ctx context.Context, folder string, uid uint32) error {
	cached, err := q.store.Has(folder, uid)
	if err != nil {
		return err
	}
	if cached {
		return nil
	}
	raw, flags, err := q.fetch(ctx, folder, uid)
	if err != nil {
		return err
	}
	return q.store.Put(folder, uid, flags, raw)
}

// publish records the latest run snapshot, so transition acknowledgements
// carry the current tallies, then emits it.
func (q *Queue) publish(progress Progress) {
	q.mu.Lock()
	progress.Paused = q.gate != nil
	q.progress = progress
	q.mu.Unlock()
	q.emit(progress)
}

func (q *Queue) emit(progress Progress) {
	select {
	case q.events <- progress:
	default:
	}
}
