package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/scheduler"
)

const sp = "3550308"

type recorder struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
	want int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) handle(_ context.Context, t scheduler.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t.RecordID)
	if len(r.seen) == r.want {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func run(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScheduler_FIFOByCreation(t *testing.T) {
	rec := newRecorder(3)
	s := scheduler.New(rec.handle)
	s.Configure(sp, scheduler.QueueConfig{Concurrency: 1})

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.Enqueue(scheduler.Task{RecordID: "c", Municipality: sp, Kind: scheduler.KindSubmit, CreatedAt: base.Add(3 * time.Second)})
	s.Enqueue(scheduler.Task{RecordID: "a", Municipality: sp, Kind: scheduler.KindSubmit, CreatedAt: base.Add(1 * time.Second)})
	s.Enqueue(scheduler.Task{RecordID: "b", Municipality: sp, Kind: scheduler.KindSubmit, CreatedAt: base.Add(2 * time.Second)})

	run(t, s)
	assert.Equal(t, []string{"a", "b", "c"}, rec.wait(t))
}

func TestScheduler_Dedup(t *testing.T) {
	s := scheduler.New(func(context.Context, scheduler.Task) {})
	task := scheduler.Task{RecordID: "r1", Municipality: sp, Kind: scheduler.KindSubmit}

	assert.True(t, s.Enqueue(task))
	assert.False(t, s.Enqueue(task))

	task.Kind = scheduler.KindPoll
	assert.True(t, s.Enqueue(task))

	ready, delayed := s.Depth(sp)
	assert.Equal(t, 2, ready)
	assert.Equal(t, 0, delayed)
}

func TestScheduler_DelayedRelease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder(1)
	s := scheduler.New(rec.handle, scheduler.WithClock(clock))
	s.Configure(sp, scheduler.QueueConfig{Concurrency: 1})

	s.Enqueue(scheduler.Task{RecordID: "retry", Municipality: sp, Kind: scheduler.KindSubmit, NotBefore: clock.Now().Add(10 * time.Second)})
	run(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	ready, delayed := s.Depth(sp)
	assert.Equal(t, 0, ready)
	assert.Equal(t, 1, delayed)

	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"retry"}, rec.wait(t))
}

func TestScheduler_MinInterval(t *testing.T) {
	rec := newRecorder(3)
	s := scheduler.New(rec.handle)
	s.Configure(sp, scheduler.QueueConfig{Concurrency: 3, MinInterval: 40 * time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(scheduler.Task{RecordID: id, Municipality: sp, Kind: scheduler.KindSubmit})
	}

	start := time.Now()
	run(t, s)
	rec.wait(t)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestScheduler_Concurrency(t *testing.T) {
	const workers = 3
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
		wg       sync.WaitGroup
	)
	release := make(chan struct{})
	wg.Add(workers)
	s := scheduler.New(func(context.Context, scheduler.Task) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		wg.Done()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
	})
	s.Configure(sp, scheduler.QueueConfig{Concurrency: workers})
	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(scheduler.Task{RecordID: id, Municipality: sp, Kind: scheduler.KindSubmit})
	}
	run(t, s)

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not run in parallel")
	}
	close(release)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, workers, peak)
}

func TestScheduler_EnqueueWhileRunning(t *testing.T) {
	rec := newRecorder(1)
	s := scheduler.New(rec.handle)
	run(t, s)

	time.Sleep(10 * time.Millisecond)
	s.Enqueue(scheduler.Task{RecordID: "late", Municipality: "4106902", Kind: scheduler.KindPoll})
	assert.Equal(t, []string{"late"}, rec.wait(t))
}
