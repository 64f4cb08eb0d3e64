// Package scheduler runs record tasks on per-municipality worker pools.
//
// Each municipality has its own FIFO ready queue, a delayed heap for retry
// and poll tasks, a fixed number of workers and a limiter that spaces
// outbound calls. A (record, kind) pair is queued at most once.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/model"
)

// Handler executes a task. Errors are the handler's to record.
type Handler func(ctx context.Context, t Task)

// QueueConfig sizes one municipality queue
type QueueConfig struct {
	Concurrency int
	MinInterval time.Duration
}

// DefaultQueueConfig is used for municipalities without explicit configuration
var DefaultQueueConfig = QueueConfig{Concurrency: 2}

// Scheduler owns every municipality queue
type Scheduler struct {
	handler  Handler
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	defaults QueueConfig

	mu      sync.Mutex
	queues  map[model.MunicipalityCode]*queue
	runCtx  context.Context
	running sync.WaitGroup
	seq     uint64
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock sets the clock releasing delayed tasks
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMetrics reports queue depth
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithDefaults sets the config of queues created on first use
func WithDefaults(cfg QueueConfig) Option {
	return func(s *Scheduler) {
		s.defaults = cfg
	}
}

// New creates a scheduler dispatching to handler
func New(handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		handler:  handler,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		defaults: DefaultQueueConfig,
		queues:   make(map[model.MunicipalityCode]*queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure sets the pool size and call spacing of a municipality queue.
// It must be called before Run.
func (s *Scheduler) Configure(code model.MunicipalityCode, cfg QueueConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[code]; ok {
		q.cfg = normalize(cfg)
		q.limiter = newLimiter(q.cfg)
		return
	}
	s.queues[code] = s.newQueue(code, cfg)
}

// Enqueue adds t to its municipality queue. It returns false when the same
// (record, kind) is already waiting.
func (s *Scheduler) Enqueue(t Task) bool {
	s.mu.Lock()
	q, ok := s.queues[t.Municipality]
	if !ok {
		q = s.newQueue(t.Municipality, s.defaults)
		s.queues[t.Municipality] = q
		if s.runCtx != nil {
			s.start(s.runCtx, q)
		}
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return q.push(item{task: t, seq: seq}, s.clock.Now())
}

// Depth returns the number of ready and delayed tasks of a municipality
func (s *Scheduler) Depth(code model.MunicipalityCode) (ready, delayed int) {
	s.mu.Lock()
	q, ok := s.queues[code]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len(), q.delayed.Len()
}

// Run starts every queue and blocks until ctx is cancelled and in-flight
// tasks have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	for _, q := range s.queues {
		s.start(ctx, q)
	}
	s.mu.Unlock()

	<-ctx.Done()
	s.running.Wait()
	return nil
}

// start must be called with s.mu held
func (s *Scheduler) start(ctx context.Context, q *queue) {
	s.running.Add(q.cfg.Concurrency + 1)
	go func() {
		defer s.running.Done()
		q.releaseLoop(ctx)
	}()
	for i := 0; i < q.cfg.Concurrency; i++ {
		go func() {
			defer s.running.Done()
			q.work(ctx)
		}()
	}
	s.logger.Debug("queue started", "municipality", q.code, "workers", q.cfg.Concurrency, "min_interval", q.cfg.MinInterval)
}

func (s *Scheduler) newQueue(code model.MunicipalityCode, cfg QueueConfig) *queue {
	cfg = normalize(cfg)
	return &queue{
		code:    code,
		cfg:     cfg,
		limiter: newLimiter(cfg),
		sched:   s,
		queued:  make(map[string]bool),
		wake:    make(chan struct{}, 1),
		rewait:  make(chan struct{}, 1),
	}
}

func normalize(cfg QueueConfig) QueueConfig {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return cfg
}

func newLimiter(cfg QueueConfig) *rate.Limiter {
	if cfg.MinInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
}

type queue struct {
	code    model.MunicipalityCode
	cfg     QueueConfig
	limiter *rate.Limiter
	sched   *Scheduler

	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	queued  map[string]bool

	wake   chan struct{} // ready work available
	rewait chan struct{} // delayed heap head changed
}

func (q *queue) push(it item, now time.Time) bool {
	q.mu.Lock()
	k := it.task.key()
	if q.queued[k] {
		q.mu.Unlock()
		return false
	}
	q.queued[k] = true
	delayed := it.task.NotBefore.After(now)
	if delayed {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	q.reportLocked()
	q.mu.Unlock()

	if delayed {
		signal(q.rewait)
	} else {
		signal(q.wake)
	}
	return true
}

func (q *queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return Task{}, false
	}
	it := heap.Pop(&q.ready).(item)
	delete(q.queued, it.task.key())
	q.reportLocked()
	if q.ready.Len() > 0 {
		signal(q.wake)
	}
	return it.task, true
}

// release moves due delayed tasks to the ready queue and returns the wait
// until the next one, or zero when the heap is empty
func (q *queue) release(now time.Time) time.Duration {
	q.mu.Lock()
	moved := false
	for q.delayed.Len() > 0 && !q.delayed[0].task.NotBefore.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
		moved = true
	}
	var wait time.Duration
	if q.delayed.Len() > 0 {
		wait = q.delayed[0].task.NotBefore.Sub(now)
	}
	if moved {
		q.reportLocked()
	}
	q.mu.Unlock()

	if moved {
		signal(q.wake)
	}
	return wait
}

func (q *queue) releaseLoop(ctx context.Context) {
	clock := q.sched.clock
	for {
		wait := q.release(clock.Now())

		var timer clockwork.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = clock.NewTimer(wait)
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.rewait:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *queue) work(ctx context.Context) {
	for {
		task, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		q.run(ctx, task)
	}
}

func (q *queue) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.sched.logger.Error("task panicked", "record_id", task.RecordID, "kind", task.Kind, "panic", r)
		}
	}()
	q.sched.handler(ctx, task)
}

// reportLocked must be called with q.mu held
func (q *queue) reportLocked() {
	q.sched.metrics.SetQueueDepth(string(q.code), "ready", q.ready.Len())
	q.sched.metrics.SetQueueDepth(string(q.code), "delayed", q.delayed.Len())
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
