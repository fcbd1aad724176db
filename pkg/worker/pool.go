// Package worker provides the two-priority bounded worker pool shared by every calculator.
//
// Interactive workers only ever take interactive tasks. Background workers take
// interactive tasks first whenever any are queued, so background refresh can never
// delay a foreground query, and there are always strictly fewer of them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when submitting to a closed pool
	ErrClosed = errors.New("worker pool closed")
	// ErrQueueFull is returned by TrySubmit when the priority queue has no room
	ErrQueueFull = errors.New("worker queue full")
)

// Priority is the scheduling class of a task
type Priority int

const (
	Interactive Priority = iota
	Background
)

func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "interactive"
}

// Task is one unit of work
type Task struct {
	Priority Priority

	// Run executes the task with the pool's context, cancelled on Close
	Run func(ctx context.Context)

	// Skip is checked when the task is dequeued; true drops the task without running it.
	// This is the only cancellation point: a running task is never interrupted.
	Skip func() bool

	// Dropped is called instead of Run when the task will never run
	Dropped func()
}

// Config configures a pool
type Config struct {
	InteractiveWorkers int
	BackgroundWorkers  int
	QueueSize          int
	Logger             *zap.Logger
}

// Stats is a snapshot of pool activity
type Stats struct {
	InteractiveQueued int    `json:"interactive_queued"`
	BackgroundQueued  int    `json:"background_queued"`
	Running           int64  `json:"running"`
	Completed         uint64 `json:"completed"`
	Skipped           uint64 `json:"skipped"`
	Panics            uint64 `json:"panics"`
}

// Pool runs tasks on a fixed set of goroutines
type Pool struct {
	interactive chan Task
	background  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	// mu orders Submit against Close: senders hold it shared
	mu     sync.RWMutex
	closed atomic.Bool

	running   atomic.Int64
	completed atomic.Uint64
	skipped   atomic.Uint64
	panics    atomic.Uint64

	logger *zap.Logger
}

// New starts a pool
func New(cfg Config) (*Pool, error) {
	if cfg.InteractiveWorkers <= 0 {
		return nil, fmt.Errorf("interactive workers must be positive, got %d", cfg.InteractiveWorkers)
	}
	if cfg.BackgroundWorkers < 0 || cfg.BackgroundWorkers >= cfg.InteractiveWorkers {
		return nil, fmt.Errorf("background workers (%d) must be fewer than interactive workers (%d)",
			cfg.BackgroundWorkers, cfg.InteractiveWorkers)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		interactive: make(chan Task, cfg.QueueSize),
		background:  make(chan Task, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
		logger:      logger.Named("pool"),
	}

	for i := 0; i < cfg.InteractiveWorkers; i++ {
		p.wg.Add(1)
		go p.interactiveWorker()
	}
	for i := 0; i < cfg.BackgroundWorkers; i++ {
		p.wg.Add(1)
		go p.backgroundWorker()
	}

	p.logger.Info("worker pool started",
		zap.Int("interactive", cfg.InteractiveWorkers),
		zap.Int("background", cfg.BackgroundWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return p, nil
}

func (p *Pool) queue(priority Priority) chan Task {
	if priority == Background {
		return p.background
	}
	return p.interactive
}

// Submit enqueues a task, waiting for queue room until ctx is done
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.queue(task.Priority) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
}

// TrySubmit enqueues a task without waiting
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.queue(task.Priority) <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) interactiveWorker() {
	defer p.wg.Done()
	for {
		if p.stopping() {
			return
		}
		select {
		case <-p.quit:
			return
		case t := <-p.interactive:
			p.run(t)
		}
	}
}

func (p *Pool) backgroundWorker() {
	defer p.wg.Done()
	for {
		if p.stopping() {
			return
		}

		// Drain interactive work first
		select {
		case <-p.quit:
			return
		case t := <-p.interactive:
			p.run(t)
			continue
		default:
		}

		select {
		case <-p.quit:
			return
		case t := <-p.interactive:
			p.run(t)
		case t := <-p.background:
			p.run(t)
		}
	}
}

// stopping gives quit precedence over queued work
func (p *Pool) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *Pool) run(t Task) {
	if t.Skip != nil && t.Skip() {
		p.skipped.Add(1)
		if t.Dropped != nil {
			t.Dropped()
		}
		return
	}

	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("task panicked", zap.Stringer("priority", t.Priority), zap.Any("panic", r))
		}
	}()
	t.Run(p.ctx)
}

// Stats returns a snapshot of queue depths and counters
func (p *Pool) Stats() Stats {
	return Stats{
		InteractiveQueued: len(p.interactive),
		BackgroundQueued:  len(p.background),
		Running:           p.running.Load(),
		Completed:         p.completed.Load(),
		Skipped:           p.skipped.Load(),
		Panics:            p.panics.Load(),
	}
}

// RegisterMetrics exposes pool gauges and counters on reg
func (p *Pool) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "healthobs",
			Subsystem:   "pool",
			Name:        "queued_tasks",
			Help:        "Tasks waiting for a worker.",
			ConstLabels: prometheus.Labels{"priority": "interactive"},
		}, func() float64 { return float64(len(p.interactive)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "healthobs",
			Subsystem:   "pool",
			Name:        "queued_tasks",
			Help:        "Tasks waiting for a worker.",
			ConstLabels: prometheus.Labels{"priority": "background"},
		}, func() float64 { return float64(len(p.background)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "healthobs",
			Subsystem: "pool",
			Name:      "running_tasks",
			Help:      "Tasks currently executing.",
		}, func() float64 { return float64(p.running.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "healthobs",
			Subsystem: "pool",
			Name:      "skipped_tasks_total",
			Help:      "Tasks dropped at dequeue.",
		}, func() float64 { return float64(p.skipped.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register pool metrics: %w", err)
		}
	}
	return nil
}

// Close stops the workers after their current task and drops everything still queued.
// Dropped tasks get their Dropped callback.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.quit)
	p.cancel()

	// Wait out in-progress Submit calls, then the workers
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wg.Wait()

	dropped := 0
	for _, q := range []chan Task{p.interactive, p.background} {
		for {
			select {
			case t := <-q:
				dropped++
				if t.Dropped != nil {
					t.Dropped()
				}
				continue
			default:
			}
			break
		}
	}
	p.logger.Info("worker pool stopped", zap.Int("dropped", dropped))
}
