package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/sdk/transport"
)

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration
	Logger       *zap.Logger
}

// Stats counts observations by outcome
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// Batcher batches observations and sends them periodically
type Batcher struct {
	config    Config
	transport transport.Transport
	logger    *zap.Logger

	pending []ingest.WireObservation
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sends  sync.WaitGroup

	flushing atomic.Bool // at most one background flush at a time
	sent     atomic.Int64
	failed   atomic.Int64
}

// New creates a new batcher
func New(t transport.Transport, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = transport.DefaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		config:    config,
		transport: t,
		logger:    logger.Named("batch"),
		pending:   make([]ingest.WireObservation, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add queues an observation, flushing in the background once the batch is full
func (b *Batcher) Add(o ingest.WireObservation) {
	b.mu.Lock()
	b.pending = append(b.pending, o)
	shouldFlush := len(b.pending) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		b.sends.Add(1)
		go func() {
			defer b.sends.Done()
			defer b.flushing.Store(false)
			b.send(b.context(), b.take())
		}()
	}
}

// Flush sends everything queued and waits for the result
func (b *Batcher) Flush(ctx context.Context) error {
	return b.send(ctx, b.take())
}

// Stop stops the flush loop, waits for in-flight sends and flushes what is left
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.sends.Wait()

	// The loop context is gone; the final flush gets its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
	defer cancel()
	return b.Flush(ctx)
}

// Stats returns delivery counters
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()
	return Stats{Sent: b.sent.Load(), Failed: b.failed.Load(), Pending: pending}
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.send(b.ctx, b.take())
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *Batcher) take() []ingest.WireObservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := make([]ingest.WireObservation, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	return out
}

func (b *Batcher) send(ctx context.Context, batch []ingest.WireObservation) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.config.SendTimeout)
	defer cancel()

	res, err := b.transport.Send(ctx, batch)
	imported := 0
	if res != nil {
		imported = res.ObservationsImported
	}
	b.sent.Add(int64(imported))
	if failed := len(batch) - imported; failed > 0 {
		b.failed.Add(int64(failed))
	}
	if err != nil {
		b.logger.Warn("failed to send observations", zap.Int("batch", len(batch)), zap.Int("imported", imported), zap.Error(err))
		return err
	}
	if res != nil && len(res.Errors) > 0 {
		b.logger.Warn("server rejected observations", zap.Int("rejected", len(res.Errors)), zap.String("first", res.Errors[0]))
	}
	return nil
}
