package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/healthobs/pkg/ingest"
)

// mockTransport records batches and imports everything unless sendErr is set
type mockTransport struct {
	mu      sync.Mutex
	batches [][]ingest.WireObservation
	sendErr error
	delay   time.Duration
}

func (m *mockTransport) Send(ctx context.Context, batch []ingest.WireObservation) (*ingest.Result, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batchCopy := make([]ingest.WireObservation, len(batch))
	copy(batchCopy, batch)
	m.batches = append(m.batches, batchCopy)

	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &ingest.Result{ObservationsImported: len(batch)}, nil
}

func (m *mockTransport) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func obs(i int) ingest.WireObservation {
	v := float64(i)
	return ingest.WireObservation{
		Timestamp: time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		Source:    "watch",
		Metric:    "heart_rate",
		Value:     &v,
	}
}

func TestNewDefaults(t *testing.T) {
	b := New(&mockTransport{}, Config{})
	assert.Equal(t, 1000, b.config.MaxBatchSize)
	assert.Equal(t, 5*time.Second, b.config.FlushEvery)
}

func TestAddTriggersFlushWhenFull(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{MaxBatchSize: 5, FlushEvery: time.Hour, Logger: zaptest.NewLogger(t)})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	for i := range 5 {
		b.Add(obs(i))
	}

	require.Eventually(t, func() bool { return tr.total() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.count())
}

func TestPeriodicFlush(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{MaxBatchSize: 100, FlushEvery: 20 * time.Millisecond})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	b.Add(obs(1))
	b.Add(obs(2))

	require.Eventually(t, func() bool { return tr.total() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopFlushesRemaining(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{MaxBatchSize: 100, FlushEvery: time.Hour})
	require.NoError(t, b.Start(context.Background()))

	for i := range 7 {
		b.Add(obs(i))
	}
	require.NoError(t, b.Stop())

	assert.Equal(t, 7, tr.total())
	st := b.Stats()
	assert.Equal(t, int64(7), st.Sent)
	assert.Zero(t, st.Pending)
}

func TestStopAfterCanceledContext(t *testing.T) {
	tr := &mockTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	b := New(tr, Config{MaxBatchSize: 100, FlushEvery: time.Hour})
	require.NoError(t, b.Start(ctx))

	b.Add(obs(1))
	cancel()

	require.NoError(t, b.Stop())
	assert.Equal(t, 1, tr.total())
}

func TestStopWithoutStart(t *testing.T) {
	tr := &mockTransport{}
	b := New(tr, Config{})
	b.Add(obs(1))

	require.NoError(t, b.Stop())
	assert.Equal(t, 1, tr.total())
}

func TestFailedSendsAreCounted(t *testing.T) {
	tr := &mockTransport{sendErr: errors.New("connection refused")}
	b := New(tr, Config{MaxBatchSize: 100, FlushEvery: time.Hour, Logger: zaptest.NewLogger(t)})

	b.Add(obs(1))
	b.Add(obs(2))
	err := b.Flush(context.Background())
	require.Error(t, err)

	st := b.Stats()
	assert.Equal(t, int64(2), st.Failed)
	assert.Zero(t, st.Sent)
}

func TestConcurrentAdds(t *testing.T) {
	tr := &mockTransport{delay: time.Millisecond}
	b := New(tr, Config{MaxBatchSize: 10, FlushEvery: 10 * time.Millisecond})
	require.NoError(t, b.Start(context.Background()))

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Add(obs(g*50 + i))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Stop())

	assert.Equal(t, 400, tr.total())
	assert.Equal(t, int64(400), b.Stats().Sent)
}
