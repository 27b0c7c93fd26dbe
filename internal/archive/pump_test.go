package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zipserve/zipserve/internal/archive"
)

// fakeProducer satisfies archive.Producer with a canned output stream and
// records the order of lifecycle calls.
type fakeProducer struct {
	output      io.Reader
	waitErr     error
	onTerminate func()

	mu            sync.Mutex
	calls         []string
	terminateOnce sync.Once
}

func (f *fakeProducer) Start(ctx context.Context) error { return nil }

func (f *fakeProducer) Output() io.Reader { return f.output }

func (f *fakeProducer) Terminate() {
	f.mu.Lock()
	f.calls = append(f.calls, "terminate")
	f.mu.Unlock()
	f.terminateOnce.Do(func() {
		if f.onTerminate != nil {
			f.onTerminate()
		}
	})
}

func (f *fakeProducer) Wait() error {
	f.mu.Lock()
	f.calls = append(f.calls, "wait")
	f.mu.Unlock()
	return f.waitErr
}

func (f *fakeProducer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// requireCleanedUp asserts the pump terminated the producer before reaping
// it, and reaped it exactly once.
func requireCleanedUp(t *testing.T, producer *fakeProducer) {
	t.Helper()
	calls := producer.callLog()
	termIdx := slices.Index(calls, "terminate")
	waitIdx := slices.Index(calls, "wait")
	require.NotEqual(t, -1, termIdx, "producer was never terminated: %v", calls)
	require.NotEqual(t, -1, waitIdx, "producer was never reaped: %v", calls)
	require.Less(t, termIdx, waitIdx, "producer reaped before terminate: %v", calls)
	require.Equal(t, 1, countCalls(calls, "wait"), "producer reaped more than once: %v", calls)
}

func countCalls(calls []string, name string) int {
	count := 0
	for _, c := range calls {
		if c == name {
			count++
		}
	}
	return count
}

// chunkRecorder keeps a copy of every write it receives and when it arrived.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
	stamps []time.Time

	failOn  int // 1-based write index to fail at, 0 disables
	failErr error
}

func (r *chunkRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn > 0 && len(r.chunks)+1 == r.failOn {
		return 0, r.failErr
	}
	r.chunks = append(r.chunks, slices.Clone(p))
	r.stamps = append(r.stamps, time.Now())
	return len(p), nil
}

func (r *chunkRecorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.chunks))
	for i, c := range r.chunks {
		sizes[i] = len(c)
	}
	return sizes
}

func (r *chunkRecorder) joined() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Join(r.chunks, nil)
}

// scriptedReader plays back predefined reads, then EOF.
type scriptedReader struct {
	reads [][]byte
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.reads[0])
	s.reads = s.reads[1:]
	return n, nil
}

// blockingReader blocks every read until released, then reports EOF.
type blockingReader struct {
	release chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.release
	return 0, io.EOF
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestPumpRunChunksInOrder(t *testing.T) {
	input := pattern(1200)
	producer := &fakeProducer{output: bytes.NewReader(input)}
	dst := &chunkRecorder{}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(t.Context(), producer, dst)

	require.NoError(t, err)
	assert.Equal(t, int64(1200), written)
	assert.Equal(t, []int{500, 500, 200}, dst.sizes())
	assert.Equal(t, input, dst.joined())
	requireCleanedUp(t, producer)
}

func TestPumpRunPreservesShortReads(t *testing.T) {
	producer := &fakeProducer{
		output: &scriptedReader{reads: [][]byte{[]byte("abc"), []byte("de")}},
	}
	dst := &chunkRecorder{}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(t.Context(), producer, dst)

	require.NoError(t, err)
	assert.Equal(t, int64(5), written)
	assert.Equal(t, []int{3, 2}, dst.sizes())
	assert.Equal(t, []byte("abcde"), dst.joined())
	requireCleanedUp(t, producer)
}

func TestPumpRunEmptyStream(t *testing.T) {
	producer := &fakeProducer{output: bytes.NewReader(nil)}
	dst := &chunkRecorder{}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(t.Context(), producer, dst)

	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Empty(t, dst.sizes())
	requireCleanedUp(t, producer)
}

func TestPumpRunRejectsInvalidChunkSize(t *testing.T) {
	producer := &fakeProducer{output: bytes.NewReader(pattern(10))}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 0}
	written, err := pump.Run(t.Context(), producer, &chunkRecorder{})

	require.ErrorContains(t, err, "chunk size")
	assert.Zero(t, written)
	requireCleanedUp(t, producer)
}

func TestPumpRunDelaysBetweenChunks(t *testing.T) {
	const delay = 30 * time.Millisecond

	producer := &fakeProducer{output: bytes.NewReader(pattern(40))}
	dst := &chunkRecorder{}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 10, Delay: delay}
	start := time.Now()
	written, err := pump.Run(t.Context(), producer, dst)

	require.NoError(t, err)
	assert.Equal(t, int64(40), written)
	require.Equal(t, []int{10, 10, 10, 10}, dst.sizes())
	for i := 1; i < len(dst.stamps); i++ {
		gap := dst.stamps[i].Sub(dst.stamps[i-1])
		assert.GreaterOrEqual(t, gap, delay, "chunks %d and %d arrived too close", i-1, i)
	}
	assert.GreaterOrEqual(t, time.Since(start), 3*delay)
	requireCleanedUp(t, producer)
}

func TestPumpRunCancelDuringRead(t *testing.T) {
	release := make(chan struct{})
	producer := &fakeProducer{
		output:      &blockingReader{release: release},
		onTerminate: func() { close(release) },
	}

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(ctx, producer, &chunkRecorder{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, written)
	requireCleanedUp(t, producer)
}

func TestPumpRunCancelDuringDelay(t *testing.T) {
	producer := &fakeProducer{output: bytes.NewReader(pattern(500))}
	dst := &chunkRecorder{}

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500, Delay: time.Hour}
	start := time.Now()
	written, err := pump.Run(ctx, producer, dst)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(500), written)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation did not cut the delay short")
	requireCleanedUp(t, producer)
}

func TestPumpRunWriteError(t *testing.T) {
	errBroken := errors.New("broken pipe")
	producer := &fakeProducer{output: bytes.NewReader(pattern(1200))}
	dst := &chunkRecorder{failOn: 2, failErr: errBroken}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(t.Context(), producer, dst)

	require.ErrorContains(t, err, "write response")
	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, int64(500), written)
	requireCleanedUp(t, producer)
}

func TestPumpRunReadError(t *testing.T) {
	errBoom := errors.New("archiver blew up")
	producer := &fakeProducer{
		output: io.MultiReader(bytes.NewReader(pattern(500)), &errorReader{err: errBoom}),
	}
	dst := &chunkRecorder{}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(t.Context(), producer, dst)

	require.ErrorContains(t, err, "read archive stream")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(500), written)
	requireCleanedUp(t, producer)
}

type errorReader struct {
	err error
}

func (e *errorReader) Read(p []byte) (int, error) { return 0, e.err }

func TestPumpRunToleratesFailedExitAfterStream(t *testing.T) {
	producer := &fakeProducer{
		output:  bytes.NewReader(pattern(100)),
		waitErr: errors.New("exit status 12"),
	}
	dst := &chunkRecorder{}

	pump := archive.Pump{Logger: zap.NewNop(), ChunkSize: 500}
	written, err := pump.Run(t.Context(), producer, dst)

	// The consumer already received a complete stream; a late non-zero
	// exit is logged, not surfaced.
	require.NoError(t, err)
	assert.Equal(t, int64(100), written)
	requireCleanedUp(t, producer)
}
