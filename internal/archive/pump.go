package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Pump drains a started Producer into a destination writer in chunks of at
// most ChunkSize bytes, optionally pausing between chunks, and guarantees
// the producer is terminated and reaped on every exit path: normal
// completion, consumer cancellation and read/write failure alike.
type Pump struct {
	// Logger traces per-chunk progress. Nil disables logging.
	Logger *zap.Logger

	// ChunkSize caps the bytes read and written per iteration. Required.
	ChunkSize int

	// Delay is an artificial pause between successive chunk writes.
	// Zero disables the throttle.
	Delay time.Duration
}

// Run streams the producer's output into dst until end of stream. The
// producer must already have been started; from here on the pump owns it and
// will terminate and reap it before returning, whatever way the loop exits.
//
// Each chunk is fully written before the next one is read, so dst observes
// producer order and never sees a write larger than ChunkSize. When a delay
// is configured the pump sleeps between successive writes; the sleep, like
// the reads and writes around it, is cut short by ctx cancellation.
//
// Cancellation and I/O failures are returned to the caller after producer
// cleanup, never swallowed: a cancelled consumer yields an error satisfying
// errors.Is(err, context.Canceled).
func (p *Pump) Run(ctx context.Context, producer Producer, dst io.Writer) (written int64, err error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// A consumer that goes away must interrupt a read blocked on the
	// producer, and terminating the producer is what unblocks it.
	stopKill := context.AfterFunc(ctx, producer.Terminate)
	defer stopKill()

	defer func() {
		producer.Terminate()
		if waitErr := producer.Wait(); waitErr != nil && err == nil && ctx.Err() == nil {
			// The stream looked healthy, so the consumer received a
			// complete-looking body from an archiver that reported failure.
			logger.Warn("archiver exited abnormally after stream end", zap.Error(waitErr))
		}
	}()

	if p.ChunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", p.ChunkSize)
	}

	cancelled := func(cause error) error {
		logger.Warn("download interrupted", zap.Int64("bytes_written", written))
		return fmt.Errorf("stream cancelled: %w", cause)
	}

	src := producer.Output()
	buf := make([]byte, p.ChunkSize)
	chunk := 0

	for {
		if cerr := ctx.Err(); cerr != nil {
			return written, cancelled(cerr)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk++
			logger.Debug("sending archive chunk", zap.Int("chunk", chunk), zap.Int("size", n))

			nw, writeErr := dst.Write(buf[:n])
			written += int64(nw)
			if writeErr != nil {
				if cerr := ctx.Err(); cerr != nil {
					return written, cancelled(cerr)
				}
				return written, fmt.Errorf("write response: %w", writeErr)
			}
			if nw < n {
				return written, fmt.Errorf("write response: %w", io.ErrShortWrite)
			}
		}

		if readErr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return written, cancelled(cerr)
			}
			if errors.Is(readErr, io.EOF) {
				logger.Debug("archive stream complete",
					zap.Int("chunks", chunk),
					zap.Int64("bytes_written", written),
				)
				return written, nil
			}
			return written, fmt.Errorf("read archive stream: %w", readErr)
		}

		if p.Delay > 0 && n > 0 {
			logger.Debug("waiting between chunks", zap.Duration("delay", p.Delay))
			timer := time.NewTimer(p.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				// The next loop iteration reports the cancellation.
			}
		}
	}
}
