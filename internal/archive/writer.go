package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var errWriterTerminated = errors.New("archive writer terminated")

// WriterProducer is an in-process Producer for hosts without an external zip
// binary. It walks a directory tree and writes a deflate-compressed zip
// stream through a pipe, so output is produced incrementally just like a
// subprocess's stdout.
type WriterProducer struct {
	logger *zap.Logger
	fs     afero.Fs

	pr     *io.PipeReader
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewWriterProducer prepares a producer archiving the contents of fs.
// fs should be rooted at the directory to archive, e.g. an
// afero.NewBasePathFs over it.
func NewWriterProducer(logger *zap.Logger, fs afero.Fs) *WriterProducer {
	return &WriterProducer{
		logger: logger,
		fs:     fs,
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine. Output bytes become available as the
// walk proceeds.
func (p *WriterProducer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.pr, p.pw = io.Pipe()

	p.logger.Debug("builtin archiver started")
	go p.run(ctx)
	return nil
}

func (p *WriterProducer) run(ctx context.Context) {
	defer close(p.done)

	err := p.writeArchive(ctx)
	p.err = err
	// Propagate the outcome to the reader: nil turns further reads into
	// io.EOF, an error surfaces on the next read.
	p.pw.CloseWithError(err)
	if err != nil && !errors.Is(err, errWriterTerminated) && ctx.Err() == nil {
		p.logger.Warn("builtin archiver failed", zap.Error(err))
	}
}

func (p *WriterProducer) writeArchive(ctx context.Context) error {
	zw := zip.NewWriter(p.pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	walkErr := afero.Walk(p.fs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == "." {
			return nil
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			// Opening a fifo or socket would block the walk forever.
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("zip header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(path)
		if info.IsDir() {
			header.Name += "/"
		} else {
			header.Method = zip.Deflate
		}

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", header.Name, err)
		}
		if info.IsDir() {
			return nil
		}

		f, err := p.fs.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()

		if _, err := io.Copy(entry, f); err != nil {
			return fmt.Errorf("write zip entry %s: %w", header.Name, err)
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

// Output returns the zip stream. Valid after a successful Start.
func (p *WriterProducer) Output() io.Reader {
	return p.pr
}

// Terminate stops the writer goroutine. Safe to call repeatedly and after
// the writer has already finished.
func (p *WriterProducer) Terminate() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	// Unblock a writer stuck in a pipe write waiting for a reader.
	p.pr.CloseWithError(errWriterTerminated)
}

// Wait blocks until the writer goroutine has stopped. It returns nil for a
// completed archive and the producing error otherwise; termination surfaces
// as a non-nil error since the archive is necessarily incomplete.
func (p *WriterProducer) Wait() error {
	<-p.done
	if p.cancel != nil {
		p.cancel()
	}
	return p.err
}
