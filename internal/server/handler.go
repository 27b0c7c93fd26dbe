// Package server exposes photo directories as streamed zip downloads over
// HTTP: an index page at /, one archive per directory under /archive/{hash}/,
// and a liveness probe at /healthz.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zipserve/zipserve/internal/archive"
	"github.com/zipserve/zipserve/internal/logging"
)

// notFoundMessage is the exact body returned for a missing archive; clients
// display it verbatim.
const notFoundMessage = "Archive does not exist or was deleted."

// ProducerFactory builds one archive producer per request for the directory
// at dir. The handler never reuses a producer across requests.
type ProducerFactory func(logger *zap.Logger, dir string) archive.Producer

// Handler serves the three routes of the archive service. Construct it
// through New; the zero value is not usable.
type Handler struct {
	root      afero.Fs // rooted at the catalog, existence checks only
	rootDir   string   // host path of the catalog, producer working dirs
	static    afero.Fs
	indexFile string

	chunkSize   int
	delay       time.Duration
	newProducer ProducerFactory
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	logger := logging.Logger(r.Context())

	// Read per request rather than at startup so the page can be edited
	// under a running server.
	contents, err := afero.ReadFile(h.static, h.indexFile)
	if err != nil {
		logger.Error("read index page", zap.String("path", h.indexFile), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(contents); err != nil {
		logger.Debug("write index page", zap.Error(err))
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	logger := logging.Logger(r.Context()).With(zap.String("archive", hash))

	exists, err := afero.DirExists(h.root, hash)
	if err != nil {
		logger.Error("check archive directory", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !exists {
		logger.Info("archive directory missing")
		http.Error(w, notFoundMessage, http.StatusNotFound)
		return
	}

	producer := h.newProducer(logger, filepath.Join(h.rootDir, hash))
	if err := producer.Start(r.Context()); err != nil {
		logger.Error("start archiver", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if cp, ok := producer.(*archive.CommandProducer); ok {
		logger = logger.With(zap.Int("pid", cp.Pid()))
	}

	// Existing clients depend on this Content-Type, wrong as it is.
	w.Header().Set("Content-Type", "multipart/form-data")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", hash+".zip"))

	pump := archive.Pump{Logger: logger, ChunkSize: h.chunkSize, Delay: h.delay}
	dst := &flushWriter{w: w, rc: http.NewResponseController(w)}

	written, err := pump.Run(r.Context(), producer, dst)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("archive download cancelled", zap.Int64("bytes_written", written))
			return
		}
		logger.Error("archive stream failed", zap.Int64("bytes_written", written), zap.Error(err))
		// Headers are long gone; aborting the connection is the only way
		// left to signal that the body is truncated.
		panic(http.ErrAbortHandler)
	}

	logger.Info("archive streamed", zap.Int64("bytes_written", written))
}

// flushWriter pushes every chunk onto the wire as soon as it is written, so
// a throttled stream trickles to the client instead of sitting in server
// buffers.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := fw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, fmt.Errorf("flush response: %w", err)
	}
	return n, nil
}
