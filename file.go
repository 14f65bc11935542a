package vtracer

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileHandler appends each accepted event to a file as its serialized
// JSON form followed by a newline. Every record is flushed before Handle
// returns, so it suits low-frequency paths; put a Collector in front of it
// for hot paths.
type FileHandler struct {
	file      *os.File
	w         *bufio.Writer
	logger    *slog.Logger
	path      string
	filter    LevelFilter
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// NewFileHandler opens path for appending, creating it if needed.
// The returned error wraps ErrSinkUnavailable when the file cannot be opened.
func NewFileHandler(path string, opts ...HandlerOption) (*FileHandler, error) {
	cfg := newHandlerConfig(opts)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open trace file %s: %w", ErrSinkUnavailable, path, err)
	}

	return &FileHandler{
		file:   f,
		w:      bufio.NewWriter(f),
		logger: cfg.logger,
		path:   path,
		filter: NewLevelFilter(cfg.minLevel),
	}, nil
}

// Path returns the file path.
func (h *FileHandler) Path() string { return h.path }

// MinLevel returns the handler's threshold.
func (h *FileHandler) MinLevel() Level { return h.filter.MinLevel() }

// Handle appends the event if it passes the level filter.
// Write failures are logged and dropped.
func (h *FileHandler) Handle(event Event) {
	if !h.filter.Allows(event.Level()) {
		return
	}

	data, err := event.JSON()
	if err != nil {
		h.logger.Warn("vtracer: encode trace record", "error", err, "trace_id", event.TraceID())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if _, err := h.w.Write(data); err != nil {
		h.logger.Warn("vtracer: write trace file", "path", h.path, "error", err)
		h.w.Reset(h.file)
		return
	}
	if err := h.w.WriteByte('\n'); err != nil {
		h.logger.Warn("vtracer: write trace file", "path", h.path, "error", err)
		h.w.Reset(h.file)
		return
	}
	if err := h.w.Flush(); err != nil {
		h.logger.Warn("vtracer: flush trace file", "path", h.path, "error", err)
		h.w.Reset(h.file)
	}
}

// Close flushes and releases the file. Only the first call has an effect;
// later calls return the first call's result.
func (h *FileHandler) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.closed = true
		flushErr := h.w.Flush()
		closeErr := h.file.Close()
		if flushErr != nil {
			h.closeErr = flushErr
		} else {
			h.closeErr = closeErr
		}
	})
	return h.closeErr
}
