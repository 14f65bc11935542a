package vtracer

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

const consoleTimeLayout = "15:04:05.000"

var levelAttributes = [...]color.Attribute{
	LevelDebug:    color.FgCyan,
	LevelInfo:     color.FgGreen,
	LevelWarn:     color.FgYellow,
	LevelError:    color.FgRed,
	LevelCritical: color.FgMagenta,
}

// ConsoleHandler renders events as human-readable lines:
//
//	[15:04:05.000] ERROR    TASK_ERROR      Generator error in: job
//	    Context: {"error":"boom","step":3}
//
// Each level has its own color. Safe for concurrent use.
type ConsoleHandler struct {
	out    io.Writer
	logger *slog.Logger
	colors []*color.Color
	filter LevelFilter
	mu     sync.Mutex
}

// NewConsoleHandler creates a console handler writing to color.Output
// unless WithOutput is given.
func NewConsoleHandler(opts ...HandlerOption) *ConsoleHandler {
	cfg := newHandlerConfig(opts)
	out := cfg.output
	if out == nil {
		out = color.Output
	}

	h := &ConsoleHandler{
		out:    out,
		logger: cfg.logger,
		filter: NewLevelFilter(cfg.minLevel),
	}
	if cfg.color {
		h.colors = make([]*color.Color, len(levelAttributes))
		for i, attr := range levelAttributes {
			c := color.New(attr)
			// Forced on: the handler decides, not terminal detection.
			c.EnableColor()
			h.colors[i] = c
		}
	}
	return h
}

// MinLevel returns the handler's threshold.
func (h *ConsoleHandler) MinLevel() Level { return h.filter.MinLevel() }

// Handle writes the event if it passes the level filter.
func (h *ConsoleHandler) Handle(event Event) {
	if !h.filter.Allows(event.Level()) {
		return
	}

	var buf bytes.Buffer
	line := fmt.Sprintf("[%s] %-8s %-15s %s",
		event.Timestamp().Format(consoleTimeLayout),
		event.Level(),
		event.Type(),
		event.Message(),
	)
	buf.WriteString(h.paint(event.Level(), line))
	buf.WriteByte('\n')

	if event.fields.Len() > 0 {
		ctx, err := event.fields.MarshalJSON()
		if err != nil {
			ctx = []byte(fmt.Sprintf("!ERROR:%v", err))
		}
		buf.WriteString(h.paint(event.Level(), "    Context: "+string(ctx)))
		buf.WriteByte('\n')
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write(buf.Bytes()); err != nil {
		h.logger.Warn("vtracer: console write failed", "error", err)
	}
}

func (h *ConsoleHandler) paint(level Level, s string) string {
	if h.colors == nil || int(level) >= len(h.colors) {
		return s
	}
	return h.colors[level].Sprint(s)
}
