package vtracer

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackHandler writes each accepted event as one msgpack map holding the
// canonical record. The context keeps its key order. Records are written
// back to back, so a msgpack.Decoder reads them in sequence.
type MsgpackHandler struct {
	enc    *msgpack.Encoder
	closer io.Closer
	logger *slog.Logger
	filter LevelFilter
	mu     sync.Mutex
	once   sync.Once
	closed bool
}

// NewMsgpackHandler creates a handler writing to w.
func NewMsgpackHandler(w io.Writer, opts ...HandlerOption) *MsgpackHandler {
	cfg := newHandlerConfig(opts)
	return &MsgpackHandler{
		enc:    msgpack.NewEncoder(w),
		logger: cfg.logger,
		filter: NewLevelFilter(cfg.minLevel),
	}
}

// NewMsgpackFileHandler opens path for appending and writes records there.
// The returned error wraps ErrSinkUnavailable when the file cannot be opened.
func NewMsgpackFileHandler(path string, opts ...HandlerOption) (*MsgpackHandler, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open trace file %s: %w", ErrSinkUnavailable, path, err)
	}
	h := NewMsgpackHandler(f, opts...)
	h.closer = f
	return h, nil
}

// Handle encodes the event if it passes the level filter.
func (h *MsgpackHandler) Handle(event Event) {
	if !h.filter.Allows(event.Level()) {
		return
	}
	record := event.Record()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if err := h.enc.Encode(&record); err != nil {
		h.logger.Warn("vtracer: encode msgpack record", "error", err, "trace_id", event.TraceID())
	}
}

// Close releases the underlying file, if the handler owns one.
func (h *MsgpackHandler) Close() error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		if h.closer != nil {
			err = h.closer.Close()
		}
	})
	return err
}

var _ msgpack.CustomEncoder = (*Record)(nil)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (r *Record) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(8); err != nil {
		return err
	}
	pairs := []struct {
		key   string
		value Value
	}{
		{"timestamp", Float(r.Timestamp)},
		{"datetime", String(r.Datetime)},
		{"trace_id", String(r.TraceID)},
		{"task_id", String(r.TaskID)},
		{"level", String(r.Level.String())},
		{"type", String(r.Type.String())},
		{"message", String(r.Message)},
		{"context", Value{kind: KindFields, fields: r.Context}},
	}
	for _, p := range pairs {
		if err := enc.EncodeString(p.key); err != nil {
			return err
		}
		if err := p.value.encodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

func (v Value) encodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case KindString:
		return enc.EncodeString(v.str)
	case KindInt:
		return enc.EncodeInt(v.num)
	case KindFloat:
		if math.IsNaN(v.flt) || math.IsInf(v.flt, 0) {
			return enc.EncodeNil()
		}
		return enc.EncodeFloat64(v.flt)
	case KindBool:
		return enc.EncodeBool(v.Bool())
	case KindFields:
		if err := enc.EncodeMapLen(len(v.fields)); err != nil {
			return err
		}
		for _, field := range v.fields {
			if err := enc.EncodeString(field.Key); err != nil {
				return err
			}
			if err := field.Value.encodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	case KindList:
		if err := enc.EncodeArrayLen(len(v.list)); err != nil {
			return err
		}
		for _, item := range v.list {
			if err := item.encodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	}
	return enc.EncodeNil()
}
