package vtracer

import (
	"math"
	"time"
)

// IOOp names the direction of an I/O operation.
type IOOp string

const (
	OpRead  IOOp = "read"
	OpWrite IOOp = "write"
)

// UnknownSize marks a file operation whose byte count is not known.
const UnknownSize int64 = -1

// Extensions emits the common event shapes of a task runtime.
// It holds no state besides the tracer.
type Extensions struct {
	tracer *Tracer
}

// NewExtensions returns helpers bound to t.
func NewExtensions(t *Tracer) *Extensions {
	return &Extensions{tracer: t}
}

// TCPConnect records a connection attempt.
func (x *Extensions) TCPConnect(address, port, traceID string) {
	x.tracer.TraceWith(LevelInfo, TCPConnect, "TCP connection attempt",
		F("address", address, "port", port), traceID, "")
}

// TCPAccept records an accepted client.
func (x *Extensions) TCPAccept(client, traceID string) {
	x.tracer.TraceWith(LevelInfo, TCPAccept, "TCP client accepted",
		F("client", client), traceID, "")
}

// TCPClose records a closed connection.
func (x *Extensions) TCPClose(reason string, fields Fields, traceID string) {
	x.tracer.TraceWith(LevelInfo, TCPClose, "TCP connection closed",
		F("reason", reason).Merge(fields), traceID, "")
}

// IOOperation records a read or write of bytes that took duration.
// Any op other than OpRead is recorded as a write. Throughput in MiB/s is
// included only when duration is positive.
func (x *Extensions) IOOperation(op IOOp, bytes int64, duration time.Duration, traceID string) {
	if !x.tracer.IsEnabled() {
		return
	}
	typ := IOWrite
	if op == OpRead {
		typ = IORead
	}

	fields := F("bytes", bytes, "duration_ms", roundMillis(duration))
	if duration > 0 {
		mbps := float64(bytes) / duration.Seconds() / (1024 * 1024)
		fields = fields.With("throughput_mbps", math.Round(mbps*100)/100)
	}
	x.tracer.TraceWith(LevelDebug, typ, "I/O "+string(op)+" operation", fields, traceID, "")
}

// Spawn records that a task was handed to the runtime. An empty name is
// recorded as "anonymous".
func (x *Extensions) Spawn(taskName, traceID string) {
	if taskName == "" {
		taskName = "anonymous"
	}
	x.tracer.TraceWith(LevelInfo, TaskSpawn, "task spawn called",
		F("task_name", taskName), traceID, "")
}

// FileOperation records a file read or write. bytes is omitted when it is
// negative, see UnknownSize.
func (x *Extensions) FileOperation(op IOOp, filename string, bytes int64, traceID string) {
	typ := FileWrite
	if op == OpRead {
		typ = FileRead
	}

	fields := F("filename", filename)
	if bytes >= 0 {
		fields = fields.With("bytes", bytes)
	}
	x.tracer.TraceWith(LevelDebug, typ, "File "+string(op)+" operation", fields, traceID, "")
}

// UDPSend records an outgoing datagram.
func (x *Extensions) UDPSend(address string, bytes int, traceID string) {
	x.tracer.TraceWith(LevelDebug, UDPSend, "UDP datagram sent",
		F("address", address, "bytes", bytes), traceID, "")
}

// UDPReceive records an incoming datagram.
func (x *Extensions) UDPReceive(address string, bytes int, traceID string) {
	x.tracer.TraceWith(LevelDebug, UDPReceive, "UDP datagram received",
		F("address", address, "bytes", bytes), traceID, "")
}

// ProcessStart records a child process launch.
func (x *Extensions) ProcessStart(command string, pid int, traceID string) {
	x.tracer.TraceWith(LevelInfo, ProcessStart, "Process started",
		F("command", command, "pid", pid), traceID, "")
}

// ProcessEnd records a child process exit.
func (x *Extensions) ProcessEnd(command string, pid, exitCode int, traceID string) {
	level := LevelInfo
	if exitCode != 0 {
		level = LevelWarn
	}
	x.tracer.TraceWith(level, ProcessEnd, "Process exited",
		F("command", command, "pid", pid, "exit_code", exitCode), traceID, "")
}

// TimerStart records a timer being armed.
func (x *Extensions) TimerStart(name string, delay time.Duration, traceID string) {
	x.tracer.TraceWith(LevelDebug, TimerStart, "Timer started",
		F("timer", name, "delay_ms", roundMillis(delay)), traceID, "")
}

// TimerFire records a timer firing.
func (x *Extensions) TimerFire(name string, traceID string) {
	x.tracer.TraceWith(LevelDebug, TimerFire, "Timer fired",
		F("timer", name), traceID, "")
}
