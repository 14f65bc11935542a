// Package vtracer provides structured event tracing for asynchronous task
// runtimes.
//
// vtracer records discrete lifecycle events (task spawn, yield, completion,
// errors, I/O, network, file, process and timer operations) tagged with
// correlation identifiers and fans them out to pluggable handlers. It is an
// in-process, best-effort event log. Events belonging to the same logical
// operation share a trace id; nesting is expressed by convention through a
// parent_trace field, not by an enforced tree.
//
// Core Components:
//   - Tracer: dispatches events to handlers and tracks active traces.
//   - Event: immutable record of one occurrence.
//   - Handler: sink capability (ConsoleHandler, FileHandler, MsgpackHandler, Collector).
//   - Observe: instruments a lazily produced Sequence step by step.
//   - Extensions: helpers for common event shapes.
//
// Basic Usage:
//
//	tracer := vtracer.New()
//	defer tracer.Close()
//
//	tracer.AddHandler(vtracer.NewConsoleHandler(vtracer.WithMinLevel(vtracer.LevelInfo)))
//
//	id := tracer.StartTrace("handle_client", vtracer.F("client_id", 7))
//	defer tracer.EndTrace(id, nil)
//
//	tracer.TraceWith(vtracer.LevelInfo, vtracer.TCPAccept, "client accepted", nil, id, "")
//
// Thread Safety:
//
// Tracer is safe for concurrent use by multiple goroutines. Handlers shipped
// with this package serialize their own output. An Observed sequence has a
// single consumer and must not be driven from several goroutines at once.
//
// Active Traces:
//
// Traces that are started but never ended stay in the registry until
// ClearActiveTraces is called. Abandoned instrumented sequences leave such
// entries behind. WithStaleTraceSweep enables a periodic sweep that
// force-ends entries older than a maximum age.
package vtracer

import (
	"fmt"
	"strings"
)

// Level is the severity of an event.
// Levels are totally ordered: DEBUG < INFO < WARN < ERROR < CRITICAL.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelNames = [...]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarn:     "WARN",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

// String returns the upper-case level name.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", uint8(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name, ignoring case.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelDebug, fmt.Errorf("vtracer: unknown level %q", s)
}

// EventType is the category of an event. The catalog is closed.
type EventType uint8

const (
	TaskSpawn EventType = iota
	TaskResume
	TaskYield
	TaskComplete
	TaskError
	IORead
	IOWrite
	TCPConnect
	TCPAccept
	TCPClose
	UDPSend
	UDPReceive
	FileRead
	FileWrite
	ProcessStart
	ProcessEnd
	TimerStart
	TimerFire
)

var eventTypeNames = [...]string{
	TaskSpawn:    "TASK_SPAWN",
	TaskResume:   "TASK_RESUME",
	TaskYield:    "TASK_YIELD",
	TaskComplete: "TASK_COMPLETE",
	TaskError:    "TASK_ERROR",
	IORead:       "IO_READ",
	IOWrite:      "IO_WRITE",
	TCPConnect:   "TCP_CONNECT",
	TCPAccept:    "TCP_ACCEPT",
	TCPClose:     "TCP_CLOSE",
	UDPSend:      "UDP_SEND",
	UDPReceive:   "UDP_RECEIVE",
	FileRead:     "FILE_READ",
	FileWrite:    "FILE_WRITE",
	ProcessStart: "PROCESS_START",
	ProcessEnd:   "PROCESS_END",
	TimerStart:   "TIMER_START",
	TimerFire:    "TIMER_FIRE",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EVENT_TYPE(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(text []byte) error {
	name := string(text)
	for i, n := range eventTypeNames {
		if n == name {
			*t = EventType(i)
			return nil
		}
	}
	return fmt.Errorf("vtracer: unknown event type %q", name)
}
