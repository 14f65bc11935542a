package vtracer

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var fixedTime = time.Date(2026, 3, 14, 9, 26, 53, 589_793_000, time.UTC)

func fixedEvent(fields Fields) Event {
	return newEvent(fixedTime, func() string { return "generated" },
		LevelError, TaskError, "Generator error in: job", fields, "trace_1", "task_1")
}

func TestNewEventGeneratesIDs(t *testing.T) {
	e := NewEvent(LevelInfo, TaskSpawn, "hello", nil, "", "")

	if !strings.HasPrefix(e.TraceID(), "trace_") || len(e.TraceID()) <= len("trace_") {
		t.Errorf("Unexpected trace id %q", e.TraceID())
	}
	if !strings.HasPrefix(e.TaskID(), "task_") || len(e.TaskID()) <= len("task_") {
		t.Errorf("Unexpected task id %q", e.TaskID())
	}
	if time.Since(e.Timestamp()) > time.Minute {
		t.Errorf("Expected current timestamp, got %v", e.Timestamp())
	}
}

func TestNewEventKeepsSuppliedIDs(t *testing.T) {
	e := fixedEvent(nil)
	if e.TraceID() != "trace_1" || e.TaskID() != "task_1" {
		t.Errorf("Expected supplied ids, got %s/%s", e.TraceID(), e.TaskID())
	}
}

func TestEventIsImmutable(t *testing.T) {
	fields := F("code", 42, "nested", F("k", "v"))
	e := fixedEvent(fields)

	fields[0].Value = Int(0)
	if v, _ := e.Field("code"); v.Int64() != 42 {
		t.Error("Expected event to be unaffected by later changes to the input context")
	}

	got := e.Fields()
	got[0].Value = Int(1)
	nested, _ := e.Field("nested")
	inner := nested.Fields()
	inner[0].Value = String("changed")

	if v, _ := e.Field("code"); v.Int64() != 42 {
		t.Error("Expected event to be unaffected by changes to returned context")
	}
	again, _ := e.Field("nested")
	if v, _ := again.Fields().Get("k"); v.Str() != "v" {
		t.Error("Expected nested context to be unaffected by changes to returned copies")
	}
}

func TestEventRecordKeysInOrder(t *testing.T) {
	e := fixedEvent(F("code", 42))

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `{"timestamp":` + "1773480413.589793" +
		`,"datetime":"2026-03-14 09:26:53.589","trace_id":"trace_1","task_id":"task_1",` +
		`"level":"ERROR","type":"TASK_ERROR","message":"Generator error in: job","context":{"code":42}}`
	if string(data) != want {
		t.Errorf("Unexpected record:\n got %s\nwant %s", data, want)
	}
}

func TestEventJSONIsIndented(t *testing.T) {
	e := fixedEvent(F("path", "a/<b>&c"))

	data, err := e.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	text := string(data)

	if !strings.HasPrefix(text, "{\n    \"timestamp\": ") {
		t.Errorf("Expected 4-space indentation, got %q", text)
	}
	if strings.HasSuffix(text, "\n") {
		t.Error("Expected no trailing newline")
	}
	if !strings.Contains(text, `"path": "a/<b>&c"`) {
		t.Errorf("Expected unescaped context string, got %s", text)
	}
	if !strings.Contains(text, "\n        \"path\"") {
		t.Errorf("Expected nested context indentation, got %s", text)
	}
}

func TestEventEmptyContextIsObject(t *testing.T) {
	data, err := json.Marshal(fixedEvent(nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.HasSuffix(string(data), `"context":{}}`) {
		t.Errorf("Expected empty context object, got %s", data)
	}
}

func TestEventRecordDecodes(t *testing.T) {
	data, err := fixedEvent(F("code", 42, "ok", false)).JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if rec.Level != LevelError || rec.Type != TaskError {
		t.Errorf("Expected ERROR/TASK_ERROR, got %s/%s", rec.Level, rec.Type)
	}
	if !rec.Context.Equal(F("code", 42, "ok", false)) {
		t.Errorf("Unexpected context %s", Map(rec.Context))
	}
}
