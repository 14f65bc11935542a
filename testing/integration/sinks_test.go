package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vosaka/vtracer"
)

func decodeJSONRecords(t *testing.T, path string) []vtracer.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []vtracer.Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec vtracer.Record
		require.NoError(t, dec.Decode(&rec))
		records = append(records, rec)
	}
	return records
}

// TestSinksReceiveTheirLevels routes one workload to a console, a JSON file
// and a buffered msgpack file with different minimum levels.
func TestSinksReceiveTheirLevels(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	jsonSink, err := vtracer.NewFileHandler(filepath.Join(dir, "trace.log"), vtracer.WithMinLevel(vtracer.LevelInfo))
	require.NoError(t, err)
	packSink, err := vtracer.NewMsgpackFileHandler(filepath.Join(dir, "trace.msgpack"), vtracer.WithMinLevel(vtracer.LevelWarn))
	require.NoError(t, err)
	buffered := vtracer.NewCollector("msgpack", 64, vtracer.ForwardTo(packSink))

	tracer, rec := NewTracer(t)
	tracer.
		AddHandler(vtracer.NewConsoleHandler(vtracer.WithOutput(&console), vtracer.WithColor(false))).
		AddHandler(jsonSink).
		AddHandler(buffered)

	ext := vtracer.NewExtensions(tracer)
	id := tracer.StartTrace("job", vtracer.F("attempt", 1))
	ext.TCPConnect("127.0.0.1", "8099", id)
	ext.IOOperation(vtracer.OpRead, 2048, 0, id)
	ext.ProcessEnd("worker", 42, 3, id)
	tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "job failed", vtracer.F("code", 7), id, "")
	tracer.EndTrace(id, vtracer.F("error", true))

	buffered.Close()
	require.NoError(t, packSink.Close())
	require.NoError(t, jsonSink.Close())

	all := rec.Events()
	require.Len(t, all, 6)

	// Console: everything, one header line each plus a context line for
	// non-empty contexts.
	assert.Equal(t, 6, strings.Count(console.String(), "\n    Context: "))

	records := decodeJSONRecords(t, filepath.Join(dir, "trace.log"))
	var got []string
	for _, r := range records {
		got = append(got, r.Message)
		assert.Equal(t, id, r.TraceID)
	}
	assert.Equal(t, []string{"TCP connection attempt", "Process exited", "job failed"}, got)

	data, err := os.ReadFile(filepath.Join(dir, "trace.msgpack"))
	require.NoError(t, err)
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	var levels []string
	for {
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			break
		}
		levels = append(levels, v.(map[string]interface{})["level"].(string))
	}
	assert.Equal(t, []string{"WARN", "ERROR"}, levels)
	assert.Zero(t, buffered.DroppedCount())
}

// TestFailingSinkDoesNotStarveOthers installs a panicking handler between
// two healthy ones.
func TestFailingSinkDoesNotStarveOthers(t *testing.T) {
	var logs bytes.Buffer
	tracer, rec := NewTracer(t, vtracer.WithLogger(newTextLogger(&logs)))
	after := NewEventRecorder(t)
	tracer.
		AddHandler(vtracer.HandlerFunc(func(vtracer.Event) { panic(errors.New("sink exploded")) })).
		AddHandler(after)

	for i := 0; i < 5; i++ {
		tracer.Trace(vtracer.LevelInfo, vtracer.TaskResume, "tick", vtracer.F("n", i))
	}

	assert.Len(t, rec.Events(), 5)
	assert.Len(t, after.Events(), 5)
	assert.Contains(t, logs.String(), "sink exploded")
}

// TestConcurrentProducersShareSinks drives the tracer from many goroutines
// and checks that the file holds whole records only.
func TestConcurrentProducersShareSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	file, err := vtracer.NewFileHandler(path)
	require.NoError(t, err)

	tracer, rec := NewTracer(t)
	tracer.AddHandler(file)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tracer.StartTrace("worker", vtracer.F("worker", w))
			for i := 0; i < perWorker; i++ {
				tracer.TraceWith(vtracer.LevelInfo, vtracer.TaskResume, "step", vtracer.F("i", i), id, "")
			}
			tracer.EndTrace(id, nil)
		}()
	}
	wg.Wait()
	require.NoError(t, file.Close())

	assert.Len(t, rec.Events(), workers*(perWorker+2))
	assert.Zero(t, tracer.ActiveTraceCount())
	assert.Len(t, decodeJSONRecords(t, path), workers*(perWorker+2))
}

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}
