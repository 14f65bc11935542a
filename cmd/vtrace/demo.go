package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/vosaka/vtracer"
	"github.com/vosaka/vtracer/internal/echo"
	"github.com/vosaka/vtracer/spawn"
)

var errSimulated = errors.New("simulated error occurred")

type demoOptions struct {
	addr      string
	messages  int
	timerStep time.Duration
	stepDelay time.Duration
	fail      bool
}

// demoSummary is what the demo prints once every workload has finished.
type demoSummary struct {
	Numbers     int
	NumbersSum  int
	FileBytes   int
	TimersFired int
	Recovered   bool
	Replies     []string
}

func newDemoCmd(opts *rootOptions) *cobra.Command {
	d := demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run traced sample workloads and an echo session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tracer, closeFn, err := opts.buildTracer()
			if err != nil {
				return err
			}
			defer closeFn()

			sum, err := runDemo(cmd.Context(), tracer, d, opts)
			if err != nil {
				return err
			}
			printSummary(opts.stdout, sum)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&d.addr, "addr", "127.0.0.1:0", "echo server address for the session")
	flags.IntVarP(&d.messages, "messages", "n", 3, "messages the demo client sends")
	flags.DurationVar(&d.timerStep, "timer-step", 20*time.Millisecond, "delay unit of the timer workload")
	flags.DurationVar(&d.stepDelay, "step-delay", time.Millisecond, "simulated duration of each echo processing step")
	flags.BoolVar(&d.fail, "fail", false, "make the error handling workload fail and recover")
	return cmd
}

func runDemo(ctx context.Context, tracer *vtracer.Tracer, d demoOptions, opts *rootOptions) (*demoSummary, error) {
	ext := vtracer.NewExtensions(tracer)
	sum := &demoSummary{}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	tracer.Trace(vtracer.LevelInfo, vtracer.TaskSpawn, "Tracer setup completed successfully", vtracer.F(
		"timestamp", tracer.Clock().Now().Format(time.DateTime),
		"memory_usage", mem.HeapAlloc,
		"goroutines", runtime.NumGoroutine(),
	))

	ctx, demoTrace := tracer.StartTraceContext(ctx, "demo", nil)
	defer tracer.EndTrace(demoTrace, nil)

	group, _ := spawn.NewGroup(ctx, tracer)

	numbers := spawn.Spawn(group, "number_generator", vtracer.Generate(countSquares(5)),
		vtracer.F("limit", 5), func(int) error {
			sum.Numbers++
			return nil
		})

	group.Go("file_operations", func(ctx context.Context) error {
		n, err := fileOperations(ctx, tracer, ext)
		sum.FileBytes = n
		return err
	})

	for i := 1; i <= 3; i++ {
		group.Go(fmt.Sprintf("timer_%d", i), func(ctx context.Context) error {
			return runTimer(ctx, tracer, ext, i, d.timerStep)
		})
	}

	group.Go("error_handling_demo", func(ctx context.Context) error {
		ok, err := errorHandling(ctx, tracer, 3, d.fail)
		sum.Recovered = ok
		return err
	})

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("demo workloads: %w", err)
	}
	sum.TimersFired = 3
	sum.NumbersSum, _ = numbers.Result()

	replies, err := echoSession(ctx, tracer, d, opts)
	if err != nil {
		return nil, err
	}
	sum.Replies = replies
	return sum, nil
}

// countSquares yields the first n squares and returns their sum.
func countSquares(n int) func(yield func(int) bool) (int, error) {
	return func(yield func(int) bool) (int, error) {
		total := 0
		for i := 1; i <= n; i++ {
			sq := i * i
			total += sq
			if !yield(sq) {
				break
			}
		}
		return total, nil
	}
}

// errorHandling walks through steps and, when fail is set, hits an error
// that it records and recovers from. It reports whether recovery happened.
func errorHandling(ctx context.Context, tracer *vtracer.Tracer, steps int, fail bool) (bool, error) {
	traceID := vtracer.TraceIDFromContext(ctx)
	tracer.TraceWith(vtracer.LevelInfo, vtracer.TaskSpawn, "Starting error handling demonstration", nil, traceID, "")

	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		tracer.TraceWith(vtracer.LevelDebug, vtracer.TaskResume, fmt.Sprintf("Processing step %d", i),
			vtracer.F("step", i), traceID, "")
	}

	var err error
	if fail {
		err = errSimulated
	}
	if err == nil {
		tracer.TraceWith(vtracer.LevelInfo, vtracer.TaskComplete, "Error handling demo completed successfully",
			nil, traceID, "")
		return false, nil
	}

	tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "Caught expected error", vtracer.F(
		"error_type", fmt.Sprintf("%T", err),
		"error_message", err.Error(),
		"recovery_attempted", true,
	), traceID, "")
	tracer.TraceWith(vtracer.LevelInfo, vtracer.TaskComplete, "Error recovered successfully", nil, traceID, "")
	return true, nil
}

func fileOperations(ctx context.Context, tracer *vtracer.Tracer, ext *vtracer.Extensions) (int, error) {
	traceID := vtracer.TraceIDFromContext(ctx)

	dir, err := os.MkdirTemp("", "vtrace-demo-")
	if err != nil {
		tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "File operation error",
			vtracer.F("error", err, "operation", "file_ops"), traceID, "")
		return 0, err
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "test_file.txt")
	content := fmt.Sprintf("Hello from traced file operation at %s\n", tracer.Clock().Now().Format(time.DateTime))

	ext.FileOperation(vtracer.OpWrite, filename, int64(len(content)), traceID)
	if err := os.WriteFile(filename, []byte(content), 0o600); err != nil {
		tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "File operation error",
			vtracer.F("error", err, "operation", "file_ops"), traceID, "")
		return 0, err
	}
	tracer.TraceWith(vtracer.LevelInfo, vtracer.FileWrite, "File written successfully",
		vtracer.F("filename", filename, "bytes_written", len(content)), traceID, "")

	ext.FileOperation(vtracer.OpRead, filename, vtracer.UnknownSize, traceID)
	data, err := os.ReadFile(filename)
	if err != nil {
		tracer.TraceWith(vtracer.LevelError, vtracer.TaskError, "File operation error",
			vtracer.F("error", err, "operation", "file_ops"), traceID, "")
		return 0, err
	}
	tracer.TraceWith(vtracer.LevelInfo, vtracer.FileRead, "File read successfully", vtracer.F(
		"filename", filename,
		"bytes_read", len(data),
		"content_preview", preview(string(data), 50),
	), traceID, "")

	if err := os.Remove(filename); err == nil {
		tracer.TraceWith(vtracer.LevelDebug, vtracer.FileWrite, "Cleanup: File deleted",
			vtracer.F("filename", filename), traceID, "")
	}
	return len(data), nil
}

func runTimer(ctx context.Context, tracer *vtracer.Tracer, ext *vtracer.Extensions, n int, step time.Duration) error {
	traceID := vtracer.TraceIDFromContext(ctx)
	name := fmt.Sprintf("timer_%d", n)
	delay := time.Duration(n) * step

	ext.TimerStart(name, delay, traceID)
	tracer.TraceWith(vtracer.LevelInfo, vtracer.TimerStart, fmt.Sprintf("Starting timer #%d", n),
		vtracer.F("delay_ms", delay.Milliseconds()), traceID, "")

	clock := tracer.Clock()
	start := clock.Now()
	clock.Sleep(delay)
	if err := ctx.Err(); err != nil {
		return err
	}

	ext.TimerFire(name, traceID)
	tracer.TraceWith(vtracer.LevelInfo, vtracer.TimerFire, fmt.Sprintf("Timer #%d fired", n),
		vtracer.F("actual_delay_ms", clock.Since(start).Milliseconds()), traceID, "")
	return nil
}

// echoSession serves one client on d.addr, sends d.messages messages and
// shuts the server down once the client has disconnected.
func echoSession(ctx context.Context, tracer *vtracer.Tracer, d demoOptions, opts *rootOptions) ([]string, error) {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		tracer.Trace(vtracer.LevelCritical, vtracer.TaskError, "Server fatal error",
			vtracer.F("error", err, "address", d.addr))
		return nil, fmt.Errorf("listen on %s: %w", d.addr, err)
	}

	srv := echo.NewServer(tracer,
		echo.WithLogger(opts.logger()),
		echo.WithProcessingDelay(d.stepDelay),
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	replies, clientErr := runClient(ln.Addr().String(), d.messages)

	// The session ends when the server sees the client hang up.
	deadline := time.Now().Add(2 * time.Second)
	for hasSessions(tracer) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	return replies, errors.Join(clientErr, <-served)
}

func hasSessions(tracer *vtracer.Tracer) bool {
	for _, t := range tracer.ActiveTraces() {
		if t.Operation == "handle_client" {
			return true
		}
	}
	return false
}

func runClient(addr string, messages int) ([]string, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	replies := make([]string, 0, messages)
	for i := 1; i <= messages; i++ {
		if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
			return replies, err
		}
		if _, err := fmt.Fprintf(conn, "Hello #%d from the demo client\n", i); err != nil {
			return replies, fmt.Errorf("send message %d: %w", i, err)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return replies, fmt.Errorf("read reply %d: %w", i, err)
		}
		replies = append(replies, line[:len(line)-1])
	}
	return replies, nil
}

func printSummary(w io.Writer, sum *demoSummary) {
	fmt.Fprintln(w, "demo summary:")
	fmt.Fprintf(w, "  numbers generated: %d (sum %d)\n", sum.Numbers, sum.NumbersSum)
	fmt.Fprintf(w, "  file bytes read:   %d\n", sum.FileBytes)
	fmt.Fprintf(w, "  timers fired:      %d\n", sum.TimersFired)
	fmt.Fprintf(w, "  error recovered:   %t\n", sum.Recovered)
	fmt.Fprintf(w, "  echo replies:      %d\n", len(sum.Replies))
	for _, r := range sum.Replies {
		fmt.Fprintf(w, "    %s\n", r)
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
