package echo

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosaka/vtracer"
)

type recorder struct {
	mu     sync.Mutex
	events []vtracer.Event
}

func (r *recorder) Handle(e vtracer.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) messages(msg string) []vtracer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []vtracer.Event
	for _, e := range r.events {
		if e.Message() == msg {
			out = append(out, e)
		}
	}
	return out
}

func startServer(t *testing.T) (*Server, *vtracer.Tracer, *recorder, string, func() error) {
	t.Helper()
	tracer := vtracer.New()
	t.Cleanup(tracer.Close)
	rec := &recorder{}
	tracer.AddHandler(rec)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(tracer)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	shutdown := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
			return nil
		}
	}
	return srv, tracer, rec, ln.Addr().String(), shutdown
}

func exchange(t *testing.T, conn net.Conn, r *bufio.Reader, msg string) string {
	t.Helper()
	_, err := conn.Write([]byte(msg + "\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestServerEchoesAndTraces(t *testing.T) {
	srv, tracer, rec, addr, shutdown := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	r := bufio.NewReader(conn)

	assert.Equal(t, "Echo #1: hello\n", exchange(t, conn, r, "hello"))
	assert.Equal(t, "Echo #2: world\n", exchange(t, conn, r, "  world  "))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(rec.messages("Completed trace for: handle_client")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, shutdown())
	assert.Equal(t, int64(1), srv.ClientsServed())

	done := rec.messages("Completed trace for: handle_client")[0]
	count, _ := done.Field("final_message_count")
	assert.Equal(t, int64(2), count.Int64())
	bytes, _ := done.Field("final_total_bytes")
	assert.Equal(t, int64(len("hello\n")+len("  world  \n")), bytes.Int64())
	parent, _ := done.Field("parent_trace")
	assert.NotEmpty(t, parent.Str())

	assert.Len(t, rec.messages("Completed trace for: process_message"), 2)
	assert.Len(t, rec.messages("Processing step: transform"), 2)
	assert.Len(t, rec.messages("Generator step 2 for: client_handler_1"), 1)
	assert.Len(t, rec.messages("Completed trace for: client_handler_1"), 1)

	closed := rec.messages("TCP connection closed")
	require.Len(t, closed, 1)
	reason, _ := closed[0].Field("reason")
	assert.Equal(t, "Client disconnected gracefully", reason.Str())

	reads := rec.messages("I/O read operation")
	require.Len(t, reads, 2)
	n, _ := reads[0].Field("bytes")
	assert.Equal(t, int64(len("hello\n")), n.Int64())

	assert.Len(t, rec.messages("Completed trace for: tcp_server"), 1)
	assert.Zero(t, tracer.ActiveTraceCount())
}

func TestServerShutdownClosesClients(t *testing.T) {
	_, _, rec, addr, shutdown := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)
	assert.Equal(t, "Echo #1: ping\n", exchange(t, conn, r, "ping"))

	require.NoError(t, shutdown())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = r.ReadString('\n')
	assert.Error(t, err, "server closes open connections on shutdown")

	assert.Len(t, rec.messages("Client connection closed"), 1)
	assert.Len(t, rec.messages("Completed trace for: handle_client"), 1)
}

func TestServerMultipleClients(t *testing.T) {
	srv, _, _, addr, shutdown := startServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)
			if _, err := conn.Write([]byte("hi\n")); !assert.NoError(t, err) {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := r.ReadString('\n')
			assert.NoError(t, err)
			assert.Equal(t, "Echo #1: hi\n", line)
		}()
	}
	wg.Wait()

	require.NoError(t, shutdown())
	assert.Equal(t, int64(5), srv.ClientsServed())
}

func TestListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tracer := vtracer.New()
	defer tracer.Close()
	rec := &recorder{}
	tracer.AddHandler(rec)

	err = NewServer(tracer).ListenAndServe(context.Background(), ln.Addr().String())
	require.Error(t, err)
	fatal := rec.messages("Server fatal error")
	require.Len(t, fatal, 1)
	assert.Equal(t, vtracer.LevelCritical, fatal[0].Level())
}

func TestPreview(t *testing.T) {
	short := "short"
	assert.Equal(t, short, preview(short))

	long := string(make([]byte, 60))
	assert.Len(t, preview(long), previewLength+3)
}
