package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"example.com/qsonac/internal/config"
	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
	"example.com/qsonac/internal/util"
)

func strPtr(s string) *string { return &s }

// syncBuffer is a bytes.Buffer safe for the concurrent writes of many
// connection goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	*Server
	addr  string
	logs  *syncBuffer
	errCh chan error
}

// startServer serves h on an ephemeral loopback port and shuts the server
// down when the test ends.
func startServer(t *testing.T, h http1.Handler, hooks Hooks, mutate func(*config.ServerConfig)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Timeout = strPtr("2s")
	cfg.Server.AcceptRetryDelay = strPtr("10ms")
	if mutate != nil {
		mutate(cfg.Server)
	}
	logs := &syncBuffer{}
	srv, err := NewServer(cfg, logger.NewTestLogger(logs), h, hooks)
	require.NoError(t, err)

	l, err := util.CreateListener("127.0.0.1", 0, 15)
	require.NoError(t, err)

	ts := &testServer{Server: srv, addr: l.Addr().String(), logs: logs, errCh: make(chan error, 1)}
	go func() { ts.errCh <- srv.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
	require.NoError(t, err)
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

// roundTrip sends raw on a fresh connection and returns everything the
// server writes before closing.
func (ts *testServer) roundTrip(t *testing.T, raw string) string {
	t.Helper()
	c := ts.dial(t)
	_, err := io.WriteString(c, raw)
	require.NoError(t, err)
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(out)
}

func echoHeaders(req *http1.Request) (*http1.Response, error) {
	var sb strings.Builder
	req.Header.Each(func(name, value string) {
		fmt.Fprintf(&sb, "%s: %s\n", name, value)
	})
	return http1.OK(sb.String()), nil
}

var responseShape = regexp.MustCompile(`(?s)^HTTP/1\.1 \d{3} [^\n]+\n([^\n:]+: [^\n]*\n)+\n.+$`)

func TestServeGETRoot(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(func(*http1.Request) (*http1.Response, error) {
		return http1.OK("<h1>hello</h1>"), nil
	}), Hooks{}, nil)

	out := ts.roundTrip(t, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Regexp(t, responseShape, out)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\n"), out)
	assert.Contains(t, out, "Connection: close\n")
	assert.True(t, strings.HasSuffix(out, "\n\n<h1>hello</h1>"), out)
}

func TestServeEchoesHeader(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(echoHeaders), Hooks{}, nil)
	out := ts.roundTrip(t, "GET /echo HTTP/1.1\r\nX-Test: token123\r\n\r\n")
	assert.Contains(t, out, "token123")
}

func TestServeIdleConnectionGets408(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(echoHeaders), Hooks{}, func(sc *config.ServerConfig) {
		sc.Timeout = strPtr("100ms")
	})
	c := ts.dial(t)
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "HTTP/1.1 408 "), string(out))
}

func TestServeLongRequestLineGets414(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(echoHeaders), Hooks{}, func(sc *config.ServerConfig) {
		size := config.ByteSize(1024)
		sc.MaxLineBytes = &size
	})
	c := ts.dial(t)
	go io.WriteString(c, "GET /"+strings.Repeat("x", 4096)+" HTTP/1.1\r\n\r\n")
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "HTTP/1.1 414 "), string(out))
}

func TestServeConcurrentConnectionsAreIsolated(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(func(req *http1.Request) (*http1.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return http1.OK("query=" + req.Query), nil
	}), Hooks{}, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			c.SetDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(c, "GET /same?id=%d HTTP/1.1\r\n\r\n", i)
			out, _ := io.ReadAll(c)
			results[i] = string(out)
		}(i)
	}
	wg.Wait()

	for i, out := range results {
		assert.Regexp(t, responseShape, out)
		assert.True(t, strings.HasSuffix(out, fmt.Sprintf("\n\nquery=id=%d", i)), "connection %d got %q", i, out)
		assert.Equal(t, 1, strings.Count(out, "HTTP/1.1 200"), "connection %d", i)
	}
}

func TestServeHandlerPanicDoesNotStopServer(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(func(req *http1.Request) (*http1.Response, error) {
		if req.Path == "/panic" {
			panic("handler exploded")
		}
		return http1.OK("fine"), nil
	}), Hooks{}, nil)

	out := ts.roundTrip(t, "GET /panic HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 500 "), out)

	out = ts.roundTrip(t, "GET /ok HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasSuffix(out, "fine"), out)
	assert.Contains(t, ts.logs.String(), "handler exploded")
}

func TestServeHookPanicsAreContained(t *testing.T) {
	var verifyCalls, finishCalls atomic.Int32
	hooks := Hooks{
		Verify: func(net.Conn) bool {
			if verifyCalls.Add(1) == 1 {
				panic("verify exploded")
			}
			return true
		},
		Finish: func(net.Conn, error) {
			if finishCalls.Add(1) == 1 {
				panic("finish exploded")
			}
		},
	}
	ts := startServer(t, http1.HandlerFunc(func(*http1.Request) (*http1.Response, error) {
		return http1.OK("fine"), nil
	}), hooks, nil)

	c := ts.dial(t)
	rejected, _ := io.ReadAll(c)
	assert.Empty(t, rejected)

	c = ts.dial(t)
	io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
	io.ReadAll(c)
	require.Eventually(t, func() bool { return strings.Contains(ts.logs.String(), "finish exploded") }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, ts.logs.String(), "verify exploded")

	out := ts.roundTrip(t, "GET / HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasSuffix(out, "fine"), out)
	assert.Equal(t, int32(3), verifyCalls.Load())
}

func TestServeKeepAliveOverTCP(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(func(req *http1.Request) (*http1.Response, error) {
		return http1.OK(req.Path), nil
	}), Hooks{}, nil)

	c := ts.dial(t)
	br := bufio.NewReader(c)
	for _, p := range []string{"/first", "/second"} {
		fmt.Fprintf(c, "GET %s HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", p)
		status, err := br.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1 200 OK\n", status)
		length := -1
		for {
			line, err := br.ReadString('\n')
			require.NoError(t, err)
			if line == "\n" {
				break
			}
			fmt.Sscanf(line, "Content-Length: %d", &length)
		}
		require.Equal(t, len(p), length)
		buf := make([]byte, length)
		_, err = io.ReadFull(br, buf)
		require.NoError(t, err)
		assert.Equal(t, p, string(buf))
	}
	assert.Equal(t, 1, ts.ActiveConnections())
}

func TestServeContinueOverTCP(t *testing.T) {
	ts := startServer(t, http1.HandlerFunc(func(req *http1.Request) (*http1.Response, error) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return http1.OK(strings.ToUpper(string(b))), nil
	}), Hooks{}, nil)

	c := ts.dial(t)
	br := bufio.NewReader(c)
	io.WriteString(c, "PUT /x HTTP/1.1\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 100 Continue\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", line)

	io.WriteString(c, "hello")
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(rest), "HELLO"), string(rest))
}

func TestHooksLifecycle(t *testing.T) {
	var verified, finished, ticks atomic.Int32
	var reject atomic.Bool
	finishErr := make(chan error, 4)
	hooks := Hooks{
		Verify: func(net.Conn) bool {
			verified.Add(1)
			return !reject.Load()
		},
		Finish: func(_ net.Conn, err error) {
			finished.Add(1)
			finishErr <- err
		},
		ServiceActions: func() { ticks.Add(1) },
	}
	ts := startServer(t, http1.HandlerFunc(echoHeaders), hooks, nil)

	out := ts.roundTrip(t, "GET / HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 "))
	select {
	case err := <-finishErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("finish hook not called")
	}

	// The rejected dial must start a new accept batch.
	require.Eventually(t, func() bool { return ticks.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	reject.Store(true)
	c := ts.dial(t)
	rejected, _ := io.ReadAll(c)
	assert.Empty(t, rejected)

	assert.Equal(t, int32(2), verified.Load())
	assert.Equal(t, int32(1), finished.Load())
	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	srvDone := make(chan struct{})
	ts := startServer(t, http1.HandlerFunc(echoHeaders), Hooks{}, nil)

	c := ts.dial(t)
	io.WriteString(c, "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	br := bufio.NewReader(c)
	_, err := br.ReadString('\n')
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ts.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		defer close(srvDone)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, ts.Shutdown(ctx))
	}()
	select {
	case <-srvDone:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, 0, ts.ActiveConnections())
	assert.ErrorIs(t, <-ts.errCh, ErrServerClosed)

	// The idle connection was aborted; reading drains what is left and then
	// sees EOF or a reset.
	io.ReadAll(br)
}

func TestShutdownWaitsForInFlightRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	ts := startServer(t, http1.HandlerFunc(func(*http1.Request) (*http1.Response, error) {
		close(entered)
		<-release
		return http1.OK("done"), nil
	}), Hooks{}, nil)

	c := ts.dial(t)
	io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
	<-entered

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr <- ts.Shutdown(ctx)
	}()

	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(out), "done"), string(out))
	assert.NoError(t, <-shutdownErr)
}

func TestShutdownTimeoutAbortsConnections(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	ts := startServer(t, http1.HandlerFunc(func(*http1.Request) (*http1.Response, error) {
		close(entered)
		<-release
		return http1.OK("late"), nil
	}), Hooks{}, nil)

	c := ts.dial(t)
	io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- ts.Shutdown(ctx) }()

	// The handler goroutine is still blocked, so Shutdown cannot return
	// before the release below; it must still report the deadline.
	time.Sleep(100 * time.Millisecond)
	release <- struct{}{}
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestServeAfterShutdown(t *testing.T) {
	cfg := config.Default()
	srv, err := NewServer(cfg, logger.NewDiscardLogger(), http1.NotFound, Hooks{})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	l, err := util.CreateListener("127.0.0.1", 0, 15)
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(l), ErrServerClosed)
}

func TestSpawnAfterShutdownClosesConnection(t *testing.T) {
	srv, err := NewServer(config.Default(), logger.NewDiscardLogger(), http1.NotFound, Hooks{})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	srvSide, client := net.Pipe()
	defer client.Close()
	srv.spawn(srvSide)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, srv.ActiveConnections())
	srv.wg.Wait()
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, logger.NewDiscardLogger(), http1.NotFound, Hooks{})
	assert.Error(t, err)
	_, err = NewServer(config.Default(), nil, http1.NotFound, Hooks{})
	assert.Error(t, err)
	_, err = NewServer(config.Default(), logger.NewDiscardLogger(), nil, Hooks{})
	assert.Error(t, err)

	_, err = NewServer(&config.Config{Server: &config.ServerConfig{}}, logger.NewDiscardLogger(), http1.NotFound, Hooks{})
	assert.ErrorContains(t, err, "apply defaults first")
}

// scriptedListener returns queued accept results, then blocks until closed.
type scriptedListener struct {
	results chan acceptResult
	closed  chan struct{}
	once    sync.Once
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newScriptedListener(results ...acceptResult) *scriptedListener {
	l := &scriptedListener{results: make(chan acceptResult, len(results)), closed: make(chan struct{})}
	for _, r := range results {
		l.results <- r
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	select {
	case r := <-l.results:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func TestServeBacksOffOnResourceExhaustion(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AcceptRetryDelay = strPtr("30ms")
	logs := &syncBuffer{}
	srv, err := NewServer(cfg, logger.NewTestLogger(logs), http1.HandlerFunc(echoHeaders), Hooks{})
	require.NoError(t, err)

	srvSide, client := net.Pipe()
	defer client.Close()
	fatal := errors.New("listener broken")
	l := newScriptedListener(
		acceptResult{err: &net.OpError{Op: "accept", Net: "tcp", Err: unix.EMFILE}},
		acceptResult{err: &net.OpError{Op: "accept", Net: "tcp", Err: unix.EINTR}},
		acceptResult{conn: srvSide},
		acceptResult{err: fatal},
	)

	start := time.Now()
	err = srv.Serve(l)
	assert.ErrorIs(t, err, fatal)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, logs.String(), "pausing")

	client.SetDeadline(time.Now().Add(2 * time.Second))
	io.WriteString(client, "GET / HTTP/1.1\nX-Test: after-backoff\n\n")
	out, _ := io.ReadAll(client)
	assert.Contains(t, string(out), "after-backoff")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	port := 0
	cfg.Server.Port = &port
	cfg.Server.ShutdownTimeout = strPtr("1s")
	srv, err := NewServer(cfg, logger.NewDiscardLogger(), http1.NotFound, Hooks{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	c, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	c.SetDeadline(time.Now().Add(2 * time.Second))
	io.WriteString(c, "GET /missing HTTP/1.1\r\n\r\n")
	out, _ := io.ReadAll(c)
	c.Close()
	assert.True(t, strings.HasPrefix(string(out), "HTTP/1.1 404 "), string(out))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
