package stream

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lf = []byte("\n")

func newPipeStream(t *testing.T, opts Options) (*Stream, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New(server, opts)
	t.Cleanup(func() {
		s.ForceClose()
		client.Close()
	})
	return s, client
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWriteThenPeerRead(t *testing.T) {
	s, client := newPipeStream(t, Options{})

	payload := []byte("hello, stream\nsecond line")
	go func() {
		_, err := s.Write(payload)
		assert.NoError(t, err)
	}()

	got := make([]byte, len(payload))
	_, err := io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWritesPreserveOrder(t *testing.T) {
	s, client := newPipeStream(t, Options{HighWatermark: 64, LowWatermark: 16})

	var want []byte
	for i := 0; i < 50; i++ {
		want = append(want, byte('a'+i%26))
	}
	go func() {
		for _, b := range want {
			if _, err := s.Write([]byte{b}); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
	}()

	got := make([]byte, len(want))
	_, err := io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadLine(t *testing.T) {
	s, client := newPipeStream(t, Options{})
	go client.Write([]byte("GET / HTTP/1.1\r\nrest"))

	line, err := s.ReadLine(100, lf)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(line))

	rest, err := s.ReadN(4)
	require.NoError(t, err)
	assert.Equal(t, "rest", string(rest))
	assert.Equal(t, 0, s.Buffered())
}

func TestReadLine_AcrossChunks(t *testing.T) {
	s, client := newPipeStream(t, Options{})
	go func() {
		client.Write([]byte("Host: exa"))
		time.Sleep(10 * time.Millisecond)
		client.Write([]byte("mple.com\r"))
		time.Sleep(10 * time.Millisecond)
		client.Write([]byte("\nX: 1\r\n"))
	}()

	line, err := s.ReadLine(64, []byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Host: example.com\r\n", string(line))

	line, err = s.ReadLine(64, []byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "X: 1\r\n", string(line))
}

func TestReadLine_ExactlyMaxBytes(t *testing.T) {
	s, client := newPipeStream(t, Options{})
	go client.Write([]byte("123456789\n"))

	line, err := s.ReadLine(10, lf)
	require.NoError(t, err)
	assert.Equal(t, "123456789\n", string(line))
}

func TestReadLine_Overflow(t *testing.T) {
	t.Run("no separator", func(t *testing.T) {
		s, client := newPipeStream(t, Options{})
		go client.Write([]byte("abcdefghijklmnopqrstuvwxyz"))
		_, err := s.ReadLine(10, lf)
		assert.ErrorIs(t, err, ErrOverflow)
	})
	t.Run("separator past limit", func(t *testing.T) {
		s, client := newPipeStream(t, Options{})
		go client.Write([]byte("abcdefghijk\n"))
		_, err := s.ReadLine(10, lf)
		assert.ErrorIs(t, err, ErrOverflow)
	})
}

func TestReadLine_EndOfStream(t *testing.T) {
	s, client := newPipeStream(t, Options{})
	go func() {
		client.Write([]byte("partial"))
		client.Close()
	}()

	_, err := s.ReadLine(100, lf)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, len("partial"), s.Buffered())
}

func TestReadLine_Timeout(t *testing.T) {
	s, _ := newPipeStream(t, Options{Timeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := s.ReadLine(100, lf)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestReadN(t *testing.T) {
	s, client := newPipeStream(t, Options{})

	empty, err := s.ReadN(0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	go func() {
		client.Write([]byte("abcdef"))
		client.Write([]byte("ghij"))
		client.Close()
	}()

	got, err := s.ReadN(3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	rest, err := s.ReadN(-1)
	require.NoError(t, err)
	assert.Equal(t, "defghij", string(rest))

	eof, err := s.ReadN(5)
	require.NoError(t, err)
	assert.Empty(t, eof)
}

func TestRead_IOReader(t *testing.T) {
	s, client := newPipeStream(t, Options{})
	go func() {
		client.Write([]byte("body bytes"))
		client.Close()
	}()

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "body bytes", string(data))
}

func TestWrite_Backpressure(t *testing.T) {
	s, client := newPipeStream(t, Options{HighWatermark: 8, LowWatermark: 4, Timeout: 2 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("0123456789abcdef"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Write returned before the peer read anything: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	paused := s.writePaused
	s.mu.Unlock()
	assert.True(t, paused, "writer should be paused above the high watermark")

	got := make([]byte, 16)
	_, err := io.ReadFull(client, got)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Write did not resume after the buffer drained")
	}
	assert.Equal(t, 0, s.Pending())
}

func TestWrite_BackpressureTimeout(t *testing.T) {
	s, _ := newPipeStream(t, Options{HighWatermark: 4, LowWatermark: 2, Timeout: 30 * time.Millisecond})

	_, err := s.Write([]byte("too much data"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadPump_PausesAtHighWatermark(t *testing.T) {
	s, client := newPipeStream(t, Options{HighWatermark: 8, LowWatermark: 4})

	_, err := client.Write(make([]byte, 32))
	require.NoError(t, err)
	waitFor(t, "read pump to pause", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.readPaused
	})

	second := make(chan struct{})
	go func() {
		client.Write([]byte("more"))
		close(second)
	}()
	select {
	case <-second:
		t.Fatal("peer write completed while the read pump was paused")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := s.ReadN(32)
	require.NoError(t, err)
	assert.Len(t, got, 32)

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump did not resume below the low watermark")
	}
	more, err := s.ReadN(4)
	require.NoError(t, err)
	assert.Equal(t, "more", string(more))
}

func TestReadLine_LongerThanHighWatermark(t *testing.T) {
	s, client := newPipeStream(t, Options{HighWatermark: 8, LowWatermark: 4})
	line := "a line much longer than eight bytes\n"
	go client.Write([]byte(line))

	got, err := s.ReadLine(1024, lf)
	require.NoError(t, err)
	assert.Equal(t, line, string(got))
}

func TestCloseGracefully(t *testing.T) {
	s, client := newPipeStream(t, Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	var received []byte
	go func() {
		defer wg.Done()
		received, _ = io.ReadAll(client)
	}()

	_, err := s.Write([]byte("goodbye"))
	require.NoError(t, err)
	require.NoError(t, s.CloseGracefully())
	wg.Wait()

	assert.Equal(t, "goodbye", string(received))
	assert.Equal(t, StateClosed, s.State())

	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.NoError(t, s.CloseGracefully(), "second close is a no-op")
}

func TestCloseGracefully_TCPHalfClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	s := New(<-accepted, Options{Timeout: time.Second})
	_, err = s.Write([]byte("response"))
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- s.CloseGracefully() }()

	data, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "response", string(data))
	client.Close()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CloseGracefully did not return")
	}
}

func TestWriteAfterWriteEOF(t *testing.T) {
	s, client := newPipeStream(t, Options{Timeout: 50 * time.Millisecond})
	go io.Copy(io.Discard, client)
	require.NoError(t, s.CloseGracefully())
	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestForceClose_WakesReader(t *testing.T) {
	s, _ := newPipeStream(t, Options{Timeout: 5 * time.Second})

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadLine(100, lf)
		errc <- err
	}()
	waitFor(t, "reader to block", func() bool { return s.State() == StateReadPaused })

	s.ForceClose()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by ForceClose")
	}
	assert.Equal(t, StateClosed, s.State())
	s.ForceClose()
}

// failingConn is a net.Conn whose Read fails once trigger is closed.
type failingConn struct {
	net.Conn
	trigger chan struct{}
}

func (c *failingConn) Read(p []byte) (int, error) {
	<-c.trigger
	return 0, errors.New("connection reset by peer")
}

func TestFatalReadError_WakesWaiter(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	fc := &failingConn{Conn: server, trigger: make(chan struct{})}
	s := New(fc, Options{Timeout: 5 * time.Second})
	defer s.ForceClose()

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadLine(100, lf)
		errc <- err
	}()
	waitFor(t, "reader to block", func() bool { return s.State() == StateReadPaused })
	close(fc.trigger)

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset by peer")
		assert.NotErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("fatal error did not wake the reader")
	}
	assert.Error(t, s.Err())

	_, err := s.Write([]byte("x"))
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	s, client := newPipeStream(t, Options{})
	assert.Equal(t, StateOpen, s.State())

	client.Close()
	waitFor(t, "EOF", func() bool { return s.State() == StateEOFReceived })

	require.NoError(t, s.CloseGracefully())
	assert.Equal(t, StateClosed, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "UNKNOWN_STATE(42)", State(42).String())
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{LowWatermark: 1 << 20}.withDefaults()
	assert.Equal(t, DefaultHighWatermark, o.HighWatermark)
	assert.Equal(t, o.HighWatermark, o.LowWatermark)
	assert.Equal(t, DefaultTimeout, o.Timeout)
}
