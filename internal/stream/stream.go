// Package stream provides a flow-controlled duplex byte stream over a net.Conn.
//
// Two goroutines service each Stream. The read pump moves bytes from the
// socket into the read buffer and pauses once the buffer reaches the high
// watermark, resuming when it falls to the low watermark or a reader is
// waiting. The flusher moves bytes from the write buffer to the socket.
// Callers block only inside ReadLine, ReadN, Read, Write, Drain and
// CloseGracefully, and every such wait is bounded by Options.Timeout.
//
// A Stream supports one reader and one writer at a time. Concurrent reads,
// or concurrent writes, on the same Stream are not supported.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	DefaultHighWatermark = 64 * 1024
	DefaultLowWatermark  = 16 * 1024
	DefaultTimeout       = 10 * time.Second

	readChunkSize  = 4096
	writeChunkSize = 16 * 1024

	// lingerTimeout bounds how long CloseGracefully keeps reading after the
	// write side is shut, so unread input does not turn the close into a RST.
	lingerTimeout = 500 * time.Millisecond
)

// Options configures a Stream. Zero values select the defaults.
type Options struct {
	HighWatermark int
	LowWatermark  int
	Timeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.HighWatermark <= 0 {
		o.HighWatermark = DefaultHighWatermark
	}
	if o.LowWatermark <= 0 {
		o.LowWatermark = DefaultLowWatermark
	}
	if o.LowWatermark > o.HighWatermark {
		o.LowWatermark = o.HighWatermark
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Stream is a buffered, flow-controlled duplex channel over one connection.
type Stream struct {
	conn net.Conn
	opts Options

	mu        sync.Mutex
	readCond  *sync.Cond // read buffer grew, EOF, error or close
	writeCond *sync.Cond // write buffer shrank, error or close
	pumpCond  *sync.Cond // read pump may resume
	flushCond *sync.Cond // flusher has work

	readBuf  []byte
	writeBuf []byte

	readEOF     bool
	writeEOF    bool
	readPaused  bool // read pump is holding off the socket
	writePaused bool // a writer is blocked on backpressure
	readWaiting bool // a reader is blocked on an empty or short buffer
	draining    bool
	closed      bool
	err         error // fatal I/O error

	wg sync.WaitGroup
}

// New wraps conn and starts its read pump and flusher.
func New(conn net.Conn, opts Options) *Stream {
	s := &Stream{conn: conn, opts: opts.withDefaults()}
	s.readCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)
	s.pumpCond = sync.NewCond(&s.mu)
	s.flushCond = sync.NewCond(&s.mu)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Stream) Timeout() time.Duration {
	return s.opts.Timeout
}

// State reports the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case s.draining:
		return StateDraining
	case s.writeEOF:
		return StateWriteEOFRequested
	case s.readEOF:
		return StateEOFReceived
	case s.readWaiting:
		return StateReadPaused
	default:
		return StateOpen
	}
}

// Buffered returns the number of unread bytes in the read buffer.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readBuf)
}

// Pending returns the number of bytes not yet accepted by the socket.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writeBuf)
}

// Err returns the fatal I/O error recorded for the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// waitLocked blocks on c until ready reports true, the stream fails or is
// closed, or the timeout expires. s.mu must be held.
func (s *Stream) waitLocked(c *sync.Cond, ready func() bool) error {
	if ready() {
		return nil
	}
	expired := false
	t := time.AfterFunc(s.opts.Timeout, func() {
		s.mu.Lock()
		expired = true
		c.Broadcast()
		s.mu.Unlock()
	})
	defer t.Stop()

	for !ready() {
		switch {
		case s.err != nil:
			return s.err
		case s.closed:
			return ErrStreamClosed
		case expired:
			return ErrTimeout
		}
		c.Wait()
	}
	return nil
}

// waitReadableLocked waits until the read buffer holds more than have bytes
// or EOF has been seen.
func (s *Stream) waitReadableLocked(have int) error {
	s.readWaiting = true
	s.pumpCond.Signal()
	err := s.waitLocked(s.readCond, func() bool {
		return len(s.readBuf) > have || s.readEOF
	})
	s.readWaiting = false
	return err
}

// consumeLocked removes and returns the first n bytes of the read buffer.
func (s *Stream) consumeLocked(n int) []byte {
	out := make([]byte, n)
	copy(out, s.readBuf)
	s.readBuf = s.readBuf[n:]
	if len(s.readBuf) == 0 {
		s.readBuf = nil
	}
	if s.readPaused && len(s.readBuf) <= s.opts.LowWatermark {
		s.pumpCond.Signal()
	}
	return out
}

// ReadLine returns the next line including sep and removes it from the read
// buffer. It fails with ErrOverflow once maxBytes are buffered without a
// complete line that fits, and with ErrEndOfStream if the peer closes first.
func (s *Stream) ReadLine(maxBytes int, sep []byte) ([]byte, error) {
	if len(sep) == 0 {
		return nil, errors.New("stream: empty line separator")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}

	scanned := 0
	for {
		start := scanned - len(sep) + 1
		if start < 0 {
			start = 0
		}
		if i := bytes.Index(s.readBuf[start:], sep); i >= 0 {
			end := start + i + len(sep)
			if end > maxBytes {
				return nil, ErrOverflow
			}
			return s.consumeLocked(end), nil
		}
		scanned = len(s.readBuf)
		if scanned >= maxBytes {
			return nil, ErrOverflow
		}
		if s.readEOF {
			return nil, ErrEndOfStream
		}
		if err := s.waitReadableLocked(scanned); err != nil {
			return nil, err
		}
	}
}

// ReadN reads from the stream. n < 0 reads until EOF and returns everything;
// n == 0 returns immediately; n > 0 returns between 1 and n bytes, or an
// empty slice once EOF has been reached with nothing buffered.
func (s *Stream) ReadN(n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}

	if n < 0 {
		for !s.readEOF {
			if err := s.waitReadableLocked(len(s.readBuf)); err != nil {
				return nil, err
			}
		}
		return s.consumeLocked(len(s.readBuf)), nil
	}

	if len(s.readBuf) == 0 && !s.readEOF {
		if err := s.waitReadableLocked(0); err != nil {
			return nil, err
		}
	}
	return s.consumeLocked(min(n, len(s.readBuf))), nil
}

// Read implements io.Reader on top of the read buffer.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(s.readBuf) == 0 && !s.readEOF {
		if err := s.waitReadableLocked(0); err != nil {
			return 0, err
		}
	}
	if len(s.readBuf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.readBuf)
	s.consumeLocked(n)
	return n, nil
}

// Write appends p to the write buffer. If the buffer then exceeds the high
// watermark, Write blocks until the socket has taken enough bytes to bring
// it to the low watermark. On a timeout the bytes stay queued.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeEOF || s.closed {
		return 0, ErrStreamClosed
	}
	if s.err != nil {
		return 0, s.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.writeBuf = append(s.writeBuf, p...)
	s.flushCond.Signal()

	if len(s.writeBuf) > s.opts.HighWatermark {
		s.writePaused = true
		err := s.waitLocked(s.writeCond, func() bool {
			return len(s.writeBuf) <= s.opts.LowWatermark
		})
		s.writePaused = false
		if err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// WriteString is Write for strings.
func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Drain blocks until every buffered byte has been accepted by the socket.
func (s *Stream) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitLocked(s.writeCond, func() bool { return len(s.writeBuf) == 0 })
}

// CloseGracefully stops accepting writes, waits for the write buffer to
// drain, half-closes the connection and then releases it. If draining fails
// the stream is force-closed and the error is returned.
func (s *Stream) CloseGracefully() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.writeEOF = true
	s.draining = true
	s.flushCond.Signal()
	err := s.waitLocked(s.writeCond, func() bool { return len(s.writeBuf) == 0 })
	s.draining = false
	s.mu.Unlock()

	if err != nil {
		s.ForceClose()
		return fmt.Errorf("stream: drain before close: %w", err)
	}

	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			s.lingerForPeerEOF()
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.readBuf = nil
	s.broadcastLocked()
	s.mu.Unlock()

	err = s.conn.Close()
	s.wg.Wait()
	return err
}

// lingerForPeerEOF discards input until the peer closes or lingerTimeout passes.
func (s *Stream) lingerForPeerEOF() {
	deadline := time.Now().Add(min(lingerTimeout, s.opts.Timeout))
	timer := time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		s.readCond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.readWaiting = true
	for !s.readEOF && s.err == nil && !s.closed && time.Now().Before(deadline) {
		s.readBuf = nil
		s.pumpCond.Signal()
		s.readCond.Wait()
	}
	s.readWaiting = false
}

// ForceClose aborts the stream: buffers are discarded and the connection is
// reset without flushing. It is safe to call in any state and more than once.
func (s *Stream) ForceClose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.readBuf = nil
	s.writeBuf = nil
	s.broadcastLocked()
	s.mu.Unlock()

	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	s.conn.Close()
}

func (s *Stream) broadcastLocked() {
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
	s.pumpCond.Broadcast()
	s.flushCond.Broadcast()
}

// failLocked records a fatal I/O error and wakes every waiter.
func (s *Stream) failLocked(err error) {
	if s.err == nil && !s.closed {
		s.err = err
	}
	s.broadcastLocked()
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		s.mu.Lock()
		if len(s.readBuf) >= s.opts.HighWatermark {
			s.readPaused = true
		}
		for s.readPaused && !s.closed && s.err == nil {
			if s.readWaiting || len(s.readBuf) <= s.opts.LowWatermark {
				s.readPaused = false
				break
			}
			s.pumpCond.Wait()
		}
		if s.closed || s.err != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		n, err := s.conn.Read(buf)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if n > 0 {
			s.readBuf = append(s.readBuf, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.readEOF = true
				s.readCond.Broadcast()
			} else {
				s.failLocked(fmt.Errorf("stream: read: %w", err))
			}
			s.mu.Unlock()
			return
		}
		s.readCond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.writeBuf) == 0 && !s.closed && s.err == nil {
			s.flushCond.Wait()
		}
		if s.closed || s.err != nil {
			s.mu.Unlock()
			return
		}
		chunk := s.writeBuf
		if len(chunk) > writeChunkSize {
			chunk = chunk[:writeChunkSize]
		}
		s.mu.Unlock()

		s.conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout))
		n, err := s.conn.Write(chunk)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.writeBuf = s.writeBuf[n:]
		if len(s.writeBuf) == 0 {
			s.writeBuf = nil
		}
		s.writeCond.Broadcast()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.failLocked(ErrTimeout)
			} else {
				s.failLocked(fmt.Errorf("stream: write: %w", err))
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}
