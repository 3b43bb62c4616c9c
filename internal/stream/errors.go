package stream

import "errors"

var (
	// ErrOverflow is returned by ReadLine when maxBytes are buffered without a separator.
	ErrOverflow = errors.New("stream: line exceeds maximum length")
	// ErrEndOfStream is returned by ReadLine when the peer closes before a separator arrives.
	ErrEndOfStream = errors.New("stream: unexpected end of stream")
	// ErrStreamClosed is returned by operations after write-EOF or a close.
	ErrStreamClosed = errors.New("stream: closed")
	// ErrTimeout is returned when a suspended operation outlives the stream timeout.
	// It satisfies net.Error so callers can test Timeout().
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "stream: operation timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
