package http1

import (
	"io"
	"net/http"
	"strconv"
)

// DefaultContentType is sent when a handler does not set Content-Type.
const DefaultContentType = "text/html; charset=utf-8"

// bodyChunkSize is the read size used by ReaderBody.
const bodyChunkSize = 2048

// BodySource produces a response body lazily, one chunk at a time. Next
// returns io.EOF once the body is exhausted. Empty chunks are skipped by
// the writer. Close is always called once the response is finished.
type BodySource interface {
	Next() ([]byte, error)
	Close() error
}

// Sized is implemented by bodies whose total length is known up front;
// the writer uses it to emit Content-Length.
type Sized interface {
	Size() int64
}

// BytesBody is an in-memory body delivered as a single chunk.
type BytesBody struct {
	data []byte
	done bool
}

func NewBytesBody(b []byte) *BytesBody { return &BytesBody{data: b} }

func (b *BytesBody) Next() ([]byte, error) {
	if b.done {
		return nil, io.EOF
	}
	b.done = true
	return b.data, nil
}

func (b *BytesBody) Close() error { return nil }
func (b *BytesBody) Size() int64  { return int64(len(b.data)) }

// NewStringBody returns an in-memory body holding s.
func NewStringBody(s string) *BytesBody { return NewBytesBody([]byte(s)) }

// ReaderBody streams a file-like resource in fixed-size chunks. When size
// is negative the length is unknown and no Content-Length is derived.
type ReaderBody struct {
	r    io.Reader
	size int64
	buf  []byte
}

// NewReaderBody wraps r. If r is an io.Closer it is closed with the body.
func NewReaderBody(r io.Reader, size int64) *ReaderBody {
	return &ReaderBody{r: r, size: size}
}

func (b *ReaderBody) Next() ([]byte, error) {
	if b.buf == nil {
		b.buf = make([]byte, bodyChunkSize)
	}
	n, err := b.r.Read(b.buf)
	if n > 0 {
		return b.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}

func (b *ReaderBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *ReaderBody) Size() int64 { return b.size }

// ChunkFunc adapts a generator function to BodySource.
type ChunkFunc func() ([]byte, error)

func (f ChunkFunc) Next() ([]byte, error) { return f() }
func (f ChunkFunc) Close() error          { return nil }

// Response is what a Handler returns. Status 0 means 200 and an empty
// Reason is filled from the status code.
type Response struct {
	Status int
	Reason string
	Header *Header
	Body   BodySource
}

// NewResponse builds a response with an in-memory body.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: NewHeader(), Body: NewBytesBody(body)}
}

// Text builds a response with a string body.
func Text(status int, body string) *Response {
	return NewResponse(status, []byte(body))
}

// OK is Text with status 200.
func OK(body string) *Response {
	return Text(http.StatusOK, body)
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Unknown"
}

func (r *Response) normalize() {
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	if r.Reason == "" {
		r.Reason = StatusText(r.Status)
	}
	if r.Header == nil {
		r.Header = NewHeader()
	}
	if r.Body == nil {
		r.Body = NewBytesBody(nil)
	}
}

func bodySize(b BodySource) (int64, bool) {
	if s, ok := b.(Sized); ok && s.Size() >= 0 {
		return s.Size(), true
	}
	return -1, false
}

// appendHead serializes the status line and headers with LF line endings.
func appendHead(dst []byte, proto string, r *Response) []byte {
	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, r.Reason...)
	dst = append(dst, '\n')
	r.Header.Each(func(name, value string) {
		dst = append(dst, name...)
		dst = append(dst, ": "...)
		dst = append(dst, value...)
		dst = append(dst, '\n')
	})
	return append(dst, '\n')
}
