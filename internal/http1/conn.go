// Package http1 implements the HTTP/1.x protocol handler: request parsing
// over a stream.Stream, dispatch to a Handler, and deferred-head response
// serialization.
package http1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"example.com/qsonac/internal/logger"
	"example.com/qsonac/internal/stream"
)

var lf = []byte("\n")

const (
	DefaultMaxLineBytes = 65536
	DefaultMaxHeaders   = 30
	DefaultServerName   = "qsonac/0.9"
)

// Handler serves one request. Returning an error (or panicking) before any
// body byte is produced yields a 500 response.
type Handler interface {
	Serve(req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) (*Response, error)

func (f HandlerFunc) Serve(req *Request) (*Response, error) { return f(req) }

// NotFound answers every request with 404 "not found".
var NotFound Handler = HandlerFunc(func(*Request) (*Response, error) {
	return Text(http.StatusNotFound, "not found"), nil
})

// Options are the per-connection protocol limits.
type Options struct {
	MaxLineBytes int
	MaxHeaders   int
	Debug        bool // include error details in 500 responses
	ServerName   string
	Multithread  bool
}

func (o Options) withDefaults() Options {
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.MaxHeaders <= 0 {
		o.MaxHeaders = DefaultMaxHeaders
	}
	if o.ServerName == "" {
		o.ServerName = DefaultServerName
	}
	return o
}

// Conn runs the request loop for one connection.
type Conn struct {
	st      *stream.Stream
	handler Handler
	opts    Options
	log     *logger.Logger
	now     func() time.Time

	idle atomic.Bool
}

// NewConn prepares a protocol handler for st. A nil handler serves 404s.
func NewConn(st *stream.Stream, h Handler, opts Options, lg *logger.Logger) *Conn {
	if h == nil {
		h = NotFound
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Conn{st: st, handler: h, opts: opts.withDefaults(), log: lg, now: time.Now}
}

// Idle reports whether the connection is waiting for the next request line.
func (c *Conn) Idle() bool { return c.idle.Load() }

// Serve handles requests until the connection should close or ctx is done.
// A nil result means the stream may be closed gracefully; any error means
// it must be aborted.
func (c *Conn) Serve(ctx context.Context) error {
	for {
		keepAlive, err := c.serveRequest()
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// serveRequest handles one request/response cycle.
func (c *Conn) serveRequest() (keepAlive bool, err error) {
	line, err := c.readRequestLine()
	if err != nil {
		return false, c.handleReadError(nil, err)
	}
	if line == "" {
		return false, nil
	}
	start := c.now()

	method, target, proto, ok := splitRequestLine(line)
	if !ok {
		return false, &ProtocolError{Msg: fmt.Sprintf("malformed request line %q", line)}
	}
	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return false, c.writeError(nil, http.StatusBadRequest, fmt.Sprintf("malformed HTTP version %q", proto))
	}
	if major != 1 {
		return false, c.writeError(nil, http.StatusHTTPVersionNotSupported, "")
	}

	req := &Request{
		Method:         method,
		Proto:          proto,
		ProtoMajor:     major,
		ProtoMinor:     minor,
		Header:         NewHeader(),
		ContentLength:  -1,
		RemoteAddr:     addrString(c.st.RemoteAddr()),
		LocalAddr:      addrString(c.st.LocalAddr()),
		serverSoftware: c.opts.ServerName,
		multithread:    c.opts.Multithread,
	}
	req.RawPath, req.Path, req.Query, err = parseTarget(target)
	if err != nil {
		req.RawPath = target
		return false, c.writeError(req, http.StatusBadRequest, err.Error())
	}

	if err := c.readHeaders(req.Header); err != nil {
		return false, c.handleReadError(req, err)
	}

	req.ContentLength, err = parseContentLength(req.Header)
	if err != nil {
		return false, c.writeError(req, http.StatusBadRequest, err.Error())
	}
	keepAlive = req.Header.HasToken("Connection", "keep-alive") && !req.Header.HasToken("Connection", "close")

	var body *io.LimitedReader
	switch {
	case req.Header.Has("Transfer-Encoding"):
		if !strings.EqualFold(strings.TrimSpace(req.Header.Get("Transfer-Encoding")), "chunked") {
			return false, c.writeError(req, http.StatusNotImplemented, "unsupported transfer encoding")
		}
		// Trailers are not consumed, so the connection cannot be reused.
		req.Body = httputil.NewChunkedReader(c.st)
		req.ContentLength = -1
		keepAlive = false
	case req.ContentLength > 0:
		body = &io.LimitedReader{R: c.st, N: req.ContentLength}
		req.Body = body
	default:
		req.Body = strings.NewReader("")
	}

	if strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
		if _, err := c.st.WriteString(req.Proto + " 100 Continue\n\n"); err != nil {
			return false, err
		}
	}

	resp, err := c.invoke(req)
	if err != nil {
		return false, c.handlerFailed(req, err, start)
	}

	keepAlive, err = c.writeResponse(req, resp, keepAlive, start)
	if err != nil {
		return false, err
	}

	if keepAlive && body != nil && body.N > 0 {
		if _, err := io.Copy(io.Discard, body); err != nil {
			return false, err
		}
	}
	return keepAlive, nil
}

// readRequestLine returns the next request line without its line ending,
// or "" when the peer closed cleanly between requests. One leading empty
// line is tolerated.
func (c *Conn) readRequestLine() (string, error) {
	c.idle.Store(true)
	defer c.idle.Store(false)

	for i := 0; i < 2; i++ {
		raw, err := c.st.ReadLine(c.opts.MaxLineBytes, lf)
		if err != nil {
			if errors.Is(err, stream.ErrEndOfStream) && c.st.Buffered() == 0 {
				return "", nil
			}
			return "", err
		}
		if line := trimEOL(raw); line != "" {
			return line, nil
		}
	}
	return "", &ProtocolError{Msg: "empty request line"}
}

// readHeaders reads header lines into h up to the terminating blank line.
func (c *Conn) readHeaders(h *Header) error {
	for count := 0; ; count++ {
		raw, err := c.st.ReadLine(c.opts.MaxLineBytes, lf)
		if err != nil {
			return err
		}
		line := trimEOL(raw)
		if line == "" {
			return nil
		}
		if count >= c.opts.MaxHeaders {
			return ErrTooManyHeaders
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return &ProtocolError{Status: http.StatusBadRequest, Msg: "bad header", Err: err}
		}
		h.Set(name, value)
	}
}

// handleReadError turns a failure while reading the request head into a
// response when one can still be sent, or into an abort.
func (c *Conn) handleReadError(req *Request, err error) error {
	var perr *ProtocolError
	switch {
	case errors.Is(err, stream.ErrOverflow), errors.Is(err, ErrTooManyHeaders):
		return c.writeError(req, http.StatusRequestURITooLong, "")
	case errors.Is(err, stream.ErrTimeout):
		return c.writeError(req, http.StatusRequestTimeout, "")
	case errors.As(err, &perr) && perr.Status != 0:
		detail := perr.Msg
		if perr.Err != nil {
			detail = perr.Err.Error()
		}
		return c.writeError(req, perr.Status, detail)
	case errors.Is(err, stream.ErrEndOfStream):
		return &ProtocolError{Msg: "connection closed in the middle of a request", Err: err}
	default:
		return err
	}
}

// invoke calls the handler, converting a panic into an error.
func (c *Conn) invoke(req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked", logger.LogFields{
				"panic":  fmt.Sprint(r),
				"path":   req.Path,
				"method": req.Method,
				"stack":  string(debug.Stack()),
			})
			resp, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	resp, err = c.handler.Serve(req)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	return resp, err
}

// handlerFailed answers a failed handler with 408 or 500.
func (c *Conn) handlerFailed(req *Request, err error, start time.Time) error {
	status := http.StatusInternalServerError
	if errors.Is(err, stream.ErrTimeout) {
		status = http.StatusRequestTimeout
	}
	fields := logger.LogFields{"error": err.Error(), "status": status}
	if req != nil {
		fields["method"] = req.Method
		fields["path"] = req.Path
	}
	c.log.Error("Request handler failed", fields)
	detail := ""
	if c.opts.Debug {
		detail = err.Error()
	}
	return c.writeError(req, status, detail)
}

// writeError sends a content-negotiated error response and marks the
// connection for closing.
func (c *Conn) writeError(req *Request, status int, detail string) error {
	accept := ""
	if req != nil {
		accept = req.Header.Get("Accept")
	}
	resp := ErrorResponse(status, accept, detail)
	resp.Header.Set("Connection", "close")
	_, err := c.writeResponse(req, resp, false, c.now())
	return err
}

// nextChunk pulls one chunk from body, converting a panic into an error.
func (c *Conn) nextChunk(body BodySource) (chunk []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			chunk, err = nil, fmt.Errorf("body producer panic: %v", r)
		}
	}()
	return body.Next()
}

// writeResponse injects default headers and writes resp. The head is held
// back until the first non-empty body chunk, so a body producer that fails
// before yielding data still gets a clean 500. It reports whether the
// connection may carry another request.
func (c *Conn) writeResponse(req *Request, resp *Response, keepAlive bool, start time.Time) (bool, error) {
	resp.normalize()
	defer resp.Body.Close()

	h := resp.Header
	if size, known := bodySize(resp.Body); known && !h.Has("Content-Length") {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if !h.Has("Content-Length") || h.HasToken("Connection", "close") {
		keepAlive = false
	}
	switch {
	case keepAlive:
		h.SetDefault("Connection", "keep-alive")
	case h.HasToken("Connection", "keep-alive"):
		h.Set("Connection", "close")
	default:
		h.SetDefault("Connection", "close")
	}
	h.SetDefault("Server", c.opts.ServerName)
	h.SetDefault("Date", c.now().UTC().Format(http.TimeFormat))
	h.SetDefault("Content-Type", DefaultContentType)

	proto := "HTTP/1.1"
	if req != nil {
		proto = req.Proto
	}
	head := appendHead(nil, proto, resp)
	headSent, replaced := false, false
	var written int64
	defer func() {
		if !replaced {
			c.logAccess(req, resp.Status, written, start)
		}
	}()

	skipBody := req != nil && req.Method == http.MethodHead
	for !skipBody {
		chunk, err := c.nextChunk(resp.Body)
		if err == io.EOF {
			break
		}
		if err != nil {
			if !headSent {
				replaced = true
				return false, c.handlerFailed(req, err, start)
			}
			return false, fmt.Errorf("response body failed after head was sent: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		if !headSent {
			if _, err := c.st.Write(head); err != nil {
				return false, err
			}
			headSent = true
		}
		n, err := c.st.Write(chunk)
		written += int64(n)
		if err != nil {
			return false, err
		}
	}
	if !headSent {
		if _, err := c.st.Write(head); err != nil {
			return false, err
		}
	}
	return keepAlive, nil
}

func (c *Conn) logAccess(req *Request, status int, written int64, start time.Time) {
	e := logger.AccessEntry{
		RemoteAddr: addrString(c.st.RemoteAddr()),
		Status:     status,
		RespBytes:  written,
		Duration:   c.now().Sub(start),
	}
	if req != nil {
		e.Method = req.Method
		e.URI = req.RequestURI()
		e.Proto = req.Proto
		e.Header = req.Header
	}
	c.log.Access(e)
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return ""
	}
	return a.String()
}
