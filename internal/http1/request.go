package http1

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is one parsed HTTP/1.x request. It is not modified after it is
// handed to a Handler.
type Request struct {
	Method     string
	Path       string // percent-decoded
	RawPath    string // as received, without the query
	Query      string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     *Header

	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	// Body reads the request body from the connection. It is bounded by
	// Content-Length when one was sent.
	Body io.Reader

	RemoteAddr string
	LocalAddr  string

	// MatchedPrefix is the route pattern that selected the handler.
	MatchedPrefix string

	serverSoftware string
	multithread    bool
}

// RequestURI returns the request target as sent.
func (r *Request) RequestURI() string {
	if r.Query == "" {
		return r.RawPath
	}
	return r.RawPath + "?" + r.Query
}

// Environ returns the CGI-style view of the request. Content-Type and
// Content-Length appear unprefixed; every other header appears as
// HTTP_<NAME> with dashes turned into underscores.
func (r *Request) Environ() map[string]string {
	env := map[string]string{
		"REQUEST_METHOD":  r.Method,
		"SCRIPT_NAME":     "",
		"PATH_INFO":       r.Path,
		"QUERY_STRING":    r.Query,
		"SERVER_PROTOCOL": r.Proto,
		"SERVER_SOFTWARE": r.serverSoftware,
		"MULTITHREAD":     strconv.FormatBool(r.multithread),
	}
	env["SERVER_NAME"], env["SERVER_PORT"] = splitHostPort(r.LocalAddr)
	env["REMOTE_ADDR"], env["REMOTE_PORT"] = splitHostPort(r.RemoteAddr)

	r.Header.Each(func(name, value string) {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if key != "CONTENT_TYPE" && key != "CONTENT_LENGTH" {
			key = "HTTP_" + key
		}
		env[key] = value
	})
	return env
}

func splitHostPort(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}

// trimEOL strips a trailing LF or CRLF.
func trimEOL(line []byte) string {
	s := string(line)
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// splitRequestLine splits a request line into exactly three tokens.
func splitRequestLine(line string) (method, target, proto string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// parseHTTPVersion parses "HTTP/major.minor".
func parseHTTPVersion(v string) (major, minor int, ok bool) {
	rest, found := strings.CutPrefix(v, "HTTP/")
	if !found {
		return 0, 0, false
	}
	majStr, minStr, found := strings.Cut(rest, ".")
	if !found || len(majStr) != 1 || len(minStr) != 1 {
		return 0, 0, false
	}
	var err error
	if major, err = strconv.Atoi(majStr); err != nil || major < 0 {
		return 0, 0, false
	}
	if minor, err = strconv.Atoi(minStr); err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

// parseTarget splits a request target into raw path and query and decodes the path.
func parseTarget(target string) (rawPath, path, query string, err error) {
	rawPath, query, _ = strings.Cut(target, "?")
	path, err = url.PathUnescape(rawPath)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid percent-encoding in path %q: %w", rawPath, err)
	}
	return rawPath, path, query, nil
}

// parseHeaderLine parses one "Name: value" line.
func parseHeaderLine(line string) (name, value string, err error) {
	if line != "" && (line[0] == ' ' || line[0] == '\t') {
		return "", "", fmt.Errorf("folded header line %q is not supported", line)
	}
	name, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", fmt.Errorf("malformed header line %q", line)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", fmt.Errorf("invalid header field name %q", name)
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", fmt.Errorf("invalid value for header %q", name)
	}
	return name, value, nil
}

// parseContentLength returns -1 when the header is absent.
func parseContentLength(h *Header) (int64, error) {
	v := h.Get("Content-Length")
	if v == "" {
		if h.Has("Content-Length") {
			return 0, fmt.Errorf("empty Content-Length")
		}
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid Content-Length %q", v)
	}
	return n, nil
}
