package http1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRequestLine(t *testing.T) {
	m, target, proto, ok := splitRequestLine("GET /a?b=c HTTP/1.1")
	require.True(t, ok)
	assert.Equal(t, "GET", m)
	assert.Equal(t, "/a?b=c", target)
	assert.Equal(t, "HTTP/1.1", proto)

	for _, bad := range []string{"", "GET", "GET /", "GET / HTTP/1.1 extra"} {
		_, _, _, ok := splitRequestLine(bad)
		assert.False(t, ok, "line %q", bad)
	}
}

func TestParseHTTPVersion(t *testing.T) {
	tests := []struct {
		in           string
		major, minor int
		ok           bool
	}{
		{"HTTP/1.1", 1, 1, true},
		{"HTTP/1.0", 1, 0, true},
		{"HTTP/2.0", 2, 0, true},
		{"HTTP/1", 0, 0, false},
		{"HTTP/1.10", 0, 0, false},
		{"http/1.1", 0, 0, false},
		{"HTTP/a.b", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			major, minor, ok := parseHTTPVersion(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.major, major)
			assert.Equal(t, tt.minor, minor)
		})
	}
}

func TestParseTarget(t *testing.T) {
	raw, path, query, err := parseTarget("/a%20b/c?x=1&y=%20")
	require.NoError(t, err)
	assert.Equal(t, "/a%20b/c", raw)
	assert.Equal(t, "/a b/c", path)
	assert.Equal(t, "x=1&y=%20", query)

	_, _, _, err = parseTarget("/bad%zz")
	assert.Error(t, err)
}

func TestParseHeaderLine(t *testing.T) {
	name, value, err := parseHeaderLine("X-Test:   token123  ")
	require.NoError(t, err)
	assert.Equal(t, "X-Test", name)
	assert.Equal(t, "token123", value)

	name, value, err = parseHeaderLine("Empty:")
	require.NoError(t, err)
	assert.Equal(t, "Empty", name)
	assert.Equal(t, "", value)

	for _, bad := range []string{"no colon", " Folded: x", "\tFolded: x", "Bad Name: x", ": x"} {
		_, _, err := parseHeaderLine(bad)
		assert.Error(t, err, "line %q", bad)
	}
}

func TestParseContentLength(t *testing.T) {
	h := NewHeader()
	n, err := parseContentLength(h)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	h.Set("Content-Length", "42")
	n, err = parseContentLength(h)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	for _, bad := range []string{"", "-1", "abc", "1.5"} {
		h.Set("Content-Length", bad)
		_, err = parseContentLength(h)
		assert.Error(t, err, "value %q", bad)
	}
}

func TestTrimEOL(t *testing.T) {
	assert.Equal(t, "abc", trimEOL([]byte("abc\r\n")))
	assert.Equal(t, "abc", trimEOL([]byte("abc\n")))
	assert.Equal(t, "abc", trimEOL([]byte("abc")))
	assert.Equal(t, "", trimEOL([]byte("\r\n")))
}

func TestRequestURI(t *testing.T) {
	r := &Request{RawPath: "/a%20b"}
	assert.Equal(t, "/a%20b", r.RequestURI())
	r.Query = "x=1"
	assert.Equal(t, "/a%20b?x=1", r.RequestURI())
}

func TestRequestEnviron(t *testing.T) {
	h := NewHeader()
	h.Set("Host", "example.com")
	h.Set("X-Test", "token123")
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", "3")

	r := &Request{
		Method:         "POST",
		Path:           "/a b",
		RawPath:        "/a%20b",
		Query:          "q=1",
		Proto:          "HTTP/1.1",
		Header:         h,
		RemoteAddr:     "10.0.0.2:5555",
		LocalAddr:      "127.0.0.1:38764",
		serverSoftware: "qsonac/0.9",
		multithread:    true,
	}
	env := r.Environ()

	assert.Equal(t, "POST", env["REQUEST_METHOD"])
	assert.Equal(t, "", env["SCRIPT_NAME"])
	assert.Equal(t, "/a b", env["PATH_INFO"])
	assert.Equal(t, "q=1", env["QUERY_STRING"])
	assert.Equal(t, "HTTP/1.1", env["SERVER_PROTOCOL"])
	assert.Equal(t, "qsonac/0.9", env["SERVER_SOFTWARE"])
	assert.Equal(t, "true", env["MULTITHREAD"])
	assert.Equal(t, "127.0.0.1", env["SERVER_NAME"])
	assert.Equal(t, "38764", env["SERVER_PORT"])
	assert.Equal(t, "10.0.0.2", env["REMOTE_ADDR"])
	assert.Equal(t, "5555", env["REMOTE_PORT"])
	assert.Equal(t, "example.com", env["HTTP_HOST"])
	assert.Equal(t, "token123", env["HTTP_X_TEST"])
	assert.Equal(t, "text/plain", env["CONTENT_TYPE"])
	assert.Equal(t, "3", env["CONTENT_LENGTH"])
	assert.NotContains(t, env, "HTTP_CONTENT_TYPE")
	assert.NotContains(t, env, "HTTP_CONTENT_LENGTH")
}
