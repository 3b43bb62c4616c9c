// Package testutil runs the server binary as a child process and drives it
// with real HTTP clients.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // may include a query string
	Headers http.Header
	Body    []byte
}

// HeaderMatcher maps header names to exact expected values.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string)
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", m.ExpectedBody, body)
}

// StringContainsBodyMatcher checks if the body contains a substring.
type StringContainsBodyMatcher struct {
	Substring string
}

func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, body)
}

// JSONFieldsBodyMatcher decodes the body as a JSON object and compares the
// listed top-level fields. Numbers decode as float64.
type JSONFieldsBodyMatcher struct {
	ExpectedFields map[string]interface{}
}

func (m *JSONFieldsBodyMatcher) Match(body []byte) (bool, string) {
	var got map[string]interface{}
	if err := json.Unmarshal(body, &got); err != nil {
		return false, fmt.Sprintf("body is not a JSON object: %v. Body: %q", err, body)
	}
	for k, want := range m.ExpectedFields {
		if !reflect.DeepEqual(got[k], want) {
			return false, fmt.Sprintf("JSON field %q = %#v, want %#v", k, got[k], want)
		}
	}
	return true, ""
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      HeaderMatcher
	BodyMatcher  BodyMatcher
	ExpectNoBody bool
}

// ActualResponse is what a client observed.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// syncBuffer is a bytes.Buffer shared between the log copier and readers.
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

// ServerInstance is a running server process.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string
	ConfigPath string

	logs      *syncBuffer
	exited    chan struct{}
	waitErr   error
	cancelCtx context.CancelFunc

	mu           sync.Mutex
	cleanupFuncs []func() error
}

// BuildServerBinary compiles ./cmd/server from projectRoot into dir.
func BuildServerBinary(projectRoot, dir string) (string, error) {
	out := filepath.Join(dir, "qsonac-server")
	cmd := exec.Command("go", "build", "-o", out, "./cmd/server")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build failed: %w\n%s", err, output)
	}
	return out, nil
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData as JSON or TOML into dir.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
	default:
		return "", fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	f, err := os.CreateTemp(dir, "testconfig-*."+strings.ToLower(format))
	if err != nil {
		return "", fmt.Errorf("failed to create temp config file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return f.Name(), nil
}

// StartTestServer launches binary with "-config configFile" plus extraArgs
// and waits until address accepts connections.
func StartTestServer(binary, configFile, address string, extraArgs ...string) (*ServerInstance, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	args := append([]string{"-config", configFile}, extraArgs...)
	cmd := exec.CommandContext(ctx, binary, args...)
	logs := &syncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	s := &ServerInstance{
		Cmd:        cmd,
		Address:    address,
		ConfigPath: configFile,
		logs:       logs,
		exited:     make(chan struct{}),
		cancelCtx:  cancel,
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process %q: %w", binary, err)
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case <-s.exited:
			cancel()
			return nil, fmt.Errorf("server exited during startup: %v. Logs:\n%s", s.waitErr, s.SafeGetLogs())
		default:
		}
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		if time.Now().After(deadline) {
			s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %v. Logs:\n%s", address, err, s.SafeGetLogs())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// SafeGetLogs returns everything the process wrote so far.
func (s *ServerInstance) SafeGetLogs() string { return s.logs.String() }

// AddCleanupFunc registers f to run after the process stops.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupFuncs = append(s.cleanupFuncs, f)
}

// Signal sends sig to the process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// WaitExit waits up to timeout for the process to exit on its own.
func (s *ServerInstance) WaitExit(timeout time.Duration) (exited bool, err error) {
	select {
	case <-s.exited:
		return true, s.waitErr
	case <-time.After(timeout):
		return false, nil
	}
}

// Stop sends SIGTERM, escalates to SIGKILL after 5s and runs cleanup funcs
// in reverse order.
func (s *ServerInstance) Stop() error {
	select {
	case <-s.exited:
	default:
		s.Cmd.Process.Signal(syscall.SIGTERM)
		if ok, _ := s.WaitExit(5 * time.Second); !ok {
			s.cancelCtx()
			<-s.exited
		}
	}
	s.cancelCtx()

	s.mu.Lock()
	funcs := s.cleanupFuncs
	s.cleanupFuncs = nil
	s.mu.Unlock()

	var errs []string
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HTTPTestClient sends one request to a server instance.
type HTTPTestClient interface {
	Run(server *ServerInstance, req *TestRequest) (*ActualResponse, error)
}

// GoNetHTTPClient uses net/http with keep-alives disabled.
type GoNetHTTPClient struct {
	client *http.Client
}

func NewGoNetHTTPClient() *GoNetHTTPClient {
	return &GoNetHTTPClient{client: &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true, DisableCompression: true},
	}}
}

func (c *GoNetHTTPClient) Run(server *ServerInstance, req *TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequest(method, "http://"+server.Address+req.Path, body)
	if err != nil {
		return nil, err
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// RawExchange writes raw bytes on a fresh connection and returns
// everything the server sends until it closes the connection.
func RawExchange(address string, raw string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := io.WriteString(conn, raw); err != nil {
		return "", err
	}
	data, err := io.ReadAll(bufio.NewReader(conn))
	return string(data), err
}

// StatusOf parses the status code from the first line of a raw response.
func StatusOf(raw string) int {
	line, _, _ := strings.Cut(raw, "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(fields[1])
	return code
}

// E2ETestCase is one request and its expectation.
type E2ETestCase struct {
	Name     string
	Request  TestRequest
	Expected ExpectedResponse
}

// CheckResponse reports every mismatch between actual and expected.
func CheckResponse(t *testing.T, actual *ActualResponse, expected ExpectedResponse, logs func() string) {
	t.Helper()
	if actual.StatusCode != expected.StatusCode {
		t.Errorf("status = %d, want %d. Body: %q\nServer logs:\n%s", actual.StatusCode, expected.StatusCode, actual.Body, logs())
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}
	if expected.ExpectNoBody {
		if len(actual.Body) != 0 {
			t.Errorf("expected no body, got %q", actual.Body)
		}
	} else if expected.BodyMatcher != nil {
		if ok, why := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Error(why)
		}
	}
}

// RunE2ECases runs every case against server with client.
func RunE2ECases(t *testing.T, server *ServerInstance, client HTTPTestClient, cases []E2ETestCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			req := tc.Request
			actual, err := client.Run(server, &req)
			if err != nil {
				t.Fatalf("request failed: %v\nServer logs:\n%s", err, server.SafeGetLogs())
			}
			CheckResponse(t, actual, tc.Expected, server.SafeGetLogs)
		})
	}
}
