package logger

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"example.com/qsonac/internal/config"
)

// LogFields carries structured key/value pairs attached to a log line.
type LogFields map[string]interface{}

// HeaderGetter is the read side of a header mapping.
type HeaderGetter interface {
	Get(name string) string
}

// AccessEntry describes one completed request/response cycle.
type AccessEntry struct {
	RemoteAddr string
	Method     string
	URI        string
	Proto      string
	Status     int
	RespBytes  int64
	Duration   time.Duration
	Header     HeaderGetter
}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// Logger is the process logger. Error (diagnostic) lines and access lines
// go to separate sinks; a Logger value is safe for concurrent use and cheap
// to derive with With.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	sinks         []*fileSink
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// fileSink is a writer whose underlying file can be swapped on SIGHUP.
type fileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{path: path, f: f}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, os.ErrClosed
	}
	return s.f.Write(p)
}

func (s *fileSink) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.f = nil
		return fmt.Errorf("failed to reopen log file %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates and configures a new Logger instance from a defaulted config.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, errors.New("logging configuration cannot be nil")
	}
	l := &Logger{}

	errTarget, errFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != "" {
			errTarget = cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errFormat = cfg.ErrorLog.Format
		}
	}
	w, err := l.openTarget(errTarget, errFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	l.errorLog = zerolog.New(w).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	if a := cfg.AccessLog; a != nil && (a.Enabled == nil || *a.Enabled) {
		target, format := a.Target, a.Format
		if target == "" {
			target = "stdout"
		}
		if format == "" {
			format = "json"
		}
		parsed, err := preParseTrustedProxies(a.TrustedProxies)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
		}
		aw, err := l.openTarget(target, format)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log: %w", err)
		}
		al := zerolog.New(aw).With().Timestamp().Logger()
		l.accessLog = &al
		l.parsedProxies = parsed
		if a.RealIPHeader != nil {
			l.realIPHeader = *a.RealIPHeader
		}
	}
	return l, nil
}

func (l *Logger) openTarget(target, format string) (io.Writer, error) {
	var (
		w        io.Writer
		terminal bool
	)
	switch target {
	case "stdout":
		w, terminal = os.Stdout, isatty.IsTerminal(os.Stdout.Fd())
		if format == "console" {
			w = colorable.NewColorableStdout()
		}
	case "stderr":
		w, terminal = os.Stderr, isatty.IsTerminal(os.Stderr.Fd())
		if format == "console" {
			w = colorable.NewColorableStderr()
		}
	default:
		sink, err := openFileSink(target)
		if err != nil {
			return nil, err
		}
		l.sinks = append(l.sinks, sink)
		w = sink
	}
	if format == "console" {
		return zerolog.ConsoleWriter{Out: w, NoColor: !terminal, TimeFormat: time.RFC3339}, nil
	}
	return w, nil
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	nop := zerolog.Nop()
	return &Logger{errorLog: nop, accessLog: &nop}
}

// NewTestLogger writes both error and access lines as JSON to w at debug level.
func NewTestLogger(w io.Writer) *Logger {
	el := zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	al := zerolog.New(w).With().Str("log", "access").Timestamp().Logger()
	return &Logger{errorLog: el, accessLog: &al, realIPHeader: "X-Forwarded-For"}
}

// With returns a child logger whose error lines carry fields.
func (l *Logger) With(fields LogFields) *Logger {
	child := *l
	child.errorLog = l.errorLog.With().Fields(map[string]interface{}(fields)).Logger()
	return &child
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.emit(l.errorLog.Error(), msg, fields)
}

// Access writes one access log line. It is a no-op when access logging is disabled.
func (l *Logger) Access(e AccessEntry) {
	if l.accessLog == nil {
		return
	}
	_, port, err := net.SplitHostPort(e.RemoteAddr)
	if err != nil {
		port = "0"
	}
	ev := l.accessLog.Log().
		Str("remote_addr", getRealClientIP(e.RemoteAddr, e.Header, l.realIPHeader, l.parsedProxies)).
		Str("remote_port", port).
		Str("protocol", e.Proto).
		Str("method", e.Method).
		Str("uri", e.URI).
		Int("status", e.Status).
		Int64("resp_bytes", e.RespBytes).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.Header != nil {
		if ua := e.Header.Get("User-Agent"); ua != "" {
			ev = ev.Str("user_agent", ua)
		}
		if ref := e.Header.Get("Referer"); ref != "" {
			ev = ev.Str("referer", ref)
		}
	}
	ev.Send()
}

// CloseLogFiles closes any file-backed log targets.
func (l *Logger) CloseLogFiles() error {
	var errs []error
	for _, s := range l.sinks {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReopenLogFiles closes and reopens file-backed targets, for log rotation on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	var errs []error
	for _, s := range l.sinks {
		if err := s.reopen(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP returns the client address for the access log. The real-IP
// header is only honoured when the direct peer is a trusted proxy; its list
// is walked right to left and the first untrusted hop wins.
func getRealClientIP(remoteAddr string, headers HeaderGetter, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" || headers == nil || !isIPTrusted(net.ParseIP(peer), trustedProxies) {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	hops := strings.Split(headerValue, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(hops[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			// malformed chain
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}
