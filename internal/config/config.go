package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 38764
	DefaultBacklog          = 15
	DefaultAcceptBatchSize  = 15
	DefaultAcceptRetryDelay = "1s"
	DefaultTimeout          = "10s"
	DefaultShutdownTimeout  = "30s"
	DefaultMaxLineBytes     = 65536
	DefaultMaxHeaders       = 30
	DefaultHighWatermark    = 64 * 1024
	DefaultLowWatermark     = 16 * 1024
	DefaultServerName       = "qsonac/0.9"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds the listening contract and per-connection limits.
type ServerConfig struct {
	Host             *string   `json:"host,omitempty" toml:"host,omitempty"`
	Port             *int      `json:"port,omitempty" toml:"port,omitempty"`
	Backlog          *int      `json:"backlog,omitempty" toml:"backlog,omitempty"`
	AcceptRetryDelay *string   `json:"accept_retry_delay,omitempty" toml:"accept_retry_delay,omitempty"` // e.g., "1s"
	AcceptBatchSize  *int      `json:"accept_batch_size,omitempty" toml:"accept_batch_size,omitempty"`
	Timeout          *string   `json:"timeout,omitempty" toml:"timeout,omitempty"`                   // e.g., "10s"
	ShutdownTimeout  *string   `json:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"` // e.g., "30s"
	MaxLineBytes     *ByteSize `json:"max_line_bytes,omitempty" toml:"max_line_bytes,omitempty"`
	MaxHeaders       *int      `json:"max_headers,omitempty" toml:"max_headers,omitempty"`
	HighWatermark    *ByteSize `json:"high_watermark,omitempty" toml:"high_watermark,omitempty"`
	LowWatermark     *ByteSize `json:"low_watermark,omitempty" toml:"low_watermark,omitempty"`
	Debug            *bool     `json:"debug,omitempty" toml:"debug,omitempty"`
	ServerName       *string   `json:"server_name,omitempty" toml:"server_name,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route binds a path prefix to a handler built by the named factory.
type Route struct {
	PathPrefix    string          `json:"path_prefix" toml:"path_prefix"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         string   `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty"`
}

// StaticFileServerConfig is the HandlerConfig for "StaticFileServer" routes.
type StaticFileServerConfig struct {
	DocumentRoot          string            `json:"document_root"`
	IndexFiles            []string          `json:"index_files,omitempty"`
	ServeDirectoryListing *bool             `json:"serve_directory_listing,omitempty"`
	MimeTypes             map[string]string `json:"mime_types,omitempty"`
	MimeTypesPath         *string           `json:"mime_types_path,omitempty"`
}

// TextHandlerConfig is the HandlerConfig for "Text" routes.
type TextHandlerConfig struct {
	Status      int    `json:"status,omitempty"`
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
}

// ByteSize is a byte count that decodes from a JSON number or from a
// humanized string such as "64KiB" or "1 MB".
type ByteSize uint64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		*b = ByteSize(n)
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid byte size %s: %w", data, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(b), 10)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// IsFilePath reports whether a log target names a file rather than a stdio stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The format is chosen by extension (.json, .toml) and falls back to content sniffing.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := parse(data, detectFormat(path, data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	return cfg, nil
}

type format int

const (
	formatJSON format = iota
	formatTOML
)

func detectFormat(path string, data []byte) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".toml":
		return formatTOML
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return formatJSON
	}
	return formatTOML
}

// parse decodes raw configuration bytes without applying defaults.
// TOML documents are normalised through JSON so that handler_config
// sections keep their raw form for the handler factories.
func parse(data []byte, f format) (*Config, error) {
	if f == formatTOML {
		var generic map[string]interface{}
		if _, err := toml.Decode(string(data), &generic); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
		var err error
		data, err = json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("toml: re-encoding: %w", err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &cfg, nil
}

// resolvePaths makes file log targets absolute relative to the config file.
func (c *Config) resolvePaths(baseDir string) {
	if c.Logging == nil {
		return
	}
	resolve := func(target string) string {
		if IsFilePath(target) && !filepath.IsAbs(target) {
			return filepath.Join(baseDir, target)
		}
		return target
	}
	if c.Logging.AccessLog != nil {
		c.Logging.AccessLog.Target = resolve(c.Logging.AccessLog.Target)
	}
	if c.Logging.ErrorLog != nil {
		c.Logging.ErrorLog.Target = resolve(c.Logging.ErrorLog.Target)
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
func sizePtr(n uint64) *ByteSize {
	b := ByteSize(n)
	return &b
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Host == nil {
		s.Host = strPtr(DefaultHost)
	}
	if s.Port == nil {
		s.Port = intPtr(DefaultPort)
	}
	if s.Backlog == nil {
		s.Backlog = intPtr(DefaultBacklog)
	}
	if s.AcceptRetryDelay == nil {
		s.AcceptRetryDelay = strPtr(DefaultAcceptRetryDelay)
	}
	if s.AcceptBatchSize == nil {
		s.AcceptBatchSize = intPtr(DefaultAcceptBatchSize)
	}
	if s.Timeout == nil {
		s.Timeout = strPtr(DefaultTimeout)
	}
	if s.ShutdownTimeout == nil {
		s.ShutdownTimeout = strPtr(DefaultShutdownTimeout)
	}
	if s.MaxLineBytes == nil {
		s.MaxLineBytes = sizePtr(DefaultMaxLineBytes)
	}
	if s.MaxHeaders == nil {
		s.MaxHeaders = intPtr(DefaultMaxHeaders)
	}
	if s.HighWatermark == nil {
		s.HighWatermark = sizePtr(DefaultHighWatermark)
	}
	if s.LowWatermark == nil {
		s.LowWatermark = sizePtr(DefaultLowWatermark)
	}
	if s.Debug == nil {
		s.Debug = boolPtr(false)
	}
	if s.ServerName == nil {
		s.ServerName = strPtr(DefaultServerName)
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == "" {
		l.AccessLog.Target = "stdout"
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = "json"
	}
	if l.AccessLog.RealIPHeader == nil {
		l.AccessLog.RealIPHeader = strPtr("X-Forwarded-For")
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.ErrorLog.Format == "" {
		l.ErrorLog.Format = "json"
	}
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if c.Server == nil {
		return errors.New("server section is missing")
	}
	if _, err := c.Server.Settings(); err != nil {
		return err
	}
	if c.Routing != nil {
		seen := make(map[string]int, len(c.Routing.Routes))
		for i, r := range c.Routing.Routes {
			if !strings.HasPrefix(r.PathPrefix, "/") {
				return fmt.Errorf("routing.routes[%d]: path_prefix %q must start with '/'", i, r.PathPrefix)
			}
			if r.HandlerType == "" {
				return fmt.Errorf("routing.routes[%d]: handler_type is required", i)
			}
			if j, dup := seen[r.PathPrefix]; dup {
				return fmt.Errorf("routing.routes[%d]: path_prefix %q duplicates routing.routes[%d]", i, r.PathPrefix, j)
			}
			seen[r.PathPrefix] = i
		}
	}
	if c.Logging != nil {
		switch c.Logging.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", c.Logging.LogLevel)
		}
		if a := c.Logging.AccessLog; a != nil && a.Format != "json" && a.Format != "console" {
			return fmt.Errorf("logging.access_log.format %q must be json or console", a.Format)
		}
		if e := c.Logging.ErrorLog; e != nil && e.Format != "json" && e.Format != "console" {
			return fmt.Errorf("logging.error_log.format %q must be json or console", e.Format)
		}
	}
	return nil
}

// Settings is the resolved, typed form of ServerConfig.
type Settings struct {
	Host             string
	Port             int
	Backlog          int
	AcceptRetryDelay time.Duration
	AcceptBatchSize  int
	Timeout          time.Duration
	ShutdownTimeout  time.Duration
	MaxLineBytes     int
	MaxHeaders       int
	HighWatermark    int
	LowWatermark     int
	Debug            bool
	ServerName       string
}

// Addr returns host:port.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Settings resolves a defaulted ServerConfig into concrete values.
func (sc *ServerConfig) Settings() (Settings, error) {
	if sc.Host == nil || sc.Port == nil || sc.Backlog == nil || sc.AcceptBatchSize == nil ||
		sc.AcceptRetryDelay == nil || sc.Timeout == nil || sc.ShutdownTimeout == nil ||
		sc.MaxLineBytes == nil || sc.MaxHeaders == nil || sc.HighWatermark == nil ||
		sc.LowWatermark == nil || sc.Debug == nil || sc.ServerName == nil {
		return Settings{}, errors.New("server configuration has unset fields; apply defaults first")
	}

	var s Settings
	var err error
	s.Host = *sc.Host
	s.Port = *sc.Port
	if s.Port < 0 || s.Port > 65535 {
		return Settings{}, fmt.Errorf("server.port %d is out of range", s.Port)
	}
	s.Backlog = *sc.Backlog
	if s.Backlog <= 0 {
		return Settings{}, fmt.Errorf("server.backlog must be positive, got %d", s.Backlog)
	}
	s.AcceptBatchSize = *sc.AcceptBatchSize
	if s.AcceptBatchSize <= 0 {
		return Settings{}, fmt.Errorf("server.accept_batch_size must be positive, got %d", s.AcceptBatchSize)
	}
	if s.AcceptRetryDelay, err = parsePositiveDuration("server.accept_retry_delay", *sc.AcceptRetryDelay); err != nil {
		return Settings{}, err
	}
	if s.Timeout, err = parsePositiveDuration("server.timeout", *sc.Timeout); err != nil {
		return Settings{}, err
	}
	if s.ShutdownTimeout, err = parsePositiveDuration("server.shutdown_timeout", *sc.ShutdownTimeout); err != nil {
		return Settings{}, err
	}
	s.MaxLineBytes = int(*sc.MaxLineBytes)
	if s.MaxLineBytes < 16 {
		return Settings{}, fmt.Errorf("server.max_line_bytes must be at least 16, got %d", s.MaxLineBytes)
	}
	s.MaxHeaders = *sc.MaxHeaders
	if s.MaxHeaders <= 0 {
		return Settings{}, fmt.Errorf("server.max_headers must be positive, got %d", s.MaxHeaders)
	}
	s.HighWatermark = int(*sc.HighWatermark)
	s.LowWatermark = int(*sc.LowWatermark)
	if s.HighWatermark <= 0 {
		return Settings{}, fmt.Errorf("server.high_watermark must be positive, got %d", s.HighWatermark)
	}
	if s.LowWatermark > s.HighWatermark {
		return Settings{}, fmt.Errorf("server.low_watermark (%s) exceeds server.high_watermark (%s)",
			sc.LowWatermark, sc.HighWatermark)
	}
	s.Debug = *sc.Debug
	s.ServerName = *sc.ServerName
	return s, nil
}

func parsePositiveDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %q", field, v)
	}
	return d, nil
}

// ParseStaticFileServerConfig decodes and validates a StaticFileServer handler config.
// A relative document_root or mime_types_path is resolved against baseDir.
func ParseStaticFileServerConfig(raw json.RawMessage, baseDir string) (*StaticFileServerConfig, error) {
	if len(raw) == 0 {
		return nil, errors.New("handler_config is required for StaticFileServer")
	}
	var sfs StaticFileServerConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sfs); err != nil {
		return nil, fmt.Errorf("failed to parse StaticFileServer handler_config: %w", err)
	}
	if sfs.DocumentRoot == "" {
		return nil, errors.New("StaticFileServer handler_config: document_root is required")
	}
	if !filepath.IsAbs(sfs.DocumentRoot) {
		sfs.DocumentRoot = filepath.Join(baseDir, sfs.DocumentRoot)
	}
	if len(sfs.IndexFiles) == 0 {
		sfs.IndexFiles = []string{"index.html"}
	}
	if sfs.ServeDirectoryListing == nil {
		sfs.ServeDirectoryListing = boolPtr(false)
	}
	if sfs.MimeTypesPath != nil && !filepath.IsAbs(*sfs.MimeTypesPath) {
		sfs.MimeTypesPath = strPtr(filepath.Join(baseDir, *sfs.MimeTypesPath))
	}
	for ext, mt := range sfs.MimeTypes {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("StaticFileServer handler_config: mime_types key %q must start with '.'", ext)
		}
		if mt == "" {
			return nil, fmt.Errorf("StaticFileServer handler_config: empty MIME type for %q", ext)
		}
	}
	return &sfs, nil
}

// ParseTextHandlerConfig decodes a Text handler config.
func ParseTextHandlerConfig(raw json.RawMessage) (*TextHandlerConfig, error) {
	var tc TextHandlerConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tc); err != nil {
			return nil, fmt.Errorf("failed to parse Text handler_config: %w", err)
		}
	}
	if tc.Status == 0 {
		tc.Status = 200
	}
	if tc.Status < 100 || tc.Status > 999 {
		return nil, fmt.Errorf("Text handler_config: status %d is invalid", tc.Status)
	}
	return &tc, nil
}
