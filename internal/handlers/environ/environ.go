// Package environ provides a handler that echoes the CGI view of each
// request back as plain text.
package environ

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
)

// HandlerType is the handler_type name used in route configuration.
const HandlerType = "Environ"

// maxEcho bounds how much of a request body is echoed.
const maxEcho = 64 << 10

// Handler writes one "KEY=value" line per environment entry, sorted by key.
// A request body, when present, follows after a blank line.
type Handler struct {
	log *logger.Logger
}

// New is a server.HandlerFactory. The handler takes no configuration.
func New(_ json.RawMessage, lg *logger.Logger) (http1.Handler, error) {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Handler{log: lg}, nil
}

func (h *Handler) Serve(req *http1.Request) (*http1.Response, error) {
	env := req.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(env[k])
		sb.WriteByte('\n')
	}

	if req.Body != nil && req.ContentLength != 0 {
		data, err := io.ReadAll(io.LimitReader(req.Body, maxEcho))
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			sb.WriteByte('\n')
			sb.Write(data)
		}
	}

	h.log.Debug("Echoing environment", logger.LogFields{"path": req.Path, "entries": len(keys)})
	resp := http1.Text(http.StatusOK, sb.String())
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp, nil
}
