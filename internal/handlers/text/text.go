// Package text provides a handler that answers every request with a fixed
// status and body.
package text

import (
	"encoding/json"

	"example.com/qsonac/internal/config"
	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
)

// HandlerType is the handler_type name used in route configuration.
const HandlerType = "Text"

type Handler struct {
	cfg *config.TextHandlerConfig
}

// New is a server.HandlerFactory.
func New(raw json.RawMessage, _ *logger.Logger) (http1.Handler, error) {
	cfg, err := config.ParseTextHandlerConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg}, nil
}

func (h *Handler) Serve(*http1.Request) (*http1.Response, error) {
	resp := http1.Text(h.cfg.Status, h.cfg.Body)
	if h.cfg.ContentType != "" {
		resp.Header.Set("Content-Type", h.cfg.ContentType)
	}
	return resp, nil
}
