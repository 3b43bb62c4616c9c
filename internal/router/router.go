// Package router maps request paths to handlers by longest matching prefix.
package router

import (
	"errors"
	"fmt"
	"strings"

	"example.com/qsonac/internal/config"
	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
	"example.com/qsonac/internal/server"
)

// ErrInvalidPattern is returned for route patterns that do not start with "/".
var ErrInvalidPattern = errors.New(`router: pattern must start with "/"`)

// Router holds the routing table and dispatches requests. The tree is rooted
// at the empty key with no handler, so every "/" pattern is compatible and
// paths below no registered prefix resolve to 404.
type Router struct {
	tree *Tree[mount]
	log  *logger.Logger
}

// mount is a handler bound to the pattern it was registered under.
type mount struct {
	pattern string
	handler http1.Handler
}

// New returns an empty Router.
func New(lg *logger.Logger) *Router {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	t := NewTree[mount]()
	t.Insert("", mount{})
	return &Router{tree: t, log: lg}
}

// NewRouter builds a Router from configured routes, instantiating each
// route's handler through the registry. Routes are inserted in order.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	r := New(lg)
	for _, route := range routes {
		h, err := registry.CreateHandler(route.HandlerType, route.HandlerConfig, r.log.With(logger.LogFields{
			"handler":     route.HandlerType,
			"path_prefix": route.PathPrefix,
		}))
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", route.PathPrefix, err)
		}
		if err := r.Handle(route.PathPrefix, h); err != nil {
			return nil, fmt.Errorf("route %q: %w", route.PathPrefix, err)
		}
		r.log.Debug("Registered route", logger.LogFields{
			"path_prefix":  route.PathPrefix,
			"handler_type": route.HandlerType,
		})
	}
	return r, nil
}

// Handle binds h to every path starting with pattern. Registering the same
// pattern again replaces its handler.
func (r *Router) Handle(pattern string, h http1.Handler) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if h == nil {
		return fmt.Errorf("router: nil handler for %q", pattern)
	}
	return r.tree.Insert(pattern, mount{pattern: pattern, handler: h})
}

// HandleFunc is Handle for a plain function.
func (r *Router) HandleFunc(pattern string, f func(*http1.Request) (*http1.Response, error)) error {
	return r.Handle(pattern, http1.HandlerFunc(f))
}

// Match returns the handler bound to the longest registered prefix of path.
func (r *Router) Match(path string) (http1.Handler, bool) {
	m, ok := r.match(path)
	return m.handler, ok
}

func (r *Router) match(path string) (mount, bool) {
	m, err := r.tree.Lookup(path)
	if err != nil || m.handler == nil {
		return mount{}, false
	}
	return m, true
}

// Patterns lists the registered patterns in tree order.
func (r *Router) Patterns() []string {
	var out []string
	r.tree.Walk(func(key string, _ mount, _ int) bool {
		if key != "" {
			out = append(out, key)
		}
		return true
	})
	return out
}

// Serve implements http1.Handler. Unmatched paths get the built-in 404.
// The handler sees a copy of req with MatchedPrefix set.
func (r *Router) Serve(req *http1.Request) (*http1.Response, error) {
	m, ok := r.match(req.Path)
	if !ok {
		r.log.Debug("No route matched", logger.LogFields{"path": req.Path, "method": req.Method})
		return http1.NotFound.Serve(req)
	}
	routed := *req
	routed.MatchedPrefix = m.pattern
	return m.handler.Serve(&routed)
}
