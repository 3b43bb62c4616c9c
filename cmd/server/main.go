package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"example.com/qsonac/internal/config"
	"example.com/qsonac/internal/handlers/environ"
	"example.com/qsonac/internal/handlers/staticfile"
	"example.com/qsonac/internal/handlers/text"
	"example.com/qsonac/internal/logger"
	"example.com/qsonac/internal/router"
	"example.com/qsonac/internal/server"
)

type options struct {
	configPath string
	docRoot    string
	host       string
	port       int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("qsonac", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to the configuration file (JSON or TOML); defaults are used when empty")
	fs.StringVar(&o.docRoot, "docroot", "", "Serve this directory at / (overrides configured routes)")
	fs.StringVar(&o.host, "host", "", "Override server.host")
	fs.IntVar(&o.port, "port", -1, "Override server.port")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

// loadConfig returns the configuration and the directory that relative
// paths in handler configs resolve against.
func loadConfig(o options) (*config.Config, string, error) {
	if o.configPath == "" {
		cfg := config.Default()
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		if o.docRoot == "" {
			// A bare server still answers something useful.
			cfg.Routing = &config.RoutingConfig{Routes: []config.Route{{PathPrefix: "/", HandlerType: environ.HandlerType}}}
		}
		return applyOverrides(cfg, o, wd)
	}

	abs, err := filepath.Abs(o.configPath)
	if err != nil {
		return nil, "", fmt.Errorf("resolving config path %s: %w", o.configPath, err)
	}
	cfg, err := config.LoadConfig(abs)
	if err != nil {
		return nil, "", err
	}
	return applyOverrides(cfg, o, filepath.Dir(abs))
}

func applyOverrides(cfg *config.Config, o options, baseDir string) (*config.Config, string, error) {
	if o.host != "" {
		cfg.Server.Host = &o.host
	}
	if o.port >= 0 {
		cfg.Server.Port = &o.port
	}
	if o.docRoot != "" {
		raw, err := json.Marshal(config.StaticFileServerConfig{DocumentRoot: o.docRoot})
		if err != nil {
			return nil, "", err
		}
		cfg.Routing = &config.RoutingConfig{Routes: []config.Route{{
			PathPrefix:    "/",
			HandlerType:   staticfile.HandlerType,
			HandlerConfig: raw,
		}}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, baseDir, nil
}

func newRegistry(baseDir string) (*server.HandlerRegistry, error) {
	reg := server.NewHandlerRegistry()
	factories := []struct {
		name    string
		factory server.HandlerFactory
	}{
		{staticfile.HandlerType, staticfile.Factory(baseDir)},
		{environ.HandlerType, environ.New},
		{text.HandlerType, text.New},
	}
	for _, f := range factories {
		if err := reg.Register(f.name, f.factory); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// run builds the server and blocks until ctx is cancelled or serving fails.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, baseDir, err := loadConfig(o)
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files: %v", err)
		}
	}()

	reg, err := newRegistry(baseDir)
	if err != nil {
		return err
	}
	var routes []config.Route
	if cfg.Routing != nil {
		routes = cfg.Routing.Routes
	}
	rt, err := router.NewRouter(routes, reg, lg)
	if err != nil {
		lg.Error("Failed to initialize router", logger.LogFields{"error": err.Error()})
		return err
	}
	srv, err := server.NewServer(cfg, lg, rt, server.Hooks{})
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := lg.ReopenLogFiles(); err != nil {
					lg.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				} else {
					lg.Info("Reopened log files")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	lg.Info("Starting server", logger.LogFields{
		"address": srv.Settings().Addr(),
		"routes":  len(rt.Patterns()),
	})
	if err := srv.Run(ctx); err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Server stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
