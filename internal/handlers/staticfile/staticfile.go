// Package staticfile serves files from a document root.
package staticfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"example.com/qsonac/internal/config"
	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
	"example.com/qsonac/internal/server"
)

// HandlerType is the handler_type name used in route configuration.
const HandlerType = "StaticFileServer"

const allowedMethods = "GET, HEAD, OPTIONS"

// StaticFileServer serves the files below a document root. The part of the
// request path after the matched route prefix names the file.
type StaticFileServer struct {
	cfg          *config.StaticFileServerConfig
	log          *logger.Logger
	mimeResolver *MimeTypeResolver
}

// Factory returns a server.HandlerFactory whose relative paths resolve
// against baseDir, normally the directory of the main config file.
func Factory(baseDir string) server.HandlerFactory {
	return func(raw json.RawMessage, lg *logger.Logger) (http1.Handler, error) {
		cfg, err := config.ParseStaticFileServerConfig(raw, baseDir)
		if err != nil {
			return nil, err
		}
		return New(cfg, lg)
	}
}

// New creates a StaticFileServer from a parsed configuration.
func New(cfg *config.StaticFileServerConfig, lg *logger.Logger) (*StaticFileServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("staticfile: config cannot be nil")
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	root, err := filepath.Abs(cfg.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("staticfile: document root %q: %w", cfg.DocumentRoot, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("staticfile: document root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("staticfile: document root %q is not a directory", root)
	}
	resolver, err := NewMimeTypeResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("staticfile: %w", err)
	}

	c := *cfg
	c.DocumentRoot = root
	if len(c.IndexFiles) == 0 {
		c.IndexFiles = []string{"index.html"}
	}
	if c.ServeDirectoryListing == nil {
		off := false
		c.ServeDirectoryListing = &off
	}
	return &StaticFileServer{cfg: &c, log: lg, mimeResolver: resolver}, nil
}

// Serve implements http1.Handler.
func (sfs *StaticFileServer) Serve(req *http1.Request) (*http1.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		resp := http1.NewResponse(http.StatusNoContent, nil)
		resp.Header.Set("Allow", allowedMethods)
		return resp, nil
	default:
		sfs.log.Info("Method not allowed", logger.LogFields{"method": req.Method, "path": req.Path})
		resp := sfs.errorResponse(req, http.StatusMethodNotAllowed, "Method not allowed for this resource.")
		resp.Header.Set("Allow", allowedMethods)
		return resp, nil
	}

	subPath := strings.TrimPrefix(req.Path, req.MatchedPrefix)
	fsPath, fi, status, err := sfs.resolvePath(subPath)
	if err != nil {
		sfs.log.Info("Cannot serve path", logger.LogFields{
			"path":   req.Path,
			"status": status,
			"error":  err.Error(),
		})
		msg := "File not found."
		switch status {
		case http.StatusForbidden:
			msg = "Access denied."
		case http.StatusInternalServerError:
			msg = "Error accessing file."
		}
		return sfs.errorResponse(req, status, msg), nil
	}

	if fi.IsDir() {
		return sfs.handleDirectory(req, fsPath)
	}
	return sfs.serveFile(req, fsPath, fi)
}

func (sfs *StaticFileServer) errorResponse(req *http1.Request, status int, msg string) *http1.Response {
	return http1.ErrorResponse(status, req.Header.Get("Accept"), msg)
}

// resolvePath maps a request sub-path to a file below the document root.
// Paths escaping the root answer 404 so nothing is revealed about the
// surrounding filesystem.
func (sfs *StaticFileServer) resolvePath(subPath string) (string, fs.FileInfo, int, error) {
	root := sfs.cfg.DocumentRoot
	target := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(subPath, "/")))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", nil, http.StatusNotFound, fmt.Errorf("path %q is outside the document root", subPath)
	}

	fi, err := os.Stat(target)
	switch {
	case err == nil:
		return target, fi, 0, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", nil, http.StatusNotFound, err
	case errors.Is(err, fs.ErrPermission):
		return "", nil, http.StatusForbidden, err
	default:
		return "", nil, http.StatusInternalServerError, err
	}
}

// handleDirectory serves the first index file present, else a listing when
// enabled, else 403.
func (sfs *StaticFileServer) handleDirectory(req *http1.Request, dirPath string) (*http1.Response, error) {
	for _, name := range sfs.cfg.IndexFiles {
		indexPath := filepath.Join(dirPath, name)
		fi, err := os.Stat(indexPath)
		if err == nil && !fi.IsDir() {
			return sfs.serveFile(req, indexPath, fi)
		}
	}

	if !*sfs.cfg.ServeDirectoryListing {
		return sfs.errorResponse(req, http.StatusForbidden, "Access to this directory is forbidden."), nil
	}

	page, err := sfs.generateDirectoryListingHTML(dirPath, req.Path)
	if err != nil {
		sfs.log.Error("Failed to generate directory listing", logger.LogFields{
			"dir":   dirPath,
			"error": err.Error(),
		})
		return sfs.errorResponse(req, http.StatusInternalServerError, "Error generating directory listing."), nil
	}
	resp := http1.NewResponse(http.StatusOK, page)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return resp, nil
}

// generateETag derives a strong validator from size and modification time.
func generateETag(fi fs.FileInfo) string {
	return fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
}

// notModified reports whether the request's validators match. If-None-Match
// takes precedence over If-Modified-Since.
func notModified(req *http1.Request, fi fs.FileInfo, etag string) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if strings.TrimSpace(inm) == "*" {
			return true
		}
		opaque := strings.Trim(etag, "\"")
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
			if strings.Trim(tag, "\"") == opaque {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !fi.ModTime().Truncate(time.Second).After(t)
	}
	return false
}

// serveFile answers 304 when the validators match. HEAD gets the headers of
// the full response without opening the file. GET streams the file in
// fixed-size chunks.
func (sfs *StaticFileServer) serveFile(req *http1.Request, filePath string, fi fs.FileInfo) (*http1.Response, error) {
	etag := generateETag(fi)
	lastModified := fi.ModTime().UTC().Format(http.TimeFormat)

	if notModified(req, fi, etag) {
		resp := http1.NewResponse(http.StatusNotModified, nil)
		resp.Header.Set("ETag", etag)
		resp.Header.Set("Last-Modified", lastModified)
		return resp, nil
	}

	resp := &http1.Response{Status: http.StatusOK, Header: http1.NewHeader()}
	resp.Header.Set("Content-Type", sfs.mimeResolver.GetMimeType(filePath))
	resp.Header.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	resp.Header.Set("Last-Modified", lastModified)
	resp.Header.Set("ETag", etag)

	if req.Method == http.MethodHead || fi.Size() == 0 {
		resp.Body = http1.NewBytesBody(nil)
		return resp, nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			sfs.log.Warn("Permission denied opening file", logger.LogFields{"path": filePath, "error": err.Error()})
			return sfs.errorResponse(req, http.StatusForbidden, "Access denied while opening file."), nil
		}
		sfs.log.Error("Failed to open file", logger.LogFields{"path": filePath, "error": err.Error()})
		return sfs.errorResponse(req, http.StatusInternalServerError, "Error reading file."), nil
	}
	resp.Body = http1.NewReaderBody(f, fi.Size())
	return resp, nil
}

// generateDirectoryListingHTML lists dirPath, directories first, then by
// case-insensitive name. webPath is the URL of the directory.
func (sfs *StaticFileServer) generateDirectoryListingHTML(dirPath, webPath string) ([]byte, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("could not read directory %s: %w", dirPath, err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if di, dj := entries[i].IsDir(), entries[j].IsDir(); di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	base := webPath
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	escapedWebPath := html.EscapeString(webPath)

	var sb strings.Builder
	fmt.Fprintf(&sb, "<html><head><title>Index of %s</title></head><body>", escapedWebPath)
	fmt.Fprintf(&sb, "<h1>Index of %s</h1><hr><pre>", escapedWebPath)

	if base != "/" {
		parent := path.Dir(strings.TrimSuffix(base, "/"))
		if parent != "/" {
			parent += "/"
		}
		fmt.Fprintf(&sb, "<a href=\"%s\">../</a>\n", html.EscapeString(parent))
	}

	for _, entry := range entries {
		name := entry.Name()
		info, err := entry.Info()
		if err != nil {
			sfs.log.Warn("Skipping directory entry", logger.LogFields{"entry": name, "error": err.Error()})
			continue
		}
		href := html.EscapeString(base + (&url.URL{Path: name}).EscapedPath())
		display := html.EscapeString(name)
		modified := info.ModTime().Format("02-Jan-2006 15:04")

		if info.IsDir() {
			fmt.Fprintf(&sb, "<a href=\"%s/\">%s/</a>%*s %20s %10s\n", href, display, pad(name)-1, "", modified, "-")
			continue
		}
		fmt.Fprintf(&sb, "<a href=\"%s\">%s</a>%*s %20s %10s\n", href, display, pad(name), "", modified,
			humanize.Bytes(uint64(info.Size())))
	}

	sb.WriteString("</pre><hr></body></html>")
	return []byte(sb.String()), nil
}

// pad aligns listing columns after names of up to 50 characters.
func pad(name string) int {
	if n := 50 - len(name); n > 1 {
		return n
	}
	return 1
}
