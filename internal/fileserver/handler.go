package fileserver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound  = errors.New("file not found")
	ErrForbidden = errors.New("access denied")
)

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	fullPath, relPath, err := s.resolve(r.URL.Path)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	switch {
	case info.IsDir():
		s.serveDirectory(w, r, fullPath, relPath)
	case info.Mode().IsRegular():
		s.serveFile(w, r, fullPath)
	default:
		s.handleError(w, r, ErrNotFound)
	}
}

// resolve maps a request path under the base path to a path inside the served
// directory. Paths climbing above the root, directly or through symlinks, are
// rejected with ErrForbidden.
func (s *Server) resolve(urlPath string) (string, string, error) {
	rest := urlPath
	if s.basePath != "/" {
		if !strings.HasPrefix(rest, s.basePath) {
			return "", "", ErrNotFound
		}
		rest = strings.TrimPrefix(rest, s.basePath)
		if rest != "" && !strings.HasPrefix(rest, "/") {
			return "", "", ErrNotFound
		}
	}

	var parts []string
	for _, segment := range strings.Split(rest, "/") {
		switch segment {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return "", "", ErrForbidden
			}
			parts = parts[:len(parts)-1]
		default:
			if strings.ContainsAny(segment, "\\\x00") {
				return "", "", ErrForbidden
			}
			parts = append(parts, segment)
		}
	}

	relPath := path.Join(parts...)
	fullPath := filepath.Join(s.root, filepath.FromSlash(relPath))

	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", "", err
	}
	realPath, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		return "", "", err
	}
	if !within(realRoot, realPath) {
		return "", "", ErrForbidden
	}

	return fullPath, relPath, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, fullPath string) {
	f, err := os.Open(fullPath)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(fullPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", info.Name()))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	buf := s.buffers.Get().(*[]byte)
	defer s.buffers.Put(buf)

	// Hide ReaderFrom/WriterTo so the configured chunk size is honored.
	written, err := io.CopyBuffer(struct{ io.Writer }{w}, struct{ io.Reader }{f}, *buf)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"file":  fullPath,
			"bytes": written,
			"error": err.Error(),
		}).Warn("Failed to stream file")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"file":  fullPath,
		"bytes": written,
	}).Debug("Successfully served file")
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		s.logger.Warnf("Attempted access outside serve directory: %s", r.URL.Path)
		http.Error(w, "Access denied", http.StatusForbidden)
	case errors.Is(err, fs.ErrPermission):
		s.logger.Warnf("Permission denied: %s", r.URL.Path)
		http.Error(w, "Access denied", http.StatusForbidden)
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		s.logger.Debugf("Path not found: %s", r.URL.Path)
		http.Error(w, "File not found", http.StatusNotFound)
	default:
		s.logger.WithFields(logrus.Fields{
			"path":  r.URL.Path,
			"error": err.Error(),
		}).Error("Error handling request")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
