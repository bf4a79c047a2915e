package fileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/0xPuncker/withings-sync-server/internal/config"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// BindError means the listening socket could not be acquired.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind file server on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

type Option func(*Server)

func WithRecorder(recorder RequestRecorder) Option {
	return func(s *Server) { s.recorder = recorder }
}

// Server exposes a directory read-only under a URL prefix.
type Server struct {
	cfg      config.ServerConfig
	logger   *logrus.Logger
	root     string
	basePath string
	recorder RequestRecorder

	buffers  sync.Pool
	listings *cache.Cache

	handler    http.Handler
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg config.ServerConfig, logger *logrus.Logger, opts ...Option) (*Server, error) {
	root, err := filepath.Abs(cfg.ServeDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve serve directory: %w", err)
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		root:     root,
		basePath: cfg.BasePath,
		buffers: sync.Pool{
			New: func() any {
				b := make([]byte, bufferSize)
				return &b
			},
		},
	}
	if s.basePath == "" {
		s.basePath = "/"
	}
	for _, opt := range opts {
		opt(s)
	}

	if ttl := cfg.ListingCacheTTLDuration(); ttl > 0 {
		s.listings = cache.New(ttl, 2*ttl)
	}

	router := mux.NewRouter().SkipClean(true)
	methods := []string{http.MethodGet, http.MethodHead}
	if s.basePath == "/" {
		router.PathPrefix("/").Methods(methods...).HandlerFunc(s.handleRequest)
	} else {
		router.Path(s.basePath).Methods(methods...).HandlerFunc(s.handleRequest)
		router.PathPrefix(s.basePath + "/").Methods(methods...).HandlerFunc(s.handleRequest)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "File not found", http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// Wrapped outside the router so unmatched requests are logged too.
	s.handler = loggingMiddleware(logger, s.recorder)(recoveryMiddleware(logger)(router))

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listening socket and serves in the background.
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	// net.Listen resolves service names, so "http" would quietly mean 80.
	if port, err := strconv.Atoi(s.cfg.Port); err != nil || port < 0 || port > 65535 {
		return &BindError{Addr: addr, Err: fmt.Errorf("invalid port %q", s.cfg.Port)}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if info, err := os.Stat(s.root); err != nil {
		s.logger.Warnf("Serve directory does not exist yet: %s", s.root)
	} else if !info.IsDir() {
		s.logger.Warnf("Serve path is not a directory: %s", s.root)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("File server error: %v", err)
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"address":         ln.Addr().String(),
		"serve_directory": s.root,
		"base_path":       s.basePath,
	}).Info("File server started")

	return nil
}

// Addr is the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("file server shutdown failed: %w", err)
	}
	return nil
}
