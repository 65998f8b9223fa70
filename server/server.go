package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quillblog/quill/config"
	"github.com/quillblog/quill/post"
	"github.com/quillblog/quill/templatex"
)

// Server ties HTTP handlers to the post cache and template registry.
type Server struct {
	cfg          *config.Config
	posts        *post.Manager
	templates    *templatex.Registry
	logger       *slog.Logger
	mux          *http.ServeMux
	serverHeader string
}

// New constructs a server instance.
func New(cfg *config.Config, posts *post.Manager, templates *templatex.Registry, logger *slog.Logger, serverHeader string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	srv := &Server{
		cfg:          cfg,
		posts:        posts,
		templates:    templates,
		logger:       logger,
		mux:          http.NewServeMux(),
		serverHeader: strings.TrimSpace(serverHeader),
	}
	srv.routes()
	return srv
}

// Start launches the HTTP server and attaches graceful shutdown behaviour.
// It returns once the listener has closed and shutdown completed.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.listen(s.cfg.Listen)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "address", listener.Addr().String(), "tls", s.cfg.EnableTLS)

	server := &http.Server{
		Handler:      s.withServerHeader(s.logRequests(s.mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxShutdown)
		close(shutdownDone)
	}()

	var serveErr error
	if s.cfg.EnableTLS {
		serveErr = server.ServeTLS(listener, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		serveErr = server.Serve(listener)
	}

	if errors.Is(serveErr, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return serveErr
}

// Handler exposes the routed handler stack, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.withServerHeader(s.logRequests(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/posts", s.handlePostList)
	s.mux.HandleFunc("/posts/", s.handlePost)
	if s.cfg.StaticDir != "" {
		s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.StaticDir))))
	}
	if s.cfg.MediaDir != "" {
		s.mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.cfg.MediaDir))))
	}
	s.mux.HandleFunc("/", s.handleIndex)
}

func (s *Server) listen(address string) (net.Listener, error) {
	if listener, ok, err := s.systemdListener(); err != nil {
		return nil, err
	} else if ok {
		return listener, nil
	}
	if after, ok := strings.CutPrefix(address, "unix:"); ok {
		path := after
		_ = os.Remove(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", address)
}

func (s *Server) systemdListener() (net.Listener, bool, error) {
	pidEnv := strings.TrimSpace(os.Getenv("LISTEN_PID"))
	if pidEnv == "" {
		return nil, false, nil
	}
	pid, err := strconv.Atoi(pidEnv)
	if err != nil || pid != os.Getpid() {
		return nil, false, nil
	}
	fdsEnv := strings.TrimSpace(os.Getenv("LISTEN_FDS"))
	if fdsEnv == "" {
		return nil, false, nil
	}
	fds, err := strconv.Atoi(fdsEnv)
	if err != nil {
		return nil, false, fmt.Errorf("systemd listener: invalid LISTEN_FDS: %w", err)
	}
	if fds <= 0 {
		return nil, false, nil
	}
	const sdListenFdsStart = 3
	file := os.NewFile(uintptr(sdListenFdsStart), fmt.Sprintf("systemd-fd-%d", sdListenFdsStart))
	if file == nil {
		return nil, false, fmt.Errorf("systemd listener: failed to access fd")
	}
	listener, err := net.FileListener(file)
	_ = file.Close()
	if err != nil {
		return nil, false, fmt.Errorf("systemd listener: %w", err)
	}
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
	return listener, true, nil
}

func (s *Server) withServerHeader(next http.Handler) http.Handler {
	if s.serverHeader == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverHeader)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("http", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
