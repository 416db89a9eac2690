package api

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/engine"
	"s7link/logging"
)

// Server is the HTTP status API server.
type Server struct {
	config  *config.StatusConfig
	engine  *engine.Engine
	log     zerolog.Logger
	server  *http.Server
	router  chi.Router
	addr    string
	running bool
	mu      sync.RWMutex

	cleanup func()
}

// NewServer creates a status API server for the engine.
func NewServer(cfg *config.StatusConfig, e *engine.Engine) *Server {
	s := &Server{
		config: cfg,
		engine: e,
		log:    logging.Logger().With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	apiRouter, cleanup := NewRouter(s.engine)
	s.cleanup = cleanup
	r.Mount("/", apiRouter)

	s.router = r
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.cleanup == nil {
		s.setupRoutes()
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}
	s.server = srv

	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			s.log.Error().Err(err).Str("listen", s.addr).Msg("status API stopped")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	s.log.Info().Str("listen", s.addr).Msg("status API started")
	return nil
}

// Stop halts the HTTP server gracefully and closes the event stream.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server URL. After Start it reflects the bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return "http://" + s.config.Listen
}
