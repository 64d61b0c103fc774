package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/logger"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/SpatiumPortae/roomshare/internal/token"
	"github.com/SpatiumPortae/roomshare/templates"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const indexTemplate = "server/index.html"

// Config holds the settings the server starts with. Minter and PublicURL may be swapped at
// runtime with SetMinter and SetPublicURL.
type Config struct {
	Port      int
	PublicURL string
	Relay     bool
	Minter    token.Minter
	Logger    *zap.Logger
}

// Server serves the token endpoint, the sender page and optionally the development relay.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	rooms      *Rooms
	logger     *zap.Logger
	templates  map[string]*template.Template
	version    *semver.Version
	relay      bool

	mu        sync.RWMutex
	minter    token.Minter
	publicURL string
}

// NewServer constructs a new Server struct and setups the routes.
func NewServer(cfg Config, version semver.Version) (*Server, error) {
	router := &mux.Router{}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = logger.New()
	}
	tmpls, err := templates.NewTemplates()
	if err != nil {
		return nil, err
	}
	if _, ok := tmpls[indexTemplate]; !ok {
		return nil, fmt.Errorf("missing template %s", indexTemplate)
	}
	stdLoggerWrapper, _ := zap.NewStdLogAt(lgr, zap.ErrorLevel)
	s := &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			ReadHeaderTimeout: 10 * time.Second,
			Handler:           router,
			ErrorLog:          stdLoggerWrapper,
		},
		router:    router,
		rooms:     NewRooms(),
		logger:    lgr,
		templates: tmpls,
		version:   &version,
		relay:     cfg.Relay,
		minter:    cfg.Minter,
		publicURL: cfg.PublicURL,
	}
	s.routes()
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) SetMinter(m token.Minter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minter = m
}

func (s *Server) SetPublicURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicURL = u
}

func (s *Server) currentMinter() token.Minter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minter
}

func (s *Server) currentPublicURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicURL
}

// secrets resolves API secrets for the relay token check from the current minter.
func (s *Server) secrets(apiKey string) (string, bool) {
	m := s.currentMinter()
	return token.StaticSecrets(m.APIKey, m.APISecret)(apiKey)
}

// Start runs the server until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := serve(s, ctx); err != nil {
		s.logger.Error("serving roomshare server", zap.Error(err), zap.Stack("stack_trace"))
		return err
	}
	return nil
}

// serve is a helper function providing graceful shutdown of the server.
func serve(s *Server, ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	s.logger.
		With(zap.String("version", s.version.String())).
		With(zap.String("address", s.httpServer.Addr)).
		With(zap.Bool("relay", s.relay)).
		Info("serving roomshare server")

	select {
	case err := <-errC:
		return fmt.Errorf("listening: %w", err)
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctxShutdown); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("shutting down: %w", err)
	}
	s.logger.Info("roomshare server shutdown successfully")
	return nil
}
