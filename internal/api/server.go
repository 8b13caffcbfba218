// Package api exposes the reminder engine over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"remindd/internal/engine"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr         string // default 127.0.0.1:8080
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ContactStore is the contact write access the API needs.
type ContactStore interface {
	PutContact(ctx context.Context, ownerID string, c storage.Contact) error
}

// Server serves the reminder API. Requests identify their owner through the
// X-Owner-ID header; authentication is assumed to happen upstream.
type Server struct {
	cfg    Config
	log    logx.Logger
	engine *engine.Service
	store  ContactStore

	srv *http.Server
}

func New(cfg Config, eng *engine.Service, contacts ContactStore, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log, engine: eng, store: contacts}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/reminders", s.handleCreate)
	mux.HandleFunc("GET /api/reminders", s.handleList)
	mux.HandleFunc("GET /api/reminders/{id}", s.handleGet)
	mux.HandleFunc("PUT /api/reminders/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/reminders/{id}", s.handleDelete)
	mux.HandleFunc("PUT /api/contact", s.handlePutContact)
	return mux
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start begins serving in the background. It returns once the listener is
// bound so the caller knows the port is live (or gets the bind error).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api serve", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown", logx.Err(err))
	}
}
