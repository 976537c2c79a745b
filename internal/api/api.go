// Package api exposes the REST surface for managing reminders and feeding
// acknowledgment signals into the tracker.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/reminders"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// AckReceiver consumes externally observed acknowledgment signals.
type AckReceiver interface {
	OnAcknowledge(ctx context.Context, ack models.Acknowledgment) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server routes reminder management and acknowledgment requests.
type Server struct {
	svc     *reminders.Service
	acks    AckReceiver
	addr    string
	httpSrv *http.Server
}

// NewServer creates an API server around the reminder service and the
// acknowledgment receiver.
func NewServer(svc *reminders.Service, acks AckReceiver, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{svc: svc, acks: acks, addr: o.Addr}
}

// Handler returns the route table. It is exported so tests can drive the
// server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/reminders", s.remindersHandler)
	mux.HandleFunc("/reminders/", s.reminderHandler)
	mux.HandleFunc("/ack", s.ackHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
