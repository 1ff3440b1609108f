package lifecycle

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ListenerConfig holds the HTTP server settings.
type ListenerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Listener is the single HTTP server shared by REST routes and the
// realtime endpoint. Binding is separate from serving so the controller
// decides when the port opens.
type Listener struct {
	srv *http.Server

	mu     sync.Mutex
	ln     net.Listener
	served bool
}

// NewListener builds an unbound listener for handler.
func NewListener(cfg ListenerConfig, handler http.Handler) *Listener {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	return &Listener{srv: &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}}
}

// Bind opens the TCP socket. A port already in use is returned as is.
func (l *Listener) Bind() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.srv.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Serve accepts connections until Shutdown. It returns nil after a
// graceful shutdown.
func (l *Listener) Serve() error {
	l.mu.Lock()
	ln := l.ln
	l.served = ln != nil
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener is not bound")
	}
	if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires. A socket that
// was bound but never served is closed directly.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ln, served := l.ln, l.served
	l.mu.Unlock()

	err := l.srv.Shutdown(ctx)
	if ln != nil && !served {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Addr returns the bound address, or the configured one before Bind.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.srv.Addr
}
