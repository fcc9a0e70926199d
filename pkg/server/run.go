package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	slog.Info("chat server listening", "addr", ln.Addr().String())

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.trackConn(conn) {
			_ = conn.Close()
			return
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.untrackConn(conn)
			s.handleConn(conn)
		}()
	}
}

// Run starts the server and blocks until SIGINT or SIGTERM.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	slog.Info("roomchat server running", version.LogAttrs()...)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-s.ctx.Done():
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting, tells every session the server is going away,
// closes all connections and waits up to ShutdownTimeout for handlers to
// finish. The store is closed last. Safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.deliver(s.registry.Sessions(), protocol.System("Server is shutting down..."))
		s.closeConns()

		done := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(done)
		}()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		select {
		case <-done:
		case <-time.After(timeout):
			slog.Warn("shutdown timed out waiting for handlers", "timeout", timeout)
		}

		if closer, ok := s.activity.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				slog.Error("close store failed", "err", err)
			}
		}
	})
}
