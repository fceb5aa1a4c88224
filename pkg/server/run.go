package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Start seeds the store, starts the pairing loop and begins serving HTTP on
// ListenAddr. It returns once the listener is bound.
func (s *Server) Start() error {
	if s.cfg.SentencesFile != "" {
		if err := LoadSentencesFromYAML(s.ctx, s.cfg.SentencesFile, s.store); err != nil {
			slog.Error("failed to load sentences config", "err", err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.coord.Run(s.ctx)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "err", err)
		}
	}()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	slog.Info("TypeDuel server running", "addr", ln.Addr().String(), "category", s.cfg.Category)
	return nil
}

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		s.closeDeps()
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server. Open connections are closed and their
// races aborted in the store before the store itself is closed. Safe to call
// more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("HTTP shutdown", "err", err)
			}
			cancel()
		}
		s.closeClients()
		s.waitConns(shutdownTimeout)
		s.cancel()
		s.closeDeps()
	})
}

const shutdownTimeout = 5 * time.Second

// waitConns blocks until every connection handler has finished its disconnect
// handling, or timeout elapses.
func (s *Server) waitConns(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("connections still closing at shutdown", "clients", s.ClientCount())
	}
}

func (s *Server) closeDeps() {
	if err := s.store.Close(); err != nil {
		slog.Warn("closing store", "err", err)
	}
	if s.board != nil {
		if err := s.board.Close(); err != nil {
			slog.Warn("closing leaderboard", "err", err)
		}
	}
}
