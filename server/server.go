//go:build linux

// Package server runs HTTP/1.x on top of the event loop: one goroutine, one
// epoll instance, a synchronous application handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/evhttp/server/engine"
)

// ErrNotListening is returned by Run before Listen.
var ErrNotListening = errors.New("server: not listening")

// Server owns one listening socket and everything served from it. Its
// lifetime is one Run call.
type Server struct {
	cfg Config
	log zerolog.Logger
	tel *telemetry

	handler  Handler
	accessOn bool
	errorOn  bool

	conns sync.Pool

	mu       sync.Mutex
	lfd      int
	addr     netip.AddrPort
	loop     *engine.Loop
	stopping atomic.Bool

	requests atomic.Uint64
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Live     int    // open connections
	Accepted uint64 // connections accepted since Run
	Requests uint64 // requests dispatched since Run
}

// New makes a server, nothing is opened yet.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		lfd:      -1,
		accessOn: !isNop(cfg.AccessLog),
		errorOn:  !isNop(cfg.ErrorLog),
	}
}

// Config returns the effective configuration.
func (s *Server) Config() Config { return s.cfg }

// Listen binds addr ("host:port", port 0 picks a free one).
func (s *Server) Listen(addr string) error {
	fd, err := engine.Listen(addr)
	if err != nil {
		return err
	}
	if err := s.adopt(fd); err != nil {
		unix.Close(fd)
		return err
	}
	return nil
}

func (s *Server) adopt(fd int) error {
	a, err := engine.LocalAddr(fd)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lfd >= 0 {
		return errors.New("server: already listening")
	}
	s.lfd, s.addr = fd, a
	s.log.Info().Str("addr", a.String()).Msg("listening")
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *Server) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ServeListener runs the server on an already bound listener. The descriptor
// is duplicated, ln stays owned by the caller.
func (s *Server) ServeListener(ctx context.Context, ln *net.TCPListener, h Handler) error {
	fd, err := engine.ListenerFd(ln)
	if err != nil {
		return err
	}
	if err := s.adopt(fd); err != nil {
		unix.Close(fd)
		return err
	}
	return s.Run(ctx, h)
}

// Run serves connections until Shutdown is called or ctx is done, then drains
// and returns nil. Only a failing listener or poller make it return an error.
func (s *Server) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("server: nil handler")
	}
	tel, err := newTelemetry(s.cfg.MeterProvider, s.cfg.TracerProvider)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	s.tel, s.handler = tel, h

	s.mu.Lock()
	if s.lfd < 0 {
		s.mu.Unlock()
		return ErrNotListening
	}
	var tick time.Duration
	if s.cfg.Watchdog != nil {
		tick = s.cfg.WatchdogInterval
	}
	loop, err := engine.NewLoop(s.lfd, &events{s: s}, engine.Options{
		MaxBufferSize:   s.cfg.MaxBufferSize,
		ClockResolution: s.cfg.ClockResolution,
		TickInterval:    tick,
		ShutdownTimeout: s.cfg.ShutdownTimeout,
		Logger:          s.log,
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("event loop: %w", err)
	}
	s.loop = loop
	s.mu.Unlock()

	if s.stopping.Load() {
		loop.Shutdown()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-done:
		}
	}()

	err = loop.Run()

	s.mu.Lock()
	s.lfd = -1
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("event loop failed")
		return fmt.Errorf("serve %s: %w", s.addr, err)
	}
	s.log.Info().Str("addr", s.addr.String()).Msg("server stopped")
	return nil
}

// Shutdown stops accepting, closes idle connections and lets busy ones finish
// with "Connection: close". Safe from any goroutine and from the watchdog.
func (s *Server) Shutdown() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.log.Info().Msg("shutdown requested")
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loop.Shutdown()
	}
}

// ShuttingDown reports whether Shutdown was called, meant for watchdogs.
func (s *Server) ShuttingDown() bool { return s.stopping.Load() }

// Stats is safe from any goroutine.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()

	st := Stats{Requests: s.requests.Load()}
	if loop != nil {
		st.Live = loop.Live()
		st.Accepted = loop.Accepted()
	}
	return st
}
