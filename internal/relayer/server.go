// Package relayer is the dispatcher daemon: it accepts WebSocket peers,
// assigns fill requests to resolvers, relays their progress and serves a
// small operational HTTP surface.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingdex-relay/internal/registry"
	"github.com/Klingon-tech/klingdex-relay/internal/storage"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// Config configures a Server.
type Config struct {
	ListenAddr string

	// SweepInterval is the liveness ping period.
	SweepInterval time.Duration
	// PongWait is the read deadline, extended by every inbound frame or pong.
	PongWait time.Duration
	// SendQueue is the per-connection outbound buffer, in frames.
	SendQueue int
	// ReadLimit caps inbound frame size.
	ReadLimit int64

	Redispatch         bool
	RedispatchInterval time.Duration

	// RateLimit is requests per second per client on the ops HTTP routes.
	RateLimit   float64
	CORSOrigins []string
	EVMChains   []uint64

	Clock clock.Clock
}

// DefaultConfig returns the default relayer configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:3004",
		SweepInterval:      registry.DefaultSweepInterval,
		PongWait:           60 * time.Second,
		SendQueue:          256,
		ReadLimit:          1 << 20,
		Redispatch:         true,
		RedispatchInterval: DefaultRedispatchInterval,
		RateLimit:          20,
		CORSOrigins:        []string{"*"},
		EVMChains:          []uint64{1, 11155111},
	}
}

// Server owns the registry, tracker and dispatcher and exposes them over
// WebSocket and HTTP.
type Server struct {
	cfg        *Config
	store      *storage.Storage
	registry   *registry.Registry
	tracker    *tracker.Tracker
	dispatcher *Dispatcher
	redispatch *redispatcher
	log        *logging.Logger

	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server on top of store. Executions persisted by a previous
// run are restored before any peer can connect.
func New(cfg *Config, store *storage.Storage) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	log := logging.GetDefault().Component("relayer")

	reg := registry.New(&registry.Config{SweepInterval: cfg.SweepInterval, Clock: clk})
	tr := tracker.New(tracker.WithClock(clk), tracker.WithJournal(journal{store: store}))

	restored, err := restoreExecutions(store, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to restore executions: %w", err)
	}
	if restored > 0 {
		log.Info("Restored in-flight executions", "count", restored)
	}

	d := NewDispatcher(reg, tr, store, clk)
	d.SetEVMChains(cfg.EVMChains...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		tracker:    tr,
		dispatcher: d,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.Redispatch {
		s.redispatch = newRedispatcher(d, cfg.RedispatchInterval, clk)
		d.kick = s.redispatch.Kick
	}
	return s, nil
}

// Start listens on cfg.ListenAddr and starts the background workers.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: it would cut long-lived WebSocket connections.
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.StartWorkers()

	addr := listener.Addr().String()
	s.log.Info("Relayer started", "addr", addr, "ws", "ws://"+addr+"/ws", "redispatch", s.cfg.Redispatch)
	return nil
}

// StartWorkers runs the liveness sweep and, when enabled, the re-dispatcher.
// Start calls it; tests serving Handler directly may call it themselves.
func (s *Server) StartWorkers() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunLiveness(s.ctx)
	}()

	if s.redispatch != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.redispatch.Run(s.ctx)
		}()
		s.redispatch.Kick()
	}
}

// Stop shuts the HTTP server down, disconnects every peer and waits for the
// workers.
func (s *Server) Stop() error {
	s.cancel()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}
	s.registry.CloseAll()
	s.wg.Wait()
	return err
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Tracker returns the execution tracker.
func (s *Server) Tracker() *tracker.Tracker { return s.tracker }

// handleWS upgrades a peer and runs its pumps until it goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	t := newWSConn(conn, s.cfg.SendQueue, s.log)
	go t.writePump()

	id, err := s.registry.Register(t)
	if err != nil {
		s.log.Warn("Failed to register connection", "remote", r.RemoteAddr, "error", err)
		t.Close()
		return
	}

	go func() {
		t.readPump(s.ctx, id, s.cfg.ReadLimit, s.cfg.PongWait, s.dispatcher)
		s.registry.Remove(id)
	}()
}
