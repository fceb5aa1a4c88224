// Package server implements the TypeDuel server: the WebSocket connection
// gateway for live races and the HTTP API around it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/NicolasHaas/typeduel/pkg/auth"
	"github.com/NicolasHaas/typeduel/pkg/leaderboard"
	"github.com/NicolasHaas/typeduel/pkg/metrics"
	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/race"
	"github.com/NicolasHaas/typeduel/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string // HTTP bind address for /ws, /api and /metrics (e.g. ":8080")
	DBDriver   string // "sqlite" or "postgres"
	DBPath     string // SQLite path or PostgreSQL DSN
	Memory     bool   // use the in-memory store instead of a database
	JWTSecret  string // HS256 secret shared with the login service

	RedisAddr     string // leaderboard Redis address (empty = leaderboard disabled)
	RedisPassword string
	RedisDB       int

	Category          model.Category // category of every race text
	PairRetryInterval time.Duration  // interval of the pairing retry loop
	PingInterval      time.Duration  // WebSocket ping period
	PongWait          time.Duration  // max silence before a peer is considered gone
	WriteWait         time.Duration  // deadline for a single frame write
	SendQueueSize     int            // frames buffered per connection

	MetricsEnabled bool   // expose /metrics
	SentencesFile  string // YAML file with sentences to import on startup

	// CLI-only actions (run and exit)
	ExportResults bool   // export all results as YAML and exit
	IssueToken    string // print a signed token for this user id and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and Leaderboard and will Close() them on shutdown.
type Dependencies struct {
	Store       store.DataStore
	Verifier    *auth.Verifier
	Leaderboard *leaderboard.Board // optional
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		DBDriver:          "sqlite",
		DBPath:            "typeduel.db",
		Category:          model.DefaultCategory,
		PairRetryInterval: 2 * time.Second,
		PingInterval:      25 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		SendQueueSize:     64,
		MetricsEnabled:    true,
	}
}

// withDefaults fills zero-valued tuning fields from DefaultConfig.
func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Category == "" {
		cfg.Category = def.Category
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval + def.PongWait - def.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	return cfg
}

// Server is the main TypeDuel server.
type Server struct {
	cfg      Config
	store    store.DataStore
	verifier *auth.Verifier
	board    *leaderboard.Board
	coord    *race.Coordinator
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.RWMutex
	clients map[string]*client // connection ID -> client
	closing bool               // set by closeClients; no new clients after it
	conns   sync.WaitGroup     // one per registered client until its disconnect is handled

	shutdownOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if deps.Verifier == nil {
		return nil, errors.New("server: missing verifier dependency")
	}
	cfg = withDefaults(cfg)

	m := metrics.New()
	var observer race.ResultObserver
	if deps.Leaderboard != nil {
		observer = deps.Leaderboard
	}
	coord, err := race.NewCoordinator(race.Config{
		Category:          cfg.Category,
		PairRetryInterval: cfg.PairRetryInterval,
	}, race.Dependencies{
		Texts:    deps.Store,
		Results:  deps.Store,
		Observer: observer,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.MustRegister(reg)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		verifier: deps.Verifier,
		board:    deps.Leaderboard,
		coord:    coord,
		metrics:  m,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Coordinator returns the race coordinator.
func (s *Server) Coordinator() *race.Coordinator {
	return s.coord
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// ClientCount returns the number of open WebSocket connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// addClient registers c. It returns false once shutdown has begun; on true the
// caller must call s.conns.Done after its disconnect is handled.
func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c.id] = c
	s.conns.Add(1)
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// closeClients drops every open connection and refuses new ones.
func (s *Server) closeClients() {
	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
