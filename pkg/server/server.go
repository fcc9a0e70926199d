// Package server implements the roomchat server: the connection registry,
// per-connection session handlers, slash-command processing and message routing.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string `mapstructure:"listen_addr" yaml:"listen_addr"`       // TCP bind address
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`             // base directory for relative paths below
	StoreBackend  string `mapstructure:"store_backend" yaml:"store_backend"`   // "file" or "sqlite"
	UsersFile     string `mapstructure:"users_file" yaml:"users_file"`         // file backend credentials
	BansFile      string `mapstructure:"bans_file" yaml:"bans_file"`           // file backend ban list
	DBPath        string `mapstructure:"db_path" yaml:"db_path"`               // sqlite backend database
	ActivityLog   string `mapstructure:"activity_log" yaml:"activity_log"`     // empty disables the activity log
	AdminPassword string `mapstructure:"admin_password" yaml:"admin_password"` // shared /admin secret

	MaxFileSize  int64 `mapstructure:"max_file_size" yaml:"max_file_size"`   // decoded upload limit in bytes
	MaxFrameSize int   `mapstructure:"max_frame_size" yaml:"max_frame_size"` // single wire frame limit in bytes

	AuthTimeout     time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"` // per frame; 0 = none
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	MetricsAddr        string        `mapstructure:"metrics_addr" yaml:"metrics_addr"` // empty = disabled
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         "0.0.0.0:55000",
		DataDir:            ".",
		StoreBackend:       BackendFile,
		UsersFile:          "users.json",
		BansFile:           "banned_users.txt",
		DBPath:             "roomchat.db",
		ActivityLog:        "chat_log.txt",
		AdminPassword:      "admin123",
		MaxFileSize:        200 * 1024,
		MaxFrameSize:       protocol.DefaultMaxFrameSize,
		AuthTimeout:        30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		MetricsAddr:        ":55001",
		MetricsLogInterval: 60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store    store.DataStore
	Activity auditlog.Logger  // nil = discard
	Clock    func() time.Time // nil = time.Now
}

// Server is the main roomchat server.
type Server struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	store    store.DataStore
	activity auditlog.Logger
	now      func() time.Time

	// banMu serializes ban-set mutation with its persistence so saves land
	// in mutation order.
	banMu sync.Mutex

	listener net.Listener
	handlers sync.WaitGroup
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{} // every open connection, authenticated or not
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a new Server instance. The registry is seeded from the
// store's persisted ban list.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	activity := deps.Activity
	if activity == nil {
		activity = auditlog.Nop{}
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	var bans []string
	if deps.Store != nil {
		var err error
		if bans, err = deps.Store.LoadBans(); err != nil {
			slog.Warn("failed to load ban list, starting empty", "err", err)
			bans = nil
		}
	}

	return &Server{
		cfg:      cfg,
		registry: NewRegistry(bans),
		metrics:  NewMetrics(),
		store:    deps.Store,
		activity: activity,
		now:      now,
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the server configuration.
func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) shuttingDown() bool {
	return s.ctx.Err() != nil
}

// trackConn records an open connection. It reports false if the server is
// already shutting down, in which case the caller must drop the connection.
func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// closeConns closes every tracked connection.
func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
