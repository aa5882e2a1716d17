// Package router provides a reusable Edge Router server that can be
// embedded in other binaries and tests.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/termrelay/termrelay/internal/router/config"
	"github.com/termrelay/termrelay/internal/router/db"
	"github.com/termrelay/termrelay/internal/router/httpapi"
	"github.com/termrelay/termrelay/internal/router/machinemgr"
	"github.com/termrelay/termrelay/internal/router/relay"
	"github.com/termrelay/termrelay/internal/router/telegram"
)

// sweep cadences.
const (
	cleanupInterval = 10 * time.Minute
	retryInterval   = time.Hour
)

// ServerConfig holds construction options for a router server.
type ServerConfig struct {
	Config *config.Config
	// Chat overrides the Telegram client, for tests and alternative
	// providers. When nil the production client is built from the
	// configured bot token.
	Chat telegram.Chat
}

// Server is a runnable Edge Router instance.
type Server struct {
	cfg      *config.Config
	sqlDB    *sql.DB
	relay    *relay.Relay
	machines *machinemgr.Manager
	server   *http.Server
}

// NewServer opens the database, runs migrations and wires the relay
// and its HTTP surface. Call Serve to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	chat := sc.Chat
	if chat == nil {
		chat, err = telegram.New(cfg.BotToken)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("telegram client: %w", err)
		}
	}

	machines := machinemgr.New()
	rl := relay.New(db.NewStore(sqlDB), machines, chat, relay.Options{
		AllowedChatIDs:      cfg.AllowedChatIDs,
		AllowedUserIDs:      cfg.AllowedUserIDs,
		MaxCommandBytes:     cfg.MaxCommandBytes,
		MaxQueuePerMachine:  cfg.MaxQueuePerMachine,
		MaxTotalSessions:    cfg.MaxTotalSessions,
		SessionTTL:          cfg.SessionTTL,
		SeenUpdateRetention: cfg.SeenUpdateRetention,
	})

	api := httpapi.New(rl, machines, cfg.APIKey, cfg.WebhookSecret, cfg.WebhookPath())

	return &Server{
		cfg:      cfg,
		sqlDB:    sqlDB,
		relay:    rl,
		machines: machines,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Relay exposes the orchestrator, used by tests.
func (s *Server) Relay() *relay.Relay { return s.relay }

// Serve listens until ctx is cancelled, then shuts down gracefully
// and closes the database.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	go s.maintenanceLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("router listening", "addr", s.cfg.Addr, "webhook_path", s.cfg.WebhookPath())

	select {
	case <-ctx.Done():
		httpapi.Shutdown(s.server)
	case err := <-errCh:
		_ = s.sqlDB.Close()
		return err
	}

	if err := s.sqlDB.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
	return nil
}

// maintenanceLoop drives the scheduled GC and the retry sweep.
func (s *Server) maintenanceLoop(ctx context.Context) {
	cleanupTicker := time.NewTicker(cleanupInterval)
	retryTicker := time.NewTicker(retryInterval)
	defer cleanupTicker.Stop()
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			s.relay.Cleanup(ctx)
		case <-retryTicker.C:
			s.relay.RetrySweep(ctx)
		}
	}
}
