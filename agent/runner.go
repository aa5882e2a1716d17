// Package agent provides a reusable Machine Agent runtime that can be
// embedded in other binaries and tests.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/termrelay/termrelay/internal/agent/config"
	"github.com/termrelay/termrelay/internal/agent/db"
	"github.com/termrelay/termrelay/internal/agent/executor"
	"github.com/termrelay/termrelay/internal/agent/hooks"
	"github.com/termrelay/termrelay/internal/agent/inbox"
	"github.com/termrelay/termrelay/internal/agent/inject"
	"github.com/termrelay/termrelay/internal/agent/link"
	"github.com/termrelay/termrelay/internal/agent/notify"
	"github.com/termrelay/termrelay/internal/agent/proc"
	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/agent/routerapi"
	"github.com/termrelay/termrelay/internal/router/telegram"
	"github.com/termrelay/termrelay/internal/wire"
)

// sweep cadences.
const (
	cleanupInterval = 10 * time.Minute
	pruneInterval   = 15 * time.Minute
)

// RunnerConfig holds construction options for an agent runtime.
type RunnerConfig struct {
	Config *config.Config
	// Chat overrides the direct-mode chat client, for tests. Ignored
	// in router mode.
	Chat telegram.Chat
}

// Runner is a runnable Machine Agent instance.
type Runner struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	reg    *registry.Registry
	ib     *inbox.Inbox
	exec   *executor.Executor
	client *link.Client // nil in direct mode
	server *http.Server
}

// NewRunner opens the database, runs migrations and wires the
// registry, inbox, executor, notifier and hook server. Call Run to
// start.
func NewRunner(rc RunnerConfig) (*Runner, error) {
	cfg := rc.Config
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

	reg := registry.New(sqlDB, cfg.SessionTTL, cfg.ReplyTokenTTL)
	ib := inbox.New(sqlDB)
	inj := inject.New()

	var (
		router   *routerapi.Client
		client   *link.Client
		notifier *notify.Notifier
		chat     telegram.Chat
	)
	if cfg.RouterMode() {
		router = routerapi.New(cfg.RouterURL, cfg.APIKey, cfg.MachineID)
		notifier = notify.NewRouted(reg, router, cfg.NotifyChatID, cfg.ReplyTokenTTL)
	} else {
		chat = rc.Chat
		if chat == nil {
			chat, err = telegram.New(cfg.BotToken)
			if err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("telegram client: %w", err)
			}
		}
		notifier = notify.NewDirect(reg, chat, cfg.NotifyChatID, cfg.ReplyTokenTTL)
	}

	var exec *executor.Executor
	if cfg.RouterMode() {
		// The executor needs the link to send acks and the link needs
		// the executor as its handler; build the executor first with a
		// late-bound sender.
		sender := &lateSender{}
		exec = executor.New(ib, reg, inj, sender)
		client = link.New(link.Options{
			RouterURL:        cfg.RouterURL,
			MachineID:        cfg.MachineID,
			APIKey:           cfg.APIKey,
			PongTimeout:      cfg.PongTimeout,
			ReconnectInitial: cfg.ReconnectInitial,
			ReconnectMax:     cfg.ReconnectMax,
		}, exec)
		sender.c = client
	} else {
		exec = executor.New(ib, reg, inj, nil)
	}

	hookServer := hooks.New(hooks.Options{
		Registry:        reg,
		Notifier:        notifier,
		Router:          router,
		MachineID:       cfg.MachineID,
		Chat:            chat,
		Injector:        inj,
		WebhookSecret:   cfg.WebhookSecret,
		AllowedChatIDs:  cfg.AllowedChatIDs,
		AllowedUserIDs:  cfg.AllowedUserIDs,
		MaxCommandBytes: cfg.MaxCommandBytes,
	})

	return &Runner{
		cfg:    cfg,
		sqlDB:  sqlDB,
		reg:    reg,
		ib:     ib,
		exec:   exec,
		client: client,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           hookServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Registry exposes the session registry, used by tests.
func (r *Runner) Registry() *registry.Registry { return r.reg }

// Run serves the loopback API and, in router mode, keeps the duplex
// channel alive until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Addr, err)
	}

	// Pending commands from a previous run execute before any new
	// deliveries; in router mode the link replays again on connect.
	if r.client == nil {
		r.exec.Connected(ctx)
	} else {
		go func() { _ = r.client.Run(ctx) }()
	}

	go r.maintenanceLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("agent listening", "addr", r.cfg.Addr,
		"machine_id", r.cfg.MachineID, "router_mode", r.cfg.RouterMode())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = r.sqlDB.Close()
		return err
	}

	if err := r.sqlDB.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
	return nil
}

// maintenanceLoop drives the scheduled GC: expired sessions and
// tokens, dead parent processes, and finished inbox entries.
func (r *Runner) maintenanceLoop(ctx context.Context) {
	cleanupTicker := time.NewTicker(cleanupInterval)
	pruneTicker := time.NewTicker(pruneInterval)
	defer cleanupTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			if _, err := r.reg.CleanupExpired(ctx); err != nil {
				slog.Warn("session cleanup failed", "error", err)
			}
			if _, err := r.reg.CleanupDead(ctx, proc.SystemProber{}); err != nil {
				slog.Warn("dead session sweep failed", "error", err)
			}
			_, _ = r.reg.CleanupExpiredTokens(ctx)
			_, _ = r.reg.CleanupExpiredReplyKeys(ctx)
		case <-pruneTicker.C:
			if _, err := r.ib.Prune(ctx); err != nil {
				slog.Warn("inbox prune failed", "error", err)
			}
		}
	}
}

// lateSender breaks the executor/link construction cycle: the
// executor is the link's handler, and acks flow back through the link.
type lateSender struct {
	c *link.Client
}

func (s *lateSender) Send(ctx context.Context, f wire.Frame) error {
	if s.c == nil {
		return fmt.Errorf("link not ready")
	}
	return s.c.Send(ctx, f)
}
