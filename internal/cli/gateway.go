package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valetd/valet/internal/agent"
	"github.com/valetd/valet/internal/api"
	"github.com/valetd/valet/internal/auth"
	"github.com/valetd/valet/internal/bus"
	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/hub"
	"github.com/valetd/valet/internal/memory"
	"github.com/valetd/valet/internal/store"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the agent gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.Open(cfg.Server.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	db := st.DB()

	audit := auth.NewAudit(cfg.Audit.Path)
	if err := audit.Start(); err != nil {
		return fmt.Errorf("start audit log: %w", err)
	}
	defer audit.Stop()

	var aead *memory.Cipher
	if key := cfg.Memory.EncryptionKey; key != "" {
		aead, err = memory.NewCipher([]byte(key))
		if err != nil {
			return err
		}
	}
	memStore := memory.NewStore(db, aead)

	var mirror *bus.Mirror
	if cfg.Bus.MirrorBrokers != "" && cfg.Bus.MirrorTopic != "" {
		mirror = bus.NewMirror(cfg.Bus.MirrorBrokers, cfg.Bus.MirrorTopic)
		defer mirror.Close()
	}
	msgBus := bus.New(bus.NewMessageStore(db), mirror, cfg.Bus.QueueSize)

	realtime := hub.New(db)
	realtime.Start()
	defer realtime.Stop()

	manager := agent.NewManager(db, agent.WithNotifier(func(agentID string, old, new agent.SessionStatus) {
		ctx := context.Background()
		realtime.SendStatusUpdate(ctx, agentID, string(old), string(new))
		_, _ = msgBus.Publish(ctx, bus.AgentTopic(agentID), map[string]any{
			"event":      "status",
			"old_status": string(old),
			"new_status": string(new),
		}, "", "", false)
	}))

	// Chat frames from per-agent streams are forwarded to the addressed
	// agent as requests.
	realtime.OnMessage("message", func(ctx context.Context, clientKey string, frame map[string]any) {
		conn, ok := realtime.GetConnection(clientKey)
		if !ok || conn.AgentID == "" {
			realtime.SendTo(ctx, clientKey, map[string]any{"type": "error", "message": "Unknown message type"})
			return
		}
		content, _ := frame["content"].(string)
		_, err := msgBus.Publish(ctx, bus.AgentTopic(conn.AgentID)+".request", map[string]any{
			"content":    content,
			"client_key": clientKey,
		}, "", "", false)
		if err != nil {
			slog.Warn("gateway: forward chat message", "client", clientKey, "error", err)
		}
	})

	principals := auth.NewPrincipalStore(db)
	service := auth.NewService(principals, audit, cfg.Auth.BcryptCostFactor, cfg.Auth.MinPasswordLength)
	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecretKey, cfg.Auth.AccessTokenLifetime, cfg.Auth.RememberMeLifetime)
	limiter := auth.NewLimiter(cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window())

	if err := ensureAdmin(service, principals, cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := msgBus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("gateway: bus processor exited", "error", err)
		}
	}()
	defer msgBus.Stop()

	go sweepExpiredMemory(ctx, memStore, cfg.Memory.SweepInterval)

	server := &api.Server{
		Cfg:       cfg,
		Auth:      service,
		Tokens:    tokens,
		Limiter:   limiter,
		Audit:     audit,
		Agents:    manager,
		Memory:    memStore,
		Bus:       msgBus,
		Hub:       realtime,
		Version:   version,
		StartedAt: time.Now(),
	}

	httpServer := &http.Server{Addr: cfg.Server.Listen, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", cfg.Server.Listen, "environment", cfg.Server.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ensureAdmin registers the configured admin account on first boot.
func ensureAdmin(service *auth.Service, principals *auth.PrincipalStore, cfg *config.Config) error {
	if cfg.Auth.AdminPassword == "" {
		return nil
	}
	const adminEmail = "admin@valet.local"
	existing, err := principals.GetByEmail(adminEmail)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if _, err := service.Register("Administrator", adminEmail, cfg.Auth.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	slog.Info("gateway: admin account created", "email", adminEmail)
	return nil
}

func sweepExpiredMemory(ctx context.Context, memStore *memory.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := memStore.CleanupExpired(ctx)
			if err != nil {
				slog.Warn("gateway: memory sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("gateway: memory sweep", "removed", n)
			}
		}
	}
}
