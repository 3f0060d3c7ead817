package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"github.com/user/flowgate/internal/connector"
	"github.com/user/flowgate/internal/contextstore"
	"github.com/user/flowgate/internal/dispatch"
	"github.com/user/flowgate/internal/maintenance"
	"github.com/user/flowgate/internal/orchestrator"
	"github.com/user/flowgate/internal/permission"
	"github.com/user/flowgate/internal/pipeline"
	"github.com/user/flowgate/internal/sandbox"
	"github.com/user/flowgate/internal/store"
	"github.com/user/flowgate/internal/tool"
	"github.com/user/flowgate/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowgate daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "flowgate.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	logger := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Durable conversation store
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Session context store
	var contexts contextstore.Store
	var memContexts *contextstore.MemoryStore
	switch cfg.Context.Backend {
	case "redis":
		rs, err := contextstore.NewRedisStore(contextstore.RedisOptions{
			Addr:     cfg.Context.Redis.Addr,
			Password: cfg.Context.Redis.Password,
			DB:       cfg.Context.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		contexts = rs
	default:
		memContexts = contextstore.NewMemoryStore()
		contexts = memContexts
	}
	defer contexts.Close()

	// Connector services
	connTimeout := time.Duration(cfg.Connectors.TimeoutSeconds) * time.Second
	services := connector.Services{}
	if cfg.Connectors.EmailURL != "" {
		services.Email = connector.NewEmail(cfg.Connectors.EmailURL, connTimeout)
	}
	if cfg.Connectors.SQLURL != "" {
		services.SQL = connector.NewSQL(cfg.Connectors.SQLURL, connTimeout)
	}
	if cfg.Connectors.RESTURL != "" {
		services.REST = connector.NewREST(cfg.Connectors.RESTURL, connTimeout)
	}

	// Execution engine; db.query goes through the sql connector when present
	engineOpts := sandbox.Options{
		Timeout: time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
	}
	if services.SQL != nil {
		sql := services.SQL
		engineOpts.Query = func(ctx context.Context, query string, queryArgs []any) ([]map[string]any, error) {
			resp, err := sql.Execute(ctx, nil, map[string]any{"query": query, "args": queryArgs})
			if err != nil {
				return nil, err
			}
			if !resp.Success {
				return nil, fmt.Errorf("sql connector: %s", resp.Error)
			}
			rows, _ := resp.Data.([]any)
			out := make([]map[string]any, 0, len(rows))
			for _, row := range rows {
				if m, ok := row.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out, nil
		}
	}
	engine := sandbox.New(engineOpts)

	loader := tool.NewLoader(db, engine, services)
	perms := permission.NewManager()

	orch := orchestrator.New(orchestrator.Options{
		ContextStore:       contexts,
		Store:              db,
		Loader:             loader,
		Permissions:        perms,
		Logger:             logger,
		DefaultTTL:         time.Duration(cfg.Context.TTLSeconds) * time.Second,
		EnforcePermissions: cfg.EnforcePermissions,
		EnforceRateLimits:  cfg.EnforceRateLimits,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	// Outbound queue and dispatcher
	queue, err := dispatch.NewBadgerQueue(cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer queue.Close()

	senders := dispatch.NewSenderRegistry()
	if cfg.Telegram.Token != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		senders.Register("telegram:", dispatch.TelegramSender(bot))
		logger.Info("telegram sender registered", "bot", bot.Self.UserName)
	} else {
		logger.Warn("telegram sender disabled (no token)")
	}
	if cfg.Webchat.CallbackURL != "" {
		senders.Register("webchat:", dispatch.WebchatSender(cfg.Webchat.CallbackURL, nil))
	}

	dispatcher := dispatch.NewDispatcher(queue, senders, db, logger)

	worker := dispatch.NewWorker(queue, dispatch.OutboundQueue, dispatcher.HandleJob,
		int64(cfg.Queue.MaxConcurrentSends), logger)
	if cfg.Queue.PollIntervalSeconds > 0 {
		worker.SetPollInterval(time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second)
	}
	worker.Start(ctx)
	defer worker.Stop()

	// Inbound pipeline
	enricher, err := pipeline.NewEnricher(cfg.Enrichment.Model, cfg.Enrichment.HistoryTokens, nil, logger)
	if err != nil {
		return fmt.Errorf("create enricher: %w", err)
	}

	var processor pipeline.Processor
	if cfg.Processor.URL != "" {
		processor = pipeline.NewHTTPProcessor(cfg.Processor.URL,
			time.Duration(cfg.Processor.TimeoutSeconds)*time.Second)
	} else {
		logger.Warn("no collaborator configured, replies disabled")
		processor = pipeline.SilentProcessor
	}

	pipe := pipeline.New(pipeline.Options{
		Store:      db,
		Orch:       orch,
		Enricher:   enricher,
		Dispatcher: dispatcher,
		Processor:  processor,
		Logger:     logger,
	})
	pipe.RegisterProvider(pipeline.TelegramProvider{})
	pipe.RegisterProvider(pipeline.WhatsAppProvider{})
	pipe.RegisterProvider(pipeline.WebchatProvider{})

	// Periodic maintenance
	sweeper := maintenance.NewSweeper(logger)
	sweeper.Add(maintenance.Task{
		Name:     "permission-windows",
		Schedule: cfg.Maintenance.SweepSchedule,
		Run: func(context.Context) (int, error) {
			return perms.Sweep(), nil
		},
	})
	if memContexts != nil {
		sweeper.Add(maintenance.Task{
			Name:     "session-contexts",
			Schedule: cfg.Maintenance.SweepSchedule,
			Run: func(context.Context) (int, error) {
				return memContexts.Sweep(), nil
			},
		})
	}
	retention := time.Duration(cfg.Maintenance.DeadLetterRetentionHours) * time.Hour
	sweeper.Add(maintenance.Task{
		Name:     "dead-letters",
		Schedule: cfg.Maintenance.PruneSchedule,
		Run: func(taskCtx context.Context) (int, error) {
			return queue.Prune(taskCtx, time.Now().Add(-retention))
		},
	})
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	// Webhook HTTP server
	srv := webhook.NewServer(pipe, orch, db, logger)
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv,
	}
	go func() {
		logger.Info("webhook server started", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("webhook server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	logger.Info("flowgate started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"context_backend", cfg.Context.Backend,
		"enforce_permissions", cfg.EnforcePermissions,
		"listen", cfg.Listen,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				logger.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				logger.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					logger.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		logger.Info("shutting down", "signal", sig)
		return nil
	}
}
