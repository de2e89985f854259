package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/stagehand/internal/config"
	"github.com/user/stagehand/internal/engine"
	"github.com/user/stagehand/internal/ingress"
	"github.com/user/stagehand/internal/orchestrator"
	"github.com/user/stagehand/internal/pipeline"
	"github.com/user/stagehand/internal/scheduler"
	"github.com/user/stagehand/internal/store"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/telegram"
	"github.com/user/stagehand/internal/types"
	"github.com/user/stagehand/internal/web"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stagehand daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "stagehand.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// seedAgents loads agents.yaml into the store. Agents already on disk
// keep their stored record; the file only introduces new ones.
func seedAgents(ctx context.Context, st types.Store, dataDir string) error {
	agents, err := config.LoadAgents(filepath.Join(dataDir, "agents.yaml"))
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if _, err := st.Get(ctx, types.KindAgent, agent.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.Create(ctx, agent); err != nil {
			return fmt.Errorf("seed agent %q: %w", agent.Name, err)
		}
		slog.Info("agent registered", "name", agent.Name, "model", agent.Model)
	}
	return nil
}

// registerSurface upserts the registration record for one surface family.
func registerSurface(ctx context.Context, st types.Store, app types.SurfaceApp, singleUser bool) {
	if _, err := st.Get(ctx, types.KindSurface, string(app)); err == nil {
		return
	}
	rec := &types.Surface{
		ID:         string(app),
		App:        app,
		Identifier: string(app),
		SingleUser: singleUser,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.Create(ctx, rec); err != nil {
		slog.Warn("surface registration failed", "app", app, "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store and agent catalog
	st := store.NewFileStore(cfg.DataDir)
	if err := seedAgents(ctx, st, cfg.DataDir); err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}

	// Engine supervisor
	restart := engine.DefaultRestartPolicy()
	if cfg.Engine.MaxRestarts > 0 {
		restart.MaxRestarts = cfg.Engine.MaxRestarts
	}
	sup := engine.NewSupervisor(engine.Config{
		Command:          cfg.Engine.Command,
		ClientName:       "stagehand",
		ClientVersion:    version,
		HandshakeTimeout: time.Duration(cfg.Engine.HandshakeTimeoutSecs) * time.Second,
		Restart:          restart,
	})

	// Event pipeline and ingress queue
	pipe := pipeline.New(cfg.Engine.Workers, cfg.Engine.HighWater)
	queue := ingress.New(int64(cfg.MaxConcurrent))

	// Orchestrator
	surfaces := surface.NewRegistry()
	orch := orchestrator.New(st, sup, surfaces, pipe, queue, orchestrator.Options{
		DefaultAgent: cfg.DefaultAgent,
	})
	sup.Configure(orch.Attach)
	sup.OnReady(orch.EngineRestarted)
	queue.SetDispatcher(orch.HandleInbound)

	pipe.Start(ctx)
	defer pipe.Stop()
	queue.Start(ctx)
	defer queue.Stop()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer sup.Stop()

	slog.Info("stagehand started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"engine_command", cfg.Engine.Command,
		"pipeline_workers", pipe.Workers(),
		"pid_file", pidPath,
	)

	approvalTimeout := time.Duration(cfg.ApprovalTimeoutSecs) * time.Second

	// Telegram surface
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, queue, orch, approvalTimeout)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		surfaces.Register("telegram:", adapter)
		registerSurface(ctx, st, types.AppTelegram, true)
		go adapter.Start(ctx)
		slog.Info("telegram surface started")
	} else {
		slog.Warn("telegram surface disabled (no token)")
	}

	// Web surface
	if cfg.Web.Listen != "" {
		webSrv := web.NewServer(queue, approvalTimeout)
		surfaces.Register("web:", webSrv)
		registerSurface(ctx, st, types.AppWeb, false)
		httpServer := &http.Server{
			Addr:    cfg.Web.Listen,
			Handler: webSrv,
		}
		go func() {
			slog.Info("web surface started", "listen", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("web server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	// Scheduled prompts feed the same ingress path as user messages.
	promptStore := scheduler.NewPromptStore(filepath.Join(cfg.DataDir, "prompts.json"))
	sched := scheduler.New(promptStore, func(replyTarget, text string) {
		target, err := types.ParseReplyTarget(replyTarget)
		if err != nil {
			slog.Error("scheduled prompt has bad reply target", "reply_target", replyTarget, "error", err)
			return
		}
		env := &ingress.Envelope{
			MessageID:   types.NewMessageID(),
			EndpointKey: replyTarget,
			ReplyTarget: target,
			Text:        text,
			EnqueuedAt:  time.Now(),
		}
		if err := queue.Enqueue(env); err != nil {
			slog.Error("scheduled prompt rejected", "reply_target", replyTarget, "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
