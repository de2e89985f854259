package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/stagehand/internal/engine"
	"github.com/user/stagehand/internal/ingress"
	"github.com/user/stagehand/internal/orchestrator"
	"github.com/user/stagehand/internal/pipeline"
	"github.com/user/stagehand/internal/store"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/types"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("agent", "", "agent to run the prompt under (default from config)")
	sendCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the response")
}

var sendCmd = &cobra.Command{
	Use:   "send <prompt>",
	Short: "Run a one-shot prompt through the engine and print the response",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

// runSend stands up a private engine and orchestrator, runs one turn
// against an in-memory store, and prints the response. It never touches
// the daemon's data.
func runSend(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	agentName, _ := cmd.Flags().GetString("agent")
	if agentName == "" {
		agentName = cfg.DefaultAgent
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	prompt := strings.Join(args, " ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	if err := seedAgents(ctx, st, cfg.DataDir); err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}
	if _, err := st.Get(ctx, types.KindAgent, agentName); err != nil {
		return fmt.Errorf("unknown agent %q", agentName)
	}

	sup := engine.NewSupervisor(engine.Config{
		Command:          cfg.Engine.Command,
		ClientName:       "stagehand",
		ClientVersion:    version,
		HandshakeTimeout: time.Duration(cfg.Engine.HandshakeTimeoutSecs) * time.Second,
		// One-shot run: a crashed engine is not restarted.
		Restart: engine.RestartPolicy{MaxRestarts: 0, InitialDelay: time.Second, Multiplier: 1, MaxDelay: time.Second},
	})

	pipe := pipeline.New(1, cfg.Engine.HighWater)
	queue := ingress.New(1)

	mock := surface.NewMock()
	surfaces := surface.NewRegistry()
	surfaces.Register("mock:", mock)

	orch := orchestrator.New(st, sup, surfaces, pipe, queue, orchestrator.Options{
		DefaultAgent: agentName,
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

	env := &ingress.Envelope{
		MessageID:   types.NewMessageID(),
		EndpointKey: "mock:send",
		ReplyTarget: types.ReplyTarget{Kind: types.TargetMock, Address: "send"},
		Text:        prompt,
		EnqueuedAt:  time.Now(),
	}
	if err := queue.Enqueue(env); err != nil {
		return fmt.Errorf("enqueue prompt: %w", err)
	}

	select {
	case in := <-mock.Completed:
		if in.Status != types.InteractionComplete {
			fmt.Fprintln(os.Stderr, in.Response)
			return fmt.Errorf("turn ended %s", in.Status)
		}
		fmt.Fprintln(os.Stdout, in.Response)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for response", timeout)
	}
}
