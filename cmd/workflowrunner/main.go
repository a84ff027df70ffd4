// Command workflowrunner is the demo composition root: it wires a logger,
// config, condition evaluator, dispatcher and orchestrator together and
// runs one compiled workflow to completion. Grounded on the teacher's
// cmd/workflow-runner/main.go: environment-driven setup, a cancellable
// root context torn down on SIGINT/SIGTERM, structured startup/shutdown
// logging — transposed from a long-running stream-consumer service to a
// single synchronous Run call, since this engine has no external queue to
// poll (§11: the control loop lives entirely in-process).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nbaghiro/flowmaestro-sub016/condition"
	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
	"github.com/nbaghiro/flowmaestro-sub016/engineconfig"
	"github.com/nbaghiro/flowmaestro-sub016/execctx"
	"github.com/nbaghiro/flowmaestro-sub016/handlers"
	"github.com/nbaghiro/flowmaestro-sub016/logging"
	"github.com/nbaghiro/flowmaestro-sub016/orchestrator"
	"github.com/nbaghiro/flowmaestro-sub016/snapshot"
	"github.com/nbaghiro/flowmaestro-sub016/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := engineconfig.Load("workflowrunner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("workflowrunner starting")

	if len(os.Args) < 2 {
		log.Error("usage: workflowrunner <workflow.json> [inputs.json]")
		os.Exit(1)
	}

	wf, err := loadWorkflow(os.Args[1])
	if err != nil {
		log.Error("failed to load workflow", "error", err)
		os.Exit(1)
	}

	var inputs map[string]interface{}
	if len(os.Args) > 2 {
		inputs, err = loadInputs(os.Args[2])
		if err != nil {
			log.Error("failed to load inputs", "error", err)
			os.Exit(1)
		}
	}

	cond := condition.NewEvaluator()
	disp := dispatcher.New(
		handlers.NewPassthroughHandler("input"),
		handlers.NewPassthroughHandler("output"),
		handlers.NewHTTPHandler(),
		handlers.NewTransformHandler(),
		handlers.NewRouterHandler(cond),
	)

	var snap *snapshot.Store
	if cfg.Snapshot.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Snapshot.Addr,
			Password: cfg.Snapshot.Password,
			DB:       cfg.Snapshot.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to Redis for snapshots", "error", err)
			os.Exit(1)
		}
		snap = snapshot.New(client, log, cfg.Snapshot.TTL)
		log.Info("snapshot persistence enabled", "addr", cfg.Snapshot.Addr)
	}

	orch := orchestrator.New(wf, disp, cond, log, orchestrator.Config{
		CancellationGrace: cfg.Engine.CancellationGrace,
		Limits: execLimits(cfg),
	})

	executionID := uuid.New().String()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	result, err := orch.Run(ctx, executionID, inputs)
	if err != nil && result == nil {
		log.Error("execution failed to start", "error", err)
		os.Exit(1)
	}

	if snap != nil {
		saveErr := snap.Save(context.Background(), snapshot.State{
			ExecutionID:    executionID,
			ExecutionOrder: result.ExecutionOrder,
			UpdatedAt:      time.Now(),
		})
		if saveErr != nil {
			log.Error("failed to persist snapshot", "error", saveErr)
		}
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.Success {
		os.Exit(1)
	}
}

func execLimits(cfg *engineconfig.Config) execctx.SizeLimits {
	return execctx.SizeLimits{
		MaxNodeOutputBytes:   cfg.Engine.MaxNodeOutputBytes,
		MaxTotalContextBytes: cfg.Engine.MaxTotalContextBytes,
		MaxNodeCount:         cfg.Engine.MaxNodeCount,
		PruneOldest:          cfg.Engine.PruneOldest,
	}
}

func loadWorkflow(path string) (*workflow.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow json: %w", err)
	}
	return workflow.Normalize(&wf)
}

func loadInputs(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs file: %w", err)
	}
	var inputs map[string]interface{}
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse inputs json: %w", err)
	}
	return inputs, nil
}
