// Package main is the entry point for the Corral node agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/agent"
	"cloudpasture.io/corral/internal/config"
	"cloudpasture.io/corral/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Corral agent",
		zap.String("node_id", cfg.NodeID),
		zap.String("controller", cfg.ControllerURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("assemble agent: %w", err)
	}
	defer a.Shutdown()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutdown signal received")
		cancel()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agent run: %w", err)
		}
	}

	logger.Info("Agent stopped")
	return nil
}
