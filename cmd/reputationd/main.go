// reputationd runs the reputation service: the scoring watcher and the
// read API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/reputation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "reputation")
	slog.SetDefault(logger)

	chainCfg := config.LoadChain()
	cfg := config.LoadReputation()

	storage, err := reputation.OpenStorage(cfg.StorePath)
	if err != nil {
		logger.Error("open storage failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = storage.Close() }()

	backend, err := escrow.New(escrow.Config{
		RPCURL:          chainCfg.RPCURL,
		ChainID:         chainCfg.ChainID,
		ContractAddress: chainCfg.ContractAddress,
		DryRun:          chainCfg.DryRun,
		MockDBPath:      chainCfg.MockDBPath,
	})
	if err != nil {
		logger.Error("escrow backend failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = backend.Close() }()

	ctx, cancelWatcher := context.WithCancel(context.Background())
	go reputation.NewWatcher(storage, backend, cfg.PollSec, logger).Run(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: reputation.NewServer(storage, backend, logger).Handler(),
	}

	go func() {
		logger.Info("listening", "port", cfg.Port, "dryRun", chainCfg.DryRun, "pollSec", cfg.PollSec)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelWatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
