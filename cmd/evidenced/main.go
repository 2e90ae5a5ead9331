// evidenced runs the evidence service: clause and receipt intake,
// chain verification, and on-chain anchoring.
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
	"github.com/agentcourt/verdict/pkg/evidence"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "evidence")
	slog.SetDefault(logger)

	chainCfg := config.LoadChain()
	cfg := config.LoadEvidence()

	storage, err := evidence.OpenStorage(cfg.StorePath)
	if err != nil {
		logger.Error("open storage failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = storage.Close() }()

	backend, err := escrow.New(escrow.Config{
		RPCURL:          chainCfg.RPCURL,
		ChainID:         chainCfg.ChainID,
		ContractAddress: chainCfg.ContractAddress,
		PrivateKey:      os.Getenv("PROVIDER_PRIVATE_KEY"),
		DryRun:          chainCfg.DryRun,
		MockDBPath:      chainCfg.MockDBPath,
	})
	if err != nil {
		logger.Error("escrow backend failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = backend.Close() }()

	handler := evidence.NewServer(storage, backend, logger)
	if key := os.Getenv("PROVIDER_PRIVATE_KEY"); key != "" {
		exporter, err := evidence.NewExporter(key)
		if err != nil {
			logger.Error("exporter init failed", "error", err)
			os.Exit(1)
		}
		handler = handler.WithExporter(exporter)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler.Handler(),
	}

	go func() {
		logger.Info("listening", "port", cfg.Port, "dryRun", chainCfg.DryRun)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
