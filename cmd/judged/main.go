// judged runs the judge service: the dispute watcher, adjudication
// pipeline, and verdict read API.
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
	"github.com/agentcourt/verdict/pkg/judge"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "judge")
	slog.SetDefault(logger)

	chainCfg := config.LoadChain()
	cfg := config.LoadJudge()
	llmCfg := config.LoadLLM()

	storage, err := judge.OpenStorage(cfg.StorePath)
	if err != nil {
		logger.Error("open storage failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = storage.Close() }()

	backend, err := escrow.New(escrow.Config{
		RPCURL:          chainCfg.RPCURL,
		ChainID:         chainCfg.ChainID,
		ContractAddress: chainCfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		DryRun:          chainCfg.DryRun,
		MockDBPath:      chainCfg.MockDBPath,
	})
	if err != nil {
		logger.Error("escrow backend failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = backend.Close() }()

	var completer judge.Completer
	if llmCfg.APIKey != "" {
		completer = judge.NewAnthropicClient(llmCfg.APIKey, time.Duration(llmCfg.TimeoutSec)*time.Second)
	} else {
		logger.Warn("no LLM API key; AI panel disabled, deterministic rulings only")
	}
	panel := judge.NewPanel(completer, llmCfg)
	evidenceClient := judge.NewEvidenceClient(cfg.EvidenceURL)
	notifier := judge.NewNotifier(cfg.NotifyWebhook, cfg.VerdictAPIURL, logger)

	service, err := judge.NewService(storage, backend, panel, evidenceClient, notifier, chainCfg, cfg, logger)
	if err != nil {
		logger.Error("judge service failed", "error", err)
		os.Exit(1)
	}

	ctx, cancelWatcher := context.WithCancel(context.Background())
	go judge.NewWatcher(service, cfg.PollSec, logger).Run(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: judge.NewServer(service, logger).Handler(),
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
