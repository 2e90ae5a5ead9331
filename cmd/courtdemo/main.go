// courtdemo runs the demo orchestrator: it boots the full service set,
// drives the happy and dispute flows, and streams run progress over
// SSE.
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

	"github.com/agentcourt/verdict/pkg/agentflow"
	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/orchestrator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "demo-runner")
	slog.SetDefault(logger)

	config.ApplyDemoDefaults()

	chainCfg := config.LoadChain()
	runnerCfg := config.LoadRunner()
	evidenceCfg := config.LoadEvidence()
	judgeCfg := config.LoadJudge()
	reputationCfg := config.LoadReputation()
	llmCfg := config.LoadLLM()

	escrowCfg := escrow.Config{
		RPCURL:          chainCfg.RPCURL,
		ChainID:         chainCfg.ChainID,
		ContractAddress: chainCfg.ContractAddress,
		DryRun:          chainCfg.DryRun,
		MockDBPath:      chainCfg.MockDBPath,
	}

	// In dry-run mode every party shares one mock store handle; the
	// store file takes a single process-wide lock.
	var backends agentflow.BackendFactory
	if chainCfg.DryRun {
		root, err := escrow.OpenDryRun(escrowCfg)
		if err != nil {
			logger.Error("open mock escrow failed", "error", err)
			os.Exit(1)
		}
		defer func() { _ = root.Close() }()
		backends = func(privateKey string) (escrow.Backend, error) {
			return root.WithKey(privateKey)
		}
	} else {
		backends = func(privateKey string) (escrow.Backend, error) {
			cfg := escrowCfg
			cfg.PrivateKey = privateKey
			return escrow.DialLive(cfg)
		}
	}

	sanityBackend, err := backends("")
	if err != nil {
		logger.Error("escrow backend failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sanityBackend.Close() }()

	profilePath := os.Getenv("DEMO_PROFILE_PATH")
	if profilePath == "" {
		profilePath = "demo.profile.yaml"
	}
	profile, err := orchestrator.LoadProfile(profilePath)
	if err != nil {
		logger.Error("load profile failed", "error", err)
		os.Exit(1)
	}

	flow := agentflow.New(runnerCfg, chainCfg, backends, logger)
	defs := orchestrator.DefaultServices(orchestrator.ServiceSetConfig{
		Chain:      chainCfg,
		Runner:     runnerCfg,
		Evidence:   evidenceCfg,
		Judge:      judgeCfg,
		Reputation: reputationCfg,
		LLM:        llmCfg,
		Backends:   backends,
		Logger:     logger,
	})
	defs = profile.ApplyPorts(defs)
	manager := orchestrator.NewManager(runnerCfg, chainCfg, flow, defs, logger)
	defer manager.StopAll()

	handler := orchestrator.NewServer(manager, sanityBackend, chainCfg, logger).
		WithDefaults(profile).
		Handler()
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", runnerCfg.Port),
		Handler: handler,
	}

	go func() {
		logger.Info("listening", "port", runnerCfg.Port, "dryRun", chainCfg.DryRun)
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
