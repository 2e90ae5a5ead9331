package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentcourt/verdict/pkg/agentflow"
	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/evidence"
	"github.com/agentcourt/verdict/pkg/judge"
	"github.com/agentcourt/verdict/pkg/reputation"
)

// ServiceSetConfig carries everything needed to build the demo's
// child services.
type ServiceSetConfig struct {
	Chain      config.Chain
	Runner     config.Runner
	Evidence   config.Evidence
	Judge      config.Judge
	Reputation config.Reputation
	LLM        config.LLM
	Backends   agentflow.BackendFactory
	Logger     *slog.Logger
}

// DefaultServices builds the evidence, provider, judge, and reputation
// service definitions. Stores are isolated per service under the
// runner's base store path so concurrently booted sets never collide.
func DefaultServices(cfg ServiceSetConfig) []ServiceDef {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.Runner.StoreBase

	return []ServiceDef{
		{
			Name: "evidence",
			Port: cfg.Evidence.Port,
			Build: func(ctx context.Context) (http.Handler, func() error, error) {
				storage, err := evidence.OpenStorage(StorePathForService(base, "evidence"))
				if err != nil {
					return nil, nil, err
				}
				backend, err := cfg.Backends(cfg.Runner.ProviderKey)
				if err != nil {
					_ = storage.Close()
					return nil, nil, err
				}
				server := evidence.NewServer(storage, backend, logger.With("service", "evidence"))
				if cfg.Runner.ProviderKey != "" {
					exporter, err := evidence.NewExporter(cfg.Runner.ProviderKey)
					if err != nil {
						_ = backend.Close()
						_ = storage.Close()
						return nil, nil, err
					}
					server = server.WithExporter(exporter)
				}
				cleanup := func() error {
					return errors.Join(backend.Close(), storage.Close())
				}
				return server.Handler(), cleanup, nil
			},
		},
		{
			Name: "provider",
			Port: portFromURL(cfg.Runner.ProviderURL, 4000),
			Build: func(ctx context.Context) (http.Handler, func() error, error) {
				server := NewProviderServer(cfg.Runner.AllowMockPayment, cfg.Runner.SellerWallet,
					logger.With("service", "provider"))
				return server.Handler(), nil, nil
			},
		},
		{
			Name: "judge",
			Port: cfg.Judge.Port,
			Build: func(ctx context.Context) (http.Handler, func() error, error) {
				judgeCfg := cfg.Judge
				judgeCfg.StorePath = StorePathForService(base, "judge")
				judgeLogger := logger.With("service", "judge")

				storage, err := judge.OpenStorage(judgeCfg.StorePath)
				if err != nil {
					return nil, nil, err
				}
				backend, err := cfg.Backends(judgeCfg.PrivateKey)
				if err != nil {
					_ = storage.Close()
					return nil, nil, err
				}
				var completer judge.Completer
				if cfg.LLM.APIKey != "" {
					completer = judge.NewAnthropicClient(cfg.LLM.APIKey, time.Duration(cfg.LLM.TimeoutSec)*time.Second)
				}
				panel := judge.NewPanel(completer, cfg.LLM)
				evidenceClient := judge.NewEvidenceClient(judgeCfg.EvidenceURL)
				notifier := judge.NewNotifier(judgeCfg.NotifyWebhook, judgeCfg.VerdictAPIURL, judgeLogger)
				service, err := judge.NewService(storage, backend, panel, evidenceClient, notifier,
					cfg.Chain, judgeCfg, judgeLogger)
				if err != nil {
					_ = backend.Close()
					_ = storage.Close()
					return nil, nil, err
				}
				go judge.NewWatcher(service, judgeCfg.PollSec, judgeLogger).Run(ctx)

				cleanup := func() error {
					return errors.Join(backend.Close(), storage.Close())
				}
				return judge.NewServer(service, judgeLogger).Handler(), cleanup, nil
			},
		},
		{
			Name: "reputation",
			Port: cfg.Reputation.Port,
			Build: func(ctx context.Context) (http.Handler, func() error, error) {
				repLogger := logger.With("service", "reputation")
				storage, err := reputation.OpenStorage(StorePathForService(base, "reputation"))
				if err != nil {
					return nil, nil, err
				}
				backend, err := cfg.Backends("")
				if err != nil {
					_ = storage.Close()
					return nil, nil, err
				}
				go reputation.NewWatcher(storage, backend, cfg.Reputation.PollSec, repLogger).Run(ctx)

				cleanup := func() error {
					return errors.Join(backend.Close(), storage.Close())
				}
				return reputation.NewServer(storage, backend, repLogger).Handler(), cleanup, nil
			},
		},
	}
}

func portFromURL(raw string, fallback int) int {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	if port := parsed.Port(); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			return n
		}
	}
	return fallback
}
