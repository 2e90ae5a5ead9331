// Package config loads service configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Chain holds blockchain connectivity settings shared by every
// service.
type Chain struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	ExplorerURL     string
	DryRun          bool
	MockDBPath      string
}

// Evidence holds the evidence service configuration.
type Evidence struct {
	Port      int
	StorePath string
}

// Judge holds the judge service configuration.
type Judge struct {
	Port          int
	PollSec       float64
	StorePath     string
	PrivateKey    string
	EvidenceURL   string
	VerdictAPIURL string
	NotifyWebhook string
}

// LLM holds the AI panel configuration. One model per court tier.
type LLM struct {
	APIKey        string
	ModelDistrict string
	ModelAppeals  string
	ModelSupreme  string
	TimeoutSec    int
}

// Reputation holds the reputation service configuration.
type Reputation struct {
	Port      int
	PollSec   float64
	StorePath string
}

// Runner holds the demo orchestrator configuration.
type Runner struct {
	Port               int
	AgreementWindowSec int
	EvidenceURL        string
	ProviderURL        string
	ProviderKey        string
	ConsumerKey        string
	AllowMockPayment   bool
	SellerWallet       string
	StoreBase          string
}

// LoadChain reads chain settings from the environment.
func LoadChain() Chain {
	return Chain{
		RPCURL:          envStr("CHAIN_RPC_URL", "https://rpc.testnet3.goat.network"),
		ChainID:         envInt64("CHAIN_ID", 48816),
		ContractAddress: envStr("ESCROW_CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000000"),
		ExplorerURL:     envStr("CHAIN_EXPLORER_URL", "https://explorer.testnet3.goat.network"),
		DryRun:          os.Getenv("ESCROW_DRY_RUN") == "1",
		MockDBPath:      envStr("ESCROW_MOCK_DB_PATH", "./data/escrow_mock.db"),
	}
}

// LoadEvidence reads the evidence service settings.
func LoadEvidence() Evidence {
	return Evidence{
		Port:      envInt("EVIDENCE_PORT", 4001),
		StorePath: envStr("EVIDENCE_STORE_PATH", "./data/evidence.db"),
	}
}

// LoadJudge reads the judge service settings.
func LoadJudge() Judge {
	return Judge{
		Port:          envInt("JUDGE_PORT", 4002),
		PollSec:       envFloat("JUDGE_POLL_SEC", 5),
		StorePath:     envStr("VERDICT_STORE_PATH", "./data/verdict.db"),
		PrivateKey:    os.Getenv("JUDGE_PRIVATE_KEY"),
		EvidenceURL:   envStr("EVIDENCE_SERVICE_URL", "http://127.0.0.1:4001"),
		VerdictAPIURL: os.Getenv("VERDICT_API_URL"),
		NotifyWebhook: os.Getenv("NOTIFY_WEBHOOK_URL"),
	}
}

// LoadLLM reads the AI panel settings.
func LoadLLM() LLM {
	return LLM{
		APIKey:        os.Getenv("LLM_API_KEY"),
		ModelDistrict: envStr("LLM_MODEL_DISTRICT", "claude-sonnet-4-20250514"),
		ModelAppeals:  envStr("LLM_MODEL_APPEALS", "claude-sonnet-4-20250514"),
		ModelSupreme:  envStr("LLM_MODEL_SUPREME", "claude-opus-4-20250514"),
		TimeoutSec:    envInt("LLM_TIMEOUT_SEC", 60),
	}
}

// LoadReputation reads the reputation service settings.
func LoadReputation() Reputation {
	return Reputation{
		Port:      envInt("REPUTATION_PORT", 4003),
		PollSec:   envFloat("REPUTATION_POLL_SEC", 5),
		StorePath: envStr("REPUTATION_STORE_PATH", "./data/reputation.db"),
	}
}

// LoadRunner reads the demo orchestrator settings.
func LoadRunner() Runner {
	return Runner{
		Port:               envInt("DEMO_RUNNER_PORT", 4004),
		AgreementWindowSec: envInt("AGREEMENT_WINDOW_SEC", 30),
		EvidenceURL:        envStr("EVIDENCE_SERVICE_URL", "http://127.0.0.1:4001"),
		ProviderURL:        envStr("PROVIDER_API_URL", "http://127.0.0.1:4000"),
		ProviderKey:        os.Getenv("PROVIDER_PRIVATE_KEY"),
		ConsumerKey:        os.Getenv("CONSUMER_PRIVATE_KEY"),
		AllowMockPayment:   os.Getenv("X402_ALLOW_MOCK") == "1",
		SellerWallet:       os.Getenv("X402_SELLER_WALLET"),
		StoreBase:          envStr("SQLITE_PATH", "./data/verdict.db"),
	}
}

// ApplyDemoDefaults seeds the demo environment with dry-run settings
// and fixed demo keys. Real env vars always win; the whole block is
// disabled unless DEMO_RUNTIME_DEFAULTS is on.
func ApplyDemoDefaults() {
	if v := envStr("DEMO_RUNTIME_DEFAULTS", "1"); v != "1" && v != "true" {
		return
	}
	defaults := map[string]string{
		"ESCROW_DRY_RUN":       "1",
		"X402_ALLOW_MOCK":      "1",
		"PROVIDER_PRIVATE_KEY": "0x" + strings.Repeat("1", 64),
		"CONSUMER_PRIVATE_KEY": "0x" + strings.Repeat("2", 64),
		"JUDGE_PRIVATE_KEY":    "0x" + strings.Repeat("3", 64),
	}
	for key, value := range defaults {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
