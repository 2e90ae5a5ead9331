package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcourt/verdict/pkg/agentflow"
	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/metrics"
)

// subscriberBuffer bounds each stream subscriber. Slow consumers drop
// events rather than stalling the run.
const subscriberBuffer = 1024

// FlowRunner drives the agent journeys. Satisfied by *agentflow.Flow.
type FlowRunner interface {
	RunHappy(ctx context.Context, emit agentflow.Emitter, windowSec int) (map[string]any, error)
	RunDispute(ctx context.Context, emit agentflow.Emitter, windowSec int) (map[string]any, error)
}

// RunOptions parameterize run creation.
type RunOptions struct {
	StartServices      bool
	KeepServices       bool
	AgreementWindowSec int
	AutoRun            bool
}

// RunInfo is the creation-time summary of a run.
type RunInfo struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// Manager owns runs, their event streams, and the child service set.
type Manager struct {
	mu       sync.Mutex
	runs     map[string]*Run
	watchers map[string][]chan string
	services []*ManagedService

	defs   []ServiceDef
	flow   FlowRunner
	runner config.Runner
	chain  config.Chain
	logger *slog.Logger
}

// NewManager wires a run manager over the given flow driver and
// service definitions.
func NewManager(runner config.Runner, chain config.Chain, flow FlowRunner, defs []ServiceDef, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runs:     map[string]*Run{},
		watchers: map[string][]chan string{},
		defs:     defs,
		flow:     flow,
		runner:   runner,
		chain:    chain,
		logger:   logger,
	}
}

// CreateRun registers a run and, when opts.AutoRun, begins executing
// it immediately.
func (m *Manager) CreateRun(mode string, opts RunOptions) (RunInfo, error) {
	switch mode {
	case ModeHappy, ModeDispute, ModeFull:
	default:
		return RunInfo{}, fmt.Errorf("mode must be happy, dispute, or full")
	}
	if opts.AgreementWindowSec <= 0 {
		opts.AgreementWindowSec = m.runner.AgreementWindowSec
	}

	run := &Run{
		RunID:         newRunID(),
		Mode:          mode,
		Status:        StatusPending,
		StartMs:       nowMs(),
		UpdateMs:      nowMs(),
		Steps:         []map[string]any{},
		Artifacts:     map[string]any{"agreementWindowSec": opts.AgreementWindowSec},
		Events:        []map[string]any{},
		AgreementIDs:  []string{},
		DisputeIDs:    []string{},
		StartServices: opts.StartServices,
		KeepServices:  opts.KeepServices,
	}

	m.mu.Lock()
	m.runs[run.RunID] = run
	if opts.AutoRun {
		run.Status = StatusQueued
		run.started = true
		ctx, cancel := context.WithCancel(context.Background())
		run.cancel = cancel
		go m.execute(ctx, run, opts.AgreementWindowSec)
	}
	info := RunInfo{RunID: run.RunID, Status: run.Status, Mode: run.Mode}
	m.mu.Unlock()
	return info, nil
}

// Start launches a run created with AutoRun disabled. Starting a run
// that is already underway or finished is a no-op.
func (m *Manager) Start(runID string, windowSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run not found")
	}
	if run.started || run.terminal() {
		return nil
	}
	if windowSec <= 0 {
		windowSec = m.runner.AgreementWindowSec
	}
	run.Status = StatusQueued
	run.started = true
	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	go m.execute(ctx, run, windowSec)
	return nil
}

// RunJSON returns the serialized run, or ok=false when unknown.
func (m *Manager) RunJSON(runID string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(run.serialize())
	if err != nil {
		m.logger.Error("serialize run failed", "runId", runID, "error", err)
		return nil, false
	}
	return raw, true
}

// ListJSON returns up to limit serialized runs, newest first.
func (m *Manager) ListJSON(limit int) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartMs > runs[j].StartMs })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	out := make([]json.RawMessage, 0, len(runs))
	for _, run := range runs {
		if raw, err := json.Marshal(run.serialize()); err == nil {
			out = append(out, raw)
		}
	}
	return out
}

// Cancel requests cooperative cancellation. Returns false when the run
// is unknown or already terminal.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok || run.terminal() || !run.started {
		m.mu.Unlock()
		return false
	}
	run.cancelRequested = true
	run.Status = StatusCancelled
	run.Err = "Cancelled by user"
	event := map[string]any{
		"type":    "run.error",
		"stepId":  "run",
		"label":   "Run cancelled",
		"status":  "error",
		"message": "Cancelled by user",
	}
	run.emit(event)
	m.broadcastLocked(run.RunID, event)
	cancel := run.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Subscribe returns a channel that replays the run's event history and
// then streams live events as compact JSON. An empty string terminates
// the stream. The returned release func must be called when done.
func (m *Manager) Subscribe(runID string) (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		raw, _ := json.Marshal(map[string]any{"type": "run.unknown", "message": "Run not found"})
		ch <- string(raw)
		ch <- ""
		return ch, func() {}
	}

	for _, event := range run.Events {
		if raw, err := json.Marshal(event); err == nil {
			select {
			case ch <- string(raw):
			default:
			}
		}
	}
	m.watchers[runID] = append(m.watchers[runID], ch)

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[runID]
		for i, existing := range watchers {
			if existing == ch {
				m.watchers[runID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
	}
	return ch, release
}

// Status reports a run's current status.
func (m *Manager) Status(runID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return "", false
	}
	return run.Status, true
}

// ServiceURLs maps each service name to its local base URL.
func (m *Manager) ServiceURLs() map[string]string {
	urls := map[string]string{
		"runner": fmt.Sprintf("http://127.0.0.1:%d", m.runner.Port),
	}
	for _, def := range m.defs {
		urls[def.Name] = fmt.Sprintf("http://127.0.0.1:%d", def.Port)
	}
	return urls
}

// Health summarizes the orchestrator's service topology.
func (m *Manager) Health() map[string]any {
	ports := map[string]any{"runner": m.runner.Port}
	for _, def := range m.defs {
		ports[def.Name] = def.Port
	}
	return map[string]any{
		"status":          "ok",
		"contractAddress": m.chain.ContractAddress,
		"chainId":         m.chain.ChainID,
		"chainRpc":        m.chain.RPCURL,
		"ports":           ports,
	}
}

func (m *Manager) publish(run *Run, event map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.emit(event)
	m.broadcastLocked(run.RunID, event)
}

func (m *Manager) broadcastLocked(runID string, event map[string]any) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	for _, ch := range m.watchers[runID] {
		select {
		case ch <- string(raw):
		default:
		}
	}
}

// flowEmitter adapts a flow's progress callback to the run's event
// log, dropping events once cancellation was requested.
func (m *Manager) flowEmitter(run *Run) agentflow.Emitter {
	return func(event map[string]any) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if run.cancelRequested {
			return
		}
		event["runId"] = run.RunID
		run.emit(event)
		m.broadcastLocked(run.RunID, event)
	}
}

func (m *Manager) execute(ctx context.Context, run *Run, windowSec int) {
	metrics.RunsStarted.WithLabelValues(run.Mode).Inc()

	m.mu.Lock()
	run.Status = StatusRunning
	m.mu.Unlock()
	m.publish(run, map[string]any{
		"type":    "run.started",
		"stepId":  "run",
		"label":   "Demo run started",
		"status":  "running",
		"message": "Mode=" + run.Mode,
	})

	err := m.executeFlows(ctx, run, windowSec)

	m.mu.Lock()
	cancelled := run.cancelRequested || ctx.Err() != nil
	m.mu.Unlock()

	switch {
	case err == nil:
		m.finishComplete(run)
	case cancelled:
		m.mu.Lock()
		run.Status = StatusCancelled
		if run.Err == "" {
			run.Err = "Cancelled"
		}
		m.mu.Unlock()
		m.publish(run, map[string]any{
			"type":    "run.error",
			"stepId":  "run",
			"label":   "Run cancelled",
			"status":  "error",
			"message": "Cancelled",
		})
	default:
		m.logger.Error("run failed", "runId", run.RunID, "error", err)
		m.mu.Lock()
		run.Status = StatusError
		run.Err = err.Error()
		m.mu.Unlock()
		m.publish(run, map[string]any{
			"type":    "run.error",
			"stepId":  "run",
			"label":   "Run failed",
			"status":  "error",
			"message": err.Error(),
		})
	}

	m.stopServices(run)

	m.mu.Lock()
	status := run.Status
	m.mu.Unlock()
	metrics.RunsFinished.WithLabelValues(status).Inc()
}

func (m *Manager) executeFlows(ctx context.Context, run *Run, windowSec int) error {
	if err := m.startServices(ctx, run); err != nil {
		return err
	}
	emit := m.flowEmitter(run)

	if run.Mode == ModeHappy || run.Mode == ModeFull {
		result, err := m.runFlow(ctx, run, "happy", windowSec, func(ctx context.Context) (map[string]any, error) {
			return m.flow.RunHappy(ctx, emit, windowSec)
		})
		if err != nil {
			return err
		}
		m.mu.Lock()
		run.Artifacts["happy"] = result
		if id, _ := result["agreementId"].(string); id != "" {
			run.AgreementIDs = append(run.AgreementIDs, id)
		}
		m.mu.Unlock()
	}

	if run.Mode == ModeDispute || run.Mode == ModeFull {
		result, err := m.runFlow(ctx, run, "dispute", windowSec, func(ctx context.Context) (map[string]any, error) {
			return m.flow.RunDispute(ctx, emit, windowSec)
		})
		if err != nil {
			return err
		}
		m.mu.Lock()
		run.Artifacts["dispute"] = result
		if id, _ := result["agreementId"].(string); id != "" {
			run.AgreementIDs = append(run.AgreementIDs, id)
		}
		disputeTx, _ := result["disputeTx"].(string)
		if disputeTx == "" {
			disputeTx, _ = result["txHash"].(string)
		}
		if disputeTx != "" {
			run.DisputeIDs = append(run.DisputeIDs, disputeTx)
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) runFlow(ctx context.Context, run *Run, name string, windowSec int, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stepID := "run:" + name
	label := strings.ToUpper(name[:1]) + name[1:] + " flow"
	m.publish(run, map[string]any{
		"type":    "step.started",
		"stepId":  stepID,
		"label":   label,
		"status":  "running",
		"message": "Starting " + name + " flow",
	})

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	m.publish(run, map[string]any{
		"type":      "step.updated",
		"stepId":    stepID,
		"label":     label,
		"status":    "done",
		"message":   "Done",
		"artifacts": result,
	})
	return result, nil
}

// finishComplete freezes the run, derives explorer links for every
// transaction artifact, and publishes the terminal event.
func (m *Manager) finishComplete(run *Run) {
	m.mu.Lock()
	run.Status = StatusComplete
	run.Artifacts["summary"] = map[string]any{
		"agreementIds": run.AgreementIDs,
		"disputeIds":   run.DisputeIDs,
	}
	// Snapshot the keys because derived entries are appended back in.
	type pending struct {
		prefix string
		result map[string]any
	}
	var results []pending
	for prefix, value := range run.Artifacts {
		if result, ok := value.(map[string]any); ok {
			results = append(results, pending{prefix, result})
		}
	}
	for _, item := range results {
		for _, txKey := range []string{"depositTx", "bondTx", "disputeTx", "txHash"} {
			txValue, _ := item.result[txKey].(string)
			if txValue == "" {
				continue
			}
			run.Artifacts[item.prefix+":"+txKey] = txValue
			if strings.HasPrefix(txValue, "0x") {
				run.Artifacts[item.prefix+":"+txKey+":explorer"] = m.explorerLink(txValue)
			}
		}
	}
	artifacts := run.Artifacts
	m.mu.Unlock()

	m.publish(run, map[string]any{
		"type":      "run.complete",
		"stepId":    "run",
		"label":     "Demo run complete",
		"status":    "done",
		"message":   "All flows complete",
		"artifacts": artifacts,
	})
}

func (m *Manager) explorerLink(txHash string) string {
	return strings.TrimRight(m.chain.ExplorerURL, "/") + "/tx/" + txHash
}

func (m *Manager) startServices(ctx context.Context, run *Run) error {
	if !run.StartServices {
		for _, def := range m.defs {
			if err := waitHealthy(ctx, def.HealthURL(), 5*time.Second); err != nil {
				return err
			}
			m.publish(run, map[string]any{
				"type":    "run.info",
				"stepId":  "service:" + def.Name,
				"label":   def.Name + " (existing)",
				"status":  "done",
				"message": "Using existing service",
			})
		}
		return nil
	}

	m.mu.Lock()
	alreadyRunning := len(m.services) > 0
	m.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	var started []*ManagedService
	for _, def := range m.defs {
		m.publish(run, map[string]any{
			"type":    "run.info",
			"stepId":  "service:" + def.Name,
			"label":   "Starting " + def.Name,
			"status":  "running",
			"message": "Booting",
		})
		svc, err := startService(def, m.logger)
		if err != nil {
			for _, s := range started {
				s.Stop()
			}
			return err
		}
		started = append(started, svc)
	}

	for _, svc := range started {
		if err := waitHealthy(ctx, svc.HealthURL, 45*time.Second); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return err
		}
		m.publish(run, map[string]any{
			"type":    "run.info",
			"stepId":  "service:" + svc.Name,
			"label":   svc.Name,
			"status":  "done",
			"message": "Ready",
		})
	}

	m.mu.Lock()
	m.services = started
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopServices(run *Run) {
	m.mu.Lock()
	keep := !run.StartServices || run.KeepServices
	services := m.services
	if !keep {
		m.services = nil
	}
	m.mu.Unlock()
	if keep {
		return
	}
	for _, svc := range services {
		svc.Stop()
	}
}

// StopAll tears down any services still alive, for process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	services := m.services
	m.services = nil
	m.mu.Unlock()
	for _, svc := range services {
		svc.Stop()
	}
}
