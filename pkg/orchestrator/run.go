// Package orchestrator supervises demo runs: it boots the service set,
// drives the agent flows, collects step progress, and streams events
// to subscribers over SSE.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Run statuses. Terminal statuses are frozen.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Run modes.
const (
	ModeHappy   = "happy"
	ModeDispute = "dispute"
	ModeFull    = "full"
)

var stepEventTypes = map[string]bool{
	"step.started": true,
	"step.updated": true,
	"run.started":  true,
	"run.info":     true,
	"run.complete": true,
	"run.error":    true,
}

// Run is one demo execution. All mutation happens under the manager's
// lock.
type Run struct {
	RunID         string
	Mode          string
	Status        string
	StartMs       int64
	UpdateMs      int64
	CurrentStep   string
	Steps         []map[string]any
	Artifacts     map[string]any
	Events        []map[string]any
	AgreementIDs  []string
	DisputeIDs    []string
	StartServices bool
	KeepServices  bool
	Err           string

	started         bool
	cancelRequested bool
	cancel          context.CancelFunc
}

func nowMs() int64 { return time.Now().UnixMilli() }

func newRunID() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("run-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix[:]))
}

func (r *Run) terminal() bool {
	switch r.Status {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// emit records an event and folds step-shaped events into the ordered
// step list, merging by stepId so later updates overwrite earlier
// fields.
func (r *Run) emit(event map[string]any) {
	if _, ok := event["runId"]; !ok {
		event["runId"] = r.RunID
	}
	if _, ok := event["atMs"]; !ok {
		event["atMs"] = time.Now().UnixMilli()
	}
	r.Events = append(r.Events, event)
	r.UpdateMs = time.Now().UnixMilli()

	stepID, _ := event["stepId"].(string)
	if stepID == "" {
		return
	}
	eventType, _ := event["type"].(string)
	if !stepEventTypes[eventType] {
		return
	}
	if eventType == "step.started" || eventType == "step.updated" {
		r.CurrentStep = stepID
	}
	for i, existing := range r.Steps {
		if existing["stepId"] == stepID {
			merged := make(map[string]any, len(existing)+len(event))
			for k, v := range existing {
				merged[k] = v
			}
			for k, v := range event {
				merged[k] = v
			}
			r.Steps[i] = merged
			return
		}
	}
	r.Steps = append(r.Steps, event)
}

// serialize builds the wire form of a run.
func (r *Run) serialize() map[string]any {
	errs := []string{}
	if r.Err != "" {
		errs = append(errs, r.Err)
	}
	var currentStep any
	if r.CurrentStep != "" {
		currentStep = r.CurrentStep
	}
	return map[string]any{
		"runId":         r.RunID,
		"mode":          r.Mode,
		"status":        r.Status,
		"startMs":       r.StartMs,
		"updateMs":      r.UpdateMs,
		"currentStep":   currentStep,
		"steps":         r.Steps,
		"artifacts":     r.Artifacts,
		"errors":        errs,
		"agreementIds":  r.AgreementIDs,
		"disputeIds":    r.DisputeIDs,
		"startServices": r.StartServices,
		"keepServices":  r.KeepServices,
	}
}
