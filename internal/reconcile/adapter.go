// Package reconcile implements the adapter (C7) that translates a
// control-plane desired-state request into apply/remove verdicts against the
// deployment engine, and produces the JSON summary document sent back.
package reconcile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"silexa/agents/stackagent/internal/engine"
	"silexa/agents/stackagent/internal/releasespec"
)

// Component is one desired-state entry: {name, properties:{data:...}}.
type Component struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// Request is the decoded desired-state envelope the excluded transport hands
// to the adapter.
type Request struct {
	Metadata   map[string]string `json:"metadata"`
	Components []Component       `json:"components"`
	Verb       string            `json:"verb"`
}

const (
	statusUpdated       = "UPDATED"
	statusUpdateFailed  = "UPDATE_FAILED"
	statusDeleted       = "DELETED"
	statusDeleteFailed  = "DELETE_FAILED"
	targetOK            = "OK"
	targetFailed        = "FAILED"
)

// componentRecord is the registry entry kept per component name so a later
// remove/get with no payload can still act.
type componentRecord struct {
	payload map[string]any
	state   string
}

// Adapter owns the in-memory component registry and dispatches verbs against
// one Engine.
type Adapter struct {
	eng *engine.Engine

	mu       sync.Mutex
	registry map[string]componentRecord
}

// New builds an Adapter driving eng.
func New(eng *engine.Engine) *Adapter {
	return &Adapter{eng: eng, registry: make(map[string]componentRecord)}
}

// componentResult is one entry of the summary's component_results map.
type componentResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Summary is the JSON document returned for apply/remove.
type Summary struct {
	RequestID         string                      `json:"request_id"`
	TargetCount       int                         `json:"target_count"`
	SuccessCount      int                         `json:"success_count"`
	PlannedDeployment string                      `json:"planned_deployment"`
	CurrentDeployed   string                      `json:"current_deployed"`
	Status            string                      `json:"status"`
	State             string                      `json:"state"`
	Message           string                      `json:"message,omitempty"`
	ComponentResults  map[string]componentResult  `json:"component_results"`
	SummaryMessage    string                      `json:"summary_message,omitempty"`
}

// getEntry is one row of the JSON array the "get" verb returns.
type getEntry struct {
	Component string `json:"component"`
	Target    string `json:"target"`
	Release   string `json:"release"`
	Status    string `json:"status"`
}

// Dispatch runs req.Verb and returns the JSON-encoded response string.
func (a *Adapter) Dispatch(ctx context.Context, req Request) (string, error) {
	activeTarget := req.Metadata["active-target"]
	switch req.Verb {
	case "apply":
		return a.marshal(a.apply(ctx, activeTarget, req.Components))
	case "remove":
		return a.marshal(a.remove(activeTarget, req.Components))
	case "get":
		return a.marshal(a.get(req.Components))
	case "needs_update":
		return a.marshal(a.needsUpdate(req.Components))
	case "needs_remove":
		return a.marshal(a.needsRemove(req.Components))
	default:
		return "", fmt.Errorf("reconcile: unknown verb %q", req.Verb)
	}
}

func (a *Adapter) marshal(v any, err error) (string, error) {
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal reconcile response: %w", err)
	}
	return string(raw), nil
}

func (a *Adapter) apply(ctx context.Context, activeTarget string, components []Component) (Summary, error) {
	requestID := uuid.NewString()
	summary := Summary{
		RequestID:        requestID,
		TargetCount:      len(components),
		PlannedDeployment: activeTarget,
		CurrentDeployed:  activeTarget,
		State:            "DONE",
		ComponentResults: make(map[string]componentResult, len(components)),
	}
	failed := 0
	for _, c := range components {
		payload, err := decodeData(c.Properties["data"])
		if err != nil {
			summary.ComponentResults[c.Name] = componentResult{Status: statusUpdateFailed, Message: err.Error()}
			failed++
			continue
		}
		release, err := releasespec.Parse(payload)
		if err != nil {
			summary.ComponentResults[c.Name] = componentResult{Status: statusUpdateFailed, Message: err.Error()}
			failed++
			continue
		}
		outcome := a.eng.ApplyRelease(ctx, release, requestID)
		switch outcome.Status {
		case "running", "noop":
			a.setRegistry(c.Name, payload, statusUpdated)
			summary.ComponentResults[c.Name] = componentResult{Status: statusUpdated, Message: outcome.Message}
		default:
			failed++
			summary.ComponentResults[c.Name] = componentResult{Status: statusUpdateFailed, Message: outcome.Message}
		}
	}
	finishSummary(&summary, failed, "apply")
	return summary, nil
}

func (a *Adapter) remove(activeTarget string, components []Component) (Summary, error) {
	requestID := uuid.NewString()
	summary := Summary{
		RequestID:        requestID,
		TargetCount:      len(components),
		PlannedDeployment: activeTarget,
		CurrentDeployed:  activeTarget,
		State:            "DONE",
		ComponentResults: make(map[string]componentResult, len(components)),
	}
	failed := 0
	for _, c := range components {
		payload, err := a.resolvePayload(c)
		if err != nil {
			summary.ComponentResults[c.Name] = componentResult{Status: statusDeleteFailed, Message: err.Error()}
			failed++
			continue
		}
		release, err := releasespec.Parse(payload)
		if err != nil {
			summary.ComponentResults[c.Name] = componentResult{Status: statusDeleteFailed, Message: err.Error()}
			failed++
			continue
		}
		outcome := a.eng.RemoveRelease(release, requestID)
		switch outcome.Status {
		case "removed", "rolled_back", "stopped", "noop":
			a.dropRegistry(c.Name)
			summary.ComponentResults[c.Name] = componentResult{Status: statusDeleted, Message: outcome.Message}
		default:
			failed++
			summary.ComponentResults[c.Name] = componentResult{Status: statusDeleteFailed, Message: outcome.Message}
		}
	}
	finishSummary(&summary, failed, "remove")
	return summary, nil
}

func (a *Adapter) get(components []Component) ([]getEntry, error) {
	entries := []getEntry{}
	if len(components) == 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		for name, rec := range a.registry {
			entries = append(entries, a.describe(name, rec.payload, rec.state))
		}
		return entries, nil
	}
	for _, c := range components {
		payload, err := a.resolvePayload(c)
		if err != nil {
			entries = append(entries, getEntry{Component: c.Name, Status: "UNKNOWN"})
			continue
		}
		a.mu.Lock()
		state := a.registry[c.Name].state
		a.mu.Unlock()
		entries = append(entries, a.describe(c.Name, payload, state))
	}
	return entries, nil
}

func (a *Adapter) describe(name string, payload map[string]any, state string) getEntry {
	release, err := releasespec.Parse(payload)
	if err != nil {
		return getEntry{Component: name, Status: "UNKNOWN"}
	}
	if state == "" {
		state = "UNKNOWN"
	}
	return getEntry{Component: name, Target: release.Name, Release: release.Version, Status: state}
}

// needsUpdate is true iff any desired component is absent from current, or a
// matching pair has distinct parsed versions, or any payload fails to parse.
func (a *Adapter) needsUpdate(desired []Component) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range desired {
		payload, err := decodeData(c.Properties["data"])
		if err != nil {
			return true, nil
		}
		release, err := releasespec.Parse(payload)
		if err != nil {
			return true, nil
		}
		current, ok := a.registry[c.Name]
		if !ok {
			return true, nil
		}
		currentRelease, err := releasespec.Parse(current.payload)
		if err != nil || currentRelease.Version != release.Version {
			return true, nil
		}
	}
	return false, nil
}

// needsRemove is true iff any registered component's name is absent from desired.
func (a *Adapter) needsRemove(desired []Component) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	desiredNames := make(map[string]bool, len(desired))
	for _, c := range desired {
		desiredNames[c.Name] = true
	}
	for name := range a.registry {
		if !desiredNames[name] {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) resolvePayload(c Component) (map[string]any, error) {
	if c.Properties != nil {
		if raw, ok := c.Properties["data"]; ok && raw != nil {
			return decodeData(raw)
		}
	}
	a.mu.Lock()
	rec, ok := a.registry[c.Name]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reconcile: no payload supplied and no registry entry for %q", c.Name)
	}
	return rec.payload, nil
}

func (a *Adapter) setRegistry(name string, payload map[string]any, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry[name] = componentRecord{payload: payload, state: state}
}

func (a *Adapter) dropRegistry(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.registry, name)
}

func finishSummary(summary *Summary, failed int, phase string) {
	summary.SuccessCount = summary.TargetCount - failed
	if failed == 0 {
		summary.Status = targetOK
	} else {
		summary.Status = targetFailed
		summary.SummaryMessage = fmt.Sprintf("%d component(s) failed during %s", failed, phase)
	}
}

// decodeData probes the "data" field shape in the order the spec prescribes:
// JSON object (already decoded by the caller's json.Unmarshal), base64
// string, raw JSON string, or raw bytes.
func decodeData(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("reconcile: component has no data payload")
	case map[string]any:
		return v, nil
	case []byte:
		return decodeJSONBytes(v)
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
			if obj, err := decodeJSONBytes(decoded); err == nil {
				return obj, nil
			}
		}
		return decodeJSONBytes([]byte(v))
	default:
		return nil, fmt.Errorf("reconcile: unsupported data payload type %T", raw)
	}
}

func decodeJSONBytes(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("reconcile: decode data payload: %w", err)
	}
	return obj, nil
}

