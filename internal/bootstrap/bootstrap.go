// Package bootstrap runs the on-startup recovery pass (C9): sweep partial
// installs and restart any stack whose recorded current release is not alive.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"silexa/agents/stackagent/internal/engine"
	"silexa/agents/stackagent/internal/layout"
)

// Run sweeps every known stack directory and restarts current releases whose
// process is not alive. It never fails the whole pass on one stack's error;
// per-stack failures are only logged, and the returned error reports nothing
// but a failure to list the stacks.
func Run(ctx context.Context, eng *engine.Engine) error {
	names, err := eng.ListStacks()
	if err != nil {
		return fmt.Errorf("bootstrap: list stacks: %w", err)
	}
	for _, name := range names {
		paths := layout.For(eng.Root(), name)
		if err := layout.EnsureStackReady(paths); err != nil {
			log.Printf("bootstrap: ensure stack ready for %s: %v", name, err)
			continue
		}
		outcome, err := eng.RestartCurrentIfNeeded(ctx, name)
		if err != nil {
			log.Printf("bootstrap: restart %s: %v", name, err)
			continue
		}
		if outcome.Status == "running" {
			log.Printf("bootstrap: restarted %s at version %s", name, outcome.Version)
		} else if outcome.Status == "failed" {
			log.Printf("bootstrap: failed to restart %s: %s", name, outcome.Message)
		}
	}
	return nil
}
