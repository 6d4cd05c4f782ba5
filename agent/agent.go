// Package agent is the public entrypoint the excluded transport constructs
// and holds for the process lifetime (C12).
package agent

import (
	"context"
	"fmt"
	"time"

	"silexa/agents/stackagent/internal/bootstrap"
	"silexa/agents/stackagent/internal/engine"
	"silexa/agents/stackagent/internal/heartbeat"
	"silexa/agents/stackagent/internal/model"
	"silexa/agents/stackagent/internal/reconcile"
)

// Config is the single configuration struct the core consumes; the caller
// (the excluded loader) is responsible for populating it from file or
// environment.
type Config struct {
	Root              string
	DeviceID          string
	HeartbeatInterval time.Duration
	PruneInterval     time.Duration
	PruneKeepReleases int
	PruneMaxAge       time.Duration
	DownloadRetries   int
	DownloadTimeout   time.Duration
	DownloadBackoff   time.Duration
	StartGrace        time.Duration
	StopTimeout       time.Duration
	Publish           heartbeat.PublishFunc
}

func (c Config) validate() error {
	if c.Root == "" {
		return model.Wrap(model.KindConfigError, "validate", fmt.Errorf("root directory is required"))
	}
	if c.HeartbeatInterval < 0 {
		return model.Wrap(model.KindConfigError, "validate", fmt.Errorf("heartbeat interval must be non-negative"))
	}
	return nil
}

// ReconcileRequest mirrors the decoded desired-state envelope the excluded
// transport produces.
type ReconcileRequest = reconcile.Request

// Component is one entry of a ReconcileRequest's desired-state component list.
type Component = reconcile.Component

// Core wires together the deployment engine, reconciliation adapter,
// bootstrap pass, and heartbeat reporter, and is the only type the transport
// layer needs to hold.
type Core struct {
	cfg      Config
	engine   *engine.Engine
	adapter  *reconcile.Adapter
	reporter *heartbeat.Reporter
}

// NewCore validates cfg and wires the core's components. A ConfigError here
// is the one error kind allowed to escape to the caller, at startup.
func NewCore(cfg Config) (*Core, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	eng := engine.New(engine.Options{
		Root:            cfg.Root,
		DownloadRetries: cfg.DownloadRetries,
		DownloadTimeout: cfg.DownloadTimeout,
		DownloadBackoff: cfg.DownloadBackoff,
		StartGrace:      cfg.StartGrace,
		StopTimeout:     cfg.StopTimeout,
	})
	reporter := heartbeat.New(eng, heartbeat.Options{
		DeviceID:      cfg.DeviceID,
		Interval:      cfg.HeartbeatInterval,
		PruneInterval: cfg.PruneInterval,
		PruneKeep:     cfg.PruneKeepReleases,
		PruneMaxAge:   cfg.PruneMaxAge,
		Publish:       cfg.Publish,
	})
	return &Core{
		cfg:      cfg,
		engine:   eng,
		adapter:  reconcile.New(eng),
		reporter: reporter,
	}, nil
}

// Init runs the bootstrap recovery pass and starts the heartbeat loop.
func (c *Core) Init(ctx context.Context) error {
	if err := bootstrap.Run(ctx, c.engine); err != nil {
		return err
	}
	c.reporter.Start(ctx)
	return nil
}

// Reconcile dispatches a decoded desired-state request to the reconciliation
// adapter and returns its JSON response string. This is the single call
// transport code makes per request.
func (c *Core) Reconcile(ctx context.Context, req ReconcileRequest) (string, error) {
	return c.adapter.Dispatch(ctx, req)
}

// Shutdown cancels the heartbeat loop and waits (bounded by ctx, nominally
// 5s) for it to return.
func (c *Core) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.reporter.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
