// Package engine drives the per-stack deployment lifecycle (C6): install,
// activate, start, supervise, rollback, remove, restart-on-boot, plus
// retention pruning (C10) and the lifecycle event log (C11).
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"silexa/agents/stackagent/internal/execproc"
	"silexa/agents/stackagent/internal/layout"
	"silexa/agents/stackagent/internal/model"
	"silexa/agents/stackagent/internal/statestore"
)

// Options configures timing knobs the state machine needs; Config (agent
// package) builds one of these from the process-wide configuration.
type Options struct {
	Root               string
	DownloadRetries    int
	DownloadTimeout    time.Duration
	DownloadBackoff    time.Duration
	StartGrace         time.Duration
	StopTimeout        time.Duration
	GracePollInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DownloadRetries < 1 {
		o.DownloadRetries = 3
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 60 * time.Second
	}
	if o.DownloadBackoff <= 0 {
		o.DownloadBackoff = time.Second
	}
	if o.StartGrace <= 0 {
		o.StartGrace = 3 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.GracePollInterval <= 0 {
		o.GracePollInterval = 500 * time.Millisecond
	}
	return o
}

// Engine owns the per-stack lock table and dispatches every stateful
// operation against a stack's on-disk layout and state store.
type Engine struct {
	opts Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds an Engine rooted at opts.Root.
func New(opts Options) *Engine {
	return &Engine{
		opts:  opts.withDefaults(),
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns (creating if needed) the mutex serializing all operations
// against one stack name. The map lock itself is only held long enough to
// look up or insert the entry.
func (e *Engine) lockFor(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[name]
	if !ok {
		l = &sync.Mutex{}
		e.locks[name] = l
	}
	return l
}

// Outcome is the uniform result shape every mutating engine call returns;
// exceptions never cross the engine boundary (§7) — failures are reported
// here instead.
type Outcome struct {
	Status  string // noop | running | rolled_back | failed | removed | stopped
	Version string
	Message string
}

func (o Outcome) failed(version string, err error) Outcome {
	return Outcome{Status: "failed", Version: version, Message: err.Error()}
}

// Status is the pure projection get_status returns.
type Status struct {
	Current         *string
	Previous        *string
	DeploymentState model.DeploymentState
	LastFailure     *string
	LastFailureAt   *string
	InstalledAt     *string
	ActivatedAt     *string
	RolledBackAt    *string
}

// ApplyRelease runs the install/activate/start/grace-wait/rollback sequence
// for release under its stack's lock. requestID, when non-empty, is attached
// to every lifecycle event this call emits so a multi-component reconcile
// request can be correlated end-to-end in events.jsonl (§4.7).
func (e *Engine) ApplyRelease(ctx context.Context, release model.Release, requestID string) Outcome {
	lock := e.lockFor(release.Name)
	lock.Lock()
	defer lock.Unlock()

	paths := layout.For(e.opts.Root, release.Name)
	if err := layout.EnsureStackReady(paths); err != nil {
		return Outcome{}.failed(release.Version, err)
	}
	store := statestore.New(paths.StateFile)
	events := newEventLog(paths.EventsFile)

	doc, err := store.Load()
	if err != nil {
		return Outcome{}.failed(release.Version, err)
	}
	if err := store.RecordRelease(release); err != nil {
		return Outcome{}.failed(release.Version, err)
	}

	// Idempotence check: already current and alive, nothing to do.
	if doc.Current != nil && *doc.Current == release.Version && doc.Process.PID != nil && execproc.PIDAlive(*doc.Process.PID) {
		return Outcome{Status: "noop", Version: release.Version}
	}

	releaseDir := paths.ReleaseDir(release.Version)
	if _, statErr := os.Stat(releaseDir); os.IsNotExist(statErr) {
		if err := e.install(ctx, paths, store, events, release, requestID, string(doc.Deployment.State)); err != nil {
			_ = store.UpdateDeploymentState(model.StateFailed, model.StrPtr(release.Version), err)
			events.append(requestID, release.Name, release.Version, string(doc.Deployment.State), string(model.StateFailed), "failed", err.Error())
			return Outcome{}.failed(release.Version, err)
		}
	}

	var previous *string
	if doc.Current != nil && *doc.Current != release.Version {
		if prevRelease, ok := doc.Releases[*doc.Current]; ok {
			_ = e.stopCurrentProcessLocked(paths, store, prevRelease)
		}
		previous = doc.Current
	} else {
		previous = doc.Previous
	}

	if err := e.activate(paths, store, release.Version, previous); err != nil {
		_ = store.UpdateDeploymentState(model.StateFailed, model.StrPtr(release.Version), err)
		events.append(requestID, release.Name, release.Version, "activating", string(model.StateFailed), "failed", err.Error())
		return Outcome{}.failed(release.Version, err)
	}

	startErr := e.startAndWaitGrace(ctx, paths, store, release)
	if startErr == nil {
		_ = store.UpdateDeploymentState(model.StateRunning, model.StrPtr(release.Version), nil)
		events.append(requestID, release.Name, release.Version, "starting", string(model.StateRunning), "ok", "")
		return Outcome{Status: "running", Version: release.Version}
	}

	events.append(requestID, release.Name, release.Version, "starting", string(model.StateFailed), "failed", startErr.Error())
	if previous == nil {
		_ = store.UpdateDeploymentState(model.StateFailed, model.StrPtr(release.Version), startErr)
		return Outcome{}.failed(release.Version, startErr)
	}
	prevRelease, ok := doc.Releases[*previous]
	if !ok {
		_ = store.UpdateDeploymentState(model.StateFailed, model.StrPtr(release.Version), startErr)
		return Outcome{}.failed(release.Version, startErr)
	}
	if err := e.rollback(ctx, paths, store, *previous, prevRelease, release.Version, startErr); err != nil {
		_ = store.UpdateDeploymentState(model.StateFailed, model.StrPtr(release.Version), err)
		events.append(requestID, release.Name, release.Version, "rollback", string(model.StateFailed), "failed", err.Error())
		return Outcome{}.failed(release.Version, err)
	}
	_ = store.UpdateDeploymentState(model.StateRunning, model.StrPtr(*previous), startErr)
	events.append(requestID, release.Name, *previous, "rollback", string(model.StateRunning), "rolled_back", startErr.Error())
	return Outcome{Status: "rolled_back", Version: *previous, Message: startErr.Error()}
}

func (e *Engine) install(ctx context.Context, paths layout.Paths, store *statestore.Store, events *eventLog, release model.Release, requestID, fromState string) error {
	if err := store.UpdateDeploymentState(model.StateInstalling, model.StrPtr(release.Version), nil); err != nil {
		return err
	}
	events.append(requestID, release.Name, release.Version, fromState, string(model.StateInstalling), "ok", "")

	artifactPath := filepath.Join(paths.IncomingDir, fmt.Sprintf("%s-%s.artifact", release.Name, release.Version))
	if err := downloadArtifact(ctx, artifactPath, release.Artifact, e.opts); err != nil {
		return err
	}
	defer os.Remove(artifactPath)

	if err := store.RecordInstallTimestamp(); err != nil {
		return err
	}

	tmpDir := paths.ReleaseTmpDir(release.Version)
	_ = os.RemoveAll(tmpDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create tmp release dir: %w", err)
	}
	if err := extractArtifact(artifactPath, tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return err
	}
	finalDir := paths.ReleaseDir(release.Version)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return fmt.Errorf("promote release dir: %w", err)
	}
	return nil
}

func (e *Engine) activate(paths layout.Paths, store *statestore.Store, version string, previous *string) error {
	if err := store.UpdateDeploymentState(model.StateActivating, model.StrPtr(version), nil); err != nil {
		return err
	}
	if err := layout.AtomicSymlink(layout.RelativeReleaseTarget(version), paths.CurrentLink); err != nil {
		return err
	}
	if previous != nil {
		if err := layout.AtomicSymlink(layout.RelativeReleaseTarget(*previous), paths.PreviousLink); err != nil {
			return err
		}
	}
	if err := store.SetCurrent(model.StrPtr(version), previous); err != nil {
		return err
	}
	return store.RecordActivateTimestamp()
}

func (e *Engine) startAndWaitGrace(ctx context.Context, paths layout.Paths, store *statestore.Store, release model.Release) error {
	if err := store.UpdateDeploymentState(model.StateStarting, model.StrPtr(release.Version), nil); err != nil {
		return err
	}
	handle, err := e.startRelease(paths, release)
	if err != nil {
		return model.Wrap(model.KindStartFailure, "start", err)
	}
	pid := handle.PID()
	startedAt := model.NowRFC3339()
	if err := store.UpdateProcess(&pid, &startedAt); err != nil {
		return err
	}

	deadline := time.Now().Add(e.opts.StartGrace)
	ticker := time.NewTicker(e.opts.GracePollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if !handle.Alive() {
			return model.Wrap(model.KindStartGraceExit, "grace_wait", fmt.Errorf("process exited during start grace window"))
		}
		select {
		case <-ctx.Done():
			return model.Wrap(model.KindStartFailure, "grace_wait", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Engine) startRelease(paths layout.Paths, release model.Release) (*execproc.Handle, error) {
	cwd := release.Runtime.WorkingDirectory
	if cwd == "" {
		cwd = paths.ReleaseDir(release.Version)
	} else if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(paths.ReleaseDir(release.Version), cwd)
	}
	return execproc.Start(execproc.StartOptions{
		Command:          release.Runtime.StartCommand,
		Environment:      release.Runtime.Environment,
		WorkingDirectory: cwd,
		LogFile:          paths.LogFile(release.Version),
	})
}

func (e *Engine) rollback(ctx context.Context, paths layout.Paths, store *statestore.Store, previousVersion string, previousRelease model.Release, failedVersion string, cause error) error {
	if err := store.UpdateDeploymentState(model.StateRollback, model.StrPtr(previousVersion), cause); err != nil {
		return err
	}
	if err := layout.AtomicSymlink(layout.RelativeReleaseTarget(previousVersion), paths.CurrentLink); err != nil {
		return err
	}
	// previous keeps the failed release's version rather than clearing to nil,
	// preserving an audit trail of the attempted-and-failed release.
	if err := store.SetCurrent(model.StrPtr(previousVersion), model.StrPtr(failedVersion)); err != nil {
		return err
	}
	if err := store.RecordRollbackTimestamp(); err != nil {
		return err
	}
	return e.startAndWaitGrace(ctx, paths, store, previousRelease)
}

// RemoveRelease stops and unlinks a version if it is current, or purges its
// directory if it is not. previous is never deleted. requestID, when
// non-empty, is attached to every lifecycle event this call emits (§4.7).
func (e *Engine) RemoveRelease(release model.Release, requestID string) Outcome {
	lock := e.lockFor(release.Name)
	lock.Lock()
	defer lock.Unlock()

	paths := layout.For(e.opts.Root, release.Name)
	store := statestore.New(paths.StateFile)
	events := newEventLog(paths.EventsFile)

	doc, err := store.Load()
	if err != nil {
		return Outcome{}.failed(release.Version, err)
	}

	if doc.Current == nil || *doc.Current != release.Version {
		dir := paths.ReleaseDir(release.Version)
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			return Outcome{Status: "noop", Version: release.Version}
		}
		if err := os.RemoveAll(dir); err != nil {
			return Outcome{}.failed(release.Version, err)
		}
		events.append(requestID, release.Name, release.Version, string(doc.Deployment.State), string(doc.Deployment.State), "removed", "")
		return Outcome{Status: "removed", Version: release.Version}
	}

	if err := e.stopCurrentProcessLocked(paths, store, release); err != nil {
		events.append(requestID, release.Name, release.Version, string(doc.Deployment.State), string(doc.Deployment.State), "stop_failed", err.Error())
	}
	_ = os.Remove(paths.CurrentLink)
	if err := store.SetCurrent(nil, doc.Previous); err != nil {
		return Outcome{}.failed(release.Version, err)
	}
	events.append(requestID, release.Name, release.Version, string(doc.Deployment.State), "idle", "stopped", "")
	return Outcome{Status: "stopped", Version: release.Version}
}

// stopCurrentProcessLocked implements §4.6 stop_current_process; caller must
// already hold the stack lock.
func (e *Engine) stopCurrentProcessLocked(paths layout.Paths, store *statestore.Store, release model.Release) error {
	doc, err := store.Load()
	if err != nil {
		return err
	}
	if doc.Process.PID == nil {
		return nil
	}
	pid := *doc.Process.PID
	cwd := release.Runtime.WorkingDirectory
	if cwd == "" {
		cwd = paths.ReleaseDir(release.Version)
	}
	stopErr := execproc.Stop(context.Background(), pid, release.Runtime.StopCommand, release.Runtime.Environment, cwd, e.opts.StopTimeout)
	_ = store.UpdateProcess(nil, nil)
	if stopErr != nil {
		return model.Wrap(model.KindStopTimeout, "stop", stopErr)
	}
	return nil
}

// RestartCurrentIfNeeded reconstructs and re-starts the current release if
// its recorded pid is no longer alive. Used by Bootstrap.
func (e *Engine) RestartCurrentIfNeeded(ctx context.Context, name string) (Outcome, error) {
	lock := e.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	paths := layout.For(e.opts.Root, name)
	store := statestore.New(paths.StateFile)
	events := newEventLog(paths.EventsFile)

	doc, err := store.Load()
	if err != nil {
		return Outcome{}, err
	}
	if doc.Current == nil {
		return Outcome{Status: "noop"}, nil
	}
	if doc.Process.PID != nil && execproc.PIDAlive(*doc.Process.PID) {
		return Outcome{Status: "noop", Version: *doc.Current}, nil
	}
	release, ok := doc.Releases[*doc.Current]
	if !ok {
		return Outcome{}, fmt.Errorf("stack %s: current version %s has no recorded release", name, *doc.Current)
	}
	if err := e.startAndWaitGrace(ctx, paths, store, release); err != nil {
		_ = store.UpdateDeploymentState(model.StateFailed, model.StrPtr(release.Version), err)
		events.append("", name, release.Version, string(doc.Deployment.State), string(model.StateFailed), "restart_failed", err.Error())
		return Outcome{}.failed(release.Version, err), nil
	}
	_ = store.UpdateDeploymentState(model.StateRunning, model.StrPtr(release.Version), nil)
	events.append("", name, release.Version, string(doc.Deployment.State), string(model.StateRunning), "restarted", "")
	return Outcome{Status: "running", Version: release.Version}, nil
}

// GetStatus is a pure projection of the persisted state document.
func (e *Engine) GetStatus(name string) (Status, error) {
	paths := layout.For(e.opts.Root, name)
	store := statestore.New(paths.StateFile)
	doc, err := store.Load()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Current:         doc.Current,
		Previous:        doc.Previous,
		DeploymentState: doc.Deployment.State,
		LastFailure:     doc.Deployment.LastFailure,
		LastFailureAt:   doc.Deployment.LastFailureAt,
		InstalledAt:     doc.Deployment.Timestamps.Installed,
		ActivatedAt:     doc.Deployment.Timestamps.Activated,
		RolledBackAt:    doc.Deployment.Timestamps.RolledBack,
	}, nil
}

// ListStacks enumerates known stack names.
func (e *Engine) ListStacks() ([]string, error) {
	return layout.ListStacks(e.opts.Root)
}

// Root returns the configured storage root, for callers (bootstrap) that need
// to compute layout.Paths themselves.
func (e *Engine) Root() string {
	return e.opts.Root
}

// PruneResult summarizes one Prune call.
type PruneResult struct {
	Scanned   int
	Removed   []string
	Protected []string
}

// Prune implements C10: age/count retention of release directories, never
// touching current/previous. keep<=0 disables count-based trimming;
// maxAge<=0 disables age-based trimming.
func (e *Engine) Prune(name string, keep int, maxAge time.Duration) (PruneResult, error) {
	lock := e.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	paths := layout.For(e.opts.Root, name)
	store := statestore.New(paths.StateFile)
	events := newEventLog(paths.EventsFile)

	doc, err := store.Load()
	if err != nil {
		return PruneResult{}, err
	}
	protected := map[string]bool{}
	if doc.Current != nil {
		protected[*doc.Current] = true
	}
	if doc.Previous != nil {
		protected[*doc.Previous] = true
	}

	entries, err := os.ReadDir(paths.ReleasesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return PruneResult{}, nil
		}
		return PruneResult{}, err
	}

	type candidate struct {
		version string
		when    time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		version := entry.Name()
		if protected[version] {
			continue
		}
		when := installTimeOf(doc, version, entry)
		candidates = append(candidates, candidate{version: version, when: when})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].when.After(candidates[j].when)
	})

	result := PruneResult{Scanned: len(candidates) + len(protected)}
	for version := range protected {
		result.Protected = append(result.Protected, version)
	}

	now := time.Now()
	for i, c := range candidates {
		shouldRemove := false
		if keep > 0 && i >= keep {
			shouldRemove = true
		}
		if maxAge > 0 && now.Sub(c.when) > maxAge {
			shouldRemove = true
		}
		if !shouldRemove {
			continue
		}
		if err := os.RemoveAll(paths.ReleaseDir(c.version)); err != nil {
			return result, err
		}
		_ = os.Remove(paths.LogFile(c.version))
		_ = store.RemoveRelease(c.version)
		events.append("", name, c.version, "", "", "pruned", "")
		result.Removed = append(result.Removed, c.version)
	}
	return result, nil
}

// installTimeOf prefers the recorded install timestamp when version is the
// current release (the only one the state document timestamps), else falls
// back to the release directory's mtime.
func installTimeOf(doc model.StackState, version string, entry os.DirEntry) time.Time {
	if doc.Deployment.Timestamps.Installed != nil && doc.Current != nil && *doc.Current == version {
		if t, err := time.Parse(time.RFC3339, *doc.Deployment.Timestamps.Installed); err == nil {
			return t
		}
	}
	if info, err := entry.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
