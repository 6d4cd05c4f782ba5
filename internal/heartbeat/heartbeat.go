// Package heartbeat runs the periodic status reporter (C8): a background
// worker that collects every stack's status and hands it to an optional
// publish callback, plus a slower-cadence retention sweep (C10).
package heartbeat

import (
	"context"
	"log"
	"time"

	"silexa/agents/stackagent/internal/engine"
)

// StackStatus is one entry of the status document's "stacks" map.
type StackStatus struct {
	Current         *string `json:"current,omitempty"`
	Previous        *string `json:"previous,omitempty"`
	DeploymentState string  `json:"deployment_state"`
	LastFailure     *string `json:"last_failure,omitempty"`
	LastFailureAt   *string `json:"last_failure_at,omitempty"`
	InstalledAt     *string `json:"installed_at,omitempty"`
	ActivatedAt     *string `json:"activated_at,omitempty"`
	RolledBackAt    *string `json:"rolled_back_at,omitempty"`
}

// Report is the document emitted on every tick.
type Report struct {
	DeviceID  string                 `json:"device_id"`
	Online    bool                   `json:"online"`
	Stacks    map[string]StackStatus `json:"stacks"`
	Timestamp string                 `json:"timestamp"`
}

// PublishFunc is the optional sink a tick's Report is handed to (typically a
// transport-layer publish or an HTTP status updater); errors are logged and
// otherwise ignored, matching the "never die" tick contract.
type PublishFunc func(Report) error

// Options configures the reporter's two independent cadences.
type Options struct {
	DeviceID        string
	Interval        time.Duration
	PruneInterval   time.Duration
	PruneKeep       int
	PruneMaxAge     time.Duration
	Publish         PublishFunc
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = 15 * time.Minute
	}
	return o
}

// Reporter owns the background goroutine; Stop is cooperative and bounded.
type Reporter struct {
	eng  *engine.Engine
	opts Options

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Reporter against eng; call Start to launch the goroutine.
func New(eng *engine.Engine, opts Options) *Reporter {
	return &Reporter{eng: eng, opts: opts.withDefaults()}
}

// Start launches the background loop. It is not safe to call twice.
func (r *Reporter) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(loopCtx)
}

// Stop cancels the loop and waits up to 5s for it to return.
func (r *Reporter) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		log.Printf("heartbeat: reporter did not stop within 5s, abandoning wait")
	}
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	statusTicker := time.NewTicker(r.opts.Interval)
	defer statusTicker.Stop()
	pruneTicker := time.NewTicker(r.opts.PruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			r.tick()
		case <-pruneTicker.C:
			r.pruneTick()
		}
	}
}

// tick is one status collection pass; any failure is logged, never fatal.
func (r *Reporter) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("heartbeat: tick panicked: %v", rec)
		}
	}()

	names, err := r.eng.ListStacks()
	if err != nil {
		log.Printf("heartbeat: list stacks: %v", err)
		return
	}
	stacks := make(map[string]StackStatus, len(names))
	for _, name := range names {
		st, err := r.eng.GetStatus(name)
		if err != nil {
			log.Printf("heartbeat: get status for %s: %v", name, err)
			continue
		}
		stacks[name] = StackStatus{
			Current:         st.Current,
			Previous:        st.Previous,
			DeploymentState: string(st.DeploymentState),
			LastFailure:     st.LastFailure,
			LastFailureAt:   st.LastFailureAt,
			InstalledAt:     st.InstalledAt,
			ActivatedAt:     st.ActivatedAt,
			RolledBackAt:    st.RolledBackAt,
		}
	}
	report := Report{
		DeviceID:  r.opts.DeviceID,
		Online:    true,
		Stacks:    stacks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if r.opts.Publish == nil {
		return
	}
	if err := r.opts.Publish(report); err != nil {
		log.Printf("heartbeat: publish failed: %v", err)
	}
}

// pruneTick runs Prune against every known stack; one stack's failure never
// blocks the others or the status tick.
func (r *Reporter) pruneTick() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("heartbeat: prune tick panicked: %v", rec)
		}
	}()

	names, err := r.eng.ListStacks()
	if err != nil {
		log.Printf("heartbeat: list stacks for prune: %v", err)
		return
	}
	for _, name := range names {
		result, err := r.eng.Prune(name, r.opts.PruneKeep, r.opts.PruneMaxAge)
		if err != nil {
			log.Printf("heartbeat: prune %s: %v", name, err)
			continue
		}
		if len(result.Removed) > 0 {
			log.Printf("heartbeat: pruned %d release(s) from %s", len(result.Removed), name)
		}
	}
}
