package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"silexa/agents/stackagent/internal/engine"
)

func TestReporterPublishesOnTick(t *testing.T) {
	eng := engine.New(engine.Options{Root: t.TempDir()})

	var mu sync.Mutex
	var calls int
	publish := func(r Report) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	}

	reporter := New(eng, Options{
		DeviceID:      "device-1",
		Interval:      20 * time.Millisecond,
		PruneInterval: time.Hour,
		Publish:       publish,
	})
	ctx, cancel := context.WithCancel(context.Background())
	reporter.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()
	reporter.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatalf("expected at least one publish call")
	}
}

func TestReporterStopReturnsQuickly(t *testing.T) {
	eng := engine.New(engine.Options{Root: t.TempDir()})
	reporter := New(eng, Options{Interval: time.Hour, PruneInterval: time.Hour})
	reporter.Start(context.Background())

	start := time.Now()
	reporter.Stop()
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Stop took too long: %v", time.Since(start))
	}
}
