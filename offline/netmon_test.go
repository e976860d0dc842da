package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedProbe lets a test flip connectivity between checks.
type scriptedProbe struct {
	mu  sync.Mutex
	rtt time.Duration
	err error
}

func (p *scriptedProbe) set(rtt time.Duration, err error) {
	p.mu.Lock()
	p.rtt, p.err = rtt, err
	p.mu.Unlock()
}

func (p *scriptedProbe) fn(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt, p.err
}

func testMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       10 * time.Millisecond,
		ProbeTimeout:   time.Second,
		SlowThreshold:  50 * time.Millisecond,
		DebounceProbes: 2,
	}
}

func TestMonitorDebouncesOnlineTransition(t *testing.T) {
	ctx := context.Background()
	probe := &scriptedProbe{rtt: 5 * time.Millisecond}

	var onlineFired int
	cfg := testMonitorConfig()
	cfg.OnOnline = func() { onlineFired++ }
	m := NewMonitor(probe.fn, cfg, nil)

	// First agreeing probe only marks the transition pending.
	st := m.Check(ctx)
	if st.Online || !st.Transitioning {
		t.Fatalf("after one probe: %+v, want offline and transitioning", st)
	}
	if onlineFired != 0 {
		t.Fatal("callback fired before debounce committed")
	}

	// Second agreeing probe commits it.
	st = m.Check(ctx)
	if !st.Online || st.Transitioning {
		t.Fatalf("after two probes: %+v, want committed online", st)
	}
	if onlineFired != 1 {
		t.Fatalf("OnOnline fired %d times, want 1", onlineFired)
	}
}

func TestMonitorIgnoresFlaps(t *testing.T) {
	ctx := context.Background()
	probe := &scriptedProbe{rtt: 5 * time.Millisecond}

	var onlineFired int
	cfg := testMonitorConfig()
	cfg.OnOnline = func() { onlineFired++ }
	m := NewMonitor(probe.fn, cfg, nil)

	m.Check(ctx) // one good probe, transition pending
	probe.set(0, errors.New("unreachable"))
	st := m.Check(ctx) // flap back offline before the debounce commits

	if st.Online || st.Transitioning {
		t.Fatalf("after flap: %+v, want stable offline", st)
	}
	if onlineFired != 0 {
		t.Fatal("flap fired the online callback")
	}
}

func TestMonitorClassifiesSlowLatency(t *testing.T) {
	ctx := context.Background()
	probe := &scriptedProbe{rtt: 5 * time.Millisecond}
	m := NewMonitor(probe.fn, testMonitorConfig(), nil)

	m.Check(ctx)
	st := m.Check(ctx)
	if !st.Online || st.Latency != LatencyNormal {
		t.Fatalf("baseline: %+v, want online/normal", st)
	}

	var notified NetworkStatus
	var mu sync.Mutex
	unsub := m.Subscribe(func(s NetworkStatus) {
		mu.Lock()
		notified = s
		mu.Unlock()
	})
	defer unsub()

	// Latency degradation on a stable connection applies without debounce.
	probe.set(100*time.Millisecond, nil)
	st = m.Check(ctx)
	if st.Latency != LatencySlow || !st.Online {
		t.Fatalf("degraded: %+v, want online/slow", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if notified.Latency != LatencySlow {
		t.Fatalf("subscriber saw %+v, want slow latency", notified)
	}
}

func TestMonitorOfflineCallback(t *testing.T) {
	ctx := context.Background()
	probe := &scriptedProbe{rtt: 5 * time.Millisecond}

	var offlineFired int
	cfg := testMonitorConfig()
	cfg.OnOffline = func() { offlineFired++ }
	m := NewMonitor(probe.fn, cfg, nil)

	m.Check(ctx)
	m.Check(ctx) // committed online

	probe.set(0, errors.New("unreachable"))
	m.Check(ctx)
	st := m.Check(ctx)
	if st.Online {
		t.Fatalf("still online after two failed probes: %+v", st)
	}
	if offlineFired != 1 {
		t.Fatalf("OnOffline fired %d times, want 1", offlineFired)
	}
}

func TestMonitorStartStop(t *testing.T) {
	probe := &scriptedProbe{rtt: 5 * time.Millisecond}
	m := NewMonitor(probe.fn, testMonitorConfig(), nil)

	m.Start(context.Background())
	waitFor(t, "loop to commit online", func() bool { return m.Status().Online })
	m.Stop()

	// Stop is idempotent and the loop no longer probes.
	m.Stop()
	probe.set(0, errors.New("unreachable"))
	time.Sleep(30 * time.Millisecond)
	if !m.Status().Online {
		t.Fatal("stopped monitor kept probing")
	}
}
