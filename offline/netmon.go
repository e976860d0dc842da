// ABOUTME: Connectivity monitor driving auto-sync triggers and cancellation.
// ABOUTME: Debounces flapping transitions and classifies latency from probe RTT.
package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LatencyClass is a coarse connection quality grade.
type LatencyClass string

const (
	LatencyNormal LatencyClass = "normal"
	LatencySlow   LatencyClass = "slow"
)

// NetworkStatus is a snapshot of observed connectivity.
type NetworkStatus struct {
	Online        bool
	Latency       LatencyClass
	Transitioning bool
	CheckedAt     time.Time
}

// ProbeFunc checks transport reachability and reports round-trip time.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// MonitorConfig controls probe cadence and debouncing.
type MonitorConfig struct {
	Interval       time.Duration // probe period (default 5s)
	ProbeTimeout   time.Duration // per-probe deadline (default 3s)
	SlowThreshold  time.Duration // RTT above this is "slow" (default 750ms)
	DebounceProbes int           // consecutive agreeing probes to commit a transition (default 2)
	OnOnline       func()        // fired on committed offline->online transition
	OnOffline      func()        // fired on committed online->offline transition
}

// DefaultMonitorConfig returns documented defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       5 * time.Second,
		ProbeTimeout:   3 * time.Second,
		SlowThreshold:  750 * time.Millisecond,
		DebounceProbes: 2,
	}
}

// Monitor observes transport reachability. A state change is committed only
// after DebounceProbes consecutive probes agree, so brief flaps do not fire
// redundant sync triggers. Probes are additionally paced by a rate limiter
// so a tight caller cannot hammer the health endpoint.
type Monitor struct {
	probe   ProbeFunc
	cfg     MonitorConfig
	limiter *rate.Limiter
	log     *zap.Logger

	mu            sync.Mutex
	status        NetworkStatus
	pendingOnline bool
	pendingCount  int
	subs          map[int]func(NetworkStatus)
	nextSub       int
	stop          chan struct{}
	done          chan struct{}
	started       bool
}

// NewMonitor builds a monitor over the given probe. logger may be nil.
func NewMonitor(probe ProbeFunc, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	d := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = d.SlowThreshold
	}
	if cfg.DebounceProbes <= 0 {
		cfg.DebounceProbes = d.DebounceProbes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		probe:   probe,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval/2), 1),
		log:     logger,
		status:  NetworkStatus{Online: false, Latency: LatencyNormal},
		subs:    map[int]func(NetworkStatus){},
	}
}

// Start launches the probe loop. Stop with Stop().
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single probe immediately and feeds the debouncer.
func (m *Monitor) Check(ctx context.Context) NetworkStatus {
	if err := m.limiter.Wait(ctx); err != nil {
		return m.Status()
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	rtt, err := m.probe(pctx)
	cancel()

	online := err == nil
	latency := LatencyNormal
	if online && rtt > m.cfg.SlowThreshold {
		latency = LatencySlow
	}
	return m.observe(online, latency)
}

func (m *Monitor) observe(online bool, latency LatencyClass) NetworkStatus {
	m.mu.Lock()
	now := time.Now().UTC()
	m.status.CheckedAt = now
	if online == m.status.Online {
		// Stable; latency class updates immediately, no debounce needed.
		m.pendingCount = 0
		m.status.Transitioning = false
		changed := m.status.Latency != latency
		m.status.Latency = latency
		snapshot := m.status
		subs := m.snapshotSubs()
		m.mu.Unlock()
		if changed {
			for _, fn := range subs {
				fn(snapshot)
			}
		}
		return snapshot
	}

	if m.pendingCount == 0 || m.pendingOnline != online {
		m.pendingOnline = online
		m.pendingCount = 1
	} else {
		m.pendingCount++
	}
	if m.pendingCount < m.cfg.DebounceProbes {
		m.status.Transitioning = true
		snapshot := m.status
		m.mu.Unlock()
		return snapshot
	}

	// Commit the transition.
	m.pendingCount = 0
	m.status.Online = online
	m.status.Latency = latency
	m.status.Transitioning = false
	snapshot := m.status
	subs := m.snapshotSubs()
	onOnline := m.cfg.OnOnline
	onOffline := m.cfg.OnOffline
	m.mu.Unlock()

	m.log.Info("connectivity changed",
		zap.Bool("online", online),
		zap.String("latency", string(latency)))

	for _, fn := range subs {
		fn(snapshot)
	}
	if online && onOnline != nil {
		onOnline()
	}
	if !online && onOffline != nil {
		onOffline()
	}
	return snapshot
}

func (m *Monitor) snapshotSubs() []func(NetworkStatus) {
	fns := make([]func(NetworkStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return fns
}

// Status returns the current snapshot.
func (m *Monitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a status listener and returns an unsubscribe func.
func (m *Monitor) Subscribe(fn func(NetworkStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
