package offline

import (
	"sync"
	"time"
)

// Progress tracks one sync cycle for UI consumption.
type Progress struct {
	Processed  int
	Total      int
	Successful int
	Failed     int
	Conflicts  int
	Percentage float64
}

// Result summarizes a finished sync cycle.
type Result struct {
	Synced    int
	Failed    int
	Conflicts int
	Duration  time.Duration
	Timestamp time.Time
}

// SyncEvents provides hooks for observability during sync operations.
type SyncEvents struct {
	OnStart    func()
	OnProgress func(Progress)
	OnComplete func(Result)
}

// StatusUpdate is published to subscribers as a cycle progresses.
type StatusUpdate struct {
	Phase    string // "idle", "pushing", "pulling", "done"
	Syncing  bool
	Progress Progress
	Result   *Result
}

// statusHub fans StatusUpdates out to explicitly registered listeners.
// Listeners subscribe and unsubscribe themselves; there is no ambient
// global registry.
type statusHub struct {
	mu   sync.Mutex
	subs map[int]func(StatusUpdate)
	next int
}

// subscribe registers fn and returns an unsubscribe func.
func (h *statusHub) subscribe(fn func(StatusUpdate)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]func(StatusUpdate){}
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *statusHub) publish(u StatusUpdate) {
	h.mu.Lock()
	fns := make([]func(StatusUpdate), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
