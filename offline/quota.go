package offline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WarnLevel grades storage pressure.
type WarnLevel string

const (
	WarnNone WarnLevel = "none"
	WarnSoft WarnLevel = "soft" // above 80% utilization
	WarnHard WarnLevel = "hard" // above 95% utilization
)

// StorageStats reports local storage usage for status surfaces.
type StorageStats struct {
	QuotaBytes        int64
	TotalUsage        int64
	PercentUsed       float64
	EntityCounts      map[string]int
	PendingOperations int
	LastSyncTime      time.Time
	OldestUnsynced    time.Time
	Warn              WarnLevel
}

// QuotaManager reports usage and performs explicit wipes. It never evicts
// data on its own; data loss is always an explicit user action.
type QuotaManager struct {
	store  *Store
	queue  *Queue
	engine *Engine
	quota  int64
	log    *zap.Logger
}

// NewQuotaManager builds a manager with the configured quota budget.
func NewQuotaManager(store *Store, queue *Queue, engine *Engine, quotaBytes int64, logger *zap.Logger) *QuotaManager {
	if quotaBytes <= 0 {
		quotaBytes = DefaultConfig().QuotaBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaManager{store: store, queue: queue, engine: engine, quota: quotaBytes, log: logger}
}

// Stats computes current utilization and warning level.
func (qm *QuotaManager) Stats(ctx context.Context) (StorageStats, error) {
	usage, err := qm.store.EstimateSize(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	counts, err := qm.store.EntityCounts(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	qs, err := qm.queue.Stats(ctx)
	if err != nil {
		return StorageStats{}, err
	}

	out := StorageStats{
		QuotaBytes:        qm.quota,
		TotalUsage:        usage,
		PercentUsed:       float64(usage) / float64(qm.quota) * 100,
		EntityCounts:      counts,
		PendingOperations: qs.Pending + qs.Failed + qs.Conflicted,
		OldestUnsynced:    qs.OldestUnsynced,
		Warn:              WarnNone,
	}
	if qm.engine != nil {
		if es, err := qm.engine.Stats(ctx); err == nil {
			out.LastSyncTime = es.LastSyncTime
		}
	}
	switch {
	case out.PercentUsed > 95:
		out.Warn = WarnHard
	case out.PercentUsed > 80:
		out.Warn = WarnSoft
	}
	if out.Warn != WarnNone {
		qm.log.Warn("local storage pressure",
			zap.String("level", string(out.Warn)),
			zap.Int64("usage", usage),
			zap.Int64("quota", qm.quota))
	}
	return out, nil
}

// ClearAllData irreversibly wipes the tenant's replica, queue, conflicts and
// sync state. Last-resort recovery when storage is exhausted or corrupted.
func (qm *QuotaManager) ClearAllData(ctx context.Context) error {
	qm.log.Warn("clearing all tenant data", zap.String("tenant", qm.store.tenant.Scope()))
	return qm.store.ClearTenant(ctx)
}
