package appcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pellyjosh/smartdmv-sync/offline"
)

// App glues the CLI to the offline sync engine for one tenant session.
type App struct {
	cfg     Config
	store   *offline.Store
	queue   *offline.Queue
	client  *offline.Client
	engine  *offline.Engine
	quota   *offline.QuotaManager
	monitor *offline.Monitor
}

// NewApp derives keys, opens the tenant store and wires the engine.
func NewApp(cfg Config, logger *zap.Logger) (*App, error) {
	tenant := offline.TenantContext{TenantID: cfg.TenantID, PracticeID: cfg.PracticeID}
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	seed, err := offline.ParseSeed(cfg.Seed)
	if err != nil {
		return nil, err
	}
	key, err := offline.DeriveKey(seed, "", tenant, offline.DefaultKDFParams())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, err
	}
	store, err := offline.OpenStore(cfg.DBPath, tenant, key)
	if err != nil {
		return nil, err
	}

	engineCfg := offline.DefaultConfig()
	queue := offline.NewQueue(store, engineCfg.Retry)
	client := offline.NewClient(offline.ClientConfig{
		BaseURL:   cfg.Server,
		AuthToken: cfg.AuthToken,
		Timeout:   engineCfg.Timeout,
	})
	engine := offline.NewEngine(store, queue, client, engineCfg, nil, logger)
	quota := offline.NewQuotaManager(store, queue, engine, engineCfg.QuotaBytes, logger)

	monitor := offline.NewMonitor(client.Probe, offline.MonitorConfig{
		OnOnline:  func() { _, _ = engine.Sync(context.Background()) },
		OnOffline: engine.Cancel,
	}, logger)

	return &App{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		client:  client,
		engine:  engine,
		quota:   quota,
		monitor: monitor,
	}, nil
}

// Close releases resources.
func (a *App) Close() error {
	return a.store.Close()
}

// Engine exposes the sync engine for direct operations.
func (a *App) Engine() *offline.Engine { return a.engine }

// Monitor exposes the connectivity monitor.
func (a *App) Monitor() *offline.Monitor { return a.monitor }

// Enqueue queues a mutation intent from CLI arguments.
func (a *App) Enqueue(ctx context.Context, entityType, entityID string, op offline.Op, payloadJSON string) (string, error) {
	if entityType == "" || entityID == "" {
		return "", errors.New("entity type and id required")
	}
	var payload json.RawMessage
	if payloadJSON != "" {
		if !json.Valid([]byte(payloadJSON)) {
			return "", errors.New("payload must be valid JSON")
		}
		payload = json.RawMessage(payloadJSON)
	}
	return a.engine.Enqueue(ctx, entityType, entityID, op, payload)
}

// List returns live records of one entity type.
func (a *App) List(ctx context.Context, entityType string) ([]offline.Record, error) {
	return a.store.List(ctx, entityType)
}

// Sync runs one cycle.
func (a *App) Sync(ctx context.Context) (offline.Result, error) {
	return a.engine.Sync(ctx)
}

// Status returns engine and storage stats.
func (a *App) Status(ctx context.Context) (offline.SyncStats, offline.StorageStats, error) {
	es, err := a.engine.Stats(ctx)
	if err != nil {
		return offline.SyncStats{}, offline.StorageStats{}, err
	}
	ss, err := a.quota.Stats(ctx)
	if err != nil {
		return offline.SyncStats{}, offline.StorageStats{}, err
	}
	return es, ss, nil
}

// Conflicts lists unresolved conflicts.
func (a *App) Conflicts(ctx context.Context) ([]offline.Conflict, error) {
	return a.engine.Conflicts(ctx)
}

// Resolve applies a strategy to one conflict.
func (a *App) Resolve(ctx context.Context, conflictID string, strategy offline.Strategy) error {
	switch strategy {
	case offline.StrategyServerWins, offline.StrategyClientWins,
		offline.StrategyMerge, offline.StrategyLastWriteWins:
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}
	return a.engine.ResolveConflict(ctx, conflictID, strategy)
}

// RetryFailed requeues terminally failed operations.
func (a *App) RetryFailed(ctx context.Context) (int, error) {
	return a.queue.RetryFailed(ctx)
}

// Wipe irreversibly clears all local tenant data.
func (a *App) Wipe(ctx context.Context) error {
	return a.quota.ClearAllData(ctx)
}
