package cli

import (
	"context"

	"github.com/tak-kam/cognito-dr/config"
	"github.com/tak-kam/cognito-dr/replicator"
	"github.com/tak-kam/cognito-dr/storage"
)

// RejectedQueue gives access to parked change records.
type RejectedQueue interface {
	PeekRejected(ctx context.Context, max int32) ([]storage.ParkedRecord, error)
	RequeueRejected(ctx context.Context, max int32) (int, error)
}

// Deps builds the clients a command needs. Tests replace individual fields.
type Deps struct {
	LoadConfig     func(path string) (*config.Config, error)
	OpenRecords    func(ctx context.Context, cfg *config.Config) (replicator.RecordLister, error)
	OpenRejected   func(ctx context.Context, cfg *config.Config) (RejectedQueue, error)
	OpenDispatcher func(ctx context.Context, cfg *config.Config) (*replicator.Dispatcher, func(), error)
	Provision      func(ctx context.Context, cfg storage.Config) error
}

// DefaultDeps wires commands to Azure storage, Redis and the secondary
// directory.
func DefaultDeps() *Deps {
	return &Deps{
		LoadConfig: config.Load,
		OpenRecords: func(ctx context.Context, cfg *config.Config) (replicator.RecordLister, error) {
			return openStorage(cfg)
		},
		OpenRejected: func(ctx context.Context, cfg *config.Config) (RejectedQueue, error) {
			store, err := openStorage(cfg)
			if err != nil {
				return nil, err
			}
			return store.Feed(), nil
		},
		OpenDispatcher: openDispatcher,
		Provision:      storage.Provision,
	}
}

func openStorage(cfg *config.Config) (*storage.Storage, error) {
	if err := cfg.RequireStorage(); err != nil {
		return nil, err
	}
	return storage.New(cfg.StorageConfig())
}

func openDispatcher(ctx context.Context, cfg *config.Config) (*replicator.Dispatcher, func(), error) {
	dir, err := cfg.NewDirectory(ctx, config.Secondary)
	if err != nil {
		return nil, nil, err
	}
	rc, err := cfg.NewRedisClient()
	if err != nil {
		return nil, nil, err
	}
	seq := replicator.NewRedisSequenceStore(rc, cfg.Redis.SequencePrefix, cfg.Redis.SequenceTTL)
	applier := replicator.NewApplier(dir, seq, cfg.ApplierConfig(), nil)
	return replicator.NewDispatcher(applier, cfg.Replicator.Parallelism), func() { _ = rc.Close() }, nil
}
