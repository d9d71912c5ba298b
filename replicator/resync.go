package replicator

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/domain"
)

const resyncBatchSize = 64

// RecordLister scans the record store.
type RecordLister interface {
	ListRecords(ctx context.Context, fn func(domain.Record) error) error
}

// ResyncOptions controls a resync run.
type ResyncOptions struct {
	// DryRun only counts the records that would be replayed.
	DryRun bool
	// Force replays records even when their sequence was already applied.
	Force bool
}

// ResyncReport counts the outcomes of a resync run.
type ResyncReport struct {
	Scanned  int
	Outcomes map[Outcome]int
}

// Resync replays every live record through the dispatcher as an update, which
// creates identities missing from the directory and overwrites stale ones.
func Resync(ctx context.Context, records RecordLister, d *Dispatcher, opts ResyncOptions) (ResyncReport, error) {
	rep := ResyncReport{Outcomes: map[Outcome]int{}}
	batch := make([]domain.ChangeEvent, 0, resyncBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := d.Dispatch(ctx, batch)
		for _, res := range results {
			rep.Outcomes[res.Outcome]++
		}
		batch = batch[:0]
		return err
	}

	err := records.ListRecords(ctx, func(r domain.Record) error {
		rep.Scanned++
		if opts.DryRun {
			return nil
		}
		batch = append(batch, resyncEvent(r, opts.Force))
		if len(batch) >= resyncBatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	log.WithFields(log.Fields{"scanned": rep.Scanned, "dry_run": opts.DryRun, "outcomes": rep.Outcomes}).Info("resync finished")
	return rep, err
}

func resyncEvent(r domain.Record, force bool) domain.ChangeEvent {
	ev := domain.ChangeEvent{
		ID:          uuid.NewString(),
		Kind:        domain.ChangeUpdate,
		Key:         r.Key,
		After:       &domain.Snapshot{Key: r.Key, Email: r.Email},
		Sequence:    r.Sequence,
		CommittedAt: r.UpdatedAt,
	}
	if force {
		ev.Sequence = 0
	}
	return ev
}
