package replicator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/tak-kam/cognito-dr/directory"
	"github.com/tak-kam/cognito-dr/domain"
)

type eventApplier interface {
	Apply(ctx context.Context, ev domain.ChangeEvent) Result
}

// Dispatcher applies a batch of events. Events sharing a key are applied in
// delivery order; distinct keys are applied in parallel.
type Dispatcher struct {
	applier     eventApplier
	parallelism int
}

func NewDispatcher(applier eventApplier, parallelism int) *Dispatcher {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Dispatcher{applier: applier, parallelism: parallelism}
}

// Dispatch returns one Result per event, in input order. A directory outage
// stops the batch; the returned error is the outage and every event not yet
// applied is reported as OutcomeNotAttempted.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.ChangeEvent) ([]Result, error) {
	results := make([]Result, len(events))
	for i, ev := range events {
		results[i] = Result{Event: ev, Outcome: OutcomeNotAttempted}
	}

	var order []string
	groups := map[string][]int{}
	for i, ev := range events {
		if _, ok := groups[ev.Key]; !ok {
			order = append(order, ev.Key)
		}
		groups[ev.Key] = append(groups[ev.Key], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			for _, i := range idx {
				if gctx.Err() != nil {
					return nil
				}
				res := d.applier.Apply(gctx, events[i])
				results[i] = res
				if res.Outcome == OutcomeFailed || res.Outcome == OutcomeNotAttempted {
					// Later events for this key must wait for this one.
					if errors.Is(res.Err, directory.ErrUnavailable) {
						return res.Err
					}
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
