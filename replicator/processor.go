package replicator

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/directory"
	"github.com/tak-kam/cognito-dr/domain"
	"github.com/tak-kam/cognito-dr/storage"
)

// Feed is the change feed consumed by the processor.
type Feed interface {
	Receive(ctx context.Context) ([]storage.Delivery, error)
	Ack(ctx context.Context, d storage.Delivery) error
	Park(ctx context.Context, d storage.Delivery, reason string) error
}

// ProcessorConfig tunes the feed loop.
type ProcessorConfig struct {
	PollInterval time.Duration
	AckTimeout   time.Duration
}

// Processor drains the change feed through a Dispatcher. A delivery is
// deleted only after its event is applied, skipped or rejected.
type Processor struct {
	feed       Feed
	dispatcher *Dispatcher
	notifier   Notifier
	metrics    *Metrics
	cfg        ProcessorConfig
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewProcessor(feed Feed, dispatcher *Dispatcher, notifier Notifier, metrics *Metrics, cfg ProcessorConfig) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &Processor{feed: feed, dispatcher: dispatcher, notifier: notifier, metrics: metrics, cfg: cfg, sleep: sleepContext}
}

// BatchReport summarises one processed batch.
type BatchReport struct {
	Received     int
	Acked        int
	Parked       int
	Withheld     int
	Unclassified int
}

// Run processes batches until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		rep, err := p.ProcessBatch(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case IsOutage(err):
			log.WithError(err).Warn("directory unavailable, batch left on the feed")
		default:
			log.WithError(err).Error("process batch")
		}
		if rep.Received == 0 || err != nil {
			if serr := p.sleep(ctx, p.cfg.PollInterval); serr != nil {
				return nil
			}
		}
	}
}

// ProcessBatch receives one batch from the feed and applies it.
func (p *Processor) ProcessBatch(ctx context.Context) (BatchReport, error) {
	var rep BatchReport
	deliveries, err := p.feed.Receive(ctx)
	if err != nil {
		return rep, err
	}
	rep.Received = len(deliveries)
	if len(deliveries) == 0 {
		return rep, nil
	}
	p.metrics.IncBatch()

	events := make([]domain.ChangeEvent, 0, len(deliveries))
	owners := make([]storage.Delivery, 0, len(deliveries))
	for _, d := range deliveries {
		ev, err := decode(d)
		if err != nil {
			rep.Unclassified++
			log.WithError(err).WithField("message_id", d.MessageID).Warn("unclassifiable change record")
			if p.park(ctx, d, err.Error(), "unclassifiable") {
				rep.Parked++
			}
			continue
		}
		events = append(events, ev)
		owners = append(owners, d)
	}

	results, dispatchErr := p.dispatcher.Dispatch(ctx, events)

	for i, res := range results {
		d := owners[i]
		switch {
		case res.Outcome == OutcomeRejected:
			if p.park(ctx, d, res.Err.Error(), "rejected") {
				rep.Parked++
			}
		case res.Outcome.Checkpoint():
			if p.ack(ctx, d) {
				rep.Acked++
			}
			if p.notifier != nil && res.Outcome != OutcomeSkipped {
				p.notify(ctx, res)
			}
		default:
			rep.Withheld++
		}
	}
	return rep, dispatchErr
}

func decode(d storage.Delivery) (domain.ChangeEvent, error) {
	raw, err := storage.DecodeChange(d.Body)
	if err != nil {
		return domain.ChangeEvent{}, &domain.ClassificationError{EventID: d.MessageID, Err: err}
	}
	return domain.Classify(raw)
}

// detached returns a context that survives cancellation of ctx so that work
// already done can still be checkpointed.
func (p *Processor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AckTimeout)
}

func (p *Processor) ack(ctx context.Context, d storage.Delivery) bool {
	actx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.feed.Ack(actx, d); err != nil {
		log.WithError(err).WithField("message_id", d.MessageID).Error("ack change")
		return false
	}
	return true
}

func (p *Processor) park(ctx context.Context, d storage.Delivery, reason, label string) bool {
	actx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.feed.Park(actx, d, reason); err != nil {
		log.WithError(err).WithField("message_id", d.MessageID).Error("park change")
		return false
	}
	p.metrics.IncParked(label)
	return true
}

func (p *Processor) notify(ctx context.Context, res Result) {
	nctx, cancel := p.detached(ctx)
	defer cancel()
	p.notifier.Notify(nctx, res)
}

// IsOutage reports whether err stopped a batch because the directory was
// unavailable.
func IsOutage(err error) bool {
	return errors.Is(err, directory.ErrUnavailable)
}
