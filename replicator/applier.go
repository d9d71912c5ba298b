package replicator

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tak-kam/cognito-dr/directory"
	"github.com/tak-kam/cognito-dr/domain"
)

const (
	tracerName    = "github.com/tak-kam/cognito-dr/replicator"
	applySpanName = "replicator.apply"
)

// Outcome is the result of applying one change event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped marks a stale or duplicate delivery.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeReconciled marks an event applied after absorbing an adapter
	// NotFound or AlreadyExists.
	OutcomeReconciled   Outcome = "reconciled"
	OutcomeFailed       Outcome = "failed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeNotAttempted Outcome = "not_attempted"
)

// Checkpoint reports whether the event may be removed from the feed.
func (o Outcome) Checkpoint() bool {
	switch o {
	case OutcomeApplied, OutcomeSkipped, OutcomeReconciled, OutcomeRejected:
		return true
	}
	return false
}

// Result is the outcome of applying one change event.
type Result struct {
	Event    domain.ChangeEvent
	Outcome  Outcome
	Err      error
	Attempts int
}

// ApplierConfig bounds the retries of a single event.
type ApplierConfig struct {
	RetryBudget  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	CallTimeout  time.Duration
}

func (c ApplierConfig) withDefaults() ApplierConfig {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Applier applies change events to the secondary directory. Applying the same
// event twice leaves the directory as applying it once.
type Applier struct {
	dir     directory.Directory
	seq     SequenceStore
	cfg     ApplierConfig
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewApplier(dir directory.Directory, seq SequenceStore, cfg ApplierConfig, metrics *Metrics) *Applier {
	if seq == nil {
		seq = NewMemorySequenceStore()
	}
	return &Applier{dir: dir, seq: seq, cfg: cfg.withDefaults(), metrics: metrics, sleep: sleepContext}
}

// Apply applies ev and reports the outcome. It never panics on adapter
// failures; every failure is carried in the Result.
func (a *Applier) Apply(ctx context.Context, ev domain.ChangeEvent) Result {
	if ctx.Err() != nil {
		return Result{Event: ev, Outcome: OutcomeNotAttempted, Err: ctx.Err()}
	}
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, applySpanName, trace.WithAttributes(
		attribute.String("idr.key", ev.Key),
		attribute.String("idr.kind", string(ev.Kind)),
		attribute.Int64("idr.sequence", ev.Sequence),
		attribute.String("idr.event_id", ev.ID),
	))
	defer span.End()

	res := a.apply(ctx, ev)

	span.SetAttributes(
		attribute.String("idr.outcome", string(res.Outcome)),
		attribute.Int("idr.attempts", res.Attempts),
	)
	if res.Err != nil && !res.Outcome.Checkpoint() {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	a.metrics.ObserveEvent(string(ev.Kind), string(res.Outcome), start)
	a.logResult(span.SpanContext(), res, time.Since(start))
	return res
}

func (a *Applier) apply(ctx context.Context, ev domain.ChangeEvent) Result {
	res := Result{Event: ev}
	if ev.Sequenced() {
		last, err := a.seq.LastApplied(ctx, ev.Key)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Err = &domain.ReplicationFailed{Key: ev.Key, Kind: ev.Kind, Cause: err}
			return res
		}
		if ev.Sequence <= last {
			res.Outcome = OutcomeSkipped
			return res
		}
	}

	outcome, err := a.execute(ctx, ev, &res.Attempts)
	switch {
	case err == nil:
		res.Outcome = outcome
		if ev.Sequenced() {
			if err := a.seq.Advance(ctx, ev.Key, ev.Sequence); err != nil {
				log.WithError(err).WithFields(log.Fields{"key": ev.Key, "sequence": ev.Sequence}).Warn("unable to advance sequence")
			} else {
				a.metrics.SetLastSequence(ev.Sequence)
			}
		}
	case directory.Retryable(err):
		if res.Attempts == 0 {
			res.Outcome = OutcomeNotAttempted
			res.Err = err
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = &domain.ReplicationFailed{Key: ev.Key, Kind: ev.Kind, Cause: err}
	default:
		res.Outcome = OutcomeRejected
		res.Err = &domain.ReplicationRejected{Key: ev.Key, Kind: ev.Kind, Cause: err}
	}
	return res
}

func (a *Applier) execute(ctx context.Context, ev domain.ChangeEvent, attempts *int) (Outcome, error) {
	attrs := ev.Attributes()
	switch ev.Kind {
	case domain.ChangeCreate:
		err := a.call(ctx, attempts, func(ctx context.Context) error {
			return a.dir.CreateIdentity(ctx, ev.Key, attrs)
		})
		if !errors.Is(err, directory.ErrAlreadyExists) {
			return OutcomeApplied, err
		}
		// The existing identity may hold attributes from before a delete or a
		// partial apply, so the create's attributes are written over it.
		err = a.call(ctx, attempts, func(ctx context.Context) error {
			return a.dir.UpdateIdentityAttributes(ctx, ev.Key, attrs)
		})
		return OutcomeReconciled, err

	case domain.ChangeUpdate:
		err := a.call(ctx, attempts, func(ctx context.Context) error {
			return a.dir.UpdateIdentityAttributes(ctx, ev.Key, attrs)
		})
		if !errors.Is(err, directory.ErrNotFound) {
			return OutcomeApplied, err
		}
		log.WithFields(log.Fields{"key": ev.Key, "sequence": ev.Sequence}).Info("update for missing identity, creating it")
		err = a.call(ctx, attempts, func(ctx context.Context) error {
			return a.dir.CreateIdentity(ctx, ev.Key, attrs)
		})
		if errors.Is(err, directory.ErrAlreadyExists) {
			err = a.call(ctx, attempts, func(ctx context.Context) error {
				return a.dir.UpdateIdentityAttributes(ctx, ev.Key, attrs)
			})
		}
		return OutcomeReconciled, err

	case domain.ChangeDelete:
		err := a.call(ctx, attempts, func(ctx context.Context) error {
			return a.dir.DeleteIdentity(ctx, ev.Key)
		})
		if errors.Is(err, directory.ErrNotFound) {
			return OutcomeReconciled, nil
		}
		return OutcomeApplied, err
	}
	return "", &directory.Error{Op: "apply", Key: ev.Key, Kind: directory.KindPermanent, Err: domain.ErrUnknownChangeKind}
}

// call runs fn with a per call timeout, retrying transient failures within
// the retry budget.
func (a *Applier) call(ctx context.Context, attempts *int, fn func(context.Context) error) error {
	for try := 1; ; try++ {
		if err := ctx.Err(); err != nil {
			return &directory.Error{Op: "call", Kind: directory.KindTransient, Err: err}
		}
		*attempts++
		cctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		err := fn(cctx)
		cancel()
		if err == nil || !directory.Retryable(err) {
			return err
		}
		if try >= a.cfg.RetryBudget || ctx.Err() != nil {
			return err
		}
		a.metrics.IncRetry()
		if serr := a.sleep(ctx, exponentialBackoff(try, a.cfg.RetryInitial, a.cfg.RetryMax)); serr != nil {
			return err
		}
	}
}

func (a *Applier) logResult(sc trace.SpanContext, res Result, took time.Duration) {
	fields := log.Fields{
		"key":      res.Event.Key,
		"kind":     res.Event.Kind,
		"sequence": res.Event.Sequence,
		"event_id": res.Event.ID,
		"outcome":  res.Outcome,
		"attempts": res.Attempts,
		"took_ms":  float64(took) / float64(time.Millisecond),
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	entry := log.WithFields(fields)
	switch res.Outcome {
	case OutcomeFailed:
		entry.WithError(res.Err).Error("replication failed")
	case OutcomeRejected:
		entry.WithError(res.Err).Warn("replication rejected")
	case OutcomeSkipped:
		entry.Debug("stale change skipped")
	default:
		entry.Debug("change applied")
	}
}
