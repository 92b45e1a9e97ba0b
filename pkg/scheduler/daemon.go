package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bretmckee/game-scheduler-sub006/pkg/broker"
	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
	"github.com/bretmckee/game-scheduler-sub006/pkg/event"
	"github.com/bretmckee/game-scheduler-sub006/pkg/store"
)

// ChangeSource wakes the daemon when schedule rows change. A wake is a hint:
// the daemon always re-reads the store, and the max duration is the
// correctness backstop for missed signals.
type ChangeSource interface {
	Wait(ctx context.Context, max time.Duration) store.WakeReason
}

// Daemon turns due schedule rows into published events. Multiple instances
// may run concurrently; they coordinate only through row-level claiming in
// the store.
type Daemon struct {
	repo       store.ScheduleRepository
	broker     broker.MessageBroker
	changes    ChangeSource
	cfg        config.SchedulerSettings
	log        zerolog.Logger
	tracer     trace.Tracer
	instanceID string

	storeBackoff *backoff.ExponentialBackOff
}

func New(repo store.ScheduleRepository, b broker.MessageBroker, changes ChangeSource, cfg config.SchedulerSettings, log zerolog.Logger) *Daemon {
	instanceID := uuid.NewString()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry store access forever, never crash the loop
	return &Daemon{
		repo:         repo,
		broker:       b,
		changes:      changes,
		cfg:          cfg,
		log:          log.With().Str("instance", instanceID).Logger(),
		tracer:       otel.Tracer("game-scheduler"),
		instanceID:   instanceID,
		storeBackoff: bo,
	}
}

// InstanceID is the opaque claimant identifier this daemon writes into
// claimed rows.
func (d *Daemon) InstanceID() string { return d.instanceID }

// Run executes the scheduling loop until ctx is canceled. On return, any
// claim this instance still holds has been reverted to pending.
func (d *Daemon) Run(ctx context.Context) error {
	reaped, err := d.repo.ReapStaleClaims(ctx, d.cfg.StaleClaimAfter)
	if err != nil {
		// Not fatal: stale rows also age back into reach of other instances.
		d.log.Warn().Err(err).Msg("stale claim reap failed")
	} else if reaped > 0 {
		d.log.Info().Int64("count", reaped).Msg("reclaimed stale claims from previous run")
	}

	d.log.Info().Msg("scheduler daemon started")
	for {
		wait := d.nextWait(ctx)
		if reason := d.changes.Wait(ctx, wait); reason == store.WakeShutdown {
			break
		}
		if ctx.Err() != nil {
			break
		}
		d.cycle(ctx)
	}

	d.drain()
	return ctx.Err()
}

// nextWait computes how long to block on the change channel: until the next
// known due item, bounded by MaxIdleWait when nothing is pending.
func (d *Daemon) nextWait(ctx context.Context) time.Duration {
	nextDue, err := d.repo.NextDueAt(ctx)
	if err != nil {
		delay := d.storeBackoff.NextBackOff()
		d.log.Warn().Err(err).Dur("retry_in", delay).Msg("next-due query failed")
		return delay
	}
	d.storeBackoff.Reset()

	if nextDue == nil {
		return d.cfg.MaxIdleWait
	}
	wait := time.Until(*nextDue)
	if wait < 0 {
		wait = 0
	}
	if wait > d.cfg.MaxIdleWait {
		wait = d.cfg.MaxIdleWait
	}
	return wait
}

// cycle claims all currently-due items and processes each one. Claims are
// committed before any publish attempt.
func (d *Daemon) cycle(ctx context.Context) {
	items, err := d.repo.ClaimDue(ctx, d.instanceID, d.cfg.BatchSize)
	if err != nil {
		delay := d.storeBackoff.NextBackOff()
		d.log.Warn().Err(err).Dur("retry_in", delay).Msg("claim failed")
		d.sleep(ctx, delay)
		return
	}
	d.storeBackoff.Reset()

	for i := range items {
		if ctx.Err() != nil {
			return
		}
		d.processItem(ctx, &items[i])
	}
}

func (d *Daemon) processItem(ctx context.Context, item *store.ScheduleItem) {
	ctx, span := d.tracer.Start(ctx, "ProcessScheduleItem", trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("item.subject_id", item.SubjectID),
		attribute.String("item.kind", string(item.Kind)),
		attribute.Int("item.attempt_count", item.AttemptCount),
	))
	defer span.End()

	evt, err := d.buildEvent(item)
	if err != nil {
		// A data error will not fix itself on retry.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Error().Err(err).Str("item", item.ID).Msg("malformed payload, item failed")
		if err := d.repo.MarkFailed(ctx, item.ID, d.instanceID, err.Error()); err != nil {
			d.log.Warn().Err(err).Str("item", item.ID).Msg("mark failed did not stick")
		}
		return
	}

	// Re-verify the owning game still warrants the action: it may have been
	// canceled between scheduling and claiming.
	active, err := d.repo.SubjectActive(ctx, item.SubjectID)
	if err != nil {
		// Transient store error: release the claim untouched; attempts are
		// only spent on publish failures.
		span.RecordError(err)
		d.log.Warn().Err(err).Str("item", item.ID).Msg("subject check failed, releasing claim")
		if err := d.repo.Release(ctx, item.ID, d.instanceID); err != nil {
			d.log.Warn().Err(err).Str("item", item.ID).Msg("claim release did not stick")
		}
		return
	}
	if !active {
		d.log.Info().Str("item", item.ID).Str("subject", item.SubjectID).Msg("subject inactive, completing without publish")
		if err := d.repo.MarkCompleted(ctx, item.ID, d.instanceID); err != nil {
			d.log.Warn().Err(err).Str("item", item.ID).Msg("no-op completion did not stick")
		}
		return
	}

	body, err := evt.Encode()
	if err != nil {
		span.RecordError(err)
		if err := d.repo.MarkFailed(ctx, item.ID, d.instanceID, err.Error()); err != nil {
			d.log.Warn().Err(err).Str("item", item.ID).Msg("mark failed did not stick")
		}
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err = d.broker.Publish(pubCtx, evt.Topic(), body, map[string]string{"dedupe_key": evt.DedupeKey()})
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warn().Err(err).Str("item", item.ID).Int("attempt", item.AttemptCount).Msg("publish failed")
		d.releaseOrFail(ctx, item, "publish failed: "+err.Error())
		return
	}

	if err := d.repo.MarkCompleted(ctx, item.ID, d.instanceID); err != nil {
		// The event is out; leaving the claim in place lets the stale reaper
		// retry, and idempotent consumers absorb the duplicate.
		span.RecordError(err)
		d.log.Warn().Err(err).Str("item", item.ID).Msg("completion did not stick after publish")
		return
	}
	d.log.Info().Str("item", item.ID).Str("topic", evt.Topic()).Int("attempt", item.AttemptCount).Msg("published")
}

// releaseOrFail reverts a claim to pending so the next cycle retries it, or
// marks the item failed once attempts are exhausted.
func (d *Daemon) releaseOrFail(ctx context.Context, item *store.ScheduleItem, reason string) {
	if item.AttemptCount >= d.cfg.MaxAttempts {
		d.log.Error().Str("item", item.ID).Int("attempts", item.AttemptCount).Msg("attempts exhausted, item failed")
		if err := d.repo.MarkFailed(ctx, item.ID, d.instanceID, reason); err != nil {
			d.log.Warn().Err(err).Str("item", item.ID).Msg("mark failed did not stick")
		}
		return
	}
	if err := d.repo.Release(ctx, item.ID, d.instanceID); err != nil {
		d.log.Warn().Err(err).Str("item", item.ID).Msg("claim release did not stick")
	}
}

// buildEvent maps a claimed row to its outbound event. occurred_at is the
// item's due time, not the publish time, so retried publishes carry the same
// identity and consumers can deduplicate.
func (d *Daemon) buildEvent(item *store.ScheduleItem) (*event.OutboundEvent, error) {
	switch item.Kind {
	case store.KindStatusTransition:
		p, err := item.StatusTransition()
		if err != nil {
			return nil, err
		}
		return &event.OutboundEvent{
			Type:         event.TypeGameStatusChanged,
			SubjectID:    item.SubjectID,
			OccurredAt:   item.DueAt.UTC(),
			StatusChange: &event.StatusChange{NewStatus: p.TargetStatus},
		}, nil
	case store.KindNotification:
		p, err := item.Notification()
		if err != nil {
			return nil, err
		}
		return &event.OutboundEvent{
			Type:       event.TypeReminderDue,
			SubjectID:  item.SubjectID,
			OccurredAt: item.DueAt.UTC(),
			Reminder:   &event.Reminder{OffsetMinutes: p.OffsetMinutes, Channel: p.Channel},
		}, nil
	default:
		return nil, fmt.Errorf("%w: item %s has unknown kind %q", store.ErrMalformedPayload, item.ID, item.Kind)
	}
}

// drain reverts every claim this instance still holds so nothing is left
// claimed across a restart. Runs on a fresh context because the loop's is
// already canceled.
func (d *Daemon) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	released, err := d.repo.ReleaseAllClaimedBy(ctx, d.instanceID)
	if err != nil {
		d.log.Warn().Err(err).Msg("shutdown claim drain failed; stale reaper will recover")
		return
	}
	if released > 0 {
		d.log.Info().Int64("count", released).Msg("released in-flight claims on shutdown")
	}
	d.log.Info().Msg("scheduler daemon stopped")
}

func (d *Daemon) sleep(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
