package reconciler

import (
	"context"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
)

// Store is the persistence seam the adapter needs. A Postgres
// implementation lives in internal/app/storage/postgres; tests use the
// in-memory one in internal/app/storage/memory.
type Store interface {
	// LockInstance takes the row-level lock (SELECT ... FOR UPDATE or an
	// advisory lock keyed on instanceID) that serializes all writers for
	// one instance's event/run history (spec §5 shared-resource policy).
	// The returned release function must be deferred by the caller.
	LockInstance(ctx context.Context, instanceID string) (release func(), err error)

	// AccountCreatedAt returns the tombstone watermark for the account
	// owning instanceID.
	AccountCreatedAt(ctx context.Context, instanceID string) (time.Time, error)

	// EventsSince loads every event for instanceID with OccurredAt >= since,
	// plus the one immediately preceding event ("anchor"), if any, so the
	// reconciler can correctly classify the first event in the window
	// (spec §4.D step 1).
	EventsSince(ctx context.Context, instanceID string, since time.Time) ([]run.Event, error)

	// ExistingRunStarts returns the start times of every stored run for
	// instanceID, open or closed, used to test the fast-path precondition
	// and to compute the recompute watermark.
	ExistingRunStarts(ctx context.Context, instanceID string) ([]time.Time, error)

	// ReplaceRunsSince deletes every run for instanceID with
	// StartTime >= watermark and inserts newRuns, atomically.
	ReplaceRunsSince(ctx context.Context, instanceID string, watermark time.Time, newRuns []run.Run) error

	// AppendOpenRun inserts a single new open run without touching any
	// existing row; used by the fast path only.
	AppendOpenRun(ctx context.Context, r run.Run) error

	// HasOpenRun reports whether instanceID currently has an open run.
	HasOpenRun(ctx context.Context, instanceID string) (bool, error)

	// InsertEvent persists a single instance_events row idempotently (a
	// repeat of the same e.ID is a no-op), so that every event Recompute
	// is handed -- fast path or not -- is actually durable and visible to
	// later EventsSince calls, not just folded into a run row.
	InsertEvent(ctx context.Context, e run.Event) error
}

// Recompute is the thin persistence adapter from spec §9 design notes:
// load events within watermark -> call Reconcile -> delete-and-insert runs
// under instance lock. batch is the set of new/changed events driving this
// recompute; batch.occurred_at values determine the watermark together
// with any already-affected run's start_time.
func Recompute(ctx context.Context, store Store, instanceID string, batch []run.Event, lookup TypeLookup, opts ...Option) error {
	release, err := store.LockInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	defer release()

	// Every event handed to Recompute must become an instance_events row
	// regardless of which path below runs, or the next Recompute call has
	// nothing to anchor against (spec §8.1-§8.3: a later event for this
	// instance must be able to see this one).
	for _, e := range batch {
		if err := store.InsertEvent(ctx, e); err != nil {
			return err
		}
	}

	if fastPath(ctx, store, instanceID, batch) {
		return applyFastPath(ctx, store, instanceID, batch)
	}

	accountCreatedAt, err := store.AccountCreatedAt(ctx, instanceID)
	if err != nil {
		return err
	}

	watermark, err := recomputeWatermark(ctx, store, instanceID, batch)
	if err != nil {
		return err
	}

	events, err := store.EventsSince(ctx, instanceID, watermark)
	if err != nil {
		return err
	}

	runs, err := Reconcile(instanceID, events, accountCreatedAt, lookup, opts...)
	if err != nil {
		return err
	}

	return store.ReplaceRunsSince(ctx, instanceID, watermark, runs)
}

// recomputeWatermark implements spec §4.D step 1's
// min(batch.occurred_at, earliest affected run.start_time) formula: the
// batch's own earliest timestamp, pulled back further if an existing run
// started at-or-before that timestamp (that run is the one the new batch
// may extend, close, or split, so it must be in the delete-and-replace
// window too).
func recomputeWatermark(ctx context.Context, store Store, instanceID string, batch []run.Event) (time.Time, error) {
	watermark := earliestBatchTime(batch)

	starts, err := store.ExistingRunStarts(ctx, instanceID)
	if err != nil {
		return time.Time{}, err
	}

	var nearest time.Time
	found := false
	for _, s := range starts {
		if s.After(watermark) {
			continue
		}
		if !found || s.After(nearest) {
			nearest = s
			found = true
		}
	}
	if found {
		watermark = nearest
	}
	return watermark, nil
}

// fastPath reports whether the append-only optimization applies: the
// entire batch occurs strictly after every existing run's start_time AND
// every event in the batch is power_on (spec §4.D fast path).
func fastPath(ctx context.Context, store Store, instanceID string, batch []run.Event) bool {
	if len(batch) == 0 {
		return false
	}
	for _, e := range batch {
		if e.Type != run.EventPowerOn {
			return false
		}
	}
	starts, err := store.ExistingRunStarts(ctx, instanceID)
	if err != nil {
		return false
	}
	earliestBatch := earliestBatchTime(batch)
	for _, s := range starts {
		if !earliestBatch.After(s) {
			return false
		}
	}
	return true
}

// applyFastPath implements the reduced fast-path semantics: if an open run
// exists, the whole batch is a duplicate-start chain and is dropped
// (already recorded, earliest wins); otherwise insert one new open run
// from the earliest batch event.
func applyFastPath(ctx context.Context, store Store, instanceID string, batch []run.Event) error {
	hasOpen, err := store.HasOpenRun(ctx, instanceID)
	if err != nil {
		return err
	}
	if hasOpen {
		return nil
	}

	earliest := batch[0]
	for _, e := range batch[1:] {
		if e.OccurredAt.Before(earliest.OccurredAt) || (e.OccurredAt.Equal(earliest.OccurredAt) && e.SeqNo < earliest.SeqNo) {
			earliest = e
		}
	}

	return store.AppendOpenRun(ctx, run.Run{
		InstanceID:   instanceID,
		StartTime:    earliest.OccurredAt,
		ImageRef:     earliest.ImageRef,
		InstanceType: earliest.InstanceType,
	})
}

func earliestBatchTime(batch []run.Event) time.Time {
	earliest := batch[0].OccurredAt
	for _, e := range batch[1:] {
		if e.OccurredAt.Before(earliest) {
			earliest = e.OccurredAt
		}
	}
	return earliest
}

// Recalculate is the operator-invoked full recompute path (supplemented
// from original_source: management command create_runs / the
// internal recalculate_runs admin view). Unlike Recompute it ignores the
// fast path and the incremental watermark entirely: it recomputes R(I)
// from the beginning of the instance's full history. Used for backfills
// after an operator fix to upstream data, never triggered by ordinary
// ingest.
func Recalculate(ctx context.Context, store Store, instanceID string, lookup TypeLookup, opts ...Option) error {
	release, err := store.LockInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	defer release()

	accountCreatedAt, err := store.AccountCreatedAt(ctx, instanceID)
	if err != nil {
		return err
	}

	events, err := store.EventsSince(ctx, instanceID, time.Time{})
	if err != nil {
		return err
	}

	runs, err := Reconcile(instanceID, events, accountCreatedAt, lookup, opts...)
	if err != nil {
		return err
	}

	return store.ReplaceRunsSince(ctx, instanceID, time.Time{}, runs)
}
