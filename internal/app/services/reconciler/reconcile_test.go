package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
)

// day returns a UTC time for day D hour H, matching the spec's "D.H" seed
// scenario notation.
func day(d, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

func onEvent(seq int64, d, h int) run.Event {
	return run.Event{OccurredAt: day(d, h), SeqNo: seq, Type: run.EventPowerOn}
}

func offEvent(seq int64, d, h int) run.Event {
	return run.Event{OccurredAt: day(d, h), SeqNo: seq, Type: run.EventPowerOff}
}

var farPast = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

func TestS1PairedEvents(t *testing.T) {
	events := []run.Event{onEvent(1, 2, 0), offEvent(2, 3, 0)}
	runs, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StartTime.Equal(day(2, 0)))
	require.NotNil(t, runs[0].EndTime)
	assert.True(t, runs[0].EndTime.Equal(day(3, 0)))
}

func TestS2DuplicateStart(t *testing.T) {
	events := []run.Event{onEvent(1, 2, 0), onEvent(2, 5, 0)}
	runs, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StartTime.Equal(day(2, 0)))
	assert.Nil(t, runs[0].EndTime)
}

func TestS3OutOfOrderArrival(t *testing.T) {
	// Ingest order deliberately scrambled; Reconcile must sort by OccurredAt.
	events := []run.Event{
		onEvent(1, 2, 0),
		offEvent(2, 7, 0),
		onEvent(3, 5, 0),
		offEvent(4, 3, 0),
	}
	runs, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartTime.Equal(day(2, 0)))
	assert.True(t, runs[0].EndTime.Equal(day(3, 0)))
	assert.True(t, runs[1].StartTime.Equal(day(5, 0)))
	assert.True(t, runs[1].EndTime.Equal(day(7, 0)))
}

func TestS4TwoInstances(t *testing.T) {
	instanceA := []run.Event{onEvent(1, 1, 0), offEvent(2, 4, 0), onEvent(3, 7, 0), offEvent(4, 16, 0)}
	runsA, err := Reconcile("A", instanceA, farPast, nil)
	require.NoError(t, err)
	require.Len(t, runsA, 2)

	instanceB := []run.Event{onEvent(1, 2, 0), offEvent(2, 8, 0)}
	runsB, err := Reconcile("B", instanceB, farPast, nil)
	require.NoError(t, err)
	require.Len(t, runsB, 1)
}

func TestS5TypeInheritance(t *testing.T) {
	events := []run.Event{
		{OccurredAt: day(2, 0), SeqNo: 1, Type: run.EventPowerOn, InstanceType: "t2.micro"},
		{OccurredAt: day(3, 0), SeqNo: 2, Type: run.EventPowerOff},
		{OccurredAt: day(5, 0), SeqNo: 3, Type: run.EventPowerOn},
	}
	runs, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "t2.micro", runs[0].InstanceType)
	assert.Nil(t, runs[1].EndTime)
	assert.Equal(t, "t2.micro", runs[1].InstanceType)
}

func TestS6ImageChangeMidRunRejected(t *testing.T) {
	events := []run.Event{
		{OccurredAt: day(1, 0), SeqNo: 1, Type: run.EventPowerOn, ImageRef: "A"},
		{OccurredAt: day(2, 0), SeqNo: 2, Type: run.EventPowerOn, ImageRef: "B"},
		{OccurredAt: day(3, 0), SeqNo: 3, Type: run.EventPowerOff},
	}
	_, err := Reconcile("i1", events, farPast, nil)
	require.Error(t, err)
	var violation *errs.RunInvariantViolation
	require.True(t, errors.As(err, &violation))
}

func TestInvariantRunDisjointness(t *testing.T) {
	events := []run.Event{
		onEvent(1, 2, 0), offEvent(2, 3, 0),
		onEvent(3, 5, 0), offEvent(4, 7, 0),
		onEvent(5, 10, 0),
	}
	runs, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)
	for i := range runs {
		for j := range runs {
			if i == j {
				continue
			}
			assert.False(t, runs[i].Overlaps(runs[j]), "runs %d and %d overlap", i, j)
		}
	}
}

func TestInvariantAtMostOneOpen(t *testing.T) {
	events := []run.Event{
		onEvent(1, 2, 0), offEvent(2, 3, 0),
		onEvent(3, 5, 0),
	}
	runs, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)

	openCount := 0
	var maxStart time.Time
	for _, r := range runs {
		if r.Open() {
			openCount++
			maxStart = r.StartTime
		}
	}
	assert.Equal(t, 1, openCount)
	for _, r := range runs {
		assert.False(t, r.StartTime.After(maxStart))
	}
}

func TestInvariantIdempotentReconciliation(t *testing.T) {
	events := []run.Event{
		onEvent(1, 2, 0), offEvent(2, 7, 0),
		onEvent(3, 5, 0), offEvent(4, 3, 0),
	}
	first, err := Reconcile("i1", events, farPast, nil)
	require.NoError(t, err)
	second, err := Reconcile("i1", synthesizeEvents(first), farPast, nil)
	require.NoError(t, err)
	assertSameRuns(t, first, second)
}

func TestInvariantOrderIndependence(t *testing.T) {
	h1 := []run.Event{onEvent(1, 2, 0), offEvent(2, 7, 0), onEvent(3, 5, 0), offEvent(4, 3, 0)}
	h2 := []run.Event{offEvent(4, 3, 0), onEvent(3, 5, 0), offEvent(2, 7, 0), onEvent(1, 2, 0)}

	r1, err := Reconcile("i1", h1, farPast, nil)
	require.NoError(t, err)
	r2, err := Reconcile("i1", h2, farPast, nil)
	require.NoError(t, err)
	assertSameRuns(t, r1, r2)
}

func TestInvariantPreAccountCutoff(t *testing.T) {
	accountCreatedAt := day(5, 0)
	events := []run.Event{onEvent(1, 2, 0), offEvent(2, 3, 0), onEvent(3, 6, 0)}
	runs, err := Reconcile("i1", events, accountCreatedAt, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StartTime.Equal(day(6, 0)))
}

// synthesizeEvents converts a reconciled run set back into power-on/
// power-off events, to exercise the idempotence property
// reconcile(reconcile(H)) == reconcile(H) without a second independent
// event history.
func synthesizeEvents(runs []run.Run) []run.Event {
	var out []run.Event
	var seq int64
	for _, r := range runs {
		seq++
		out = append(out, run.Event{OccurredAt: r.StartTime, SeqNo: seq, Type: run.EventPowerOn, InstanceType: r.InstanceType, ImageRef: r.ImageRef})
		if r.EndTime != nil {
			seq++
			out = append(out, run.Event{OccurredAt: *r.EndTime, SeqNo: seq, Type: run.EventPowerOff})
		}
	}
	return out
}

func assertSameRuns(t *testing.T, a, b []run.Run) {
	t.Helper()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.True(t, a[i].StartTime.Equal(b[i].StartTime), "start time %d differs", i)
		if a[i].EndTime == nil {
			assert.Nil(t, b[i].EndTime)
		} else {
			require.NotNil(t, b[i].EndTime)
			assert.True(t, a[i].EndTime.Equal(*b[i].EndTime))
		}
		assert.Equal(t, a[i].InstanceType, b[i].InstanceType)
	}
}
