package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playdicee/dicee-server/internal/v1/store"
)

// recordingWaker captures every SetWake/ClearWake call in order.
type recordingWaker struct {
	sets   []time.Time
	clears int
}

func (w *recordingWaker) SetWake(t time.Time) { w.sets = append(w.sets, t) }
func (w *recordingWaker) ClearWake()          { w.clears++ }

func (w *recordingWaker) lastSet(t *testing.T) time.Time {
	t.Helper()
	require.NotEmpty(t, w.sets)
	return w.sets[len(w.sets)-1]
}

func newTestQueue(t *testing.T) (*Queue, *recordingWaker, *store.Store, func() time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.NewStore(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	waker := &recordingWaker{}
	q := NewQueue(st, "room:TEST:alarms", "room:TEST:alarm", waker, clock)
	return q, waker, st, clock
}

func TestScheduleArmsWakerWithSoonest(t *testing.T) {
	q, waker, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(30*time.Second), nil))
	assert.Equal(t, now.Add(30*time.Second), waker.lastSet(t))

	// An earlier alarm takes over the wake instant.
	require.NoError(t, q.Schedule(ctx, KindAfkCheck, "p2", now.Add(10*time.Second), nil))
	assert.Equal(t, now.Add(10*time.Second), waker.lastSet(t))

	// A later alarm leaves it alone.
	require.NoError(t, q.Schedule(ctx, KindRoomCleanup, "", now.Add(10*time.Minute), nil))
	assert.Equal(t, now.Add(10*time.Second), waker.lastSet(t))
}

func TestScheduleUpsertsByKindAndTarget(t *testing.T) {
	q, _, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(30*time.Second), nil))
	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(60*time.Second), nil))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, now.Add(60*time.Second), pending[0].FiresAt)

	// Same kind, different target: two distinct alarms.
	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p2", now.Add(90*time.Second), nil))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCancelIsIdempotent(t *testing.T) {
	q, waker, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindSeatExpiration, "p1", now.Add(5*time.Minute), nil))
	require.NoError(t, q.Cancel(ctx, KindSeatExpiration, "p1"))
	assert.Equal(t, 1, waker.clears)

	// Cancelling again or cancelling what was never scheduled is fine.
	require.NoError(t, q.Cancel(ctx, KindSeatExpiration, "p1"))
	require.NoError(t, q.Cancel(ctx, KindPauseTimeout, "nobody"))

	has, err := q.Has(ctx, KindSeatExpiration, "p1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestScheduleCancelRoundTripLeavesQueueUnchanged(t *testing.T) {
	q, _, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindRoomCleanup, "", now.Add(10*time.Minute), nil))
	before, err := q.Pending(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(30*time.Second), nil))
	require.NoError(t, q.Cancel(ctx, KindTurnTimeout, "p1"))

	after, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProcessDueReturnsDueInOrder(t *testing.T) {
	q, waker, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindRoomCleanup, "", now.Add(10*time.Minute), nil))
	require.NoError(t, q.Schedule(ctx, KindAfkCheck, "p1", now.Add(10*time.Second), nil))
	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(30*time.Second), nil))

	due, err := q.ProcessDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, KindAfkCheck, due[0].Kind)
	assert.Equal(t, KindTurnTimeout, due[1].Kind)

	// The cleanup alarm survives and owns the next wake.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, KindRoomCleanup, pending[0].Kind)
	assert.Equal(t, now.Add(10*time.Minute), waker.lastSet(t))
}

func TestProcessDueWithNothingDue(t *testing.T) {
	q, _, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(30*time.Second), nil))

	due, err := q.ProcessDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessDueClearsWakeWhenDrained(t *testing.T) {
	q, waker, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(time.Second), nil))

	due, err := q.ProcessDue(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, 1, waker.clears)
}

func TestQueueSurvivesReload(t *testing.T) {
	q, _, st, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, q.Schedule(ctx, KindSeatExpiration, "p1", now.Add(5*time.Minute), map[string]string{"seat": "2"}))
	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p2", now.Add(30*time.Second), nil))

	// A fresh queue over the same key models a process restart.
	reloaded := NewQueue(st, "room:TEST:alarms", "room:TEST:alarm", &recordingWaker{}, clock)
	pending, err := reloaded.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, KindTurnTimeout, pending[0].Kind)
	assert.Equal(t, KindSeatExpiration, pending[1].Kind)
	assert.Equal(t, "2", pending[1].Metadata["seat"])
}

func TestLegacyMarkerMigratesAtWakeTime(t *testing.T) {
	q, _, st, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock()

	require.NoError(t, st.Put(ctx, "room:TEST:alarm", Alarm{
		Kind:     KindRoomCleanup,
		FiresAt:  now.Add(-time.Hour),
		Metadata: map[string]string{"reason": "empty"},
	}))

	due, err := q.ProcessDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, KindRoomCleanup, due[0].Kind)
	assert.Equal(t, "empty", due[0].Metadata["reason"])

	// The marker is gone; a second wake finds nothing.
	var leftover Alarm
	found, err := st.Get(ctx, "room:TEST:alarm", &leftover)
	require.NoError(t, err)
	assert.False(t, found)

	due, err = q.ProcessDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSameInstantOrderedByCreation(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.NewStore(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }
	q := NewQueue(st, "room:TIE:alarms", "", &recordingWaker{}, clock)

	ctx := context.Background()
	fires := base.Add(time.Minute)
	require.NoError(t, q.Schedule(ctx, KindAfkCheck, "p1", fires, nil))
	now = now.Add(time.Second)
	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", fires, nil))

	due, err := q.ProcessDue(ctx, fires)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, KindAfkCheck, due[0].Kind, "earlier creation fires first at the same instant")
	assert.Equal(t, KindTurnTimeout, due[1].Kind)
}

func TestEphemeralModeWorksWithoutStore(t *testing.T) {
	var st *store.Store
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	waker := &recordingWaker{}
	q := NewQueue(st, "room:EPH:alarms", "room:EPH:alarm", waker, func() time.Time { return now })

	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, KindTurnTimeout, "p1", now.Add(30*time.Second), nil))
	assert.Equal(t, now.Add(30*time.Second), waker.lastSet(t))

	due, err := q.ProcessDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
