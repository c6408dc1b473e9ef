// Package alarm multiplexes many scheduled events onto a single external
// wake-up primitive.
//
// Each actor owns one Queue. The queue is a persisted, soonest-first list of
// pending alarms; the external primitive (Waker) only knows the next wake
// instant. The ordering contract is: mutate in memory, persist the whole
// list, and only then re-arm the waker, so a process eviction between the
// two operations never loses an alarm.
//
// The Queue itself is not goroutine-safe: it is owned by a single actor and
// called only while that actor is processing a command or a wake.
package alarm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/playdicee/dicee-server/internal/v1/store"
)

// Kind discriminates what a pending alarm will do when it fires.
type Kind string

const (
	KindSeatExpiration        Kind = "seat_expiration"
	KindPauseTimeout          Kind = "pause_timeout"
	KindRoomCleanup           Kind = "room_cleanup"
	KindTurnTimeout           Kind = "turn_timeout"
	KindAfkCheck              Kind = "afk_check"
	KindAiTurnTimeout         Kind = "ai_turn_timeout"
	KindJoinRequestExpiration Kind = "join_request_expiration"
	KindDirectoryCleanup      Kind = "directory_cleanup"
	KindInviteExpiration      Kind = "invite_expiration"
)

// Alarm is one pending scheduled event.
type Alarm struct {
	Kind      Kind              `json:"kind"`
	TargetID  string            `json:"targetId,omitempty"`
	FiresAt   time.Time         `json:"firesAt"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Waker is the single external wake primitive the queue is layered over.
type Waker interface {
	SetWake(t time.Time)
	ClearWake()
}

// Queue is a persisted multi-timer. At most one alarm is pending per
// (kind, targetId) pair; Schedule has upsert semantics.
type Queue struct {
	store     *store.Store
	key       string
	legacyKey string
	waker     Waker
	clock     func() time.Time

	alarms []Alarm
	loaded bool
}

// NewQueue builds a queue persisting under key. legacyKey, when non-empty,
// names the old single-alarm marker that is migrated at wake time.
func NewQueue(st *store.Store, key, legacyKey string, waker Waker, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		store:     st,
		key:       key,
		legacyKey: legacyKey,
		waker:     waker,
		clock:     clock,
	}
}

func (q *Queue) load(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	var alarms []Alarm
	if _, err := q.store.Get(ctx, q.key, &alarms); err != nil {
		return fmt.Errorf("load alarm queue: %w", err)
	}
	q.alarms = alarms
	q.sortAlarms()
	q.loaded = true
	return nil
}

func (q *Queue) sortAlarms() {
	sort.SliceStable(q.alarms, func(i, j int) bool {
		if !q.alarms[i].FiresAt.Equal(q.alarms[j].FiresAt) {
			return q.alarms[i].FiresAt.Before(q.alarms[j].FiresAt)
		}
		return q.alarms[i].CreatedAt.Before(q.alarms[j].CreatedAt)
	})
}

// persistThenArm writes the list and only afterwards touches the waker.
func (q *Queue) persistThenArm(ctx context.Context) error {
	if err := q.store.Put(ctx, q.key, q.alarms); err != nil {
		return err
	}
	q.arm()
	return nil
}

func (q *Queue) arm() {
	if q.waker == nil {
		return
	}
	if len(q.alarms) == 0 {
		q.waker.ClearWake()
		return
	}
	q.waker.SetWake(q.alarms[0].FiresAt)
}

// Schedule upserts the alarm for (kind, targetID). Any existing entry with
// the same key is replaced.
func (q *Queue) Schedule(ctx context.Context, kind Kind, targetID string, firesAt time.Time, metadata map[string]string) error {
	if err := q.load(ctx); err != nil {
		return err
	}

	kept := q.alarms[:0]
	for _, a := range q.alarms {
		if a.Kind == kind && a.TargetID == targetID {
			continue
		}
		kept = append(kept, a)
	}
	q.alarms = append(kept, Alarm{
		Kind:      kind,
		TargetID:  targetID,
		FiresAt:   firesAt,
		CreatedAt: q.clock(),
		Metadata:  metadata,
	})
	q.sortAlarms()

	return q.persistThenArm(ctx)
}

// Cancel removes any pending alarm for (kind, targetID). Cancelling a
// non-existent alarm is a no-op that still re-arms the waker consistently.
func (q *Queue) Cancel(ctx context.Context, kind Kind, targetID string) error {
	if err := q.load(ctx); err != nil {
		return err
	}

	kept := q.alarms[:0]
	removed := false
	for _, a := range q.alarms {
		if a.Kind == kind && a.TargetID == targetID {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	q.alarms = kept
	if !removed {
		q.arm()
		return nil
	}

	return q.persistThenArm(ctx)
}

// ProcessDue pops every alarm with firesAt <= now, persisting the remainder
// before returning. The due alarms come back in firesAt order with a stable
// createdAt tie-break; the caller dispatches them one by one.
func (q *Queue) ProcessDue(ctx context.Context, now time.Time) ([]Alarm, error) {
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	if err := q.migrateLegacy(ctx, now); err != nil {
		return nil, err
	}

	var due, remaining []Alarm
	for _, a := range q.alarms {
		if !a.FiresAt.After(now) {
			due = append(due, a)
		} else {
			remaining = append(remaining, a)
		}
	}
	if len(due) == 0 {
		q.arm()
		return nil, nil
	}

	q.alarms = remaining
	if err := q.persistThenArm(ctx); err != nil {
		// Put the due alarms back; the next wake retries them.
		q.alarms = append(due, remaining...)
		q.sortAlarms()
		return nil, err
	}
	return due, nil
}

// migrateLegacy converts an old single-pending alarm marker into a queue
// entry that fires immediately, then deletes the marker.
func (q *Queue) migrateLegacy(ctx context.Context, now time.Time) error {
	if q.legacyKey == "" {
		return nil
	}
	var legacy Alarm
	found, err := q.store.Get(ctx, q.legacyKey, &legacy)
	if err != nil {
		return fmt.Errorf("read legacy alarm marker: %w", err)
	}
	if !found {
		return nil
	}

	legacy.FiresAt = now
	if legacy.CreatedAt.IsZero() {
		legacy.CreatedAt = now
	}
	q.alarms = append(q.alarms, legacy)
	q.sortAlarms()

	if err := q.store.Put(ctx, q.key, q.alarms); err != nil {
		return err
	}
	return q.store.Delete(ctx, q.legacyKey)
}

// Has reports whether an alarm is pending for (kind, targetID).
func (q *Queue) Has(ctx context.Context, kind Kind, targetID string) (bool, error) {
	if err := q.load(ctx); err != nil {
		return false, err
	}
	for _, a := range q.alarms {
		if a.Kind == kind && a.TargetID == targetID {
			return true, nil
		}
	}
	return false, nil
}

// Pending returns a copy of the queue, soonest first.
func (q *Queue) Pending(ctx context.Context) ([]Alarm, error) {
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	out := make([]Alarm, len(q.alarms))
	copy(out, q.alarms)
	return out, nil
}

// Invalidate drops the in-memory copy; the next call re-reads storage.
func (q *Queue) Invalidate() {
	q.alarms = nil
	q.loaded = false
}
