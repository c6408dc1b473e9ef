// Package directory maintains the lobby's listing of rooms. The listing is
// read-through: the in-memory map is a cache over one persisted document, so
// a recycled lobby process serves the same listing it served before.
package directory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"k8s.io/utils/set"

	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// Entry is one listed room plus its bookkeeping timestamps.
type Entry struct {
	types.RoomStatusUpdate
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Directory is the persisted room listing. Not goroutine-safe; owned by the
// lobby actor.
type Directory struct {
	store *store.Store
	key   string
	clock func() time.Time

	rooms  map[types.RoomCodeType]Entry
	loaded bool
}

// NewDirectory builds a directory persisting under key.
func NewDirectory(st *store.Store, key string, clock func() time.Time) *Directory {
	if clock == nil {
		clock = time.Now
	}
	return &Directory{store: st, key: key, clock: clock}
}

func (d *Directory) load(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	rooms := make(map[types.RoomCodeType]Entry)
	if _, err := d.store.Get(ctx, d.key, &rooms); err != nil {
		return fmt.Errorf("load room directory: %w", err)
	}
	d.rooms = rooms
	d.loaded = true
	return nil
}

func (d *Directory) persist(ctx context.Context) error {
	return d.store.Put(ctx, d.key, d.rooms)
}

// Upsert records the latest status for a room, preserving its original
// listing time. The write is durable before Upsert returns.
func (d *Directory) Upsert(ctx context.Context, update types.RoomStatusUpdate) error {
	if err := d.load(ctx); err != nil {
		return err
	}

	now := d.clock()
	entry := Entry{RoomStatusUpdate: update, CreatedAt: now, UpdatedAt: now}
	if prev, ok := d.rooms[update.Code]; ok {
		entry.CreatedAt = prev.CreatedAt
	}
	d.rooms[update.Code] = entry

	return d.persist(ctx)
}

// Remove drops a room from the listing. Removing an unlisted code is a no-op.
func (d *Directory) Remove(ctx context.Context, code types.RoomCodeType) error {
	if err := d.load(ctx); err != nil {
		return err
	}
	if _, ok := d.rooms[code]; !ok {
		return nil
	}
	delete(d.rooms, code)
	return d.persist(ctx)
}

// Get returns the entry for a code, if listed.
func (d *Directory) Get(ctx context.Context, code types.RoomCodeType) (Entry, bool, error) {
	if err := d.load(ctx); err != nil {
		return Entry{}, false, err
	}
	entry, ok := d.rooms[code]
	return entry, ok, nil
}

// All returns every listed room, newest first.
func (d *Directory) All(ctx context.Context) ([]Entry, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return sortEntries(d.rooms, func(Entry) bool { return true }), nil
}

// Public returns the publicly listed, joinable rooms, newest first.
func (d *Directory) Public(ctx context.Context) ([]Entry, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return sortEntries(d.rooms, func(e Entry) bool {
		return e.IsPublic && e.Status != types.RoomStatusClosed
	}), nil
}

// Size is the number of listed rooms.
func (d *Directory) Size(ctx context.Context) (int, error) {
	if err := d.load(ctx); err != nil {
		return 0, err
	}
	return len(d.rooms), nil
}

// PruneFinished removes finished or closed rooms whose last update is older
// than staleAfter, returning the codes it dropped.
func (d *Directory) PruneFinished(ctx context.Context, staleAfter time.Duration) ([]types.RoomCodeType, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}

	cutoff := d.clock().Add(-staleAfter)
	pruned := set.New[types.RoomCodeType]()
	for code, entry := range d.rooms {
		done := entry.Status == types.RoomStatusFinished || entry.Status == types.RoomStatusClosed
		if done && !entry.UpdatedAt.After(cutoff) {
			delete(d.rooms, code)
			pruned.Insert(code)
		}
	}
	if pruned.Len() == 0 {
		return nil, nil
	}

	if err := d.persist(ctx); err != nil {
		return nil, err
	}
	return pruned.SortedList(), nil
}

// Invalidate drops the in-memory copy; the next call re-reads storage.
func (d *Directory) Invalidate() {
	d.rooms = nil
	d.loaded = false
}

func sortEntries(rooms map[types.RoomCodeType]Entry, keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(rooms))
	for _, e := range rooms {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out
}
