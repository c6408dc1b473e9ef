package lobby

import (
	"context"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/directory"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

type roomUpdateEvent struct {
	Action string             `json:"action"` // updated | closed
	Room   *directory.Entry   `json:"room,omitempty"`
	Code   types.RoomCodeType `json:"code"`
}

// RoomStatus receives a directory upsert from a room actor. Closed rooms
// are delisted; finished rooms linger until the stale-threshold cleanup
// prunes them.
func (l *Lobby) RoomStatus(ctx context.Context, update types.RoomStatusUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if update.Status == types.RoomStatusClosed {
		if err := l.directory.Remove(ctx, update.Code); err != nil {
			l.log.Error("failed to delist closed room", zap.Error(err))
			return
		}
		l.broadcast(protocol.EvtRoomUpdate, roomUpdateEvent{Action: "closed", Code: update.Code})
		return
	}

	if err := l.directory.Upsert(ctx, update); err != nil {
		l.log.Error("failed to upsert room listing", zap.Error(err))
		return
	}
	entry, ok, err := l.directory.Get(ctx, update.Code)
	if err != nil || !ok {
		return
	}
	if update.IsPublic {
		l.broadcast(protocol.EvtRoomUpdate, roomUpdateEvent{Action: "updated", Code: update.Code, Room: &entry})
	}

	// Finished rooms stay visible briefly so final scores can be seen, then
	// a cleanup pass drops them. The alarm is keyed per room so one room
	// finishing never postpones another room's prune.
	if update.Status == types.RoomStatusFinished {
		fires := l.clock.Now().Add(l.cfg.StaleThreshold)
		if err := l.alarms.Schedule(ctx, alarm.KindDirectoryCleanup, string(update.Code), fires, nil); err != nil {
			l.log.Error("failed to schedule directory cleanup", zap.Error(err))
		}
	}
}

// PlayerLocation records a player entering or leaving a room; in_room
// presence dominates available.
func (l *Lobby) PlayerLocation(_ context.Context, playerID types.PlayerIDType, roomCode types.RoomCodeType, inRoom bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	entry, ok := l.presence[playerID]
	if !ok {
		if !inRoom {
			return
		}
		entry = &presenceEntry{Status: types.PresenceAvailable}
		l.presence[playerID] = entry
	}

	if inRoom {
		entry.Status = types.PresenceInRoom
		entry.RoomCode = roomCode
	} else {
		entry.Status = types.PresenceAvailable
		entry.RoomCode = ""
		if entry.connCount <= 0 {
			delete(l.presence, playerID)
		}
	}

	l.broadcastPresence()
	metrics.LobbyPresence.Set(float64(len(l.presence)))
}
