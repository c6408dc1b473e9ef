package room

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

type playerConnectionEvent struct {
	PlayerID          types.PlayerIDType `json:"playerId"`
	IsConnected       bool               `json:"isConnected"`
	ReconnectDeadline *time.Time         `json:"reconnectDeadline,omitempty"`
}

// Attach admits a freshly upgraded connection, deciding its role:
// reconnecting player, duplicate tab, new player, or spectator. Rejections
// close the socket with 4003.
func (r *Room) Attach(ctx context.Context, conn types.ClientConn, wantSpectator bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(ctx); err != nil {
		r.log.Error("failed to load room state on attach", zap.Error(err))
		r.sendError(conn, protocol.CodeInternal, "room state unavailable")
		conn.CloseWithCode(protocol.CloseNormal, "room state unavailable")
		return
	}

	playerID := conn.GetPlayerID()
	now := r.clock.Now()
	seat, seated := r.seats[playerID]

	switch {
	case seated && !seat.Connected && seat.ReconnectDeadline != nil && seat.ReconnectDeadline.After(now):
		r.attachReconnect(ctx, conn, seat)

	case seated && seat.Connected:
		// Duplicate tab for a seated player: no new seat, same role.
		conn.SetRole(types.RoleTypePlayer)
		r.conns[playerID] = append(r.conns[playerID], conn)
		r.sendSnapshot(ctx, conn)

	case !wantSpectator && r.canSeatNewPlayer():
		r.attachNewPlayer(ctx, conn, now)

	case r.state.Config.AllowSpectators:
		r.attachSpectator(ctx, conn)

	default:
		conn.CloseWithCode(protocol.CloseRoomFull, "room is full")
	}
}

func (r *Room) canSeatNewPlayer() bool {
	if len(r.seats) >= r.state.Config.MaxPlayers {
		return false
	}
	return r.state.State == types.RoomStateWaiting || r.state.State == types.RoomStateStarting
}

func (r *Room) attachReconnect(ctx context.Context, conn types.ClientConn, seat *Seat) {
	playerID := seat.PlayerID
	seat.Connected = true
	seat.DisconnectedAt = nil
	seat.ReconnectDeadline = nil

	if err := r.persistSeats(ctx); err != nil {
		r.failMutation(ctx, conn, "persist seat on reconnect", err)
		return
	}
	if err := r.alarms.Cancel(ctx, alarm.KindSeatExpiration, string(playerID)); err != nil {
		r.log.Warn("failed to cancel seat expiration", zap.Error(err))
	}
	// A pending pause debounce for this player is moot now.
	if err := r.alarms.Cancel(ctx, alarm.KindPauseTimeout, string(playerID)); err != nil {
		r.log.Warn("failed to cancel pause debounce", zap.Error(err))
	}

	conn.SetRole(types.RoleTypePlayer)
	r.conns[playerID] = append(r.conns[playerID], conn)

	if r.state.State == types.RoomStatePaused && r.currentPlayerID() == playerID {
		r.resumeFromPause(ctx)
	}

	r.sendSnapshot(ctx, conn)
	r.broadcastExcept(conn, protocol.EvtPlayerConnection, playerConnectionEvent{
		PlayerID:    playerID,
		IsConnected: true,
	})
	r.queueLobbyNotify()
	r.notifyPlayerLocation(playerID, true)
	r.log.Info("player reconnected", zap.String("player_id", string(playerID)))
}

func (r *Room) attachNewPlayer(ctx context.Context, conn types.ClientConn, now time.Time) {
	playerID := conn.GetPlayerID()
	seat := &Seat{
		PlayerID:    playerID,
		DisplayName: conn.GetDisplayName(),
		AvatarSeed:  conn.GetAvatarSeed(),
		TurnOrder:   r.nextTurnOrder(),
		IsHost:      len(r.seats) == 0,
		Connected:   true,
		JoinedAt:    now,
	}
	r.seats[playerID] = seat
	if seat.IsHost {
		r.state.HostID = playerID
	}

	if err := r.persistSeats(ctx); err != nil {
		delete(r.seats, playerID)
		if seat.IsHost {
			r.state.HostID = ""
		}
		r.failMutation(ctx, conn, "persist new seat", err)
		return
	}
	if seat.IsHost {
		if err := r.persistRoom(ctx); err != nil {
			r.log.Error("failed to persist host assignment", zap.Error(err))
		}
	}

	conn.SetRole(types.RoleTypePlayer)
	r.conns[playerID] = append(r.conns[playerID], conn)

	r.sendSnapshot(ctx, conn)
	r.broadcastExcept(conn, protocol.EvtPlayerJoined, playerView{
		PlayerID:    seat.PlayerID,
		DisplayName: seat.DisplayName,
		AvatarSeed:  seat.AvatarSeed,
		TurnOrder:   seat.TurnOrder,
		IsHost:      seat.IsHost,
		Connected:   true,
	})
	r.queueLobbyNotify()
	r.notifyPlayerLocation(playerID, true)
	r.updateOccupantMetrics()
	r.log.Info("player joined",
		zap.String("player_id", string(playerID)),
		zap.Int("turn_order", seat.TurnOrder),
		zap.Bool("is_host", seat.IsHost))
}

func (r *Room) attachSpectator(ctx context.Context, conn types.ClientConn) {
	conn.SetRole(types.RoleTypeSpectator)
	r.spectators[conn] = struct{}{}
	r.sendSnapshot(ctx, conn)
	r.queueLobbyNotify()
	r.updateOccupantMetrics()
}

func (r *Room) nextTurnOrder() int {
	next := 0
	for _, s := range r.seats {
		if s.TurnOrder >= next {
			next = s.TurnOrder + 1
		}
	}
	return next
}

// Detach handles a closed connection of either role.
func (r *Room) Detach(ctx context.Context, conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.spectators[conn]; ok {
		delete(r.spectators, conn)
		r.removeFromQueue(ctx, conn.GetPlayerID())
		r.queueLobbyNotify()
		r.updateOccupantMetrics()
		return
	}

	playerID := conn.GetPlayerID()
	remaining := r.conns[playerID][:0]
	for _, c := range r.conns[playerID] {
		if c != conn {
			remaining = append(remaining, c)
		}
	}
	r.conns[playerID] = remaining
	if len(remaining) > 0 {
		// Another tab is still attached; the seat stays live.
		return
	}
	delete(r.conns, playerID)

	seat, ok := r.seats[playerID]
	if !ok || !seat.Connected {
		return
	}

	now := r.clock.Now()
	window := r.cfg.ReconnectWindow
	// Mid-game the reconnection window narrows to the turn grace, so an
	// in-progress game is not held hostage for the full window.
	if (r.state.State == types.RoomStatePlaying || r.state.State == types.RoomStatePaused) &&
		r.cfg.TurnGrace > 0 && r.cfg.TurnGrace < window {
		window = r.cfg.TurnGrace
	}
	deadline := now.Add(window)
	seat.Connected = false
	seat.DisconnectedAt = &now
	seat.ReconnectDeadline = &deadline

	if err := r.persistSeats(ctx); err != nil {
		r.log.Error("failed to persist disconnect", zap.Error(err))
	}
	if err := r.alarms.Schedule(ctx, alarm.KindSeatExpiration, string(playerID), deadline, nil); err != nil {
		r.log.Error("failed to schedule seat expiration", zap.Error(err))
	}

	r.broadcast(protocol.EvtPlayerConnection, playerConnectionEvent{
		PlayerID:          playerID,
		IsConnected:       false,
		ReconnectDeadline: &deadline,
	})

	// The turn player dropping mid-game arms a debounced pause check so a
	// quick refresh never pauses the table.
	if r.state.State == types.RoomStatePlaying && r.currentPlayerID() == playerID {
		if err := r.alarms.Schedule(ctx, alarm.KindPauseTimeout, string(playerID), now.Add(r.cfg.PauseDebounce), nil); err != nil {
			r.log.Error("failed to schedule pause debounce", zap.Error(err))
		}
	}

	r.queueLobbyNotify()
	r.notifyPlayerLocation(playerID, false)
	r.log.Info("player disconnected", zap.String("player_id", string(playerID)))
}

func (r *Room) notifyPlayerLocation(playerID types.PlayerIDType, inRoom bool) {
	if r.lobby == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.lobby.PlayerLocation(context.Background(), playerID, r.Code, inRoom)
	}()
}

// failMutation rolls the caller back to the storage-first contract: no
// broadcast happens for a mutation whose persist failed.
func (r *Room) failMutation(_ context.Context, conn types.ClientConn, what string, err error) {
	r.log.Error("mutation aborted on storage failure", zap.String("op", what), zap.Error(err))
	r.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
}

// removeSeat drops a seat pre-game and renumbers the remaining turn orders
// into a gap-free sequence, migrating the host if needed. Lock held.
func (r *Room) removeSeat(ctx context.Context, playerID types.PlayerIDType) error {
	delete(r.seats, playerID)
	delete(r.games, playerID)

	ordered := make([]*Seat, 0, len(r.seats))
	for _, s := range r.seats {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TurnOrder < ordered[j].TurnOrder })
	for i, s := range ordered {
		s.TurnOrder = i
	}

	if r.state.HostID == playerID {
		r.state.HostID = ""
		// Earliest-joined remaining seat inherits the host role.
		var host *Seat
		for _, s := range ordered {
			if host == nil || s.JoinedAt.Before(host.JoinedAt) {
				host = s
			}
		}
		for _, s := range ordered {
			s.IsHost = false
		}
		if host != nil {
			host.IsHost = true
			r.state.HostID = host.PlayerID
		}
	}

	if err := r.persistSeats(ctx); err != nil {
		return err
	}
	return r.persistRoom(ctx)
}
