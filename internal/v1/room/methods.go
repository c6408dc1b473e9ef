package room

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/chat"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// playerView is one seat as it appears in the room.state snapshot and in
// player.* events.
type playerView struct {
	PlayerID          types.PlayerIDType    `json:"playerId"`
	DisplayName       types.DisplayNameType `json:"displayName"`
	AvatarSeed        string                `json:"avatarSeed"`
	TurnOrder         int                   `json:"turnOrder"`
	IsHost            bool                  `json:"isHost"`
	Connected         bool                  `json:"connected"`
	ReconnectDeadline *time.Time            `json:"reconnectDeadline,omitempty"`
	Forfeited         bool                  `json:"forfeited"`
	Game              *PlayerGameState      `json:"game,omitempty"`
}

// roomSnapshot is the full room.state payload, the canonical reconciliation
// document sent to every attaching or reconnecting connection.
type roomSnapshot struct {
	Code            types.RoomCodeType  `json:"code"`
	State           types.RoomStateType `json:"state"`
	Config          types.RoomConfig    `json:"config"`
	HostID          types.PlayerIDType  `json:"hostId"`
	You             youView             `json:"you"`
	Players         []playerView        `json:"players"`
	SpectatorCount  int                 `json:"spectatorCount"`
	CurrentPlayerID types.PlayerIDType  `json:"currentPlayerId,omitempty"`
	TurnNumber      int                 `json:"turnNumber"`
	RoundNumber     int                 `json:"roundNumber"`
	TurnDeadline    *time.Time          `json:"turnDeadline,omitempty"`
	ChatHistory     []chat.Message      `json:"chatHistory"`
	Queue           []queueView         `json:"queue,omitempty"`
}

type youView struct {
	PlayerID types.PlayerIDType `json:"playerId"`
	Role     types.RoleType     `json:"role"`
}

type queueView struct {
	PlayerID        types.PlayerIDType    `json:"playerId"`
	DisplayName     types.DisplayNameType `json:"displayName"`
	Position        int                   `json:"position"`
	EstimatedWaitMs int64                 `json:"estimatedWaitMs"`
}

func (r *Room) playerViews() []playerView {
	views := make([]playerView, 0, len(r.seats))
	for _, s := range r.seats {
		views = append(views, playerView{
			PlayerID:          s.PlayerID,
			DisplayName:       s.DisplayName,
			AvatarSeed:        s.AvatarSeed,
			TurnOrder:         s.TurnOrder,
			IsHost:            s.IsHost,
			Connected:         s.Connected,
			ReconnectDeadline: s.ReconnectDeadline,
			Forfeited:         s.Forfeited,
			Game:              r.games[s.PlayerID],
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].TurnOrder < views[j].TurnOrder })
	return views
}

func (r *Room) queueViews() []queueView {
	if len(r.state.Queue) == 0 {
		return nil
	}
	wait := r.estimatedGameDuration()
	views := make([]queueView, 0, len(r.state.Queue))
	for i, e := range r.state.Queue {
		views = append(views, queueView{
			PlayerID:        e.PlayerID,
			DisplayName:     e.DisplayName,
			Position:        i + 1,
			EstimatedWaitMs: wait.Milliseconds(),
		})
	}
	return views
}

// estimatedGameDuration is the rolling average of completed game lengths,
// with a coarse default before any game has finished.
func (r *Room) estimatedGameDuration() time.Duration {
	if len(r.state.GameDurationsMs) == 0 {
		return 15 * time.Minute
	}
	var total int64
	for _, ms := range r.state.GameDurationsMs {
		total += ms
	}
	return time.Duration(total/int64(len(r.state.GameDurationsMs))) * time.Millisecond
}

func (r *Room) currentPlayerID() types.PlayerIDType {
	if r.state.State != types.RoomStatePlaying && r.state.State != types.RoomStatePaused {
		return ""
	}
	if r.state.CurrentPlayerIndex >= len(r.state.PlayerOrder) {
		return ""
	}
	return r.state.PlayerOrder[r.state.CurrentPlayerIndex]
}

func (r *Room) snapshotFor(ctx context.Context, conn types.ClientConn) *roomSnapshot {
	history, err := r.chat.Snapshot(ctx)
	if err != nil {
		// A snapshot with no history beats no snapshot at all.
		r.log.Warn("failed to load chat history for snapshot", zap.Error(err))
	}
	return &roomSnapshot{
		Code:            r.state.Code,
		State:           r.state.State,
		Config:          r.state.Config,
		HostID:          r.state.HostID,
		You:             youView{PlayerID: conn.GetPlayerID(), Role: conn.GetRole()},
		Players:         r.playerViews(),
		SpectatorCount:  r.spectatorCount(),
		CurrentPlayerID: r.currentPlayerID(),
		TurnNumber:      r.state.TurnNumber,
		RoundNumber:     r.state.RoundNumber,
		TurnDeadline:    r.state.TurnDeadline,
		ChatHistory:     history,
		Queue:           r.queueViews(),
	}
}

func (r *Room) sendSnapshot(ctx context.Context, conn types.ClientConn) {
	conn.SendRaw(protocol.MustEncode(protocol.EvtRoomState, r.snapshotFor(ctx, conn)))
}

// broadcast fans an event out to every attached connection. Sends are
// non-blocking inside the conn; a slow consumer drops frames, never the
// actor.
func (r *Room) broadcast(eventType string, payload any) {
	data := protocol.MustEncode(eventType, payload)
	for _, cs := range r.conns {
		for _, c := range cs {
			c.SendRaw(data)
		}
	}
	for c := range r.spectators {
		c.SendRaw(data)
	}
}

// broadcastExcept fans out to everyone but one connection.
func (r *Room) broadcastExcept(skip types.ClientConn, eventType string, payload any) {
	data := protocol.MustEncode(eventType, payload)
	for _, cs := range r.conns {
		for _, c := range cs {
			if c != skip {
				c.SendRaw(data)
			}
		}
	}
	for c := range r.spectators {
		if c != skip {
			c.SendRaw(data)
		}
	}
}

func (r *Room) sendError(conn types.ClientConn, code, message string) {
	conn.SendRaw(protocol.MustEncode(protocol.EvtError, protocol.ErrorPayload{Code: code, Message: message}))
}

// statusUpdate projects the room into its directory entry.
func (r *Room) statusUpdate() types.RoomStatusUpdate {
	status := types.RoomStatusWaiting
	switch r.state.State {
	case types.RoomStatePlaying, types.RoomStatePaused, types.RoomStateStarting:
		status = types.RoomStatusPlaying
	case types.RoomStateCompleted:
		status = types.RoomStatusFinished
	case types.RoomStateAbandoned:
		status = types.RoomStatusClosed
	}

	var hostName types.DisplayNameType
	if host, ok := r.seats[r.state.HostID]; ok {
		hostName = host.DisplayName
	}
	return types.RoomStatusUpdate{
		Code:           r.state.Code,
		Status:         status,
		PlayerCount:    len(r.seats),
		SpectatorCount: r.spectatorCount(),
		MaxPlayers:     r.state.Config.MaxPlayers,
		HostID:         r.state.HostID,
		HostName:       hostName,
		IsPublic:       r.state.Config.Public,
		RoundNumber:    r.state.RoundNumber,
	}
}

// queueLobbyNotify coalesces directory updates: at most one in flight plus
// one queued, so a burst of mutations collapses into two pushes. Lock held.
func (r *Room) queueLobbyNotify() {
	if r.lobby == nil || r.closed {
		return
	}
	if r.notifyInFlight {
		r.notifyQueued = true
		return
	}
	r.notifyInFlight = true
	update := r.statusUpdate()
	r.wg.Add(1)
	go r.runLobbyNotify(update)
}

func (r *Room) runLobbyNotify(update types.RoomStatusUpdate) {
	defer r.wg.Done()
	r.lobby.RoomStatus(context.Background(), update)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notifyQueued && !r.closed {
		r.notifyQueued = false
		next := r.statusUpdate()
		r.wg.Add(1)
		go r.runLobbyNotify(next)
		return
	}
	r.notifyInFlight = false
}

func (r *Room) updateOccupantMetrics() {
	metrics.RoomOccupants.WithLabelValues(string(r.Code), "player").Set(float64(len(r.seats)))
	metrics.RoomOccupants.WithLabelValues(string(r.Code), "spectator").Set(float64(r.spectatorCount()))
}
