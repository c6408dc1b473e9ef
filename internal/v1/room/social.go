package room

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

type reactionEvent struct {
	PlayerID    types.PlayerIDType    `json:"playerId"`
	DisplayName types.DisplayNameType `json:"displayName"`
	Emoji       string                `json:"emoji"`
	TargetID    string                `json:"targetId,omitempty"`
}

type typingEvent struct {
	PlayerID types.PlayerIDType `json:"playerId"`
	Typing   bool               `json:"typing"`
}

type spectatorEvent struct {
	Kind        string                `json:"kind"`
	PlayerID    types.PlayerIDType    `json:"playerId"`
	DisplayName types.DisplayNameType `json:"displayName"`
	Category    string                `json:"category,omitempty"`
	TargetID    string                `json:"targetId,omitempty"`
}

func (r *Room) handleChat(ctx context.Context, conn types.ClientConn, p *protocol.ChatPayload) {
	msg, err := r.chat.AppendUser(ctx, string(conn.GetPlayerID()), string(conn.GetDisplayName()), p.Content)
	if err != nil {
		r.failMutation(ctx, conn, "persist chat", err)
		return
	}
	r.broadcast(protocol.EvtChat, msg)
}

func (r *Room) handleQuickChat(ctx context.Context, conn types.ClientConn, p *protocol.QuickChatPayload) {
	msg, err := r.chat.AppendQuick(ctx, string(conn.GetPlayerID()), string(conn.GetDisplayName()), p.PhraseID)
	if err != nil {
		r.failMutation(ctx, conn, "persist quick chat", err)
		return
	}
	r.broadcast(protocol.EvtChat, msg)
}

// Reactions and typing indicators are transient; they relay without
// persistence.
func (r *Room) handleReaction(conn types.ClientConn, p *protocol.ReactionPayload) {
	r.broadcast(protocol.EvtReaction, reactionEvent{
		PlayerID:    conn.GetPlayerID(),
		DisplayName: conn.GetDisplayName(),
		Emoji:       p.Emoji,
		TargetID:    p.TargetID,
	})
}

func (r *Room) handleTyping(conn types.ClientConn, typing bool) {
	r.broadcastExcept(conn, protocol.EvtTyping, typingEvent{PlayerID: conn.GetPlayerID(), Typing: typing})
}

func (r *Room) handleSpectatorPredict(conn types.ClientConn, p *protocol.SpectatorPredictPayload) {
	if conn.GetRole() != types.RoleTypeSpectator {
		r.sendError(conn, protocol.CodeInvalidAction, "predictions are for spectators")
		return
	}
	r.broadcast(protocol.EvtSpectator, spectatorEvent{
		Kind:        "prediction",
		PlayerID:    conn.GetPlayerID(),
		DisplayName: conn.GetDisplayName(),
		Category:    p.Category,
	})
}

func (r *Room) handleSpectatorRoot(conn types.ClientConn, p *protocol.SpectatorRootPayload) {
	if conn.GetRole() != types.RoleTypeSpectator {
		r.sendError(conn, protocol.CodeInvalidAction, "rooting is for spectators")
		return
	}
	r.broadcast(protocol.EvtSpectator, spectatorEvent{
		Kind:        "rooting",
		PlayerID:    conn.GetPlayerID(),
		DisplayName: conn.GetDisplayName(),
		TargetID:    p.PlayerID,
	})
}

// --- spectator queue ---

func (r *Room) handleQueueJoin(ctx context.Context, conn types.ClientConn) {
	if conn.GetRole() != types.RoleTypeSpectator {
		r.sendError(conn, protocol.CodeInvalidAction, "only spectators can queue for a seat")
		return
	}
	playerID := conn.GetPlayerID()
	for _, e := range r.state.Queue {
		if e.PlayerID == playerID {
			r.sendError(conn, protocol.CodeInvalidAction, "already in the queue")
			return
		}
	}

	r.state.Queue = append(r.state.Queue, queueEntry{
		PlayerID:    playerID,
		DisplayName: conn.GetDisplayName(),
		AvatarSeed:  conn.GetAvatarSeed(),
		JoinedAt:    r.clock.Now(),
	})
	if err := r.persistRoom(ctx); err != nil {
		r.state.Queue = r.state.Queue[:len(r.state.Queue)-1]
		r.failMutation(ctx, conn, "persist queue join", err)
		return
	}
	r.broadcastQueue()
}

func (r *Room) handleQueueLeave(ctx context.Context, conn types.ClientConn) {
	if !r.removeFromQueue(ctx, conn.GetPlayerID()) {
		r.sendError(conn, protocol.CodeInvalidAction, "not in the queue")
	}
}

// removeFromQueue drops a player from the waiting queue, reporting whether
// they were queued. Lock held.
func (r *Room) removeFromQueue(ctx context.Context, playerID types.PlayerIDType) bool {
	kept := r.state.Queue[:0]
	removed := false
	for _, e := range r.state.Queue {
		if e.PlayerID == playerID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false
	}
	r.state.Queue = kept
	if err := r.persistRoom(ctx); err != nil {
		r.log.Error("failed to persist queue leave", zap.Error(err))
		r.loaded = false
		return true
	}
	r.broadcastQueue()
	return true
}

func (r *Room) broadcastQueue() {
	r.broadcast(protocol.EvtQueueUpdate, struct {
		Queue []queueView `json:"queue"`
	}{Queue: r.queueViews()})
}

// promoteQueue runs the warm-seat transition after a game ends: queued
// spectators take open seats until either runs out. Lock held.
func (r *Room) promoteQueue(ctx context.Context) {
	for len(r.state.Queue) > 0 && len(r.seats) < r.state.Config.MaxPlayers {
		next := r.state.Queue[0]
		r.state.Queue = r.state.Queue[1:]

		seat := &Seat{
			PlayerID:    next.PlayerID,
			DisplayName: next.DisplayName,
			AvatarSeed:  next.AvatarSeed,
			TurnOrder:   r.nextTurnOrder(),
			Connected:   false,
			JoinedAt:    r.clock.Now(),
		}
		// Promote their live spectator connection into a player connection.
		for c := range r.spectators {
			if c.GetPlayerID() == next.PlayerID {
				delete(r.spectators, c)
				c.SetRole(types.RoleTypePlayer)
				r.conns[next.PlayerID] = append(r.conns[next.PlayerID], c)
				seat.Connected = true
			}
		}
		r.seats[next.PlayerID] = seat

		if err := r.persistSeats(ctx); err != nil {
			r.log.Error("failed to persist queue promotion", zap.Error(err))
			r.loaded = false
			return
		}
		if err := r.persistRoom(ctx); err != nil {
			r.log.Error("failed to persist queue promotion", zap.Error(err))
			r.loaded = false
			return
		}

		r.broadcast(protocol.EvtPlayerJoined, playerView{
			PlayerID:    seat.PlayerID,
			DisplayName: seat.DisplayName,
			AvatarSeed:  seat.AvatarSeed,
			TurnOrder:   seat.TurnOrder,
			Connected:   seat.Connected,
		})
		r.appendSystemMessage(ctx, fmt.Sprintf("%s joined from the queue", seat.DisplayName))
	}
	r.broadcastQueue()
	r.updateOccupantMetrics()
}

// appendSystemMessage persists and broadcasts a server-generated notice.
func (r *Room) appendSystemMessage(ctx context.Context, content string) {
	msg, err := r.chat.AppendSystem(ctx, content)
	if err != nil {
		r.log.Warn("failed to persist system message", zap.Error(err))
		return
	}
	r.broadcast(protocol.EvtChat, msg)
}
