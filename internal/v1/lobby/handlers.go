package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// HandleMessage is the inbound entry point for lobby commands.
func (l *Lobby) HandleMessage(ctx context.Context, conn types.ClientConn, raw []byte) {
	msg, payload, err := protocol.Decode(raw)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			l.sendError(conn, de.Code, de.Message)
		} else {
			l.sendError(conn, protocol.CodeInvalidPayload, "invalid frame")
		}
		metrics.WebsocketEvents.WithLabelValues("invalid", "rejected").Inc()
		return
	}

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		l.log.Error("failed to load lobby state", zap.Error(err))
		l.sendError(conn, protocol.CodeInternal, "lobby state unavailable")
		return
	}

	switch msg.Type {
	case protocol.CmdCreateRoom:
		l.handleCreateRoom(ctx, conn, payload.(*protocol.CreateRoomPayload))
	case protocol.CmdListRooms:
		l.sendRoomsSnapshot(ctx, conn)
	case protocol.CmdOnlineUsers:
		l.handleOnlineUsers(conn)

	case protocol.CmdChat:
		l.handleChat(ctx, conn, payload.(*protocol.ChatPayload))
	case protocol.CmdQuickChat:
		l.handleQuickChat(ctx, conn, payload.(*protocol.QuickChatPayload))

	case protocol.CmdInvite:
		l.handleInvite(ctx, conn, payload.(*protocol.InvitePayload))
	case protocol.CmdInviteResponse:
		l.handleInviteResponse(ctx, conn, payload.(*protocol.InviteResponsePayload))
	case protocol.CmdRequestJoin:
		l.handleRequestJoin(ctx, conn, payload.(*protocol.RequestJoinPayload))
	case protocol.CmdCancelJoinRequest:
		l.handleCancelJoinRequest(ctx, conn)
	case protocol.CmdApproveJoin:
		l.handleJoinDecision(ctx, conn, payload.(*protocol.JoinDecisionPayload), true)
	case protocol.CmdDeclineJoin:
		l.handleJoinDecision(ctx, conn, payload.(*protocol.JoinDecisionPayload), false)

	default:
		l.sendError(conn, protocol.CodeInvalidAction, fmt.Sprintf("%q is not a lobby command", msg.Type))
		metrics.WebsocketEvents.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}
	metrics.WebsocketEvents.WithLabelValues(msg.Type, "ok").Inc()
}

func (l *Lobby) handleCreateRoom(ctx context.Context, conn types.ClientConn, p *protocol.CreateRoomPayload) {
	if l.creator == nil {
		l.sendError(conn, protocol.CodeInternal, "room creation unavailable")
		return
	}
	config := types.RoomConfig{
		Public:             p.Public,
		AllowSpectators:    p.AllowSpectators,
		MaxPlayers:         p.MaxPlayers,
		TurnTimeoutSeconds: p.TurnTimeoutSeconds,
	}.Normalize()

	code, err := l.creator.CreateRoom(ctx, config, conn.GetPlayerID())
	if err != nil {
		l.log.Error("failed to create room", zap.Error(err))
		l.sendError(conn, protocol.CodeInternal, "could not create room")
		return
	}

	conn.SendRaw(protocol.MustEncode(protocol.EvtRoomCreated, struct {
		Code   types.RoomCodeType `json:"code"`
		Config types.RoomConfig   `json:"config"`
	}{Code: code, Config: config}))
	l.log.Info("room created",
		zap.String("room_code", string(code)),
		zap.String("player_id", string(conn.GetPlayerID())))
}

func (l *Lobby) handleOnlineUsers(conn types.ClientConn) {
	users := make([]onlineUser, 0, len(l.presence))
	for id, e := range l.presence {
		users = append(users, onlineUser{
			PlayerID:    id,
			DisplayName: e.DisplayName,
			AvatarSeed:  e.AvatarSeed,
			Status:      e.Status,
		})
	}
	conn.SendRaw(protocol.MustEncode(protocol.EvtOnlineUsers, struct {
		Users []onlineUser `json:"users"`
	}{Users: users}))
}

func (l *Lobby) handleChat(ctx context.Context, conn types.ClientConn, p *protocol.ChatPayload) {
	msg, err := l.chat.AppendUser(ctx, string(conn.GetPlayerID()), string(conn.GetDisplayName()), p.Content)
	if err != nil {
		l.log.Error("failed to persist lobby chat", zap.Error(err))
		l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
		return
	}
	l.broadcast(protocol.EvtChat, msg)
}

func (l *Lobby) handleQuickChat(ctx context.Context, conn types.ClientConn, p *protocol.QuickChatPayload) {
	msg, err := l.chat.AppendQuick(ctx, string(conn.GetPlayerID()), string(conn.GetDisplayName()), p.PhraseID)
	if err != nil {
		l.log.Error("failed to persist lobby quick chat", zap.Error(err))
		l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
		return
	}
	l.broadcast(protocol.EvtChat, msg)
}
