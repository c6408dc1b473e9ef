package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

type inviteReceivedEvent struct {
	InviteID    string                `json:"inviteId"`
	RoomCode    types.RoomCodeType    `json:"roomCode"`
	InviterID   types.PlayerIDType    `json:"inviterId"`
	InviterName types.DisplayNameType `json:"inviterName"`
	ExpiresAt   time.Time             `json:"expiresAt"`
}

type inviteResultEvent struct {
	InviteID string             `json:"inviteId"`
	Outcome  string             `json:"outcome"` // accepted | declined | expired
	RoomCode types.RoomCodeType `json:"roomCode"`
}

// handleInvite issues a single-use invite to an online player and arms its
// expiry.
func (l *Lobby) handleInvite(ctx context.Context, conn types.ClientConn, p *protocol.InvitePayload) {
	code := types.RoomCodeType(protocol.NormalizeRoomCode(p.RoomCode))
	if !protocol.ValidRoomCode(string(code)) {
		l.sendError(conn, protocol.CodeInvalidPayload, "malformed room code")
		return
	}
	inviteeID := types.PlayerIDType(p.InviteeID)
	if inviteeID == conn.GetPlayerID() {
		l.sendError(conn, protocol.CodeInvalidAction, "cannot invite yourself")
		return
	}

	inv := &invite{
		InviteID:  uuid.NewString(),
		RoomCode:  code,
		InviterID: conn.GetPlayerID(),
		InviteeID: inviteeID,
		ExpiresAt: l.clock.Now().Add(l.cfg.InviteTTL),
	}
	l.invites[inv.InviteID] = inv
	if err := l.persistInvites(ctx); err != nil {
		delete(l.invites, inv.InviteID)
		l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
		return
	}
	if err := l.alarms.Schedule(ctx, alarm.KindInviteExpiration, inv.InviteID, inv.ExpiresAt, nil); err != nil {
		l.log.Error("failed to schedule invite expiry", zap.Error(err))
	}

	delivered := l.sendToPlayer(inviteeID, protocol.EvtInviteReceived, inviteReceivedEvent{
		InviteID:    inv.InviteID,
		RoomCode:    inv.RoomCode,
		InviterID:   inv.InviterID,
		InviterName: conn.GetDisplayName(),
		ExpiresAt:   inv.ExpiresAt,
	})
	if !delivered {
		l.log.Info("invitee not connected, invite left pending",
			zap.String("invite_id", inv.InviteID))
	}
}

// handleInviteResponse retires an invite. Duplicate accepts of the same
// invite are a no-op.
func (l *Lobby) handleInviteResponse(ctx context.Context, conn types.ClientConn, p *protocol.InviteResponsePayload) {
	inv, ok := l.invites[p.InviteID]
	if !ok {
		l.sendError(conn, protocol.CodeExpired, "invite no longer exists")
		return
	}
	if inv.InviteeID != conn.GetPlayerID() {
		l.sendError(conn, protocol.CodeInvalidAction, "not your invite")
		return
	}
	if !inv.ExpiresAt.After(l.clock.Now()) {
		l.sendError(conn, protocol.CodeExpired, "invite expired")
		return
	}
	if inv.Accepted {
		// Duplicate delivery of an accept; the first one already won.
		return
	}

	outcome := "declined"
	if p.Accept {
		inv.Accepted = true
		outcome = "accepted"
	} else {
		delete(l.invites, p.InviteID)
	}
	if err := l.persistInvites(ctx); err != nil {
		l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
		return
	}
	// An accepted invite stays behind as a tombstone so repeat accepts inside
	// the TTL stay silent; its expiry alarm stays armed and sweeps it out.
	// A declined invite is deleted outright, so its alarm goes with it.
	if !p.Accept {
		if err := l.alarms.Cancel(ctx, alarm.KindInviteExpiration, p.InviteID); err != nil {
			l.log.Warn("failed to cancel invite expiry", zap.Error(err))
		}
	}

	result := inviteResultEvent{InviteID: inv.InviteID, Outcome: outcome, RoomCode: inv.RoomCode}
	l.sendToPlayer(inv.InviterID, protocol.EvtInviteResult, result)
	l.sendToPlayer(inv.InviteeID, protocol.EvtInviteResult, result)
}

// --- join requests ---

type joinRequestSentEvent struct {
	RequestID string             `json:"requestId"`
	RoomCode  types.RoomCodeType `json:"roomCode"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

type joinRequestReceivedEvent struct {
	RequestID     string                `json:"requestId"`
	RoomCode      types.RoomCodeType    `json:"roomCode"`
	RequesterID   types.PlayerIDType    `json:"requesterId"`
	RequesterName types.DisplayNameType `json:"requesterName"`
	ExpiresAt     time.Time             `json:"expiresAt"`
}

type joinRequestResultEvent struct {
	RequestID string             `json:"requestId"`
	RoomCode  types.RoomCodeType `json:"roomCode"`
	Status    joinRequestStatus  `json:"status"`
}

// handleRequestJoin relays an admission request to the room's host. A
// requester holds at most one active request at a time.
func (l *Lobby) handleRequestJoin(ctx context.Context, conn types.ClientConn, p *protocol.RequestJoinPayload) {
	code := types.RoomCodeType(protocol.NormalizeRoomCode(p.RoomCode))
	if !protocol.ValidRoomCode(string(code)) {
		l.sendError(conn, protocol.CodeInvalidPayload, "malformed room code")
		return
	}
	requesterID := conn.GetPlayerID()
	for _, req := range l.requests {
		if req.RequesterID == requesterID && req.Status == joinRequestPending {
			l.sendError(conn, protocol.CodeInvalidAction, "you already have a pending join request")
			return
		}
	}

	entry, ok, err := l.directory.Get(ctx, code)
	if err != nil {
		l.sendError(conn, protocol.CodeInternal, "directory unavailable")
		return
	}
	if !ok {
		l.sendError(conn, protocol.CodeInvalidAction, "no such room")
		return
	}

	req := &joinRequest{
		RequestID:   uuid.NewString(),
		RoomCode:    code,
		RequesterID: requesterID,
		Status:      joinRequestPending,
		ExpiresAt:   l.clock.Now().Add(l.cfg.JoinRequestTTL),
	}
	l.requests[req.RequestID] = req
	if err := l.persistRequests(ctx); err != nil {
		delete(l.requests, req.RequestID)
		l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
		return
	}
	if err := l.alarms.Schedule(ctx, alarm.KindJoinRequestExpiration, req.RequestID, req.ExpiresAt, nil); err != nil {
		l.log.Error("failed to schedule join request expiry", zap.Error(err))
	}

	conn.SendRaw(protocol.MustEncode(protocol.EvtJoinRequestSent, joinRequestSentEvent{
		RequestID: req.RequestID,
		RoomCode:  req.RoomCode,
		ExpiresAt: req.ExpiresAt,
	}))
	l.sendToPlayer(entry.HostID, protocol.EvtJoinRequestRecv, joinRequestReceivedEvent{
		RequestID:     req.RequestID,
		RoomCode:      req.RoomCode,
		RequesterID:   requesterID,
		RequesterName: conn.GetDisplayName(),
		ExpiresAt:     req.ExpiresAt,
	})
}

// handleCancelJoinRequest withdraws the requester's pending request.
// Cancelling when nothing is pending is a no-op.
func (l *Lobby) handleCancelJoinRequest(ctx context.Context, conn types.ClientConn) {
	requesterID := conn.GetPlayerID()
	for id, req := range l.requests {
		if req.RequesterID != requesterID || req.Status != joinRequestPending {
			continue
		}
		req.Status = joinRequestCancelled
		delete(l.requests, id)
		if err := l.persistRequests(ctx); err != nil {
			l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
			return
		}
		if err := l.alarms.Cancel(ctx, alarm.KindJoinRequestExpiration, id); err != nil {
			l.log.Warn("failed to cancel join request expiry", zap.Error(err))
		}
		return
	}
}

// handleJoinDecision is the host's approve or decline of a pending request.
func (l *Lobby) handleJoinDecision(ctx context.Context, conn types.ClientConn, p *protocol.JoinDecisionPayload, approve bool) {
	req, ok := l.requests[p.RequestID]
	if !ok || req.Status != joinRequestPending {
		l.sendError(conn, protocol.CodeExpired, "join request no longer pending")
		return
	}
	entry, found, err := l.directory.Get(ctx, req.RoomCode)
	if err != nil || !found || entry.HostID != conn.GetPlayerID() {
		l.sendError(conn, protocol.CodeNotHost, "only the room host can decide join requests")
		return
	}
	if !req.ExpiresAt.After(l.clock.Now()) {
		l.sendError(conn, protocol.CodeExpired, "join request expired")
		return
	}

	if approve {
		req.Status = joinRequestApproved
	} else {
		req.Status = joinRequestDeclined
	}
	delete(l.requests, p.RequestID)
	if err := l.persistRequests(ctx); err != nil {
		l.sendError(conn, protocol.CodeInternal, "temporary storage failure, please retry")
		return
	}
	if err := l.alarms.Cancel(ctx, alarm.KindJoinRequestExpiration, p.RequestID); err != nil {
		l.log.Warn("failed to cancel join request expiry", zap.Error(err))
	}

	l.sendToPlayer(req.RequesterID, protocol.EvtJoinRequestResult, joinRequestResultEvent{
		RequestID: req.RequestID,
		RoomCode:  req.RoomCode,
		Status:    req.Status,
	})
}
