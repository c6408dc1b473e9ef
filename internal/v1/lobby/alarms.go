package lobby

import (
	"context"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// onWake drains due lobby alarms. One failing handler never aborts the
// rest.
func (l *Lobby) onWake() {
	ctx := context.Background()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err := l.load(ctx); err != nil {
		l.log.Error("failed to load lobby state on wake", zap.Error(err))
		return
	}

	due, err := l.alarms.ProcessDue(ctx, l.clock.Now())
	if err != nil {
		l.log.Error("failed to process due lobby alarms", zap.Error(err))
		return
	}
	for _, a := range due {
		metrics.AlarmsFired.WithLabelValues(string(a.Kind)).Inc()
		switch a.Kind {
		case alarm.KindInviteExpiration:
			l.onInviteExpired(ctx, a.TargetID)
		case alarm.KindJoinRequestExpiration:
			l.onJoinRequestExpired(ctx, a.TargetID)
		case alarm.KindDirectoryCleanup:
			l.onDirectoryCleanup(ctx)
		default:
			l.log.Warn("alarm with no lobby handler", zap.String("kind", string(a.Kind)))
		}
	}
}

func (l *Lobby) onInviteExpired(ctx context.Context, inviteID string) {
	inv, ok := l.invites[inviteID]
	if !ok {
		return
	}
	delete(l.invites, inviteID)
	if err := l.persistInvites(ctx); err != nil {
		l.log.Error("failed to persist invite expiry", zap.Error(err))
		return
	}
	if inv.Accepted {
		// Accepted tombstone; both sides saw their result when it was accepted.
		return
	}

	result := inviteResultEvent{InviteID: inviteID, Outcome: "expired", RoomCode: inv.RoomCode}
	l.sendToPlayer(inv.InviterID, protocol.EvtInviteResult, result)
	l.sendToPlayer(inv.InviteeID, protocol.EvtInviteResult, result)
}

func (l *Lobby) onJoinRequestExpired(ctx context.Context, requestID string) {
	req, ok := l.requests[requestID]
	if !ok || req.Status != joinRequestPending {
		return
	}
	req.Status = joinRequestExpired
	delete(l.requests, requestID)
	if err := l.persistRequests(ctx); err != nil {
		l.log.Error("failed to persist join request expiry", zap.Error(err))
		return
	}

	l.sendToPlayer(req.RequesterID, protocol.EvtJoinRequestResult, joinRequestResultEvent{
		RequestID: requestID,
		RoomCode:  req.RoomCode,
		Status:    joinRequestExpired,
	})
}

// onDirectoryCleanup prunes finished listings older than the stale
// threshold and tells subscribers they closed.
func (l *Lobby) onDirectoryCleanup(ctx context.Context) {
	pruned, err := l.directory.PruneFinished(ctx, l.cfg.StaleThreshold)
	if err != nil {
		l.log.Error("failed to prune stale listings", zap.Error(err))
		return
	}
	for _, code := range pruned {
		l.broadcast(protocol.EvtRoomUpdate, roomUpdateEvent{Action: "closed", Code: code})
	}
}

var _ types.LobbyNotifier = (*Lobby)(nil)
