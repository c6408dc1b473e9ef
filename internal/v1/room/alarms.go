package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// onWake is the waker callback: drain due alarms and dispatch each by kind.
// A failing handler never aborts the rest of the batch.
func (r *Room) onWake() {
	ctx := context.Background()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.load(ctx); err != nil {
		r.log.Error("failed to load room state on wake", zap.Error(err))
		return
	}

	due, err := r.alarms.ProcessDue(ctx, r.clock.Now())
	if err != nil {
		r.log.Error("failed to process due alarms", zap.Error(err))
		return
	}
	for _, a := range due {
		metrics.AlarmsFired.WithLabelValues(string(a.Kind)).Inc()
		r.dispatchAlarm(ctx, a)
	}
}

func (r *Room) dispatchAlarm(ctx context.Context, a alarm.Alarm) {
	switch a.Kind {
	case alarm.KindSeatExpiration:
		r.onSeatExpiration(ctx, types.PlayerIDType(a.TargetID))
	case alarm.KindPauseTimeout:
		r.onPauseCheck(ctx, types.PlayerIDType(a.TargetID))
	case alarm.KindTurnTimeout:
		r.onTurnTimeout(ctx, types.PlayerIDType(a.TargetID))
	case alarm.KindAfkCheck:
		r.onAfkCheck(types.PlayerIDType(a.TargetID))
	case alarm.KindRoomCleanup:
		r.onRoomCleanup(ctx)
	default:
		r.log.Warn("alarm with no room handler", zap.String("kind", string(a.Kind)))
	}
}

// onSeatExpiration fires when a reconnection window lapses. Pre-game the
// seat is removed and turn orders renumbered; mid-game the player is
// forfeited so the turn cadence survives.
func (r *Room) onSeatExpiration(ctx context.Context, playerID types.PlayerIDType) {
	seat, ok := r.seats[playerID]
	if !ok || seat.Connected {
		return
	}
	if seat.ReconnectDeadline != nil && seat.ReconnectDeadline.After(r.clock.Now()) {
		// Re-armed window; not expired after all.
		return
	}

	switch r.state.State {
	case types.RoomStateWaiting, types.RoomStateStarting, types.RoomStateCompleted:
		if err := r.removeSeat(ctx, playerID); err != nil {
			r.log.Error("failed to remove expired seat", zap.Error(err))
			r.loaded = false
			return
		}
		r.broadcast(protocol.EvtPlayerRemoved, struct {
			PlayerID types.PlayerIDType `json:"playerId"`
			Reason   string             `json:"reason"`
		}{PlayerID: playerID, Reason: "timeout"})
		r.appendSystemMessage(ctx, fmt.Sprintf("%s timed out", seat.DisplayName))

	case types.RoomStatePlaying, types.RoomStatePaused:
		seat.Forfeited = true
		if err := r.persistSeats(ctx); err != nil {
			seat.Forfeited = false
			r.log.Error("failed to persist forfeit", zap.Error(err))
			return
		}
		r.broadcast(protocol.EvtPlayerForfeited, struct {
			PlayerID types.PlayerIDType `json:"playerId"`
			Reason   string             `json:"reason"`
		}{PlayerID: playerID, Reason: "timeout"})
		r.appendSystemMessage(ctx, fmt.Sprintf("%s forfeited (connection lost)", seat.DisplayName))

		if r.currentPlayerID() == playerID {
			if r.state.State == types.RoomStatePaused {
				// The awaited player is gone for good; play on without them.
				r.state.State = types.RoomStatePlaying
				r.state.PausedRemaining = nil
				if err := r.persistRoom(ctx); err != nil {
					r.log.Error("failed to persist unpause", zap.Error(err))
				}
			}
			r.forceForfeitTurn(ctx, playerID)
		}
	}

	r.queueLobbyNotify()
	r.updateOccupantMetrics()
	r.maybeAbandon(ctx)
}

// onPauseCheck is the debounced pause: it only pauses if the turn player is
// still gone when the debounce lapses.
func (r *Room) onPauseCheck(ctx context.Context, playerID types.PlayerIDType) {
	if r.state.State != types.RoomStatePlaying || r.currentPlayerID() != playerID {
		return
	}
	seat, ok := r.seats[playerID]
	if !ok || seat.Connected || seat.Forfeited {
		return
	}

	now := r.clock.Now()
	r.state.State = types.RoomStatePaused
	if r.state.TurnDeadline != nil {
		remaining := r.state.TurnDeadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		r.state.PausedRemaining = &remaining
		r.state.TurnDeadline = nil
	}
	if err := r.alarms.Cancel(ctx, alarm.KindTurnTimeout, string(playerID)); err != nil {
		r.log.Warn("failed to suspend turn timeout", zap.Error(err))
	}
	if err := r.alarms.Cancel(ctx, alarm.KindAfkCheck, string(playerID)); err != nil {
		r.log.Warn("failed to suspend afk check", zap.Error(err))
	}
	if err := r.persistRoom(ctx); err != nil {
		r.log.Error("failed to persist pause", zap.Error(err))
		r.loaded = false
		return
	}

	for _, cs := range r.conns {
		for _, c := range cs {
			r.sendSnapshot(ctx, c)
		}
	}
	for c := range r.spectators {
		r.sendSnapshot(ctx, c)
	}
	r.queueLobbyNotify()
	r.log.Info("room paused waiting for turn player", zap.String("player_id", string(playerID)))
}

// resumeFromPause re-arms the turn clock with the budget left when the room
// paused. Lock held; caller has verified the reconnecting player owns the
// turn.
func (r *Room) resumeFromPause(ctx context.Context) {
	playerID := r.currentPlayerID()
	r.state.State = types.RoomStatePlaying

	if r.state.PausedRemaining != nil && *r.state.PausedRemaining > 0 {
		deadline := r.clock.Now().Add(*r.state.PausedRemaining)
		r.state.TurnDeadline = &deadline
		if err := r.alarms.Schedule(ctx, alarm.KindTurnTimeout, string(playerID), deadline, nil); err != nil {
			r.log.Error("failed to re-arm turn timeout", zap.Error(err))
		}
		if warn := deadline.Add(-r.cfg.AfkWarningWindow); warn.After(r.clock.Now()) {
			if err := r.alarms.Schedule(ctx, alarm.KindAfkCheck, string(playerID), warn, nil); err != nil {
				r.log.Error("failed to re-arm afk check", zap.Error(err))
			}
		}
	}
	r.state.PausedRemaining = nil

	if err := r.persistRoom(ctx); err != nil {
		r.log.Error("failed to persist resume", zap.Error(err))
		r.loaded = false
		return
	}
	r.log.Info("room resumed", zap.String("player_id", string(playerID)))
}

// onAfkCheck warns the turn player shortly before their turn is forced.
func (r *Room) onAfkCheck(playerID types.PlayerIDType) {
	if r.state.State != types.RoomStatePlaying || r.currentPlayerID() != playerID {
		return
	}
	seconds := 0
	if r.state.TurnDeadline != nil {
		seconds = int(r.state.TurnDeadline.Sub(r.clock.Now()).Round(time.Second).Seconds())
		if seconds < 0 {
			seconds = 0
		}
	}
	r.broadcast(protocol.EvtPlayerAfkWarning, struct {
		PlayerID         types.PlayerIDType `json:"playerId"`
		SecondsRemaining int                `json:"secondsRemaining"`
	}{PlayerID: playerID, SecondsRemaining: seconds})
}

// onTurnTimeout forces the idle turn into the cheapest unused category.
func (r *Room) onTurnTimeout(ctx context.Context, playerID types.PlayerIDType) {
	if r.state.State != types.RoomStatePlaying || r.currentPlayerID() != playerID {
		// The turn already advanced; stale alarm.
		return
	}
	gs := r.games[playerID]
	if gs == nil {
		return
	}

	var dice [5]int
	if gs.CurrentDice != nil {
		dice = *gs.CurrentDice
	}
	category, ok := gs.Scorecard.AutoScoreCategory(dice)
	if !ok {
		r.advanceTurn(ctx)
		return
	}
	r.scoreAndAdvance(ctx, playerID, gs, dice, category, "timeout")
}

// onRoomCleanup closes a finished room: every connection gets a normal close
// and the lobby drops the listing.
func (r *Room) onRoomCleanup(ctx context.Context) {
	if r.state.State != types.RoomStateCompleted && r.state.State != types.RoomStateAbandoned {
		return
	}
	r.closeRoom(ctx)
}

// maybeAbandon marks the room abandoned once no seats remain.
func (r *Room) maybeAbandon(ctx context.Context) {
	if len(r.seats) > 0 || r.state.State == types.RoomStateAbandoned {
		return
	}
	r.state.State = types.RoomStateAbandoned
	if err := r.persistRoom(ctx); err != nil {
		r.log.Error("failed to persist abandonment", zap.Error(err))
	}
	r.closeRoom(ctx)
}

// closeRoom tears the room down. Lock held.
func (r *Room) closeRoom(ctx context.Context) {
	r.closed = true

	for _, cs := range r.conns {
		for _, c := range cs {
			c.CloseWithCode(protocol.CloseNormal, "room closed")
		}
	}
	for c := range r.spectators {
		c.CloseWithCode(protocol.CloseNormal, "room closed")
	}
	r.conns = make(map[types.PlayerIDType][]types.ClientConn)
	r.spectators = make(map[types.ClientConn]struct{})

	for _, suffix := range []string{"room", "seats", "games", "chatHistory", "alarms"} {
		if err := r.store.Delete(ctx, r.key(suffix)); err != nil {
			r.log.Warn("failed to delete room document", zap.String("key", r.key(suffix)), zap.Error(err))
		}
	}
	if r.waker != nil {
		r.waker.Stop()
	}

	if r.lobby != nil {
		update := r.statusUpdate()
		update.Status = types.RoomStatusClosed
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.lobby.RoomStatus(context.Background(), update)
		}()
	}
	metrics.ActiveRooms.Dec()
	metrics.RoomOccupants.DeleteLabelValues(string(r.Code), "player")
	metrics.RoomOccupants.DeleteLabelValues(string(r.Code), "spectator")

	if r.onEmpty != nil {
		code := r.Code
		cb := r.onEmpty
		go cb(code)
	}
	r.log.Info("room closed")
}
