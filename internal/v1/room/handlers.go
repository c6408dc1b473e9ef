package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/engine"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// HandleMessage is the single inbound entry point for room commands. It
// decodes and validates the frame, then dispatches with the room lock held.
// Client-caused failures answer with an error event and never close the
// connection or mutate state.
func (r *Room) HandleMessage(ctx context.Context, conn types.ClientConn, raw []byte) {
	msg, payload, err := protocol.Decode(raw)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			r.sendError(conn, de.Code, de.Message)
		} else {
			r.sendError(conn, protocol.CodeInvalidPayload, "invalid frame")
		}
		metrics.WebsocketEvents.WithLabelValues("invalid", "rejected").Inc()
		return
	}

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(ctx); err != nil {
		r.log.Error("failed to load room state", zap.Error(err))
		r.sendError(conn, protocol.CodeInternal, "room state unavailable")
		return
	}

	switch msg.Type {
	case protocol.CmdGameStart:
		r.handleGameStart(ctx, conn)
	case protocol.CmdGameRematch:
		r.handleRematch(ctx, conn)
	case protocol.CmdDiceRoll:
		r.handleDiceRoll(ctx, conn, payload.(*protocol.DiceRollPayload))
	case protocol.CmdDiceKeep:
		r.handleDiceKeep(ctx, conn, payload.(*protocol.DiceKeepPayload))
	case protocol.CmdCategoryScore:
		r.handleCategoryScore(ctx, conn, payload.(*protocol.CategoryScorePayload))
	case protocol.CmdRoomLeave:
		r.handleLeave(ctx, conn)

	case protocol.CmdChat:
		r.handleChat(ctx, conn, payload.(*protocol.ChatPayload))
	case protocol.CmdQuickChat:
		r.handleQuickChat(ctx, conn, payload.(*protocol.QuickChatPayload))
	case protocol.CmdReaction:
		r.handleReaction(conn, payload.(*protocol.ReactionPayload))
	case protocol.CmdTypingStart:
		r.handleTyping(conn, true)
	case protocol.CmdTypingStop:
		r.handleTyping(conn, false)

	case protocol.CmdSpectatorPredict:
		r.handleSpectatorPredict(conn, payload.(*protocol.SpectatorPredictPayload))
	case protocol.CmdSpectatorRoot:
		r.handleSpectatorRoot(conn, payload.(*protocol.SpectatorRootPayload))
	case protocol.CmdQueueJoin:
		r.handleQueueJoin(ctx, conn)
	case protocol.CmdQueueLeave:
		r.handleQueueLeave(ctx, conn)

	default:
		// Lobby-only commands arriving on a room socket.
		r.sendError(conn, protocol.CodeInvalidAction, fmt.Sprintf("%q is not a room command", msg.Type))
		metrics.WebsocketEvents.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}
	metrics.WebsocketEvents.WithLabelValues(msg.Type, "ok").Inc()
}

// --- game lifecycle ---

type gameStartedEvent struct {
	PlayerOrder []types.PlayerIDType `json:"playerOrder"`
	StartedAt   time.Time            `json:"startedAt"`
}

type turnStartedEvent struct {
	PlayerID       types.PlayerIDType `json:"playerId"`
	TurnNumber     int                `json:"turnNumber"`
	RoundNumber    int                `json:"roundNumber"`
	RollsRemaining int                `json:"rollsRemaining"`
	Deadline       *time.Time         `json:"deadline,omitempty"`
}

func (r *Room) handleGameStart(ctx context.Context, conn types.ClientConn) {
	if conn.GetPlayerID() != r.state.HostID {
		r.sendError(conn, protocol.CodeNotHost, "only the host can start the game")
		return
	}
	if r.state.State != types.RoomStateWaiting {
		r.sendError(conn, protocol.CodeInvalidAction, "game already started")
		return
	}
	if len(r.seats) < 2 {
		r.sendError(conn, protocol.CodeInvalidAction, "need at least two players")
		return
	}

	r.startGame(ctx, conn)
}

// startGame freezes the player order and enters the first turn. Lock held.
func (r *Room) startGame(ctx context.Context, conn types.ClientConn) {
	now := r.clock.Now()
	order := make([]types.PlayerIDType, 0, len(r.seats))
	for _, v := range r.playerViews() {
		order = append(order, v.PlayerID)
	}

	prev := *r.state
	r.state.State = types.RoomStatePlaying
	r.state.StartedAt = &now
	r.state.PlayerOrder = order
	r.state.CurrentPlayerIndex = 0
	r.state.TurnNumber = 1
	r.state.RoundNumber = 1
	r.state.PausedRemaining = nil

	games := make(map[types.PlayerIDType]*PlayerGameState, len(order))
	for i, id := range order {
		games[id] = &PlayerGameState{
			Scorecard:      engine.NewScorecard(),
			RollsRemaining: engine.RollsPerTurn,
			TurnOrder:      i,
		}
	}
	r.games = games

	if err := r.persistGames(ctx); err != nil {
		r.state = &prev
		r.games = make(map[types.PlayerIDType]*PlayerGameState)
		r.failMutation(ctx, conn, "persist game start", err)
		return
	}
	if err := r.persistRoom(ctx); err != nil {
		r.state = &prev
		r.failMutation(ctx, conn, "persist game start", err)
		return
	}

	r.broadcast(protocol.EvtGameStarting, struct{}{})
	r.broadcast(protocol.EvtGameStarted, gameStartedEvent{PlayerOrder: order, StartedAt: now})
	r.beginTurn(ctx)
	r.queueLobbyNotify()
	r.log.Info("game started", zap.Int("players", len(order)))
}

// beginTurn announces the current turn and arms its clock. Lock held.
func (r *Room) beginTurn(ctx context.Context) {
	playerID := r.currentPlayerID()
	r.state.TurnDeadline = nil

	timeout := time.Duration(r.state.Config.TurnTimeoutSeconds) * time.Second
	if timeout > 0 {
		deadline := r.clock.Now().Add(timeout)
		r.state.TurnDeadline = &deadline
		if err := r.persistRoom(ctx); err != nil {
			r.log.Error("failed to persist turn deadline", zap.Error(err))
		}
		if err := r.alarms.Schedule(ctx, alarm.KindTurnTimeout, string(playerID), deadline, nil); err != nil {
			r.log.Error("failed to schedule turn timeout", zap.Error(err))
		}
		if warn := deadline.Add(-r.cfg.AfkWarningWindow); warn.After(r.clock.Now()) {
			if err := r.alarms.Schedule(ctx, alarm.KindAfkCheck, string(playerID), warn, nil); err != nil {
				r.log.Error("failed to schedule afk check", zap.Error(err))
			}
		}
	}

	r.broadcast(protocol.EvtTurnStarted, turnStartedEvent{
		PlayerID:       playerID,
		TurnNumber:     r.state.TurnNumber,
		RoundNumber:    r.state.RoundNumber,
		RollsRemaining: r.games[playerID].RollsRemaining,
		Deadline:       r.state.TurnDeadline,
	})
}

// --- dice and scoring ---

type diceRolledEvent struct {
	PlayerID       types.PlayerIDType `json:"playerId"`
	Dice           [5]int             `json:"dice"`
	Kept           [5]bool            `json:"kept"`
	RollsRemaining int                `json:"rollsRemaining"`
}

type diceKeptEvent struct {
	PlayerID types.PlayerIDType `json:"playerId"`
	Kept     [5]bool            `json:"kept"`
}

type categoryScoredEvent struct {
	PlayerID   types.PlayerIDType `json:"playerId"`
	Category   engine.Category    `json:"category"`
	Points     int                `json:"points"`
	DiceeBonus bool               `json:"diceeBonus"`
	TotalScore int                `json:"totalScore"`
}

// requireTurn answers nil unless conn's player is the current turn player in
// a playing room.
func (r *Room) requireTurn(conn types.ClientConn) *PlayerGameState {
	if r.state.State != types.RoomStatePlaying {
		r.sendError(conn, protocol.CodeInvalidAction, "no game in progress")
		return nil
	}
	playerID := conn.GetPlayerID()
	if r.currentPlayerID() != playerID {
		r.sendError(conn, protocol.CodeNotYourTurn, "not your turn")
		return nil
	}
	gs, ok := r.games[playerID]
	if !ok {
		r.sendError(conn, protocol.CodeInternal, "no game state for player")
		return nil
	}
	return gs
}

func (r *Room) handleDiceRoll(ctx context.Context, conn types.ClientConn, p *protocol.DiceRollPayload) {
	gs := r.requireTurn(conn)
	if gs == nil {
		return
	}
	if gs.RollsRemaining < 1 {
		r.sendError(conn, protocol.CodeInvalidAction, "no rolls remaining, score a category")
		return
	}

	var kept [5]bool
	copy(kept[:], p.Kept)

	// Kept dice are sticky: a die kept on an earlier roll of this turn stays
	// kept, and nothing can be kept before the first roll.
	if gs.CurrentDice == nil {
		if kept != ([5]bool{}) {
			r.sendError(conn, protocol.CodeInvalidAction, "cannot keep dice before the first roll")
			return
		}
	} else if gs.Kept != nil {
		for i, was := range gs.Kept {
			if was && !kept[i] {
				r.sendError(conn, protocol.CodeInvalidAction, "kept dice cannot be released this turn")
				return
			}
		}
	}

	var current [5]int
	if gs.CurrentDice != nil {
		current = *gs.CurrentDice
	}
	rolled := engine.Roll(r.rng, current, kept)

	prevDice, prevKept, prevRolls := gs.CurrentDice, gs.Kept, gs.RollsRemaining
	gs.CurrentDice = &rolled
	gs.Kept = &kept
	gs.RollsRemaining--

	if err := r.persistGames(ctx); err != nil {
		gs.CurrentDice, gs.Kept, gs.RollsRemaining = prevDice, prevKept, prevRolls
		r.failMutation(ctx, conn, "persist roll", err)
		return
	}

	r.broadcast(protocol.EvtDiceRolled, diceRolledEvent{
		PlayerID:       conn.GetPlayerID(),
		Dice:           rolled,
		Kept:           kept,
		RollsRemaining: gs.RollsRemaining,
	})
}

func (r *Room) handleDiceKeep(ctx context.Context, conn types.ClientConn, p *protocol.DiceKeepPayload) {
	gs := r.requireTurn(conn)
	if gs == nil {
		return
	}
	if gs.CurrentDice == nil || gs.RollsRemaining == engine.RollsPerTurn {
		r.sendError(conn, protocol.CodeInvalidAction, "nothing rolled yet")
		return
	}
	if gs.RollsRemaining == 0 {
		r.sendError(conn, protocol.CodeInvalidAction, "no rolls remaining, score a category")
		return
	}

	var kept [5]bool
	for _, i := range p.Indices {
		kept[i] = true
	}
	if gs.Kept != nil {
		for i, was := range gs.Kept {
			if was && !kept[i] {
				r.sendError(conn, protocol.CodeInvalidAction, "kept dice cannot be released this turn")
				return
			}
		}
	}

	prev := gs.Kept
	gs.Kept = &kept
	if err := r.persistGames(ctx); err != nil {
		gs.Kept = prev
		r.failMutation(ctx, conn, "persist keep mask", err)
		return
	}

	r.broadcast(protocol.EvtDiceKept, diceKeptEvent{PlayerID: conn.GetPlayerID(), Kept: kept})
}

func (r *Room) handleCategoryScore(ctx context.Context, conn types.ClientConn, p *protocol.CategoryScorePayload) {
	gs := r.requireTurn(conn)
	if gs == nil {
		return
	}
	if !engine.ValidCategory(p.Category) {
		r.sendError(conn, protocol.CodeInvalidPayload, fmt.Sprintf("unknown category %q", p.Category))
		return
	}
	if gs.CurrentDice == nil {
		r.sendError(conn, protocol.CodeInvalidAction, "roll before scoring")
		return
	}
	category := engine.Category(p.Category)
	if gs.Scorecard.Scored(category) {
		r.sendError(conn, protocol.CodeInvalidAction, "category already scored")
		return
	}

	r.scoreAndAdvance(ctx, conn.GetPlayerID(), gs, *gs.CurrentDice, category, "")
}

// scoreAndAdvance finalises a category for playerID and moves the game
// forward. skipReason is empty for voluntary scores; "timeout" and "forfeit"
// mark forced ones, which emit turn.skipped instead of category.scored.
func (r *Room) scoreAndAdvance(ctx context.Context, playerID types.PlayerIDType, gs *PlayerGameState, dice [5]int, category engine.Category, skipReason string) {
	points, bonus, err := gs.Scorecard.ApplyScore(dice, category)
	if err != nil {
		r.log.Error("scorecard rejected a validated score", zap.Error(err))
		return
	}
	gs.CurrentDice = nil
	gs.Kept = nil
	gs.RollsRemaining = engine.RollsPerTurn

	if err := r.persistGames(ctx); err != nil {
		// The slot was already applied in memory; invalidate so the next
		// command reloads last-persisted truth instead of diverging.
		r.log.Error("failed to persist score, state will reload", zap.Error(err))
		r.loaded = false
		return
	}

	if skipReason == "" {
		r.broadcast(protocol.EvtCategoryScored, categoryScoredEvent{
			PlayerID:   playerID,
			Category:   category,
			Points:     points,
			DiceeBonus: bonus,
			TotalScore: gs.Scorecard.Total(),
		})
	} else {
		r.broadcast(protocol.EvtTurnSkipped, turnSkippedEvent{
			PlayerID:       playerID,
			Reason:         skipReason,
			CategoryScored: category,
			Points:         points,
		})
	}

	r.advanceTurn(ctx)
}

type turnSkippedEvent struct {
	PlayerID       types.PlayerIDType `json:"playerId"`
	Reason         string             `json:"reason"`
	CategoryScored engine.Category    `json:"categoryScored"`
	Points         int                `json:"points"`
}

type turnEndedEvent struct {
	PlayerID   types.PlayerIDType `json:"playerId"`
	TurnNumber int                `json:"turnNumber"`
}

// advanceTurn retires the finished turn and either completes the game or
// starts the next turn. Forfeited players consume their turn with an
// immediate zero score. Lock held.
func (r *Room) advanceTurn(ctx context.Context) {
	finished := r.currentPlayerID()
	if err := r.alarms.Cancel(ctx, alarm.KindTurnTimeout, string(finished)); err != nil {
		r.log.Warn("failed to cancel turn timeout", zap.Error(err))
	}
	if err := r.alarms.Cancel(ctx, alarm.KindAfkCheck, string(finished)); err != nil {
		r.log.Warn("failed to cancel afk check", zap.Error(err))
	}

	if r.allScorecardsComplete() {
		r.completeGame(ctx)
		return
	}

	r.broadcast(protocol.EvtTurnEnded, turnEndedEvent{PlayerID: finished, TurnNumber: r.state.TurnNumber})

	// Advance, letting forfeited seats burn their turn with a zero score so
	// playerOrder arithmetic survives.
	for {
		r.state.CurrentPlayerIndex++
		r.state.TurnNumber++
		if r.state.CurrentPlayerIndex >= len(r.state.PlayerOrder) {
			r.state.CurrentPlayerIndex = 0
			r.state.RoundNumber++
		}

		next := r.currentPlayerID()
		seat := r.seats[next]
		gs := r.games[next]
		if seat == nil || gs == nil {
			r.log.Error("player order references a missing seat", zap.String("player_id", string(next)))
			return
		}
		if !seat.Forfeited {
			break
		}
		category, ok := gs.Scorecard.ForfeitCategory()
		if !ok {
			// Card already full; their turns no longer exist.
			if r.allScorecardsComplete() {
				r.completeGame(ctx)
				return
			}
			continue
		}
		if _, _, err := gs.Scorecard.ApplyScore([5]int{}, category); err != nil {
			r.log.Error("failed to forfeit-score", zap.Error(err))
			return
		}
		if err := r.persistGames(ctx); err != nil {
			r.log.Error("failed to persist forfeit score", zap.Error(err))
			r.loaded = false
			return
		}
		r.broadcast(protocol.EvtTurnSkipped, turnSkippedEvent{
			PlayerID:       next,
			Reason:         "forfeit",
			CategoryScored: category,
			Points:         0,
		})
		if r.allScorecardsComplete() {
			r.completeGame(ctx)
			return
		}
	}

	if err := r.persistRoom(ctx); err != nil {
		r.log.Error("failed to persist turn advance", zap.Error(err))
		r.loaded = false
		return
	}
	r.beginTurn(ctx)
	r.queueLobbyNotify()
}

func (r *Room) allScorecardsComplete() bool {
	for _, id := range r.state.PlayerOrder {
		gs, ok := r.games[id]
		if !ok || !gs.Scorecard.Complete() {
			return false
		}
	}
	return len(r.state.PlayerOrder) > 0
}

type gameCompletedEvent struct {
	Rankings []engine.Standing `json:"rankings"`
}

// completeGame computes final standings, runs the warm-seat queue promotion
// and schedules cleanup. Lock held.
func (r *Room) completeGame(ctx context.Context) {
	standings := make([]engine.Standing, 0, len(r.state.PlayerOrder))
	for i, id := range r.state.PlayerOrder {
		gs := r.games[id]
		if gs == nil {
			continue
		}
		standings = append(standings, engine.Standing{
			PlayerID:   string(id),
			Total:      gs.Scorecard.Total(),
			DiceeBonus: gs.Scorecard.DiceeBonusCount(),
			TurnOrder:  i,
		})
	}
	rankings := engine.Rank(standings)

	now := r.clock.Now()
	r.state.State = types.RoomStateCompleted
	r.state.TurnDeadline = nil
	if r.state.StartedAt != nil {
		r.state.GameDurationsMs = append(r.state.GameDurationsMs, now.Sub(*r.state.StartedAt).Milliseconds())
		if len(r.state.GameDurationsMs) > 10 {
			r.state.GameDurationsMs = r.state.GameDurationsMs[1:]
		}
	}

	if err := r.persistRoom(ctx); err != nil {
		r.log.Error("failed to persist game completion", zap.Error(err))
		r.loaded = false
		return
	}

	r.broadcast(protocol.EvtGameCompleted, gameCompletedEvent{Rankings: rankings})
	metrics.GamesCompleted.Inc()

	r.promoteQueue(ctx)

	if err := r.alarms.Schedule(ctx, alarm.KindRoomCleanup, "", now.Add(r.cfg.CleanupWindow), nil); err != nil {
		r.log.Error("failed to schedule room cleanup", zap.Error(err))
	}
	r.queueLobbyNotify()
	r.log.Info("game completed", zap.Int("players", len(rankings)))
}

func (r *Room) handleRematch(ctx context.Context, conn types.ClientConn) {
	if conn.GetPlayerID() != r.state.HostID {
		r.sendError(conn, protocol.CodeNotHost, "only the host can start a rematch")
		return
	}
	if r.state.State != types.RoomStateCompleted {
		r.sendError(conn, protocol.CodeInvalidAction, "no finished game to rematch")
		return
	}
	if len(r.seats) < 2 {
		r.sendError(conn, protocol.CodeInvalidAction, "need at least two players")
		return
	}

	// Forfeited seats do not carry into the next game.
	for id, s := range r.seats {
		if s.Forfeited {
			if err := r.removeSeat(ctx, id); err != nil {
				r.failMutation(ctx, conn, "drop forfeited seat", err)
				return
			}
		}
	}
	r.state.State = types.RoomStateWaiting
	r.startGame(ctx, conn)
}

func (r *Room) handleLeave(ctx context.Context, conn types.ClientConn) {
	playerID := conn.GetPlayerID()
	if conn.GetRole() == types.RoleTypeSpectator {
		delete(r.spectators, conn)
		r.removeFromQueue(ctx, playerID)
		r.queueLobbyNotify()
		return
	}

	seat, ok := r.seats[playerID]
	if !ok {
		return
	}

	// Leaving is explicit, so no reconnection window applies.
	switch r.state.State {
	case types.RoomStateWaiting, types.RoomStateStarting, types.RoomStateCompleted:
		if err := r.removeSeat(ctx, playerID); err != nil {
			r.failMutation(ctx, conn, "remove seat", err)
			return
		}
		r.broadcast(protocol.EvtPlayerLeft, playerConnectionEvent{PlayerID: playerID})
	default:
		seat.Forfeited = true
		if err := r.persistSeats(ctx); err != nil {
			seat.Forfeited = false
			r.failMutation(ctx, conn, "persist forfeit", err)
			return
		}
		r.broadcast(protocol.EvtPlayerForfeited, playerConnectionEvent{PlayerID: playerID})
		if r.currentPlayerID() == playerID {
			r.forceForfeitTurn(ctx, playerID)
		}
	}

	delete(r.conns, playerID)
	if err := r.alarms.Cancel(ctx, alarm.KindSeatExpiration, string(playerID)); err != nil {
		r.log.Warn("failed to cancel seat expiration", zap.Error(err))
	}
	r.queueLobbyNotify()
	r.notifyPlayerLocation(playerID, false)
	r.updateOccupantMetrics()
	conn.CloseWithCode(protocol.CloseNormal, "left room")
	r.maybeAbandon(ctx)
}

// forceForfeitTurn burns the current (forfeited) turn with a zero score.
func (r *Room) forceForfeitTurn(ctx context.Context, playerID types.PlayerIDType) {
	gs := r.games[playerID]
	if gs == nil {
		return
	}
	category, ok := gs.Scorecard.ForfeitCategory()
	if !ok {
		r.advanceTurn(ctx)
		return
	}
	r.scoreAndAdvance(ctx, playerID, gs, [5]int{}, category, "forfeit")
}
