package room

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/engine"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

func defaultConfig() types.RoomConfig {
	return types.RoomConfig{Public: true, AllowSpectators: true, MaxPlayers: 4}
}

func TestAttachSeatsPlayersAndAssignsHost(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.seatTwo(t)

	msg, ok := host.lastEvent(t, protocol.EvtRoomState)
	require.True(t, ok)
	snap := decodePayload[roomSnapshot](t, msg)
	assert.Equal(t, types.RoleTypePlayer, snap.You.Role)
	assert.Equal(t, types.PlayerIDType("p1"), snap.HostID)

	// The host hears about the second player joining.
	joined, ok := host.lastEvent(t, protocol.EvtPlayerJoined)
	require.True(t, ok)
	view := decodePayload[playerView](t, joined)
	assert.Equal(t, types.PlayerIDType("p2"), view.PlayerID)
	assert.Equal(t, 1, view.TurnOrder)
	assert.False(t, view.IsHost)

	_, ok = guest.lastEvent(t, protocol.EvtRoomState)
	assert.True(t, ok)
}

func TestOverflowAttachBecomesSpectator(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPlayers = 2
	f := newFixture(t, cfg)
	f.seatTwo(t)

	extra := newMockConn("p3", "Lin")
	f.room.Attach(context.Background(), extra, false)

	assert.Equal(t, types.RoleTypeSpectator, extra.GetRole())
	msg, ok := extra.lastEvent(t, protocol.EvtRoomState)
	require.True(t, ok)
	snap := decodePayload[roomSnapshot](t, msg)
	assert.Equal(t, types.RoleTypeSpectator, snap.You.Role)
	assert.Len(t, snap.Players, 2)
}

func TestOverflowAttachRejectedWithoutSpectators(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPlayers = 2
	cfg.AllowSpectators = false
	f := newFixture(t, cfg)
	f.seatTwo(t)

	extra := newMockConn("p3", "Lin")
	f.room.Attach(context.Background(), extra, false)
	assert.Equal(t, protocol.CloseRoomFull, extra.closedWith())
}

func TestGameStartAuthorisation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	host := newMockConn("p1", "Ada")
	f.room.Attach(ctx, host, false)

	// Alone at the table.
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdGameStart, nil))
	msg, ok := host.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidAction, decodePayload[protocol.ErrorPayload](t, msg).Code)

	guest := newMockConn("p2", "Grace")
	f.room.Attach(ctx, guest, false)

	// Not the host.
	f.room.HandleMessage(ctx, guest, cmd(t, protocol.CmdGameStart, nil))
	msg, ok = guest.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotHost, decodePayload[protocol.ErrorPayload](t, msg).Code)

	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdGameStart, nil))
	started, ok := guest.lastEvent(t, protocol.EvtGameStarted)
	require.True(t, ok)
	evt := decodePayload[gameStartedEvent](t, started)
	assert.Equal(t, []types.PlayerIDType{"p1", "p2"}, evt.PlayerOrder)

	turn, ok := guest.lastEvent(t, protocol.EvtTurnStarted)
	require.True(t, ok)
	assert.Equal(t, types.PlayerIDType("p1"), decodePayload[turnStartedEvent](t, turn).PlayerID)
}

func TestDiceRollStickyKeeps(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, _ := f.startTwoPlayerGame(t)
	ctx := context.Background()

	// Keeping before the first roll is rejected.
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: []bool{true, false, false, false, false}}))
	msg, ok := host.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidAction, decodePayload[protocol.ErrorPayload](t, msg).Code)

	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: []bool{false, false, false, false, false}}))
	rolled, ok := host.lastEvent(t, protocol.EvtDiceRolled)
	require.True(t, ok)
	first := decodePayload[diceRolledEvent](t, rolled)
	assert.Equal(t, 2, first.RollsRemaining)

	// Keep the first two dice, then try to release one on the next roll.
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceKeep, protocol.DiceKeepPayload{Indices: []int{0, 1}}))
	require.True(t, host.hasEvent(t, protocol.EvtDiceKept))

	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: []bool{true, false, false, false, false}}))
	msg, ok = host.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidAction, decodePayload[protocol.ErrorPayload](t, msg).Code)

	// Honouring the sticky mask works and kept dice carry their values.
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: []bool{true, true, false, false, false}}))
	rolled, ok = host.lastEvent(t, protocol.EvtDiceRolled)
	require.True(t, ok)
	second := decodePayload[diceRolledEvent](t, rolled)
	assert.Equal(t, 1, second.RollsRemaining)
	assert.Equal(t, first.Dice[0], second.Dice[0])
	assert.Equal(t, first.Dice[1], second.Dice[1])
}

func TestScoringAdvancesTurn(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.startTwoPlayerGame(t)
	ctx := context.Background()

	// Out-of-turn commands are refused without state change.
	f.room.HandleMessage(ctx, guest, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: make([]bool, 5)}))
	msg, ok := guest.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotYourTurn, decodePayload[protocol.ErrorPayload](t, msg).Code)

	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: make([]bool, 5)}))
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdCategoryScore, protocol.CategoryScorePayload{Category: "chance"}))

	scored, ok := guest.lastEvent(t, protocol.EvtCategoryScored)
	require.True(t, ok)
	evt := decodePayload[categoryScoredEvent](t, scored)
	assert.Equal(t, types.PlayerIDType("p1"), evt.PlayerID)
	assert.Equal(t, engine.CategoryChance, evt.Category)
	assert.Greater(t, evt.Points, 0)

	turn, ok := guest.lastEvent(t, protocol.EvtTurnStarted)
	require.True(t, ok)
	assert.Equal(t, types.PlayerIDType("p2"), decodePayload[turnStartedEvent](t, turn).PlayerID)

	// A stale retry from the previous turn owner cannot double-score.
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdCategoryScore, protocol.CategoryScorePayload{Category: "chance"}))
	msg, ok = host.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotYourTurn, decodePayload[protocol.ErrorPayload](t, msg).Code)
}

// playFullGame drives both players through all thirteen categories.
func playFullGame(t *testing.T, f *roomFixture, host, guest *mockConn) {
	t.Helper()
	ctx := context.Background()
	for _, category := range engine.Categories() {
		for _, player := range []*mockConn{host, guest} {
			f.room.HandleMessage(ctx, player, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: make([]bool, 5)}))
			f.room.HandleMessage(ctx, player, cmd(t, protocol.CmdCategoryScore, protocol.CategoryScorePayload{Category: string(category)}))
		}
	}
}

func TestFullGameCompletesWithRankings(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.startTwoPlayerGame(t)

	playFullGame(t, f, host, guest)

	msg, ok := host.lastEvent(t, protocol.EvtGameCompleted)
	require.True(t, ok)
	completed := decodePayload[gameCompletedEvent](t, msg)
	require.Len(t, completed.Rankings, 2)
	assert.Equal(t, 1, completed.Rankings[0].Rank)
	assert.GreaterOrEqual(t, completed.Rankings[0].Total, completed.Rankings[1].Total)

	// Cleanup is armed and the lobby sees the room finished.
	has, err := f.room.alarms.Has(context.Background(), alarm.KindRoomCleanup, "")
	require.NoError(t, err)
	assert.True(t, has)

	f.room.wg.Wait()
	status, ok := f.lobby.last()
	require.True(t, ok)
	assert.Equal(t, types.RoomStatusFinished, status.Status)
}

func TestRematchResetsGame(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.startTwoPlayerGame(t)
	playFullGame(t, f, host, guest)
	ctx := context.Background()

	f.room.HandleMessage(ctx, guest, cmd(t, protocol.CmdGameRematch, nil))
	msg, ok := guest.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotHost, decodePayload[protocol.ErrorPayload](t, msg).Code)

	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdGameRematch, nil))
	turn, ok := guest.lastEvent(t, protocol.EvtTurnStarted)
	require.True(t, ok)
	evt := decodePayload[turnStartedEvent](t, turn)
	assert.Equal(t, types.PlayerIDType("p1"), evt.PlayerID)
	assert.Equal(t, 1, evt.TurnNumber)
	assert.Equal(t, engine.RollsPerTurn, evt.RollsRemaining)
}

func TestReconnectWithinWindowRestoresSeat(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.seatTwo(t)
	ctx := context.Background()

	f.room.Detach(ctx, guest)
	conn, ok := host.lastEvent(t, protocol.EvtPlayerConnection)
	require.True(t, ok)
	evt := decodePayload[playerConnectionEvent](t, conn)
	assert.False(t, evt.IsConnected)
	require.NotNil(t, evt.ReconnectDeadline)

	// One second inside the window.
	f.clock.advance(5*time.Minute - time.Second)
	again := newMockConn("p2", "Grace")
	f.room.Attach(ctx, again, false)

	snapMsg, ok := again.lastEvent(t, protocol.EvtRoomState)
	require.True(t, ok)
	snap := decodePayload[roomSnapshot](t, snapMsg)
	assert.Equal(t, types.RoleTypePlayer, snap.You.Role)
	assert.Len(t, snap.Players, 2, "seat was reclaimed, not re-allocated")

	conn, ok = host.lastEvent(t, protocol.EvtPlayerConnection)
	require.True(t, ok)
	assert.True(t, decodePayload[playerConnectionEvent](t, conn).IsConnected)

	has, err := f.room.alarms.Has(ctx, alarm.KindSeatExpiration, "p2")
	require.NoError(t, err)
	assert.False(t, has, "expiration cancelled on reclaim")
}

func TestSeatExpiresAfterWindowPreGame(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.seatTwo(t)
	ctx := context.Background()

	extra := newMockConn("p3", "Lin")
	f.room.Attach(ctx, extra, false)

	f.room.Detach(ctx, guest)
	f.clock.advance(5*time.Minute + time.Second)
	f.room.onWake()

	removed, ok := host.lastEvent(t, protocol.EvtPlayerRemoved)
	require.True(t, ok)
	payload := decodePayload[struct {
		PlayerID types.PlayerIDType `json:"playerId"`
		Reason   string             `json:"reason"`
	}](t, removed)
	assert.Equal(t, types.PlayerIDType("p2"), payload.PlayerID)
	assert.Equal(t, "timeout", payload.Reason)

	// Turn orders renumber into a gap-free sequence.
	f.room.mu.Lock()
	orders := map[int]bool{}
	for _, s := range f.room.seats {
		orders[s.TurnOrder] = true
	}
	f.room.mu.Unlock()
	assert.Equal(t, map[int]bool{0: true, 1: true}, orders)
}

func TestSeatExpirationMidGameForfeits(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.startTwoPlayerGame(t)
	ctx := context.Background()

	f.room.Detach(ctx, guest)
	f.clock.advance(5*time.Minute + time.Second)
	f.room.onWake()

	forfeited, ok := host.lastEvent(t, protocol.EvtPlayerForfeited)
	require.True(t, ok)
	assert.True(t, forfeited.Type == protocol.EvtPlayerForfeited)

	// Host scores; the forfeited player's turn burns with a zero.
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdDiceRoll, protocol.DiceRollPayload{Kept: make([]bool, 5)}))
	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdCategoryScore, protocol.CategoryScorePayload{Category: "ones"}))

	skipped, ok := host.lastEvent(t, protocol.EvtTurnSkipped)
	require.True(t, ok)
	skip := decodePayload[turnSkippedEvent](t, skipped)
	assert.Equal(t, types.PlayerIDType("p2"), skip.PlayerID)
	assert.Equal(t, "forfeit", skip.Reason)
	assert.Equal(t, engine.CategoryOnes, skip.CategoryScored)
	assert.Zero(t, skip.Points)

	// And it is the host's turn again.
	turn, ok := host.lastEvent(t, protocol.EvtTurnStarted)
	require.True(t, ok)
	assert.Equal(t, types.PlayerIDType("p1"), decodePayload[turnStartedEvent](t, turn).PlayerID)
}

func TestAfkWarningThenForcedScore(t *testing.T) {
	cfg := defaultConfig()
	cfg.TurnTimeoutSeconds = 30
	f := newFixture(t, cfg)
	host, guest := f.startTwoPlayerGame(t)

	f.clock.advance(20 * time.Second)
	f.room.onWake()

	warn, ok := guest.lastEvent(t, protocol.EvtPlayerAfkWarning)
	require.True(t, ok)
	payload := decodePayload[struct {
		PlayerID         types.PlayerIDType `json:"playerId"`
		SecondsRemaining int                `json:"secondsRemaining"`
	}](t, warn)
	assert.Equal(t, types.PlayerIDType("p1"), payload.PlayerID)
	assert.Equal(t, 10, payload.SecondsRemaining)

	f.clock.advance(10 * time.Second)
	f.room.onWake()

	skipped, ok := guest.lastEvent(t, protocol.EvtTurnSkipped)
	require.True(t, ok)
	skip := decodePayload[turnSkippedEvent](t, skipped)
	assert.Equal(t, types.PlayerIDType("p1"), skip.PlayerID)
	assert.Equal(t, "timeout", skip.Reason)

	turn, ok := guest.lastEvent(t, protocol.EvtTurnStarted)
	require.True(t, ok)
	assert.Equal(t, types.PlayerIDType("p2"), decodePayload[turnStartedEvent](t, turn).PlayerID)
	_ = host
}

func TestPauseDebounceAndResumeWithRemainingBudget(t *testing.T) {
	cfg := defaultConfig()
	cfg.TurnTimeoutSeconds = 30
	f := newFixture(t, cfg)
	host, guest := f.startTwoPlayerGame(t)
	ctx := context.Background()

	f.room.Detach(ctx, host)
	f.clock.advance(2 * time.Second)
	f.room.onWake()

	snapMsg, ok := guest.lastEvent(t, protocol.EvtRoomState)
	require.True(t, ok)
	assert.Equal(t, types.RoomStatePaused, decodePayload[roomSnapshot](t, snapMsg).State)

	// Reconnect: the turn clock resumes with the 28 s that were left.
	back := newMockConn("p1", "Ada")
	f.room.Attach(ctx, back, false)

	f.room.mu.Lock()
	state := f.room.state.State
	deadline := f.room.state.TurnDeadline
	f.room.mu.Unlock()
	assert.Equal(t, types.RoomStatePlaying, state)
	require.NotNil(t, deadline)
	assert.Equal(t, f.clock.Now().Add(28*time.Second), *deadline)
}

func TestQuickReconnectSkipsPause(t *testing.T) {
	cfg := defaultConfig()
	cfg.TurnTimeoutSeconds = 30
	f := newFixture(t, cfg)
	host, _ := f.startTwoPlayerGame(t)
	ctx := context.Background()

	f.room.Detach(ctx, host)
	f.clock.advance(time.Second)
	back := newMockConn("p1", "Ada")
	f.room.Attach(ctx, back, false)

	f.clock.advance(2 * time.Second)
	f.room.onWake()

	f.room.mu.Lock()
	state := f.room.state.State
	f.room.mu.Unlock()
	assert.Equal(t, types.RoomStatePlaying, state, "a quick refresh never pauses the table")
}

func TestQueuePromotionAfterGame(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPlayers = 3
	f := newFixture(t, cfg)
	host, guest := f.startTwoPlayerGame(t)
	ctx := context.Background()

	watcher := newMockConn("p3", "Lin")
	f.room.Attach(ctx, watcher, true)
	require.Equal(t, types.RoleTypeSpectator, watcher.GetRole())

	f.room.HandleMessage(ctx, watcher, cmd(t, protocol.CmdQueueJoin, nil))
	update, ok := watcher.lastEvent(t, protocol.EvtQueueUpdate)
	require.True(t, ok)
	queued := decodePayload[struct {
		Queue []queueView `json:"queue"`
	}](t, update)
	require.Len(t, queued.Queue, 1)
	assert.Equal(t, 1, queued.Queue[0].Position)

	playFullGame(t, f, host, guest)

	// Warm-seat transition: the spectator now holds a seat.
	assert.Equal(t, types.RoleTypePlayer, watcher.GetRole())
	f.room.mu.Lock()
	_, seated := f.room.seats["p3"]
	queueLen := len(f.room.state.Queue)
	f.room.mu.Unlock()
	assert.True(t, seated)
	assert.Zero(t, queueLen)
}

func TestChatBroadcastAndHistory(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.seatTwo(t)
	ctx := context.Background()

	f.room.HandleMessage(ctx, host, cmd(t, protocol.CmdChat, protocol.ChatPayload{Content: "good luck"}))
	msg, ok := guest.lastEvent(t, protocol.EvtChat)
	require.True(t, ok)

	// History reaches a later attach through the snapshot.
	late := newMockConn("p3", "Lin")
	f.room.Attach(ctx, late, false)
	snapMsg, ok := late.lastEvent(t, protocol.EvtRoomState)
	require.True(t, ok)
	snap := decodePayload[roomSnapshot](t, snapMsg)
	require.Len(t, snap.ChatHistory, 1)
	assert.Equal(t, "good luck", snap.ChatHistory[0].Content)
	_ = msg
}

func TestLeaveRemovesSeatPreGame(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.seatTwo(t)
	ctx := context.Background()

	f.room.HandleMessage(ctx, guest, cmd(t, protocol.CmdRoomLeave, nil))
	assert.Equal(t, protocol.CloseNormal, guest.closedWith())
	assert.True(t, host.hasEvent(t, protocol.EvtPlayerLeft))

	f.room.mu.Lock()
	_, seated := f.room.seats["p2"]
	f.room.mu.Unlock()
	assert.False(t, seated)
}

func TestInGameDisconnectClampsToTurnGrace(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, guest := f.startTwoPlayerGame(t)
	ctx := context.Background()

	f.room.mu.Lock()
	f.room.cfg.TurnGrace = 90 * time.Second
	f.room.mu.Unlock()

	f.room.Detach(ctx, guest)
	connMsg, ok := host.lastEvent(t, protocol.EvtPlayerConnection)
	require.True(t, ok)
	evt := decodePayload[playerConnectionEvent](t, connMsg)
	require.NotNil(t, evt.ReconnectDeadline)
	assert.True(t, evt.ReconnectDeadline.Equal(f.clock.Now().Add(90*time.Second)),
		"mid-game the reconnect window narrows to the turn grace")

	// The narrowed window forfeits the seat once it lapses.
	f.clock.advance(91 * time.Second)
	f.room.onWake()
	assert.True(t, host.hasEvent(t, protocol.EvtPlayerForfeited))
}

func TestPersistFailureLogsCarryTheError(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.NewStore(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &manualClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	r := NewRoom("ABC234", defaultConfig(), Deps{Store: st, Clock: clock, Waker: &manualWaker{}})
	ctx := context.Background()

	host := newMockConn("p1", "Ada")
	watcher := newMockConn("p2", "Grace")
	r.Attach(ctx, host, false)
	r.Attach(ctx, watcher, true)
	r.HandleMessage(ctx, watcher, cmd(t, protocol.CmdQueueJoin, nil))

	core, logs := observer.New(zapcore.WarnLevel)
	r.log = zap.New(core)
	mr.Close()

	r.HandleMessage(ctx, watcher, cmd(t, protocol.CmdQueueLeave, nil))

	entries := logs.FilterMessage("failed to persist queue leave").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "error")
}

func TestUnknownCommandAnswersTypedError(t *testing.T) {
	f := newFixture(t, defaultConfig())
	host, _ := f.seatTwo(t)
	ctx := context.Background()

	f.room.HandleMessage(ctx, host, []byte(`{"type":"warp.drive"}`))
	msg, ok := host.lastEvent(t, protocol.EvtError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnknownType, decodePayload[protocol.ErrorPayload](t, msg).Code)
	assert.Zero(t, host.closedWith(), "validation failures never close the socket")
}
