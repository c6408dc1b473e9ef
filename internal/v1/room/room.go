// Package room implements the game room actor: seats, reconnection windows,
// the turn state machine, spectators and the waiting queue, chat, and every
// time-driven behaviour scheduled through the alarm queue.
//
// All state is guarded by a single mutex taken at the entry points (Attach,
// Detach, HandleMessage, onWake). Handlers below those entry points assume
// the lock is held, so the room processes one command or one alarm at a
// time. Mutations follow storage-first: validate, update memory, persist,
// and only then broadcast.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/chat"
	"github.com/playdicee/dicee-server/internal/v1/engine"
	"github.com/playdicee/dicee-server/internal/v1/logging"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// Settings carries the operator-tunable windows; defaults mirror config.
type Settings struct {
	ReconnectWindow time.Duration
	// TurnGrace caps the reconnection window for disconnects while a game is
	// running, so a vanished player forfeits within a few turns instead of
	// holding the table for the full window.
	TurnGrace        time.Duration
	AfkWarningWindow time.Duration
	PauseDebounce    time.Duration
	CleanupWindow    time.Duration
	ChatHistoryLimit int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		ReconnectWindow:  5 * time.Minute,
		TurnGrace:        2 * time.Minute,
		AfkWarningWindow: 10 * time.Second,
		PauseDebounce:    2 * time.Second,
		CleanupWindow:    10 * time.Minute,
		ChatHistoryLimit: chat.DefaultHistoryLimit,
	}
}

// Seat is a player's reservation in the room, independent of any live
// connection.
type Seat struct {
	PlayerID          types.PlayerIDType    `json:"playerId"`
	DisplayName       types.DisplayNameType `json:"displayName"`
	AvatarSeed        string                `json:"avatarSeed"`
	TurnOrder         int                   `json:"turnOrder"`
	IsHost            bool                  `json:"isHost"`
	Connected         bool                  `json:"connected"`
	DisconnectedAt    *time.Time            `json:"disconnectedAt,omitempty"`
	ReconnectDeadline *time.Time            `json:"reconnectDeadline,omitempty"`
	JoinedAt          time.Time             `json:"joinedAt"`
	Forfeited         bool                  `json:"forfeited"`
}

// PlayerGameState is one seated player's in-game state once a game starts.
type PlayerGameState struct {
	Scorecard      *engine.Scorecard `json:"scorecard"`
	CurrentDice    *[5]int           `json:"currentDice,omitempty"`
	Kept           *[5]bool          `json:"kept,omitempty"`
	RollsRemaining int               `json:"rollsRemaining"`
	TurnOrder      int               `json:"turnOrder"`
}

// queueEntry is one spectator waiting for a seat in the next game.
type queueEntry struct {
	PlayerID    types.PlayerIDType    `json:"playerId"`
	DisplayName types.DisplayNameType `json:"displayName"`
	AvatarSeed  string                `json:"avatarSeed"`
	JoinedAt    time.Time             `json:"joinedAt"`
}

// roomState is the persisted room document.
type roomState struct {
	Code               types.RoomCodeType   `json:"code"`
	Config             types.RoomConfig     `json:"config"`
	State              types.RoomStateType  `json:"state"`
	HostID             types.PlayerIDType   `json:"hostId"`
	CreatedAt          time.Time            `json:"createdAt"`
	StartedAt          *time.Time           `json:"startedAt,omitempty"`
	PlayerOrder        []types.PlayerIDType `json:"playerOrder,omitempty"`
	CurrentPlayerIndex int                  `json:"currentPlayerIndex"`
	TurnNumber         int                  `json:"turnNumber"`
	RoundNumber        int                  `json:"roundNumber"`
	// TurnDeadline is the wall-clock end of the running turn clock; nil when
	// the turn clock is disabled or the room is not playing.
	TurnDeadline *time.Time `json:"turnDeadline,omitempty"`
	// PausedRemaining holds the unexpired turn budget captured when the room
	// paused, re-armed on resume.
	PausedRemaining *time.Duration `json:"pausedRemaining,omitempty"`
	Queue           []queueEntry   `json:"queue,omitempty"`
	// GameDurationsMs feeds the queue's estimated-wait rolling average.
	GameDurationsMs []int64 `json:"gameDurationsMs,omitempty"`
}

// Room is the game room actor.
type Room struct {
	Code types.RoomCodeType

	mu     sync.Mutex
	log    *zap.Logger
	store  *store.Store
	alarms *alarm.Queue
	waker  *alarm.TimerWaker
	chat   *chat.Log
	clock  types.Clock
	rng    engine.Rng
	lobby  types.LobbyNotifier
	cfg    Settings

	state      *roomState
	seats      map[types.PlayerIDType]*Seat
	games      map[types.PlayerIDType]*PlayerGameState
	conns      map[types.PlayerIDType][]types.ClientConn
	spectators map[types.ClientConn]struct{}
	loaded     bool

	notifyInFlight bool
	notifyQueued   bool

	onEmpty func(types.RoomCodeType)
	wg      sync.WaitGroup
	closed  bool
}

// Deps bundles the collaborators a room needs.
type Deps struct {
	Store    *store.Store
	Lobby    types.LobbyNotifier
	Clock    types.Clock
	Rng      engine.Rng
	Settings Settings
	// OnEmpty is invoked after cleanup so the hub can drop its reference.
	OnEmpty func(types.RoomCodeType)
	// Waker overrides the production timer; tests inject a manual one.
	Waker alarm.Waker
}

// NewRoom builds the actor for code with config. The config is normalised
// before use.
func NewRoom(code types.RoomCodeType, config types.RoomConfig, deps Deps) *Room {
	if deps.Clock == nil {
		deps.Clock = types.WallClock
	}
	if deps.Rng == nil {
		deps.Rng = engine.CryptoRng{}
	}
	if deps.Settings == (Settings{}) {
		deps.Settings = DefaultSettings()
	}

	r := &Room{
		Code:       code,
		log:        logging.GetLogger().With(zap.String("room_code", string(code))),
		store:      deps.Store,
		clock:      deps.Clock,
		rng:        deps.Rng,
		lobby:      deps.Lobby,
		cfg:        deps.Settings,
		onEmpty:    deps.OnEmpty,
		conns:      make(map[types.PlayerIDType][]types.ClientConn),
		spectators: make(map[types.ClientConn]struct{}),
		state: &roomState{
			Code:      code,
			Config:    config.Normalize(),
			State:     types.RoomStateWaiting,
			CreatedAt: deps.Clock.Now(),
		},
		seats: make(map[types.PlayerIDType]*Seat),
		games: make(map[types.PlayerIDType]*PlayerGameState),
	}

	waker := deps.Waker
	if waker == nil {
		r.waker = alarm.NewTimerWaker(r.onWake)
		waker = r.waker
	}
	r.alarms = alarm.NewQueue(deps.Store, r.key("alarms"), r.key("alarm"), waker, deps.Clock.Now)
	r.chat = chat.NewLog(deps.Store, r.key("chatHistory"), deps.Settings.ChatHistoryLimit, deps.Clock.Now)

	metrics.ActiveRooms.Inc()
	return r
}

func (r *Room) key(suffix string) string {
	return "room:" + string(r.Code) + ":" + suffix
}

// Exists reports whether a room document is persisted for code, without
// constructing an actor. The hub uses it to distinguish "rehydrate" from
// "no such room" and to detect code collisions.
func Exists(ctx context.Context, st *store.Store, code types.RoomCodeType) (bool, error) {
	if st == nil {
		return false, nil
	}
	var doc roomState
	return st.Get(ctx, "room:"+string(code)+":room", &doc)
}

// load rehydrates the room, seats and game documents after a cold start.
// The freshly constructed in-memory state stands when storage has nothing.
func (r *Room) load(ctx context.Context) error {
	if r.loaded {
		return nil
	}

	var persisted roomState
	found, err := r.store.Get(ctx, r.key("room"), &persisted)
	if err != nil {
		return err
	}
	if found {
		r.state = &persisted

		seats := make(map[types.PlayerIDType]*Seat)
		if _, err := r.store.Get(ctx, r.key("seats"), &seats); err != nil {
			return err
		}
		// A rehydrated seat has no live socket regardless of what was stored.
		for _, s := range seats {
			s.Connected = false
		}
		r.seats = seats

		games := make(map[types.PlayerIDType]*PlayerGameState)
		if _, err := r.store.Get(ctx, r.key("games"), &games); err != nil {
			return err
		}
		r.games = games
	}

	r.loaded = true
	return nil
}

func (r *Room) persistRoom(ctx context.Context) error {
	return r.store.Put(ctx, r.key("room"), r.state)
}

func (r *Room) persistSeats(ctx context.Context) error {
	return r.store.Put(ctx, r.key("seats"), r.seats)
}

func (r *Room) persistGames(ctx context.Context) error {
	return r.store.Put(ctx, r.key("games"), r.games)
}

// IsEmpty reports whether no connection of any kind is attached.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spectators) == 0 && r.connectedPlayers() == 0
}

func (r *Room) connectedPlayers() int {
	n := 0
	for _, cs := range r.conns {
		if len(cs) > 0 {
			n++
		}
	}
	return n
}

func (r *Room) spectatorCount() int {
	return len(r.spectators)
}

// Shutdown closes every connection with a normal close frame and stops the
// waker. Used on graceful server shutdown.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	if r.waker != nil {
		r.waker.Stop()
	}
	var all []types.ClientConn
	for _, cs := range r.conns {
		all = append(all, cs...)
	}
	for c := range r.spectators {
		all = append(all, c)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.CloseWithCode(protocol.CloseNormal, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
