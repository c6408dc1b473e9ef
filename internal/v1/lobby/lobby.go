// Package lobby implements the global lobby actor: online presence, the
// live room directory, invite and join-request brokering, and global chat.
//
// There is exactly one lobby per deployment. Like the room actor it is
// mutex-serialised: the lock is taken at the entry points and handlers
// assume it is held.
package lobby

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/alarm"
	"github.com/playdicee/dicee-server/internal/v1/chat"
	"github.com/playdicee/dicee-server/internal/v1/directory"
	"github.com/playdicee/dicee-server/internal/v1/logging"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// RoomCreator mints rooms on behalf of the lobby; the transport hub
// implements it.
type RoomCreator interface {
	CreateRoom(ctx context.Context, config types.RoomConfig, hostID types.PlayerIDType) (types.RoomCodeType, error)
}

// Settings carries the lobby's tunable windows.
type Settings struct {
	InviteTTL        time.Duration
	JoinRequestTTL   time.Duration
	StaleThreshold   time.Duration
	ChatHistoryLimit int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		InviteTTL:        60 * time.Second,
		JoinRequestTTL:   60 * time.Second,
		StaleThreshold:   60 * time.Second,
		ChatHistoryLimit: chat.DefaultHistoryLimit,
	}
}

// presenceEntry is one online player, deduplicated across their
// connections.
type presenceEntry struct {
	DisplayName types.DisplayNameType    `json:"displayName"`
	AvatarSeed  string                   `json:"avatarSeed"`
	Status      types.PresenceStatusType `json:"status"`
	RoomCode    types.RoomCodeType       `json:"currentRoomCode,omitempty"`
	connCount   int
}

// invite is a single-use admission ticket from a host to an online player.
type invite struct {
	InviteID  string             `json:"inviteId"`
	RoomCode  types.RoomCodeType `json:"roomCode"`
	InviterID types.PlayerIDType `json:"inviterId"`
	InviteeID types.PlayerIDType `json:"inviteeId"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Accepted  bool               `json:"accepted"`
}

type joinRequestStatus string

const (
	joinRequestPending   joinRequestStatus = "pending"
	joinRequestApproved  joinRequestStatus = "approved"
	joinRequestDeclined  joinRequestStatus = "declined"
	joinRequestExpired   joinRequestStatus = "expired"
	joinRequestCancelled joinRequestStatus = "cancelled"
)

// joinRequest is a pending admission request from a player to a room host.
type joinRequest struct {
	RequestID   string             `json:"requestId"`
	RoomCode    types.RoomCodeType `json:"roomCode"`
	RequesterID types.PlayerIDType `json:"requesterId"`
	Status      joinRequestStatus  `json:"status"`
	ExpiresAt   time.Time          `json:"expiresAt"`
}

// Lobby is the global lobby actor.
type Lobby struct {
	mu    sync.Mutex
	log   *zap.Logger
	store *store.Store
	clock types.Clock
	cfg   Settings

	directory *directory.Directory
	chat      *chat.Log
	alarms    *alarm.Queue
	waker     *alarm.TimerWaker

	creator RoomCreator

	conns    map[types.PlayerIDType][]types.ClientConn
	presence map[types.PlayerIDType]*presenceEntry

	invites  map[string]*invite
	requests map[string]*joinRequest
	loaded   bool

	wg     sync.WaitGroup
	closed bool
}

// Deps bundles the lobby's collaborators.
type Deps struct {
	Store    *store.Store
	Creator  RoomCreator
	Clock    types.Clock
	Settings Settings
	Waker    alarm.Waker
}

// NewLobby builds the singleton lobby actor.
func NewLobby(deps Deps) *Lobby {
	if deps.Clock == nil {
		deps.Clock = types.WallClock
	}
	if deps.Settings == (Settings{}) {
		deps.Settings = DefaultSettings()
	}

	l := &Lobby{
		log:      logging.GetLogger().With(zap.String("actor", "lobby")),
		store:    deps.Store,
		clock:    deps.Clock,
		cfg:      deps.Settings,
		creator:  deps.Creator,
		conns:    make(map[types.PlayerIDType][]types.ClientConn),
		presence: make(map[types.PlayerIDType]*presenceEntry),
		invites:  make(map[string]*invite),
		requests: make(map[string]*joinRequest),
	}

	waker := deps.Waker
	if waker == nil {
		l.waker = alarm.NewTimerWaker(l.onWake)
		waker = l.waker
	}
	l.directory = directory.NewDirectory(deps.Store, "lobby:directory", deps.Clock.Now)
	l.chat = chat.NewLog(deps.Store, "lobby:chatHistory", deps.Settings.ChatHistoryLimit, deps.Clock.Now)
	l.alarms = alarm.NewQueue(deps.Store, "lobby:alarms", "lobby:alarm", waker, deps.Clock.Now)
	return l
}

func (l *Lobby) load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	invites := make(map[string]*invite)
	if _, err := l.store.Get(ctx, "lobby:invites", &invites); err != nil {
		return err
	}
	l.invites = invites

	requests := make(map[string]*joinRequest)
	if _, err := l.store.Get(ctx, "lobby:joinRequests", &requests); err != nil {
		return err
	}
	l.requests = requests

	l.loaded = true
	return nil
}

func (l *Lobby) persistInvites(ctx context.Context) error {
	return l.store.Put(ctx, "lobby:invites", l.invites)
}

func (l *Lobby) persistRequests(ctx context.Context) error {
	return l.store.Put(ctx, "lobby:joinRequests", l.requests)
}

// --- attach / detach ---

type presenceEvent struct {
	OnlineCount int `json:"onlineCount"`
	InRoomCount int `json:"inRoomCount"`
}

type onlineUser struct {
	PlayerID    types.PlayerIDType       `json:"playerId"`
	DisplayName types.DisplayNameType    `json:"displayName"`
	AvatarSeed  string                   `json:"avatarSeed"`
	Status      types.PresenceStatusType `json:"status"`
}

// Attach admits a lobby connection: record presence, send the rooms
// snapshot, broadcast the new counts.
func (l *Lobby) Attach(ctx context.Context, conn types.ClientConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		l.log.Error("failed to load lobby state on attach", zap.Error(err))
		l.sendError(conn, protocol.CodeInternal, "lobby state unavailable")
		return
	}

	playerID := conn.GetPlayerID()
	entry, ok := l.presence[playerID]
	if !ok {
		entry = &presenceEntry{
			DisplayName: conn.GetDisplayName(),
			AvatarSeed:  conn.GetAvatarSeed(),
			Status:      types.PresenceAvailable,
		}
		l.presence[playerID] = entry
	}
	entry.connCount++
	l.conns[playerID] = append(l.conns[playerID], conn)

	l.sendRoomsSnapshot(ctx, conn)
	l.broadcastPresence()
	metrics.LobbyPresence.Set(float64(len(l.presence)))
}

// Detach drops a lobby connection; presence survives while other tabs or a
// room connection keep the player online.
func (l *Lobby) Detach(_ context.Context, conn types.ClientConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	playerID := conn.GetPlayerID()
	remaining := l.conns[playerID][:0]
	for _, c := range l.conns[playerID] {
		if c != conn {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(l.conns, playerID)
	} else {
		l.conns[playerID] = remaining
	}

	entry, ok := l.presence[playerID]
	if !ok {
		return
	}
	entry.connCount--
	if entry.connCount <= 0 && entry.Status != types.PresenceInRoom {
		delete(l.presence, playerID)
	}

	l.broadcastPresence()
	metrics.LobbyPresence.Set(float64(len(l.presence)))
}

func (l *Lobby) broadcastPresence() {
	inRoom := 0
	for _, e := range l.presence {
		if e.Status == types.PresenceInRoom {
			inRoom++
		}
	}
	l.broadcast(protocol.EvtPresence, presenceEvent{
		OnlineCount: len(l.presence),
		InRoomCount: inRoom,
	})
}

func (l *Lobby) broadcast(eventType string, payload any) {
	data := protocol.MustEncode(eventType, payload)
	for _, cs := range l.conns {
		for _, c := range cs {
			c.SendRaw(data)
		}
	}
}

// sendToPlayer delivers an event to every lobby connection a player holds.
func (l *Lobby) sendToPlayer(playerID types.PlayerIDType, eventType string, payload any) bool {
	cs := l.conns[playerID]
	if len(cs) == 0 {
		return false
	}
	data := protocol.MustEncode(eventType, payload)
	for _, c := range cs {
		c.SendRaw(data)
	}
	return true
}

func (l *Lobby) sendError(conn types.ClientConn, code, message string) {
	conn.SendRaw(protocol.MustEncode(protocol.EvtError, protocol.ErrorPayload{Code: code, Message: message}))
}

func (l *Lobby) sendRoomsSnapshot(ctx context.Context, conn types.ClientConn) {
	rooms, err := l.directory.Public(ctx)
	if err != nil {
		l.log.Error("failed to read room directory", zap.Error(err))
		rooms = nil
	}
	conn.SendRaw(protocol.MustEncode(protocol.EvtRooms, struct {
		Rooms []directory.Entry `json:"rooms"`
	}{Rooms: rooms}))
}

// Shutdown closes every lobby connection and stops the waker.
func (l *Lobby) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	if l.waker != nil {
		l.waker.Stop()
	}
	var all []types.ClientConn
	for _, cs := range l.conns {
		all = append(all, cs...)
	}
	l.mu.Unlock()

	for _, c := range all {
		c.CloseWithCode(protocol.CloseNormal, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
