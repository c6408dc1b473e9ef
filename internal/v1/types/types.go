package types

import (
	"context"
	"time"

	"github.com/playdicee/dicee-server/internal/v1/auth"
)

// --- Core Domain Types ---

// PlayerIDType is the stable identity of a player, taken from the JWT subject.
type PlayerIDType string

// RoomCodeType is a normalised six-character room code.
type RoomCodeType string

// DisplayNameType is the human-readable name for a player.
type DisplayNameType string

// RoleType defines how a connection is attached to a room.
type RoleType string

const (
	RoleTypePlayer    RoleType = "player"
	RoleTypeSpectator RoleType = "spectator"
)

// RoomStateType is the lifecycle state of a room.
type RoomStateType string

const (
	RoomStateWaiting   RoomStateType = "waiting"
	RoomStateStarting  RoomStateType = "starting"
	RoomStatePlaying   RoomStateType = "playing"
	RoomStatePaused    RoomStateType = "paused"
	RoomStateCompleted RoomStateType = "completed"
	RoomStateAbandoned RoomStateType = "abandoned"
)

// RoomConfig holds the host-chosen settings of a room.
type RoomConfig struct {
	Public             bool `json:"public"`
	AllowSpectators    bool `json:"allowSpectators"`
	MaxPlayers         int  `json:"maxPlayers"`         // 2..4
	TurnTimeoutSeconds int  `json:"turnTimeoutSeconds"` // 0 disables the turn clock
}

// Normalize clamps a client-supplied config into the supported ranges.
func (c RoomConfig) Normalize() RoomConfig {
	if c.MaxPlayers < 2 {
		c.MaxPlayers = 2
	}
	if c.MaxPlayers > 4 {
		c.MaxPlayers = 4
	}
	if c.TurnTimeoutSeconds < 0 {
		c.TurnTimeoutSeconds = 0
	}
	if c.TurnTimeoutSeconds > 300 {
		c.TurnTimeoutSeconds = 300
	}
	return c
}

// RoomStatusType is the directory-facing status of a room.
type RoomStatusType string

const (
	RoomStatusWaiting  RoomStatusType = "waiting"
	RoomStatusPlaying  RoomStatusType = "playing"
	RoomStatusFinished RoomStatusType = "finished"
	RoomStatusClosed   RoomStatusType = "closed"
)

// RoomStatusUpdate is the payload a room pushes to the lobby directory
// whenever its listing-relevant state changes.
type RoomStatusUpdate struct {
	Code           RoomCodeType   `json:"code"`
	Status         RoomStatusType `json:"status"`
	PlayerCount    int            `json:"playerCount"`
	SpectatorCount int            `json:"spectatorCount"`
	MaxPlayers     int            `json:"maxPlayers"`
	HostID         PlayerIDType   `json:"hostId"`
	HostName       DisplayNameType `json:"hostName"`
	IsPublic       bool           `json:"isPublic"`
	RoundNumber    int            `json:"roundNumber"`
}

// PresenceStatusType describes a player's availability in the lobby.
type PresenceStatusType string

const (
	PresenceAvailable PresenceStatusType = "available"
	PresenceInRoom    PresenceStatusType = "in_room"
)

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientConn is the behavior a room or lobby needs from an attached connection.
// The transport package implements it; keeping it here breaks the
// room <-> transport dependency cycle.
type ClientConn interface {
	GetPlayerID() PlayerIDType
	GetDisplayName() DisplayNameType
	GetAvatarSeed() string
	GetRole() RoleType
	SetRole(RoleType)
	SendRaw(data []byte)
	CloseWithCode(code int, reason string)
}

// LobbyNotifier is the room -> lobby half of the cross-actor RPC surface.
// Rooms hold this handle instead of a structural lobby reference.
type LobbyNotifier interface {
	RoomStatus(ctx context.Context, update RoomStatusUpdate)
	PlayerLocation(ctx context.Context, playerID PlayerIDType, roomCode RoomCodeType, inRoom bool)
}

// Clock abstracts time for actors so tests can drive timeouts deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a func to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// WallClock is the production clock.
var WallClock Clock = ClockFunc(time.Now)
