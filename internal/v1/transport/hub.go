// Package transport owns the WebSocket edge: authenticating upgrades,
// binding each socket to the lobby or a room actor, and the per-connection
// read/write pumps.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/auth"
	"github.com/playdicee/dicee-server/internal/v1/lobby"
	"github.com/playdicee/dicee-server/internal/v1/logging"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/ratelimit"
	"github.com/playdicee/dicee-server/internal/v1/room"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// codeAllocationAttempts bounds the retry loop when a freshly minted room
// code collides with a live or persisted room.
const codeAllocationAttempts = 5

// Hub is the connection gateway. It owns the room registry and the
// singleton lobby, and implements lobby.RoomCreator so create_room commands
// mint rooms here.
type Hub struct {
	mu    sync.Mutex
	rooms map[types.RoomCodeType]*room.Room

	lobby          *lobby.Lobby
	validator      types.TokenValidator
	store          *store.Store
	limiter        *ratelimit.RateLimiter
	roomSettings   room.Settings
	lobbySettings  lobby.Settings
	allowedOrigins []string
	log            *zap.Logger
}

// Options tunes the hub beyond its required collaborators.
type Options struct {
	RoomSettings   room.Settings
	LobbySettings  lobby.Settings
	AllowedOrigins []string
}

// NewHub wires the gateway: it constructs the lobby with itself as the room
// creator. store may be nil for ephemeral single-process deployments.
func NewHub(validator types.TokenValidator, st *store.Store, limiter *ratelimit.RateLimiter, opts Options) *Hub {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	}

	h := &Hub{
		rooms:          make(map[types.RoomCodeType]*room.Room),
		validator:      validator,
		store:          st,
		limiter:        limiter,
		roomSettings:   opts.RoomSettings,
		lobbySettings:  opts.LobbySettings,
		allowedOrigins: opts.AllowedOrigins,
		log:            logging.GetLogger().With(zap.String("component", "hub")),
	}
	h.lobby = lobby.NewLobby(lobby.Deps{
		Store:    st,
		Creator:  h,
		Settings: opts.LobbySettings,
	})
	return h
}

// Lobby exposes the singleton lobby actor.
func (h *Hub) Lobby() *lobby.Lobby { return h.lobby }

// CreateRoom implements lobby.RoomCreator: mint an unused code, build the
// actor, register it. The room announces itself to the directory when the
// host attaches.
func (h *Hub) CreateRoom(ctx context.Context, config types.RoomConfig, hostID types.PlayerIDType) (types.RoomCodeType, error) {
	config = config.Normalize()

	for attempt := 0; attempt < codeAllocationAttempts; attempt++ {
		raw, err := protocol.NewRoomCode()
		if err != nil {
			return "", err
		}
		code := types.RoomCodeType(raw)

		h.mu.Lock()
		_, live := h.rooms[code]
		h.mu.Unlock()
		if live {
			continue
		}
		if exists, err := room.Exists(ctx, h.store, code); err != nil {
			return "", err
		} else if exists {
			continue
		}

		r := h.buildRoom(code, config)
		h.mu.Lock()
		h.rooms[code] = r
		h.mu.Unlock()

		h.log.Info("room created",
			zap.String("room_code", string(code)),
			zap.String("host_id", string(hostID)))
		return code, nil
	}
	return "", errors.New("could not allocate an unused room code")
}

func (h *Hub) buildRoom(code types.RoomCodeType, config types.RoomConfig) *room.Room {
	return room.NewRoom(code, config, room.Deps{
		Store:    h.store,
		Lobby:    h.lobby,
		Settings: h.roomSettings,
		OnEmpty:  h.removeRoom,
	})
}

// lookupRoom resolves a code to a live actor, rehydrating from storage when
// a persisted room has no actor in this process yet. Returns nil when the
// room does not exist anywhere.
func (h *Hub) lookupRoom(ctx context.Context, code types.RoomCodeType) (*room.Room, error) {
	h.mu.Lock()
	if r, ok := h.rooms[code]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	exists, err := room.Exists(ctx, h.store, code)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Another connection may have rehydrated it while we checked storage.
	if r, ok := h.rooms[code]; ok {
		return r, nil
	}
	r := h.buildRoom(code, types.RoomConfig{})
	h.rooms[code] = r
	h.log.Info("room rehydrated from storage", zap.String("room_code", string(code)))
	return r, nil
}

// removeRoom drops a finished room from the registry. Invoked by the room
// actor after it has cleaned up its storage.
func (h *Hub) removeRoom(code types.RoomCodeType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, code)
	h.log.Info("room removed from registry", zap.String("room_code", string(code)))
}

// ServeLobbyWs handles GET /ws/lobby.
func (h *Hub) ServeLobbyWs(c *gin.Context) {
	claims, tokenResult, ok := h.authorize(c)
	if !ok {
		return
	}

	conn, err := h.upgradeWebSocket(c, tokenResult)
	if err != nil {
		return
	}

	client := h.buildClient(c, conn, h.lobby, claims, types.RoleTypePlayer)
	metrics.IncConnection()
	h.lobby.Attach(c.Request.Context(), client)
	go client.writePump()
	go client.readPump()
}

// ServeRoomWs handles GET /ws/room/:code. Malformed codes fail before the
// upgrade; codes that simply do not exist are answered with a 4004 close
// frame after it, so browser clients can read the code.
func (h *Hub) ServeRoomWs(c *gin.Context) {
	claims, tokenResult, ok := h.authorize(c)
	if !ok {
		return
	}

	code := types.RoomCodeType(protocol.NormalizeRoomCode(c.Param("code")))
	if !protocol.ValidRoomCode(string(code)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "malformed room code"})
		return
	}

	r, err := h.lookupRoom(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	conn, upgradeErr := h.upgradeWebSocket(c, tokenResult)
	if upgradeErr != nil {
		return
	}
	if r == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseRoomNotFound, "room not found"))
		_ = conn.Close()
		return
	}

	wantSpectator := c.Query("role") == string(types.RoleTypeSpectator)
	initialRole := types.RoleTypePlayer
	if wantSpectator {
		initialRole = types.RoleTypeSpectator
	}

	client := h.buildClient(c, conn, r, claims, initialRole)
	metrics.IncConnection()
	r.Attach(c.Request.Context(), client, wantSpectator)
	go client.writePump()
	go client.readPump()
}

func (h *Hub) buildClient(c *gin.Context, conn wsConnection, sess session, claims *auth.CustomClaims, role types.RoleType) *Client {
	displayName := claims.DisplayName
	if name := c.Query("name"); name != "" {
		displayName = name
	}
	if displayName == "" {
		displayName = claims.Subject
	}
	avatarSeed := claims.AvatarSeed
	if avatarSeed == "" {
		avatarSeed = claims.Subject
	}
	return newClient(conn, sess,
		types.PlayerIDType(claims.Subject),
		types.DisplayNameType(displayName),
		avatarSeed,
		role)
}

// Shutdown gracefully closes the lobby and every live room.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.lobby.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	logging.Info(ctx, "hub shut down", zap.Int("rooms_closed", len(rooms)))
	return firstErr
}
