package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/logging"
	"github.com/playdicee/dicee-server/internal/v1/metrics"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// writeWait bounds how long a single frame write may block.
const writeWait = 10 * time.Second

// sendBuffer is the per-connection outbound queue depth. A client that
// cannot drain this many frames is dropping messages, not blocking the
// actor.
const sendBuffer = 256

// dropThreshold is how many frames in a row a connection may drop before it
// is closed as a slow consumer. The close surfaces as a normal disconnect,
// so the client resyncs through the reconnect snapshot.
const dropThreshold = 32

// wsConnection is the subset of *websocket.Conn the client uses; tests
// substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// session is the actor a client pumps frames into: a room or the lobby.
// Both expose the same message and detach surface.
type session interface {
	HandleMessage(ctx context.Context, conn types.ClientConn, raw []byte)
	Detach(ctx context.Context, conn types.ClientConn)
}

// Client binds one WebSocket to one actor. It implements types.ClientConn.
//
// Writes never happen on the caller's goroutine: SendRaw enqueues onto a
// buffered channel drained by writePump, and a full buffer drops the frame
// rather than stalling the room. A connection that never drains is closed
// after a bounded run of drops.
type Client struct {
	conn    wsConnection
	session session

	playerID    types.PlayerIDType
	displayName types.DisplayNameType
	avatarSeed  string

	mu          sync.RWMutex
	role        types.RoleType
	closed      bool
	closeCode   int
	closeReason string
	dropStreak  int

	send chan []byte
}

func newClient(conn wsConnection, sess session, playerID types.PlayerIDType, displayName types.DisplayNameType, avatarSeed string, role types.RoleType) *Client {
	return &Client{
		conn:        conn,
		session:     sess,
		playerID:    playerID,
		displayName: displayName,
		avatarSeed:  avatarSeed,
		role:        role,
		closeCode:   protocol.CloseNormal,
		send:        make(chan []byte, sendBuffer),
	}
}

func (c *Client) GetPlayerID() types.PlayerIDType       { return c.playerID }
func (c *Client) GetDisplayName() types.DisplayNameType { return c.displayName }
func (c *Client) GetAvatarSeed() string                 { return c.avatarSeed }

func (c *Client) GetRole() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) SetRole(role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// SendRaw enqueues a pre-encoded frame. Frames to a closed client or past a
// full buffer are dropped with a log line; the actor never blocks on a slow
// socket. A connection that keeps dropping is closed once the streak reaches
// dropThreshold.
func (c *Client) SendRaw(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	delivered := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Warn(context.Background(), "recovered from send on closing client",
					zap.String("player_id", string(c.playerID)), zap.Any("panic", r))
			}
		}()
		select {
		case c.send <- data:
		default:
			delivered = false
		}
	}()

	if delivered {
		c.dropStreak = 0
		c.mu.Unlock()
		return
	}
	c.dropStreak++
	slow := c.dropStreak >= dropThreshold
	c.mu.Unlock()

	logging.Warn(context.Background(), "client send buffer full, dropping frame",
		zap.String("player_id", string(c.playerID)))
	if slow {
		c.CloseWithCode(protocol.CloseNormal, "send buffer overflow")
	}
}

// CloseWithCode records the close frame to send and shuts the write side
// down. Safe to call more than once; the first code wins.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	close(c.send)
}

func (c *Client) closeFrame() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason
}

// readPump feeds inbound frames to the session until the socket dies, then
// detaches the client exactly once.
func (c *Client) readPump() {
	defer func() {
		c.CloseWithCode(protocol.CloseNormal, "")
		c.session.Detach(context.Background(), c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.session.HandleMessage(context.Background(), c, data)
	}
}

// writePump drains the send buffer onto the socket. When the buffer closes
// it flushes the recorded close frame so the browser sees the right code,
// then closes the connection, which also unblocks readPump.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		message, ok := <-c.send
		if !ok {
			code, reason := c.closeFrame()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing frame",
				zap.String("player_id", string(c.playerID)), zap.Error(err))
			return
		}
	}
}
