package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playdicee/dicee-server/internal/v1/auth"
	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// stubValidator treats the token itself as the player id; "bad" fails.
type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (*auth.CustomClaims, error) {
	if token == "bad" {
		return nil, errors.New("signature invalid")
	}
	return &auth.CustomClaims{
		DisplayName:      "Player " + token,
		AvatarSeed:       token + "-seed",
		RegisteredClaims: jwt.RegisteredClaims{Subject: token},
	}, nil
}

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	st, err := store.NewStore(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := NewHub(stubValidator{}, st, nil, Options{
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	router := gin.New()
	router.GET("/ws/lobby", h.ServeLobbyWs)
	router.GET("/ws/room/:code", h.ServeRoomWs)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	return &hubFixture{hub: h, server: server}
}

func (f *hubFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func (f *hubFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, eventType string) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == eventType {
			return msg
		}
	}
}

func TestLobbyUpgradeRequiresToken(t *testing.T) {
	f := newHubFixture(t)

	resp, err := http.Get(f.server.URL + "/ws/lobby")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLobbyUpgradeRejectsBadToken(t *testing.T) {
	f := newHubFixture(t)

	resp, err := http.Get(f.server.URL + "/ws/lobby?token=bad")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeRejectsUnlistedOrigin(t *testing.T) {
	f := newHubFixture(t)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/lobby?token=p1"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLobbyConnectReceivesRoomsSnapshot(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, "/ws/lobby?token=p1")
	msg := readEvent(t, conn, protocol.EvtRooms)
	assert.Equal(t, protocol.EvtRooms, msg.Type)
}

func TestMalformedRoomCodeIsNotFound(t *testing.T) {
	f := newHubFixture(t)

	resp, err := http.Get(f.server.URL + "/ws/room/abc?token=p1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownRoomClosesWith4004(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, "/ws/room/ZZZZZZ?token=p1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseRoomNotFound, closeErr.Code)
}

func TestCreateThenJoinRoom(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	code, err := f.hub.CreateRoom(ctx, types.RoomConfig{MaxPlayers: 4, Public: true}, "p1")
	require.NoError(t, err)
	require.True(t, protocol.ValidRoomCode(string(code)))

	conn := f.dial(t, "/ws/room/"+string(code)+"?token=p1")
	msg := readEvent(t, conn, protocol.EvtRoomState)

	var snapshot struct {
		Code types.RoomCodeType `json:"code"`
		You  struct {
			PlayerID types.PlayerIDType `json:"playerId"`
			Role     types.RoleType     `json:"role"`
		} `json:"you"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &snapshot))
	assert.Equal(t, code, snapshot.Code)
	assert.Equal(t, types.PlayerIDType("p1"), snapshot.You.PlayerID)
	assert.Equal(t, types.RoleTypePlayer, snapshot.You.Role)
}

func TestCreateRoomCodesAreUnique(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	seen := make(map[types.RoomCodeType]bool)
	for i := 0; i < 5; i++ {
		code, err := f.hub.CreateRoom(ctx, types.RoomConfig{MaxPlayers: 2}, "p1")
		require.NoError(t, err)
		assert.False(t, seen[code])
		seen[code] = true
	}
}
