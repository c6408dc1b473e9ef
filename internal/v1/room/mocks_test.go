package room

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/playdicee/dicee-server/internal/v1/protocol"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

// mockConn satisfies types.ClientConn and records everything sent to it.
type mockConn struct {
	id   types.PlayerIDType
	name types.DisplayNameType
	seed string

	mu          sync.Mutex
	role        types.RoleType
	frames      [][]byte
	closeCode   int
	closeReason string
}

func newMockConn(id, name string) *mockConn {
	return &mockConn{id: types.PlayerIDType(id), name: types.DisplayNameType(name), seed: id + "-seed"}
}

func (m *mockConn) GetPlayerID() types.PlayerIDType       { return m.id }
func (m *mockConn) GetDisplayName() types.DisplayNameType { return m.name }
func (m *mockConn) GetAvatarSeed() string                 { return m.seed }

func (m *mockConn) GetRole() types.RoleType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *mockConn) SetRole(role types.RoleType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = role
}

func (m *mockConn) SendRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
}

func (m *mockConn) CloseWithCode(code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCode = code
	m.closeReason = reason
}

func (m *mockConn) closedWith() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}

// events decodes every frame received so far.
func (m *mockConn) events(t *testing.T) []protocol.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Message, 0, len(m.frames))
	for _, f := range m.frames {
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(f, &msg))
		out = append(out, msg)
	}
	return out
}

// lastEvent returns the newest event of the given type, if any.
func (m *mockConn) lastEvent(t *testing.T, eventType string) (protocol.Message, bool) {
	t.Helper()
	evts := m.events(t)
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Type == eventType {
			return evts[i], true
		}
	}
	return protocol.Message{}, false
}

func (m *mockConn) hasEvent(t *testing.T, eventType string) bool {
	_, ok := m.lastEvent(t, eventType)
	return ok
}

func decodePayload[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

// manualWaker records wake instants; tests fire alarms by advancing the
// clock and calling onWake directly.
type manualWaker struct {
	mu   sync.Mutex
	next *time.Time
}

func (w *manualWaker) SetWake(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = &t
}

func (w *manualWaker) ClearWake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = nil
}

func (w *manualWaker) nextWake() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockLobby records notifications; safe for the notify goroutines.
type mockLobby struct {
	mu       sync.Mutex
	statuses []types.RoomStatusUpdate
}

func (l *mockLobby) RoomStatus(_ context.Context, update types.RoomStatusUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, update)
}

func (l *mockLobby) PlayerLocation(context.Context, types.PlayerIDType, types.RoomCodeType, bool) {}

func (l *mockLobby) last() (types.RoomStatusUpdate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return types.RoomStatusUpdate{}, false
	}
	return l.statuses[len(l.statuses)-1], true
}

type seededRng struct{ r *rand.Rand }

func (s *seededRng) Intn(n int) int { return s.r.Intn(n) }

type roomFixture struct {
	room  *Room
	clock *manualClock
	waker *manualWaker
	lobby *mockLobby
	store *store.Store
}

func newFixture(t *testing.T, config types.RoomConfig) *roomFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.NewStore(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &manualClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	waker := &manualWaker{}
	lobby := &mockLobby{}

	r := NewRoom("ABC234", config.Normalize(), Deps{
		Store: st,
		Lobby: lobby,
		Clock: clock,
		Rng:   &seededRng{r: rand.New(rand.NewSource(7))},
		Waker: waker,
	})
	t.Cleanup(func() { r.wg.Wait() })
	return &roomFixture{room: r, clock: clock, waker: waker, lobby: lobby, store: st}
}

func cmd(t *testing.T, cmdType string, payload any) []byte {
	t.Helper()
	if payload == nil {
		raw, err := json.Marshal(protocol.Message{Type: cmdType})
		require.NoError(t, err)
		return raw
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(protocol.Message{Type: cmdType, Payload: body})
	require.NoError(t, err)
	return raw
}

// seatTwo attaches two players and returns their conns (first is host).
func (f *roomFixture) seatTwo(t *testing.T) (*mockConn, *mockConn) {
	t.Helper()
	ctx := context.Background()
	host := newMockConn("p1", "Ada")
	guest := newMockConn("p2", "Grace")
	f.room.Attach(ctx, host, false)
	f.room.Attach(ctx, guest, false)
	return host, guest
}

// startTwoPlayerGame seats two players and starts the game.
func (f *roomFixture) startTwoPlayerGame(t *testing.T) (*mockConn, *mockConn) {
	t.Helper()
	host, guest := f.seatTwo(t)
	f.room.HandleMessage(context.Background(), host, cmd(t, protocol.CmdGameStart, nil))
	require.True(t, host.hasEvent(t, protocol.EvtGameStarted))
	return host, guest
}
