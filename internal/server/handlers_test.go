package server

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewHub(clockwork.NewRealClock(), rand.New(rand.NewSource(7)), 0)
	s := NewServer(hub)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListAndGetRooms(t *testing.T) {
	_, ts := newTestServer(t)

	var list struct {
		Rooms []roomInfo `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/rooms", &list))
	require.Len(t, list.Rooms, FixedRoomCount)
	assert.Equal(t, "room01", list.Rooms[0].RoomID)
	assert.Equal(t, "room10", list.Rooms[len(list.Rooms)-1].RoomID)

	var info roomInfo
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/rooms/room03", &info))
	assert.Equal(t, "room03", info.RoomID)
	assert.Len(t, info.CardLetters, protocol.BoardSize)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/rooms/nowhere", nil))
}

func TestEventsEndpoint(t *testing.T) {
	s, ts := newTestServer(t)

	room, ok := s.hub.Room("room01")
	require.True(t, ok)
	c := newTestConn()
	_, err := room.joinPlayer(c, "alice")
	require.NoError(t, err)
	room.chat(c, "one")
	room.chat(c, "two")

	var body struct {
		Events []*protocol.ServerMessage `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/rooms/room01/events?since_id=1", &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, 2, body.Events[0].ID)
	assert.Equal(t, protocol.EventTypeChatMessage, body.Events[0].Type)
	assert.Equal(t, 3, body.Events[1].ID)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/rooms/room01/events?since_id=99", &body))
	assert.Empty(t, body.Events)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/rooms/room01/events?since_id=abc", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/rooms/nowhere/events", nil))
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) *protocol.ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg protocol.ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestWebSocketJoinHandshake(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts)

	require.NoError(t, ws.WriteJSON(protocol.NewJoin("room02", "player", "alice")))

	joined := readMessage(t, ws)
	require.Equal(t, protocol.EventTypeJoined, joined.Type)
	assert.Equal(t, "room02", joined.RoomID)
	require.NotNil(t, joined.You)
	assert.Equal(t, "player", joined.You.Role)
	assert.NotEmpty(t, joined.You.PlayerID)
	assert.NotEmpty(t, joined.ServerTS)

	snap := readMessage(t, ws)
	require.Equal(t, protocol.EventTypeSnapshot, snap.Type)
	require.NotNil(t, snap.Room)
	assert.Equal(t, "room02", snap.Room.RoomID)
	assert.Len(t, snap.Room.Players, 1)
	assert.Greater(t, snap.NextEventID, 1)

	require.NoError(t, ws.WriteJSON(protocol.NewChat(joined.You.PlayerID, "", "hello")))
	chat := readMessage(t, ws)
	require.Equal(t, protocol.EventTypeChatMessage, chat.Type)
	payload, err := protocol.ParseEventPayload(chat)
	require.NoError(t, err)
	assert.Equal(t, "hello", payload.(protocol.ChatMessagePayload).Message)
}

func TestWebSocketDefaultRoleIsSpectator(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts)

	// No role in the join: the client watches until it asks for a seat.
	require.NoError(t, ws.WriteJSON(protocol.NewJoin("room02", "", "carol")))

	joined := readMessage(t, ws)
	require.Equal(t, protocol.EventTypeJoined, joined.Type)
	require.NotNil(t, joined.You)
	assert.Equal(t, "spectator", joined.You.Role)
	assert.NotEmpty(t, joined.You.SpectatorID)
	assert.Empty(t, joined.You.PlayerID)

	snap := readMessage(t, ws)
	require.Equal(t, protocol.EventTypeSnapshot, snap.Type)
	require.NotNil(t, snap.Room)
	assert.Empty(t, snap.Room.Players)
	assert.Len(t, snap.Room.Spectators, 1)
}

func TestWebSocketRejectsNonJoinFirst(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts)

	require.NoError(t, ws.WriteJSON(protocol.NewChat("p1", "", "too soon")))

	msg := readMessage(t, ws)
	require.Equal(t, protocol.EventTypeError, msg.Type)
	assert.Contains(t, msg.Error, "join")
}
