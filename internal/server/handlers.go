package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

var errJoinExpected = errors.New("expected a join message first")

// Server exposes the hub over HTTP: the WebSocket endpoint plus the REST
// surface used for room listing and event backfill.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer wraps hub with its HTTP surface.
func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary dev origins; CORS on
			// the REST side is the real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the full route table, CORS-wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /rooms", s.handleListRooms)
	mux.HandleFunc("GET /rooms/{room_id}", s.handleGetRoom)
	mux.HandleFunc("GET /rooms/{room_id}/events", s.handleGetEvents)
	mux.HandleFunc("/ws", s.handleWS)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": s.hub.List()})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.hub.Room(r.PathValue("room_id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, room.info())
}

// handleGetEvents serves the backfill endpoint: every logged event with
// id > since_id, oldest first.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	room, ok := s.hub.Room(r.PathValue("room_id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}

	sinceID := 0
	if raw := r.URL.Query().Get("since_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since_id must be an integer"})
			return
		}
		sinceID = n
	}

	events := room.eventsSince(sinceID)
	if events == nil {
		events = []*protocol.ServerMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleWS upgrades the connection and runs its message loop. The first
// message must be a join; everything after is dispatched to the room.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws)
	go c.writePump()
	defer c.close()

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error { return nil })

	room, err := s.handshake(c)
	if err != nil {
		// Written directly: the deferred close would race a pump-queued
		// reply, and nothing else writes before the join succeeds.
		if data, merr := json.Marshal(&protocol.ServerMessage{
			Type:  protocol.EventTypeError,
			Error: err.Error(),
		}); merr == nil {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.TextMessage, data)
		}
		return
	}
	defer room.leave(c)

	log.Info().
		Str("room_id", room.ID()).
		Str("player_id", c.playerID).
		Str("spectator_id", c.spectatorID).
		Msg("client joined")

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("room_id", room.ID()).Msg("client connection dropped")
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "malformed message")
			continue
		}

		if done := s.dispatch(room, c, msg); done {
			return
		}
	}
}

// handshake reads the initial join and seats the connection.
func (s *Server) handshake(c *conn) (*Room, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errJoinExpected
	}
	if msg.Type != protocol.MsgTypeJoin {
		return nil, errJoinExpected
	}

	room, err := s.hub.Pick(msg.RoomID)
	if err != nil {
		return nil, err
	}

	name := msg.Name
	if name == "" {
		name = "guest"
	}

	// Anyone not explicitly asking for a seat watches from the side.
	var replies []*protocol.ServerMessage
	if msg.Role == "player" {
		replies, err = room.joinPlayer(c, name)
	} else {
		replies, err = room.joinSpectator(c, name)
	}
	if err != nil {
		return nil, err
	}

	for _, reply := range replies {
		s.sendTo(c, reply)
	}
	return room, nil
}

// dispatch handles one post-join message. Returns true when the connection
// should close.
func (s *Server) dispatch(room *Room, c *conn, msg protocol.ClientMessage) bool {
	switch msg.Type {
	case protocol.MsgTypeLeave:
		room.leave(c)
		return true

	case protocol.MsgTypeAction:
		if errMsg := room.action(c, msg.Action, msg.Payload); errMsg != "" {
			s.sendError(c, errMsg)
		}

	case protocol.MsgTypeChat:
		var body protocol.ChatMessagePayload
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &body)
		}
		room.chat(c, body.Message)

	case protocol.MsgTypeBecomePlayer:
		replies, err := room.becomePlayer(c)
		if err != nil {
			s.sendError(c, err.Error())
			return false
		}
		for _, reply := range replies {
			s.sendTo(c, reply)
		}

	case protocol.MsgTypeBecomeSpectator:
		replies, err := room.becomeSpectator(c)
		if err != nil {
			s.sendError(c, err.Error())
			return false
		}
		for _, reply := range replies {
			s.sendTo(c, reply)
		}

	case protocol.MsgTypePlayAck:
		if msg.Index != nil {
			room.handlePlayAck(c, c.playerID, *msg.Index)
		}

	default:
		s.sendError(c, "unknown message type")
	}
	return false
}

func (s *Server) sendTo(c *conn, msg *protocol.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal reply")
		return
	}
	c.enqueue(data)
}

func (s *Server) sendError(c *conn, text string) {
	s.sendTo(c, &protocol.ServerMessage{
		Type:  protocol.EventTypeError,
		Error: text,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
