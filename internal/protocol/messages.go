// Package protocol defines the JSON wire format spoken between the room
// server and its clients: the server-to-client event envelope, the
// client-to-server action messages, and the room snapshot exchanged on join
// and on game start.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType identifies a server-to-client message.
type EventType string

const (
	EventTypeJoined          EventType = "joined"
	EventTypeSnapshot        EventType = "snapshot"
	EventTypePlayerAction    EventType = "player_action"
	EventTypePlayerJoined    EventType = "player_joined"
	EventTypeSpectatorJoined EventType = "spectator_joined"
	EventTypePlayerLeft      EventType = "player_left"
	EventTypeSpectatorLeft   EventType = "spectator_left"
	EventTypePromoted        EventType = "promoted"
	EventTypeDemoted         EventType = "demoted"
	EventTypeChatMessage     EventType = "chat_message"
	EventTypePlayerPenalty   EventType = "player_penalty"
	EventTypeGameStarted     EventType = "game_started"
	EventTypeGameFinished    EventType = "game_finished"
	EventTypeError           EventType = "error"
	EventTypePlayContinue    EventType = "play_continue"
	EventTypePlayItem        EventType = "play_item"
)

// Player actions carried inside player_action events and outbound action
// messages.
const (
	ActionTake    = "take"
	ActionStart   = "start"
	ActionMistake = "mistake"
)

// BoardSize is the number of card slots on the board.
const BoardSize = 10

// LetterUniverse is the number of distinct card letters (0..99).
const LetterUniverse = 100

// DecoyCount is how many off-board letters a play sequence mixes in.
const DecoyCount = 9

// Call is one entry in the reading sequence. CardPos is nil for an off-board
// ("decoy") letter and names a board slot otherwise.
type Call struct {
	CardPos *int `json:"cardPos"`
	Letter  int  `json:"letter"`
}

// OnBoard reports whether the call refers to a card currently on the board.
func (c Call) OnBoard() bool { return c.CardPos != nil }

// Identity carries the client's own ids as assigned by the server. Exactly
// one of PlayerID/SpectatorID is set for a live role.
type Identity struct {
	Role        string `json:"role,omitempty"`
	PlayerID    string `json:"player_id,omitempty"`
	SpectatorID string `json:"spectator_id,omitempty"`
	Name        string `json:"name,omitempty"`
}

// PlayerInfo describes one player in a room snapshot.
type PlayerInfo struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Slot     int    `json:"slot"`
}

// SpectatorInfo describes one spectator in a room snapshot.
type SpectatorInfo struct {
	SpectatorID string `json:"spectator_id"`
	Name        string `json:"name"`
}

// RoomSnapshot is a full point-in-time description of room state, sent on
// join, on promotion/demotion, and when a game starts.
type RoomSnapshot struct {
	RoomID       string          `json:"room_id"`
	Players      []PlayerInfo    `json:"players"`
	Spectators   []SpectatorInfo `json:"spectators"`
	Owners       []string        `json:"owners"`
	CardLetters  []int           `json:"card_letters"`
	PlaySequence []Call          `json:"play_sequence,omitempty"`
	PlayAt       string          `json:"play_at,omitempty"`
	PlayIdx      *int            `json:"play_idx,omitempty"`
	Started      bool            `json:"started"`
}

// ServerMessage is the envelope for every server-to-client message. Which
// fields are populated depends on Type; Payload holds the event-specific
// body for broadcast events.
type ServerMessage struct {
	ID          int             `json:"id,omitempty"`
	Type        EventType       `json:"type"`
	ServerTS    string          `json:"server_ts,omitempty"`
	RoomID      string          `json:"room_id,omitempty"`
	You         *Identity       `json:"you,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Room        *RoomSnapshot   `json:"room,omitempty"`
	NextEventID int             `json:"next_event_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Index       *int            `json:"index,omitempty"`
}

// PlayerJoinedPayload is the body of a player_joined event.
type PlayerJoinedPayload struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Slot     int    `json:"slot"`
}

// SpectatorJoinedPayload is the body of a spectator_joined event.
type SpectatorJoinedPayload struct {
	SpectatorID string `json:"spectator_id"`
	Name        string `json:"name"`
}

// PlayerLeftPayload is the body of a player_left event.
type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
}

// SpectatorLeftPayload is the body of a spectator_left event.
type SpectatorLeftPayload struct {
	SpectatorID string `json:"spectator_id"`
}

// PlayerActionPayload is the body of a player_action event. Payload carries
// the action-specific body (TakePayload for take).
type PlayerActionPayload struct {
	PlayerID string          `json:"player_id"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// TakePayload is the body of a take action: board slot ID claimed by Player.
type TakePayload struct {
	ID     int    `json:"id"`
	Player string `json:"player"`
}

// GameStartedPayload is the body of a game_started event.
type GameStartedPayload struct {
	PlayerID     string `json:"player_id"`
	Player       string `json:"player"`
	PlaySequence []Call `json:"play_sequence"`
	PlayAt       string `json:"play_at,omitempty"`
}

// GameFinishedPayload is the body of a game_finished event. Winner is empty
// on a draw.
type GameFinishedPayload struct {
	Winner      string         `json:"winner,omitempty"`
	WinnerLabel string         `json:"winner_label,omitempty"`
	Counts      map[string]int `json:"counts"`
}

// ChatMessagePayload is the body of a chat_message event.
type ChatMessagePayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// PlayerPenaltyPayload is the body of a player_penalty event.
type PlayerPenaltyPayload struct {
	PlayerID  string `json:"player_id"`
	Player    string `json:"player"`
	Penalties int    `json:"penalties"`
}

// ParseEventPayload decodes the payload of a broadcast event into its typed
// struct. Unknown event types return (nil, nil).
func ParseEventPayload(msg *ServerMessage) (interface{}, error) {
	switch msg.Type {
	case EventTypePlayerJoined:
		var p PlayerJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeSpectatorJoined:
		var p SpectatorJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypePlayerLeft:
		var p PlayerLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeSpectatorLeft:
		var p SpectatorLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypePlayerAction:
		var p PlayerActionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeGameStarted:
		var p GameStartedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeGameFinished:
		var p GameFinishedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeChatMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypePlayerPenalty:
		var p PlayerPenaltyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, nil
	}
}

// ParseTimestamp parses a server timestamp (RFC3339 with fractional seconds,
// 'Z' suffix).
func ParseTimestamp(ts string) (time.Time, error) {
	return time.Parse(time.RFC3339, ts)
}

// FormatTimestamp renders t the way the server emits timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}
