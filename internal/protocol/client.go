package protocol

import "encoding/json"

// ClientMessage is the envelope for every client-to-server message.
type ClientMessage struct {
	Type        string          `json:"type"`
	RoomID      string          `json:"room_id,omitempty"`
	Role        string          `json:"role,omitempty"`
	Name        string          `json:"name,omitempty"`
	ID          string          `json:"id,omitempty"`
	PlayerID    string          `json:"player_id,omitempty"`
	SpectatorID string          `json:"spectator_id,omitempty"`
	Action      string          `json:"action,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Index       *int            `json:"index,omitempty"`
}

// Client message types.
const (
	MsgTypeJoin            = "join"
	MsgTypeLeave           = "leave"
	MsgTypeBecomePlayer    = "become_player"
	MsgTypeBecomeSpectator = "become_spectator"
	MsgTypeAction          = "action"
	MsgTypeChat            = "chat"
	MsgTypePlayAck         = "play_ack"
)

// NewJoin builds a join message. roomID may be empty to request a fresh room.
func NewJoin(roomID, role, name string) ClientMessage {
	return ClientMessage{Type: MsgTypeJoin, RoomID: roomID, Role: role, Name: name}
}

// NewLeave builds a graceful leave for the given role and id.
func NewLeave(role, id string) ClientMessage {
	return ClientMessage{Type: MsgTypeLeave, Role: role, ID: id}
}

// NewBecomePlayer asks the server to promote the spectator to a player seat.
func NewBecomePlayer(spectatorID string) ClientMessage {
	return ClientMessage{Type: MsgTypeBecomePlayer, SpectatorID: spectatorID}
}

// NewBecomeSpectator asks the server to demote the player to a spectator.
func NewBecomeSpectator(playerID string) ClientMessage {
	return ClientMessage{Type: MsgTypeBecomeSpectator, PlayerID: playerID}
}

// NewTake builds a take action claiming board slot pos for playerName.
func NewTake(playerID string, pos int, playerName string) ClientMessage {
	body, _ := json.Marshal(TakePayload{ID: pos, Player: playerName})
	return ClientMessage{Type: MsgTypeAction, PlayerID: playerID, Action: ActionTake, Payload: body}
}

// NewStart builds a start action.
func NewStart(playerID string) ClientMessage {
	return ClientMessage{Type: MsgTypeAction, PlayerID: playerID, Action: ActionStart}
}

// NewMistake builds a mistake (wrong claim) report.
func NewMistake(playerID string) ClientMessage {
	return ClientMessage{Type: MsgTypeAction, PlayerID: playerID, Action: ActionMistake}
}

// NewChat builds a chat message from the given sender identity (either id may
// be empty).
func NewChat(playerID, spectatorID, message string) ClientMessage {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	return ClientMessage{Type: MsgTypeChat, PlayerID: playerID, SpectatorID: spectatorID, Payload: body}
}

// NewPlayAck acknowledges local completion of the call at index.
func NewPlayAck(playerID string, index int) ClientMessage {
	return ClientMessage{Type: MsgTypePlayAck, PlayerID: playerID, Index: &index}
}
