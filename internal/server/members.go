package server

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

// joinPlayer seats a new player and returns the private joined+snapshot
// messages for the caller; the player_joined event has already been
// broadcast to everyone else.
func (r *Room) joinPlayer(c *conn, name string) ([]*protocol.ServerMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.players) >= r.maxPlayers {
		return nil, fmt.Errorf("room %s is full", r.id)
	}

	p := &player{
		PlayerID: uuid.NewString(),
		Name:     name,
		Slot:     r.freeSlot(),
		JoinedAt: r.clock.Now(),
	}
	r.players = append(r.players, p)
	c.playerID = p.PlayerID
	c.name = name

	evt := r.addEvent(protocol.EventTypePlayerJoined, protocol.PlayerJoinedPayload{
		PlayerID: p.PlayerID,
		Name:     p.Name,
		Slot:     p.Slot,
	})
	r.broadcastLocked(evt)
	r.conns[c] = struct{}{}

	joined := &protocol.ServerMessage{
		Type:     protocol.EventTypeJoined,
		ServerTS: protocol.FormatTimestamp(r.clock.Now()),
		RoomID:   r.id,
		You:      &protocol.Identity{Role: "player", PlayerID: p.PlayerID, Name: name},
	}
	return []*protocol.ServerMessage{joined, r.snapshotMessageLocked()}, nil
}

// joinSpectator registers a new spectator, mirroring joinPlayer.
func (r *Room) joinSpectator(c *conn, name string) ([]*protocol.ServerMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &spectator{
		SpectatorID: uuid.NewString(),
		Name:        name,
		JoinedAt:    r.clock.Now(),
	}
	r.spectators = append(r.spectators, s)
	c.spectatorID = s.SpectatorID
	c.name = name

	evt := r.addEvent(protocol.EventTypeSpectatorJoined, protocol.SpectatorJoinedPayload{
		SpectatorID: s.SpectatorID,
		Name:        s.Name,
	})
	r.broadcastLocked(evt)
	r.conns[c] = struct{}{}

	joined := &protocol.ServerMessage{
		Type:     protocol.EventTypeJoined,
		ServerTS: protocol.FormatTimestamp(r.clock.Now()),
		RoomID:   r.id,
		You:      &protocol.Identity{Role: "spectator", SpectatorID: s.SpectatorID, Name: name},
	}
	return []*protocol.ServerMessage{joined, r.snapshotMessageLocked()}, nil
}

// leave removes whatever identity the connection holds and broadcasts the
// departure. The departure event reaches the leaver too, which is how the
// client confirms its own graceful leave. Safe to call on disconnect.
func (r *Room) leave(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c)
}

func (r *Room) leaveLocked(c *conn) {
	if c.playerID != "" {
		if p := r.findPlayer(c.playerID); p != nil {
			r.removePlayerLocked(p)
			evt := r.addEvent(protocol.EventTypePlayerLeft, protocol.PlayerLeftPayload{PlayerID: p.PlayerID})
			r.broadcastLocked(evt)
			// The leaver may have been the last outstanding acker.
			r.advanceIfAckedLocked()
		}
		c.playerID = ""
	}
	if c.spectatorID != "" {
		if s := r.findSpectator(c.spectatorID); s != nil {
			r.removeSpectatorLocked(s)
			evt := r.addEvent(protocol.EventTypeSpectatorLeft, protocol.SpectatorLeftPayload{SpectatorID: s.SpectatorID})
			r.broadcastLocked(evt)
		}
		c.spectatorID = ""
	}
	delete(r.conns, c)
}

// removePlayerLocked drops p from the seat list and releases any board slots
// held under their name. Caller holds mu.
func (r *Room) removePlayerLocked(p *player) {
	for i, other := range r.players {
		if other.PlayerID == p.PlayerID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			break
		}
	}
	for i, owner := range r.owners {
		if owner == p.Name {
			r.owners[i] = ""
		}
	}
	delete(r.penalties, p.Name)
	delete(r.ackNeeded, p.PlayerID)
}

func (r *Room) removeSpectatorLocked(s *spectator) {
	for i, other := range r.spectators {
		if other.SpectatorID == s.SpectatorID {
			r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
			break
		}
	}
}

// becomePlayer promotes the connection's spectator identity to a player
// seat. Returns the private confirmation messages for the caller.
func (r *Room) becomePlayer(c *conn) ([]*protocol.ServerMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findSpectator(c.spectatorID)
	if s == nil {
		return nil, fmt.Errorf("not a spectator in room %s", r.id)
	}
	if len(r.players) >= r.maxPlayers {
		return nil, fmt.Errorf("room %s is full", r.id)
	}

	r.removeSpectatorLocked(s)
	r.broadcastLocked(r.addEvent(protocol.EventTypeSpectatorLeft, protocol.SpectatorLeftPayload{
		SpectatorID: s.SpectatorID,
	}))

	p := &player{
		PlayerID: uuid.NewString(),
		Name:     s.Name,
		Slot:     r.freeSlot(),
		JoinedAt: r.clock.Now(),
	}
	r.players = append(r.players, p)
	c.spectatorID = ""
	c.playerID = p.PlayerID

	r.broadcastLocked(r.addEvent(protocol.EventTypePlayerJoined, protocol.PlayerJoinedPayload{
		PlayerID: p.PlayerID,
		Name:     p.Name,
		Slot:     p.Slot,
	}))

	// The promotion itself is confirmed privately; bystanders only see the
	// membership events above.
	confirm := &protocol.ServerMessage{
		Type:     protocol.EventTypePromoted,
		ServerTS: protocol.FormatTimestamp(r.clock.Now()),
		RoomID:   r.id,
		You:      &protocol.Identity{Role: "player", PlayerID: p.PlayerID, Name: p.Name},
	}
	return []*protocol.ServerMessage{confirm, r.snapshotMessageLocked()}, nil
}

// becomeSpectator demotes the connection's player identity to a spectator,
// releasing any cards held under their name.
func (r *Room) becomeSpectator(c *conn) ([]*protocol.ServerMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findPlayer(c.playerID)
	if p == nil {
		return nil, fmt.Errorf("not a player in room %s", r.id)
	}

	r.removePlayerLocked(p)
	r.broadcastLocked(r.addEvent(protocol.EventTypePlayerLeft, protocol.PlayerLeftPayload{
		PlayerID: p.PlayerID,
	}))
	r.advanceIfAckedLocked()

	s := &spectator{
		SpectatorID: uuid.NewString(),
		Name:        p.Name,
		JoinedAt:    r.clock.Now(),
	}
	r.spectators = append(r.spectators, s)
	c.playerID = ""
	c.spectatorID = s.SpectatorID

	r.broadcastLocked(r.addEvent(protocol.EventTypeSpectatorJoined, protocol.SpectatorJoinedPayload{
		SpectatorID: s.SpectatorID,
		Name:        s.Name,
	}))

	confirm := &protocol.ServerMessage{
		Type:     protocol.EventTypeDemoted,
		ServerTS: protocol.FormatTimestamp(r.clock.Now()),
		RoomID:   r.id,
		You:      &protocol.Identity{Role: "spectator", SpectatorID: s.SpectatorID, Name: s.Name},
	}
	return []*protocol.ServerMessage{confirm, r.snapshotMessageLocked()}, nil
}

// chat relays a chat line from the connection's identity to the room.
func (r *Room) chat(c *conn, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := c.name
	if from == "" {
		from = "anonymous"
	}
	evt := r.addEvent(protocol.EventTypeChatMessage, protocol.ChatMessagePayload{
		From:    from,
		Message: message,
	})
	r.broadcastLocked(evt)
}

// action dispatches a player_action (take, start, mistake) from the
// connection. Returns an error string to relay privately on rejection.
func (r *Room) action(c *conn, action string, payload []byte) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	actor := r.findPlayer(c.playerID)
	if actor == nil {
		return "only players can act"
	}

	switch action {
	case protocol.ActionTake:
		var take protocol.TakePayload
		take.ID = -1
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &take); err != nil {
				return "malformed take payload"
			}
		}
		errMsg, events := r.handleTake(actor, take.ID, take.Player)
		if errMsg != "" {
			return errMsg
		}
		for _, evt := range events {
			r.broadcastLocked(evt)
		}

	case protocol.ActionStart:
		if r.started {
			return "game already started"
		}
		for _, evt := range r.handleStart(actor) {
			r.broadcastLocked(evt)
		}

	case protocol.ActionMistake:
		r.broadcastLocked(r.handleMistake(actor))

	default:
		return "unknown action"
	}
	return ""
}
