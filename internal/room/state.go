// Package room holds the client-side view of a room: identity, membership,
// board contents, and the last snapshot pushed by the server.
package room

import (
	"github.com/hyakulive/hyakulive/internal/protocol"
)

// Role classifies the local participant.
type Role string

const (
	RoleNone      Role = "none"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Member is one entry in a membership list, ordered by arrival.
type Member struct {
	ID   string
	Name string
}

// State is the mutable room view owned by a session. It is not safe for
// concurrent use; the session serializes access.
type State struct {
	RoomID      string
	Role        Role
	PlayerID    string
	SpectatorID string
	Name        string

	Started    bool
	Players    []Member
	Spectators []Member

	// Board contents, valid once a snapshot has been applied.
	CardLetters []int
	Owners      []string

	// Pending holds the last full snapshot; it is consumed when the game
	// starts.
	Pending *protocol.RoomSnapshot

	// leaveWaiter is a one-shot callback armed by the UI before it sends a
	// leave, so the own-departure event confirms the leave instead of being
	// reported as a third-party departure.
	leaveWaiter func()
}

// New returns an empty room state.
func New() *State {
	return &State{Role: RoleNone}
}

// Reset discards everything; used on leave, back-to-lobby, and transport
// close.
func (s *State) Reset() {
	*s = State{Role: RoleNone}
}

// ApplyIdentity adopts the server-assigned identity. A player id takes
// precedence over a spectator id when both are present.
func (s *State) ApplyIdentity(you *protocol.Identity) {
	if you == nil {
		return
	}
	if you.Name != "" {
		s.Name = you.Name
	}
	switch {
	case you.PlayerID != "":
		s.PlayerID = you.PlayerID
		s.SpectatorID = ""
		s.Role = RolePlayer
	case you.SpectatorID != "":
		s.SpectatorID = you.SpectatorID
		s.PlayerID = ""
		s.Role = RoleSpectator
	default:
		s.Role = RoleNone
	}
}

// SetRole applies a promote/demote decision. Identity ids are updated by the
// accompanying ApplyIdentity call; SetRole exists so an upgrade-in-place
// keeps history.
func (s *State) SetRole(role Role) {
	s.Role = role
}

// AddPlayer appends a player if the id is not already present.
func (s *State) AddPlayer(id, name string) bool {
	for _, m := range s.Players {
		if m.ID == id {
			return false
		}
	}
	s.Players = append(s.Players, Member{ID: id, Name: name})
	return true
}

// AddSpectator appends a spectator if the id is not already present.
func (s *State) AddSpectator(id, name string) bool {
	for _, m := range s.Spectators {
		if m.ID == id {
			return false
		}
	}
	s.Spectators = append(s.Spectators, Member{ID: id, Name: name})
	return true
}

// RemovePlayer removes a player by id; no-op if absent.
func (s *State) RemovePlayer(id string) bool {
	for i, m := range s.Players {
		if m.ID == id {
			s.Players = append(s.Players[:i], s.Players[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveSpectator removes a spectator by id; no-op if absent.
func (s *State) RemoveSpectator(id string) bool {
	for i, m := range s.Spectators {
		if m.ID == id {
			s.Spectators = append(s.Spectators[:i], s.Spectators[i+1:]...)
			return true
		}
	}
	return false
}

// StoreSnapshot keeps snap as the pending snapshot and replaces the
// membership lists with the snapshot's.
func (s *State) StoreSnapshot(snap *protocol.RoomSnapshot) {
	s.Pending = snap
	if snap == nil {
		return
	}
	if snap.RoomID != "" {
		s.RoomID = snap.RoomID
	}
	s.Players = s.Players[:0]
	for _, p := range snap.Players {
		s.Players = append(s.Players, Member{ID: p.PlayerID, Name: p.Name})
	}
	s.Spectators = s.Spectators[:0]
	for _, sp := range snap.Spectators {
		s.Spectators = append(s.Spectators, Member{ID: sp.SpectatorID, Name: sp.Name})
	}
}

// MergeSnapshot folds board data from an unrecognized message into the
// pending snapshot, best effort.
func (s *State) MergeSnapshot(snap *protocol.RoomSnapshot) {
	if snap == nil {
		return
	}
	if s.Pending == nil {
		s.StoreSnapshot(snap)
		return
	}
	if len(snap.Owners) == protocol.BoardSize {
		s.Pending.Owners = snap.Owners
	}
	if len(snap.CardLetters) == protocol.BoardSize {
		s.Pending.CardLetters = snap.CardLetters
	}
	if len(snap.PlaySequence) > 0 {
		s.Pending.PlaySequence = snap.PlaySequence
	}
	if snap.PlayAt != "" {
		s.Pending.PlayAt = snap.PlayAt
	}
	if snap.PlayIdx != nil {
		s.Pending.PlayIdx = snap.PlayIdx
	}
}

// ApplyBoard copies the pending snapshot's board onto the live board.
// Returns false when there is nothing to apply.
func (s *State) ApplyBoard() bool {
	if s.Pending == nil {
		return false
	}
	s.CardLetters = append([]int(nil), s.Pending.CardLetters...)
	s.Owners = append([]string(nil), s.Pending.Owners...)
	return true
}

// SetOwner marks board slot pos as owned; no-op for out-of-range positions.
func (s *State) SetOwner(pos int, owner string) bool {
	if pos < 0 || pos >= len(s.Owners) {
		return false
	}
	s.Owners[pos] = owner
	return true
}

// OwnID returns the id matching the current role.
func (s *State) OwnID() string {
	switch s.Role {
	case RolePlayer:
		return s.PlayerID
	case RoleSpectator:
		return s.SpectatorID
	}
	return ""
}

// ArmLeaveWaiter registers a one-shot callback fired when this client's own
// departure event arrives.
func (s *State) ArmLeaveWaiter(fn func()) {
	s.leaveWaiter = fn
}

// ResolveLeave fires the armed leave waiter if the event is this client's
// own player_left/spectator_left. Returns true when the event was consumed
// as a leave confirmation.
func (s *State) ResolveLeave(eventType protocol.EventType, id string) bool {
	if s.leaveWaiter == nil || id == "" {
		return false
	}
	own := (eventType == protocol.EventTypePlayerLeft && id == s.PlayerID) ||
		(eventType == protocol.EventTypeSpectatorLeft && id == s.SpectatorID)
	if !own {
		return false
	}
	fn := s.leaveWaiter
	s.leaveWaiter = nil
	fn()
	return true
}
