package session

import (
	"github.com/hyakulive/hyakulive/internal/protocol"
	"github.com/hyakulive/hyakulive/internal/room"
)

// Sink receives display directives from the session. Implementations belong
// to the UI layer (terminal, canvas, ...) and must not call back into the
// session from inside a directive.
type Sink interface {
	// Status surfaces a one-line status/notice message.
	Status(text string)
	// Chat surfaces a chat line.
	Chat(from, message string)
	// RoomJoined fires once the server confirmed the join.
	RoomJoined(roomID string, role room.Role)
	// MembersChanged fires whenever either membership list changes.
	MembersChanged(players, spectators []room.Member)
	// BoardApplied replaces the rendered board.
	BoardApplied(letters []int, owners []string)
	// CardTaken marks one slot as owned.
	CardTaken(pos int, owner string)
	// RoleChanged fires on promotion/demotion so role-gated affordances can
	// be recomputed.
	RoleChanged(role room.Role)
	// GameStarted hides the start affordance and reveals the board.
	GameStarted()
	// GameFinished surfaces the winner (empty on a draw) and score counts.
	GameFinished(winner, label string, counts map[string]int)
	// Penalty surfaces a wrong-claim penalty count.
	Penalty(player string, count int)
	// CallAnnounced fires when the sequence engine starts reading a call.
	CallAnnounced(index int, call protocol.Call)
	// SequenceFinished fires when the reading sequence runs out.
	SequenceFinished()
	// ErrorNotice surfaces a protocol error message; never fatal.
	ErrorNotice(text string)
}

// NopSink discards every directive. Useful as an embedding default.
type NopSink struct{}

func (NopSink) Status(string)                             {}
func (NopSink) Chat(string, string)                       {}
func (NopSink) RoomJoined(string, room.Role)              {}
func (NopSink) MembersChanged([]room.Member, []room.Member) {}
func (NopSink) BoardApplied([]int, []string)              {}
func (NopSink) CardTaken(int, string)                     {}
func (NopSink) RoleChanged(room.Role)                     {}
func (NopSink) GameStarted()                              {}
func (NopSink) GameFinished(string, string, map[string]int) {}
func (NopSink) Penalty(string, int)                       {}
func (NopSink) CallAnnounced(int, protocol.Call)          {}
func (NopSink) SequenceFinished()                         {}
func (NopSink) ErrorNotice(string)                        {}
