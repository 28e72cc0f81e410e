package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyakulive/hyakulive/internal/protocol"
	"github.com/hyakulive/hyakulive/internal/room"
)

type recordSink struct {
	NopSink
	mu        sync.Mutex
	statuses  []string
	chats     []string
	taken     []int
	announced []int
	started   int
	finished  int
	joined    int
	roles     []room.Role
}

func (r *recordSink) Status(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *recordSink) Chat(from, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, from+": "+message)
}

func (r *recordSink) CardTaken(pos int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taken = append(r.taken, pos)
}

func (r *recordSink) CallAnnounced(index int, _ protocol.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = append(r.announced, index)
}

func (r *recordSink) GameStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordSink) GameFinished(string, string, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recordSink) RoomJoined(string, room.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined++
}

func (r *recordSink) RoleChanged(role room.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append(r.roles, role)
}

func (r *recordSink) chatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

func (r *recordSink) announcedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.announced)
}

type fakeGaps struct {
	mu    sync.Mutex
	rooms []string
	since []int
}

func (f *fakeGaps) FillGaps(_ context.Context, roomID string, sinceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
	f.since = append(f.since, sinceID)
	return nil
}

func (f *fakeGaps) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func mustPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func joinedMsg(roomID, playerID string) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Type:   protocol.EventTypeJoined,
		RoomID: roomID,
		You:    &protocol.Identity{Role: "player", PlayerID: playerID, Name: "alice"},
	}
}

func chatMsg(t *testing.T, id int, text string) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		ID:      id,
		Type:    protocol.EventTypeChatMessage,
		Payload: mustPayload(t, protocol.ChatMessagePayload{From: "bob", Message: text}),
	}
}

func takeMsg(t *testing.T, id, pos int, player string) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		ID:   id,
		Type: protocol.EventTypePlayerAction,
		Payload: mustPayload(t, protocol.PlayerActionPayload{
			PlayerID: "p2",
			Action:   protocol.ActionTake,
			Payload:  mustPayload(t, protocol.TakePayload{ID: pos, Player: player}),
		}),
	}
}

func tenLetters() []int { return []int{3, 14, 15, 92, 65, 35, 89, 79, 32, 38} }

func boardSnapshot(roomID string, started bool) *protocol.RoomSnapshot {
	return &protocol.RoomSnapshot{
		RoomID:      roomID,
		Players:     []protocol.PlayerInfo{{PlayerID: "p1", Name: "alice", Slot: 0}},
		Owners:      make([]string, protocol.BoardSize),
		CardLetters: tenLetters(),
		Started:     started,
	}
}

func fullSequence() []protocol.Call {
	var seq []protocol.Call
	for i, lt := range tenLetters() {
		pos := i
		seq = append(seq, protocol.Call{CardPos: &pos, Letter: lt})
	}
	for i := 0; i < protocol.DecoyCount; i++ {
		seq = append(seq, protocol.Call{Letter: 40 + i})
	}
	return seq
}

func TestHandleIsIdempotentPerEventID(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(chatMsg(t, 4, "hello"))
	s.HandleMessage(chatMsg(t, 4, "hello"))

	assert.Equal(t, 1, sink.chatCount(), "replayed event id must not re-apply")
}

func TestGapFillAppliesOnlyUnseenIDs(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(joinedMsg("room01", "p1"))
	for id := 1; id <= 5; id++ {
		s.HandleMessage(chatMsg(t, id, "live"))
	}
	require.Equal(t, 5, sink.chatCount())

	// Backfill overlaps the live stream: ids 3..5 are duplicates.
	for id := 3; id <= 7; id++ {
		s.HandleMessage(chatMsg(t, id, "backfill"))
	}

	assert.Equal(t, 7, sink.chatCount(), "only ids 6 and 7 applied from backfill")
}

func TestSnapshotTriggersGapFill(t *testing.T) {
	gaps := &fakeGaps{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: &recordSink{}, Gaps: gaps})

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{
		Type:        protocol.EventTypeSnapshot,
		Room:        boardSnapshot("room01", false),
		NextEventID: 6,
	})

	require.Eventually(t, func() bool { return gaps.count() == 1 }, time.Second, time.Millisecond)
	gaps.mu.Lock()
	defer gaps.mu.Unlock()
	assert.Equal(t, "room01", gaps.rooms[0])
	assert.Equal(t, 4, gaps.since[0], "since = lastSeen(5) - 1")
}

func TestScheduledStartScenario(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordSink{}
	s := New(Config{Clock: clock, Sink: sink})

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{
		Type: protocol.EventTypeSnapshot,
		Room: boardSnapshot("room01", false),
	})
	require.False(t, s.Started())

	playAt := protocol.FormatTimestamp(clock.Now().Add(2 * time.Second))
	s.HandleMessage(&protocol.ServerMessage{
		ID:   1,
		Type: protocol.EventTypeGameStarted,
		Payload: mustPayload(t, protocol.GameStartedPayload{
			PlayerID:     "p1",
			Player:       "alice",
			PlaySequence: fullSequence(),
			PlayAt:       playAt,
		}),
	})

	assert.True(t, s.Started(), "room state flips immediately")
	assert.Equal(t, 0, sink.announcedCount(), "no call before the scheduled time")

	clock.Advance(1900 * time.Millisecond)
	assert.Equal(t, 0, sink.announcedCount())

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return sink.announcedCount() == 1 },
		time.Second, time.Millisecond, "sequence starts once the scheduled time passes")
}

func TestOutOfTurnTakeAdvancesPendingCall(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordSink{}
	s := New(Config{Clock: clock, Sink: sink})

	seq := fullSequence() // board calls first, in slot order
	snap := boardSnapshot("room01", true)
	snap.PlaySequence = seq

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{Type: protocol.EventTypeSnapshot, Room: snap})

	require.True(t, s.Player().WaitingForTake())
	require.Equal(t, 0, s.Player().Pointer())

	// Another player claims the pending slot before we do.
	s.HandleMessage(takeMsg(t, 1, 0, "bob"))

	_, owners := s.Board()
	assert.Equal(t, "bob", owners[0], "ownership is recorded either way")

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return s.Player().Pointer() == 1 },
		time.Second, time.Millisecond, "the claim advances the engine after the grace delay")
}

func TestSnapshotMidGamePrimesAtResumeIndex(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	idx := 10
	snap := boardSnapshot("room01", true)
	snap.PlaySequence = fullSequence()
	snap.PlayIdx = &idx

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{Type: protocol.EventTypeSnapshot, Room: snap})

	assert.Equal(t, 10, s.Player().Pointer())
	assert.True(t, s.Player().WaitingForServer(), "late joiner must not race ahead")
	assert.Zero(t, sink.announcedCount())

	// The server's next lockstep signal resumes playback in place.
	s.HandleMessage(&protocol.ServerMessage{Type: protocol.EventTypePlayContinue, Index: &idx})
	assert.Equal(t, []int{10}, sink.announced)
}

func TestSpectatorFollowsSequenceFromStart(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(&protocol.ServerMessage{
		Type:   protocol.EventTypeJoined,
		RoomID: "room01",
		You:    &protocol.Identity{Role: "spectator", SpectatorID: "s1", Name: "carol"},
	})
	s.HandleMessage(&protocol.ServerMessage{
		Type: protocol.EventTypeSnapshot,
		Room: boardSnapshot("room01", false),
	})

	s.HandleMessage(&protocol.ServerMessage{
		ID:      1,
		Type:    protocol.EventTypeGameStarted,
		Payload: mustPayload(t, protocol.GameStartedPayload{PlaySequence: fullSequence()}),
	})

	// Spectators run the same engine from call 0; their acks are no-ops, so
	// the room's take and continue broadcasts pace them.
	assert.Equal(t, 1, sink.announcedCount(), "spectators hear the sequence from the first call")
	assert.True(t, s.Player().WaitingForTake())
}

func TestOwnLeaveIsConfirmedNotReported(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{
		ID:      1,
		Type:    protocol.EventTypePlayerJoined,
		Payload: mustPayload(t, protocol.PlayerJoinedPayload{PlayerID: "p1", Name: "alice", Slot: 0}),
	})

	confirmed := false
	s.ArmLeaveWaiter(func() { confirmed = true })

	statusesBefore := len(sink.statuses)
	s.HandleMessage(&protocol.ServerMessage{
		ID:      2,
		Type:    protocol.EventTypePlayerLeft,
		Payload: mustPayload(t, protocol.PlayerLeftPayload{PlayerID: "p1"}),
	})

	assert.True(t, confirmed)
	assert.Len(t, sink.statuses, statusesBefore, "own leave is not surfaced as a departure")
}

func TestGameFinishedStopsPlayback(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	snap := boardSnapshot("room01", true)
	snap.PlaySequence = fullSequence()

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{Type: protocol.EventTypeSnapshot, Room: snap})
	require.True(t, s.Player().Playing())

	s.HandleMessage(&protocol.ServerMessage{
		ID:   1,
		Type: protocol.EventTypeGameFinished,
		Payload: mustPayload(t, protocol.GameFinishedPayload{
			Winner: "alice", WinnerLabel: "A", Counts: map[string]int{"alice": 6, "bob": 3},
		}),
	})

	assert.False(t, s.Started())
	assert.False(t, s.Player().Playing())
	assert.Equal(t, 1, sink.finished)

	// Replay of the same finish is a duplicate.
	s.HandleMessage(&protocol.ServerMessage{
		ID:      1,
		Type:    protocol.EventTypeGameFinished,
		Payload: mustPayload(t, protocol.GameFinishedPayload{Counts: map[string]int{}}),
	})
	assert.Equal(t, 1, sink.finished)
}

func TestRejoinResetsLedgerScope(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(chatMsg(t, 1, "first room"))
	require.Equal(t, 1, sink.chatCount())

	// Event ids are scoped per room session: after a rejoin, id 1 is new.
	s.HandleMessage(joinedMsg("room02", "p9"))
	s.HandleMessage(chatMsg(t, 1, "second room"))

	assert.Equal(t, 2, sink.chatCount())
	assert.Equal(t, "room02", s.RoomID())
}

func TestPromoteDemoteUpdatesRole(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(&protocol.ServerMessage{
		Type:   protocol.EventTypeJoined,
		RoomID: "room01",
		You:    &protocol.Identity{Role: "spectator", SpectatorID: "s1", Name: "carol"},
	})
	role, id := s.Identity()
	require.Equal(t, room.RoleSpectator, role)
	require.Equal(t, "s1", id)

	s.HandleMessage(&protocol.ServerMessage{
		Type: protocol.EventTypePromoted,
		You:  &protocol.Identity{Role: "player", PlayerID: "p5", Name: "carol"},
	})
	role, id = s.Identity()
	assert.Equal(t, room.RolePlayer, role)
	assert.Equal(t, "p5", id)
	assert.Equal(t, []room.Role{room.RolePlayer}, sink.roles)

	s.HandleMessage(&protocol.ServerMessage{
		Type: protocol.EventTypeDemoted,
		You:  &protocol.Identity{Role: "spectator", SpectatorID: "s9", Name: "carol"},
	})
	role, _ = s.Identity()
	assert.Equal(t, room.RoleSpectator, role)
}

func TestUnknownTypeMergesBoardData(t *testing.T) {
	sink := &recordSink{}
	s := New(Config{Clock: clockwork.NewFakeClock(), Sink: sink})

	s.HandleMessage(joinedMsg("room01", "p1"))
	s.HandleMessage(&protocol.ServerMessage{
		Type: protocol.EventTypeSnapshot,
		Room: boardSnapshot("room01", false),
	})

	owners := make([]string, protocol.BoardSize)
	owners[2] = "bob"
	s.HandleMessage(&protocol.ServerMessage{
		Type: "board_update",
		Room: &protocol.RoomSnapshot{Owners: owners},
	})

	// Not started yet: merged into pending, not applied.
	_, live := s.Board()
	assert.Empty(t, live)

	raw, err := json.Marshal(&protocol.ServerMessage{
		ID:   3,
		Type: protocol.EventTypeGameStarted,
		Payload: mustPayload(t, protocol.GameStartedPayload{
			PlaySequence: fullSequence(),
		}),
	})
	require.NoError(t, err)
	require.NoError(t, s.Handle(raw))

	_, live = s.Board()
	require.Len(t, live, protocol.BoardSize)
	assert.Equal(t, "bob", live[2], "merged ownership survives into the applied board")
}
