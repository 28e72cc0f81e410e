package room

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

func TestMembershipMutatorsAreIdempotent(t *testing.T) {
	s := New()

	assert.True(t, s.AddPlayer("p1", "alice"))
	assert.False(t, s.AddPlayer("p1", "alice"))
	assert.True(t, s.AddPlayer("p2", "bob"))
	assert.Len(t, s.Players, 2)

	assert.True(t, s.RemovePlayer("p1"))
	assert.False(t, s.RemovePlayer("p1"))
	assert.Len(t, s.Players, 1)
	assert.Equal(t, "p2", s.Players[0].ID)

	assert.True(t, s.AddSpectator("s1", "carol"))
	assert.False(t, s.AddSpectator("s1", "carol"))
	assert.True(t, s.RemoveSpectator("s1"))
	assert.False(t, s.RemoveSpectator("s1"))
}

func TestApplyIdentityPlayerTakesPrecedence(t *testing.T) {
	s := New()

	s.ApplyIdentity(&protocol.Identity{PlayerID: "p1", SpectatorID: "s1"})
	assert.Equal(t, RolePlayer, s.Role)
	assert.Equal(t, "p1", s.PlayerID)
	assert.Empty(t, s.SpectatorID)

	s.ApplyIdentity(&protocol.Identity{SpectatorID: "s2"})
	assert.Equal(t, RoleSpectator, s.Role)
	assert.Equal(t, "s2", s.SpectatorID)
	assert.Empty(t, s.PlayerID)

	s.ApplyIdentity(&protocol.Identity{})
	assert.Equal(t, RoleNone, s.Role)
}

func TestResolveLeaveIsOneShot(t *testing.T) {
	s := New()
	s.ApplyIdentity(&protocol.Identity{PlayerID: "p1"})

	fired := 0
	s.ArmLeaveWaiter(func() { fired++ })

	// Somebody else leaving does not consume the waiter.
	assert.False(t, s.ResolveLeave(protocol.EventTypePlayerLeft, "p2"))
	assert.Zero(t, fired)

	assert.True(t, s.ResolveLeave(protocol.EventTypePlayerLeft, "p1"))
	assert.Equal(t, 1, fired)

	// Replay of the same event no longer matches.
	assert.False(t, s.ResolveLeave(protocol.EventTypePlayerLeft, "p1"))
	assert.Equal(t, 1, fired)
}

func TestStoreSnapshotReplacesMembership(t *testing.T) {
	s := New()
	s.AddPlayer("old", "gone")

	s.StoreSnapshot(&protocol.RoomSnapshot{
		RoomID:  "room01",
		Players: []protocol.PlayerInfo{{PlayerID: "p1", Name: "alice", Slot: 0}},
		Spectators: []protocol.SpectatorInfo{
			{SpectatorID: "s1", Name: "carol"},
		},
		Owners:      make([]string, protocol.BoardSize),
		CardLetters: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	})

	assert.Equal(t, "room01", s.RoomID)
	assert.Equal(t, []Member{{ID: "p1", Name: "alice"}}, s.Players)
	assert.Equal(t, []Member{{ID: "s1", Name: "carol"}}, s.Spectators)
	assert.NotNil(t, s.Pending)
}

func TestApplyBoardAndSetOwner(t *testing.T) {
	s := New()
	assert.False(t, s.ApplyBoard())

	s.StoreSnapshot(&protocol.RoomSnapshot{
		Owners:      make([]string, protocol.BoardSize),
		CardLetters: []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	})
	assert.True(t, s.ApplyBoard())
	assert.Len(t, s.Owners, protocol.BoardSize)

	assert.True(t, s.SetOwner(3, "alice"))
	assert.Equal(t, "alice", s.Owners[3])
	assert.False(t, s.SetOwner(protocol.BoardSize, "alice"))
	assert.False(t, s.SetOwner(-1, "alice"))

	// The pending snapshot is untouched by live ownership changes.
	assert.Empty(t, s.Pending.Owners[3])
}

func TestMergeSnapshotBestEffort(t *testing.T) {
	s := New()
	idx := 4

	s.MergeSnapshot(&protocol.RoomSnapshot{PlayIdx: &idx})
	assert.NotNil(t, s.Pending, "merge into empty state stores the snapshot")

	s.StoreSnapshot(&protocol.RoomSnapshot{
		Owners:      make([]string, protocol.BoardSize),
		CardLetters: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	})
	owners := make([]string, protocol.BoardSize)
	owners[0] = "alice"
	s.MergeSnapshot(&protocol.RoomSnapshot{Owners: owners, PlayIdx: &idx})

	assert.Equal(t, "alice", s.Pending.Owners[0])
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, s.Pending.CardLetters)
	assert.Equal(t, &idx, s.Pending.PlayIdx)
}
