package server

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// FixedRoomCount is how many rooms the hub provisions at startup. Rooms are
// named room01..roomNN and live for the lifetime of the process; ad-hoc
// rooms created by id-less joins are added alongside them.
const FixedRoomCount = 10

// Hub owns the room set.
type Hub struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	clock      clockwork.Clock
	seed       *rand.Rand
	maxPlayers int
}

// NewHub provisions the fixed rooms. seed drives card dealing and sequence
// shuffling; pass a seeded source in tests for determinism. maxPlayers <= 0
// falls back to the default seat count.
func NewHub(clock clockwork.Clock, seed *rand.Rand, maxPlayers int) *Hub {
	if maxPlayers <= 0 {
		maxPlayers = defaultMaxPlayers
	}
	h := &Hub{
		rooms:      make(map[string]*Room),
		clock:      clock,
		seed:       seed,
		maxPlayers: maxPlayers,
	}
	for i := 1; i <= FixedRoomCount; i++ {
		id := fmt.Sprintf("room%02d", i)
		h.rooms[id] = newRoom(id, clock, rand.New(rand.NewSource(seed.Int63())), maxPlayers)
	}
	return h
}

// Room looks up a room by id.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Pick returns the requested room. An empty id provisions a fresh ad-hoc
// room instead, the way an id-less join is documented to behave.
func (h *Hub) Pick(id string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id == "" {
		adhoc := "room-" + uuid.NewString()[:8]
		r := newRoom(adhoc, h.clock, rand.New(rand.NewSource(h.seed.Int63())), h.maxPlayers)
		h.rooms[adhoc] = r
		log.Info().Str("room_id", adhoc).Msg("provisioned ad-hoc room")
		return r, nil
	}

	r, ok := h.rooms[id]
	if !ok {
		return nil, fmt.Errorf("unknown room %q", id)
	}
	return r, nil
}

// List returns the REST view of every room, ordered by id.
func (h *Hub) List() []roomInfo {
	h.mu.Lock()
	ids := h.sortedIDs()
	rooms := make([]*Room, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, h.rooms[id])
	}
	h.mu.Unlock()

	infos := make([]roomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.info())
	}
	return infos
}

func (h *Hub) sortedIDs() []string {
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
