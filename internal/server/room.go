// Package server implements the authoritative room server: in-memory rooms,
// a per-room event log consumed live over WebSocket and by id range over
// REST, and the lockstep advance protocol for the reading sequence.
package server

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/protocol"
	"github.com/hyakulive/hyakulive/internal/sequence"
)

const (
	// maxEventsPerRoom caps the event log; older entries fall off and become
	// unreachable for backfill.
	maxEventsPerRoom = 1000

	// defaultMaxPlayers seats per room.
	defaultMaxPlayers = 2

	// finishThreshold: the game ends once this many cards are owned.
	finishThreshold = 9

	// startLead is how far in the future a scheduled sequence start is
	// placed, giving every client time to receive the event and arm a timer.
	startLead = 3 * time.Second
)

// player is one seated participant.
type player struct {
	PlayerID string    `json:"player_id"`
	Name     string    `json:"name"`
	Slot     int       `json:"slot"`
	JoinedAt time.Time `json:"-"`
}

// spectator observes without a seat.
type spectator struct {
	SpectatorID string    `json:"spectator_id"`
	Name        string    `json:"name"`
	JoinedAt    time.Time `json:"-"`
}

// Room is one game room. All fields are guarded by mu.
type Room struct {
	mu sync.Mutex

	id         string
	createdAt  time.Time
	maxPlayers int
	clock      clockwork.Clock
	rng        *rand.Rand

	players    []*player
	spectators []*spectator

	owners       []string
	cardLetters  []int
	penalties    map[string]int
	playSequence []protocol.Call
	playAt       time.Time
	playIdx      int
	acks         map[int]map[string]bool
	ackNeeded    map[string]bool
	started      bool

	events      []*protocol.ServerMessage
	nextEventID int

	conns map[*conn]struct{}
}

func newRoom(id string, clock clockwork.Clock, rng *rand.Rand, maxPlayers int) *Room {
	if maxPlayers <= 0 {
		maxPlayers = defaultMaxPlayers
	}
	return &Room{
		id:          id,
		createdAt:   clock.Now(),
		maxPlayers:  maxPlayers,
		clock:       clock,
		rng:         rng,
		owners:      make([]string, protocol.BoardSize),
		cardLetters: dealLetters(rng),
		penalties:   make(map[string]int),
		acks:        make(map[int]map[string]bool),
		ackNeeded:   make(map[string]bool),
		nextEventID: 1,
		conns:       make(map[*conn]struct{}),
	}
}

// dealLetters picks BoardSize distinct letters from the universe.
func dealLetters(rng *rand.Rand) []int {
	perm := rng.Perm(protocol.LetterUniverse)
	letters := make([]int, protocol.BoardSize)
	copy(letters, perm[:protocol.BoardSize])
	return letters
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// addEvent appends an event to the log and returns the broadcastable
// message. Caller holds mu.
func (r *Room) addEvent(etype protocol.EventType, payload interface{}) *protocol.ServerMessage {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("type", string(etype)).Msg("failed to marshal event payload")
			raw = nil
		}
	}

	msg := &protocol.ServerMessage{
		ID:       r.nextEventID,
		Type:     etype,
		ServerTS: protocol.FormatTimestamp(r.clock.Now()),
		Payload:  raw,
	}
	r.nextEventID++
	r.events = append(r.events, msg)
	if len(r.events) > maxEventsPerRoom {
		r.events = r.events[len(r.events)-maxEventsPerRoom:]
	}
	return msg
}

// broadcastLocked sends msg to every connection in the room. Caller holds mu.
func (r *Room) broadcastLocked(msg *protocol.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast")
		return
	}
	for c := range r.conns {
		c.enqueue(data)
	}
}

// snapshotLocked builds the full room snapshot. Caller holds mu.
func (r *Room) snapshotLocked() *protocol.RoomSnapshot {
	snap := &protocol.RoomSnapshot{
		RoomID:      r.id,
		Owners:      append([]string(nil), r.owners...),
		CardLetters: append([]int(nil), r.cardLetters...),
		Started:     r.started,
	}
	for _, p := range r.players {
		snap.Players = append(snap.Players, protocol.PlayerInfo{PlayerID: p.PlayerID, Name: p.Name, Slot: p.Slot})
	}
	for _, s := range r.spectators {
		snap.Spectators = append(snap.Spectators, protocol.SpectatorInfo{SpectatorID: s.SpectatorID, Name: s.Name})
	}
	if r.started {
		snap.PlaySequence = append([]protocol.Call(nil), r.playSequence...)
		if !r.playAt.IsZero() {
			snap.PlayAt = protocol.FormatTimestamp(r.playAt)
		}
		idx := r.playIdx
		snap.PlayIdx = &idx
	}
	return snap
}

// snapshotMessage wraps the snapshot in its envelope. Caller holds mu.
func (r *Room) snapshotMessageLocked() *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Type:        protocol.EventTypeSnapshot,
		ServerTS:    protocol.FormatTimestamp(r.clock.Now()),
		Room:        r.snapshotLocked(),
		NextEventID: r.nextEventID,
	}
}

func (r *Room) findPlayer(id string) *player {
	for _, p := range r.players {
		if p.PlayerID == id {
			return p
		}
	}
	return nil
}

func (r *Room) findSpectator(id string) *spectator {
	for _, s := range r.spectators {
		if s.SpectatorID == id {
			return s
		}
	}
	return nil
}

// freeSlot returns the lowest unused seat number. Caller holds mu.
func (r *Room) freeSlot() int {
	used := make(map[int]bool, len(r.players))
	for _, p := range r.players {
		used[p.Slot] = true
	}
	slot := 0
	for used[slot] {
		slot++
	}
	return slot
}

// handleTake assigns board slot pos to playerName and finishes the game when
// enough cards are owned. Returns an error message for the actor on invalid
// claims. Caller holds mu.
func (r *Room) handleTake(actor *player, pos int, playerName string) (string, []*protocol.ServerMessage) {
	if pos < 0 || pos >= len(r.owners) {
		return "invalid card id", nil
	}
	if playerName == "" {
		playerName = actor.Name
	}
	if r.owners[pos] != "" {
		return "card already taken", nil
	}
	r.owners[pos] = playerName
	r.syncSequenceAfterTake(pos)

	evt := r.addEvent(protocol.EventTypePlayerAction, protocol.PlayerActionPayload{
		PlayerID: actor.PlayerID,
		Action:   protocol.ActionTake,
		Payload:  mustRaw(protocol.TakePayload{ID: pos, Player: playerName}),
	})
	out := []*protocol.ServerMessage{evt}

	taken := 0
	for _, o := range r.owners {
		if o != "" {
			taken++
		}
	}
	if taken >= finishThreshold {
		out = append(out, r.finishLocked())
	}
	return "", out
}

// syncSequenceAfterTake keeps the authoritative sequence aligned with the
// clients' advance rules: a claim matching the current board call advances
// the room (board calls have no play_ack), and an out-of-turn claim prunes
// every not-yet-reached call for that slot, mirroring the client-side prune.
// Caller holds mu.
func (r *Room) syncSequenceAfterTake(pos int) {
	if !r.started || r.playIdx >= len(r.playSequence) {
		return
	}

	cur := r.playSequence[r.playIdx]
	if cur.OnBoard() && *cur.CardPos == pos {
		delete(r.acks, r.playIdx)
		r.playIdx++
		r.beginCallLocked()
		return
	}

	reached := r.playIdx + 1
	if reached > len(r.playSequence) {
		reached = len(r.playSequence)
	}
	kept := append([]protocol.Call(nil), r.playSequence[:reached]...)
	for _, c := range r.playSequence[reached:] {
		if c.OnBoard() && *c.CardPos == pos {
			continue
		}
		kept = append(kept, c)
	}
	r.playSequence = kept
}

// finishLocked computes the result and closes the game. Caller holds mu.
func (r *Room) finishLocked() *protocol.ServerMessage {
	counts := make(map[string]int)
	for _, o := range r.owners {
		if o != "" {
			counts[o]++
		}
	}
	for name, pen := range r.penalties {
		if _, ok := counts[name]; ok {
			counts[name] -= pen
			if counts[name] < 0 {
				counts[name] = 0
			}
		}
	}

	maxCount := 0
	var winners []string
	for name, cnt := range counts {
		switch {
		case cnt > maxCount:
			maxCount = cnt
			winners = []string{name}
		case cnt == maxCount:
			winners = append(winners, name)
		}
	}

	payload := protocol.GameFinishedPayload{Counts: counts}
	if len(winners) == 1 {
		payload.Winner = winners[0]
		if p := r.findPlayerByName(winners[0]); p != nil && p.Slot >= 0 {
			payload.WinnerLabel = string(rune('A' + p.Slot))
		}
	}

	r.started = false
	r.playAt = time.Time{}
	return r.addEvent(protocol.EventTypeGameFinished, payload)
}

func (r *Room) findPlayerByName(name string) *player {
	for _, p := range r.players {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// handleMistake counts a wrong claim against the player. Caller holds mu.
func (r *Room) handleMistake(actor *player) *protocol.ServerMessage {
	r.penalties[actor.Name]++
	return r.addEvent(protocol.EventTypePlayerPenalty, protocol.PlayerPenaltyPayload{
		PlayerID:  actor.PlayerID,
		Player:    actor.Name,
		Penalties: r.penalties[actor.Name],
	})
}

// handleStart deals a fresh board, builds the authoritative reading sequence
// and schedules its start. Caller holds mu.
func (r *Room) handleStart(actor *player) []*protocol.ServerMessage {
	r.owners = make([]string, protocol.BoardSize)
	r.cardLetters = dealLetters(r.rng)
	r.playSequence = sequence.BuildLocalQueue(r.rng, r.cardLetters, r.owners)
	r.playAt = r.clock.Now().Add(startLead)
	r.playIdx = 0
	r.acks = make(map[int]map[string]bool)
	r.penalties = make(map[string]int)
	r.started = true
	r.beginCallLocked()

	evt := r.addEvent(protocol.EventTypeGameStarted, protocol.GameStartedPayload{
		PlayerID:     actor.PlayerID,
		Player:       actor.Name,
		PlaySequence: append([]protocol.Call(nil), r.playSequence...),
		PlayAt:       protocol.FormatTimestamp(r.playAt),
	})
	return []*protocol.ServerMessage{evt, r.snapshotMessageLocked()}
}

// beginCallLocked snapshots the players whose ack is required to move past
// the current call. Players who join mid-call fall in at the next broadcast
// and are not awaited. Caller holds mu.
func (r *Room) beginCallLocked() {
	r.ackNeeded = make(map[string]bool, len(r.players))
	for _, p := range r.players {
		r.ackNeeded[p.PlayerID] = true
	}
}

// advanceIfAckedLocked moves the room to the next call once every awaited
// player has acked the current one, broadcasting play_continue. Checked on
// every ack and whenever an awaited player departs. An empty awaited set
// means nobody is playing, so the sequence holds rather than free-running.
// Caller holds mu.
func (r *Room) advanceIfAckedLocked() {
	if !r.started || r.playIdx >= len(r.playSequence) || len(r.ackNeeded) == 0 {
		return
	}
	idx := r.playIdx
	for id := range r.ackNeeded {
		if !r.acks[idx][id] {
			return
		}
	}

	delete(r.acks, idx)
	r.playIdx = idx + 1
	r.beginCallLocked()
	evt := r.addEvent(protocol.EventTypePlayContinue, nil)
	evt.Index = &idx
	r.broadcastLocked(evt)
}

// handlePlayAck records one player's local completion of the call at index.
// Once every awaited player acked the current index, the room advances in
// lockstep. A stale ack gets a private play_item correction instead.
func (r *Room) handlePlayAck(c *conn, playerID string, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.findPlayer(playerID) == nil {
		return
	}

	if index < r.playIdx {
		// The acker is behind the room; steer it to the current call.
		idx := r.playIdx
		data, err := json.Marshal(&protocol.ServerMessage{
			Type:     protocol.EventTypePlayItem,
			ServerTS: protocol.FormatTimestamp(r.clock.Now()),
			Index:    &idx,
		})
		if err == nil {
			c.enqueue(data)
		}
		return
	}
	if index != r.playIdx {
		log.Debug().Int("index", index).Int("play_idx", r.playIdx).Msg("ignoring ack ahead of the room")
		return
	}

	if r.acks[index] == nil {
		r.acks[index] = make(map[string]bool)
	}
	r.acks[index][playerID] = true
	r.advanceIfAckedLocked()
}

// eventsSince returns a copy of the logged events with id > sinceID.
func (r *Room) eventsSince(sinceID int) []*protocol.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*protocol.ServerMessage
	for _, evt := range r.events {
		if evt.ID > sinceID {
			out = append(out, evt)
		}
	}
	return out
}

// roomInfo is the REST representation of a room.
type roomInfo struct {
	RoomID       string                   `json:"room_id"`
	Players      []protocol.PlayerInfo    `json:"players"`
	Spectators   []protocol.SpectatorInfo `json:"spectators"`
	Owners       []string                 `json:"owners"`
	CardLetters  []int                    `json:"card_letters"`
	PlaySequence []protocol.Call          `json:"play_sequence"`
	NextEventID  int                      `json:"next_event_id"`
	Started      bool                     `json:"started"`
}

// info returns the REST view of the room.
func (r *Room) info() roomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := roomInfo{
		RoomID:       r.id,
		Owners:       append([]string(nil), r.owners...),
		CardLetters:  append([]int(nil), r.cardLetters...),
		PlaySequence: append([]protocol.Call(nil), r.playSequence...),
		NextEventID:  r.nextEventID,
		Started:      r.started,
	}
	for _, p := range r.players {
		info.Players = append(info.Players, protocol.PlayerInfo{PlayerID: p.PlayerID, Name: p.Name, Slot: p.Slot})
	}
	for _, s := range r.spectators {
		info.Spectators = append(info.Spectators, protocol.SpectatorInfo{SpectatorID: s.SpectatorID, Name: s.Name})
	}
	return info
}

func mustRaw(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
