// Package session ties the sync engine together: one Session per
// connection owns the clock estimator, the event ledger, the room state, and
// the sequence player, and routes every inbound server message through a
// single serialized dispatch path.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/clocksync"
	"github.com/hyakulive/hyakulive/internal/ledger"
	"github.com/hyakulive/hyakulive/internal/protocol"
	"github.com/hyakulive/hyakulive/internal/room"
	"github.com/hyakulive/hyakulive/internal/sequence"
)

// GapFiller retrieves missed events from the backfill endpoint and replays
// them through the session. Implemented by backfill.Fetcher.
type GapFiller interface {
	FillGaps(ctx context.Context, roomID string, sinceID int) error
}

// SendFunc delivers an outbound message over the transport.
type SendFunc func(protocol.ClientMessage) error

// Config wires a Session's collaborators. Zero-value fields get working
// defaults.
type Config struct {
	Clock clockwork.Clock
	Audio sequence.AudioPlayer
	Sink  Sink
	Gaps  GapFiller
	Send  SendFunc
	Rand  *rand.Rand
}

// Session is the client-side protocol state machine. All state mutation
// happens under one mutex: live WebSocket messages, backfill replays, and
// the UI's queries all serialize here.
type Session struct {
	mu     sync.Mutex
	clocks *clocksync.Estimator
	ledger *ledger.Ledger
	room   *room.State
	player *sequence.Player
	sink   Sink
	gaps   GapFiller
	send   SendFunc
}

// sequenceEvents forwards sequence engine notifications to the sink. They
// bypass the session mutex: the player serializes its own state and the sink
// is display-only.
type sequenceEvents struct {
	sink Sink
}

func (e sequenceEvents) CallStarted(index int, call protocol.Call) {
	e.sink.CallAnnounced(index, call)
}

func (e sequenceEvents) SequenceFinished() {
	e.sink.SequenceFinished()
}

// New constructs a Session. One session per connection; discard it on
// disconnect.
func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}

	s := &Session{
		clocks: clocksync.New(cfg.Clock),
		ledger: ledger.New(),
		room:   room.New(),
		sink:   cfg.Sink,
		gaps:   cfg.Gaps,
		send:   cfg.Send,
	}
	s.player = sequence.New(sequence.Config{
		Clock:   cfg.Clock,
		Audio:   cfg.Audio,
		Events:  sequenceEvents{sink: cfg.Sink},
		Offset:  s.clocks.Offset,
		SendAck: s.sendAck,
		Rand:    cfg.Rand,
	})
	return s
}

// Handle decodes one inbound message and applies it. Malformed JSON is
// reported to the caller for logging; nothing here is fatal.
func (s *Session) Handle(raw []byte) error {
	var msg protocol.ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode server message: %w", err)
	}
	s.HandleMessage(&msg)
	return nil
}

// HandleMessage applies one decoded message: clock bookkeeping, the
// duplicate filter, then the per-type handler. Events are applied strictly
// in arrival order; only duplicates are dropped.
func (s *Session) HandleMessage(msg *protocol.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ServerTS != "" {
		s.clocks.UpdateOffset(msg.ServerTS)
	}

	if !s.ledger.MarkProcessed(msg.ID) {
		log.Debug().Int("event_id", msg.ID).Str("type", string(msg.Type)).Msg("dropping duplicate event")
		return
	}

	switch msg.Type {
	case protocol.EventTypeJoined:
		s.handleJoined(msg)
	case protocol.EventTypeSnapshot:
		s.handleSnapshot(msg)
	case protocol.EventTypePlayerJoined:
		s.handlePlayerJoined(msg)
	case protocol.EventTypeSpectatorJoined:
		s.handleSpectatorJoined(msg)
	case protocol.EventTypePlayerLeft, protocol.EventTypeSpectatorLeft:
		s.handleLeft(msg)
	case protocol.EventTypePlayerAction:
		s.handlePlayerAction(msg)
	case protocol.EventTypeGameStarted:
		s.handleGameStarted(msg)
	case protocol.EventTypeGameFinished:
		s.handleGameFinished(msg)
	case protocol.EventTypePromoted:
		s.handleRoleChange(msg, room.RolePlayer)
	case protocol.EventTypeDemoted:
		s.handleRoleChange(msg, room.RoleSpectator)
	case protocol.EventTypePlayerPenalty:
		s.handlePenalty(msg)
	case protocol.EventTypeChatMessage:
		s.handleChat(msg)
	case protocol.EventTypePlayContinue:
		if msg.Index != nil {
			s.player.OnServerContinue(*msg.Index)
		}
	case protocol.EventTypePlayItem:
		if msg.Index != nil {
			s.player.SeekTo(*msg.Index)
		}
	case protocol.EventTypeError:
		s.sink.ErrorNotice(msg.Error)
	default:
		s.handleUnknown(msg)
	}
}

// OnTransportClosed resets the session after the connection is gone. The
// session does not reconnect by itself; a new session is built for the next
// connection.
func (s *Session) OnTransportClosed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("transport closed")
	}
	s.player.Stop()
	s.room.Reset()
	s.ledger.Reset()
	s.sink.Status("disconnected from room server")
}

// ArmLeaveWaiter registers a one-shot confirmation callback for this
// client's own departure event.
func (s *Session) ArmLeaveWaiter(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room.ArmLeaveWaiter(fn)
}

// Identity returns the current role and its authoritative id.
func (s *Session) Identity() (room.Role, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Role, s.room.OwnID()
}

// RoomID returns the current room, or "" when not joined.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.RoomID
}

// Started reports whether a game is running.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Started
}

// Board returns copies of the current board letters and owners.
func (s *Session) Board() (letters []int, owners []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.room.CardLetters...), append([]string(nil), s.room.Owners...)
}

// Player exposes the sequence engine for direct signals (tests, tooling).
func (s *Session) Player() *sequence.Player {
	return s.player
}

func (s *Session) handleJoined(msg *protocol.ServerMessage) {
	s.player.Stop()
	s.room.Reset()
	s.ledger.Reset()
	s.room.RoomID = msg.RoomID
	s.room.ApplyIdentity(msg.You)

	log.Info().Str("room_id", msg.RoomID).Str("role", string(s.room.Role)).Msg("joined room")
	s.sink.RoomJoined(msg.RoomID, s.room.Role)
}

func (s *Session) handleSnapshot(msg *protocol.ServerMessage) {
	if msg.Room == nil {
		return
	}
	s.room.StoreSnapshot(msg.Room)
	if msg.NextEventID > 0 {
		s.ledger.SeedFromSnapshot(msg.NextEventID)
	}
	s.sink.MembersChanged(s.room.Players, s.room.Spectators)

	s.requestGapFill()

	if msg.Room.Started {
		s.room.Started = true
		if s.room.ApplyBoard() {
			s.sink.BoardApplied(s.room.CardLetters, s.room.Owners)
		}
		s.startOrResumeSequence(msg.Room)
	}
}

// requestGapFill asks the backfill endpoint for anything after
// max(0, lastSeen-1). Results come back through Handle, where the ledger
// filters the overlap.
func (s *Session) requestGapFill() {
	if s.gaps == nil || s.room.RoomID == "" {
		return
	}
	since := s.ledger.LastSeen() - 1
	if since < 0 {
		since = 0
	}
	roomID := s.room.RoomID
	go func() {
		if err := s.gaps.FillGaps(context.Background(), roomID, since); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("gap-fill fetch failed")
		}
	}()
}

// startOrResumeSequence applies a started snapshot's play state: a client
// joining mid-sequence is primed at the resume index; a client seeing the
// original scheduled start gets a scheduled start. Spectators follow the
// same flow as players; their acks are simply never sent, so the room's
// continue signals pace them.
func (s *Session) startOrResumeSequence(snap *protocol.RoomSnapshot) {
	if len(snap.PlaySequence) == 0 {
		return
	}

	idx := 0
	if snap.PlayIdx != nil {
		idx = *snap.PlayIdx
	}

	if idx > 0 {
		// Mid-sequence joiner: never autoplay ahead of the room.
		s.player.PrimeWithoutAutoplay(snap.PlaySequence, idx)
		return
	}

	if snap.PlayAt != "" {
		if at, err := protocol.ParseTimestamp(snap.PlayAt); err == nil {
			s.player.ScheduleStart(snap.PlaySequence, idx, at)
			return
		}
		log.Debug().Str("play_at", snap.PlayAt).Msg("unparseable play_at, starting immediately")
	}
	s.player.StartFromServer(snap.PlaySequence, idx)
}

func (s *Session) handlePlayerJoined(msg *protocol.ServerMessage) {
	var p protocol.PlayerJoinedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Debug().Err(err).Msg("bad player_joined payload")
		return
	}
	if s.room.AddPlayer(p.PlayerID, p.Name) {
		s.sink.MembersChanged(s.room.Players, s.room.Spectators)
		s.sink.Status(fmt.Sprintf("%s joined as player", p.Name))
	}
}

func (s *Session) handleSpectatorJoined(msg *protocol.ServerMessage) {
	var p protocol.SpectatorJoinedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Debug().Err(err).Msg("bad spectator_joined payload")
		return
	}
	if s.room.AddSpectator(p.SpectatorID, p.Name) {
		s.sink.MembersChanged(s.room.Players, s.room.Spectators)
		s.sink.Status(fmt.Sprintf("%s joined as spectator", p.Name))
	}
}

func (s *Session) handleLeft(msg *protocol.ServerMessage) {
	var id string
	if msg.Type == protocol.EventTypePlayerLeft {
		var p protocol.PlayerLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Debug().Err(err).Msg("bad player_left payload")
			return
		}
		id = p.PlayerID
	} else {
		var p protocol.SpectatorLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Debug().Err(err).Msg("bad spectator_left payload")
			return
		}
		id = p.SpectatorID
	}

	if s.room.ResolveLeave(msg.Type, id) {
		// Our own confirmed leave; not a third-party departure.
		return
	}

	removed := false
	if msg.Type == protocol.EventTypePlayerLeft {
		removed = s.room.RemovePlayer(id)
	} else {
		removed = s.room.RemoveSpectator(id)
	}
	if removed {
		s.sink.MembersChanged(s.room.Players, s.room.Spectators)
		s.sink.Status("a participant left the room")
	}
}

func (s *Session) handlePlayerAction(msg *protocol.ServerMessage) {
	var action protocol.PlayerActionPayload
	if err := json.Unmarshal(msg.Payload, &action); err != nil {
		log.Debug().Err(err).Msg("bad player_action payload")
		return
	}

	switch action.Action {
	case protocol.ActionTake:
		var take protocol.TakePayload
		if err := json.Unmarshal(action.Payload, &take); err != nil {
			log.Debug().Err(err).Msg("bad take payload")
			return
		}
		if s.room.SetOwner(take.ID, take.Player) {
			s.sink.CardTaken(take.ID, take.Player)
		}
		s.player.OnClaim(take.ID)

	case protocol.ActionStart:
		s.markStarted()

	case protocol.ActionMistake:
		// Scored by the server; the penalty event carries the display.

	default:
		log.Debug().Str("action", action.Action).Msg("unhandled player action")
	}
}

// markStarted flips the started flag and reveals the last known board.
func (s *Session) markStarted() {
	if s.room.Started {
		return
	}
	s.room.Started = true
	if s.room.ApplyBoard() {
		s.sink.BoardApplied(s.room.CardLetters, s.room.Owners)
	}
	s.sink.GameStarted()
}

func (s *Session) handleGameStarted(msg *protocol.ServerMessage) {
	var p protocol.GameStartedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Debug().Err(err).Msg("bad game_started payload")
		return
	}

	s.room.Started = true
	if s.room.ApplyBoard() {
		s.sink.BoardApplied(s.room.CardLetters, s.room.Owners)
	}
	s.sink.GameStarted()

	seq := p.PlaySequence
	playAt := p.PlayAt
	if len(seq) == 0 && s.room.Pending != nil {
		seq = s.room.Pending.PlaySequence
	}
	if playAt == "" && s.room.Pending != nil {
		playAt = s.room.Pending.PlayAt
	}
	if len(seq) == 0 {
		log.Debug().Msg("game started without a play sequence")
		return
	}

	if playAt != "" {
		if at, err := protocol.ParseTimestamp(playAt); err == nil {
			s.player.ScheduleStart(seq, 0, at)
			return
		}
	}
	s.player.StartFromServer(seq, 0)
}

func (s *Session) handleGameFinished(msg *protocol.ServerMessage) {
	var p protocol.GameFinishedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Debug().Err(err).Msg("bad game_finished payload")
		return
	}

	s.room.Started = false
	s.player.Stop()
	s.sink.GameFinished(p.Winner, p.WinnerLabel, p.Counts)
}

func (s *Session) handleRoleChange(msg *protocol.ServerMessage, role room.Role) {
	s.room.ApplyIdentity(msg.You)
	s.room.SetRole(role)
	s.sink.RoleChanged(role)
}

func (s *Session) handlePenalty(msg *protocol.ServerMessage) {
	var p protocol.PlayerPenaltyPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Debug().Err(err).Msg("bad player_penalty payload")
		return
	}
	s.sink.Penalty(p.Player, p.Penalties)
}

func (s *Session) handleChat(msg *protocol.ServerMessage) {
	var p protocol.ChatMessagePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Debug().Err(err).Msg("bad chat_message payload")
		return
	}
	s.sink.Chat(p.From, p.Message)
}

// handleUnknown merges embedded board data from unrecognized message types,
// best effort; anything else is logged and dropped.
func (s *Session) handleUnknown(msg *protocol.ServerMessage) {
	if msg.Room == nil {
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
		return
	}
	s.room.MergeSnapshot(msg.Room)
	if s.room.Started && s.room.ApplyBoard() {
		s.sink.BoardApplied(s.room.CardLetters, s.room.Owners)
	}
}

// sendAck forwards the sequence engine's local-completion acknowledgement.
func (s *Session) sendAck(index int) {
	s.mu.Lock()
	playerID := s.room.PlayerID
	send := s.send
	s.mu.Unlock()

	if send == nil || playerID == "" {
		return
	}
	if err := send(protocol.NewPlayAck(playerID, index)); err != nil {
		log.Warn().Err(err).Int("index", index).Msg("failed to send play ack")
	}
}
