// Package sequence implements the audio-sequence turn engine: an ordered
// queue of calls advanced in lockstep across all participants, with
// board-pending calls blocking on a claim and off-board calls advancing on
// local playback completion plus a server acknowledgement.
package sequence

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

const (
	// claimGraceDelay lets the UI show a successful claim before the next
	// call starts.
	claimGraceDelay = 3 * time.Second

	// missingAssetDelay paces past an off-board call whose audio asset is
	// unavailable, so one missing asset never stalls the room.
	missingAssetDelay = 500 * time.Millisecond

	// startNowThreshold: a scheduled start this close (or in the past) fires
	// immediately instead of arming a timer.
	startNowThreshold = 50 * time.Millisecond
)

// AudioPlayer abstracts playback of the call audio. Play returns a channel
// closed when playback finishes; ok is false when the asset is unavailable.
type AudioPlayer interface {
	Play(letter int) (done <-chan struct{}, ok bool)
	StopAll()
}

// Events receives playback notifications for the UI layer.
type Events interface {
	CallStarted(index int, call protocol.Call)
	SequenceFinished()
}

// NopAudio is an AudioPlayer with no assets: every Play reports the asset
// missing.
type NopAudio struct{}

func (NopAudio) Play(int) (<-chan struct{}, bool) { return nil, false }
func (NopAudio) StopAll()                         {}

type nopEvents struct{}

func (nopEvents) CallStarted(int, protocol.Call) {}
func (nopEvents) SequenceFinished()              {}

// Config wires a Player's collaborators. Zero-value fields get working
// defaults.
type Config struct {
	Clock   clockwork.Clock
	Audio   AudioPlayer
	Events  Events
	Offset  func() time.Duration // serverTime - localTime estimate
	SendAck func(index int)      // outbound play_ack
	Rand    *rand.Rand           // for the local-generation path
}

// Player owns the call queue and the advance protocol. All waiting is
// explicit state resumed by later events or timers; nothing blocks.
type Player struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	audio   AudioPlayer
	events  Events
	offset  func() time.Duration
	sendAck func(index int)
	rng     *rand.Rand

	queue   []protocol.Call
	pointer int

	playing          bool
	waitingForTake   bool
	waitingForServer bool
	primed           bool

	// gen invalidates callbacks issued before the most recent stop/restart;
	// stopCh unblocks their goroutines.
	gen    uint64
	stopCh chan struct{}
}

// New returns an idle Player.
func New(cfg Config) *Player {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Audio == nil {
		cfg.Audio = NopAudio{}
	}
	if cfg.Events == nil {
		cfg.Events = nopEvents{}
	}
	if cfg.Offset == nil {
		cfg.Offset = func() time.Duration { return 0 }
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(cfg.Clock.Now().UnixNano()))
	}
	return &Player{
		clock:   cfg.Clock,
		audio:   cfg.Audio,
		events:  cfg.Events,
		offset:  cfg.Offset,
		sendAck: cfg.SendAck,
		rng:     cfg.Rand,
		stopCh:  make(chan struct{}),
	}
}

// StartLocal builds a queue from the current board plus decoy letters and
// starts at index 0. Unsynchronized fallback path: the networked path always
// prefers the server-issued queue.
func (p *Player) StartLocal(letters []int, owners []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := BuildLocalQueue(p.rng, letters, owners)
	p.startLocked(queue, 0)
}

// StartFromServer adopts the server's exact order and begins at startIndex.
// An index at or past the end means the sequence already finished.
func (p *Player) StartFromServer(queue []protocol.Call, startIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(queue, startIndex)
}

// ScheduleStart arms StartFromServer to fire at the server-scheduled time
// playAt, translated to the local clock via the offset estimate. A time at or
// closer than the threshold starts immediately.
func (p *Player) ScheduleStart(queue []protocol.Call, startIndex int, playAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	delay := playAt.Add(-p.offset()).Sub(p.clock.Now())
	if delay <= startNowThreshold {
		p.startLocked(queue, startIndex)
		return
	}

	log.Debug().Dur("delay", delay).Int("start_index", startIndex).Msg("scheduling sequence start")
	p.schedule(delay, func() {
		p.startLocked(queue, startIndex)
	})
}

// PrimeWithoutAutoplay loads a queue for a mid-game joiner without starting
// playback, so a primed client can never race ahead of the room. A primed
// board call rejoins the claim flow directly (board calls advance on the
// take broadcast, never on a continue); anything else waits for the room's
// next continue signal.
func (p *Player) PrimeWithoutAutoplay(queue []protocol.Call, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	p.queue = append([]protocol.Call(nil), queue...)
	p.pointer = clamp(index, 0, len(p.queue))
	p.playing = true
	p.primed = true
	if p.pointer < len(p.queue) && p.queue[p.pointer].OnBoard() {
		p.waitingForTake = true
	} else {
		p.waitingForServer = true
	}
}

// OnClaim reports that board slot pos was claimed. When pos matches the call
// blocking advancement, the pointer advances after a grace delay; otherwise
// every not-yet-reached call for pos is pruned so the engine never calls a
// letter whose card left the board.
func (p *Player) OnClaim(pos int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.waitingForTake && p.pointer < len(p.queue) {
		if cur := p.queue[p.pointer]; cur.OnBoard() && *cur.CardPos == pos {
			p.waitingForTake = false
			p.schedule(claimGraceDelay, p.advanceLocked)
			return
		}
	}

	// Out-of-turn claim: drop unreached entries for that slot.
	reached := p.pointer + 1
	if reached > len(p.queue) {
		reached = len(p.queue)
	}
	kept := append([]protocol.Call(nil), p.queue[:reached]...)
	for _, c := range p.queue[reached:] {
		if c.OnBoard() && *c.CardPos == pos {
			continue
		}
		kept = append(kept, c)
	}
	p.queue = kept
}

// OnServerContinue handles the server's lockstep advance for index. Ignored
// unless the player is waiting on the server and the index names the local
// pointer. A primed player catches up: the continue means the room finished
// the pointed-at call, so it plays once and advancement continues on its
// local completion rather than entering an ack round the room already ran.
func (p *Player) OnServerContinue(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.waitingForServer || index != p.pointer {
		log.Debug().Int("index", index).Int("pointer", p.pointer).Msg("ignoring stale continue signal")
		return
	}
	p.waitingForServer = false
	if p.primed {
		p.catchUpLocked()
		return
	}
	p.advanceLocked()
}

// SeekTo forces the pointer to index and resumes playback. Used for
// late-sync corrections (play_item).
func (p *Player) SeekTo(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queue == nil {
		return
	}
	p.pointer = clamp(index, 0, len(p.queue))
	p.waitingForServer = false
	p.waitingForTake = false
	p.playing = true
	p.playCurrentLocked()
}

// Stop halts playback and cancels every scheduled callback. Safe to call at
// any time; late timer fires from before the stop are discarded.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Pointer returns the current playback index.
func (p *Player) Pointer() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pointer
}

// QueueLen returns the current queue length.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Playing reports whether a sequence is loaded and not finished.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// WaitingForServer reports whether the player is blocked on a continue
// signal.
func (p *Player) WaitingForServer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitingForServer
}

// WaitingForTake reports whether the player is blocked on a board claim.
func (p *Player) WaitingForTake() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitingForTake
}

func (p *Player) startLocked(queue []protocol.Call, startIndex int) {
	p.stopLocked()

	p.queue = append([]protocol.Call(nil), queue...)
	if startIndex >= len(p.queue) {
		// Already finished; load the queue but do not play.
		p.pointer = len(p.queue)
		return
	}
	p.pointer = clamp(startIndex, 0, len(p.queue))
	p.playing = true
	p.playCurrentLocked()
}

func (p *Player) stopLocked() {
	p.gen++
	close(p.stopCh)
	p.stopCh = make(chan struct{})
	p.queue = nil
	p.pointer = 0
	p.playing = false
	p.waitingForTake = false
	p.waitingForServer = false
	p.primed = false
	p.audio.StopAll()
}

func (p *Player) advanceLocked() {
	p.pointer++
	p.playCurrentLocked()
}

func (p *Player) playCurrentLocked() {
	p.primed = false
	if p.pointer >= len(p.queue) {
		p.playing = false
		p.waitingForTake = false
		p.waitingForServer = false
		p.events.SequenceFinished()
		return
	}

	call := p.queue[p.pointer]
	p.events.CallStarted(p.pointer, call)

	if call.OnBoard() {
		// Advancement is driven by the claim; audio is best effort and a
		// missing asset just leaves us waiting.
		p.waitingForTake = true
		p.audio.Play(call.Letter)
		return
	}

	done, ok := p.audio.Play(call.Letter)
	if !ok {
		log.Debug().Int("letter", call.Letter).Msg("audio asset unavailable, skipping after delay")
		p.schedule(missingAssetDelay, p.ackLocked)
		return
	}
	p.watch(done, p.ackLocked)
}

// catchUpLocked replays the call the room has just finished. The room is
// already past it, so local completion advances directly into the normal
// flow instead of acking a round the room already ran.
func (p *Player) catchUpLocked() {
	p.primed = false
	if p.pointer >= len(p.queue) {
		p.playing = false
		p.waitingForTake = false
		p.events.SequenceFinished()
		return
	}

	call := p.queue[p.pointer]
	p.events.CallStarted(p.pointer, call)

	if call.OnBoard() {
		p.waitingForTake = true
		p.audio.Play(call.Letter)
		return
	}

	done, ok := p.audio.Play(call.Letter)
	if !ok {
		p.schedule(missingAssetDelay, p.advanceLocked)
		return
	}
	p.watch(done, p.advanceLocked)
}

// ackLocked acknowledges local completion of the current call and waits for
// the room-wide continue signal.
func (p *Player) ackLocked() {
	p.waitingForServer = true
	if p.sendAck != nil {
		idx := p.pointer
		go p.sendAck(idx)
	}
}

// schedule runs fn under the lock after d, unless the player is stopped or
// restarted first.
func (p *Player) schedule(d time.Duration, fn func()) {
	gen := p.gen
	stopCh := p.stopCh
	timer := p.clock.NewTimer(d)
	go func() {
		select {
		case <-timer.Chan():
			p.mu.Lock()
			if p.gen == gen {
				fn()
			}
			p.mu.Unlock()
		case <-stopCh:
			stopAndDrainTimer(timer)
		}
	}()
}

// watch runs fn under the lock once done closes, unless the player is
// stopped or restarted first.
func (p *Player) watch(done <-chan struct{}, fn func()) {
	gen := p.gen
	stopCh := p.stopCh
	go func() {
		select {
		case <-done:
			p.mu.Lock()
			if p.gen == gen {
				fn()
			}
			p.mu.Unlock()
		case <-stopCh:
		}
	}()
}

// stopAndDrainTimer stops a timer and drains its channel so the goroutine
// does not leak a pending tick.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
