// Package audio provides a pacing audio player for the reading sequence: a
// YAML manifest maps card letters to clip files, and playback is simulated
// by a per-clip timer so the sequence engine advances at spoken-word pace.
// Actual sound output belongs to whatever frontend embeds this.
package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// defaultClipMillis paces playback when the manifest does not say otherwise.
const defaultClipMillis = 2000

// Manifest maps card letters to their audio clips.
type Manifest struct {
	Clips      map[int]string `yaml:"clips"`
	ClipMillis int            `yaml:"clip_millis"`
}

// LoadManifest reads a YAML manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse audio manifest: %w", err)
	}
	return &m, nil
}

// Player implements the sequence engine's audio contract. A nil manifest
// plays every letter at the default pace; with a manifest, letters without a
// clip report missing so the engine applies its skip delay.
type Player struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	manifest *Manifest
	duration time.Duration
	stops    []chan struct{}
}

// New builds a Player. manifest may be nil.
func New(clock clockwork.Clock, manifest *Manifest) *Player {
	duration := time.Duration(defaultClipMillis) * time.Millisecond
	if manifest != nil && manifest.ClipMillis > 0 {
		duration = time.Duration(manifest.ClipMillis) * time.Millisecond
	}
	return &Player{
		clock:    clock,
		manifest: manifest,
		duration: duration,
	}
}

// Play starts one clip and returns a channel closed when it ends.
func (p *Player) Play(letter int) (<-chan struct{}, bool) {
	clip := ""
	if p.manifest != nil {
		var ok bool
		clip, ok = p.manifest.Clips[letter]
		if !ok {
			return nil, false
		}
	}

	done := make(chan struct{})
	stop := make(chan struct{})

	p.mu.Lock()
	p.stops = append(p.stops, stop)
	p.mu.Unlock()

	log.Debug().Int("letter", letter).Str("clip", clip).Msg("playing clip")

	go func() {
		timer := p.clock.NewTimer(p.duration)
		defer timer.Stop()
		select {
		case <-timer.Chan():
			close(done)
		case <-stop:
		}
	}()
	return done, true
}

// StopAll cancels every in-flight clip.
func (p *Player) StopAll() {
	p.mu.Lock()
	stops := p.stops
	p.stops = nil
	p.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
}
