package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayFinishesAfterClipDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(clock, &Manifest{
		Clips:      map[int]string{42: "clips/42.ogg"},
		ClipMillis: 1500,
	})

	done, ok := p.Play(42)
	require.True(t, ok)
	clock.BlockUntil(1)

	clock.Advance(time.Second)
	select {
	case <-done:
		t.Fatal("clip finished early")
	default:
	}

	clock.Advance(600 * time.Millisecond)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPlayReportsMissingClip(t *testing.T) {
	p := New(clockwork.NewFakeClock(), &Manifest{Clips: map[int]string{1: "one.ogg"}})

	done, ok := p.Play(99)
	assert.False(t, ok)
	assert.Nil(t, done)
}

func TestNilManifestPlaysEverything(t *testing.T) {
	p := New(clockwork.NewFakeClock(), nil)

	_, ok := p.Play(7)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(defaultClipMillis)*time.Millisecond, p.duration)
}

func TestStopAllCancelsInFlightClips(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(clock, nil)

	done, ok := p.Play(3)
	require.True(t, ok)

	p.StopAll()
	clock.Advance(10 * time.Second)

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("cancelled clip must not report done")
	default:
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	content := []byte("clip_millis: 1200\nclips:\n  0: clips/zero.ogg\n  42: clips/life.ogg\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, 1200, m.ClipMillis)
	assert.Equal(t, "clips/zero.ogg", m.Clips[0])
	assert.Equal(t, "clips/life.ogg", m.Clips[42])

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
