// Package clocksync estimates the offset between the server clock and the
// local clock from the timestamps the server attaches to its messages.
package clocksync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/protocol"
)

// Smoothing weights: the estimate keeps 80% of the prior and blends in 20%
// of each new sample.
const (
	priorWeight  = 0.8
	sampleWeight = 0.2
)

// Estimator holds an exponentially smoothed estimate of
// serverTime - localTime. It is never reset: clock skew is a property of the
// host pair, not of any room.
type Estimator struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	offset time.Duration
}

// New returns an Estimator reading local time from clock.
func New(clock clockwork.Clock) *Estimator {
	return &Estimator{clock: clock}
}

// UpdateOffset blends one server timestamp into the estimate. Malformed
// timestamps are ignored.
func (e *Estimator) UpdateOffset(serverTS string) {
	ts, err := protocol.ParseTimestamp(serverTS)
	if err != nil {
		log.Debug().Str("server_ts", serverTS).Msg("ignoring unparseable server timestamp")
		return
	}

	measured := ts.Sub(e.clock.Now())

	e.mu.Lock()
	e.offset = time.Duration(priorWeight*float64(e.offset) + sampleWeight*float64(measured))
	e.mu.Unlock()
}

// Offset returns the current estimate of serverTime - localTime.
func (e *Estimator) Offset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}
