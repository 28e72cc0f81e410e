// Package backfill retrieves events the client missed from the server's REST
// endpoint and replays them through the session's normal handler, where the
// ledger drops whatever was already applied.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// Replayer consumes one raw event message. Implemented by session.Session.
type Replayer interface {
	Handle(raw []byte) error
}

// Fetcher pulls missed events by id range.
type Fetcher struct {
	baseURL string
	client  *http.Client
	replay  Replayer
}

// New returns a Fetcher against baseURL (e.g. "http://localhost:5001").
func New(baseURL string, replay Replayer) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		replay:  replay,
	}
}

// eventsResponse mirrors the backfill endpoint's body. Events stay raw so
// they run through the exact same decode path as live messages.
type eventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// FillGaps fetches every event after sinceID for roomID and replays them in
// order. Replay errors are logged and skipped; a fetch error is returned for
// the caller to log.
func (f *Fetcher) FillGaps(ctx context.Context, roomID string, sinceID int) error {
	u := fmt.Sprintf("%s/rooms/%s/events?since_id=%d", f.baseURL, url.PathEscape(roomID), sinceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build backfill request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch backfill: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backfill returned status %d", resp.StatusCode)
	}

	var body eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode backfill response: %w", err)
	}

	for _, raw := range body.Events {
		if err := f.replay.Handle(raw); err != nil {
			log.Debug().Err(err).Str("room_id", roomID).Msg("skipping malformed backfill event")
		}
	}

	log.Debug().
		Str("room_id", roomID).
		Int("since_id", sinceID).
		Int("events", len(body.Events)).
		Msg("backfill replayed")
	return nil
}
