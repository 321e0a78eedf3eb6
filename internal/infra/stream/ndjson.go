package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const heartbeatInterval = 25 * time.Second

// ServeNDJSON writes a snapshot line followed by one JSON line per broadcast
// event on topic, with periodic heartbeats, until the client goes away.
// Snapshot-then-subscribe is the client's only way to catch up: the
// broadcaster replays no history.
func ServeNDJSON(w http.ResponseWriter, r *http.Request, b *Broadcaster, topic string, snapshot any, logger *zerolog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)

	ch, cancel := b.Subscribe(32, topic)
	defer cancel()

	// Snapshot goes out after subscribing so no update can slip between the
	// snapshot read and the first delivered event.
	if snapshot != nil {
		if err := enc.Encode(line{Type: "snapshot", Data: snapshot}); err != nil {
			return
		}
		flusher.Flush()
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if err := enc.Encode(line{Type: "heartbeat", At: time.Now()}); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(line{Type: "update", At: ev.At, Data: ev.Data}); err != nil {
				logger.Debug().Err(err).Str("topic", topic).Msg("stream write failed; closing")
				return
			}
			flusher.Flush()
		}
	}
}

type line struct {
	Type string    `json:"type"`
	At   time.Time `json:"at,omitempty"`
	Data any       `json:"data,omitempty"`
}
