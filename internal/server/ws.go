package server

import (
	"log"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"gigchain/internal/engine"
)

const (
	streamPollInterval = time.Second
	streamBatch        = 100
	streamWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerEventStream serves the live event feed over a websocket. The
// client receives every event after its cursor (default: now), one JSON
// message per event, in id order.
func registerEventStream(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "events/watch"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		cursor, _ := strconv.ParseInt(req.URL.Query().Get("cursor"), 10, 64)
		jobID := req.URL.Query().Get("job")
		if cursor <= 0 {
			latest, err := e.Repo.LatestEventID(ctx, jobID)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			cursor = latest
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Discard client frames; a read error means the peer went away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		for {
			events, err := e.Repo.EventsAfter(ctx, streamBatch, cursor, jobID)
			if err != nil {
				log.Printf("event stream: fetch failed: %v", err)
				return
			}
			for _, evt := range events {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
				cursor = evt.ID
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}
