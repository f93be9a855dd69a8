package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleSyncLogStream upgrades to a websocket and pushes each new sync
// log entry as a JSON message until the client disconnects. Slow
// clients that fall behind the subscription buffer miss entries rather
// than stall the recorder.
func (s *Server) handleSyncLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the failure response.
		log.Printf("httpapi: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	entries, cancel := s.syncLog.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-entries:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, entry)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
