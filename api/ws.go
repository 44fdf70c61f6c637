package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer and the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamFeed upgrades to a websocket, sends a snapshot of the requested
// window, then every committed change for the lab. When the server drops
// a slow subscriber it sends a resync frame and closes; the client
// reconnects and receives a fresh snapshot.
func (h *Handler) StreamFeed(w http.ResponseWriter, r *http.Request) {
	lab := labParam(r)
	from, to, err := h.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date window", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before loading the snapshot so no commit falls between them.
	changes, err := h.Feed.Subscribe(ctx, lab)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	snapshot, err := h.Store.BookingsInRange(ctx, lab, from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := hlog.FromRequest(r).With().Str("lab", lab).Logger()

	// The read loop only handles control frames and notices disconnects.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg FeedMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("feed write failed")
			return false
		}
		return true
	}

	if !send(FeedMessage{Type: MessageSnapshot, Bookings: snapshot}) {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					log.Warn().Msg("feed subscriber fell behind")
					send(FeedMessage{Type: MessageResync})
				}
				return
			}
			if !send(FeedMessage{Type: MessageChanges, Changes: batch}) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
