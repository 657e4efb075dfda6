package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zsiec/phasemux/internal/events"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 15 * time.Second
)

// handleEventStream upgrades to a websocket and streams every event reported
// to the hub as a JSON object until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.config.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream not configured")
		return
	}

	// Origin checks are left to a reverse proxy, as for the rest of the API.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.config.Hub.Subscribe(events.DefaultSubscriberBuffer)
	defer sub.Close()

	s.log.Info("event stream opened", "remote", r.RemoteAddr)

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client closes.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event hub closed")
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				s.log.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			s.log.Info("event stream closed", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, events.Recent(e))
}
