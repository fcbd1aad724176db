package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/stats"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// SubscriptionMessage is the single message written to a subscriber
type SubscriptionMessage struct {
	Key        string                  `json:"key"`
	Statistics *stats.PeriodStatistics `json:"statistics,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// handleSubscribe upgrades to a websocket, writes one message when the period's
// statistics resolve, then closes.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	key, err := periodKey(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	results, cancel, err := h.engine.Subscribe(key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(config.WSPingInterval)
	defer ping.Stop()
	deadline := time.NewTimer(config.WSWaitTimeout)
	defer deadline.Stop()

	msg := SubscriptionMessage{Key: key.Canonical().String()}
	for {
		select {
		case res := <-results:
			if res.Err != nil {
				msg.Error = res.Err.Error()
			} else if s, ok := res.Value.(stats.PeriodStatistics); ok {
				msg.Statistics = &s
			} else {
				msg.Error = "unexpected result type"
			}
			h.finish(conn, msg)
			return
		case <-deadline.C:
			msg.Error = "timed out waiting for result"
			h.finish(conn, msg)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) finish(conn *websocket.Conn, msg SubscriptionMessage) {
	conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(config.WSWriteDeadline))
}
