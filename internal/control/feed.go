package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/replay/internal/metrics"
)

const (
	feedWriteTimeout = 5 * time.Second
	feedMaxMessage   = 64 << 10
)

// feedMessage is one message on the status feed. Status updates are pushed
// at the feed interval; commands received on the socket are answered with
// a result message.
type feedMessage struct {
	Type   string  `json:"type"`
	Status *Status `json:"status,omitempty"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	metrics.FeedClients.Inc()
	defer metrics.FeedClients.Dec()
	s.log.Debug("feed client connected", "remote", r.RemoteAddr)

	replies := make(chan feedMessage, 8)
	readDone := make(chan struct{})
	go s.readFeed(conn, replies, readDone)

	t := time.NewTicker(s.cfg.FeedInterval)
	defer t.Stop()
	for {
		var msg feedMessage
		select {
		case <-readDone:
			s.log.Debug("feed client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case msg = <-replies:
		case <-t.C:
			st := s.ctl.Status()
			msg = feedMessage{Type: "status", Status: &st}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug("feed write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

// readFeed dispatches commands sent by the client until the connection
// closes. Replies are dropped when the writer falls behind.
func (s *Server) readFeed(conn *websocket.Conn, replies chan<- feedMessage, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(feedMaxMessage)
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("feed read error", "error", err)
			}
			return
		}
		res, err := s.ctl.Dispatch(cmd)
		reply := feedMessage{Type: "result", Result: &res}
		if err != nil {
			reply.Error = err.Error()
		}
		select {
		case replies <- reply:
		default:
		}
	}
}
