// Package feed serves the subscriber websocket endpoint: clients subscribe
// to (peer_id, msg) streams and receive incremental deltas pushed from the
// cache.
package feed

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/paritytech/substrate-analytics/internal/cache"
	"github.com/paritytech/substrate-analytics/internal/metrics"
	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options tune feed sessions.
type Options struct {
	// HeartbeatInterval is the ping cadence.
	HeartbeatInterval time.Duration
	// ClientTimeout closes the session when the client goes quiet.
	ClientTimeout time.Duration
}

// Handler upgrades feed connections and runs one session per subscriber.
type Handler struct {
	opts    Options
	cache   *cache.Cache
	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewHandler(opts Options, c *cache.Cache, m *metrics.Metrics, logger logging.Logger) *Handler {
	return &Handler{opts: opts, cache: c, metrics: m, logger: logger}
}

// request is one inbound control frame from a feed client.
type request struct {
	PeerID            string  `json:"peer_id"`
	Msg               string  `json:"msg"`
	Interest          string  `json:"interest"`
	StartTime         *string `json:"start_time"`
	AggregateType     *string `json:"aggregate_type"`
	AggregateInterval *int    `json:"aggregate_interval"`
}

// errorFrame is pushed back for malformed requests; the session stays open.
type errorFrame struct {
	Error string `json:"error"`
}

// Serve returns the gin handler for the feed endpoint.
func (h *Handler) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.WithError(err).Error("Failed to upgrade feed connection")
			return
		}

		sub := cache.NewSubscriber(uuid.NewString())
		s := &session{
			conn:    conn,
			sub:     sub,
			handler: h,
			errs:    make(chan errorFrame, 16),
			done:    make(chan struct{}),
			logger:  h.logger.WithField("subscriber", sub.ID),
		}

		h.metrics.FeedsConnected.WithLabelValues().Inc()
		h.metrics.CurrentFeedConnections.WithLabelValues().Inc()

		go s.writePump()
		s.readPump()
	}
}

type session struct {
	conn    *websocket.Conn
	sub     *cache.Subscriber
	handler *Handler
	errs    chan errorFrame
	done    chan struct{}
	logger  logging.Entry
}

func (s *session) readPump() {
	h := s.handler
	reason := "closed"
	defer func() {
		h.cache.Drop(s.sub)
		h.metrics.FeedsDisconnected.WithLabelValues(reason).Inc()
		h.metrics.CurrentFeedConnections.WithLabelValues().Dec()
		close(s.done)
		s.logger.Info("Feed client disconnected")
		_ = s.conn.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout))
	})
	s.conn.SetPingHandler(func(appData string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout)); err != nil {
			return err
		}
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	s.logger.Info("Feed client connected")
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				reason = "timeout"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = "error"
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout))
		s.onRequest(payload)
	}
}

// onRequest validates a control frame and applies it. Every problem is
// answered with an error frame rather than a disconnect.
func (s *session) onRequest(payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.reject("invalid json")
		return
	}
	if req.PeerID == "" || req.Msg == "" {
		s.reject("peer_id and msg are required")
		return
	}
	pm := models.PeerMessage{PeerID: req.PeerID, Msg: req.Msg}

	switch req.Interest {
	case "subscribe":
		var startTime *time.Time
		if req.StartTime != nil {
			ts, err := time.Parse(time.RFC3339Nano, *req.StartTime)
			if err != nil {
				s.reject("start_time must be RFC-3339")
				return
			}
			utc := ts.UTC()
			startTime = &utc
		}

		var agg *cache.AggregateSpec
		if req.AggregateType != nil {
			typ, err := cache.ParseAggregateType(*req.AggregateType)
			if err != nil {
				s.reject(err.Error())
				return
			}
			if req.AggregateInterval == nil || *req.AggregateInterval <= 0 {
				s.reject("aggregate_interval must be a positive number of seconds")
				return
			}
			agg = &cache.AggregateSpec{
				Type:     typ,
				Interval: time.Duration(*req.AggregateInterval) * time.Second,
			}
		}
		s.handler.cache.Subscribe(s.sub, pm, startTime, agg)

	case "unsubscribe":
		s.handler.cache.Unsubscribe(s.sub, pm)

	default:
		s.reject("interest must be subscribe or unsubscribe")
	}
}

func (s *session) reject(reason string) {
	select {
	case s.errs <- errorFrame{Error: reason}:
	default:
		s.logger.Warn("Error frame queue full")
	}
}

// writePump multiplexes deliveries, error frames and heartbeat pings onto
// the connection. A closed delivery channel means the cache dropped us for
// falling behind; the session ends.
func (s *session) writePump() {
	ticker := time.NewTicker(s.handler.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case d, ok := <-s.sub.Deliveries():
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			if !s.write(d) {
				return
			}
		case e := <-s.errs:
			if !s.write(e) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) write(v interface{}) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.WithError(err).Debug("Feed write failed")
		return false
	}
	return true
}
