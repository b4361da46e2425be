// Package ingest accepts telemetry streams from substrate nodes over
// websocket and feeds accepted records into the log buffer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/paritytech/substrate-analytics/internal/buffer"
	"github.com/paritytech/substrate-analytics/internal/metrics"
	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/internal/store"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// writeWait bounds a single control-frame write.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options tune node sessions.
type Options struct {
	// HeartbeatInterval is the ping cadence.
	HeartbeatInterval time.Duration
	// ClientTimeout closes the session when the node goes quiet.
	ClientTimeout time.Duration
	// MaxPayload caps a single inbound frame.
	MaxPayload int64
}

// Handler upgrades node connections and runs one session per stream.
type Handler struct {
	opts    Options
	buffer  *buffer.LogBuffer
	store   store.Store
	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewHandler(opts Options, buf *buffer.LogBuffer, st store.Store, m *metrics.Metrics, logger logging.Logger) *Handler {
	return &Handler{opts: opts, buffer: buf, store: st, metrics: m, logger: logger}
}

// Serve returns the gin handler for a node endpoint. Audit streams are
// recorded as such and exempt from retention purging downstream.
func (h *Handler) Serve(audit bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		// The connection row must exist before the stream is accepted; a
		// store failure refuses the handshake outright.
		ip := c.Request.RemoteAddr
		pc, err := h.store.CreatePeerConnection(c.Request.Context(), ip, audit)
		if err != nil {
			h.logger.WithError(err).WithField("ip", ip).Error("Failed to record peer connection")
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.WithError(err).Error("Failed to upgrade node connection")
			return
		}

		s := &session{
			conn:    conn,
			pc:      pc,
			handler: h,
			logger: h.logger.WithFields(logging.Fields{
				"connection_id": pc.ID,
				"ip":            ip,
				"audit":         audit,
			}),
		}

		h.metrics.WSConnected.WithLabelValues(boolLabel(audit)).Inc()
		h.metrics.CurrentNodeConnections.WithLabelValues().Inc()

		go s.writePump()
		s.readPump()
	}
}

// envelope is the slice of a telemetry frame the session inspects. The full
// payload is stored verbatim.
type envelope struct {
	TS           *string `json:"ts"`
	Msg          string  `json:"msg"`
	NetworkState *struct {
		PeerID *string `json:"peerId"`
	} `json:"network_state"`
}

type session struct {
	conn    *websocket.Conn
	pc      *models.PeerConnection
	handler *Handler
	logger  logging.Entry
}

// readPump is the session's main loop. Every frame carries one JSON record;
// pings, pongs and data frames all count as liveness.
func (s *session) readPump() {
	h := s.handler
	reason := "closed"
	defer func() {
		h.metrics.WSDropped.WithLabelValues(reason).Inc()
		h.metrics.CurrentNodeConnections.WithLabelValues().Dec()
		s.logger.Info("Node disconnected")
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(h.opts.MaxPayload)
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

	s.logger.Info("Node connected")
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.logger.Warn("Node heartbeat timed out")
				reason = "timeout"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Warn("Node connection error")
				reason = "error"
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout))
		s.onMessage(payload)
	}
}

// onMessage validates one record and hands it to the buffer. A malformed or
// rejected record never terminates the session.
func (s *session) onMessage(payload []byte) {
	h := s.handler
	h.metrics.WSBytesReceived.WithLabelValues().Add(float64(len(payload)))

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.metrics.LogsDropped.WithLabelValues("malformed").Inc()
		s.logger.WithError(err).Debug("Dropping unparseable record")
		return
	}
	h.metrics.WSMessagesReceived.WithLabelValues(messageKind(env.Msg)).Inc()

	if env.TS == nil {
		h.metrics.LogsDropped.WithLabelValues("missing_ts").Inc()
		s.logger.Debug("Dropping record without ts")
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, *env.TS)
	if err != nil {
		h.metrics.LogsDropped.WithLabelValues("bad_ts").Inc()
		s.logger.WithError(err).Debug("Dropping record with invalid ts")
		return
	}

	if s.pc.PeerID == nil && env.NetworkState != nil && env.NetworkState.PeerID != nil {
		s.setPeerID(*env.NetworkState.PeerID)
	}

	err = h.buffer.Enqueue(models.SubstrateLog{
		PeerConnectionID: s.pc.ID,
		CreatedAt:        ts.UTC(),
		Logs:             append(json.RawMessage(nil), payload...),
	})
	if errors.Is(err, buffer.ErrOverloaded) {
		// Counted by the buffer. The record is lost, the session lives on.
		s.logger.Debug("Buffer overloaded, record dropped")
	}
}

// setPeerID persists the peer id the first time it shows up in a payload.
func (s *session) setPeerID(peerID string) {
	h := s.handler
	if err := h.store.UpdatePeerID(context.Background(), s.pc.ID, peerID); err != nil {
		s.logger.WithError(err).Error("Failed to update peer id")
		return
	}
	s.pc.PeerID = &peerID
	s.logger.WithField("peer_id", peerID).Info("Peer identified")
}

// writePump sends heartbeat pings until the connection dies.
func (s *session) writePump() {
	ticker := time.NewTicker(s.handler.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for range ticker.C {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func messageKind(msg string) string {
	if msg == "" {
		return "unknown"
	}
	return msg
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
