// Package handlers is the read-only HTTP query surface over the store. It
// never touches cache state.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/internal/store"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handlers serves the node and stats queries.
type Handlers struct {
	queries store.Queries
	logger  logging.Logger
}

func New(q store.Queries, logger logging.Logger) *Handlers {
	return &Handlers{queries: q, logger: logger}
}

// Register mounts the query routes.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/nodes", h.GetNodes)
	r.GET("/nodes/logs", h.GetLogs)
	r.GET("/nodes/log_stats", h.GetLogStats)
	r.GET("/stats/db", h.GetDBSize)
}

// GetNodes returns the latest connection row per known peer.
func (h *Handlers) GetNodes(c *gin.Context) {
	nodes, err := h.queries.Nodes(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to query nodes")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to query nodes"})
		return
	}
	if nodes == nil {
		nodes = []models.PeerConnection{}
	}
	c.JSON(http.StatusOK, nodes)
}

// GetLogs returns a peer's records within a time window, newest first.
// Optional query params: start_time, end_time (RFC-3339), max_age_s, msg,
// target, limit.
func (h *Handlers) GetLogs(c *gin.Context) {
	f, ok := h.filterFromQuery(c)
	if !ok {
		return
	}

	logs, err := h.queries.Logs(c.Request.Context(), f)
	if err != nil {
		h.logger.WithError(err).WithField("peer_id", f.PeerID).Error("Failed to query logs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to query logs"})
		return
	}
	if logs == nil {
		logs = []store.LogRow{}
	}
	c.JSON(http.StatusOK, logs)
}

// GetLogStats returns per-message-kind record counts for a peer.
func (h *Handlers) GetLogStats(c *gin.Context) {
	peerID := c.Query("peer_id")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "peer_id is required"})
		return
	}

	stats, err := h.queries.LogStats(c.Request.Context(), peerID)
	if err != nil {
		h.logger.WithError(err).WithField("peer_id", peerID).Error("Failed to query log stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to query log stats"})
		return
	}
	if stats == nil {
		stats = []store.LogStat{}
	}
	c.JSON(http.StatusOK, stats)
}

// GetDBSize returns the store's relation size summary.
func (h *Handlers) GetDBSize(c *gin.Context) {
	sizes, err := h.queries.DBSize(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to query database size")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to query database size"})
		return
	}
	c.JSON(http.StatusOK, sizes)
}

func (h *Handlers) filterFromQuery(c *gin.Context) (models.Filter, bool) {
	f := models.Filter{
		PeerID: c.Query("peer_id"),
		Msg:    c.Query("msg"),
		Target: c.Query("target"),
	}
	if f.PeerID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "peer_id is required"})
		return f, false
	}

	if v := c.Query("start_time"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid start_time format"})
			return f, false
		}
		utc := ts.UTC()
		f.StartTime = &utc
	}
	if v := c.Query("end_time"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid end_time format"})
			return f, false
		}
		utc := ts.UTC()
		f.EndTime = &utc
	}
	if v := c.Query("max_age_s"); v != "" {
		age, err := strconv.ParseInt(v, 10, 64)
		if err != nil || age < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid max_age_s"})
			return f, false
		}
		f.MaxAgeS = age
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit"})
			return f, false
		}
		f.Limit = limit
	}
	return f, true
}
