package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PeerConnection is one accepted node stream. A row is created when the
// websocket handshake succeeds and updated at most once, when the node's
// peer_id is first seen in a payload.
type PeerConnection struct {
	ID        int64     `json:"id"`
	IPAddr    string    `json:"ip_addr"`
	PeerID    *string   `json:"peer_id"`
	CreatedAt time.Time `json:"created_at"`
	// Audit connections are exempt from retention purging
	Audit bool `json:"audit"`
}

// SubstrateLog is one accepted telemetry record. CreatedAt always comes from
// the record's own `ts` field, never from the server clock, so per-peer
// ordering survives reconnects.
type SubstrateLog struct {
	PeerConnectionID int64           `json:"peer_connection_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	Logs             json.RawMessage `json:"log"`
}

// PeerMessage is the logical stream key: which peer, which message kind.
// It is comparable and used as a map key throughout the cache and
// subscription layers.
type PeerMessage struct {
	PeerID string `json:"peer_id"`
	Msg    string `json:"msg"`
}

func (pm PeerMessage) String() string {
	return fmt.Sprintf("(%s, %s)", pm.PeerID, pm.Msg)
}

// Filter constrains store-query scope. Zero values mean "not set".
type Filter struct {
	StartTime *time.Time
	EndTime   *time.Time
	MaxAgeS   int64
	Limit     int
	PeerID    string
	Target    string
	Msg       string
}

// StartOrEpoch returns the filter start time, falling back to the epoch.
func (f Filter) StartOrEpoch() time.Time {
	if f.StartTime != nil {
		return *f.StartTime
	}
	if f.MaxAgeS > 0 {
		return time.Now().UTC().Add(-time.Duration(f.MaxAgeS) * time.Second)
	}
	return time.Unix(0, 0).UTC()
}

// EndOrNow returns the filter end time, falling back to the current time.
func (f Filter) EndOrNow() time.Time {
	if f.EndTime != nil {
		return *f.EndTime
	}
	return time.Now().UTC()
}
