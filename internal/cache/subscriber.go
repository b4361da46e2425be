package cache

import (
	"encoding/json"
	"sync"

	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// deliveryBuffer bounds how many frames a subscriber may fall behind before
// it is dropped.
const deliveryBuffer = 64

// Delivery is one outbound feed frame.
type Delivery struct {
	PeerMessage models.PeerMessage `json:"peer_message"`
	Data        []json.RawMessage  `json:"data"`
}

// Subscriber is a fan-out target. The delivery channel closes when the cache
// drops the subscriber, which the transport treats as a disconnect signal.
type Subscriber struct {
	ID string

	deliveries chan Delivery
	closeOnce  sync.Once
}

func NewSubscriber(id string) *Subscriber {
	return &Subscriber{
		ID:         id,
		deliveries: make(chan Delivery, deliveryBuffer),
	}
}

// Deliveries is the stream consumed by the subscriber's transport.
func (s *Subscriber) Deliveries() <-chan Delivery {
	return s.deliveries
}

// send attempts a non-blocking delivery. False means the subscriber is not
// keeping up.
func (s *Subscriber) send(d Delivery) bool {
	select {
	case s.deliveries <- d:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.deliveries) })
}

// frame turns a delta into a delivery frame. For aggregating subscriptions
// the records first pass through the interval buckets; false means no bucket
// closed, so there is nothing to send yet.
func (s *subscription) frame(pm models.PeerMessage, delta []models.SubstrateLog, logger logging.Logger) (Delivery, bool) {
	if s.agg == nil {
		data := make([]json.RawMessage, len(delta))
		for i, l := range delta {
			data[i] = l.Logs
		}
		return Delivery{PeerMessage: pm, Data: data}, true
	}

	recs := s.agg.add(delta, logger)
	if len(recs) == 0 {
		return Delivery{}, false
	}
	data := make([]json.RawMessage, 0, len(recs))
	for _, r := range recs {
		buf, err := json.Marshal(r)
		if err != nil {
			logger.WithError(err).Debug("Failed to marshal aggregated record")
			continue
		}
		data = append(data, buf)
	}
	return Delivery{PeerMessage: pm, Data: data}, len(data) > 0
}
