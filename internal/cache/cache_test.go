package cache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-analytics/internal/metrics"
	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/pkg/logging"
	"github.com/paritytech/substrate-analytics/pkg/monitoring"
)

var (
	t0  = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pm1 = models.PeerMessage{PeerID: "P1", Msg: "system.interval"}
)

// newTestCache builds an agent whose state is driven directly by the test,
// with a controllable clock. Run is never started.
func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	now := t0
	c := New(Options{
		UpdateInterval: time.Second,
		UpdateTimeout:  15 * time.Second,
		Expiry:         time.Hour,
		IdleTimeout:    time.Hour,
	}, nil, metrics.New(monitoring.NewMetricsCollector("test", "dev", "none")), logging.NewLogger())
	c.now = func() time.Time { return now }
	return c, &now
}

func records(times ...time.Time) []models.SubstrateLog {
	out := make([]models.SubstrateLog, len(times))
	for i, ts := range times {
		out[i] = models.SubstrateLog{
			CreatedAt: ts,
			Logs:      json.RawMessage(fmt.Sprintf(`{"msg":"system.interval","seq":%d}`, i)),
		}
	}
	return out
}

func drainRequests(c *Cache) []RefreshRequest {
	var out []RefreshRequest
	for {
		select {
		case req := <-c.requests:
			out = append(out, req)
		default:
			return out
		}
	}
}

func TestEmptyRefreshRound(t *testing.T) {
	c, _ := newTestCache(t)
	c.entries[pm1] = &entry{lastUpdated: t0, lastUsed: t0}

	c.refreshRound()

	reqs := drainRequests(c)
	require.Len(t, reqs, 1)
	assert.Equal(t, pm1, reqs[0].PM)
	assert.Equal(t, t0, reqs[0].Since)
	require.NotNil(t, c.entries[pm1].startedUpdate)

	c.integrate(RefreshResponse{PM: pm1, Records: nil})

	e := c.entries[pm1]
	assert.Nil(t, e.startedUpdate)
	assert.Empty(t, e.deque)
	assert.Equal(t, t0, e.lastUpdated)
}

func TestSingleSubscriberFirstFetch(t *testing.T) {
	c, _ := newTestCache(t)
	sub := NewSubscriber("C")
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t0})

	t1, t2, t3 := t0.Add(time.Second), t0.Add(2*time.Second), t0.Add(3*time.Second)
	c.refreshRound()
	drainRequests(c)
	c.integrate(RefreshResponse{PM: pm1, Records: records(t1, t2, t3)})

	select {
	case d := <-sub.Deliveries():
		assert.Equal(t, pm1, d.PeerMessage)
		require.Len(t, d.Data, 3)
	default:
		t.Fatal("expected a delivery")
	}
	assert.Equal(t, t3, c.subscribers[sub][pm1].cursor)
	assert.Equal(t, t3, c.entries[pm1].lastUpdated)

	// An empty follow-up refresh must not produce a second delivery.
	c.refreshRound()
	drainRequests(c)
	c.integrate(RefreshResponse{PM: pm1})
	select {
	case <-sub.Deliveries():
		t.Fatal("unexpected delivery after empty refresh")
	default:
	}
}

func TestCursorResyncAfterGap(t *testing.T) {
	c, _ := newTestCache(t)
	sub := NewSubscriber("C")
	t10 := t0.Add(10 * time.Second)
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t10})

	// Everything up to T20 was purged; the window restarts at T21.
	var wave []time.Time
	for i := 21; i <= 25; i++ {
		wave = append(wave, t0.Add(time.Duration(i)*time.Second))
	}
	c.refreshRound()
	drainRequests(c)
	c.integrate(RefreshResponse{PM: pm1, Records: records(wave...)})

	select {
	case d := <-sub.Deliveries():
		require.Len(t, d.Data, 5)
	default:
		t.Fatal("expected a resync delivery")
	}
	assert.Equal(t, wave[len(wave)-1], c.subscribers[sub][pm1].cursor)
}

func TestStuckRefreshRecovery(t *testing.T) {
	c, now := newTestCache(t)
	c.entries[pm1] = &entry{lastUpdated: t0, lastUsed: t0}

	c.refreshRound()
	require.Len(t, drainRequests(c), 1)
	require.NotNil(t, c.entries[pm1].startedUpdate)

	// Within the abandon window the lock holds and no new request goes out.
	*now = t0.Add(20 * time.Second)
	c.refreshRound()
	assert.Empty(t, drainRequests(c))
	assert.NotNil(t, c.entries[pm1].startedUpdate)

	// Past 4x the timeout the sweep abandons the update and re-requests.
	*now = t0.Add(61 * time.Second)
	c.refreshRound()
	reqs := drainRequests(c)
	require.Len(t, reqs, 1)
	assert.Equal(t, t0, reqs[0].Since)

	// The hung fetch finally answers after the re-issued one integrated;
	// its response must be dropped, not appended twice.
	t1 := t0.Add(time.Second)
	c.integrate(RefreshResponse{PM: pm1, Records: records(t1)})
	c.integrate(RefreshResponse{PM: pm1, Records: records(t1)})
	assert.Len(t, c.entries[pm1].deque, 1)
}

func TestSlowSubscriberEvicted(t *testing.T) {
	c, _ := newTestCache(t)
	sub := NewSubscriber("C")
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t0})

	// Fill the outbound queue so the next fan-out send fails.
	for i := 0; i < deliveryBuffer; i++ {
		require.True(t, sub.send(Delivery{PeerMessage: pm1}))
	}

	c.refreshRound()
	drainRequests(c)
	c.integrate(RefreshResponse{PM: pm1, Records: records(t0.Add(time.Second))})

	_, ok := c.subscribers[sub]
	assert.False(t, ok, "slow subscriber should be removed")

	// The delivery channel closes so the transport notices.
	for range sub.Deliveries() {
	}
}

func TestRefreshErrorKeepsLock(t *testing.T) {
	c, _ := newTestCache(t)
	c.entries[pm1] = &entry{lastUpdated: t0, lastUsed: t0}

	c.refreshRound()
	drainRequests(c)
	c.integrate(RefreshResponse{PM: pm1, Err: fmt.Errorf("store unreachable")})

	assert.NotNil(t, c.entries[pm1].startedUpdate)

	// No second request while the lock is held.
	c.refreshRound()
	assert.Empty(t, drainRequests(c))
}

func TestIdleEntryEvicted(t *testing.T) {
	c, now := newTestCache(t)
	c.entries[pm1] = &entry{lastUpdated: t0, lastUsed: t0}

	*now = t0.Add(2 * time.Hour)
	c.refreshRound()
	drainRequests(c)

	_, ok := c.entries[pm1]
	assert.False(t, ok)
}

func TestIdleEntryWithSubscriberRetained(t *testing.T) {
	c, now := newTestCache(t)
	sub := NewSubscriber("C")
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t0})

	// A quiet stream never advances lastUsed, yet the attached subscriber
	// still counts as use.
	*now = t0.Add(2 * time.Hour)
	c.refreshRound()
	drainRequests(c)

	_, ok := c.entries[pm1]
	require.True(t, ok, "subscribed entry must survive the idle sweep")

	// Once the subscriber detaches, the next sweep evicts it.
	c.handleUnsubscribe(unsubscribeCmd{sub: sub, pm: pm1})
	c.refreshRound()
	drainRequests(c)
	_, ok = c.entries[pm1]
	assert.False(t, ok)
}

func TestSubscribeCreatesEmptyEntry(t *testing.T) {
	c, _ := newTestCache(t)
	sub := NewSubscriber("C")
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1})

	e, ok := c.entries[pm1]
	require.True(t, ok)
	assert.Empty(t, e.deque)
	assert.Equal(t, t0.Add(-time.Hour), e.lastUpdated)
	// Default cursor is the window start.
	assert.Equal(t, t0.Add(-time.Hour), c.subscribers[sub][pm1].cursor)
}

func TestSubscribeIdempotentUnsubscribeNoop(t *testing.T) {
	c, _ := newTestCache(t)
	sub := NewSubscriber("C")
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t0})
	c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t0})

	require.Len(t, c.subscribers[sub], 1)
	assert.Equal(t, t0, c.subscribers[sub][pm1].cursor)

	other := models.PeerMessage{PeerID: "P2", Msg: "system.interval"}
	c.handleUnsubscribe(unsubscribeCmd{sub: sub, pm: other})
	require.Len(t, c.subscribers[sub], 1)

	c.handleUnsubscribe(unsubscribeCmd{sub: sub, pm: pm1})
	_, ok := c.subscribers[sub]
	assert.False(t, ok)
	_, ok = c.entries[pm1]
	assert.True(t, ok, "cache entry outlives its subscribers")
}

func TestPurgeTruncatesExpiredPrefix(t *testing.T) {
	c, now := newTestCache(t)
	e := &entry{lastUsed: t0}
	for i := 0; i < 10; i++ {
		e.deque = append(e.deque, models.SubstrateLog{CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	e.lastUpdated = e.deque[len(e.deque)-1].CreatedAt
	c.entries[pm1] = e

	// Horizon lands between elements 4 and 5.
	*now = t0.Add(time.Hour + 4*time.Minute + 30*time.Second)
	c.purgeWindows()

	require.Len(t, e.deque, 5)
	horizon := now.Add(-time.Hour)
	for _, l := range e.deque {
		assert.False(t, l.CreatedAt.Before(horizon))
	}
}

func TestDequeStaysMonotonic(t *testing.T) {
	c, _ := newTestCache(t)
	c.entries[pm1] = &entry{lastUpdated: t0, lastUsed: t0}

	for wave := 0; wave < 5; wave++ {
		c.refreshRound()
		drainRequests(c)
		base := t0.Add(time.Duration(wave*10) * time.Second)
		c.integrate(RefreshResponse{PM: pm1, Records: records(base.Add(time.Second), base.Add(2*time.Second))})
	}

	e := c.entries[pm1]
	for i := 1; i < len(e.deque); i++ {
		assert.False(t, e.deque[i].CreatedAt.Before(e.deque[i-1].CreatedAt))
	}
	assert.Equal(t, e.deque[len(e.deque)-1].CreatedAt, e.lastUpdated)
}

func TestDeltaIndex(t *testing.T) {
	dq := records(t0.Add(1*time.Second), t0.Add(2*time.Second), t0.Add(4*time.Second))

	// Exact match resumes past it.
	assert.Equal(t, 2, deltaIndex(dq, t0.Add(2*time.Second)))
	// Cursor at the newest element yields an empty delta.
	assert.Equal(t, 3, deltaIndex(dq, t0.Add(4*time.Second)))
	// Cursor newer than the whole window yields an empty delta.
	assert.Equal(t, 3, deltaIndex(dq, t0.Add(10*time.Second)))
	// Cursor older than the whole window resyncs from the front.
	assert.Equal(t, 0, deltaIndex(dq, t0.Add(-time.Hour)))
	// Between elements, the closest wins.
	assert.Equal(t, 1, deltaIndex(dq, t0.Add(2*time.Second+200*time.Millisecond)))
	assert.Equal(t, 2, deltaIndex(dq, t0.Add(3*time.Second+800*time.Millisecond)))
	// Empty window.
	assert.Equal(t, 0, deltaIndex(nil, t0))
}

func TestReplayEquivalence(t *testing.T) {
	run := func() []Delivery {
		c, _ := newTestCache(t)
		sub := NewSubscriber("C")
		c.handleSubscribe(subscribeCmd{sub: sub, pm: pm1, startTime: &t0})

		for wave := 0; wave < 3; wave++ {
			c.refreshRound()
			drainRequests(c)
			base := t0.Add(time.Duration(wave*5) * time.Second)
			c.integrate(RefreshResponse{PM: pm1, Records: records(base.Add(time.Second), base.Add(2*time.Second))})
		}

		var out []Delivery
		for {
			select {
			case d := <-sub.Deliveries():
				out = append(out, d)
			default:
				return out
			}
		}
	}

	assert.Equal(t, run(), run())
}
