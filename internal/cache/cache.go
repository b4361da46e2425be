// Package cache keeps a recent window of records per subscribed stream key
// and fans incremental deltas out to feed subscribers. All cache state is
// owned by a single goroutine; the rest of the service talks to it through
// channels.
package cache

import (
	"context"
	"sort"
	"time"

	"github.com/paritytech/substrate-analytics/internal/metrics"
	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/internal/store"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// staleLockAbandonFactor multiplies the update timeout before an in-flight
// refresh is treated as abandoned and its lock cleared.
const staleLockAbandonFactor = 4

// Options tune the cache agent. Zero values fall back to defaults.
type Options struct {
	// UpdateInterval is the cadence of refresh rounds.
	UpdateInterval time.Duration
	// UpdateTimeout is how long a refresh may stay in flight before the
	// sweep starts warning about it.
	UpdateTimeout time.Duration
	// Expiry bounds the age of records kept in a window.
	Expiry time.Duration
	// IdleTimeout evicts entries nobody has read recently.
	IdleTimeout time.Duration
	// PurgeInterval is the cadence of window truncation.
	PurgeInterval time.Duration
	// Fetchers is the size of the store refresh pool.
	Fetchers int
}

func (o *Options) withDefaults() {
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = time.Second
	}
	if o.UpdateTimeout <= 0 {
		o.UpdateTimeout = 15 * time.Second
	}
	if o.Expiry <= 0 {
		o.Expiry = time.Hour
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Hour
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = 600 * time.Second
	}
	if o.Fetchers <= 0 {
		o.Fetchers = 2
	}
}

// entry is the cached window for one stream key. The deque is ordered
// ascending by CreatedAt; startedUpdate doubles as the refresh lock.
type entry struct {
	deque         []models.SubstrateLog
	lastUpdated   time.Time
	lastUsed      time.Time
	startedUpdate *time.Time
}

// subscription is one subscriber's view of one stream key.
type subscription struct {
	cursor time.Time
	agg    *aggregator
}

// RefreshRequest asks the fetch pool for records newer than Since.
type RefreshRequest struct {
	PM    models.PeerMessage
	Since time.Time
}

// RefreshResponse carries the fetch result back to the agent. Err leaves the
// entry locked; the stale-lock sweep recovers it.
type RefreshResponse struct {
	PM      models.PeerMessage
	Records []models.SubstrateLog
	Err     error
}

type subscribeCmd struct {
	sub       *Subscriber
	pm        models.PeerMessage
	startTime *time.Time
	agg       *AggregateSpec
}

type unsubscribeCmd struct {
	sub *Subscriber
	pm  models.PeerMessage
}

// Cache is the agent facade. Public methods enqueue commands; Run owns the
// state.
type Cache struct {
	opts    Options
	store   store.Store
	metrics *metrics.Metrics
	logger  logging.Logger

	entries     map[models.PeerMessage]*entry
	subscribers map[*Subscriber]map[models.PeerMessage]*subscription

	subscribe   chan subscribeCmd
	unsubscribe chan unsubscribeCmd
	remove      chan *Subscriber
	requests    chan RefreshRequest
	responses   chan RefreshResponse

	now func() time.Time
}

func New(opts Options, st store.Store, m *metrics.Metrics, logger logging.Logger) *Cache {
	opts.withDefaults()
	return &Cache{
		opts:        opts,
		store:       st,
		metrics:     m,
		logger:      logger,
		entries:     make(map[models.PeerMessage]*entry),
		subscribers: make(map[*Subscriber]map[models.PeerMessage]*subscription),
		subscribe:   make(chan subscribeCmd, 64),
		unsubscribe: make(chan unsubscribeCmd, 64),
		remove:      make(chan *Subscriber, 64),
		requests:    make(chan RefreshRequest, 1024),
		responses:   make(chan RefreshResponse, 1024),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe binds the subscriber to a stream key. A nil startTime defaults
// the cursor to the start of the retained window.
func (c *Cache) Subscribe(sub *Subscriber, pm models.PeerMessage, startTime *time.Time, agg *AggregateSpec) {
	c.subscribe <- subscribeCmd{sub: sub, pm: pm, startTime: startTime, agg: agg}
}

// Unsubscribe detaches one stream key from the subscriber.
func (c *Cache) Unsubscribe(sub *Subscriber, pm models.PeerMessage) {
	c.unsubscribe <- unsubscribeCmd{sub: sub, pm: pm}
}

// Drop detaches a subscriber entirely, typically when its transport closes.
func (c *Cache) Drop(sub *Subscriber) {
	c.remove <- sub
}

// Run drives the agent loop and the fetch pool until the context is
// cancelled.
func (c *Cache) Run(ctx context.Context) error {
	for i := 0; i < c.opts.Fetchers; i++ {
		go c.fetch(ctx)
	}

	refresh := time.NewTicker(c.opts.UpdateInterval)
	defer refresh.Stop()
	purge := time.NewTicker(c.opts.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.subscribe:
			c.handleSubscribe(cmd)
		case cmd := <-c.unsubscribe:
			c.handleUnsubscribe(cmd)
		case sub := <-c.remove:
			c.removeSubscriber(sub)
		case resp := <-c.responses:
			c.integrate(resp)
		case <-refresh.C:
			c.refreshRound()
		case <-purge.C:
			c.purgeWindows()
		}
		c.metrics.CacheEntries.WithLabelValues().Set(float64(len(c.entries)))
		c.metrics.CacheSubscribers.WithLabelValues().Set(float64(len(c.subscribers)))
	}
}

// fetch serves refresh requests against the store. Failures are reported
// back so the agent can log them; the entry stays locked either way until
// integration or the stale-lock sweep.
func (c *Cache) fetch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			records, err := c.store.FetchSince(ctx, req.PM, req.Since, store.RecordLimit)
			select {
			case c.responses <- RefreshResponse{PM: req.PM, Records: records, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Cache) handleSubscribe(cmd subscribeCmd) {
	now := c.now()
	cursor := now.Add(-c.opts.Expiry)
	if cmd.startTime != nil {
		cursor = *cmd.startTime
	}

	if _, ok := c.entries[cmd.pm]; !ok {
		c.entries[cmd.pm] = &entry{
			lastUpdated: now.Add(-c.opts.Expiry),
			lastUsed:    now,
		}
	}

	subs, ok := c.subscribers[cmd.sub]
	if !ok {
		subs = make(map[models.PeerMessage]*subscription)
		c.subscribers[cmd.sub] = subs
	}
	s := &subscription{cursor: cursor}
	if cmd.agg != nil {
		s.agg = newAggregator(*cmd.agg)
	}
	subs[cmd.pm] = s

	c.logger.WithFields(logging.Fields{
		"peer_message": cmd.pm.String(),
		"subscriber":   cmd.sub.ID,
	}).Info("Subscribed to peer message")
}

func (c *Cache) handleUnsubscribe(cmd unsubscribeCmd) {
	subs, ok := c.subscribers[cmd.sub]
	if !ok {
		return
	}
	delete(subs, cmd.pm)
	if len(subs) == 0 {
		delete(c.subscribers, cmd.sub)
	}
}

func (c *Cache) removeSubscriber(sub *Subscriber) {
	delete(c.subscribers, sub)
}

func (c *Cache) hasSubscriber(pm models.PeerMessage) bool {
	for _, subs := range c.subscribers {
		if _, ok := subs[pm]; ok {
			return true
		}
	}
	return false
}

// refreshRound is the periodic sweep: recover stale locks, evict idle
// entries, then request a refresh for every unlocked entry.
func (c *Cache) refreshRound() {
	now := c.now()

	for pm, e := range c.entries {
		if e.startedUpdate == nil {
			continue
		}
		age := now.Sub(*e.startedUpdate)
		if age <= c.opts.UpdateTimeout {
			continue
		}
		c.logger.WithFields(logging.Fields{
			"peer_message": pm.String(),
			"age":          age,
		}).Warn("Cache refresh exceeded timeout")
		if age > staleLockAbandonFactor*c.opts.UpdateTimeout {
			c.logger.WithField("peer_message", pm.String()).Warn("Abandoning stuck cache refresh")
			e.startedUpdate = nil
		}
	}

	for pm, e := range c.entries {
		// An attached subscriber counts as use even when the stream is
		// quiet; evicting would starve that subscription permanently.
		if e.lastUsed.Add(c.opts.IdleTimeout).Before(now) && !c.hasSubscriber(pm) {
			delete(c.entries, pm)
			c.logger.WithField("peer_message", pm.String()).Info("Evicted idle cache entry")
		}
	}

	for pm, e := range c.entries {
		if e.startedUpdate != nil {
			continue
		}
		t := now
		e.startedUpdate = &t
		select {
		case c.requests <- RefreshRequest{PM: pm, Since: e.lastUpdated}:
		default:
			// Pool saturated. Leave the lock set; the sweep clears it
			// if the backlog never drains.
			c.logger.WithField("peer_message", pm.String()).Warn("Refresh queue full, skipping entry")
		}
	}
}

// integrate applies one refresh result: release the lock, append the new
// records, fan out deltas.
func (c *Cache) integrate(resp RefreshResponse) {
	e, ok := c.entries[resp.PM]
	if !ok || e.startedUpdate == nil {
		c.logger.WithField("peer_message", resp.PM.String()).Warn("Dropping stale refresh response")
		return
	}
	if resp.Err != nil {
		// Keep the lock so the entry is not immediately re-requested;
		// the sweep recovers it.
		c.logger.WithError(resp.Err).WithField("peer_message", resp.PM.String()).Error("Cache refresh failed")
		return
	}
	e.startedUpdate = nil
	if len(resp.Records) == 0 {
		return
	}

	e.deque = append(e.deque, resp.Records...)
	e.lastUpdated = e.deque[len(e.deque)-1].CreatedAt
	c.fanOut(resp.PM, e)
	e.lastUsed = c.now()
}

// fanOut pushes the delta past each subscriber's cursor. Dead subscribers
// are collected during the loop and removed after it.
func (c *Cache) fanOut(pm models.PeerMessage, e *entry) {
	var dead []*Subscriber

	for sub, subs := range c.subscribers {
		s, ok := subs[pm]
		if !ok {
			continue
		}
		i := deltaIndex(e.deque, s.cursor)
		if i >= len(e.deque) {
			continue
		}
		delta := e.deque[i:]

		frame, ok := s.frame(pm, delta, c.logger)
		if !ok {
			// Aggregating subscription with no closed bucket yet.
			s.cursor = delta[len(delta)-1].CreatedAt
			continue
		}
		if sub.send(frame) {
			s.cursor = delta[len(delta)-1].CreatedAt
			continue
		}
		c.logger.WithField("subscriber", sub.ID).Warn("Subscriber not keeping up, dropping")
		dead = append(dead, sub)
	}

	for _, sub := range dead {
		delete(c.subscribers, sub)
		sub.close()
	}
}

// purgeWindows truncates each window to the retained age.
func (c *Cache) purgeWindows() {
	horizon := c.now().Add(-c.opts.Expiry)
	for _, e := range c.entries {
		cut := sort.Search(len(e.deque), func(i int) bool {
			return !e.deque[i].CreatedAt.Before(horizon)
		})
		if cut > 0 {
			e.deque = append([]models.SubstrateLog(nil), e.deque[cut:]...)
		}
	}
}

// deltaIndex locates the first element to deliver for a cursor. An exact
// created_at match resumes just past it; otherwise the element closest in
// time is used, which resyncs subscribers whose cursor fell out of the
// window.
func deltaIndex(deque []models.SubstrateLog, cursor time.Time) int {
	n := len(deque)
	i := sort.Search(n, func(i int) bool {
		return !deque[i].CreatedAt.Before(cursor)
	})
	if i < n && deque[i].CreatedAt.Equal(cursor) {
		return i + 1
	}
	if i == n || i == 0 {
		// Nothing newer, or the whole window is newer than the cursor.
		return i
	}
	before := cursor.Sub(deque[i-1].CreatedAt)
	after := deque[i].CreatedAt.Sub(cursor)
	if before < after {
		return i - 1
	}
	return i
}
