package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// AggregateType selects the statistic computed over payload `time` values
// within an interval bucket.
type AggregateType string

const (
	AggregateMean   AggregateType = "mean"
	AggregateMedian AggregateType = "median"
	AggregateMin    AggregateType = "min"
	AggregateMax    AggregateType = "max"
	AggregateP90    AggregateType = "percentile90"
)

// ParseAggregateType validates a client-supplied aggregate type.
func ParseAggregateType(s string) (AggregateType, error) {
	switch t := AggregateType(s); t {
	case AggregateMean, AggregateMedian, AggregateMin, AggregateMax, AggregateP90:
		return t, nil
	}
	return "", fmt.Errorf("unknown aggregate type: %q", s)
}

// AggregateSpec is a subscription's aggregation request.
type AggregateSpec struct {
	Type     AggregateType
	Interval time.Duration
}

// AggregatedRecord replaces raw records on aggregating subscriptions: one
// per (target, name) group per closed bucket, stamped at the bucket start.
type AggregatedRecord struct {
	Time      float64   `json:"time"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	Values    int       `json:"values"`
	CreatedAt time.Time `json:"created_at"`
}

// sample is one record reduced to the fields aggregation needs.
type sample struct {
	at     time.Time
	target string
	name   string
	value  int64
}

// aggPayload is the slice of a record's JSON that aggregation reads.
type aggPayload struct {
	Target *string `json:"target"`
	Name   *string `json:"name"`
	Time   *int64  `json:"time"`
}

// aggregator buckets a subscription's records into fixed intervals. Samples
// arrive ascending by created_at, so the buffer stays sorted by appending.
type aggregator struct {
	spec        AggregateSpec
	windowStart time.Time
	buf         []sample
}

func newAggregator(spec AggregateSpec) *aggregator {
	return &aggregator{spec: spec}
}

// add ingests a delta and returns the records of every bucket it closed.
// The unclosed tail stays buffered for the next delta.
func (a *aggregator) add(delta []models.SubstrateLog, logger logging.Logger) []AggregatedRecord {
	for _, l := range delta {
		var p aggPayload
		if err := json.Unmarshal(l.Logs, &p); err != nil || p.Target == nil || p.Name == nil || p.Time == nil {
			logger.Debug("Skipping record without aggregatable payload")
			continue
		}
		a.buf = append(a.buf, sample{at: l.CreatedAt, target: *p.Target, name: *p.Name, value: *p.Time})
	}
	if len(a.buf) == 0 {
		return nil
	}
	if a.windowStart.IsZero() {
		a.windowStart = a.buf[0].at
	}

	var out []AggregatedRecord
	latest := a.buf[len(a.buf)-1].at
	for latest.Sub(a.windowStart) > a.spec.Interval {
		end := a.windowStart.Add(a.spec.Interval)
		cut := sort.Search(len(a.buf), func(i int) bool {
			return !a.buf[i].at.Before(end)
		})
		out = append(out, a.closeBucket(a.buf[:cut])...)
		a.buf = a.buf[cut:]
		a.windowStart = end
	}
	return out
}

// closeBucket groups a bucket by (target, name) and computes the statistic
// per group. Output order is stable for a given bucket.
func (a *aggregator) closeBucket(bucket []sample) []AggregatedRecord {
	if len(bucket) == 0 {
		return nil
	}

	type key struct{ target, name string }
	groups := make(map[key][]int64)
	var order []key
	for _, s := range bucket {
		k := key{s.target, s.name}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], s.value)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].target != order[j].target {
			return order[i].target < order[j].target
		}
		return order[i].name < order[j].name
	})

	out := make([]AggregatedRecord, 0, len(order))
	for _, k := range order {
		vals := groups[k]
		out = append(out, AggregatedRecord{
			Time:      statistic(a.spec.Type, vals),
			Name:      k.name,
			Target:    k.target,
			Values:    len(vals),
			CreatedAt: a.windowStart,
		})
	}
	return out
}

// statistic computes the chosen reduction over a non-empty value set.
func statistic(t AggregateType, vals []int64) float64 {
	switch t {
	case AggregateMean:
		var sum int64
		for _, v := range vals {
			sum += v
		}
		return float64(sum) / float64(len(vals))
	case AggregateMin:
		min := vals[0]
		for _, v := range vals[1:] {
			if v < min {
				min = v
			}
		}
		return float64(min)
	case AggregateMax:
		max := vals[0]
		for _, v := range vals[1:] {
			if v > max {
				max = v
			}
		}
		return float64(max)
	case AggregateMedian:
		sorted := sortedCopy(vals)
		n := len(sorted)
		if n%2 == 1 {
			return float64(sorted[n/2])
		}
		return float64(sorted[n/2-1]+sorted[n/2]) / 2
	case AggregateP90:
		sorted := sortedCopy(vals)
		rank := int(math.Ceil(0.9*float64(len(sorted)))) - 1
		if rank < 0 {
			rank = 0
		}
		return float64(sorted[rank])
	}
	return 0
}

func sortedCopy(vals []int64) []int64 {
	sorted := append([]int64(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}
