package store

import (
	"context"
	"time"

	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// Purger periodically deletes records past the retention horizon. Audit
// connections are exempt (enforced in the SQL, see PurgeOlderThan).
type Purger struct {
	store    Store
	interval time.Duration
	hours    int
	logger   logging.Logger
}

// NewPurger builds a purger; interval and hours come from configuration.
func NewPurger(s Store, interval time.Duration, hours int, logger logging.Logger) *Purger {
	return &Purger{store: s, interval: interval, hours: hours, logger: logger}
}

// Run blocks, purging on each tick until the context is cancelled.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.logger.Info("Cleaning up database")
			n, err := p.store.PurgeOlderThan(ctx, p.hours)
			if err != nil {
				p.logger.WithError(err).Error("Error purging expired logs")
				continue
			}
			p.logger.WithField("deleted", n).Info("Purged records from database")
		}
	}
}
