// Package maintenance runs the periodic housekeeping jobs: expiring
// opportunistic cache entries and refreshing the manifest when no push has
// arrived for a while.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tvboxd/internal/storage"
)

// cacheEvictionSchedule runs the eviction sweep every five minutes.
const cacheEvictionSchedule = "*/5 * * * *"

// ResyncFunc refreshes the manifest from the server.
type ResyncFunc func(ctx context.Context) error

// Runner owns the cron schedule for device housekeeping.
type Runner struct {
	cron   *cron.Cron
	cache  *storage.MediaCache
	ttl    time.Duration
	resync ResyncFunc
	logger *slog.Logger
}

// New creates a maintenance runner. resync may be nil when periodic resync
// is handled elsewhere.
func New(cache *storage.MediaCache, metadataTTL, resyncInterval time.Duration, resync ResyncFunc, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		cron:   cron.New(),
		cache:  cache,
		ttl:    metadataTTL,
		resync: resync,
		logger: logger.With(slog.String("component", "maintenance")),
	}

	if cache != nil {
		if _, err := r.cron.AddFunc(cacheEvictionSchedule, r.evictExpired); err != nil {
			return nil, err
		}
	}

	if resync != nil && resyncInterval > 0 {
		if _, err := r.cron.AddFunc(everySchedule(resyncInterval), r.runResync); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Start begins running scheduled jobs.
func (r *Runner) Start() {
	r.logger.Info("maintenance runner started")
	r.cron.Start()
}

// Stop halts the schedule and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("maintenance runner stopped")
}

func (r *Runner) evictExpired() {
	removed := r.cache.EvictExpired(r.ttl)
	if removed > 0 {
		r.logger.Info("evicted expired cache entries", slog.Int("removed", removed))
	}
}

func (r *Runner) runResync() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := r.resync(ctx); err != nil {
		r.logger.Warn("periodic resync failed", slog.String("error", err.Error()))
	}
}

// everySchedule renders an interval as a cron @every expression, flooring
// at one minute.
func everySchedule(interval time.Duration) string {
	if interval < time.Minute {
		interval = time.Minute
	}
	return "@every " + interval.String()
}
