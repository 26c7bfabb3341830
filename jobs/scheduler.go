package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"pulse/config"
	"pulse/db"
	"pulse/models"
)

// Scheduler enqueues the recurring maintenance jobs: the daily midnight
// cleanup of old anonymous views and the periodic counter reconciliation.
// The jobs themselves run on the analytics lane so scheduled work never
// competes with request-serving capacity.
type Scheduler struct {
	db     *db.DB
	config *config.TomlConfig
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(database *db.DB, cfg *config.TomlConfig) *Scheduler {
	return &Scheduler{
		db:     database,
		config: cfg,
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)

		reconcileTicker := time.NewTicker(s.config.ReconcileInterval())
		defer reconcileTicker.Stop()

		// First cleanup fires at the next midnight, then every 24 hours
		cleanupTimer := time.NewTimer(untilNextMidnight(time.Now()))
		defer cleanupTimer.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("Scheduler shutting down")
				return

			case <-reconcileTicker.C:
				s.enqueue(ctx, models.JobReconcile)

			case <-cleanupTimer.C:
				s.enqueue(ctx, models.JobCleanupViews)
				cleanupTimer.Reset(24 * time.Hour)
			}
		}
	}()
}

func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) enqueue(ctx context.Context, kind string) {
	err := s.db.Enqueue(ctx, models.LaneAnalytics, kind, struct{}{},
		s.config.Pipeline.Analytics.MaxAttempts, time.Now())
	if err != nil {
		log.WithFields(log.Fields{
			"kind":  kind,
			"error": err,
		}).Error("Failed to enqueue scheduled job")
		return
	}
	log.WithFields(log.Fields{
		"kind": kind,
	}).Info("Enqueued scheduled job")
}

func untilNextMidnight(now time.Time) time.Duration {
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return midnight.Sub(now)
}
