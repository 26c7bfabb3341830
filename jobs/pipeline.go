package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"pulse/config"
	"pulse/db"
	"pulse/models"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_jobs_processed_total",
		Help: "The number of jobs executed to completion, by lane",
	}, []string{"lane"})

	jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_jobs_retried_total",
		Help: "The number of job attempts requeued for retry, by lane",
	}, []string{"lane"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_jobs_failed_total",
		Help: "The number of jobs that exhausted their retries, by lane",
	}, []string{"lane"})
)

// Handler executes one job. Delivery is at least once, so handlers must be
// idempotent or tolerate duplicate execution.
type Handler func(ctx context.Context, job *models.Job) error

// Pipeline runs the durable job queue: a pool of long-lived workers per lane
// pulling jobs from the database and executing them to completion or
// failure. It is constructed explicitly and passed around; open it on
// process start, shut it down on the shutdown signal.
type Pipeline struct {
	db       *db.DB
	config   *config.TomlConfig
	handlers map[string]Handler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewPipeline(database *db.DB, cfg *config.TomlConfig) *Pipeline {
	return &Pipeline{
		db:       database,
		config:   cfg,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (p *Pipeline) Register(kind string, handler Handler) {
	p.handlers[kind] = handler
}

// Start launches the per-lane worker pools. Jobs left in running by a
// previous process are requeued first so a crash between claim and
// completion still results in at least one delivery.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	requeued, err := p.db.RequeueRunningJobs(p.ctx)
	if err != nil {
		log.Errorf("Error requeueing interrupted jobs: %v", err)
	} else if requeued > 0 {
		log.WithFields(log.Fields{
			"requeued": requeued,
		}).Warn("Requeued jobs interrupted by a previous shutdown")
	}

	lanes := map[string]int{
		models.LaneAnalytics:    p.config.Pipeline.Analytics.Workers,
		models.LaneNotification: p.config.Pipeline.Notification.Workers,
		models.LaneEmail:        p.config.Pipeline.Email.Workers,
	}

	for lane, workers := range lanes {
		for i := 0; i < workers; i++ {
			p.wg.Add(1)
			go p.worker(lane, i)
		}
	}

	log.WithFields(log.Fields{
		"analytics":    lanes[models.LaneAnalytics],
		"notification": lanes[models.LaneNotification],
		"email":        lanes[models.LaneEmail],
	}).Info("Started job pipeline workers")
}

// Shutdown stops the workers and waits for in-flight jobs to finish.
func (p *Pipeline) Shutdown() {
	log.Info("Shutting down job pipeline")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) worker(lane string, id int) {
	defer p.wg.Done()

	// Back off polling while the lane is idle, reset as soon as a job shows up
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.config.PollInterval()
	idle.MaxInterval = 10 * time.Second
	idle.MaxElapsedTime = 0 // Never stop polling

	for {
		select {
		case <-p.ctx.Done():
			log.Infof("Worker %s/%d: Shutting down", lane, id)
			return
		default:
		}

		job, err := p.db.ClaimJob(p.ctx, lane)
		if err != nil {
			log.Errorf("Worker %s/%d: Error claiming job: %v", lane, id, err)
			p.sleep(idle.NextBackOff())
			continue
		}
		if job == nil {
			p.sleep(idle.NextBackOff())
			continue
		}

		idle.Reset()
		p.execute(job)
	}
}

func (p *Pipeline) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pipeline) execute(job *models.Job) {
	// Status transitions use a fresh context: the worker context is canceled
	// on shutdown while a handler may still be in flight, and a claimed job
	// whose transition fails would be stranded in running.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handler, ok := p.handlers[job.Kind]
	if !ok {
		log.WithFields(log.Fields{
			"lane": job.Lane,
			"kind": job.Kind,
			"job":  job.ID,
		}).Error("No handler registered for job kind")
		if err := p.db.FailJob(ctx, job.ID, job.Attempts+1, "no handler registered"); err != nil {
			log.Errorf("Error marking job %d failed: %v", job.ID, err)
		}
		jobsFailed.WithLabelValues(job.Lane).Inc()
		return
	}

	err := handler(p.ctx, job)
	if err == nil {
		if err := p.db.CompleteJob(ctx, job.ID); err != nil {
			log.Errorf("Error completing job %d: %v", job.ID, err)
		}
		jobsProcessed.WithLabelValues(job.Lane).Inc()
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		// Exhausted: log and drop, never raised back to the request that
		// enqueued it and never blocks the rest of the lane.
		log.WithFields(log.Fields{
			"lane":     job.Lane,
			"kind":     job.Kind,
			"job":      job.ID,
			"attempts": attempts,
			"error":    err,
		}).Error("Job failed permanently")
		if err := p.db.FailJob(ctx, job.ID, attempts, err.Error()); err != nil {
			log.Errorf("Error marking job %d failed: %v", job.ID, err)
		}
		jobsFailed.WithLabelValues(job.Lane).Inc()
		return
	}

	delay := retryDelay(job.Lane, attempts)
	log.WithFields(log.Fields{
		"lane":     job.Lane,
		"kind":     job.Kind,
		"job":      job.ID,
		"attempts": attempts,
		"delay":    delay,
		"error":    err,
	}).Warn("Job failed, retrying")
	if err := p.db.RetryJob(ctx, job.ID, attempts, delay, err.Error()); err != nil {
		log.Errorf("Error requeueing job %d: %v", job.ID, err)
	}
	jobsRetried.WithLabelValues(job.Lane).Inc()
}

// retryDelay computes the backoff before the next attempt. Email delivery
// doubles from one second; the other lanes use the default linear policy.
func retryDelay(lane string, attempts int) time.Duration {
	if lane == models.LaneEmail {
		return time.Second << (attempts - 1)
	}
	return 30 * time.Second * time.Duration(attempts)
}
