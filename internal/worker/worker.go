// Package worker hosts the background cron jobs: currently the plan expirer,
// which sweeps PROPOSED plans past their approval horizon.
package worker

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/rebalance-api/internal/plan"
)

// Worker runs scheduled jobs on a cron with second-level resolution.
type Worker struct {
	cron  *cron.Cron
	plans *plan.Service
}

// New creates a worker with the plan expirer registered on the given
// cron spec.
func New(plans *plan.Service, expirerSchedule string) (*Worker, error) {
	w := &Worker{
		cron:  cron.New(cron.WithSeconds()),
		plans: plans,
	}

	if _, err := w.cron.AddFunc(expirerSchedule, w.expirePlans); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the cron scheduler in its own goroutine.
func (w *Worker) Start() {
	log.Info().Str("service", "worker").Msg("starting background jobs")
	w.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (w *Worker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	log.Info().Str("service", "worker").Msg("background jobs stopped")
}

func (w *Worker) expirePlans() {
	expired, err := w.plans.ExpireDue()
	if err != nil {
		log.Error().Err(err).Str("service", "worker").Msg("plan expirer sweep failed")
		return
	}
	if expired > 0 {
		log.Info().Str("service", "worker").Int("expired", expired).Msg("expired stale plans")
	}
}
