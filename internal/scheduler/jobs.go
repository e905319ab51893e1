package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/modules/rebalance"
)

type cycleStepper interface {
	Done() bool
	StepOnce() (*rebalance.CycleResult, error)
}

// RebalanceStepJob advances the rebalancing machine by one period per
// scheduled run. Once the date series is exhausted it becomes a no-op.
type RebalanceStepJob struct {
	service cycleStepper
	log     zerolog.Logger
}

// NewRebalanceStepJob wraps the rebalance service for scheduled stepping.
func NewRebalanceStepJob(service *rebalance.Service, log zerolog.Logger) *RebalanceStepJob {
	return &RebalanceStepJob{
		service: service,
		log:     log.With().Str("job", "rebalance_step").Logger(),
	}
}

// Run resolves the next period if one remains.
func (j *RebalanceStepJob) Run() error {
	if j.service.Done() {
		j.log.Debug().Msg("Date series exhausted, nothing to step")
		return nil
	}

	result, err := j.service.StepOnce()
	if err != nil {
		return err
	}
	if result.Cycle.Status == rebalance.StatusNotDue {
		j.log.Debug().
			Int("period", result.Cycle.PeriodIndex).
			Msg("Period resolved without a trigger")
	}
	return nil
}

// Name returns the job name for the scheduler.
func (j *RebalanceStepJob) Name() string {
	return "rebalance_step"
}
