package coordination

import (
	"context"
	"time"

	"github.com/Iron-Ham/switchboard/internal/ack"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

// Default scheduler intervals.
const (
	DefaultRetryInterval = 10 * time.Second
	DefaultSweepInterval = time.Minute
)

// RetryProcessor drives acknowledgment retries. *ack.Tracker implements it.
type RetryProcessor interface {
	ProcessRetries(ctx context.Context) (ack.Report, error)
}

// LockSweeper reclaims abandoned locks. *filelock.Manager implements it.
type LockSweeper interface {
	CleanupStale(timeout time.Duration) (int, error)
}

// RoundCloser closes voting rounds past their deadline.
// *consensus.Engine implements it.
type RoundCloser interface {
	CloseExpired() (int, error)
}

// SchedulerConfig holds the scheduler's intervals.
type SchedulerConfig struct {
	RetryInterval time.Duration
	SweepInterval time.Duration
	// StaleAfter is passed to CleanupStale. Zero judges each lock by the
	// threshold it was acquired with.
	StaleAfter time.Duration
}

// Scheduler runs periodic maintenance: acknowledgment retries on one
// interval, stale lock and expired round sweeps on another. Any component
// may be nil.
type Scheduler struct {
	retries RetryProcessor
	locks   LockSweeper
	rounds  RoundCloser
	cfg     SchedulerConfig
	logger  *logging.Logger
}

// NewScheduler creates a Scheduler. Non-positive intervals use the defaults.
func NewScheduler(retries RetryProcessor, locks LockSweeper, rounds RoundCloser, cfg SchedulerConfig, logger *logging.Logger) *Scheduler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{
		retries: retries,
		locks:   locks,
		rounds:  rounds,
		cfg:     cfg,
		logger:  logger.WithComponent("scheduler"),
	}
}

// Run blocks until ctx is done, processing retries every RetryInterval and
// sweeping every SweepInterval. Failures are logged and the loop goes on.
func (s *Scheduler) Run(ctx context.Context) {
	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	defer retryTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	s.logger.Debug("scheduler running",
		"retry_interval", s.cfg.RetryInterval.String(),
		"sweep_interval", s.cfg.SweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-retryTicker.C:
			_, _ = s.ProcessRetries(ctx)
		case <-sweepTicker.C:
			_, _, _ = s.Sweep()
		}
	}
}

// ProcessRetries runs one acknowledgment retry pass.
func (s *Scheduler) ProcessRetries(ctx context.Context) (ack.Report, error) {
	if s.retries == nil {
		return ack.Report{}, nil
	}
	report, err := s.retries.ProcessRetries(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("retry pass failed", "error", err.Error())
	}
	if report.Processed > 0 {
		s.logger.Info("retry pass",
			"processed", report.Processed,
			"retried", report.Count(ack.OutcomeRetried)+report.Count(ack.OutcomeRetryFailed),
			"deferred", report.Count(ack.OutcomeDeferred),
			"escalated", report.Count(ack.OutcomeEscalated),
			"dropped", report.Count(ack.OutcomeDropped))
	}
	return report, err
}

// Sweep reclaims stale locks and closes expired rounds. It returns the
// number of each and the first error.
func (s *Scheduler) Sweep() (locks, rounds int, err error) {
	if s.locks != nil {
		n, lerr := s.locks.CleanupStale(s.cfg.StaleAfter)
		if lerr != nil {
			s.logger.Error("stale lock sweep failed", "error", lerr.Error())
			err = lerr
		}
		locks = n
	}
	if s.rounds != nil {
		n, rerr := s.rounds.CloseExpired()
		if rerr != nil {
			s.logger.Error("expired round sweep failed", "error", rerr.Error())
			if err == nil {
				err = rerr
			}
		}
		rounds = n
	}
	if locks > 0 || rounds > 0 {
		s.logger.Info("sweep", "locks_reclaimed", locks, "rounds_closed", rounds)
	}
	return locks, rounds, err
}
