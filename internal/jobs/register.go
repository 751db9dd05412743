package jobs

import (
	"fmt"

	"binance-trade-ledger/internal/scheduler"
)

// Register adds every job to s using the configured cadences and daily
// times. Jobs with a non-positive interval are left out.
func Register(s *scheduler.Scheduler, r *Runner) error {
	cfg := r.cfg
	jobs := []scheduler.Job{
		{Name: SyncTrades, Every: cfg.Sync.UpdateInterval, UsesAPI: true, RunOnStart: true, Run: r.SyncTrades},
		{Name: SyncFallback, Every: cfg.Sync.FallbackInterval, UsesAPI: true, Run: r.SyncFallback},
		{Name: OpenPositions, Every: cfg.Sync.OpenPositionsInterval, UsesAPI: true, Run: r.CheckOpenPositions},
		{Name: Compensation, Every: cfg.Sync.CompensationInterval, UsesAPI: true, Run: r.Compensate},
		{Name: SyncBalance, Every: cfg.Scheduler.BalanceInterval, UsesAPI: true, RunOnStart: true, Run: r.SyncBalance},
		{Name: RiskCheck, Every: cfg.Scheduler.RiskInterval, UsesAPI: true, Run: r.CheckStalePositions},
		{Name: SleepRiskCheck, At: cfg.Scheduler.SleepRiskAt, Run: r.CheckSleepRisk},
		{Name: Leaderboard, At: cfg.Snapshots.Leaderboard.At, UsesAPI: true, Run: r.BuildLeaderboard},
		{Name: NoonLoss, At: cfg.Snapshots.NoonLossAt, UsesAPI: true, Run: r.ReviewNoonLoss},
	}
	for _, w := range cfg.Snapshots.Rebound.Windows {
		jobs = append(jobs, scheduler.Job{Name: ReboundJob(w.Days), At: w.At, UsesAPI: true, Run: r.BuildRebound(w.Days)})
	}

	for _, job := range jobs {
		if job.At == "" && job.Every <= 0 {
			continue
		}
		if err := s.Register(job); err != nil {
			return fmt.Errorf("failed to register jobs: %w", err)
		}
	}
	r.kick = s.Kick
	return nil
}
