package scheduler

import (
	"fmt"
	"time"

	"binance-trade-ledger/internal/config"
)

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(at string) (time.Duration, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", at, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// nextDaily returns the first moment after now that reads "HH:MM" in loc.
func nextDaily(now time.Time, at string, loc *time.Location) (time.Time, error) {
	offset, err := parseClock(at)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	next := midnight.Add(offset)
	if !next.After(local) {
		next = midnight.AddDate(0, 0, 1).Add(offset)
	}
	return next, nil
}

// Guard decides whether this process may own the scheduler. Without API
// keys, or when several server workers would each start one, it returns
// ErrDisabled with the reason.
func Guard(cfg config.Config) error {
	if !cfg.Scheduler.Enabled {
		return fmt.Errorf("%w: disabled by configuration", ErrDisabled)
	}
	if !cfg.Binance.HasCredentials() {
		return fmt.Errorf("%w: missing_api_keys", ErrDisabled)
	}
	if cfg.Server.Workers > 1 && !cfg.Scheduler.AllowMultiWorker {
		return fmt.Errorf("%w: multi_worker_unsupported (%d workers)", ErrDisabled, cfg.Server.Workers)
	}
	return nil
}

// PlanWorkers sizes a fan-out over candidates. Each worker issues at most one
// request per minInterval, so the worker count is also capped by what the
// per-minute weight budget allows. It returns the worker count and the
// expected peak weight per minute.
func PlanWorkers(candidates, maxWorkers, budgetPerMinute int, minInterval time.Duration) (int, int) {
	if candidates <= 0 {
		return 0, 0
	}
	perWorker := 60.0
	if minInterval > 0 {
		perWorker = max(1.0, time.Minute.Seconds()/minInterval.Seconds())
	}
	byBudget := max(1, int(float64(budgetPerMinute)/perWorker))
	workers := max(1, min(candidates, maxWorkers, byBudget))
	return workers, int(float64(workers) * perWorker)
}
