package syncer

import (
	"time"

	"binance-trade-ledger/internal/models"
)

// Mode names why a sync run happens.
type Mode string

const (
	ModeRoutine      Mode = "routine"
	ModeFallback     Mode = "fallback"
	ModeCompensation Mode = "compensation"
	ModeManual       Mode = "manual"
	ModeBackfill     Mode = "backfill"
)

// ParseMode maps a user supplied mode, defaulting to manual.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeRoutine, ModeFallback, ModeCompensation, ModeBackfill:
		return Mode(s)
	}
	return ModeManual
}

// Window is the fetch range planned for one symbol.
type Window struct {
	Symbol string
	Start  time.Time
	End    time.Time
	// State is the sync state the symbol is in while the window is fetched.
	State string
}

// Plan decides the fetch window of one symbol.
//
// A symbol without a watermark is COLD and gets the full lookback. A WARM
// symbol resumes from its watermark minus the overlap margin, never further
// back than the lookback. Fallback runs always refetch the full lookback,
// compensation starts at the requested time.
func Plan(symbol string, status *models.SyncStatus, mode Mode, now time.Time, opts Options, since time.Time) Window {
	w := Window{Symbol: symbol, End: now, Start: now.Add(-opts.lookback()), State: models.SyncStateWarm}

	cold := status == nil || status.LastEntryTime == 0
	if cold {
		w.State = models.SyncStateCold
	}

	switch {
	case !since.IsZero():
		w.Start = since.In(now.Location())
		if mode == ModeCompensation {
			w.State = models.SyncStateCompensating
		}
	case cold, mode == ModeFallback:
		// full lookback
	default:
		resume := time.UnixMilli(status.LastEntryTime).In(now.Location()).Add(-opts.Overlap)
		if resume.After(w.Start) {
			w.Start = resume
		}
	}

	if w.Start.After(w.End) {
		w.Start = w.End
	}
	return w
}
