package snapshots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"binance-trade-ledger/internal/models"
)

var (
	// ErrInvalidDate is returned for a date that is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")
	// ErrFutureDate is returned for a date after today in the account timezone.
	ErrFutureDate = errors.New("date is in the future")
)

// ValidateDate checks a requested snapshot date against today in loc. An
// empty date is valid and means the latest snapshot.
func ValidateDate(date string, now time.Time, loc *time.Location) (string, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return "", nil
	}
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	today := now.In(loc).Format(dateLayout)
	if d.Format(dateLayout) > today {
		return "", fmt.Errorf("%w: %s is after %s", ErrFutureDate, date, today)
	}
	return d.Format(dateLayout), nil
}

// Leaderboard returns the leaderboard of date, or the latest one, with rows
// of currently held symbols flagged.
func (s *Service) Leaderboard(ctx context.Context, date string) (models.LeaderboardSnapshot, error) {
	date, err := ValidateDate(date, s.now(), s.loc)
	if err != nil {
		return models.LeaderboardSnapshot{}, err
	}
	snap, err := s.store.Leaderboard(ctx, date)
	if err != nil {
		return snap, err
	}
	held, err := s.heldSymbols(ctx)
	if err != nil {
		return snap, err
	}
	for i := range snap.Gainers {
		snap.Gainers[i].IsHeld = held[snap.Gainers[i].Symbol]
	}
	for i := range snap.Losers {
		snap.Losers[i].IsHeld = held[snap.Losers[i].Symbol]
	}
	return snap, nil
}

// Rebound returns the windowDays rebound table of date, or the latest one.
func (s *Service) Rebound(ctx context.Context, windowDays int, date string) (models.ReboundSnapshot, error) {
	date, err := ValidateDate(date, s.now(), s.loc)
	if err != nil {
		return models.ReboundSnapshot{}, err
	}
	return s.store.Rebound(ctx, windowDays, date)
}

// NoonLoss returns the noon review of date, or the latest one.
func (s *Service) NoonLoss(ctx context.Context, date string) (models.NoonLossSnapshot, error) {
	date, err := ValidateDate(date, s.now(), s.loc)
	if err != nil {
		return models.NoonLossSnapshot{}, err
	}
	return s.store.NoonLoss(ctx, date)
}

// LeaderboardDigest formats snap as a markdown push message.
func LeaderboardDigest(snap *models.LeaderboardSnapshot) (string, string) {
	title := fmt.Sprintf("Morning leaderboard %s", snap.SnapshotDate)

	var b strings.Builder
	fmt.Fprintf(&b, "Since %s UTC, %d of %d symbols priced.\n\n", snap.WindowStartUTC, snap.Effective, snap.Candidates)
	writeRows := func(heading string, rows []models.LeaderboardRow) {
		fmt.Fprintf(&b, "**%s**\n\n", heading)
		for i, r := range rows {
			fmt.Fprintf(&b, "%d. %s %+.2f%% (vol %.0fM)\n", i+1, r.Symbol, r.ChangePct, r.QuoteVolume/1e6)
		}
		b.WriteString("\n")
	}
	writeRows("Gainers", snap.Gainers)
	writeRows("Losers", snap.Losers)
	return title, b.String()
}

// NoonLossDigest formats a non-empty noon review as a markdown push message.
func NoonLossDigest(snap *models.NoonLossSnapshot) (string, string) {
	title := fmt.Sprintf("Noon floating loss: %d lots", snap.LossCount)

	var b strings.Builder
	fmt.Fprintf(&b, "Stopping out everything now would lose **%.2f U** (%.2f%% of balance).\n\n", snap.TotalStopLoss, snap.PctOfBalance)
	for _, r := range snap.Rows {
		fmt.Fprintf(&b, "**%s** (%s)\n- pnl: %.2f U\n- entry: %.6g\n- mark: %.6g\n- opened: %s UTC\n\n",
			r.Symbol, r.Side, r.CurrentPnl, r.EntryPrice, r.CurrentPrice,
			time.UnixMilli(r.EntryTime).UTC().Format(dateTimeLayout))
	}
	return title, b.String()
}
