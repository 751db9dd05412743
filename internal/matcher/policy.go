package matcher

import (
	"strings"

	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/models"
)

// ExcessPolicy decides what happens to the part of an exit order that
// exceeds the tracked open quantity.
type ExcessPolicy string

const (
	// ExcessFlip opens a lot in the opposite direction at the exit price.
	ExcessFlip ExcessPolicy = "flip"
	// ExcessDrop discards the remainder.
	ExcessDrop ExcessPolicy = "drop"
)

const defaultEpsilon = 1e-9

// Policy is the data-driven part of matching.
type Policy struct {
	Epsilon float64
	// ExtraLossIncomeTypes are income types subtracted from pnl on top of
	// commission and funding.
	ExtraLossIncomeTypes map[string]bool
	Excess               ExcessPolicy
}

// DefaultPolicy matches with epsilon 1e-9, flips excess exits and treats
// insurance clearing as extra loss.
func DefaultPolicy() Policy {
	return Policy{
		Epsilon:              defaultEpsilon,
		ExtraLossIncomeTypes: map[string]bool{"INSURANCE_CLEAR": true},
		Excess:               ExcessFlip,
	}
}

// NewPolicy builds a policy from configuration, falling back to defaults
// for unset values.
func NewPolicy(cfg config.Matching) Policy {
	p := DefaultPolicy()
	if cfg.Epsilon > 0 {
		p.Epsilon = cfg.Epsilon
	}
	if cfg.ExtraLossIncomeTypes != nil {
		p.ExtraLossIncomeTypes = make(map[string]bool, len(cfg.ExtraLossIncomeTypes))
		for _, raw := range cfg.ExtraLossIncomeTypes {
			// env values arrive as one comma separated string
			for _, t := range strings.Split(raw, ",") {
				t = strings.ToUpper(strings.TrimSpace(t))
				if t != "" {
					p.ExtraLossIncomeTypes[t] = true
				}
			}
		}
	}
	if ExcessPolicy(strings.ToLower(cfg.ExcessPolicy)) == ExcessDrop {
		p.Excess = ExcessDrop
	}
	return p
}

// allocatable reports whether incomes of type t are charged to trades, and
// whether they count as fees (funding) or extra loss.
func (p Policy) allocatable(t string) (ok, isFee bool) {
	switch t {
	case models.IncomeFundingFee:
		return true, true
	case models.IncomeCommission, models.IncomeRealizedPnl, models.IncomeTransfer:
		// commission comes from the fills themselves
		return false, false
	}
	return p.ExtraLossIncomeTypes[t], false
}

// IncomeTypes lists the income types a sync pass must fetch for allocation.
func (p Policy) IncomeTypes() []string {
	types := []string{models.IncomeFundingFee}
	for t := range p.ExtraLossIncomeTypes {
		if ok, _ := p.allocatable(t); ok && t != models.IncomeFundingFee {
			types = append(types, t)
		}
	}
	return types
}
