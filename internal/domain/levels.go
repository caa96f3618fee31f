package domain

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// LevelKind selects which completed-level set a level index belongs to.
type LevelKind string

const (
	LevelDCA        LevelKind = "dca"
	LevelProfit     LevelKind = "profit"
	LevelSwingSell  LevelKind = "swing_sell"
	LevelSwingRebuy LevelKind = "swing_rebuy"
)

// DipLevel is one rung of the DCA ladder: buy Allocation × budget once the
// price has dropped ThresholdPct below entry.
type DipLevel struct {
	ThresholdPct decimal.Decimal
	Allocation   decimal.Decimal
}

// ProfitLevel is one rung of the profit-taking ladder: sell PositionFraction
// of the current balance once the gain reaches ThresholdPct.
type ProfitLevel struct {
	ThresholdPct     decimal.Decimal
	PositionFraction decimal.Decimal
}

// SwingAction is what a swing level does when it triggers.
type SwingAction string

const (
	SwingSell  SwingAction = "sell"
	SwingRebuy SwingAction = "rebuy"
)

// SwingLevel is one rung of the swing ladder. For sell levels Allocation is
// the fraction of the balance sold; for rebuy levels it is the fraction of
// the swing cash reserve spent.
type SwingLevel struct {
	ThresholdPct decimal.Decimal
	Action       SwingAction
	Allocation   decimal.Decimal
}

// SortDipLevels orders levels by ascending threshold.
func SortDipLevels(levels []DipLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ThresholdPct.LessThan(levels[j].ThresholdPct)
	})
}

// SortProfitLevels orders levels by ascending threshold.
func SortProfitLevels(levels []ProfitLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ThresholdPct.LessThan(levels[j].ThresholdPct)
	})
}

// SortSwingLevels orders levels by ascending threshold.
func SortSwingLevels(levels []SwingLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ThresholdPct.LessThan(levels[j].ThresholdPct)
	})
}

// LevelSet is a sorted set of 1-based level indices.
type LevelSet []int

// Has reports whether idx is in the set.
func (s LevelSet) Has(idx int) bool {
	i := sort.SearchInts(s, idx)
	return i < len(s) && s[i] == idx
}

// Add returns the set with idx inserted. Adding an existing index is a no-op.
func (s LevelSet) Add(idx int) LevelSet {
	i := sort.SearchInts(s, idx)
	if i < len(s) && s[i] == idx {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = idx
	return s
}

// UnmarshalJSON accepts indices in any order and with repeats, as found in
// hand-edited ledger files.
func (s *LevelSet) UnmarshalJSON(data []byte) error {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var set LevelSet
	for _, idx := range raw {
		set = set.Add(idx)
	}
	*s = set
	return nil
}
