package vesting

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/custody"
)

// Snapshot is the persistable form of a schedule: its terms plus the
// accounting at the time it was taken.
type Snapshot struct {
	Address         common.Address `json:"address"`
	Asset           common.Address `json:"asset"`
	Beneficiary     common.Address `json:"beneficiary"`
	CreationTime    time.Time      `json:"creation_time"`
	CliffDuration   time.Duration  `json:"cliff_duration"`
	VestingDuration time.Duration  `json:"vesting_duration"`
	// TotalAllocated is nil while the allocation has not been fixed.
	TotalAllocated *big.Int `json:"total_allocated,omitempty"`
	TotalReleased  *big.Int `json:"total_released"`
}

// Snapshot captures terms and accounting.
func (s *Schedule) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Address:         s.cfg.address,
		Asset:           s.cfg.asset,
		Beneficiary:     s.cfg.beneficiary,
		CreationTime:    s.cfg.created,
		CliffDuration:   s.cfg.cliff,
		VestingDuration: s.cfg.duration,
		TotalReleased:   custody.Clone(s.released),
	}
	if s.allocated != nil {
		snap.TotalAllocated = custody.Clone(s.allocated)
	}
	return snap
}

// Resume rebuilds a schedule from a snapshot, keeping its original creation
// time. released overrides the snapshot's total when non-nil, e.g. when the
// authoritative figure is summed from the ledger's transfer history. WithAddress, WithDurations
// and WithAllocation are ignored.
func Resume(asset Asset, snap Snapshot, released *big.Int, opts ...Option) (*Schedule, error) {
	const op = "vesting.resume"
	st := buildSettings(opts)
	if asset == nil || asset.Info().Address != snap.Asset || snap.Asset == (common.Address{}) {
		return nil, custody.Validation(op, custody.ErrInvalidAsset)
	}
	if snap.Beneficiary == (common.Address{}) {
		return nil, custody.Validation(op, custody.ErrInvalidBeneficiary)
	}
	if snap.Address == (common.Address{}) || snap.CreationTime.IsZero() ||
		snap.CliffDuration < 0 || snap.VestingDuration <= snap.CliffDuration {
		return nil, custody.Validation(op, custody.ErrInvalidSchedule)
	}
	total := released
	if total == nil {
		total = snap.TotalReleased
	}
	total = custody.Clone(total)
	if total.Sign() < 0 {
		return nil, custody.Validation(op, custody.ErrInvalidAmount)
	}
	var allocated *big.Int
	if snap.TotalAllocated != nil {
		if total.Cmp(snap.TotalAllocated) > 0 {
			return nil, custody.Validation(op, custody.ErrInvalidAmount)
		}
		allocated = custody.Clone(snap.TotalAllocated)
	}
	return &Schedule{
		cfg: Config{
			address:     snap.Address,
			asset:       snap.Asset,
			beneficiary: snap.Beneficiary,
			created:     snap.CreationTime.UTC().Truncate(time.Second),
			cliff:       snap.CliffDuration.Truncate(time.Second),
			duration:    snap.VestingDuration.Truncate(time.Second),
		},
		asset:     asset,
		clock:     st.clock,
		sink:      st.sink,
		allocated: allocated,
		released:  total,
	}, nil
}
