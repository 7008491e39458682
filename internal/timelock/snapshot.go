package timelock

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/custody"
)

// Snapshot is the persistable form of a lock.
type Snapshot struct {
	Address      common.Address `json:"address"`
	Asset        common.Address `json:"asset"`
	Beneficiary  common.Address `json:"beneficiary"`
	CreationTime time.Time      `json:"creation_time"`
	UnlockTime   time.Time      `json:"unlock_time"`
	Released     bool           `json:"released"`
}

func (l *TimeLock) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Address:      l.cfg.address,
		Asset:        l.cfg.asset,
		Beneficiary:  l.cfg.beneficiary,
		CreationTime: l.cfg.created,
		UnlockTime:   l.cfg.unlock,
		Released:     l.released,
	}
}

// Resume rebuilds a lock with its original unlock time. WithAddress is ignored.
func Resume(asset Asset, snap Snapshot, opts ...Option) (*TimeLock, error) {
	const op = "timelock.resume"
	st := buildSettings(opts)
	if snap.Asset == (common.Address{}) || asset == nil || asset.Info().Address != snap.Asset {
		return nil, custody.Validation(op, custody.ErrInvalidAsset)
	}
	if snap.Beneficiary == (common.Address{}) {
		return nil, custody.Validation(op, custody.ErrInvalidBeneficiary)
	}
	if snap.Address == (common.Address{}) || !snap.UnlockTime.After(snap.CreationTime) {
		return nil, custody.Validation(op, custody.ErrInvalidDuration)
	}
	return &TimeLock{
		cfg: Config{
			address:     snap.Address,
			asset:       snap.Asset,
			beneficiary: snap.Beneficiary,
			created:     snap.CreationTime.UTC().Truncate(time.Second),
			unlock:      snap.UnlockTime.UTC().Truncate(time.Second),
		},
		asset:    asset,
		clock:    st.clock,
		sink:     st.sink,
		pending:  new(big.Int),
		released: snap.Released,
	}, nil
}
