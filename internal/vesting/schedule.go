package vesting

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/clock"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/ids"
	"mylucky.org/internal/ledger"
	"mylucky.org/internal/obs"
)

// Founder allocation terms agreed at launch: 6 month cliff, 24 month vesting.
const (
	DefaultCliff    = 180 * 24 * time.Hour
	DefaultDuration = 720 * 24 * time.Hour
)

// Asset is the part of the token surface a schedule needs.
type Asset interface {
	Info() ledger.TokenInfo
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (ledger.Transfer, error)
}

type State string

const (
	StatePending       State = "pending"        // before the cliff
	StateVesting       State = "vesting"        // cliff passed, allocation not fully released
	StateFullyReleased State = "fully_released" // terminal
)

// Config holds the construction-time terms of a schedule. It has no setters.
type Config struct {
	address     common.Address
	asset       common.Address
	beneficiary common.Address
	created     time.Time
	cliff       time.Duration
	duration    time.Duration
}

func (c Config) Address() common.Address        { return c.address }
func (c Config) Asset() common.Address          { return c.asset }
func (c Config) Beneficiary() common.Address    { return c.beneficiary }
func (c Config) CreationTime() time.Time        { return c.created }
func (c Config) CliffDuration() time.Duration   { return c.cliff }
func (c Config) VestingDuration() time.Duration { return c.duration }
func (c Config) CliffEnd() time.Time            { return c.created.Add(c.cliff) }
func (c Config) VestingEnd() time.Time          { return c.created.Add(c.duration) }

// Status is the read-only composite view of a schedule.
type Status struct {
	Component      common.Address `json:"component"`
	Asset          common.Address `json:"asset"`
	Beneficiary    common.Address `json:"beneficiary"`
	CreationTime   time.Time      `json:"creation_time"`
	CliffEnd       time.Time      `json:"cliff_end"`
	VestingEnd     time.Time      `json:"vesting_end"`
	TotalAllocated *big.Int       `json:"total_allocated"`
	TotalReleased  *big.Int       `json:"total_released"`
	Releasable     *big.Int       `json:"releasable"`
	// AllocationFixed is false while the allocation is still provisional.
	AllocationFixed bool  `json:"allocation_fixed"`
	State           State `json:"state"`
}

// Schedule releases a custodied balance to one beneficiary: nothing before the
// cliff, then linearly from creation time until the vesting end.
//
// The allocation is either fixed at construction (WithAllocation) or
// snapshotted by the first Release that pays something. A failed Release
// leaves it unfixed.
// Tokens that arrive after the allocation is fixed are not vested.
type Schedule struct {
	cfg   Config
	asset Asset
	clock clock.Clock
	sink  custody.Sink

	mu        sync.Mutex
	allocated *big.Int // nil until fixed
	released  *big.Int
}

type settings struct {
	clock      clock.Clock
	sink       custody.Sink
	address    common.Address
	cliff      time.Duration
	duration   time.Duration
	allocation *big.Int
}

// Option customises a schedule at construction.
type Option func(*settings)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option { return func(s *settings) { s.clock = c } }

// WithSink routes release events to sink.
func WithSink(sink custody.Sink) Option { return func(s *settings) { s.sink = sink } }

// WithAddress sets the custody address instead of generating one.
func WithAddress(addr common.Address) Option { return func(s *settings) { s.address = addr } }

// WithDurations replaces the default cliff and vesting durations.
func WithDurations(cliff, duration time.Duration) Option {
	return func(s *settings) {
		s.cliff = cliff
		s.duration = duration
	}
}

// WithAllocation fixes the vested total at construction.
func WithAllocation(total *big.Int) Option {
	return func(s *settings) { s.allocation = custody.Clone(total) }
}

func buildSettings(opts []Option) settings {
	st := settings{
		clock:    clock.System{},
		sink:     custody.Discard,
		cliff:    DefaultCliff,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(&st)
	}
	return st
}

// New creates a schedule for beneficiary starting now. No tokens move at
// construction; funding is a separate transfer into Address().
func New(asset Asset, beneficiary common.Address, opts ...Option) (*Schedule, error) {
	const op = "vesting.new"
	st := buildSettings(opts)
	if asset == nil || asset.Info().Address == (common.Address{}) {
		return nil, custody.Validation(op, custody.ErrInvalidAsset)
	}
	if beneficiary == (common.Address{}) {
		return nil, custody.Validation(op, custody.ErrInvalidBeneficiary)
	}
	cliff := st.cliff.Truncate(time.Second)
	duration := st.duration.Truncate(time.Second)
	if cliff < 0 || duration <= cliff {
		return nil, custody.Validation(op, custody.ErrInvalidSchedule)
	}
	if st.allocation != nil && st.allocation.Sign() < 0 {
		return nil, custody.Validation(op, custody.ErrInvalidAmount)
	}
	addr := st.address
	if addr == (common.Address{}) {
		addr = ids.NewAddress()
	}
	return &Schedule{
		cfg: Config{
			address:     addr,
			asset:       asset.Info().Address,
			beneficiary: beneficiary,
			created:     st.clock.Now().UTC().Truncate(time.Second),
			cliff:       cliff,
			duration:    duration,
		},
		asset:     asset,
		clock:     st.clock,
		sink:      st.sink,
		allocated: st.allocation,
		released:  new(big.Int),
	}, nil
}

// Config returns the immutable terms.
func (s *Schedule) Config() Config { return s.cfg }

// Address is the custody account holding the vested tokens.
func (s *Schedule) Address() common.Address { return s.cfg.address }

// TotalReleased returns the cumulative amount paid to the beneficiary.
func (s *Schedule) TotalReleased() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return custody.Clone(s.released)
}

// ReleasableAmount reports what Release would pay right now. It has no side
// effects; before the allocation is fixed it uses the current balance as base.
func (s *Schedule) ReleasableAmount(ctx context.Context) (*big.Int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, err := s.asset.BalanceOf(ctx, s.cfg.address)
	if err != nil {
		return nil, fmt.Errorf("vesting: read balance: %w", err)
	}
	return s.releasableLocked(s.baseLocked(balance), balance, now), nil
}

// Release pays the currently vested, unreleased amount to the beneficiary.
//
// Before any funding it succeeds with zero. With nothing vested it returns a
// zero amount and an error matching custody.ErrNothingToRelease; before the
// cliff that error is a policy failure carrying the cliff end. Accounting is
// committed before the transfer and rolled back if the transfer fails.
func (s *Schedule) Release(ctx context.Context) (*big.Int, error) {
	const op = "vesting.release"
	now := s.clock.Now()

	s.mu.Lock()
	balance, err := s.asset.BalanceOf(ctx, s.cfg.address)
	if err != nil {
		s.mu.Unlock()
		err = custody.Transfer(op, err)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}
	if balance.Sign() == 0 && s.released.Sign() == 0 {
		// Not funded yet.
		s.mu.Unlock()
		return custody.Zero(), nil
	}
	base := s.baseLocked(balance)
	amount := s.releasableLocked(base, balance, now)
	if amount.Sign() == 0 {
		s.mu.Unlock()
		var err error
		if now.Before(s.cfg.CliffEnd()) {
			err = custody.Policy(op, fmt.Errorf("%w: %w", custody.ErrNothingToRelease, custody.ErrCliffNotReached), s.cfg.CliffEnd())
		} else {
			err = custody.NoOp(op, custody.ErrNothingToRelease)
		}
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}
	// The allocation is fixed by the first release that pays something.
	snapshot := s.allocated == nil
	if snapshot {
		s.allocated = base
	}
	s.released.Add(s.released, amount)
	s.mu.Unlock()

	// Interaction last: a reentrant Release from inside the asset sees the
	// committed total and finds nothing to pay.
	if _, err := s.asset.Transfer(ctx, s.cfg.address, s.cfg.beneficiary, amount); err != nil {
		s.mu.Lock()
		s.released.Sub(s.released, amount)
		if snapshot && s.released.Sign() == 0 {
			s.allocated = nil
		}
		s.mu.Unlock()
		err = custody.Transfer(op, err)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}

	s.emit(ctx, custody.Event{
		ID:          ids.New(),
		Type:        custody.EventVestingReleased,
		Component:   s.cfg.address,
		Asset:       s.cfg.asset,
		Beneficiary: s.cfg.beneficiary,
		Amount:      custody.Clone(amount),
		Timestamp:   now,
	})
	return amount, nil
}

// Status returns the composite view without side effects.
func (s *Schedule) Status(ctx context.Context) (Status, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, err := s.asset.BalanceOf(ctx, s.cfg.address)
	if err != nil {
		return Status{}, fmt.Errorf("vesting: read balance: %w", err)
	}
	base := s.baseLocked(balance)
	st := Status{
		Component:       s.cfg.address,
		Asset:           s.cfg.asset,
		Beneficiary:     s.cfg.beneficiary,
		CreationTime:    s.cfg.created,
		CliffEnd:        s.cfg.CliffEnd(),
		VestingEnd:      s.cfg.VestingEnd(),
		TotalAllocated:  base,
		TotalReleased:   custody.Clone(s.released),
		Releasable:      s.releasableLocked(base, balance, now),
		AllocationFixed: s.allocated != nil,
	}
	switch {
	case s.allocated != nil && s.allocated.Sign() > 0 && s.released.Cmp(s.allocated) >= 0:
		st.State = StateFullyReleased
	case now.Before(st.CliffEnd):
		st.State = StatePending
	default:
		st.State = StateVesting
	}
	return st, nil
}

// baseLocked is the accrual base: the fixed allocation, or what a snapshot
// taken now would record.
func (s *Schedule) baseLocked(balance *big.Int) *big.Int {
	if s.allocated != nil {
		return custody.Clone(s.allocated)
	}
	return new(big.Int).Add(balance, s.released)
}

func (s *Schedule) releasableLocked(total, balance *big.Int, now time.Time) *big.Int {
	amount := new(big.Int).Sub(vestedAt(s.cfg, total, now), s.released)
	if amount.Sign() < 0 {
		return new(big.Int)
	}
	if amount.Cmp(balance) > 0 {
		return custody.Clone(balance)
	}
	return amount
}

// vestedAt is the cumulative entitlement at now: zero before the cliff, the
// full total from the vesting end, floor(total*elapsed/duration) in between.
func vestedAt(cfg Config, total *big.Int, now time.Time) *big.Int {
	switch {
	case now.Before(cfg.CliffEnd()):
		return new(big.Int)
	case !now.Before(cfg.VestingEnd()):
		return custody.Clone(total)
	}
	elapsed := int64(now.Sub(cfg.created) / time.Second)
	duration := int64(cfg.duration / time.Second)
	v := new(big.Int).Mul(total, big.NewInt(elapsed))
	return v.Quo(v, big.NewInt(duration))
}

func (s *Schedule) emit(ctx context.Context, evt custody.Event) {
	if err := s.sink.Emit(ctx, evt); err != nil {
		obs.Error("event sink failed", err, map[string]any{
			"event":     string(evt.Type),
			"component": evt.Component.Hex(),
		})
	}
}
