package timelock

import (
	"context"
	"errors"
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

// DefaultDuration is the LP lock period used at launch.
const DefaultDuration = 365 * 24 * time.Hour

var (
	// ErrAlreadyReleased rejects deposits into a lock that has paid out.
	ErrAlreadyReleased = errors.New("lock already released")
	// ErrBusy is returned when a deposit and a release would overlap.
	ErrBusy = errors.New("lock busy: deposit or release in flight")
)

// Asset is the token surface a lock needs: it pulls deposits with
// TransferFrom and pays out with Transfer.
type Asset interface {
	Info() ledger.TokenInfo
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (ledger.Transfer, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (ledger.Transfer, error)
}

type State string

const (
	StateLocked     State = "locked"
	StateUnlockable State = "unlockable"
	StateReleased   State = "released"
)

// Config holds the construction-time terms of a lock.
type Config struct {
	address     common.Address
	asset       common.Address
	beneficiary common.Address
	created     time.Time
	unlock      time.Time
}

func (c Config) Address() common.Address     { return c.address }
func (c Config) Asset() common.Address       { return c.asset }
func (c Config) Beneficiary() common.Address { return c.beneficiary }
func (c Config) CreationTime() time.Time     { return c.created }
func (c Config) UnlockTime() time.Time       { return c.unlock }

// Status is the read-only view of a lock.
type Status struct {
	Component       common.Address `json:"component"`
	Asset           common.Address `json:"asset"`
	Beneficiary     common.Address `json:"beneficiary"`
	UnlockTime      time.Time      `json:"unlock_time"`
	Locked          *big.Int       `json:"locked"`
	SecondsToUnlock int64          `json:"seconds_to_unlock"`
	State           State          `json:"state"`
}

// TimeLock holds an aggregate balance for one beneficiary and releases all of
// it in one transfer once the unlock time is reached. Anyone may trigger the
// release; depositors are not tracked individually.
type TimeLock struct {
	cfg   Config
	asset Asset
	clock clock.Clock
	sink  custody.Sink

	mu       sync.Mutex
	pending  *big.Int // payout in flight, not yet settled by the asset
	deposits int      // TransferFrom calls in flight
	released bool
}

type settings struct {
	clock   clock.Clock
	sink    custody.Sink
	address common.Address
}

type Option func(*settings)

func WithClock(c clock.Clock) Option { return func(s *settings) { s.clock = c } }

func WithSink(sink custody.Sink) Option { return func(s *settings) { s.sink = sink } }

// WithAddress sets the custody address instead of generating one.
func WithAddress(addr common.Address) Option { return func(s *settings) { s.address = addr } }

func buildSettings(opts []Option) settings {
	st := settings{clock: clock.System{}, sink: custody.Discard}
	for _, opt := range opts {
		opt(&st)
	}
	return st
}

// New creates a lock over assetID that opens lockDuration from now. asset must
// be the ledger for assetID. Durations are whole seconds; anything shorter
// than one second is rejected.
func New(asset Asset, assetID, beneficiary common.Address, lockDuration time.Duration, opts ...Option) (*TimeLock, error) {
	const op = "timelock.new"
	st := buildSettings(opts)
	if assetID == (common.Address{}) || asset == nil || asset.Info().Address != assetID {
		return nil, custody.Validation(op, custody.ErrInvalidAsset)
	}
	if beneficiary == (common.Address{}) {
		return nil, custody.Validation(op, custody.ErrInvalidBeneficiary)
	}
	d := lockDuration.Truncate(time.Second)
	if d <= 0 {
		return nil, custody.Validation(op, custody.ErrInvalidDuration)
	}
	addr := st.address
	if addr == (common.Address{}) {
		addr = ids.NewAddress()
	}
	now := st.clock.Now().UTC().Truncate(time.Second)
	return &TimeLock{
		cfg: Config{
			address:     addr,
			asset:       assetID,
			beneficiary: beneficiary,
			created:     now,
			unlock:      now.Add(d),
		},
		asset:   asset,
		clock:   st.clock,
		sink:    st.sink,
		pending: new(big.Int),
	}, nil
}

func (l *TimeLock) Config() Config { return l.cfg }

func (l *TimeLock) Address() common.Address { return l.cfg.address }

// Lock pulls amount from the depositor into custody. The depositor must have
// approved the lock address as spender beforehand.
//
// Deposits and payouts never overlap: Lock fails with ErrBusy while a release
// is settling, and Release fails with ErrBusy while a deposit is in flight.
// Once released, a lock accepts no further deposits.
func (l *TimeLock) Lock(ctx context.Context, from common.Address, amount *big.Int) error {
	const op = "timelock.lock"
	if !custody.IsPositive(amount) {
		err := custody.Validation(op, custody.ErrInvalidAmount)
		obs.RecordFailure(op, err)
		return err
	}
	amount = custody.Clone(amount)
	now := l.clock.Now()

	l.mu.Lock()
	switch {
	case l.released:
		l.mu.Unlock()
		err := custody.Validation(op, ErrAlreadyReleased)
		obs.RecordFailure(op, err)
		return err
	case l.pending.Sign() > 0:
		l.mu.Unlock()
		err := custody.Policy(op, ErrBusy, now)
		obs.RecordFailure(op, err)
		return err
	}
	l.deposits++
	l.mu.Unlock()

	_, err := l.asset.TransferFrom(ctx, l.cfg.address, from, l.cfg.address, amount)
	l.mu.Lock()
	l.deposits--
	l.mu.Unlock()
	if err != nil {
		err = custody.Transfer(op, err)
		obs.RecordFailure(op, err)
		return err
	}
	l.emit(ctx, custody.Event{
		ID:          ids.New(),
		Type:        custody.EventTimeLockLocked,
		Component:   l.cfg.address,
		Asset:       l.cfg.asset,
		Beneficiary: l.cfg.beneficiary,
		From:        from,
		Amount:      custody.Clone(amount),
		UnlockTime:  l.cfg.unlock,
		Timestamp:   now,
	})
	return nil
}

// Release transfers the whole custodied balance to the beneficiary. Before
// the unlock time it fails with a policy error carrying the unlock time; with
// nothing in custody it fails with custody.ErrNothingLocked.
func (l *TimeLock) Release(ctx context.Context) (*big.Int, error) {
	const op = "timelock.release"
	now := l.clock.Now()

	l.mu.Lock()
	if now.Before(l.cfg.unlock) {
		l.mu.Unlock()
		err := custody.Policy(op, custody.ErrStillLocked, l.cfg.unlock)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}
	if l.deposits > 0 {
		l.mu.Unlock()
		err := custody.Policy(op, ErrBusy, now)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}
	balance, err := l.asset.BalanceOf(ctx, l.cfg.address)
	if err != nil {
		l.mu.Unlock()
		err = custody.Transfer(op, err)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}
	amount := balance.Sub(balance, l.pending)
	if amount.Sign() <= 0 {
		l.mu.Unlock()
		err := custody.NoOp(op, custody.ErrNothingLocked)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}
	l.pending.Add(l.pending, amount)
	l.mu.Unlock()

	_, err = l.asset.Transfer(ctx, l.cfg.address, l.cfg.beneficiary, custody.Clone(amount))

	l.mu.Lock()
	l.pending.Sub(l.pending, amount)
	if err == nil {
		l.released = true
	}
	l.mu.Unlock()
	if err != nil {
		err = custody.Transfer(op, err)
		obs.RecordFailure(op, err)
		return custody.Zero(), err
	}

	l.emit(ctx, custody.Event{
		ID:          ids.New(),
		Type:        custody.EventTimeLockReleased,
		Component:   l.cfg.address,
		Asset:       l.cfg.asset,
		Beneficiary: l.cfg.beneficiary,
		Amount:      custody.Clone(amount),
		UnlockTime:  l.cfg.unlock,
		Timestamp:   now,
	})
	return amount, nil
}

// LockedAmount is the custodied balance not already being paid out.
func (l *TimeLock) LockedAmount(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedLocked(ctx)
}

func (l *TimeLock) lockedLocked(ctx context.Context) (*big.Int, error) {
	balance, err := l.asset.BalanceOf(ctx, l.cfg.address)
	if err != nil {
		return nil, fmt.Errorf("timelock: read balance: %w", err)
	}
	balance.Sub(balance, l.pending)
	if balance.Sign() < 0 {
		return new(big.Int), nil
	}
	return balance, nil
}

// TimeUntilUnlock is zero once the unlock time is reached.
func (l *TimeLock) TimeUntilUnlock() time.Duration {
	return remaining(l.cfg.unlock, l.clock.Now())
}

func remaining(unlock, now time.Time) time.Duration {
	if !now.Before(unlock) {
		return 0
	}
	return unlock.Sub(now)
}

// State moves Locked -> Unlockable -> Released and never back.
func (l *TimeLock) State() State {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(now)
}

func (l *TimeLock) stateLocked(now time.Time) State {
	switch {
	case l.released:
		return StateReleased
	case now.Before(l.cfg.unlock):
		return StateLocked
	default:
		return StateUnlockable
	}
}

// Status returns the composite view without side effects.
func (l *TimeLock) Status(ctx context.Context) (Status, error) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	locked, err := l.lockedLocked(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Component:       l.cfg.address,
		Asset:           l.cfg.asset,
		Beneficiary:     l.cfg.beneficiary,
		UnlockTime:      l.cfg.unlock,
		Locked:          locked,
		SecondsToUnlock: int64(remaining(l.cfg.unlock, now) / time.Second),
		State:           l.stateLocked(now),
	}, nil
}

func (l *TimeLock) emit(ctx context.Context, evt custody.Event) {
	if err := l.sink.Emit(ctx, evt); err != nil {
		obs.Error("event sink failed", err, map[string]any{
			"event":     string(evt.Type),
			"component": evt.Component.Hex(),
		})
	}
}
