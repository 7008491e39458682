package timelock

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mylucky.org/internal/clock"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/ledger"
)

var (
	lpToken   = common.HexToAddress("0x00000000000000000000000000000000000001b0")
	treasury  = common.HexToAddress("0x0000000000000000000000000000000000007ea5")
	provider  = common.HexToAddress("0x0000000000000000000000000000000000000abc")
	stranger  = common.HexToAddress("0x0000000000000000000000000000000000000def")
	start     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lockFor   = clock.Days(365)
	lpShares  = big.NewInt(500)
	noOptions []Option
)

type recorder struct {
	mu     sync.Mutex
	events []custody.Event
}

func (r *recorder) Emit(_ context.Context, evt custody.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) all() []custody.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]custody.Event(nil), r.events...)
}

func newLPToken(t *testing.T) *ledger.InMemory {
	t.Helper()
	tok := ledger.NewInMemory(ledger.TokenInfo{Address: lpToken, Symbol: "MYLUCKY-LP", Decimals: 18})
	_, err := tok.Mint(context.Background(), provider, big.NewInt(10_000))
	require.NoError(t, err)
	return tok
}

type fixture struct {
	token  *ledger.InMemory
	clock  *clock.Manual
	events *recorder
	lock   *TimeLock
}

func newFixture(t *testing.T, asset Asset, tok *ledger.InMemory) *fixture {
	t.Helper()
	f := &fixture{token: tok, clock: clock.NewManual(start), events: &recorder{}}
	l, err := New(asset, lpToken, treasury, lockFor, WithClock(f.clock), WithSink(f.events))
	require.NoError(t, err)
	f.lock = l
	return f
}

func (f *fixture) deposit(t *testing.T, amount *big.Int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.token.Approve(ctx, provider, f.lock.Address(), amount))
	require.NoError(t, f.lock.Lock(ctx, provider, amount))
}

func (f *fixture) balance(t *testing.T, who common.Address) int64 {
	t.Helper()
	b, err := f.token.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return b.Int64()
}

func TestNew_Validation(t *testing.T) {
	tok := newLPToken(t)
	cases := []struct {
		name        string
		asset       Asset
		assetID     common.Address
		beneficiary common.Address
		duration    time.Duration
		want        error
	}{
		{"zero asset id", tok, common.Address{}, treasury, lockFor, custody.ErrInvalidAsset},
		{"nil asset", nil, lpToken, treasury, lockFor, custody.ErrInvalidAsset},
		{"mismatched asset", tok, stranger, treasury, lockFor, custody.ErrInvalidAsset},
		{"zero beneficiary", tok, lpToken, common.Address{}, lockFor, custody.ErrInvalidBeneficiary},
		{"zero duration", tok, lpToken, treasury, 0, custody.ErrInvalidDuration},
		{"negative duration", tok, lpToken, treasury, -time.Hour, custody.ErrInvalidDuration},
		{"sub-second duration", tok, lpToken, treasury, 500 * time.Millisecond, custody.ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.asset, tc.assetID, tc.beneficiary, tc.duration, noOptions...)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, custody.KindValidation, custody.KindOf(err))
		})
	}
}

func TestNew_UnlockTime(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	cfg := f.lock.Config()
	assert.Equal(t, start, cfg.CreationTime())
	assert.Equal(t, start.Add(lockFor), cfg.UnlockTime())
	assert.Equal(t, lpToken, cfg.Asset())
	assert.Equal(t, treasury, cfg.Beneficiary())
	assert.Equal(t, StateLocked, f.lock.State())
	assert.Equal(t, lockFor, f.lock.TimeUntilUnlock())
}

func TestScenario_LPLock(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	ctx := context.Background()
	f.deposit(t, lpShares)

	f.clock.Set(start.Add(clock.Days(364)))
	amt, err := f.lock.Release(ctx)
	require.ErrorIs(t, err, custody.ErrStillLocked)
	assert.Equal(t, custody.KindPolicy, custody.KindOf(err))
	retry, ok := custody.RetryAt(err)
	require.True(t, ok)
	assert.Equal(t, start.Add(lockFor), retry)
	assert.Equal(t, int64(0), amt.Int64())
	assert.Equal(t, int64(500), f.balance(t, f.lock.Address()))

	f.clock.Set(start.Add(clock.Days(365)))
	amt, err = f.lock.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), amt.Int64())
	assert.Equal(t, int64(0), f.balance(t, f.lock.Address()))
	assert.Equal(t, int64(500), f.balance(t, treasury))
	assert.Equal(t, StateReleased, f.lock.State())

	amt, err = f.lock.Release(ctx)
	require.ErrorIs(t, err, custody.ErrNothingLocked)
	assert.True(t, custody.IsNoOp(err))
	assert.Equal(t, int64(0), amt.Int64())
}

func TestRelease_AnyCallerSameOutcome(t *testing.T) {
	// Release takes no caller identity: the payout always goes to the
	// beneficiary and depends only on the clock.
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	f.deposit(t, lpShares)

	f.clock.Set(start.Add(lockFor - time.Second))
	_, err := f.lock.Release(context.Background())
	require.ErrorIs(t, err, custody.ErrStillLocked)

	f.clock.Advance(time.Second)
	_, err = f.lock.Release(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, stranger))
	assert.Equal(t, int64(500), f.balance(t, treasury))
}

func TestRelease_EmptyLockAfterUnlock(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	f.clock.Set(start.Add(lockFor))

	_, err := f.lock.Release(context.Background())
	require.ErrorIs(t, err, custody.ErrNothingLocked)
	assert.Equal(t, StateUnlockable, f.lock.State())
}

func TestLock_Validation(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	ctx := context.Background()

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		err := f.lock.Lock(ctx, provider, amt)
		require.ErrorIs(t, err, custody.ErrInvalidAmount)
		assert.Equal(t, custody.KindValidation, custody.KindOf(err))
	}
	assert.Empty(t, f.events.all())
}

func TestLock_RequiresApproval(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)

	err := f.lock.Lock(context.Background(), provider, lpShares)
	require.ErrorIs(t, err, custody.ErrTransferFailed)
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
	assert.Equal(t, custody.KindTransfer, custody.KindOf(err))
	assert.Equal(t, int64(10_000), f.balance(t, provider))
}

func TestLock_AggregatesDepositsAndEmits(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	ctx := context.Background()
	_, err := tok.Transfer(ctx, provider, stranger, big.NewInt(100))
	require.NoError(t, err)

	f.deposit(t, big.NewInt(300))
	require.NoError(t, tok.Approve(ctx, stranger, f.lock.Address(), big.NewInt(100)))
	require.NoError(t, f.lock.Lock(ctx, stranger, big.NewInt(100)))

	locked, err := f.lock.LockedAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(400), locked.Int64())

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, custody.EventTimeLockLocked, events[0].Type)
	assert.Equal(t, provider, events[0].From)
	assert.Equal(t, int64(300), events[0].Amount.Int64())
	assert.Equal(t, start.Add(lockFor), events[0].UnlockTime)
	assert.Equal(t, treasury, events[0].Beneficiary)
	assert.Equal(t, stranger, events[1].From)
}

func TestLock_RejectedAfterRelease(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(lockFor))
	_, err := f.lock.Release(context.Background())
	require.NoError(t, err)

	err = f.lock.Lock(context.Background(), provider, big.NewInt(1))
	require.ErrorIs(t, err, ErrAlreadyReleased)
	assert.Equal(t, StateReleased, f.lock.State())
}

func TestTimeUntilUnlock_NeverNegative(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)

	f.clock.Set(start.Add(clock.Days(300)))
	assert.Equal(t, clock.Days(65), f.lock.TimeUntilUnlock())
	f.clock.Set(start.Add(lockFor))
	assert.Equal(t, time.Duration(0), f.lock.TimeUntilUnlock())
	f.clock.Set(start.Add(clock.Days(1000)))
	assert.Equal(t, time.Duration(0), f.lock.TimeUntilUnlock())
}

type reentrantAsset struct {
	*ledger.InMemory
	reenter     func()
	reenterPull func()
}

func (a *reentrantAsset) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	if hook := a.reenterPull; hook != nil {
		a.reenterPull = nil
		hook()
	}
	return a.InMemory.TransferFrom(ctx, spender, from, to, amount)
}

func (a *reentrantAsset) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (ledger.Transfer, error) {
	if hook := a.reenter; hook != nil {
		a.reenter = nil
		hook()
	}
	return a.InMemory.Transfer(ctx, from, to, amount)
}

func TestRelease_ReentrantCallGetsNothing(t *testing.T) {
	tok := newLPToken(t)
	asset := &reentrantAsset{InMemory: tok}
	f := newFixture(t, asset, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(lockFor))
	ctx := context.Background()

	var innerErr error
	var innerLocked *big.Int
	asset.reenter = func() {
		innerLocked, _ = f.lock.LockedAmount(ctx)
		_, innerErr = f.lock.Release(ctx)
	}

	amt, err := f.lock.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), amt.Int64())
	require.ErrorIs(t, innerErr, custody.ErrNothingLocked)
	assert.Equal(t, int64(0), innerLocked.Int64(), "in-flight payout is not reported as locked")
	assert.Equal(t, int64(500), f.balance(t, treasury))
}

func TestRelease_WaitsForDepositInFlight(t *testing.T) {
	tok := newLPToken(t)
	asset := &reentrantAsset{InMemory: tok}
	f := newFixture(t, asset, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(lockFor))
	ctx := context.Background()

	var innerErr error
	asset.reenterPull = func() {
		_, innerErr = f.lock.Release(ctx)
	}
	f.deposit(t, big.NewInt(100))

	require.ErrorIs(t, innerErr, ErrBusy)
	assert.True(t, custody.IsRetryable(innerErr))
	assert.Equal(t, int64(0), f.balance(t, treasury), "no payout while the deposit was settling")

	amt, err := f.lock.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600), amt.Int64(), "the late deposit is paid out with the rest")
}

func TestLock_RejectedWhileReleaseSettles(t *testing.T) {
	tok := newLPToken(t)
	asset := &reentrantAsset{InMemory: tok}
	f := newFixture(t, asset, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(lockFor))
	ctx := context.Background()
	require.NoError(t, tok.Approve(ctx, provider, f.lock.Address(), big.NewInt(100)))

	var innerErr error
	asset.reenter = func() {
		innerErr = f.lock.Lock(ctx, provider, big.NewInt(100))
	}
	amt, err := f.lock.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), amt.Int64())
	require.ErrorIs(t, innerErr, ErrBusy)

	err = f.lock.Lock(ctx, provider, big.NewInt(100))
	require.ErrorIs(t, err, ErrAlreadyReleased)
	assert.Equal(t, int64(10_000-500), f.balance(t, provider), "no deposit landed after the payout")
	locked, err := f.lock.LockedAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), locked.Int64())
}

type failingAsset struct {
	*ledger.InMemory
}

func (failingAsset) Transfer(context.Context, common.Address, common.Address, *big.Int) (ledger.Transfer, error) {
	return ledger.Transfer{}, errors.New("paused")
}

func TestRelease_TransferFailureLeavesLockIntact(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, failingAsset{tok}, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(lockFor))
	ctx := context.Background()

	_, err := f.lock.Release(ctx)
	require.ErrorIs(t, err, custody.ErrTransferFailed)
	assert.Equal(t, StateUnlockable, f.lock.State())
	locked, err := f.lock.LockedAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), locked.Int64())
	require.Len(t, f.events.all(), 1, "only the lock event")
}

func TestRelease_ConcurrentCallersPayOnce(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(lockFor))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.lock.Release(context.Background()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, custody.ErrNothingLocked)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, int64(500), f.balance(t, treasury))
}

func TestStatusAndResume(t *testing.T) {
	tok := newLPToken(t)
	f := newFixture(t, tok, tok)
	f.deposit(t, lpShares)
	f.clock.Set(start.Add(clock.Days(100)))
	ctx := context.Background()

	st, err := f.lock.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, st.State)
	assert.Equal(t, int64(500), st.Locked.Int64())
	assert.Equal(t, int64(clock.Days(265)/time.Second), st.SecondsToUnlock)

	resumed, err := Resume(tok, f.lock.Snapshot(), WithClock(f.clock))
	require.NoError(t, err)
	assert.Equal(t, f.lock.Config(), resumed.Config())

	f.clock.Set(start.Add(lockFor))
	amt, err := resumed.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), amt.Int64())
	assert.True(t, resumed.Snapshot().Released)

	_, err = Resume(ledger.NewInMemory(ledger.TokenInfo{Address: stranger}), f.lock.Snapshot())
	require.ErrorIs(t, err, custody.ErrInvalidAsset)
}
