package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/clock"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/ledger"
	"mylucky.org/internal/obs"
	"mylucky.org/internal/store/pg"
	"mylucky.org/internal/timelock"
	"mylucky.org/internal/vesting"
)

// Ledgers opens (or registers) the ledger for a token.
type Ledgers func(ctx context.Context, info ledger.TokenInfo) (ledger.Token, error)

// InMemoryLedgers returns process-local ledgers, one per token address.
func InMemoryLedgers() Ledgers {
	var mu sync.Mutex
	tokens := make(map[common.Address]*ledger.InMemory)
	return func(_ context.Context, info ledger.TokenInfo) (ledger.Token, error) {
		mu.Lock()
		defer mu.Unlock()
		if tok, ok := tokens[info.Address]; ok {
			return tok, nil
		}
		tok := ledger.NewInMemory(info)
		tokens[info.Address] = tok
		return tok, nil
	}
}

// PostgresLedgers opens ledgers in store.
func PostgresLedgers(store *pg.Store) Ledgers {
	return func(ctx context.Context, info ledger.TokenInfo) (ledger.Token, error) {
		return store.Token(ctx, info)
	}
}

// Registry persists component snapshots so a restart can resume them.
type Registry interface {
	SaveComponent(ctx context.Context, addr common.Address, kind pg.ComponentKind, snapshot any) error
	Components(ctx context.Context) ([]pg.ComponentRecord, error)
}

type Options struct {
	Clock clock.Clock
	Sink  custody.Sink
	// Registry is optional; when set, snapshots are saved after deployment.
	Registry Registry
}

func (o Options) clock() clock.Clock {
	if o.Clock == nil {
		return clock.System{}
	}
	return o.Clock
}

func (o Options) sink() custody.Sink {
	if o.Sink == nil {
		return custody.Discard
	}
	return o.Sink
}

var ErrNotDeployed = errors.New("deploy: no persisted components")

// Deployment is a running launch: the token ledgers plus the components that
// custody part of them.
type Deployment struct {
	Plan       Plan
	Token      ledger.Token
	LPToken    ledger.Token
	DeployedAt time.Time

	schedules map[common.Address]*vesting.Schedule
	locks     map[common.Address]*timelock.TimeLock
}

func (p Plan) tokenInfo() ledger.TokenInfo {
	return ledger.TokenInfo{Address: mustAddress(p.Token.Address), Symbol: p.Token.Symbol, Decimals: p.Token.Decimals}
}

func (p Plan) lpInfo() ledger.TokenInfo {
	return ledger.TokenInfo{Address: mustAddress(p.Liquidity.LPToken), Symbol: p.Liquidity.LPSymbol, Decimals: 18}
}

func openLedgers(ctx context.Context, plan Plan, ledgers Ledgers) (ledger.Token, ledger.Token, error) {
	tok, err := ledgers(ctx, plan.tokenInfo())
	if err != nil {
		return nil, nil, fmt.Errorf("open token ledger: %w", err)
	}
	lp, err := ledgers(ctx, plan.lpInfo())
	if err != nil {
		return nil, nil, fmt.Errorf("open LP ledger: %w", err)
	}
	return tok, lp, nil
}

// Deploy creates the founder schedule with its allocation fixed, mints the
// distribution (treasury, schedule custody, community) and creates the LP
// lock. It is not idempotent: use Resume after a restart.
func Deploy(ctx context.Context, plan Plan, ledgers Ledgers, opts Options) (*Deployment, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	treasuryAmt, vestingAmt, communityAmt, err := plan.Split()
	if err != nil {
		return nil, err
	}
	tok, lp, err := openLedgers(ctx, plan, ledgers)
	if err != nil {
		return nil, err
	}
	clk := opts.clock()

	sched, err := vesting.New(tok, mustAddress(plan.Founder),
		vesting.WithClock(clk),
		vesting.WithSink(opts.sink()),
		vesting.WithDurations(plan.CliffDuration(), plan.VestingDuration()),
		vesting.WithAllocation(vestingAmt),
	)
	if err != nil {
		return nil, fmt.Errorf("create vesting schedule: %w", err)
	}

	mints := []struct {
		to     common.Address
		amount *big.Int
	}{
		{mustAddress(plan.Treasury), treasuryAmt},
		{sched.Address(), vestingAmt},
		{mustAddress(plan.Community), communityAmt},
	}
	for _, m := range mints {
		if m.amount.Sign() == 0 {
			continue
		}
		if _, err := tok.Mint(ctx, m.to, m.amount); err != nil {
			return nil, fmt.Errorf("mint to %s: %w", m.to.Hex(), err)
		}
	}

	lock, err := timelock.New(lp, lp.Info().Address, mustAddress(plan.Liquidity.Beneficiary), plan.LockDuration(),
		timelock.WithClock(clk),
		timelock.WithSink(opts.sink()),
	)
	if err != nil {
		return nil, fmt.Errorf("create LP lock: %w", err)
	}

	d := &Deployment{
		Plan:       plan,
		Token:      tok,
		LPToken:    lp,
		DeployedAt: clk.Now(),
		schedules:  map[common.Address]*vesting.Schedule{sched.Address(): sched},
		locks:      map[common.Address]*timelock.TimeLock{lock.Address(): lock},
	}
	if opts.Registry != nil {
		if err := d.Save(ctx, opts.Registry); err != nil {
			return nil, err
		}
	}
	obs.Info("deployment complete", map[string]any{
		"network":  plan.Network,
		"token":    tok.Info().Address.Hex(),
		"vesting":  sched.Address().Hex(),
		"lp_lock":  lock.Address().Hex(),
		"cliff":    sched.Config().CliffEnd().Format(time.RFC3339),
		"unlock":   lock.Config().UnlockTime().Format(time.RFC3339),
		"treasury": plan.Treasury,
	})
	return d, nil
}

// Save persists the snapshot of every component.
func (d *Deployment) Save(ctx context.Context, reg Registry) error {
	for _, s := range d.Schedules() {
		if err := reg.SaveComponent(ctx, s.Address(), pg.KindVesting, s.Snapshot()); err != nil {
			return fmt.Errorf("save schedule %s: %w", s.Address().Hex(), err)
		}
	}
	for _, l := range d.Locks() {
		if err := reg.SaveComponent(ctx, l.Address(), pg.KindTimeLock, l.Snapshot()); err != nil {
			return fmt.Errorf("save lock %s: %w", l.Address().Hex(), err)
		}
	}
	return nil
}

// Resume rebuilds the components persisted in reg. Snapshots are only written
// at deploy time, so what each component already paid out is summed from the
// ledger's transfers to its beneficiary. Custody events are never consulted:
// a sink failure must not let an entitlement be paid twice.
func Resume(ctx context.Context, plan Plan, ledgers Ledgers, reg Registry, opts Options) (*Deployment, error) {
	records, err := reg.Components(ctx)
	if err != nil {
		return nil, fmt.Errorf("load components: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotDeployed
	}
	tok, lp, err := openLedgers(ctx, plan, ledgers)
	if err != nil {
		return nil, err
	}
	d := &Deployment{
		Plan:       plan,
		Token:      tok,
		LPToken:    lp,
		DeployedAt: records[0].UpdatedAt,
		schedules:  make(map[common.Address]*vesting.Schedule),
		locks:      make(map[common.Address]*timelock.TimeLock),
	}
	for _, rec := range records {
		switch rec.Kind {
		case pg.KindVesting:
			var snap vesting.Snapshot
			if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
				return nil, fmt.Errorf("decode schedule %s: %w", rec.Address.Hex(), err)
			}
			released, err := ledger.Transferred(ctx, tok, snap.Address, snap.Beneficiary)
			if err != nil {
				return nil, fmt.Errorf("sum schedule %s payouts: %w", rec.Address.Hex(), err)
			}
			s, err := vesting.Resume(tok, snap, released, vesting.WithClock(opts.clock()), vesting.WithSink(opts.sink()))
			if err != nil {
				return nil, fmt.Errorf("resume schedule %s: %w", rec.Address.Hex(), err)
			}
			d.schedules[s.Address()] = s
		case pg.KindTimeLock:
			var snap timelock.Snapshot
			if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
				return nil, fmt.Errorf("decode lock %s: %w", rec.Address.Hex(), err)
			}
			paid, err := ledger.Transferred(ctx, lp, snap.Address, snap.Beneficiary)
			if err != nil {
				return nil, fmt.Errorf("sum lock %s payouts: %w", rec.Address.Hex(), err)
			}
			snap.Released = snap.Released || paid.Sign() > 0
			l, err := timelock.Resume(lp, snap, timelock.WithClock(opts.clock()), timelock.WithSink(opts.sink()))
			if err != nil {
				return nil, fmt.Errorf("resume lock %s: %w", rec.Address.Hex(), err)
			}
			d.locks[l.Address()] = l
		default:
			return nil, fmt.Errorf("unknown component kind %q", rec.Kind)
		}
	}
	obs.Info("deployment resumed", map[string]any{
		"schedules": len(d.schedules),
		"locks":     len(d.locks),
	})
	return d, nil
}

// Schedule looks up a schedule by custody address.
func (d *Deployment) Schedule(addr common.Address) (*vesting.Schedule, bool) {
	s, ok := d.schedules[addr]
	return s, ok
}

// Lock looks up a lock by custody address.
func (d *Deployment) Lock(addr common.Address) (*timelock.TimeLock, bool) {
	l, ok := d.locks[addr]
	return l, ok
}

// Schedules are ordered by address.
func (d *Deployment) Schedules() []*vesting.Schedule {
	out := make([]*vesting.Schedule, 0, len(d.schedules))
	for _, s := range d.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address().Hex() < out[j].Address().Hex() })
	return out
}

// Locks are ordered by address.
func (d *Deployment) Locks() []*timelock.TimeLock {
	out := make([]*timelock.TimeLock, 0, len(d.locks))
	for _, l := range d.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address().Hex() < out[j].Address().Hex() })
	return out
}
