package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mylucky.org/internal/clock"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/store/pg"
	"mylucky.org/internal/timelock"
	"mylucky.org/internal/vesting"
)

const (
	tokenHex     = "0x000000000000000000000000000000000000c0de"
	lpHex        = "0x00000000000000000000000000000000000001b0"
	treasuryHex  = "0x0000000000000000000000000000000000007ea5"
	founderHex   = "0x00000000000000000000000000000000000f0f0f"
	communityHex = "0x000000000000000000000000000000000000c0c0"
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"NETWORK", "TOKEN_ADDRESS", "TREASURY_ADDRESS", "FOUNDER_ADDRESS", "COMMUNITY_ADDRESS", "LP_TOKEN_ADDRESS", "LOCK_DURATION"} {
		t.Setenv(k, "")
	}
}

func testPlan() Plan {
	p := Plan{
		Network:   "test",
		Token:     TokenPlan{Address: tokenHex},
		Treasury:  treasuryHex,
		Founder:   founderHex,
		Community: communityHex,
		Liquidity: LockPlan{LPToken: lpHex},
	}
	p.applyDefaults()
	return p
}

func units(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestLoadPlan_YAMLWithEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network: sepolia
token:
  address: `+tokenHex+`
  supply: "1000"
treasury: `+treasuryHex+`
founder: `+founderHex+`
community: `+communityHex+`
liquidity:
  lp_token: `+lpHex+`
`), 0o600))

	override := "0x0000000000000000000000000000000000000abc"
	t.Setenv("FOUNDER_ADDRESS", override)
	t.Setenv("LOCK_DURATION", "86400")

	p, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, "sepolia", p.Network)
	assert.Equal(t, override, p.Founder)
	assert.Equal(t, 24*time.Hour, p.LockDuration())
	assert.Equal(t, treasuryHex, p.Liquidity.Beneficiary, "LP lock pays the treasury by default")
	assert.Equal(t, Distribution{Treasury: 70, Vesting: 15, Community: 15}, p.Distribution)
	assert.Equal(t, clock.Days(180), p.CliffDuration())
	assert.Equal(t, clock.Days(720), p.VestingDuration())
	assert.Equal(t, uint8(18), p.Token.Decimals)
}

func TestLoadPlan_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOKEN_ADDRESS", tokenHex)
	t.Setenv("TREASURY_ADDRESS", treasuryHex)
	t.Setenv("FOUNDER_ADDRESS", founderHex)
	t.Setenv("COMMUNITY_ADDRESS", communityHex)
	t.Setenv("LP_TOKEN_ADDRESS", lpHex)

	p, err := LoadPlan("")
	require.NoError(t, err)
	assert.Equal(t, 365*24*time.Hour, p.LockDuration())
}

func TestLoadPlan_BadLockDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOCK_DURATION", "a year")
	_, err := LoadPlan("")
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestPlanValidate(t *testing.T) {
	cases := map[string]func(p *Plan){
		"missing founder":       func(p *Plan) { p.Founder = "" },
		"malformed treasury":    func(p *Plan) { p.Treasury = "0x1234" },
		"zero community":        func(p *Plan) { p.Community = "0x0000000000000000000000000000000000000000" },
		"same token and lp":     func(p *Plan) { p.Liquidity.LPToken = tokenHex },
		"distribution over 100": func(p *Plan) { p.Distribution.Treasury = 71 },
		"cliff not shorter":     func(p *Plan) { p.Vesting = VestingPlan{CliffDays: 720, DurationDays: 720} },
		"negative lock":         func(p *Plan) { p.Liquidity.LockSeconds = -1 },
		"fractional base unit":  func(p *Plan) { p.Token.Supply = "0.0000000000000000001" },
		"garbage supply":        func(p *Plan) { p.Token.Supply = "lots" },
		"depositor without key": func(p *Plan) { p.Depositors = []Depositor{{Address: founderHex}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := testPlan()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidPlan)
		})
	}
	require.NoError(t, testPlan().Validate())
}

func TestPlanSplit(t *testing.T) {
	p := testPlan()
	treasury, vested, community, err := p.Split()
	require.NoError(t, err)
	assert.Equal(t, units(700_000_000).String(), treasury.String())
	assert.Equal(t, units(150_000_000).String(), vested.String())
	assert.Equal(t, units(150_000_000).String(), community.String())

	p.Token = TokenPlan{Address: tokenHex, Decimals: 0, Supply: "7"}
	treasury, vested, community, err = p.Split()
	require.NoError(t, err)
	// 15% of 7 floors to 1; the dust stays with the treasury.
	assert.Equal(t, int64(5), treasury.Int64())
	assert.Equal(t, int64(1), vested.Int64())
	assert.Equal(t, int64(1), community.Int64())
}

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		in   *big.Int
		dec  uint8
		want string
	}{
		{units(150_000_000), 18, "150000000"},
		{big.NewInt(1_500_000_000_000_000_000), 18, "1.5"},
		{big.NewInt(1), 18, "0.000000000000000001"},
		{big.NewInt(42), 0, "42"},
		{nil, 18, "0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatUnits(tc.in, tc.dec))
	}
}

type memRegistry struct {
	mu   sync.Mutex
	recs []pg.ComponentRecord
}

func (m *memRegistry) SaveComponent(_ context.Context, addr common.Address, kind pg.ComponentKind, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, pg.ComponentRecord{Address: addr, Kind: kind, Snapshot: data, UpdatedAt: start})
	return nil
}

func (m *memRegistry) Components(context.Context) ([]pg.ComponentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pg.ComponentRecord(nil), m.recs...), nil
}

func TestDeploy_DistributionAndVesting(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	d, err := Deploy(ctx, testPlan(), InMemoryLedgers(), Options{Clock: clk})
	require.NoError(t, err)

	require.Len(t, d.Schedules(), 1)
	require.Len(t, d.Locks(), 1)
	sched := d.Schedules()[0]
	assert.Equal(t, common.HexToAddress(founderHex), sched.Config().Beneficiary())
	assert.Equal(t, start.Add(clock.Days(180)), sched.Config().CliffEnd())

	m, err := d.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "700000000", m.Distribution["treasury"])
	assert.Equal(t, "150000000", m.Distribution["vesting"])
	assert.Equal(t, "150000000", m.Distribution["community"])
	assert.Equal(t, "1000000000", m.Supply)
	assert.Equal(t, "2025-06-30T00:00:00Z", m.Vesting[0].CliffEnd)
	assert.Equal(t, "2026-12-22T00:00:00Z", m.Vesting[0].VestingEnd)
	assert.Equal(t, "2026-01-01T00:00:00Z", m.Locks[0].UnlockTime)
	assert.Equal(t, string(vesting.StatePending), m.Vesting[0].State)

	clk.Set(start.Add(clock.Days(360)))
	amt, err := sched.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, units(75_000_000).String(), amt.String())

	founderBal, err := d.Token.BalanceOf(ctx, common.HexToAddress(founderHex))
	require.NoError(t, err)
	assert.Equal(t, units(75_000_000).String(), founderBal.String())
}

func TestDeploy_LPLockFlow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	d, err := Deploy(ctx, testPlan(), InMemoryLedgers(), Options{Clock: clk})
	require.NoError(t, err)
	lock := d.Locks()[0]
	treasury := common.HexToAddress(treasuryHex)

	_, err = d.LPToken.Mint(ctx, treasury, big.NewInt(500))
	require.NoError(t, err)
	require.NoError(t, d.LPToken.Approve(ctx, treasury, lock.Address(), big.NewInt(500)))
	require.NoError(t, lock.Lock(ctx, treasury, big.NewInt(500)))

	m, err := d.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.0000000000000005", m.Locks[0].Locked)

	clk.Set(start.Add(clock.Days(365)))
	amt, err := lock.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), amt.Int64())
}

func TestDeploy_SaveAndResume(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	reg := &memRegistry{}
	ledgers := InMemoryLedgers()

	d, err := Deploy(ctx, testPlan(), ledgers, Options{Clock: clk, Registry: reg})
	require.NoError(t, err)
	recs, err := reg.Components(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	clk.Set(start.Add(clock.Days(360)))
	_, err = d.Schedules()[0].Release(ctx)
	require.NoError(t, err)

	resumed, err := Resume(ctx, testPlan(), ledgers, reg, Options{Clock: clk})
	require.NoError(t, err)
	sched, ok := resumed.Schedule(d.Schedules()[0].Address())
	require.True(t, ok)
	assert.Equal(t, units(75_000_000).String(), sched.TotalReleased().String(), "released total recovered from the ledger")

	amt, err := sched.ReleasableAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), amt.Int64())

	_, ok = resumed.Lock(d.Locks()[0].Address())
	assert.True(t, ok)
}

func TestResume_LostEventsDoNotPayTwice(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	reg := &memRegistry{}
	ledgers := InMemoryLedgers()
	down := custody.SinkFunc(func(context.Context, custody.Event) error {
		return errors.New("event store unavailable")
	})
	founder := common.HexToAddress(founderHex)

	d, err := Deploy(ctx, testPlan(), ledgers, Options{Clock: clk, Sink: down, Registry: reg})
	require.NoError(t, err)
	clk.Set(start.Add(clock.Days(360)))
	first, err := d.Schedules()[0].Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, units(75_000_000).String(), first.String())

	resumed, err := Resume(ctx, testPlan(), ledgers, reg, Options{Clock: clk, Sink: down})
	require.NoError(t, err)
	sched, ok := resumed.Schedule(d.Schedules()[0].Address())
	require.True(t, ok)
	assert.Equal(t, units(75_000_000).String(), sched.TotalReleased().String())

	second, err := sched.Release(ctx)
	require.Error(t, err)
	assert.True(t, custody.IsNoOp(err))
	assert.Equal(t, int64(0), second.Int64())

	bal, err := resumed.Token.BalanceOf(ctx, founder)
	require.NoError(t, err)
	assert.Equal(t, units(75_000_000).String(), bal.String(), "founder holds exactly the vested half")
}

func TestResume_LockPayoutSurvivesLostEvents(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	reg := &memRegistry{}
	ledgers := InMemoryLedgers()
	down := custody.SinkFunc(func(context.Context, custody.Event) error {
		return errors.New("event store unavailable")
	})
	treasury := common.HexToAddress(treasuryHex)

	d, err := Deploy(ctx, testPlan(), ledgers, Options{Clock: clk, Sink: down, Registry: reg})
	require.NoError(t, err)
	lock := d.Locks()[0]
	_, err = d.LPToken.Mint(ctx, treasury, big.NewInt(500))
	require.NoError(t, err)
	require.NoError(t, d.LPToken.Approve(ctx, treasury, lock.Address(), big.NewInt(500)))
	require.NoError(t, lock.Lock(ctx, treasury, big.NewInt(500)))
	clk.Set(start.Add(clock.Days(365)))
	_, err = lock.Release(ctx)
	require.NoError(t, err)

	resumed, err := Resume(ctx, testPlan(), ledgers, reg, Options{Clock: clk, Sink: down})
	require.NoError(t, err)
	l, ok := resumed.Lock(lock.Address())
	require.True(t, ok)
	assert.Equal(t, timelock.StateReleased, l.State())
	require.NoError(t, d.LPToken.Approve(ctx, treasury, lock.Address(), big.NewInt(1)))
	require.ErrorIs(t, l.Lock(ctx, treasury, big.NewInt(1)), timelock.ErrAlreadyReleased)
}

func TestResume_NothingPersisted(t *testing.T) {
	_, err := Resume(context.Background(), testPlan(), InMemoryLedgers(), &memRegistry{}, Options{})
	require.ErrorIs(t, err, ErrNotDeployed)
}

func TestWriteManifest(t *testing.T) {
	ctx := context.Background()
	d, err := Deploy(ctx, testPlan(), InMemoryLedgers(), Options{Clock: clock.NewManual(start)})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "deployments.json")
	require.NoError(t, d.WriteManifest(ctx, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "test", m.Network)
	assert.Equal(t, common.HexToAddress(tokenHex).Hex(), m.Contracts.Token)
	assert.Equal(t, "MYLUCKY", m.Symbol)
}
