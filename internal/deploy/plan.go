package deploy

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"mylucky.org/internal/clock"
)

// Plan describes one launch: the token and its 70/15/15 split, the founder
// vesting terms and the LP lock. It is read from YAML and then overridden by
// the environment.
type Plan struct {
	Network      string       `yaml:"network"`
	Token        TokenPlan    `yaml:"token"`
	Treasury     string       `yaml:"treasury"`
	Founder      string       `yaml:"founder"`
	Community    string       `yaml:"community"`
	Distribution Distribution `yaml:"distribution"`
	Vesting      VestingPlan  `yaml:"vesting"`
	Liquidity    LockPlan     `yaml:"liquidity"`
	Depositors   []Depositor  `yaml:"depositors"`
}

type TokenPlan struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	// Supply is in whole tokens; base units are Supply * 10^Decimals.
	Supply string `yaml:"supply"`
}

// Distribution is in percent and must sum to 100.
type Distribution struct {
	Treasury  int64 `yaml:"treasury"`
	Vesting   int64 `yaml:"vesting"`
	Community int64 `yaml:"community"`
}

type VestingPlan struct {
	CliffDays    int `yaml:"cliff_days"`
	DurationDays int `yaml:"duration_days"`
}

type LockPlan struct {
	LPToken  string `yaml:"lp_token"`
	LPSymbol string `yaml:"lp_symbol"`
	// LockSeconds matches LOCK_DURATION in seconds.
	LockSeconds int64 `yaml:"lock_seconds"`
	// Beneficiary defaults to the treasury.
	Beneficiary string `yaml:"beneficiary"`
}

// Depositor may obtain tokens for POST /v1/locks/{id}/lock.
type Depositor struct {
	Address string `yaml:"address"`
	KeyHash string `yaml:"key_hash"`
}

var ErrInvalidPlan = errors.New("deploy: invalid plan")

// LoadPlan reads path (optional), applies environment overrides and defaults,
// then validates.
func LoadPlan(path string) (Plan, error) {
	var p Plan
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Plan{}, fmt.Errorf("read plan: %w", err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Plan{}, fmt.Errorf("parse plan: %w", err)
		}
	}
	if err := p.applyEnv(os.Getenv); err != nil {
		return Plan{}, err
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (p *Plan) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&p.Network, "NETWORK")
	set(&p.Token.Address, "TOKEN_ADDRESS")
	set(&p.Treasury, "TREASURY_ADDRESS")
	set(&p.Founder, "FOUNDER_ADDRESS")
	set(&p.Community, "COMMUNITY_ADDRESS")
	set(&p.Liquidity.LPToken, "LP_TOKEN_ADDRESS")
	if v := strings.TrimSpace(getenv("LOCK_DURATION")); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: LOCK_DURATION must be seconds: %v", ErrInvalidPlan, err)
		}
		p.Liquidity.LockSeconds = secs
	}
	return nil
}

func (p *Plan) applyDefaults() {
	if p.Network == "" {
		p.Network = "local"
	}
	if p.Token.Symbol == "" {
		p.Token.Symbol = "MYLUCKY"
	}
	if p.Token.Decimals == 0 {
		p.Token.Decimals = 18
	}
	if p.Token.Supply == "" {
		p.Token.Supply = "1000000000"
	}
	if p.Distribution == (Distribution{}) {
		p.Distribution = Distribution{Treasury: 70, Vesting: 15, Community: 15}
	}
	if p.Vesting == (VestingPlan{}) {
		p.Vesting = VestingPlan{CliffDays: 180, DurationDays: 720}
	}
	if p.Liquidity.LPSymbol == "" {
		p.Liquidity.LPSymbol = p.Token.Symbol + "-LP"
	}
	if p.Liquidity.LockSeconds == 0 {
		p.Liquidity.LockSeconds = 365 * 24 * 60 * 60
	}
	if p.Liquidity.Beneficiary == "" {
		p.Liquidity.Beneficiary = p.Treasury
	}
}

// Validate checks addresses and arithmetic; every failure wraps ErrInvalidPlan.
func (p Plan) Validate() error {
	addrs := []struct{ name, value string }{
		{"token.address (TOKEN_ADDRESS)", p.Token.Address},
		{"treasury (TREASURY_ADDRESS)", p.Treasury},
		{"founder (FOUNDER_ADDRESS)", p.Founder},
		{"community (COMMUNITY_ADDRESS)", p.Community},
		{"liquidity.lp_token (LP_TOKEN_ADDRESS)", p.Liquidity.LPToken},
		{"liquidity.beneficiary", p.Liquidity.Beneficiary},
	}
	var missing []string
	for _, a := range addrs {
		if a.value == "" {
			missing = append(missing, a.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPlan, strings.Join(missing, ", "))
	}
	for _, a := range addrs {
		if _, err := parseAddress(a.value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPlan, a.name, err)
		}
	}
	if mustAddress(p.Token.Address) == mustAddress(p.Liquidity.LPToken) {
		return fmt.Errorf("%w: token and LP token must differ", ErrInvalidPlan)
	}
	if _, err := p.SupplyUnits(); err != nil {
		return err
	}
	d := p.Distribution
	if d.Treasury < 0 || d.Vesting < 0 || d.Community < 0 || d.Treasury+d.Vesting+d.Community != 100 {
		return fmt.Errorf("%w: distribution must be non-negative and sum to 100", ErrInvalidPlan)
	}
	if p.Vesting.CliffDays < 0 || p.Vesting.DurationDays <= p.Vesting.CliffDays {
		return fmt.Errorf("%w: vesting needs 0 <= cliff_days < duration_days", ErrInvalidPlan)
	}
	if p.Liquidity.LockSeconds <= 0 {
		return fmt.Errorf("%w: lock duration must be positive", ErrInvalidPlan)
	}
	for i, dep := range p.Depositors {
		if _, err := parseAddress(dep.Address); err != nil {
			return fmt.Errorf("%w: depositors[%d]: %v", ErrInvalidPlan, i, err)
		}
		if strings.TrimSpace(dep.KeyHash) == "" {
			return fmt.Errorf("%w: depositors[%d]: key_hash is required", ErrInvalidPlan, i)
		}
	}
	return nil
}

// SupplyUnits is the total supply in base units.
func (p Plan) SupplyUnits() (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(p.Token.Supply))
	if err != nil {
		return nil, fmt.Errorf("%w: token.supply: %v", ErrInvalidPlan, err)
	}
	units := d.Shift(int32(p.Token.Decimals))
	if !units.IsInteger() || units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: token.supply must be positive with at most %d decimals", ErrInvalidPlan, p.Token.Decimals)
	}
	return units.BigInt(), nil
}

// Split divides the supply by the distribution; rounding dust goes to the treasury.
func (p Plan) Split() (treasury, vesting, community *big.Int, err error) {
	total, err := p.SupplyUnits()
	if err != nil {
		return nil, nil, nil, err
	}
	pct := func(n int64) *big.Int {
		v := new(big.Int).Mul(total, big.NewInt(n))
		return v.Quo(v, big.NewInt(100))
	}
	vesting = pct(p.Distribution.Vesting)
	community = pct(p.Distribution.Community)
	treasury = new(big.Int).Sub(total, vesting)
	treasury.Sub(treasury, community)
	return treasury, vesting, community, nil
}

func (p Plan) CliffDuration() time.Duration   { return clock.Days(p.Vesting.CliffDays) }
func (p Plan) VestingDuration() time.Duration { return clock.Days(p.Vesting.DurationDays) }
func (p Plan) LockDuration() time.Duration {
	return time.Duration(p.Liquidity.LockSeconds) * time.Second
}

// parseAddress mirrors the launch scripts' address check: 20-byte hex, and
// not the zero address.
func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return common.Address{}, errors.New("zero address")
	}
	return a, nil
}

func mustAddress(s string) common.Address {
	a, _ := parseAddress(s)
	return a
}
