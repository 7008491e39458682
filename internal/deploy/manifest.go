package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// Manifest is the deployments.json document handed to operators.
type Manifest struct {
	Network      string             `json:"network"`
	Timestamp    string             `json:"timestamp"`
	Contracts    ManifestContracts  `json:"contracts"`
	Distribution map[string]string  `json:"distribution"`
	Vesting      []ManifestSchedule `json:"vestingSchedules"`
	Locks        []ManifestLock     `json:"lpLocks"`
	Supply       string             `json:"totalSupply"`
	Symbol       string             `json:"symbol"`
}

type ManifestContracts struct {
	Token     string `json:"token"`
	LPToken   string `json:"lpToken"`
	Treasury  string `json:"treasury"`
	Community string `json:"community"`
	Founder   string `json:"founder"`
}

type ManifestSchedule struct {
	Address     string `json:"address"`
	Beneficiary string `json:"beneficiary"`
	CliffEnd    string `json:"cliffEnd"`
	VestingEnd  string `json:"vestingEnd"`
	Allocated   string `json:"allocated"`
	Released    string `json:"released"`
	Releasable  string `json:"releasable"`
	State       string `json:"state"`
}

type ManifestLock struct {
	Address     string `json:"address"`
	Beneficiary string `json:"beneficiary"`
	UnlockTime  string `json:"unlockTime"`
	Locked      string `json:"locked"`
	State       string `json:"state"`
}

// FormatUnits renders base units with the token's decimals, trimming
// trailing zeros ("1500000000000000000" at 18 decimals is "1.5").
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// Manifest reads live balances and component state.
func (d *Deployment) Manifest(ctx context.Context) (Manifest, error) {
	dec := d.Token.Info().Decimals
	lpDec := d.LPToken.Info().Decimals
	balance := func(addr string) (string, error) {
		b, err := d.Token.BalanceOf(ctx, mustAddress(addr))
		if err != nil {
			return "", err
		}
		return FormatUnits(b, dec), nil
	}

	supply, err := d.Token.TotalSupply(ctx)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Network:   d.Plan.Network,
		Timestamp: d.DeployedAt.UTC().Format(time.RFC3339),
		Symbol:    d.Token.Info().Symbol,
		Supply:    FormatUnits(supply, dec),
		Contracts: ManifestContracts{
			Token:     d.Token.Info().Address.Hex(),
			LPToken:   d.LPToken.Info().Address.Hex(),
			Treasury:  mustAddress(d.Plan.Treasury).Hex(),
			Community: mustAddress(d.Plan.Community).Hex(),
			Founder:   mustAddress(d.Plan.Founder).Hex(),
		},
		Distribution: map[string]string{},
	}
	if m.Distribution["treasury"], err = balance(d.Plan.Treasury); err != nil {
		return Manifest{}, err
	}
	if m.Distribution["community"], err = balance(d.Plan.Community); err != nil {
		return Manifest{}, err
	}
	vested := new(big.Int)
	for _, s := range d.Schedules() {
		st, err := s.Status(ctx)
		if err != nil {
			return Manifest{}, err
		}
		b, err := d.Token.BalanceOf(ctx, s.Address())
		if err != nil {
			return Manifest{}, err
		}
		vested.Add(vested, b)
		m.Vesting = append(m.Vesting, ManifestSchedule{
			Address:     st.Component.Hex(),
			Beneficiary: st.Beneficiary.Hex(),
			CliffEnd:    st.CliffEnd.UTC().Format(time.RFC3339),
			VestingEnd:  st.VestingEnd.UTC().Format(time.RFC3339),
			Allocated:   FormatUnits(st.TotalAllocated, dec),
			Released:    FormatUnits(st.TotalReleased, dec),
			Releasable:  FormatUnits(st.Releasable, dec),
			State:       string(st.State),
		})
	}
	m.Distribution["vesting"] = FormatUnits(vested, dec)
	for _, l := range d.Locks() {
		st, err := l.Status(ctx)
		if err != nil {
			return Manifest{}, err
		}
		m.Locks = append(m.Locks, ManifestLock{
			Address:     st.Component.Hex(),
			Beneficiary: st.Beneficiary.Hex(),
			UnlockTime:  st.UnlockTime.UTC().Format(time.RFC3339),
			Locked:      FormatUnits(st.Locked, lpDec),
			State:       string(st.State),
		})
	}
	return m, nil
}

// WriteManifest writes the manifest as indented JSON, replacing path atomically.
func (d *Deployment) WriteManifest(ctx context.Context, path string) error {
	m, err := d.Manifest(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
