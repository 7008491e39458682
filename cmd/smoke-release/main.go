package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/clock"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/deploy"
	"mylucky.org/internal/ids"
)

// smoke-release runs a launch on in-memory ledgers under a manual clock and
// checks the release gates end to end.
func main() {
	planPath := flag.String("plan", os.Getenv("MYLUCKY_PLAN"), "Deployment plan (YAML)")
	flag.Parse()

	for _, key := range []string{"TOKEN_ADDRESS", "TREASURY_ADDRESS", "FOUNDER_ADDRESS", "COMMUNITY_ADDRESS", "LP_TOKEN_ADDRESS"} {
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, ids.NewAddress().Hex())
		}
	}
	plan, err := deploy.LoadPlan(*planPath)
	if err != nil {
		log.Fatalf("load plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now().UTC().Truncate(time.Second)
	clk := clock.NewManual(start)
	d, err := deploy.Deploy(ctx, plan, deploy.InMemoryLedgers(), deploy.Options{Clock: clk})
	if err != nil {
		log.Fatalf("deploy: %v", err)
	}
	sched := d.Schedules()[0]
	lock := d.Locks()[0]
	founder := common.HexToAddress(plan.Founder)
	_, vestingAmt, _, err := plan.Split()
	if err != nil {
		log.Fatalf("split: %v", err)
	}

	// Vesting: closed before the cliff, linear after it, complete at the end.
	if _, err := sched.Release(ctx); !errors.Is(err, custody.ErrCliffNotReached) {
		log.Fatalf("release before cliff: want cliff error, got %v", err)
	}
	clk.Set(sched.Config().CliffEnd())
	if _, err := sched.Release(ctx); err != nil {
		log.Fatalf("release at cliff: %v", err)
	}
	clk.Set(sched.Config().VestingEnd())
	if _, err := sched.Release(ctx); err != nil {
		log.Fatalf("release at vesting end: %v", err)
	}
	bal, err := d.Token.BalanceOf(ctx, founder)
	if err != nil {
		log.Fatalf("founder balance: %v", err)
	}
	if bal.Cmp(vestingAmt) != 0 {
		log.Fatalf("founder holds %s, want %s", bal, vestingAmt)
	}

	// LP lock: deposit, blocked until unlock, released in full once.
	clk.Set(start)
	treasury := common.HexToAddress(plan.Treasury)
	shares := big.NewInt(1_000_000)
	if _, err := d.LPToken.Mint(ctx, treasury, shares); err != nil {
		log.Fatalf("mint LP: %v", err)
	}
	if err := d.LPToken.Approve(ctx, treasury, lock.Address(), shares); err != nil {
		log.Fatalf("approve: %v", err)
	}
	if err := lock.Lock(ctx, treasury, shares); err != nil {
		log.Fatalf("lock: %v", err)
	}
	if _, err := lock.Release(ctx); !errors.Is(err, custody.ErrStillLocked) {
		log.Fatalf("early release: want still-locked, got %v", err)
	}
	clk.Set(lock.Config().UnlockTime())
	paid, err := lock.Release(ctx)
	if err != nil {
		log.Fatalf("release lock: %v", err)
	}
	if paid.Cmp(shares) != 0 {
		log.Fatalf("lock paid %s, want %s", paid, shares)
	}
	if _, err := lock.Release(ctx); !custody.IsNoOp(err) {
		log.Fatalf("second release: want no-op, got %v", err)
	}

	m, err := d.Manifest(ctx)
	if err != nil {
		log.Fatalf("manifest: %v", err)
	}
	fmt.Printf("✅ release smoke test passed: token=%s vesting=%s lock=%s supply=%s\n",
		m.Contracts.Token, sched.Address().Hex(), lock.Address().Hex(), m.Supply)
}
