package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/ids"
)

// Amounts are integer base units (wei-style, 10^Decimals per whole token). No floats.

// TokenInfo identifies a fungible asset.
type TokenInfo struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Transfer is a recorded balance movement. Mints have a zero From address.
type Transfer struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Token     common.Address `json:"token"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
	Sequence  uint64         `json:"sequence"` // monotonic per token
}

// Token is the standard fungible-asset surface the release components depend on.
type Token interface {
	Info() TokenInfo
	TotalSupply(ctx context.Context) (*big.Int, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (Transfer, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (Transfer, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error
	Mint(ctx context.Context, to common.Address, amount *big.Int) (Transfer, error)
	ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error)
}

var (
	ErrNotFound              = errors.New("not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount (must be > 0)")
	ErrZeroAddress           = errors.New("zero address")
)

func newID() string {
	return ids.New()
}

func isZero(a common.Address) bool {
	return a == (common.Address{})
}
