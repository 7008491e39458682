package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// InMemory implements Token with in-process concurrency safety. Every
// operation either applies fully or leaves balances untouched.
type InMemory struct {
	info TokenInfo

	mu         sync.RWMutex
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	seq        uint64
	txs        []Transfer
}

var _ Token = (*InMemory)(nil)

// NewInMemory creates an empty token ledger.
func NewInMemory(info TokenInfo) *InMemory {
	return &InMemory{
		info:       info,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (s *InMemory) Info() TokenInfo { return s.info }

func (s *InMemory) TotalSupply(ctx context.Context) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.supply), nil
}

func (s *InMemory) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(owner), nil
}

func (s *InMemory) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowanceLocked(owner, spender), nil
}

func (s *InMemory) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	if isZero(owner) || isZero(spender) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byOwner, ok := s.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		s.allowances[owner] = byOwner
	}
	byOwner[spender] = new(big.Int).Set(amount)
	return nil
}

func (s *InMemory) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (Transfer, error) {
	if err := validate(from, to, amount); err != nil {
		return Transfer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceLocked(from).Cmp(amount) < 0 {
		return Transfer{}, ErrInsufficientFunds
	}
	return s.moveLocked(from, to, amount), nil
}

func (s *InMemory) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (Transfer, error) {
	if isZero(spender) {
		return Transfer{}, ErrZeroAddress
	}
	if err := validate(from, to, amount); err != nil {
		return Transfer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := s.allowanceLocked(from, spender)
	if allowed.Cmp(amount) < 0 {
		return Transfer{}, ErrInsufficientAllowance
	}
	if s.balanceLocked(from).Cmp(amount) < 0 {
		return Transfer{}, ErrInsufficientFunds
	}
	s.allowances[from][spender] = allowed.Sub(allowed, amount)
	return s.moveLocked(from, to, amount), nil
}

func (s *InMemory) Mint(ctx context.Context, to common.Address, amount *big.Int) (Transfer, error) {
	if isZero(to) {
		return Transfer{}, ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return Transfer{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supply.Add(s.supply, amount)
	s.credit(to, amount)
	return s.recordLocked(common.Address{}, to, amount), nil
}

func (s *InMemory) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transfer
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		tx.Amount = new(big.Int).Set(tx.Amount)
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func validate(from, to common.Address, amount *big.Int) error {
	if isZero(from) || isZero(to) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (s *InMemory) balanceLocked(owner common.Address) *big.Int {
	if b, ok := s.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (s *InMemory) allowanceLocked(owner, spender common.Address) *big.Int {
	if a, ok := s.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (s *InMemory) credit(owner common.Address, amount *big.Int) {
	b, ok := s.balances[owner]
	if !ok {
		b = new(big.Int)
		s.balances[owner] = b
	}
	b.Add(b, amount)
}

// moveLocked assumes funds were checked by the caller.
func (s *InMemory) moveLocked(from, to common.Address, amount *big.Int) Transfer {
	s.balances[from].Sub(s.balances[from], amount)
	s.credit(to, amount)
	return s.recordLocked(from, to, amount)
}

func (s *InMemory) recordLocked(from, to common.Address, amount *big.Int) Transfer {
	s.seq++
	tx := Transfer{
		ID:        newID(),
		CreatedAt: time.Now().UTC(),
		Token:     s.info.Address,
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Sequence:  s.seq,
	}
	s.txs = append(s.txs, tx)
	out := tx
	out.Amount = new(big.Int).Set(amount)
	return out
}
