package custody

import "math/big"

// Zero returns a fresh zero amount.
func Zero() *big.Int { return new(big.Int) }

// Clone copies x so callers never alias component state. A nil x yields zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// IsPositive reports x > 0, treating nil as zero.
func IsPositive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}
