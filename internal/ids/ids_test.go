package ids

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		cur := New()
		if cur <= prev {
			t.Fatalf("ids not increasing: %s <= %s", cur, prev)
		}
		prev = cur
	}
}

func TestNewAddressIsUniqueAndNonZero(t *testing.T) {
	seen := make(map[common.Address]struct{})
	for i := 0; i < 100; i++ {
		addr := NewAddress()
		if addr == (common.Address{}) {
			t.Fatal("zero address generated")
		}
		if _, dup := seen[addr]; dup {
			t.Fatalf("duplicate address %s", addr.Hex())
		}
		seen[addr] = struct{}{}
	}
}
