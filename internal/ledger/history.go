package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const historyPage = 1000

// Transferred sums every transfer recorded on tok from one address to
// another. Transfers are committed together with the balance change, so the
// total is exact even when nothing else observed the payouts.
func Transferred(ctx context.Context, tok Token, from, to common.Address) (*big.Int, error) {
	total := new(big.Int)
	var after uint64
	for {
		page, last, err := tok.ListTransfers(ctx, historyPage, after)
		if err != nil {
			return nil, err
		}
		for _, tx := range page {
			if tx.From == from && tx.To == to {
				total.Add(total, tx.Amount)
			}
		}
		if len(page) < historyPage {
			return total, nil
		}
		after = last
	}
}
