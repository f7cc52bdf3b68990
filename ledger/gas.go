package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const gweiExponent = 9

// GweiToWei parses a decimal gwei amount such as "1.5" into wei.
func GweiToWei(gwei string) (*big.Int, error) {
	d, err := decimal.NewFromString(gwei)
	if err != nil {
		return nil, fmt.Errorf("invalid gwei amount %q: %w", gwei, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid gwei amount %q: negative", gwei)
	}
	return d.Shift(gweiExponent).Truncate(0).BigInt(), nil
}

// WeiToGwei formats wei as a gwei decimal string, for logs.
func WeiToGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -gweiExponent).String()
}

// capGasPrice returns the suggested price unless it exceeds max.
// A nil or zero max disables the cap.
func capGasPrice(suggested, max *big.Int) *big.Int {
	if max == nil || max.Sign() == 0 {
		return suggested
	}
	if suggested.Cmp(max) > 0 {
		return new(big.Int).Set(max)
	}
	return suggested
}
