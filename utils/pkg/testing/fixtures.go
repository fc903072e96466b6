package kvtesting

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Addr returns a deterministic non-zero address for fixtures.
func Addr(n uint64) common.Address {
	return common.BigToAddress(new(big.Int).SetUint64(n))
}

// E18 returns n * 10^18.
func E18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// Amount parses a base-unit decimal string and panics on malformed input.
func Amount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid amount " + s)
	}
	return v
}
