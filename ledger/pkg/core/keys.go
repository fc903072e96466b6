package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const keySep = "/"

// Key joins addresses into a flat store key: lowercase hex parts separated by
// "/". Keys sharing leading parts share a prefix, so per-pair listings are a
// prefix scan.
func Key(parts ...common.Address) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(keySep)
		}
		b.WriteString(strings.ToLower(p.Hex()))
	}
	return b.String()
}

// PairKey is the key of a (token, market) pair.
func PairKey(token, market common.Address) string {
	return Key(token, market)
}

// AccountKey is the key of an account entry under a (token, market) pair.
func AccountKey(token, market, account common.Address) string {
	return Key(token, market, account)
}

// Prefix returns the scan prefix for all keys nested under parts.
func Prefix(parts ...common.Address) string {
	return Key(parts...) + keySep
}

// SplitKey parses a key produced by Key.
func SplitKey(key string) ([]common.Address, error) {
	raw := strings.Split(key, keySep)
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("malformed key %q", key)
		}
		out = append(out, common.HexToAddress(r))
	}
	return out, nil
}

// IsZero reports whether addr is the zero address.
func IsZero(addr common.Address) bool {
	return addr == (common.Address{})
}
