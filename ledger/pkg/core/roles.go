package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	RoleAdmin         = crypto.Keccak256Hash([]byte("ROLE_ADMIN"))
	RoleRefundClaimer = crypto.Keccak256Hash([]byte("ROLE_REFUND_CLAIMER"))
)

// RoleByName resolves the operator-facing role names.
func RoleByName(name string) (common.Hash, bool) {
	switch name {
	case "ROLE_ADMIN", "admin":
		return RoleAdmin, true
	case "ROLE_REFUND_CLAIMER", "refund_claimer":
		return RoleRefundClaimer, true
	default:
		return common.Hash{}, false
	}
}
