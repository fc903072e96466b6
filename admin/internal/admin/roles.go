package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
)

// GrantRole grants the named role (ROLE_ADMIN, ROLE_REFUND_CLAIMER or their
// short forms) to account.
func GrantRole(ctx context.Context, log *slog.Logger, l *ledger.Ledger, name string, account common.Address) error {
	role, ok := core.RoleByName(name)
	if !ok {
		return fmt.Errorf("unknown role %q", name)
	}
	if err := l.Roles.Grant(ctx, role, account); err != nil {
		return fmt.Errorf("failed to grant %s: %w", name, err)
	}
	log.Info("role granted", "role", name, "account", account.Hex())
	return nil
}

func RevokeRole(ctx context.Context, log *slog.Logger, l *ledger.Ledger, name string, account common.Address) error {
	role, ok := core.RoleByName(name)
	if !ok {
		return fmt.Errorf("unknown role %q", name)
	}
	if err := l.Roles.Revoke(ctx, role, account); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", name, err)
	}
	log.Info("role revoked", "role", name, "account", account.Hex())
	return nil
}

// Mint credits amount base units of token to account.
func Mint(ctx context.Context, log *slog.Logger, l *ledger.Ledger, token, account common.Address, amount string) error {
	v, err := ParseAmount(amount)
	if err != nil {
		return err
	}
	if err := l.Bank.Mint(ctx, token, account, v); err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}
	log.Info("minted", "token", token.Hex(), "account", account.Hex(), "amount", v.String())
	return nil
}

// SetFee sets the transfer fee of token in basis points of 10000.
func SetFee(ctx context.Context, log *slog.Logger, l *ledger.Ledger, token common.Address, feeBP uint64) error {
	if err := l.Bank.SetFee(ctx, token, feeBP); err != nil {
		return fmt.Errorf("failed to set fee: %w", err)
	}
	log.Info("transfer fee set", "token", token.Hex(), "fee_bp", feeBP)
	return nil
}
