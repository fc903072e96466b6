// Package access keeps role membership and exposes the Authorizer every
// ledger entry point consults.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
)

const BucketRoles = "access/roles"

type Config struct {
	Logger *slog.Logger
	Store  kv.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Registry stores role grants. It performs no authorization of its own;
// operators reach it through the admin CLI.
type Registry struct {
	log   *slog.Logger
	store kv.Store
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, store: cfg.Store}, nil
}

func roleKey(role common.Hash, account common.Address) string {
	return role.Hex() + "/" + core.Key(account)
}

func (r *Registry) Grant(ctx context.Context, role common.Hash, account common.Address) error {
	if core.IsZero(account) {
		return fmt.Errorf("%w: role member", core.ErrZeroAddress)
	}
	return kv.Update(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		r.log.Info("access: role granted", "role", role.Hex(), "account", account.Hex())
		return kv.PutJSON(tx, BucketRoles, roleKey(role, account), true)
	})
}

func (r *Registry) Revoke(ctx context.Context, role common.Hash, account common.Address) error {
	return kv.Update(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		r.log.Info("access: role revoked", "role", role.Hex(), "account", account.Hex())
		return kv.PutJSON(tx, BucketRoles, roleKey(role, account), false)
	})
}

func (r *Registry) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	var granted bool
	err := kv.View(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		_, err := kv.GetJSON(tx, BucketRoles, roleKey(role, account), &granted)
		return err
	})
	return granted, err
}

// Members lists accounts currently holding role.
func (r *Registry) Members(ctx context.Context, role common.Hash) ([]common.Address, error) {
	var out []common.Address
	err := kv.View(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		prefix := role.Hex() + "/"
		return kv.ScanJSON(tx, BucketRoles, prefix, func(key string, granted bool) error {
			if !granted {
				return nil
			}
			parts, err := core.SplitKey(key[len(prefix):])
			if err != nil {
				return err
			}
			out = append(out, parts[0])
			return nil
		})
	})
	return out, err
}

// RoleChecker is the read side of a role registry.
type RoleChecker interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
}

// Authorizer turns role lookups into ErrForbidden failures.
type Authorizer struct {
	roles RoleChecker
}

var _ core.Authorizer = (*Authorizer)(nil)

func NewAuthorizer(roles RoleChecker) *Authorizer {
	return &Authorizer{roles: roles}
}

func (a *Authorizer) RequireRole(ctx context.Context, role common.Hash, caller common.Address) error {
	ok, err := a.roles.HasRole(ctx, role, caller)
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks role %s", core.ErrForbidden, caller.Hex(), role.Hex())
	}
	return nil
}

// RequireSelfOrRole passes when caller acts for itself or holds role.
func (a *Authorizer) RequireSelfOrRole(ctx context.Context, role common.Hash, caller, account common.Address) error {
	if caller == account && !core.IsZero(caller) {
		return nil
	}
	return a.RequireRole(ctx, role, caller)
}
