// Package settler periodically pays out unpaid forfeitures for every account
// of every mapped claimer pair.
package settler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/claimer"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/metrics"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 1m"

// Claimer is the part of the claimer the settler drives.
type Claimer interface {
	Pairs(ctx context.Context) ([]claimer.Pair, error)
	Requester(id string) (core.ForfeitureReader, error)
	ClaimRefundForAccount(ctx context.Context, caller, account common.Address, entries []claimer.Entry) ([]claimer.Claim, error)
}

// AccountLister enumerates accounts with refund entries. Refund ledgers that
// do not implement it are skipped.
type AccountLister interface {
	Accounts(ctx context.Context, token, market common.Address) ([]common.Address, error)
}

type Config struct {
	Logger  *slog.Logger
	Claimer Claimer
	// Identity is the caller the settler claims as; it needs the refund
	// claimer role.
	Identity common.Address
	// Schedule is a cron spec with optional seconds field or a descriptor
	// such as "@every 1m".
	Schedule string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Claimer == nil {
		return errors.New("claimer is required")
	}
	if core.IsZero(cfg.Identity) {
		return errors.New("identity is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return nil
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Settler struct {
	log *slog.Logger
	cfg Config

	runMu sync.Mutex
}

func New(cfg Config) (*Settler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Settler{log: cfg.Logger, cfg: cfg}, nil
}

// Result summarizes one run.
type Result struct {
	Accounts int
	Claims   int
	Failures int
}

// Run schedules settlement runs until ctx is done, then waits for a run in
// progress to finish.
func (s *Settler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.safeSettle(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule settler: %w", err)
	}
	s.log.Info("settler: starting", "schedule", s.cfg.Schedule, "identity", s.cfg.Identity.Hex())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("settler: stopped")
	return nil
}

func (s *Settler) safeSettle(ctx context.Context) {
	if _, err := s.Settle(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("settler: run failed", "error", err)
	}
}

// Settle runs ClaimRefundForAccount for every account with a refund entry on
// every mapped pair. A failing account is logged and counted; the run goes on.
func (s *Settler) Settle(ctx context.Context) (res Result, err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		} else if res.Failures > 0 {
			status = "partial"
		}
		metrics.SettlerRunsTotal.WithLabelValues(status).Inc()
		metrics.SettlerRunDuration.Observe(time.Since(start).Seconds())
		s.log.Info("settler: run completed", "duration", time.Since(start).String(),
			"accounts", res.Accounts, "claims", res.Claims, "failures", res.Failures)
	}()

	pairs, err := s.cfg.Claimer.Pairs(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list claimer pairs: %w", err)
	}
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		accounts, err := s.accounts(ctx, p)
		if err != nil {
			s.log.Warn("settler: skipping pair", "purchase_token", p.PurchaseToken.Hex(), "market", p.Market.Hex(), "error", err)
			res.Failures++
			continue
		}
		entries := []claimer.Entry{{PurchaseToken: p.PurchaseToken, Market: p.Market}}
		for _, account := range accounts {
			res.Accounts++
			claims, err := s.cfg.Claimer.ClaimRefundForAccount(ctx, s.cfg.Identity, account, entries)
			if err != nil {
				res.Failures++
				metrics.SettlerClaimsTotal.WithLabelValues("error").Inc()
				s.log.Warn("settler: claim failed", "purchase_token", p.PurchaseToken.Hex(), "market", p.Market.Hex(),
					"account", account.Hex(), "error", err)
				continue
			}
			if len(claims) == 0 {
				metrics.SettlerClaimsTotal.WithLabelValues("skipped").Inc()
				continue
			}
			res.Claims += len(claims)
			metrics.SettlerClaimsTotal.WithLabelValues("paid").Inc()
		}
	}
	return res, nil
}

func (s *Settler) accounts(ctx context.Context, p claimer.Pair) ([]common.Address, error) {
	r, err := s.cfg.Claimer.Requester(p.RequesterID)
	if err != nil {
		return nil, err
	}
	lister, ok := r.(AccountLister)
	if !ok {
		return nil, fmt.Errorf("requester %q cannot list accounts", p.RequesterID)
	}
	return lister.Accounts(ctx, p.SaleToken, p.Market)
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("settler/cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("settler/cron: "+msg, append(keysAndValues, "error", err)...)
}
