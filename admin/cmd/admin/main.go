package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/kpivest/admin/internal/admin"
	"github.com/malbeclabs/kpivest/api/config"
	"github.com/malbeclabs/kpivest/ledger/pkg/events"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
	"github.com/malbeclabs/kpivest/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFileFlag := flag.String("env-file", ".env", "Path to a .env file loaded before flags are resolved (ignored if missing)")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Storage
	storeFlag := flag.String("store", config.StoreBolt, "Ledger store: memory, bolt or postgres (or set STORE env var)")
	boltPathFlag := flag.String("bolt-path", "kpivest.db", "bbolt database file (or set BOLT_PATH env var)")
	vestingHolderFlag := flag.String("vesting-holder", "", "Account paying vesting withdrawals (or set VESTING_HOLDER env var)")
	claimerHolderFlag := flag.String("claimer-holder", "", "Account paying refund claims (or set CLAIMER_HOLDER env var)")

	// PostgreSQL migrations
	migrateFlag := flag.Bool("migrate", false, "Run PostgreSQL store migrations using goose")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the last PostgreSQL store migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show PostgreSQL store migration status")

	// Ledger commands
	initMarketFlag := flag.String("init-market", "", "Configure a market from a JSON file (schedule, KPIs, price, claimer mapping)")
	callerFlag := flag.String("caller", "", "Admin account the market is configured as (or set ADMIN_CALLER env var)")
	importAllocationsFlag := flag.String("import-allocations", "", "Import purchases from a CSV file: market,account,amount[,referrer[,default_referrer]]")
	grantRoleFlag := flag.String("grant-role", "", "Grant a role (ROLE_ADMIN, ROLE_REFUND_CLAIMER) to --account")
	revokeRoleFlag := flag.String("revoke-role", "", "Revoke a role from --account")
	mintFlag := flag.String("mint", "", "Mint --amount of this token to --account")
	setFeeFlag := flag.String("set-fee", "", "Set the transfer fee of this token to --fee-bp")
	accountFlag := flag.String("account", "", "Target account for --grant-role, --revoke-role and --mint")
	amountFlag := flag.String("amount", "", "Base-unit amount for --mint")
	feeBPFlag := flag.Uint64("fee-bp", 0, "Transfer fee in basis points of 10000 for --set-fee")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("STORE"); v != "" {
		*storeFlag = v
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		*boltPathFlag = v
	}
	if v := os.Getenv("VESTING_HOLDER"); v != "" {
		*vestingHolderFlag = v
	}
	if v := os.Getenv("CLAIMER_HOLDER"); v != "" {
		*claimerHolderFlag = v
	}
	if v := os.Getenv("ADMIN_CALLER"); v != "" {
		*callerFlag = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag || *migrateDownFlag || *migrateStatusFlag {
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		switch {
		case *migrateFlag:
			return admin.PgMigrateUp(ctx, log, pgCfg)
		case *migrateDownFlag:
			return admin.PgMigrateDown(ctx, log, pgCfg)
		default:
			return admin.PgMigrateStatus(ctx, log, pgCfg)
		}
	}

	if *initMarketFlag == "" && *importAllocationsFlag == "" && *grantRoleFlag == "" &&
		*revokeRoleFlag == "" && *mintFlag == "" && *setFeeFlag == "" {
		flag.Usage()
		return nil
	}

	vestingHolder, err := parseAccount("vesting-holder", *vestingHolderFlag)
	if err != nil {
		return err
	}
	claimerHolder, err := parseAccount("claimer-holder", *claimerHolderFlag)
	if err != nil {
		return err
	}

	store, err := config.OpenStore(ctx, log, config.StoreConfig{Kind: *storeFlag, BoltPath: *boltPathFlag})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	l, err := ledger.New(ledger.Config{
		Logger:        log,
		Store:         store,
		Events:        events.NewLogSink(log),
		VestingHolder: vestingHolder,
		ClaimerHolder: claimerHolder,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	defer l.Close()

	if *initMarketFlag != "" {
		caller, err := parseAccount("caller", *callerFlag)
		if err != nil {
			return err
		}
		f, err := os.Open(*initMarketFlag)
		if err != nil {
			return fmt.Errorf("failed to open market file: %w", err)
		}
		defer f.Close()
		market, err := admin.LoadMarketFile(f)
		if err != nil {
			return err
		}
		if *dryRunFlag {
			log.Info("[DRY RUN] would initialize market", "token", market.Token.Hex(), "market", market.Market.Hex(), "kpis", len(market.Refund.KPIs))
			return nil
		}
		return admin.InitMarket(ctx, log, l, caller, market)
	}

	if *importAllocationsFlag != "" {
		f, err := os.Open(*importAllocationsFlag)
		if err != nil {
			return fmt.Errorf("failed to open allocations file: %w", err)
		}
		defer f.Close()
		_, err = admin.ImportAllocations(ctx, log, l, f, *dryRunFlag)
		return err
	}

	if *grantRoleFlag != "" || *revokeRoleFlag != "" {
		account, err := parseAccount("account", *accountFlag)
		if err != nil {
			return err
		}
		if *grantRoleFlag != "" {
			return admin.GrantRole(ctx, log, l, *grantRoleFlag, account)
		}
		return admin.RevokeRole(ctx, log, l, *revokeRoleFlag, account)
	}

	if *mintFlag != "" {
		token, err := parseAccount("mint", *mintFlag)
		if err != nil {
			return err
		}
		account, err := parseAccount("account", *accountFlag)
		if err != nil {
			return err
		}
		if *amountFlag == "" {
			return fmt.Errorf("--amount is required for --mint")
		}
		return admin.Mint(ctx, log, l, token, account, *amountFlag)
	}

	token, err := parseAccount("set-fee", *setFeeFlag)
	if err != nil {
		return err
	}
	return admin.SetFee(ctx, log, l, token, *feeBPFlag)
}

func parseAccount(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}
