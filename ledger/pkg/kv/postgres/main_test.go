package postgres_test

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"testing"

	kvtesting "github.com/malbeclabs/kpivest/utils/pkg/testing"
)

var testDB *kvtesting.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = kvtesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
