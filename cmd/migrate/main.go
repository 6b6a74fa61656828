package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/better-wallet/permit-signer/internal/logger"
	"github.com/better-wallet/permit-signer/internal/storage"
	"github.com/better-wallet/permit-signer/migrations"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if err := logger.Init("text", "info"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	count, err := storage.Migrate(ctx, pool, migrations.FS, *direction, *steps)
	if err != nil {
		log.Fatalf("Migration failed after %d step(s): %v", count, err)
	}

	if count == 0 {
		logger.Info(ctx, "no migrations to apply")
	} else {
		logger.Info(ctx, "migrations applied", "count", count, "direction", *direction)
	}
}
