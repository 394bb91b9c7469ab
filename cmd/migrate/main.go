package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"PerpClearing/internal/config"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and when they were applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CH_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  CH_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")
	svc := config.LoadService()

	db, err := sql.Open("postgres", svc.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	migrator := persistence.NewMigrator(db, svc.MigrationsDir, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		for _, st := range statuses {
			applied := "pending"
			if st.AppliedAt != nil {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%s  %-24s %s\n", st.Version, st.Name, applied)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
