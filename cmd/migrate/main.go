package main

import (
	"embed"
	"flag"
	"fmt"
	"os"

	"github.com/lgulliver/chunkstone/pkg/config"
	"github.com/lgulliver/chunkstone/pkg/migrate"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	var (
		up     = flag.Bool("up", false, "Run pending migrations")
		down   = flag.Bool("down", false, "Roll back the last migration")
		status = flag.Bool("status", false, "List migrations and whether they are applied")
	)
	flag.Parse()

	if !*up && !*down && !*status {
		fmt.Printf("Usage: %s [-up | -down | -status]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("CHUNKSTONE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.Logging.SetupLogging()

	if cfg.Database.Driver != "" && cfg.Database.Driver != "postgres" {
		log.Fatal().Str("driver", cfg.Database.Driver).Msg("SQL migrations target PostgreSQL; other drivers are migrated by the gateway on startup")
	}

	migrator, err := migrate.Open(&cfg.Database, migrationsFS, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrator")
	}
	defer migrator.Close()

	switch {
	case *up:
		if err := migrator.Up(); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Msg("Migrations completed successfully")
	case *down:
		if err := migrator.Down(); err != nil {
			log.Fatal().Err(err).Msg("Failed to roll back migration")
		}
		log.Info().Msg("Rollback completed successfully")
	case *status:
		applied, err := migrator.Applied()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration status")
		}
		pending := make(map[int]bool)
		for _, m := range migrate.Pending(migrator.Migrations(), applied) {
			pending[m.Version] = true
		}
		for _, m := range migrator.Migrations() {
			state := "applied"
			if pending[m.Version] {
				state = "pending"
			}
			fmt.Printf("%03d  %-40s %s\n", m.Version, m.Name, state)
		}
	}
}
