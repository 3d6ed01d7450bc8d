package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/example/pulseauth/internal/config"
	"github.com/example/pulseauth/internal/store"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	log := logrus.New()

	cfg, err := config.NewDatabase()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatalf("Migrations only work with PostgreSQL. Current adapter: %s", cfg.DBAdapter)
	}

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}
	dsn := cfg.PostgresDSN

	switch *command {
	case "up":
		if *steps > 0 {
			err = store.MigrateSteps(migrationsDir, dsn, *steps)
		} else {
			err = store.ApplyMigrations(log, migrationsDir, dsn)
		}
		if err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations applied successfully")
	case "down":
		if err := store.RollbackMigrations(migrationsDir, dsn, *steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Migrations rolled back successfully")
	case "version":
		v, dirty, err := store.MigrationVersion(migrationsDir, dsn)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			fmt.Printf("Database is in a dirty state (version %d)\n", v)
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use -version flag)")
		}
		if err := store.ForceMigrationVersion(migrationsDir, dsn, int(*version)); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		fmt.Printf("Forced database to version %d\n", *version)
	default:
		log.Fatalf("Unknown command: %s (supported: up, down, version, force)", *command)
	}
}
