// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/store"
)

func main() {
	var (
		action     = flag.String("action", "up", "Migration action: up, down, version")
		configPath = flag.String("config", "", "Path to TOML config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL (or database.url) is required")
	}

	if err := run(cfg.Database.URL, *action); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func run(databaseURL, action string) error {
	switch action {
	case "up":
		log.Println("Running migrations...")
		if err := store.RunMigrations(databaseURL, store.MigrateUp); err != nil {
			return err
		}
		log.Println("Migrations completed successfully")

	case "down":
		log.Println("Rolling back one migration...")
		if err := store.RunMigrations(databaseURL, store.MigrateDown); err != nil {
			return err
		}
		log.Println("Migration rolled back successfully")

	case "version":
		version, dirty, err := store.MigrationVersion(databaseURL)
		if err != nil {
			return err
		}
		log.Printf("Current migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}
