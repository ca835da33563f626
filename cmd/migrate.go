package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Task database schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func newMigrator() (*migrate.Migrate, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := sqlite.OpenRaw(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	m, err := sqlite.Migrator(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, func() { db.Close() }, nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			m, closeDB, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer closeDB()
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				fmt.Fprintf(os.Stderr, "migrate up: %v\n", err)
				os.Exit(1)
			}
			printVersion(m)
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Run: func(cmd *cobra.Command, args []string) {
			m, closeDB, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer closeDB()
			if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				fmt.Fprintf(os.Stderr, "migrate down: %v\n", err)
				os.Exit(1)
			}
			printVersion(m)
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			m, closeDB, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer closeDB()
			printVersion(m)
		},
	}
}

func printVersion(m *migrate.Migrate) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("schema: empty (no migrations applied)")
	case err != nil:
		fmt.Fprintf(os.Stderr, "schema version: %v\n", err)
	case dirty:
		fmt.Printf("schema: v%d (DIRTY)\n", v)
	default:
		fmt.Printf("schema: v%d\n", v)
	}
}
