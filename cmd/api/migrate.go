package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"threadsync/api/internal/store"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the Postgres schema used by the postgres provider",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply pending migrations",
				Action: func(c *cli.Context) error {
					cfg, logger, err := setup(c)
					if err != nil {
						return err
					}
					db, err := store.Open(c.Context, store.DBOptions{URL: cfg.Database.URL})
					if err != nil {
						return err
					}
					defer db.Close()
					applied, err := store.ApplyMigrations(c.Context, db, cfg.Database.MigrationsDir, logger)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "applied %d migration(s)\n", len(applied))
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the latest applied migration",
				Action: func(c *cli.Context) error {
					cfg, logger, err := setup(c)
					if err != nil {
						return err
					}
					db, err := store.Open(c.Context, store.DBOptions{URL: cfg.Database.URL})
					if err != nil {
						return err
					}
					defer db.Close()
					version, err := store.RollbackMigration(c.Context, db, cfg.Database.MigrationsDir, logger)
					if err != nil {
						return err
					}
					if version == "" {
						fmt.Fprintln(c.App.Writer, "nothing to roll back")
						return nil
					}
					fmt.Fprintf(c.App.Writer, "rolled back %s\n", version)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "List migrations and whether each is applied",
				Action: func(c *cli.Context) error {
					cfg, _, err := setup(c)
					if err != nil {
						return err
					}
					db, err := store.Open(c.Context, store.DBOptions{URL: cfg.Database.URL})
					if err != nil {
						return err
					}
					defer db.Close()
					states, err := store.MigrationStatus(c.Context, db, cfg.Database.MigrationsDir)
					if err != nil {
						return err
					}
					for _, state := range states {
						mark := "pending"
						if state.Applied {
							mark = "applied"
						}
						fmt.Fprintf(c.App.Writer, "%-8s %s\n", mark, state.Version)
					}
					return nil
				},
			},
		},
	}
}
