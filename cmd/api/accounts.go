package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"threadsync/api/internal/authpw"
	"threadsync/api/internal/discussion"
	"threadsync/api/internal/store"
)

func accountsCommand() *cli.Command {
	loginFlag := &cli.StringFlag{Name: "login", Usage: "Account login", Required: true}
	passwordFlag := &cli.StringFlag{
		Name:     "password",
		Usage:    "Account password",
		EnvVars:  []string{"THREADSYNC_ACCOUNT_PASSWORD"},
		Required: true,
	}
	associationFlag := &cli.StringFlag{
		Name:  "association",
		Usage: "Association with the threads: OWNER, MEMBER, COLLABORATOR, CONTRIBUTOR or NONE",
		Value: string(discussion.AssociationNone),
	}

	return &cli.Command{
		Name:  "accounts",
		Usage: "Manage accounts for the postgres provider",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Register an account",
				Flags: []cli.Flag{
					loginFlag,
					passwordFlag,
					associationFlag,
					&cli.StringFlag{Name: "avatar-url", Usage: "Avatar image URL"},
					&cli.StringFlag{Name: "url", Usage: "Profile URL"},
				},
				Action: func(c *cli.Context) error {
					return withAccounts(c, func(accounts *authpw.Service, _ *store.PostgresStore) error {
						account, err := accounts.Register(c.Context, authpw.RegisterRequest{
							Login:       c.String("login"),
							Password:    c.String("password"),
							Association: c.String("association"),
							AvatarURL:   c.String("avatar-url"),
							URL:         c.String("url"),
						})
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "created %s (%s)\n", account.Login, account.Association)
						return nil
					})
				},
			},
			{
				Name:  "set-password",
				Usage: "Replace an account's password",
				Flags: []cli.Flag{loginFlag, passwordFlag},
				Action: func(c *cli.Context) error {
					return withAccounts(c, func(accounts *authpw.Service, _ *store.PostgresStore) error {
						if err := accounts.SetPassword(c.Context, c.String("login"), c.String("password")); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "password updated for %s\n", c.String("login"))
						return nil
					})
				},
			},
			{
				Name:  "set-association",
				Usage: "Change an account's association; open sessions pick it up on reconnect",
				Flags: []cli.Flag{loginFlag, associationFlag},
				Action: func(c *cli.Context) error {
					return withAccounts(c, func(_ *authpw.Service, threads *store.PostgresStore) error {
						association := discussion.NormalizeAssociation(c.String("association"))
						if err := threads.UpdateAccountAssociation(c.Context, c.String("login"), string(association)); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "%s is now %s\n", c.String("login"), association)
						return nil
					})
				},
			},
		},
	}
}

// withAccounts opens the database, applies migrations and hands fn the
// account service.
func withAccounts(c *cli.Context, fn func(*authpw.Service, *store.PostgresStore) error) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	db, err := store.Open(c.Context, store.DBOptions{URL: cfg.Database.URL})
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := store.ApplyMigrations(c.Context, db, cfg.Database.MigrationsDir, logger); err != nil {
		return err
	}
	threads := store.NewPostgresStore(db)
	return fn(authpw.NewService(threads, cfg.Auth.BcryptCost), threads)
}
