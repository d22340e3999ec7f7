// Package actions provides actions that the recoup CLI can execute
package actions

import (
	"fmt"
	"strconv"

	cli "github.com/urfave/cli"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/cmd/recoup/flags"
	"gitlab.com/arcapay/recoup/db"
)

var log = build.AddSubLogger("ACTN")

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "up applies all pending migrations",
				Action: func(c *cli.Context) error {
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					err = database.MigrateUp()
					return err
				},
			},
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down",
							22,
						)
					}
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}
					err = database.MigrateDown(steps)
					return err
				},
			},
			{
				Name:    "status",
				Aliases: []string{"st"},
				Usage:   "status prints the current migration version and dirtyness",
				Action: func(c *cli.Context) error {
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					status, err := database.MigrationStatus()
					if err != nil {
						return err
					}
					fmt.Printf("version: %d dirty: %t\n", status.Version, status.Dirty)
					return nil
				},
			},
			{
				Name:  "drop",
				Usage: "drop deletes everything in the database. There is no undo",
				Action: func(c *cli.Context) error {
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					err = database.Drop()
					if err != nil {
						return err
					}
					log.Warn("Dropped database")
					return nil
				},
			},
		},
	}
}
