/*
Outbox - Centralized outbound mail queue.
Copyright © 2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/outbox-mail/outbox"
	"github.com/outbox-mail/outbox/internal/admin"
	"github.com/outbox-mail/outbox/internal/config"
	"github.com/outbox-mail/outbox/internal/storage"
)

// Actor recorded in the audit log for operations done from this binary.
const cliActor = "cli"

func main() {
	app := &cli.App{
		Name:    "outbox",
		Usage:   "centralized outbound mail queue",
		Version: outbox.BuildInfo(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file to use",
				EnvVars: []string{"OUTBOX_CONFIG"},
				Value:   "outbox.conf",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the API server and the delivery worker",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "api-only",
						Usage: "Do not run the delivery worker",
					},
					&cli.BoolFlag{
						Name:  "worker-only",
						Usage: "Do not run the HTTP listener",
					},
				},
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}
					return outbox.Start(cfg, outbox.Options{
						APIOnly:    ctx.Bool("api-only"),
						WorkerOnly: ctx.Bool("worker-only"),
					})
				},
			},
			{
				Name:  "worker",
				Usage: "Run only the delivery worker",
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}
					return outbox.Start(cfg, outbox.Options{WorkerOnly: true})
				},
			},
			{
				Name:  "db",
				Usage: "Database management",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "Create the schema and exit",
						Action: func(ctx *cli.Context) error {
							store, _, err := openStore(ctx)
							if err != nil {
								return err
							}
							defer store.Close()
							if err := store.InitSchema(); err != nil {
								return err
							}
							fmt.Println("initialized", store.Path())
							return nil
						},
					},
				},
			},
			{
				Name:  "api-keys",
				Usage: "API key management",
				Subcommands: []*cli.Command{
					{
						Name:      "create",
						Usage:     "Create a new API key",
						ArgsUsage: "DESCRIPTION",
						Action:    apiKeysCreate,
					},
					{
						Name:   "list",
						Usage:  "List API keys",
						Action: apiKeysList,
					},
					{
						Name:      "enable",
						Usage:     "Re-enable a disabled API key",
						ArgsUsage: "ID",
						Action: func(ctx *cli.Context) error {
							return apiKeysSetEnabled(ctx, true)
						},
					},
					{
						Name:      "disable",
						Usage:     "Disable an API key without deleting it",
						ArgsUsage: "ID",
						Action: func(ctx *cli.Context) error {
							return apiKeysSetEnabled(ctx, false)
						},
					},
					{
						Name:      "delete",
						Usage:     "Delete an API key",
						ArgsUsage: "ID",
						Action:    apiKeysDelete,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return config.Load(ctx.String("config"))
}

func openStore(ctx *cli.Context) (*storage.Store, *config.Config, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func openOps(ctx *cli.Context) (*admin.Ops, *storage.Store, error) {
	store, cfg, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &admin.Ops{Store: store, MaxRetries: cfg.QueueMaxRetries}, store, nil
}
