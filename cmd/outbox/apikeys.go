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
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
)

func apiKeysCreate(ctx *cli.Context) error {
	description := ctx.Args().First()
	if description == "" {
		return errors.New("usage: outbox api-keys create DESCRIPTION")
	}

	ops, store, err := openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := ops.CreateAPIKey(cliActor, description)
	if err != nil {
		return err
	}

	// The raw key is shown exactly once.
	fmt.Printf("id: %d\nkey: %s\n", key.ID, key.Key)
	return nil
}

func apiKeysList(ctx *cli.Context) error {
	_, store, err := openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.ListAPIKeys()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDESCRIPTION\tENABLED\tCREATED\tLAST USED")
	for _, key := range keys {
		lastUsed := "never"
		if key.LastUsedAt != nil {
			lastUsed = *key.LastUsedAt
		}
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\n", key.ID, key.Description, key.Enabled, key.CreatedAt, lastUsed)
	}
	return w.Flush()
}

func apiKeysSetEnabled(ctx *cli.Context, enabled bool) error {
	id, err := keyIDArg(ctx)
	if err != nil {
		return err
	}

	ops, store, err := openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	return ops.SetAPIKeyEnabled(cliActor, id, enabled)
}

func apiKeysDelete(ctx *cli.Context) error {
	id, err := keyIDArg(ctx)
	if err != nil {
		return err
	}

	ops, store, err := openOps(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	return ops.DeleteAPIKey(cliActor, id)
}

func keyIDArg(ctx *cli.Context) (int64, error) {
	raw := ctx.Args().First()
	if raw == "" {
		return 0, errors.New("API key ID argument is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid API key ID: %q", raw)
	}
	return id, nil
}
