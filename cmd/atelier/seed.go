package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/atelier/storage"
)

// seedFile is the JSON document accepted by the seed command.
type seedFile struct {
	Customers []storage.Customer      `json:"customers"`
	Inventory []storage.InventoryItem `json:"inventory"`
	Workers   []storage.Worker        `json:"workers"`
	Requests  []storage.Request       `json:"requests"`
}

type seedCounts struct {
	Customers, Inventory, Workers, Requests int
}

func seedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.json>",
		Short: "Load customers, inventory, workers and requests into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var file seedFile
			if err := json.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			app, err := NewApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			counts, err := seed(cmd.Context(), app.store, &file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d customers, %d inventory items, %d workers, %d requests\n",
				counts.Customers, counts.Inventory, counts.Workers, counts.Requests)
			return nil
		},
	}
}

// seed writes file into store. Customers go first so requests can refer
// to them.
func seed(ctx context.Context, store storage.Store, file *seedFile) (seedCounts, error) {
	var n seedCounts
	for i := range file.Customers {
		if err := store.CreateCustomer(ctx, &file.Customers[i]); err != nil {
			return n, fmt.Errorf("customer %q: %w", file.Customers[i].Name, err)
		}
		n.Customers++
	}
	for i := range file.Inventory {
		if err := store.PutInventoryItem(ctx, &file.Inventory[i]); err != nil {
			return n, fmt.Errorf("inventory %q: %w", file.Inventory[i].SKU, err)
		}
		n.Inventory++
	}
	for i := range file.Workers {
		if err := store.PutWorker(ctx, &file.Workers[i]); err != nil {
			return n, fmt.Errorf("worker %q: %w", file.Workers[i].Name, err)
		}
		n.Workers++
	}
	for i := range file.Requests {
		if err := store.CreateRequest(ctx, &file.Requests[i]); err != nil {
			return n, fmt.Errorf("request %q: %w", file.Requests[i].ID, err)
		}
		n.Requests++
	}
	return n, nil
}
