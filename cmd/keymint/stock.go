package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mvetter/keymint/internal/catalog"
	"github.com/mvetter/keymint/internal/config"
	"github.com/mvetter/keymint/internal/inventory"
	"github.com/mvetter/keymint/internal/logging"
)

var stockFile string

// stockCmd appends keys to a product's pool from arguments or a file,
// one key per line.
var stockCmd = &cobra.Command{
	Use:   "stock <product-id> [key...]",
	Short: "Add license keys to a product's pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "keymint"})

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		productID := args[0]
		keys := args[1:]

		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		product, err := cat.Get(productID)
		if err != nil {
			return fmt.Errorf("unknown product %q", productID)
		}

		if stockFile != "" {
			fileKeys, err := readKeyFile(stockFile)
			if err != nil {
				return err
			}
			keys = append(keys, fileKeys...)
		}
		if len(keys) == 0 {
			return fmt.Errorf("no keys supplied")
		}

		inv, err := inventory.New(cfg.KeysDir())
		if err != nil {
			return err
		}

		added := 0
		for _, key := range keys {
			if product.KeyPrefix != "" && !strings.HasPrefix(key, product.KeyPrefix) {
				fmt.Fprintf(os.Stderr, "Skipping %q: expected prefix %q\n", key, product.KeyPrefix)
				continue
			}
			if err := inv.Stock(productID, key); err != nil {
				return fmt.Errorf("stock %q: %w", key, err)
			}
			added++
		}

		count, err := inv.Count(productID)
		if err != nil {
			return err
		}
		fmt.Printf("Added %d key(s), %s now has %d in stock\n", added, productID, count)
		return nil
	},
}

func init() {
	stockCmd.Flags().StringVarP(&stockFile, "file", "f", "", "read keys from a file, one per line")
}

func readKeyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		keys = append(keys, line)
	}
	return keys, scanner.Err()
}
