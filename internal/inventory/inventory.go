// Package inventory manages the durable per-product pools of
// redeemable keys. Each product's pool is a line-oriented file holding
// the keys still available for sale, oldest first. The file is the
// single source of truth for "is this key still sellable", so every
// mutation is written through to disk before the call returns.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	kmerrors "github.com/mvetter/keymint/internal/errors"
)

const keyFileSuffix = ".keys"

// Inventory is a file-backed FIFO key pool per product id.
// A per-product mutex serializes every read-modify-write of a pool;
// operations on different products run in parallel.
type Inventory struct {
	dir   string
	locks *keyedMutex
}

// New creates an inventory rooted at dir, creating it if needed.
func New(dir string) (*Inventory, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("inventory directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create inventory directory: %w", err)
	}
	return &Inventory{dir: dir, locks: newKeyedMutex()}, nil
}

// Take removes and returns the oldest available key for the product.
// Returns ErrNoStock when the pool is empty.
func (inv *Inventory) Take(productID string) (string, error) {
	if err := validateProductID(productID); err != nil {
		return "", err
	}

	unlock := inv.locks.Lock(productID)
	defer unlock()

	keys, err := inv.readPool(productID)
	if err != nil {
		return "", kmerrors.WrapPersistence("take_key", productID, err)
	}
	if len(keys) == 0 {
		return "", kmerrors.NoStock("take_key", productID)
	}

	key := keys[0]
	if err := inv.writePool(productID, keys[1:]); err != nil {
		return "", kmerrors.WrapPersistence("take_key", productID, err)
	}

	log.Debug().Str("product", productID).Int("remaining", len(keys)-1).Msg("Key taken from pool")
	return key, nil
}

// Return re-inserts a key at the head of the product's pool, so a key
// handed back after a failed purchase is the next one sold. A key
// already present is a no-op, keeping the operation idempotent under
// retries.
func (inv *Inventory) Return(productID, key string) error {
	if err := validateProductID(productID); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return kmerrors.Invalid("return_key", productID, "empty key")
	}

	unlock := inv.locks.Lock(productID)
	defer unlock()

	keys, err := inv.readPool(productID)
	if err != nil {
		return kmerrors.WrapPersistence("return_key", productID, err)
	}
	for _, existing := range keys {
		if existing == key {
			return nil
		}
	}

	keys = append([]string{key}, keys...)
	if err := inv.writePool(productID, keys); err != nil {
		return kmerrors.WrapPersistence("return_key", productID, err)
	}

	log.Info().Str("product", productID).Msg("Key returned to pool head")
	return nil
}

// Stock appends a new key to the tail of the product's pool. A key
// already present anywhere in the pool is rejected, defending against
// double-loading the same batch.
func (inv *Inventory) Stock(productID, key string) error {
	if err := validateProductID(productID); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return kmerrors.Invalid("stock_key", productID, "empty key")
	}
	if strings.ContainsAny(key, "\r\n") {
		return kmerrors.Invalid("stock_key", productID, "key must be a single line")
	}

	unlock := inv.locks.Lock(productID)
	defer unlock()

	keys, err := inv.readPool(productID)
	if err != nil {
		return kmerrors.WrapPersistence("stock_key", productID, err)
	}
	for _, existing := range keys {
		if existing == key {
			return kmerrors.Invalid("stock_key", productID, "duplicate key")
		}
	}

	keys = append(keys, key)
	if err := inv.writePool(productID, keys); err != nil {
		return kmerrors.WrapPersistence("stock_key", productID, err)
	}

	log.Info().Str("product", productID).Int("available", len(keys)).Msg("Key stocked")
	return nil
}

// Count returns the number of keys currently available for the product.
func (inv *Inventory) Count(productID string) (int, error) {
	if err := validateProductID(productID); err != nil {
		return 0, err
	}

	unlock := inv.locks.Lock(productID)
	defer unlock()

	keys, err := inv.readPool(productID)
	if err != nil {
		return 0, kmerrors.WrapPersistence("count_keys", productID, err)
	}
	return len(keys), nil
}

// Products lists the product ids that have a pool file on disk.
func (inv *Inventory) Products() ([]string, error) {
	entries, err := os.ReadDir(inv.dir)
	if err != nil {
		return nil, fmt.Errorf("read inventory directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, keyFileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, keyFileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (inv *Inventory) poolPath(productID string) string {
	return filepath.Join(inv.dir, productID+keyFileSuffix)
}

// readPool loads the pool file, treating a missing file as an empty
// pool. Blank lines are skipped so hand-edited files stay loadable.
func (inv *Inventory) readPool(productID string) ([]string, error) {
	data, err := os.ReadFile(inv.poolPath(productID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			keys = append(keys, line)
		}
	}
	return keys, nil
}

// writePool rewrites the pool file atomically: write a temp file, fsync
// it, then rename over the original. A crash mid-write leaves either
// the old pool or the new one, never a torn file.
func (inv *Inventory) writePool(productID string, keys []string) error {
	path := inv.poolPath(productID)
	tmpPath := path + ".tmp"

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte('\n')
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp pool file: %w", err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp pool file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp pool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp pool file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit pool file: %w", err)
	}
	return nil
}

func validateProductID(productID string) error {
	if productID == "" || productID != strings.TrimSpace(productID) {
		return kmerrors.Invalid("inventory", productID, "malformed product id")
	}
	// Pool files live directly under the inventory dir; reject anything
	// that could escape it.
	if strings.ContainsAny(productID, `/\`) || productID != filepath.Base(productID) {
		return kmerrors.Invalid("inventory", productID, "malformed product id")
	}
	return nil
}
