// Package catalog holds the static product catalog referenced by the
// inventory and purchase layers. Products are loaded from a YAML file
// and never mutated at runtime; a reload swaps the whole set.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/money"
)

// Product is a static catalog entry. Prices are minor units.
type Product struct {
	ID           string      `yaml:"id" validate:"required,alphanum"`
	Name         string      `yaml:"name" validate:"required"`
	PriceCents   money.Cents `yaml:"price_cents" validate:"required,gt=0"`
	DurationDays int         `yaml:"duration_days" validate:"required,gt=0"`
	KeyPrefix    string      `yaml:"key_prefix"`
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// Catalog is a read-mostly product set, safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	path     string
	products map[string]Product
}

var validate = validator.New()

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file, replacing the product set only when
// the new file parses and validates.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", c.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	if len(file.Products) == 0 {
		return fmt.Errorf("catalog %s: no products defined", c.path)
	}

	products := make(map[string]Product, len(file.Products))
	for _, p := range file.Products {
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("catalog %s: product %q: %w", c.path, p.ID, err)
		}
		if _, dup := products[p.ID]; dup {
			return fmt.Errorf("catalog %s: duplicate product id %q", c.path, p.ID)
		}
		products[p.ID] = p
	}

	c.mu.Lock()
	c.products = products
	c.mu.Unlock()
	return nil
}

// Get returns the product with the given id.
func (c *Catalog) Get(id string) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[id]
	if !ok {
		return Product{}, kmerrors.NotFound("get_product", id)
	}
	return p, nil
}

// List returns all products sorted by id.
func (c *Catalog) List() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of products.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products)
}
