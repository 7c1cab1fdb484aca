// Package catalog serves fixed reference data (marketplaces, categories and
// sample product details) that has no backend endpoint yet.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed data/*.json
var files embed.FS

// Catalog holds the embedded reference data. It is read-only after Load.
type Catalog struct {
	countries  json.RawMessage
	categories json.RawMessage
	products   map[string]json.RawMessage
}

// Load parses the embedded data files.
func Load() (*Catalog, error) {
	countries, err := readArray("data/countries.json")
	if err != nil {
		return nil, err
	}
	categories, err := readArray("data/categories.json")
	if err != nil {
		return nil, err
	}

	raw, err := files.ReadFile("data/products.json")
	if err != nil {
		return nil, fmt.Errorf("catalog: read products: %w", err)
	}
	var products map[string]json.RawMessage
	if err := json.Unmarshal(raw, &products); err != nil {
		return nil, fmt.Errorf("catalog: parse products: %w", err)
	}

	return &Catalog{
		countries:  countries,
		categories: categories,
		products:   products,
	}, nil
}

func readArray(name string) (json.RawMessage, error) {
	raw, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", name, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", name, err)
	}
	return json.RawMessage(raw), nil
}

// Countries returns the supported marketplaces as a JSON array.
func (c *Catalog) Countries() json.RawMessage { return c.countries }

// Categories returns the product categories as a JSON array.
func (c *Catalog) Categories() json.RawMessage { return c.categories }

// Product returns the sample details for asin. Lookup is case-insensitive.
func (c *Catalog) Product(asin string) (json.RawMessage, bool) {
	p, ok := c.products[strings.ToUpper(strings.TrimSpace(asin))]
	return p, ok
}
