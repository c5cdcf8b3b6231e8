package config

import (
	"fmt"
	"os"

	"digital-fulfillment/internal/model"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Products []catalogEntry `yaml:"products"`
}

type catalogEntry struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Price       string `yaml:"price"`
	Currency    string `yaml:"currency"`
	Digital     bool   `yaml:"digital"`
	Purchasable *bool  `yaml:"purchasable"`
}

// LoadCatalog reads the product seed file. Purchasable defaults to true.
func LoadCatalog(path string) ([]model.Product, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}

	products := make([]model.Product, 0, len(file.Products))
	seen := make(map[string]struct{}, len(file.Products))
	for i, entry := range file.Products {
		if entry.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("catalog entry %s: duplicate id", entry.ID)
		}
		seen[entry.ID] = struct{}{}

		price, err := decimal.NewFromString(entry.Price)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %s: invalid price: %w", entry.ID, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("catalog entry %s: negative price", entry.ID)
		}

		currency := entry.Currency
		if currency == "" {
			currency = "USD"
		}
		purchasable := true
		if entry.Purchasable != nil {
			purchasable = *entry.Purchasable
		}

		products = append(products, model.Product{
			ID:            entry.ID,
			Title:         entry.Title,
			Price:         price,
			Currency:      currency,
			IsDigital:     entry.Digital,
			IsPurchasable: purchasable,
		})
	}

	return products, nil
}
