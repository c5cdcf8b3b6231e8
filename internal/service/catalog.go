package service

import (
	"context"
	"errors"
	"fmt"

	"digital-fulfillment/internal/model"
	"digital-fulfillment/internal/repository"
)

type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
}

type productCatalog struct {
	productRepo repository.ProductRepository
}

// NewCatalog serves catalog lookups from the seeded product table.
func NewCatalog(productRepo repository.ProductRepository) Catalog {
	return &productCatalog{productRepo: productRepo}
}

func (c *productCatalog) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	product, err := c.productRepo.FindByID(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("product %s: %w", productID, ErrNotFound)
		}
		return nil, fmt.Errorf("find product: %w", err)
	}
	return product, nil
}
