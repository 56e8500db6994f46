package service

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"astroxgear/internal/domain"
	"astroxgear/internal/repository"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProductService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	ps := NewProductService(repository.NewMemoryStore())

	if _, err := ps.Create(ctx, domain.Product{Name: "", SKU: "S", Price: dec("1")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input")
	}
	if _, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S", Price: dec("-1")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input on negative price")
	}
	neg := dec("-0.01")
	if _, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S", Price: dec("1"), SalePrice: &neg}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input on negative sale price")
	}
	p, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S", Price: dec("1"), StockQuantity: 2})
	if err != nil || p.ID == 0 {
		t.Fatalf("create: %v", err)
	}
}

func TestProductService_UpdateKeepsStock(t *testing.T) {
	ctx := context.Background()
	ps := NewProductService(repository.NewMemoryStore())
	p, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S", Price: dec("10"), StockQuantity: 4})
	if err != nil {
		t.Fatal(err)
	}
	p.Name = "A2"
	p.StockQuantity = 100
	got, err := ps.Update(ctx, *p)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "A2" || got.StockQuantity != 4 {
		t.Fatalf("unexpected product after update: %+v", got)
	}
}

func TestProductService_AdjustStock(t *testing.T) {
	ctx := context.Background()
	ps := NewProductService(repository.NewMemoryStore())
	p, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S", Price: dec("10"), StockQuantity: 2})
	if err != nil {
		t.Fatal(err)
	}

	got, err := ps.AdjustStock(ctx, p.ID, 3)
	if err != nil || got.StockQuantity != 5 {
		t.Fatalf("increment: %v %+v", err, got)
	}
	got, err = ps.AdjustStock(ctx, p.ID, -5)
	if err != nil || got.StockQuantity != 0 {
		t.Fatalf("decrement: %v %+v", err, got)
	}

	_, err = ps.AdjustStock(ctx, p.ID, -1)
	var ise *InsufficientStockError
	if !errors.As(err, &ise) || ise.ProductID != p.ID || ise.Available != 0 {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("sentinel not matched")
	}
	if _, err := ps.AdjustStock(ctx, p.ID, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero delta")
	}
	if _, err := ps.AdjustStock(ctx, p.ID, math.MinInt64); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for MinInt64 delta, got %v", err)
	}
	if _, err := ps.AdjustStock(ctx, 999, 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProductService_RejectsSubCentPrices(t *testing.T) {
	ctx := context.Background()
	ps := NewProductService(repository.NewMemoryStore())

	if _, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S1", Price: dec("0.333")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for sub-cent price, got %v", err)
	}
	sale := dec("4.995")
	if _, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S2", Price: dec("5"), SalePrice: &sale}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for sub-cent sale price, got %v", err)
	}

	// trailing zeros are still whole cents
	p, err := ps.Create(ctx, domain.Product{Name: "A", SKU: "S3", Price: dec("0.330")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p.Price = dec("0.3301")
	if _, err := ps.Update(ctx, *p); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input on update, got %v", err)
	}
}
