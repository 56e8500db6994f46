package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astroxgear/internal/domain"
	"astroxgear/internal/repository"
)

func TestCartService_AddCapturesEffectivePriceAndMerges(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sale := dec("7.50")
	p, err := f.products.Create(ctx, domain.Product{Name: "Mouse", SKU: "M1", Price: dec("10.00"), SalePrice: &sale, StockQuantity: 5})
	require.NoError(t, err)

	line, err := f.cart.AddItem(ctx, 1, p.ID, 2)
	require.NoError(t, err)
	assert.True(t, line.Price.Equal(sale))

	// sale ends; the merged line keeps the captured price
	p.SalePrice = nil
	_, err = f.products.Update(ctx, *p)
	require.NoError(t, err)

	merged, err := f.cart.AddItem(ctx, 1, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, line.ID, merged.ID)
	assert.Equal(t, int64(3), merged.Quantity)
	assert.True(t, merged.Price.Equal(sale))

	view, err := f.cart.View(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, view.Lines, 1)
	assert.Equal(t, int64(3), view.Count)
	assert.Equal(t, "22.50", view.Subtotal.StringFixed(2))
}

func TestCartService_StockChecks(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p := f.product(t, "SKU1", "1.00", 3)

	_, err := f.cart.AddItem(ctx, 1, p.ID, 4)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = f.cart.AddItem(ctx, 1, p.ID, 2)
	require.NoError(t, err)
	// merged quantity would exceed stock
	_, err = f.cart.AddItem(ctx, 1, p.ID, 2)
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(4), ise.Requested)

	_, err = f.cart.AddItem(ctx, 1, 999, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.cart.AddItem(ctx, 1, p.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCartService_UpdateRemoveClear(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p1 := f.product(t, "SKU1", "1.00", 5)
	p2 := f.product(t, "SKU2", "2.00", 5)
	line, err := f.cart.AddItem(ctx, 1, p1.ID, 1)
	require.NoError(t, err)
	_, err = f.cart.AddItem(ctx, 1, p2.ID, 1)
	require.NoError(t, err)

	updated, err := f.cart.UpdateQuantity(ctx, 1, line.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), updated.Quantity)

	_, err = f.cart.UpdateQuantity(ctx, 1, line.ID, 6)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	// another customer cannot touch the line
	_, err = f.cart.UpdateQuantity(ctx, 2, line.ID, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.True(t, errors.Is(f.cart.RemoveItem(ctx, 2, line.ID), repository.ErrNotFound))

	require.NoError(t, f.cart.RemoveItem(ctx, 1, line.ID))
	view, err := f.cart.View(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, view.Lines, 1)

	require.NoError(t, f.cart.Clear(ctx, 1))
	view, err = f.cart.View(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
	assert.True(t, view.Subtotal.IsZero())
}
