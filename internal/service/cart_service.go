package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"astroxgear/internal/domain"
	"astroxgear/internal/repository"
)

// CartService корзина покупателя: цена фиксируется в момент добавления
type CartService struct {
	products repository.ProductRepository
	carts    repository.CartRepository
	tx       repository.TxManager
}

func NewCartService(products repository.ProductRepository, carts repository.CartRepository, tx repository.TxManager) *CartService {
	return &CartService{products: products, carts: carts, tx: tx}
}

// CartView содержимое корзины с промежуточной суммой
type CartView struct {
	Lines    []domain.CartLine `json:"lines"`
	Count    int64             `json:"count"`
	Subtotal decimal.Decimal   `json:"subtotal"`
}

// AddItem добавляет товар; повторное добавление увеличивает количество, цена остаётся исходной.
// Остаток проверяется на итоговое количество в корзине.
func (s *CartService) AddItem(ctx context.Context, customerID, productID, qty int64) (*domain.CartLine, error) {
	if customerID <= 0 || productID <= 0 || qty < 1 {
		return nil, ErrInvalidInput
	}
	var added *domain.CartLine
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := s.products.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		lines, err := s.carts.ListByCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		want := qty
		for _, l := range lines {
			if l.ProductID == productID {
				want += l.Quantity
			}
		}
		if p.StockQuantity < want {
			return &InsufficientStockError{ProductID: productID, Requested: want, Available: p.StockQuantity}
		}
		line := domain.CartLine{
			CustomerID: customerID,
			ProductID:  productID,
			Quantity:   qty,
			Price:      p.EffectivePrice(),
		}
		if err := s.carts.Add(ctx, &line); err != nil {
			return err
		}
		added = &line
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// UpdateQuantity задаёт количество строки корзины с проверкой остатка
func (s *CartService) UpdateQuantity(ctx context.Context, customerID, lineID, qty int64) (*domain.CartLine, error) {
	if customerID <= 0 || lineID <= 0 || qty < 1 {
		return nil, ErrInvalidInput
	}
	var updated *domain.CartLine
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		line, err := s.ownedLine(ctx, customerID, lineID)
		if err != nil {
			return err
		}
		p, err := s.products.GetByID(ctx, line.ProductID)
		if errors.Is(err, repository.ErrNotFound) {
			return &InsufficientStockError{ProductID: line.ProductID, Requested: qty}
		}
		if err != nil {
			return err
		}
		if p.StockQuantity < qty {
			return &InsufficientStockError{ProductID: p.ID, Requested: qty, Available: p.StockQuantity}
		}
		if err := s.carts.UpdateQuantity(ctx, lineID, qty); err != nil {
			return err
		}
		updated, err = s.carts.GetByID(ctx, lineID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *CartService) RemoveItem(ctx context.Context, customerID, lineID int64) error {
	if customerID <= 0 || lineID <= 0 {
		return ErrInvalidInput
	}
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.ownedLine(ctx, customerID, lineID); err != nil {
			return err
		}
		return s.carts.Delete(ctx, lineID)
	})
}

func (s *CartService) Clear(ctx context.Context, customerID int64) error {
	if customerID <= 0 {
		return ErrInvalidInput
	}
	return s.carts.DeleteByCustomer(ctx, customerID)
}

func (s *CartService) View(ctx context.Context, customerID int64) (*CartView, error) {
	if customerID <= 0 {
		return nil, ErrInvalidInput
	}
	lines, err := s.carts.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	v := &CartView{Lines: lines, Subtotal: decimal.Zero}
	for _, l := range lines {
		v.Count += l.Quantity
		v.Subtotal = v.Subtotal.Add(l.LineTotal())
	}
	v.Subtotal = domain.Round2(v.Subtotal)
	return v, nil
}

func (s *CartService) ownedLine(ctx context.Context, customerID, lineID int64) (*domain.CartLine, error) {
	line, err := s.carts.GetByID(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.CustomerID != customerID {
		return nil, repository.ErrNotFound
	}
	return line, nil
}
