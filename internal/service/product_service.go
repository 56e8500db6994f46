package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"astroxgear/internal/domain"
	"astroxgear/internal/repository"
)

// ProductService инкапсулирует бизнес-логику вокруг товаров и складского остатка
type ProductService struct {
	repo repository.ProductRepository
}

func NewProductService(repo repository.ProductRepository) *ProductService {
	return &ProductService{repo: repo}
}

// цены хранятся в центах: строки заказа и subtotal должны сходиться без округления
func validPrice(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(domain.Round2(d))
}

func validProduct(p domain.Product) bool {
	if p.Name == "" || p.SKU == "" || !validPrice(p.Price) || p.StockQuantity < 0 {
		return false
	}
	return p.SalePrice == nil || validPrice(*p.SalePrice)
}

func (s *ProductService) Create(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if !validProduct(p) {
		return nil, ErrInvalidInput
	}
	cp := p
	if err := s.repo.Create(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *ProductService) GetByID(ctx context.Context, id int64) (*domain.Product, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

// Update меняет карточку товара, остаток при этом не трогается
func (s *ProductService) Update(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if p.ID <= 0 || !validProduct(p) {
		return nil, ErrInvalidInput
	}
	cp := p
	if err := s.repo.Update(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *ProductService) List(ctx context.Context, f repository.ProductFilter) ([]domain.Product, error) {
	return s.repo.List(ctx, f)
}

// AdjustStock внешняя корректировка остатка тем же условным примитивом, что и при оформлении заказа
func (s *ProductService) AdjustStock(ctx context.Context, id, delta int64) (*domain.Product, error) {
	if id <= 0 || delta == 0 || delta == math.MinInt64 {
		return nil, ErrInvalidInput
	}
	var err error
	if delta > 0 {
		err = s.repo.IncrementStock(ctx, id, delta)
	} else {
		err = s.repo.DecrementStock(ctx, id, -delta)
	}
	if errors.Is(err, repository.ErrStockConflict) {
		p, getErr := s.repo.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &InsufficientStockError{ProductID: id, Requested: -delta, Available: p.StockQuantity}
	}
	if err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}
	return s.repo.GetByID(ctx, id)
}
