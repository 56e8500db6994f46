package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrEmptyCart оформление заказа с пустой корзиной
	ErrEmptyCart = errors.New("empty cart")
	// ErrInsufficientStock на складе меньше, чем запрошено; конкретный товар в *InsufficientStockError
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStockRace параллельный заказ успел забрать остаток между проверкой и списанием
	ErrStockRace = errors.New("stock race")
	// ErrInvalidState переход статуса не разрешён
	ErrInvalidState = errors.New("invalid state")
	// ErrNoPaymentCode для заказа ещё не сгенерирован KHQR-код
	ErrNoPaymentCode    = errors.New("no payment code")
	ErrDuplicateRequest = errors.New("duplicate request")
)

// InsufficientStockError names the product that failed the stock check.
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }
