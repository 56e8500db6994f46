package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"astroxgear/internal/domain"
)

var (
	// ErrNotFound возвращается, когда сущность не найдена
	ErrNotFound = errors.New("not found")
	// ErrStockConflict условное списание остатка не прошло: остаток ушёл бы в минус
	ErrStockConflict = errors.New("stock conflict")
	// ErrDuplicateOrderNumber номер заказа уже занят
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
	// ErrDuplicateSKU товар с таким SKU уже существует
	ErrDuplicateSKU = errors.New("duplicate sku")
	// ErrStateConflict сохранённый статус не совпал с ожидаемым, запись не изменена
	ErrStateConflict = errors.New("state conflict")
	// ErrInvalidQuantity количество для изменения остатка должно быть положительным
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// ProductFilter параметры фильтрации списка товаров
type ProductFilter struct {
	NameSubstring string
	MinPrice      *decimal.Decimal
	MaxPrice      *decimal.Decimal
}

func (f ProductFilter) match(p domain.Product) bool {
	if !containsIgnoreCase(p.Name, f.NameSubstring) {
		return false
	}
	price := p.EffectivePrice()
	if f.MinPrice != nil && price.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && price.GreaterThan(*f.MaxPrice) {
		return false
	}
	return true
}

// ProductRepository интерфейс репозитория товаров и складского остатка
type ProductRepository interface {
	Create(ctx context.Context, p *domain.Product) error
	GetByID(ctx context.Context, id int64) (*domain.Product, error)
	// Update меняет карточку товара; остаток меняется только через DecrementStock/IncrementStock.
	Update(ctx context.Context, p *domain.Product) error
	List(ctx context.Context, f ProductFilter) ([]domain.Product, error)
	// DecrementStock списывает qty, только если остаток не станет отрицательным, иначе ErrStockConflict.
	// qty <= 0 в обоих методах даёт ErrInvalidQuantity.
	DecrementStock(ctx context.Context, id, qty int64) error
	IncrementStock(ctx context.Context, id, qty int64) error
}

// CartRepository интерфейс корзины покупателя
type CartRepository interface {
	// Add вставляет строку или, если товар уже в корзине, увеличивает количество с сохранением исходной цены.
	Add(ctx context.Context, line *domain.CartLine) error
	GetByID(ctx context.Context, id int64) (*domain.CartLine, error)
	// ListByCustomer внутри транзакции блокирует прочитанные строки до её завершения.
	ListByCustomer(ctx context.Context, customerID int64) ([]domain.CartLine, error)
	UpdateQuantity(ctx context.Context, id, qty int64) error
	Delete(ctx context.Context, id int64) error
	// DeleteLines удаляет только перечисленные строки покупателя; добавленные позже остаются в корзине.
	DeleteLines(ctx context.Context, customerID int64, ids []int64) error
	DeleteByCustomer(ctx context.Context, customerID int64) error
}

// OrderRepository интерфейс репозитория заказов
type OrderRepository interface {
	// Create сохраняет заказ вместе со строками, проставляя идентификаторы.
	Create(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id int64) (*domain.Order, error)
	ListByCustomer(ctx context.Context, customerID int64) ([]domain.Order, error)
	// ListAwaitingPayment заказы с непросроченным кодом оплаты и статусом оплаты pending.
	ListAwaitingPayment(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	// UpdateStatus меняет статус исполнения только если текущий равен from, иначе ErrStateConflict.
	UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) error
	// UpdatePaymentStatus меняет статус оплаты только если текущий равен from, иначе ErrStateConflict.
	UpdatePaymentStatus(ctx context.Context, id int64, from, to domain.PaymentStatus, paidAt *time.Time, txHash string) error
	SetPaymentCode(ctx context.Context, id int64, code domain.PaymentCode) error
}

// TxManager абстракция транзакции: fn либо фиксируется целиком, либо откатывается при ошибке.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// helper: case-insensitive contains
func containsIgnoreCase(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
