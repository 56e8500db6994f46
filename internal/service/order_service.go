package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"astroxgear/internal/domain"
	"astroxgear/internal/events"
	"astroxgear/internal/logging"
	"astroxgear/internal/repository"
)

// OrderService оформление заказа из корзины и переходы статусов исполнения
type OrderService struct {
	products  repository.ProductRepository
	carts     repository.CartRepository
	orders    repository.OrderRepository
	tx        repository.TxManager
	pricing   domain.Pricing
	currency  string
	publisher events.Publisher
	idem      IdempotencyStore
	newNumber func() string
	now       func() time.Time
}

type OrderOption func(*OrderService)

func WithCurrency(currency string) OrderOption {
	return func(s *OrderService) {
		if currency != "" {
			s.currency = currency
		}
	}
}

func WithPublisher(p events.Publisher) OrderOption {
	return func(s *OrderService) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithOrderNumbers overrides the order number generator.
func WithOrderNumbers(gen func() string) OrderOption {
	return func(s *OrderService) { s.newNumber = gen }
}

func NewOrderService(
	products repository.ProductRepository,
	carts repository.CartRepository,
	orders repository.OrderRepository,
	tx repository.TxManager,
	pricing domain.Pricing,
	opts ...OrderOption,
) *OrderService {
	s := &OrderService{
		products:  products,
		carts:     carts,
		orders:    orders,
		tx:        tx,
		pricing:   pricing,
		currency:  "USD",
		publisher: events.NopPublisher{},
		newNumber: NewOrderNumber,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOrderNumber "ORD-" + UUIDv7 в hex: монотонно по времени, уникальность дополнительно проверяется при вставке
func NewOrderNumber() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// PlaceOrderInput данные оформления заказа
type PlaceOrderInput struct {
	Shipping      domain.ShippingInfo
	Billing       *domain.BillingInfo
	PaymentMethod string
	Notes         string
}

// PlaceOrder превращает корзину покупателя в заказ одной транзакцией:
// проверка остатков, расчёт сумм, вставка заказа и строк, условное списание остатков, очистка корзины.
// Любая ошибка откатывает всё целиком.
func (s *OrderService) PlaceOrder(ctx context.Context, customerID int64, in PlaceOrderInput) (*domain.Order, error) {
	if customerID <= 0 || !in.Shipping.Validate() || strings.TrimSpace(in.PaymentMethod) == "" {
		checkoutsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidInput
	}
	billing := domain.ResolveBilling(in.Shipping, in.Billing)

	var created *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		lines, err := s.carts.ListByCustomer(ctx, customerID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		products := make(map[int64]*domain.Product, len(lines))
		for _, l := range lines {
			p, err := s.products.GetByID(ctx, l.ProductID)
			if errors.Is(err, repository.ErrNotFound) {
				return &InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity}
			}
			if err != nil {
				return fmt.Errorf("load product %d: %w", l.ProductID, err)
			}
			if p.StockQuantity < l.Quantity {
				return &InsufficientStockError{ProductID: p.ID, Requested: l.Quantity, Available: p.StockQuantity}
			}
			products[p.ID] = p
		}

		totals := s.pricing.Quote(lines)
		o := domain.Order{
			CustomerID:    customerID,
			OrderNumber:   s.newNumber(),
			Subtotal:      totals.Subtotal,
			Tax:           totals.Tax,
			ShippingCost:  totals.ShippingCost,
			Discount:      totals.Discount,
			Total:         totals.Total,
			Currency:      s.currency,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			PaymentMethod: in.PaymentMethod,
			Shipping:      in.Shipping,
			Billing:       billing,
			Notes:         in.Notes,
			Lines:         make([]domain.OrderLine, 0, len(lines)),
		}
		for _, l := range lines {
			p := products[l.ProductID]
			o.Lines = append(o.Lines, domain.OrderLine{
				ProductID:   l.ProductID,
				ProductName: p.Name,
				ProductSKU:  p.SKU,
				Quantity:    l.Quantity,
				Price:       l.Price,
				Total:       l.LineTotal(),
			})
		}
		if err := s.orders.Create(ctx, &o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, l := range lines {
			err := s.products.DecrementStock(ctx, l.ProductID, l.Quantity)
			if errors.Is(err, repository.ErrStockConflict) {
				return fmt.Errorf("%w: product %d", ErrStockRace, l.ProductID)
			}
			if err != nil {
				return fmt.Errorf("decrement stock %d: %w", l.ProductID, err)
			}
		}

		ordered := make([]int64, 0, len(lines))
		for _, l := range lines {
			ordered = append(ordered, l.ID)
		}
		if err := s.carts.DeleteLines(ctx, customerID, ordered); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		created = &o
		return nil
	})
	checkoutsTotal.WithLabelValues(checkoutResult(err)).Inc()
	if err != nil {
		return nil, err
	}

	logging.FromCtx(ctx).Info("order placed",
		slog.Int64("order_id", created.ID),
		slog.String("order_number", created.OrderNumber),
		slog.Int64("customer_id", customerID),
		slog.String("total", created.Total.StringFixed(2)),
		slog.Int("lines", len(created.Lines)),
	)
	s.publish(ctx, events.TypeOrderPlaced, created)
	return created, nil
}

func checkoutResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrStockRace):
		return "stock_race"
	default:
		return "error"
	}
}

// GetOrder возвращает заказ владельца; чужие заказы неотличимы от несуществующих
func (s *OrderService) GetOrder(ctx context.Context, customerID, id int64) (*domain.Order, error) {
	if id <= 0 || customerID <= 0 {
		return nil, ErrInvalidInput
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, repository.ErrNotFound
	}
	return o, nil
}

// ListOrders заказы покупателя, новые первыми
func (s *OrderService) ListOrders(ctx context.Context, customerID int64) ([]domain.Order, error) {
	if customerID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.orders.ListByCustomer(ctx, customerID)
}

// CancelOrder отмена покупателем: pending/processing -> cancelled, товары возвращаются на склад
func (s *OrderService) CancelOrder(ctx context.Context, customerID, id int64) (*domain.Order, error) {
	if id <= 0 || customerID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.changeStatus(ctx, id, domain.OrderStatusCancelled, func(o *domain.Order) error {
		if o.CustomerID != customerID {
			return repository.ErrNotFound
		}
		return nil
	})
}

// UpdateStatus административный переход статуса исполнения
func (s *OrderService) UpdateStatus(ctx context.Context, id int64, target domain.OrderStatus) (*domain.Order, error) {
	if id <= 0 || !target.Valid() {
		return nil, ErrInvalidInput
	}
	return s.changeStatus(ctx, id, target, nil)
}

func (s *OrderService) changeStatus(ctx context.Context, id int64, target domain.OrderStatus, check func(*domain.Order) error) (*domain.Order, error) {
	var updated *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(o); err != nil {
				return err
			}
		}
		if !o.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, o.Status, target)
		}
		if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, target); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return fmt.Errorf("%w: status changed concurrently", ErrInvalidState)
			}
			return err
		}
		if target.ReleasesStock() {
			for _, l := range o.Lines {
				if err := s.products.IncrementStock(ctx, l.ProductID, l.Quantity); err != nil && !errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("restock product %d: %w", l.ProductID, err)
				}
			}
		}
		if target == domain.OrderStatusRefunded && o.PaymentStatus == domain.PaymentStatusPaid {
			err := s.orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPaid, domain.PaymentStatusRefunded, nil, "")
			if err != nil {
				return fmt.Errorf("refund payment: %w", err)
			}
		}
		updated, err = s.orders.GetByID(ctx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.FromCtx(ctx).Info("order status changed",
		slog.Int64("order_id", updated.ID),
		slog.String("status", updated.Status.String()),
		slog.String("payment_status", updated.PaymentStatus.String()),
	)
	s.publish(ctx, events.TypeOrderStatusChanged, updated)
	return updated, nil
}

// UpdatePaymentStatus административный переход статуса оплаты (например pending -> failed)
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, id int64, target domain.PaymentStatus) (*domain.Order, error) {
	if id <= 0 || !target.Valid() {
		return nil, ErrInvalidInput
	}
	var updated *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !o.PaymentStatus.CanTransitionTo(target) {
			return fmt.Errorf("%w: payment %s -> %s", ErrInvalidState, o.PaymentStatus, target)
		}
		var paidAt *time.Time
		if target == domain.PaymentStatusPaid {
			now := s.now()
			paidAt = &now
		}
		if err := s.orders.UpdatePaymentStatus(ctx, o.ID, o.PaymentStatus, target, paidAt, ""); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return fmt.Errorf("%w: payment status changed concurrently", ErrInvalidState)
			}
			return err
		}
		updated, err = s.orders.GetByID(ctx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypePaymentStatus, updated)
	return updated, nil
}

// publish best effort: the order is already committed, a broker failure is only logged
func (s *OrderService) publish(ctx context.Context, typ string, o *domain.Order) {
	publishOrderEvent(ctx, s.publisher, typ, o, s.now())
}

func publishOrderEvent(ctx context.Context, p events.Publisher, typ string, o *domain.Order, at time.Time) {
	evt := events.Event{
		Type:          typ,
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		CustomerID:    o.CustomerID,
		Status:        o.Status.String(),
		PaymentStatus: o.PaymentStatus.String(),
		Total:         o.Total.StringFixed(2),
		Currency:      o.Currency,
		OccurredAt:    at,
	}
	if err := p.Publish(ctx, evt); err != nil {
		logging.FromCtx(ctx).Warn("event publish failed",
			slog.String("type", typ),
			slog.Int64("order_id", o.ID),
			slog.Any("err", err),
		)
	}
}
