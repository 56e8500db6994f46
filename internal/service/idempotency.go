package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"astroxgear/internal/domain"
	"astroxgear/internal/logging"
)

// IdempotencyStore ключи идемпотентности оформления заказа.
// scope отделяет покупателей друг от друга, value хранит id созданного заказа.
type IdempotencyStore interface {
	TryLock(ctx context.Context, scope, key string) (bool, error)
	Remember(ctx context.Context, scope, key, value string) error
	Recall(ctx context.Context, scope, key string) (string, bool, error)
	Release(ctx context.Context, scope, key string) error
}

func WithIdempotency(store IdempotencyStore) OrderOption {
	return func(s *OrderService) { s.idem = store }
}

// PlaceOrderOnce оформляет заказ не более одного раза на ключ.
// Повтор с тем же ключом возвращает ранее созданный заказ и replayed=true;
// запрос, пришедший пока первый ещё выполняется, получает ErrDuplicateRequest.
// Без ключа или без хранилища работает как PlaceOrder.
func (s *OrderService) PlaceOrderOnce(ctx context.Context, customerID int64, key string, in PlaceOrderInput) (order *domain.Order, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" || s.idem == nil {
		o, err := s.PlaceOrder(ctx, customerID, in)
		return o, false, err
	}
	scope := "checkout:" + strconv.FormatInt(customerID, 10)

	stored, ok, err := s.idem.Recall(ctx, scope, key)
	if err != nil {
		return nil, false, fmt.Errorf("recall idempotency key: %w", err)
	}
	if ok {
		id, err := strconv.ParseInt(stored, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("stored order id %q: %w", stored, err)
		}
		o, err := s.GetOrder(ctx, customerID, id)
		if err != nil {
			return nil, false, err
		}
		checkoutsTotal.WithLabelValues("replayed").Inc()
		return o, true, nil
	}

	locked, err := s.idem.TryLock(ctx, scope, key)
	if err != nil {
		return nil, false, fmt.Errorf("lock idempotency key: %w", err)
	}
	if !locked {
		return nil, false, ErrDuplicateRequest
	}

	o, err := s.PlaceOrder(ctx, customerID, in)
	if err != nil {
		// a failed checkout may be retried under the same key
		if rerr := s.idem.Release(ctx, scope, key); rerr != nil {
			logging.FromCtx(ctx).Warn("idempotency release failed", slog.String("key", key), slog.Any("err", rerr))
		}
		return nil, false, err
	}
	if err := s.idem.Remember(ctx, scope, key, strconv.FormatInt(o.ID, 10)); err != nil {
		logging.FromCtx(ctx).Warn("idempotency remember failed",
			slog.String("key", key),
			slog.Int64("order_id", o.ID),
			slog.Any("err", err),
		)
	}
	return o, false, nil
}
