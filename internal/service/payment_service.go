package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"astroxgear/internal/bakong"
	"astroxgear/internal/domain"
	"astroxgear/internal/events"
	"astroxgear/internal/khqr"
	"astroxgear/internal/logging"
	"astroxgear/internal/repository"
)

// sharedCheckTimeout ограничивает общую сверку, которую больше не отменяет ни один из ожидающих.
const sharedCheckTimeout = 30 * time.Second

// Gateway проверка оплаты в платёжной сети по md5 payload-а
type Gateway interface {
	CheckTransactionByMD5(ctx context.Context, md5 string) (*bakong.CheckResult, error)
}

// PaymentCheck результат сверки оплаты заказа
type PaymentCheck struct {
	OrderID         int64                `json:"order_id"`
	Settled         bool                 `json:"settled"`
	Status          domain.PaymentStatus `json:"status"`
	Expired         bool                 `json:"expired"`
	ExpiresAt       *time.Time           `json:"expires_at,omitempty"`
	PaidAt          *time.Time           `json:"paid_at,omitempty"`
	TransactionHash string               `json:"transaction_hash,omitempty"`
	GatewayCode     *int                 `json:"gateway_response_code,omitempty"`
	GatewayMessage  string               `json:"gateway_message,omitempty"`
}

// PaymentService генерация KHQR-кодов и сверка оплаты с платёжной сетью
type PaymentService struct {
	orders    repository.OrderRepository
	tx        repository.TxManager
	builder   *khqr.Builder
	gateway   Gateway
	publisher events.Publisher
	now       func() time.Time
	inflight  singleflight.Group
}

type PaymentOption func(*PaymentService)

func WithPaymentPublisher(p events.Publisher) PaymentOption {
	return func(s *PaymentService) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithPaymentClock(now func() time.Time) PaymentOption {
	return func(s *PaymentService) { s.now = now }
}

func NewPaymentService(orders repository.OrderRepository, tx repository.TxManager, builder *khqr.Builder, gateway Gateway, opts ...PaymentOption) *PaymentService {
	s := &PaymentService{
		orders:    orders,
		tx:        tx,
		builder:   builder,
		gateway:   gateway,
		publisher: events.NopPublisher{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GeneratePaymentCode строит новый KHQR-код на сумму заказа и заменяет сохранённый.
// Финансовые поля и статусы заказа не меняются.
func (s *PaymentService) GeneratePaymentCode(ctx context.Context, customerID, orderID int64) (*domain.PaymentCode, error) {
	if customerID <= 0 || orderID <= 0 {
		return nil, ErrInvalidInput
	}
	var code *domain.PaymentCode
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.CustomerID != customerID {
			return repository.ErrNotFound
		}
		if o.PaymentStatus != domain.PaymentStatusPending || o.Status.ReleasesStock() {
			return fmt.Errorf("%w: order %s, payment %s", ErrInvalidState, o.Status, o.PaymentStatus)
		}
		built, err := s.builder.Build(o.Total, khqr.Currency(o.Currency))
		if err != nil {
			return err
		}
		pc := domain.PaymentCode{Payload: built.Payload, MD5: built.MD5, ExpiresAt: built.ExpiresAt}
		if err := s.orders.SetPaymentCode(ctx, o.ID, pc); err != nil {
			return err
		}
		code = &pc
		return nil
	})
	if err != nil {
		return nil, err
	}
	paymentCodesGenerated.Inc()
	logging.FromCtx(ctx).Info("payment code generated",
		slog.Int64("order_id", orderID),
		slog.String("md5", code.MD5),
		slog.Time("expires_at", code.ExpiresAt),
	)
	return code, nil
}

// CheckPayment сверка оплаты заказа покупателя
func (s *PaymentService) CheckPayment(ctx context.Context, customerID, orderID int64) (*PaymentCheck, error) {
	if customerID <= 0 || orderID <= 0 {
		return nil, ErrInvalidInput
	}
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, repository.ErrNotFound
	}
	return s.reconcile(ctx, orderID)
}

// ReconcileOrder та же сверка без проверки владельца, для фонового воркера
func (s *PaymentService) ReconcileOrder(ctx context.Context, orderID int64) (*PaymentCheck, error) {
	if orderID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.reconcile(ctx, orderID)
}

// reconcile collapses concurrent checks of one order into a single gateway call.
// The shared call is detached from the caller that started it; each caller stops waiting on its own ctx.
func (s *PaymentService) reconcile(ctx context.Context, orderID int64) (*PaymentCheck, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(strconv.FormatInt(orderID, 10), func() (any, error) {
		ctx, cancel := context.WithTimeout(shared, sharedCheckTimeout)
		defer cancel()
		return s.check(ctx, orderID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*PaymentCheck)
		return &res, nil
	}
}

func (s *PaymentService) check(ctx context.Context, orderID int64) (*PaymentCheck, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if o.PaymentStatus != domain.PaymentStatusPending {
		paymentChecksTotal.WithLabelValues("already_" + o.PaymentStatus.String()).Inc()
		return snapshot(o, now), nil
	}
	if o.PaymentCode == nil {
		return nil, ErrNoPaymentCode
	}

	// без блокировок: ожидание сети не должно держать заказ
	gw, err := s.gateway.CheckTransactionByMD5(ctx, o.PaymentCode.MD5)
	if err != nil {
		if errors.Is(err, bakong.ErrNotConfigured) {
			paymentChecksTotal.WithLabelValues("not_configured").Inc()
		} else {
			paymentChecksTotal.WithLabelValues("gateway_error").Inc()
		}
		return nil, fmt.Errorf("check payment %d: %w", orderID, err)
	}

	if !gw.Settled {
		paymentChecksTotal.WithLabelValues("pending").Inc()
		res := snapshot(o, now)
		withGateway(res, gw)
		return res, nil
	}

	var hash string
	if gw.Transaction != nil {
		hash = gw.Transaction.Hash
	}
	var settled *domain.Order
	err = s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		err := s.orders.UpdatePaymentStatus(ctx, orderID, domain.PaymentStatusPending, domain.PaymentStatusPaid, &now, hash)
		if err != nil && !errors.Is(err, repository.ErrStateConflict) {
			return err
		}
		// on conflict the stored state wins, whatever it is now
		settled, err = s.orders.GetByID(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settle order %d: %w", orderID, err)
	}

	if settled.PaymentStatus == domain.PaymentStatusPaid {
		paymentChecksTotal.WithLabelValues("settled").Inc()
		logging.FromCtx(ctx).Info("payment settled",
			slog.Int64("order_id", orderID),
			slog.String("transaction_hash", hash),
		)
		publishOrderEvent(ctx, s.publisher, events.TypePaymentSettled, settled, now)
	} else {
		paymentChecksTotal.WithLabelValues("conflict").Inc()
		logging.FromCtx(ctx).Warn("settlement skipped, payment status changed meanwhile",
			slog.Int64("order_id", orderID),
			slog.String("payment_status", settled.PaymentStatus.String()),
		)
	}
	res := snapshot(settled, now)
	withGateway(res, gw)
	return res, nil
}

func snapshot(o *domain.Order, now time.Time) *PaymentCheck {
	res := &PaymentCheck{
		OrderID:         o.ID,
		Settled:         o.PaymentStatus == domain.PaymentStatusPaid,
		Status:          o.PaymentStatus,
		PaidAt:          o.PaidAt,
		TransactionHash: o.TransactionHash,
	}
	if o.PaymentCode != nil {
		exp := o.PaymentCode.ExpiresAt
		res.ExpiresAt = &exp
		res.Expired = !res.Settled && o.PaymentCode.Expired(now)
	}
	return res
}

func withGateway(res *PaymentCheck, gw *bakong.CheckResult) {
	code := gw.ResponseCode
	res.GatewayCode = &code
	res.GatewayMessage = gw.Message
}
