// Package worker runs background loops next to the HTTP server.
package worker

import (
	"context"
	"log/slog"
	"time"

	"astroxgear/internal/domain"
	"astroxgear/internal/logging"
	"astroxgear/internal/service"
)

// AwaitingLister отдаёт заказы с живым кодом оплаты
type AwaitingLister interface {
	ListAwaitingPayment(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
}

// OrderReconciler сверяет оплату одного заказа
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, orderID int64) (*service.PaymentCheck, error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	CallTimeout time.Duration
}

// Reconciler периодически опрашивает платёжную сеть по заказам, ожидающим оплату.
// Ошибки одного заказа не прерывают обход; повторов внутри тика нет.
type Reconciler struct {
	orders     AwaitingLister
	reconciler OrderReconciler
	cfg        Config
	now        func() time.Time
	log        *slog.Logger
}

func NewReconciler(orders AwaitingLister, reconciler OrderReconciler, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Reconciler{
		orders:     orders,
		reconciler: reconciler,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logging.New("reconciler"),
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("reconciler started", slog.Duration("interval", r.cfg.Interval), slog.Int("batch", r.cfg.BatchSize))
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		}
	}
}

// RunOnce checks one batch and reports how many orders were checked and how many are now paid.
func (r *Reconciler) RunOnce(ctx context.Context) (checked, settled int) {
	list, err := r.orders.ListAwaitingPayment(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		r.log.Error("list awaiting payment failed", slog.Any("err", err))
		return 0, 0
	}
	for _, o := range list {
		if ctx.Err() != nil {
			return checked, settled
		}
		res, err := r.check(ctx, o.ID)
		checked++
		if err != nil {
			r.log.Warn("reconcile failed", slog.Int64("order_id", o.ID), slog.Any("err", err))
			continue
		}
		if res.Settled {
			settled++
		}
	}
	if settled > 0 {
		r.log.Info("reconcile tick", slog.Int("checked", checked), slog.Int("settled", settled))
	}
	return checked, settled
}

func (r *Reconciler) check(ctx context.Context, orderID int64) (*service.PaymentCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.reconciler.ReconcileOrder(logging.WithCtx(ctx, r.log), orderID)
}
