package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"astroxgear/internal/domain"
)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryStore_ProductCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p := domain.Product{Name: "A", SKU: "S1", Price: money("10"), StockQuantity: 5}
	if err := store.Create(ctx, &p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == 0 {
		t.Fatalf("no id")
	}

	got, err := store.GetByID(ctx, p.ID)
	if err != nil || got.ID != p.ID {
		t.Fatalf("get: %v", err)
	}

	p.Price = money("12")
	if err := store.Update(ctx, &p); err != nil {
		t.Fatalf("update: %v", err)
	}

	dup := domain.Product{Name: "B", SKU: "S1", Price: money("1")}
	if err := store.Create(ctx, &dup); !errors.Is(err, ErrDuplicateSKU) {
		t.Fatalf("expected duplicate sku, got %v", err)
	}
	if _, err := store.GetByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found")
	}
}

func TestMemoryStore_ConditionalDecrement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := domain.Product{Name: "A", SKU: "S1", Price: money("10"), StockQuantity: 3}
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	if err := store.DecrementStock(ctx, p.ID, 3); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := store.DecrementStock(ctx, p.ID, 1); !errors.Is(err, ErrStockConflict) {
		t.Fatalf("expected stock conflict, got %v", err)
	}
	got, _ := store.GetByID(ctx, p.ID)
	if got.StockQuantity != 0 {
		t.Fatalf("stock expected 0, got %d", got.StockQuantity)
	}
	if err := store.IncrementStock(ctx, p.ID, 2); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByID(ctx, p.ID)
	if got.StockQuantity != 2 {
		t.Fatalf("stock expected 2, got %d", got.StockQuantity)
	}
}

func TestMemoryCarts_AddMergesAndKeepsPrice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	carts := NewMemoryCarts(store)

	first := domain.CartLine{CustomerID: 7, ProductID: 1, Quantity: 2, Price: money("5.00")}
	if err := carts.Add(ctx, &first); err != nil {
		t.Fatal(err)
	}
	second := domain.CartLine{CustomerID: 7, ProductID: 1, Quantity: 3, Price: money("4.00")}
	if err := carts.Add(ctx, &second); err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Quantity != 5 || !second.Price.Equal(money("5.00")) {
		t.Fatalf("merge failed: %+v", second)
	}

	other := domain.CartLine{CustomerID: 8, ProductID: 1, Quantity: 1, Price: money("5.00")}
	if err := carts.Add(ctx, &other); err != nil {
		t.Fatal(err)
	}
	lines, _ := carts.ListByCustomer(ctx, 7)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if err := carts.DeleteByCustomer(ctx, 7); err != nil {
		t.Fatal(err)
	}
	lines, _ = carts.ListByCustomer(ctx, 7)
	if len(lines) != 0 {
		t.Fatalf("cart not cleared")
	}
	lines, _ = carts.ListByCustomer(ctx, 8)
	if len(lines) != 1 {
		t.Fatalf("foreign cart touched")
	}
}

func TestMemoryTx_TransactionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := NewMemoryTx(store)
	orders := NewMemoryOrders(store)

	// seed product
	p := domain.Product{Name: "A", SKU: "S1", Price: money("10"), StockQuantity: 5}
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	// atomic create order with stock decrease
	var created domain.Order
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := store.DecrementStock(ctx, p.ID, 3); err != nil {
			return err
		}
		created = domain.Order{
			CustomerID:  1,
			OrderNumber: "ORD-1",
			Lines:       []domain.OrderLine{{ProductID: p.ID, Quantity: 3}},
		}
		return orders.Create(ctx, &created)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	// check stock after
	pp, _ := store.GetByID(context.Background(), p.ID)
	if pp.StockQuantity != 2 {
		t.Fatalf("stock expected 2, got %v", pp.StockQuantity)
	}
	got, err := orders.GetByID(ctx, created.ID)
	if err != nil || len(got.Lines) != 1 || got.Lines[0].OrderID != created.ID || got.Lines[0].ID == 0 {
		t.Fatalf("order lines not stored: %+v %v", got, err)
	}
}

func TestMemoryTx_RollbackRestoresEverything(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := NewMemoryTx(store)
	orders := NewMemoryOrders(store)
	carts := NewMemoryCarts(store)

	p := domain.Product{Name: "A", SKU: "S1", Price: money("10"), StockQuantity: 5}
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}
	line := domain.CartLine{CustomerID: 1, ProductID: p.ID, Quantity: 2, Price: p.Price}
	if err := carts.Add(ctx, &line); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		o := domain.Order{CustomerID: 1, OrderNumber: "ORD-X"}
		if err := orders.Create(ctx, &o); err != nil {
			return err
		}
		if err := store.DecrementStock(ctx, p.ID, 2); err != nil {
			return err
		}
		if err := carts.DeleteByCustomer(ctx, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	pp, _ := store.GetByID(ctx, p.ID)
	if pp.StockQuantity != 5 {
		t.Fatalf("stock not restored: %d", pp.StockQuantity)
	}
	lines, _ := carts.ListByCustomer(ctx, 1)
	if len(lines) != 1 {
		t.Fatalf("cart not restored")
	}
	list, _ := orders.ListByCustomer(ctx, 1)
	if len(list) != 0 {
		t.Fatalf("order leaked out of rolled back tx")
	}

	// the order number is free again
	o := domain.Order{CustomerID: 1, OrderNumber: "ORD-X"}
	if err := orders.Create(ctx, &o); err != nil {
		t.Fatalf("order number still reserved: %v", err)
	}
}

func TestMemoryOrders_GuardedTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orders := NewMemoryOrders(store)

	o := domain.Order{
		CustomerID:    1,
		OrderNumber:   "ORD-1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
	}
	if err := orders.Create(ctx, &o); err != nil {
		t.Fatal(err)
	}
	dup := domain.Order{OrderNumber: "ORD-1"}
	if err := orders.Create(ctx, &dup); !errors.Is(err, ErrDuplicateOrderNumber) {
		t.Fatalf("expected duplicate order number, got %v", err)
	}

	paidAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPending, domain.PaymentStatusPaid, &paidAt, "hash-1"); err != nil {
		t.Fatal(err)
	}
	// a second settlement attempt sees the stored state and changes nothing
	if err := orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPending, domain.PaymentStatusPaid, nil, "hash-2"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	got, _ := orders.GetByID(ctx, o.ID)
	if got.PaymentStatus != domain.PaymentStatusPaid || got.TransactionHash != "hash-1" || got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Fatalf("unexpected payment fields: %+v", got)
	}

	if err := orders.UpdateStatus(ctx, o.ID, domain.OrderStatusProcessing, domain.OrderStatusShipped); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if err := orders.UpdateStatus(ctx, o.ID, domain.OrderStatusPending, domain.OrderStatusProcessing); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryOrders_ListAwaitingPayment(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orders := NewMemoryOrders(store)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mk := func(num string, status domain.OrderStatus, code *domain.PaymentCode) int64 {
		o := domain.Order{CustomerID: 1, OrderNumber: num, Status: status, PaymentStatus: domain.PaymentStatusPending, PaymentCode: code}
		if err := orders.Create(ctx, &o); err != nil {
			t.Fatal(err)
		}
		return o.ID
	}
	live := &domain.PaymentCode{MD5: "a", ExpiresAt: now.Add(time.Minute)}
	expired := &domain.PaymentCode{MD5: "b", ExpiresAt: now.Add(-time.Minute)}

	want := mk("ORD-1", domain.OrderStatusPending, live)
	mk("ORD-2", domain.OrderStatusPending, expired)
	mk("ORD-3", domain.OrderStatusPending, nil)
	mk("ORD-4", domain.OrderStatusCancelled, live)
	second := mk("ORD-5", domain.OrderStatusProcessing, live)

	list, err := orders.ListAwaitingPayment(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != want || list[1].ID != second {
		t.Fatalf("unexpected awaiting list: %+v", list)
	}
	list, _ = orders.ListAwaitingPayment(ctx, now, 1)
	if len(list) != 1 {
		t.Fatalf("limit ignored")
	}
}

func TestMemoryStore_StockRejectsNonPositiveQuantity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := domain.Product{Name: "A", SKU: "S1", Price: money("10"), StockQuantity: 3}
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}
	for _, qty := range []int64{0, -1} {
		if err := store.DecrementStock(ctx, p.ID, qty); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("decrement %d: expected invalid quantity, got %v", qty, err)
		}
		if err := store.IncrementStock(ctx, p.ID, qty); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("increment %d: expected invalid quantity, got %v", qty, err)
		}
	}
	got, _ := store.GetByID(ctx, p.ID)
	if got.StockQuantity != 3 {
		t.Fatalf("stock changed: %d", got.StockQuantity)
	}
}

func TestMemoryCarts_DeleteLinesOnlyListed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	carts := NewMemoryCarts(store)

	a := domain.CartLine{CustomerID: 1, ProductID: 1, Quantity: 1, Price: money("1")}
	b := domain.CartLine{CustomerID: 1, ProductID: 2, Quantity: 1, Price: money("1")}
	foreign := domain.CartLine{CustomerID: 2, ProductID: 1, Quantity: 1, Price: money("1")}
	for _, l := range []*domain.CartLine{&a, &b, &foreign} {
		if err := carts.Add(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	// a line of another customer is never touched, even when its id is passed
	if err := carts.DeleteLines(ctx, 1, []int64{a.ID, foreign.ID}); err != nil {
		t.Fatal(err)
	}
	lines, _ := carts.ListByCustomer(ctx, 1)
	if len(lines) != 1 || lines[0].ID != b.ID {
		t.Fatalf("unexpected lines left: %+v", lines)
	}
	lines, _ = carts.ListByCustomer(ctx, 2)
	if len(lines) != 1 {
		t.Fatalf("foreign cart touched")
	}
}

func TestList_Filtering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	add := func(n, price string) {
		p := domain.Product{Name: n, SKU: n, Price: money(price), StockQuantity: 1}
		if err := store.Create(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}
	add("Gaming Mouse", "100")
	add("Keyboard", "50")
	add("Mouse Pad", "150")

	// name contains, case-insensitive
	list, _ := store.List(ctx, ProductFilter{NameSubstring: "mouse"})
	if len(list) != 2 {
		t.Fatalf("name filter: got %d", len(list))
	}

	// min
	min := money("100")
	list, _ = store.List(ctx, ProductFilter{MinPrice: &min})
	for _, p := range list {
		if p.Price.LessThan(min) {
			t.Fatalf("min filter fail")
		}
	}

	// max
	max := money("100")
	list, _ = store.List(ctx, ProductFilter{MaxPrice: &max})
	if len(list) != 2 {
		t.Fatalf("max filter: got %d", len(list))
	}
}
