package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"astroxgear/internal/domain"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	url, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(url))

	pool, err := OpenPostgres(ctx, url, 10)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgres_ProductsAndStock(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)

	sale := money("8.50")
	p := domain.Product{Name: "Headset", SKU: "HS-1", Price: money("10.00"), SalePrice: &sale, StockQuantity: 2}
	require.NoError(t, store.Create(ctx, &p))
	require.NotZero(t, p.ID)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SalePrice)
	assert.True(t, got.EffectivePrice().Equal(sale))

	dup := domain.Product{Name: "Other", SKU: "HS-1", Price: money("1")}
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrDuplicateSKU)

	require.NoError(t, store.DecrementStock(ctx, p.ID, 2))
	assert.ErrorIs(t, store.DecrementStock(ctx, p.ID, 1), ErrStockConflict)
	assert.ErrorIs(t, store.DecrementStock(ctx, 9999, 1), ErrNotFound)

	min := money("9")
	list, err := store.List(ctx, ProductFilter{NameSubstring: "head", MinPrice: &min})
	require.NoError(t, err)
	assert.Empty(t, list, "effective price 8.50 is below the minimum")
}

func TestPostgres_TxRollback(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)
	carts := NewPostgresCarts(store)
	orders := NewPostgresOrders(store)
	tx := NewPostgresTx(pool)

	p := domain.Product{Name: "Mouse", SKU: "M-1", Price: money("5.00"), StockQuantity: 5}
	require.NoError(t, store.Create(ctx, &p))
	line := domain.CartLine{CustomerID: 1, ProductID: p.ID, Quantity: 2, Price: p.Price}
	require.NoError(t, carts.Add(ctx, &line))

	boom := errors.New("boom")
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		o := newPgOrder("ORD-RB", p.ID)
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
	require.ErrorIs(t, err, boom)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.StockQuantity)
	lines, err := carts.ListByCustomer(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
	list, err := orders.ListByCustomer(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPostgres_OrdersRoundTrip(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)
	orders := NewPostgresOrders(store)

	p := domain.Product{Name: "Pad", SKU: "P-1", Price: money("5.00"), StockQuantity: 5}
	require.NoError(t, store.Create(ctx, &p))

	o := newPgOrder("ORD-1", p.ID)
	require.NoError(t, orders.Create(ctx, &o))
	dup := newPgOrder("ORD-1", p.ID)
	assert.ErrorIs(t, orders.Create(ctx, &dup), ErrDuplicateOrderNumber)

	expires := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, orders.SetPaymentCode(ctx, o.ID, domain.PaymentCode{Payload: "000201", MD5: "abc", ExpiresAt: expires}))

	awaiting, err := orders.ListAwaitingPayment(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, o.ID, awaiting[0].ID)

	paidAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPending, domain.PaymentStatusPaid, &paidAt, "hash"))
	assert.ErrorIs(t,
		orders.UpdatePaymentStatus(ctx, o.ID, domain.PaymentStatusPending, domain.PaymentStatusPaid, &paidAt, "other"),
		ErrStateConflict)

	got, err := orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, got.PaymentStatus)
	assert.Equal(t, "hash", got.TransactionHash)
	require.NotNil(t, got.PaymentCode)
	assert.True(t, got.PaymentCode.ExpiresAt.Equal(expires))
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "Pad", got.Lines[0].ProductName)
	assert.True(t, got.Total.Equal(money("10.00")))
	assert.Equal(t, "Phnom Penh", got.Billing.City)

	assert.ErrorIs(t, orders.UpdateStatus(ctx, 4242, domain.OrderStatusPending, domain.OrderStatusProcessing), ErrNotFound)
}

func TestPostgres_ConcurrentDecrementNeverOversells(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)
	tx := NewPostgresTx(pool)

	p := domain.Product{Name: "Last one", SKU: "L-1", Price: money("1.00"), StockQuantity: 3}
	require.NoError(t, store.Create(ctx, &p))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tx.WithTransaction(ctx, func(ctx context.Context) error {
				return store.DecrementStock(ctx, p.ID, 1)
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, ok)
	assert.Equal(t, int64(0), got.StockQuantity)
}

func TestPostgres_CheckoutKeepsLinesAddedMeanwhile(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)
	carts := NewPostgresCarts(store)
	tx := NewPostgresTx(pool)

	a := domain.Product{Name: "Mouse", SKU: "M-1", Price: money("5.00"), StockQuantity: 10}
	b := domain.Product{Name: "Pad", SKU: "P-1", Price: money("3.00"), StockQuantity: 10}
	require.NoError(t, store.Create(ctx, &a))
	require.NoError(t, store.Create(ctx, &b))
	first := domain.CartLine{CustomerID: 1, ProductID: a.ID, Quantity: 1, Price: a.Price}
	require.NoError(t, carts.Add(ctx, &first))

	read := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- tx.WithTransaction(ctx, func(ctx context.Context) error {
			lines, err := carts.ListByCustomer(ctx, 1)
			if err != nil {
				return err
			}
			close(read)
			<-resume
			ids := make([]int64, 0, len(lines))
			for _, l := range lines {
				ids = append(ids, l.ID)
			}
			return carts.DeleteLines(ctx, 1, ids)
		})
	}()
	<-read

	// a new product goes in right away
	other := domain.CartLine{CustomerID: 1, ProductID: b.ID, Quantity: 2, Price: b.Price}
	require.NoError(t, carts.Add(ctx, &other))

	// a merge into a line being checked out waits for the checkout
	merged := make(chan error, 1)
	go func() {
		more := domain.CartLine{CustomerID: 1, ProductID: a.ID, Quantity: 2, Price: a.Price}
		merged <- carts.Add(ctx, &more)
	}()
	select {
	case err := <-merged:
		t.Errorf("merge finished while the line was locked: %v", err)
		merged <- err
	case <-time.After(200 * time.Millisecond):
	}

	close(resume)
	require.NoError(t, <-done)
	require.NoError(t, <-merged)

	lines, err := carts.ListByCustomer(ctx, 1)
	require.NoError(t, err)
	qty := map[int64]int64{}
	for _, l := range lines {
		qty[l.ProductID] = l.Quantity
	}
	assert.Equal(t, map[int64]int64{a.ID: 2, b.ID: 2}, qty)
}

func TestPostgres_StockRejectsNonPositiveQuantity(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)

	p := domain.Product{Name: "Cable", SKU: "C-1", Price: money("1.00"), StockQuantity: 3}
	require.NoError(t, store.Create(ctx, &p))
	assert.ErrorIs(t, store.DecrementStock(ctx, p.ID, -2), ErrInvalidQuantity)
	assert.ErrorIs(t, store.IncrementStock(ctx, p.ID, 0), ErrInvalidQuantity)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.StockQuantity)
}

func newPgOrder(number string, productID int64) domain.Order {
	ship := domain.ShippingInfo{
		Name: "Dara", Email: "dara@example.com", Phone: "012", Address: "St 1",
		City: "Phnom Penh", State: "PP", Zip: "12000", Country: "KH",
	}
	return domain.Order{
		CustomerID:    1,
		OrderNumber:   number,
		Subtotal:      money("10.00"),
		Tax:           money("0"),
		ShippingCost:  money("0"),
		Discount:      money("0"),
		Total:         money("10.00"),
		Currency:      "USD",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: "khqr",
		Shipping:      ship,
		Billing:       domain.ResolveBilling(ship, nil),
		Lines: []domain.OrderLine{{
			ProductID: productID, ProductName: "Pad", ProductSKU: "P-1",
			Quantity: 2, Price: money("5.00"), Total: money("10.00"),
		}},
	}
}
