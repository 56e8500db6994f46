package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapIdempotency struct {
	mu     sync.Mutex
	locks  map[string]bool
	values map[string]string
}

func newMapIdempotency() *mapIdempotency {
	return &mapIdempotency{locks: map[string]bool{}, values: map[string]string{}}
}

func (m *mapIdempotency) TryLock(_ context.Context, scope, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[scope+key] {
		return false, nil
	}
	m.locks[scope+key] = true
	return true, nil
}

func (m *mapIdempotency) Remember(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[scope+key] = value
	return nil
}

func (m *mapIdempotency) Recall(_ context.Context, scope, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[scope+key]
	return v, ok, nil
}

func (m *mapIdempotency) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, scope+key)
	return nil
}

func TestPlaceOrderOnce_ReplaysSameOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t, WithIdempotency(newMapIdempotency()))
	p := f.product(t, "SKU1", "5.00", 10)
	f.add(t, 1, p.ID, 2)

	first, replayed, err := f.order.PlaceOrderOnce(ctx, 1, "key-1", checkoutInput())
	require.NoError(t, err)
	assert.False(t, replayed)

	// cart is empty now; a replay must not try to check out again
	again, replayed, err := f.order.PlaceOrderOnce(ctx, 1, "key-1", checkoutInput())
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(8), f.stock(t, p.ID))
}

func TestPlaceOrderOnce_FailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	f := setup(t, WithIdempotency(newMapIdempotency()))

	_, _, err := f.order.PlaceOrderOnce(ctx, 1, "key-1", checkoutInput())
	assert.ErrorIs(t, err, ErrEmptyCart)

	p := f.product(t, "SKU1", "5.00", 10)
	f.add(t, 1, p.ID, 1)
	o, replayed, err := f.order.PlaceOrderOnce(ctx, 1, "key-1", checkoutInput())
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotNil(t, o)
}

func TestPlaceOrderOnce_InFlightDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newMapIdempotency()
	f := setup(t, WithIdempotency(store))

	ok, err := store.TryLock(ctx, "checkout:1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = f.order.PlaceOrderOnce(ctx, 1, "key-1", checkoutInput())
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestPlaceOrderOnce_NoKeyOrStore(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p := f.product(t, "SKU1", "5.00", 10)
	f.add(t, 1, p.ID, 1)

	o, replayed, err := f.order.PlaceOrderOnce(ctx, 1, "key-1", checkoutInput())
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotNil(t, o)
}
