package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"astroxgear/internal/domain"
)

// MemoryStore объединённое in-memory хранилище и простой генератор ID
type MemoryStore struct {
	mu   sync.RWMutex
	data memoryData
	now  func() time.Time
}

type memoryData struct {
	nextProdID   int64
	nextCartID   int64
	nextOrderID  int64
	nextLineID   int64
	productsByID map[int64]domain.Product
	cartByID     map[int64]domain.CartLine
	ordersByID   map[int64]domain.Order
	orderNumbers map[string]int64
}

// snapshot копия для отката. Значения в картах заменяются целиком и не мутируются на месте.
func (d memoryData) snapshot() memoryData {
	cp := d
	cp.productsByID = maps.Clone(d.productsByID)
	cp.cartByID = maps.Clone(d.cartByID)
	cp.ordersByID = maps.Clone(d.ordersByID)
	cp.orderNumbers = maps.Clone(d.orderNumbers)
	return cp
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memoryData{
			nextProdID:   1,
			nextCartID:   1,
			nextOrderID:  1,
			nextLineID:   1,
			productsByID: make(map[int64]domain.Product),
			cartByID:     make(map[int64]domain.CartLine),
			ordersByID:   make(map[int64]domain.Order),
			orderNumbers: make(map[string]int64),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// transaction-aware locking helpers
type txKey struct{}

func isTx(ctx context.Context) bool {
	v := ctx.Value(txKey{})
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (m *MemoryStore) rlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RLock()
	}
}
func (m *MemoryStore) runlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RUnlock()
	}
}
func (m *MemoryStore) wlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Lock()
	}
}
func (m *MemoryStore) wunlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Unlock()
	}
}

// Ensure interfaces
var _ ProductRepository = (*MemoryStore)(nil)

// ProductRepository implementation
func (m *MemoryStore) Create(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	for _, existing := range m.data.productsByID {
		if existing.SKU == p.SKU {
			return ErrDuplicateSKU
		}
	}
	p.ID = m.data.nextProdID
	m.data.nextProdID++
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.data.productsByID[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id int64) (*domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	p, ok := m.data.productsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy
	cp := p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	cur, ok := m.data.productsByID[p.ID]
	if !ok {
		return ErrNotFound
	}
	for id, existing := range m.data.productsByID {
		if id != p.ID && existing.SKU == p.SKU {
			return ErrDuplicateSKU
		}
	}
	p.StockQuantity = cur.StockQuantity
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = m.now()
	m.data.productsByID[p.ID] = *p
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.Product, 0)
	for _, p := range m.data.productsByID {
		if f.match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DecrementStock(ctx context.Context, id, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	m.wlock(ctx)
	defer m.wunlock(ctx)
	p, ok := m.data.productsByID[id]
	if !ok {
		return ErrNotFound
	}
	if p.StockQuantity < qty {
		return ErrStockConflict
	}
	p.StockQuantity -= qty
	p.UpdatedAt = m.now()
	m.data.productsByID[id] = p
	return nil
}

func (m *MemoryStore) IncrementStock(ctx context.Context, id, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	m.wlock(ctx)
	defer m.wunlock(ctx)
	p, ok := m.data.productsByID[id]
	if !ok {
		return ErrNotFound
	}
	p.StockQuantity += qty
	p.UpdatedAt = m.now()
	m.data.productsByID[id] = p
	return nil
}

// CartRepository implementation on wrapper type
type MemoryCarts struct{ store *MemoryStore }

func NewMemoryCarts(store *MemoryStore) *MemoryCarts { return &MemoryCarts{store: store} }

var _ CartRepository = (*MemoryCarts)(nil)

func (mc *MemoryCarts) Add(ctx context.Context, line *domain.CartLine) error {
	s := mc.store
	s.wlock(ctx)
	defer s.wunlock(ctx)
	now := s.now()
	for id, existing := range s.data.cartByID {
		if existing.CustomerID == line.CustomerID && existing.ProductID == line.ProductID {
			existing.Quantity += line.Quantity
			existing.UpdatedAt = now
			s.data.cartByID[id] = existing
			*line = existing
			return nil
		}
	}
	line.ID = s.data.nextCartID
	s.data.nextCartID++
	line.CreatedAt = now
	line.UpdatedAt = now
	s.data.cartByID[line.ID] = *line
	return nil
}

func (mc *MemoryCarts) GetByID(ctx context.Context, id int64) (*domain.CartLine, error) {
	mc.store.rlock(ctx)
	defer mc.store.runlock(ctx)
	l, ok := mc.store.data.cartByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (mc *MemoryCarts) ListByCustomer(ctx context.Context, customerID int64) ([]domain.CartLine, error) {
	mc.store.rlock(ctx)
	defer mc.store.runlock(ctx)
	out := make([]domain.CartLine, 0)
	for _, l := range mc.store.data.cartByID {
		if l.CustomerID == customerID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (mc *MemoryCarts) UpdateQuantity(ctx context.Context, id, qty int64) error {
	s := mc.store
	s.wlock(ctx)
	defer s.wunlock(ctx)
	l, ok := s.data.cartByID[id]
	if !ok {
		return ErrNotFound
	}
	l.Quantity = qty
	l.UpdatedAt = s.now()
	s.data.cartByID[id] = l
	return nil
}

func (mc *MemoryCarts) Delete(ctx context.Context, id int64) error {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	if _, ok := mc.store.data.cartByID[id]; !ok {
		return ErrNotFound
	}
	delete(mc.store.data.cartByID, id)
	return nil
}

func (mc *MemoryCarts) DeleteLines(ctx context.Context, customerID int64, ids []int64) error {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	for _, id := range ids {
		if l, ok := mc.store.data.cartByID[id]; ok && l.CustomerID == customerID {
			delete(mc.store.data.cartByID, id)
		}
	}
	return nil
}

func (mc *MemoryCarts) DeleteByCustomer(ctx context.Context, customerID int64) error {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	for id, l := range mc.store.data.cartByID {
		if l.CustomerID == customerID {
			delete(mc.store.data.cartByID, id)
		}
	}
	return nil
}

// OrderRepository implementation on wrapper type
type MemoryOrders struct{ store *MemoryStore }

func NewMemoryOrders(store *MemoryStore) *MemoryOrders { return &MemoryOrders{store: store} }

var _ OrderRepository = (*MemoryOrders)(nil)

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = slices.Clone(o.Lines)
	if o.PaymentCode != nil {
		pc := *o.PaymentCode
		o.PaymentCode = &pc
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		o.PaidAt = &t
	}
	return o
}

func (mo *MemoryOrders) Create(ctx context.Context, o *domain.Order) error {
	s := mo.store
	s.wlock(ctx)
	defer s.wunlock(ctx)
	if _, taken := s.data.orderNumbers[o.OrderNumber]; taken {
		return ErrDuplicateOrderNumber
	}
	o.ID = s.data.nextOrderID
	s.data.nextOrderID++
	o.CreatedAt = s.now()
	o.UpdatedAt = o.CreatedAt
	for i := range o.Lines {
		o.Lines[i].ID = s.data.nextLineID
		s.data.nextLineID++
		o.Lines[i].OrderID = o.ID
	}
	s.data.ordersByID[o.ID] = cloneOrder(*o)
	s.data.orderNumbers[o.OrderNumber] = o.ID
	return nil
}

func (mo *MemoryOrders) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	mo.store.rlock(ctx)
	defer mo.store.runlock(ctx)
	o, ok := mo.store.data.ordersByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneOrder(o)
	return &cp, nil
}

func (mo *MemoryOrders) ListByCustomer(ctx context.Context, customerID int64) ([]domain.Order, error) {
	mo.store.rlock(ctx)
	defer mo.store.runlock(ctx)
	out := make([]domain.Order, 0)
	for _, o := range mo.store.data.ordersByID {
		if o.CustomerID == customerID {
			out = append(out, cloneOrder(o))
		}
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (mo *MemoryOrders) ListAwaitingPayment(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	mo.store.rlock(ctx)
	defer mo.store.runlock(ctx)
	out := make([]domain.Order, 0)
	for _, o := range mo.store.data.ordersByID {
		if o.AwaitingPayment(now) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (mo *MemoryOrders) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) error {
	s := mo.store
	s.wlock(ctx)
	defer s.wunlock(ctx)
	o, ok := s.data.ordersByID[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStateConflict
	}
	o.Status = to
	o.UpdatedAt = s.now()
	s.data.ordersByID[id] = o
	return nil
}

func (mo *MemoryOrders) UpdatePaymentStatus(ctx context.Context, id int64, from, to domain.PaymentStatus, paidAt *time.Time, txHash string) error {
	s := mo.store
	s.wlock(ctx)
	defer s.wunlock(ctx)
	o, ok := s.data.ordersByID[id]
	if !ok {
		return ErrNotFound
	}
	if o.PaymentStatus != from {
		return ErrStateConflict
	}
	o.PaymentStatus = to
	if paidAt != nil {
		t := *paidAt
		o.PaidAt = &t
	}
	if txHash != "" {
		o.TransactionHash = txHash
	}
	o.UpdatedAt = s.now()
	s.data.ordersByID[id] = o
	return nil
}

func (mo *MemoryOrders) SetPaymentCode(ctx context.Context, id int64, code domain.PaymentCode) error {
	s := mo.store
	s.wlock(ctx)
	defer s.wunlock(ctx)
	o, ok := s.data.ordersByID[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentCode = &code
	o.UpdatedAt = s.now()
	s.data.ordersByID[id] = o
	return nil
}

// MemoryTx emulates a transaction: the write lock serializes units of work and a snapshot is restored on error.
type MemoryTx struct{ store *MemoryStore }

func NewMemoryTx(store *MemoryStore) *MemoryTx { return &MemoryTx{store: store} }

var _ TxManager = (*MemoryTx)(nil)

func (tx *MemoryTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// вложенный вызов выполняется в рамках внешней транзакции
	if isTx(ctx) {
		return fn(ctx)
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	snap := tx.store.data.snapshot()
	err := fn(context.WithValue(ctx, txKey{}, true))
	if err != nil {
		tx.store.data = snap
	}
	return err
}
