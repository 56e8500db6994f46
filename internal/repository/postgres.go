package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"astroxgear/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenPostgres создаёт пул соединений и проверяет доступность базы.
func OpenPostgres(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate применяет встроенные миграции схемы.
func Migrate(url string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

// the pgx/v5 migrate driver registers itself under the pgx5 scheme
func migrateURL(url string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, scheme) {
			return "pgx5://" + strings.TrimPrefix(url, scheme)
		}
	}
	return url
}

// querier общий интерфейс пула и транзакции pgx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// PostgresStore репозиторий товаров поверх pgx; остальные репозитории делят с ним пул
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

// q returns the transaction bound to ctx, if any, otherwise the pool.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

var _ ProductRepository = (*PostgresStore)(nil)

const productColumns = `id, name, sku, price, sale_price, stock_quantity, created_at, updated_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.SalePrice, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) Create(ctx context.Context, p *domain.Product) error {
	err := s.q(ctx).QueryRow(ctx,
		`INSERT INTO products(name, sku, price, sale_price, stock_quantity) VALUES($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		p.Name, p.SKU, p.Price, p.SalePrice, p.StockQuantity,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if _, dup := uniqueViolation(err); dup {
		return ErrDuplicateSKU
	}
	return err
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.q(ctx).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *domain.Product) error {
	err := s.q(ctx).QueryRow(ctx,
		`UPDATE products SET name=$2, sku=$3, price=$4, sale_price=$5, updated_at=now()
		 WHERE id=$1 RETURNING stock_quantity, created_at, updated_at`,
		p.ID, p.Name, p.SKU, p.Price, p.SalePrice,
	).Scan(&p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if _, dup := uniqueViolation(err); dup {
		return ErrDuplicateSKU
	}
	return err
}

func (s *PostgresStore) List(ctx context.Context, f ProductFilter) ([]domain.Product, error) {
	var (
		where []string
		args  []any
	)
	if f.NameSubstring != "" {
		args = append(args, "%"+f.NameSubstring+"%")
		where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if f.MinPrice != nil {
		args = append(args, *f.MinPrice)
		where = append(where, fmt.Sprintf("COALESCE(sale_price, price) >= $%d", len(args)))
	}
	if f.MaxPrice != nil {
		args = append(args, *f.MaxPrice)
		where = append(where, fmt.Sprintf("COALESCE(sale_price, price) <= $%d", len(args)))
	}
	sql := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY id"

	rows, err := s.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DecrementStock(ctx context.Context, id, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = now()
		 WHERE id = $1 AND stock_quantity >= $2`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, "products", id); err != nil {
			return err
		}
		return ErrStockConflict
	}
	return nil
}

func (s *PostgresStore) IncrementStock(ctx context.Context, id, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE products SET stock_quantity = stock_quantity + $2, updated_at = now() WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) exists(ctx context.Context, table string, id int64) error {
	var one int
	err := s.q(ctx).QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// PostgresCarts CartRepository поверх общего пула
type PostgresCarts struct{ store *PostgresStore }

func NewPostgresCarts(store *PostgresStore) *PostgresCarts { return &PostgresCarts{store: store} }

var _ CartRepository = (*PostgresCarts)(nil)

const cartColumns = `id, customer_id, product_id, quantity, price, created_at, updated_at`

func scanCartLine(row pgx.Row) (domain.CartLine, error) {
	var l domain.CartLine
	err := row.Scan(&l.ID, &l.CustomerID, &l.ProductID, &l.Quantity, &l.Price, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (pc *PostgresCarts) Add(ctx context.Context, line *domain.CartLine) error {
	merged, err := scanCartLine(pc.store.q(ctx).QueryRow(ctx,
		`INSERT INTO cart_items(customer_id, product_id, quantity, price) VALUES($1, $2, $3, $4)
		 ON CONFLICT (customer_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = now()
		 RETURNING `+cartColumns,
		line.CustomerID, line.ProductID, line.Quantity, line.Price,
	))
	if err != nil {
		return err
	}
	*line = merged
	return nil
}

func (pc *PostgresCarts) GetByID(ctx context.Context, id int64) (*domain.CartLine, error) {
	l, err := scanCartLine(pc.store.q(ctx).QueryRow(ctx, `SELECT `+cartColumns+` FROM cart_items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (pc *PostgresCarts) ListByCustomer(ctx context.Context, customerID int64) ([]domain.CartLine, error) {
	query := `SELECT ` + cartColumns + ` FROM cart_items WHERE customer_id=$1 ORDER BY id`
	if _, inTx := ctx.Value(pgTxKey{}).(pgx.Tx); inTx {
		// concurrent merges into these lines wait for the checkout to finish
		query += ` FOR UPDATE`
	}
	rows, err := pc.store.q(ctx).Query(ctx, query, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.CartLine, 0)
	for rows.Next() {
		l, err := scanCartLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (pc *PostgresCarts) UpdateQuantity(ctx context.Context, id, qty int64) error {
	tag, err := pc.store.q(ctx).Exec(ctx, `UPDATE cart_items SET quantity=$2, updated_at=now() WHERE id=$1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (pc *PostgresCarts) Delete(ctx context.Context, id int64) error {
	tag, err := pc.store.q(ctx).Exec(ctx, `DELETE FROM cart_items WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (pc *PostgresCarts) DeleteLines(ctx context.Context, customerID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := pc.store.q(ctx).Exec(ctx, `DELETE FROM cart_items WHERE customer_id=$1 AND id = ANY($2)`, customerID, ids)
	return err
}

func (pc *PostgresCarts) DeleteByCustomer(ctx context.Context, customerID int64) error {
	_, err := pc.store.q(ctx).Exec(ctx, `DELETE FROM cart_items WHERE customer_id=$1`, customerID)
	return err
}

// PostgresOrders OrderRepository поверх общего пула
type PostgresOrders struct{ store *PostgresStore }

func NewPostgresOrders(store *PostgresStore) *PostgresOrders { return &PostgresOrders{store: store} }

var _ OrderRepository = (*PostgresOrders)(nil)

const orderColumns = `id, customer_id, order_number, subtotal, tax, shipping_cost, discount, total, currency,
	status, payment_status, payment_method, shipping, billing, order_notes,
	khqr_payload, khqr_md5, khqr_expires_at, transaction_hash, paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                 domain.Order
		status, payStatus string
		payload, md5      *string
		expiresAt         *time.Time
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.OrderNumber, &o.Subtotal, &o.Tax, &o.ShippingCost, &o.Discount,
		&o.Total, &o.Currency, &status, &payStatus, &o.PaymentMethod, &o.Shipping, &o.Billing, &o.Notes,
		&payload, &md5, &expiresAt, &o.TransactionHash, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(payStatus)
	if payload != nil && md5 != nil && expiresAt != nil {
		o.PaymentCode = &domain.PaymentCode{Payload: *payload, MD5: *md5, ExpiresAt: *expiresAt}
	}
	return o, nil
}

func (po *PostgresOrders) Create(ctx context.Context, o *domain.Order) error {
	q := po.store.q(ctx)
	err := q.QueryRow(ctx,
		`INSERT INTO orders(customer_id, order_number, subtotal, tax, shipping_cost, discount, total, currency,
			status, payment_status, payment_method, shipping, billing, order_notes)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at, updated_at`,
		o.CustomerID, o.OrderNumber, o.Subtotal, o.Tax, o.ShippingCost, o.Discount, o.Total, o.Currency,
		string(o.Status), string(o.PaymentStatus), o.PaymentMethod, o.Shipping, o.Billing, o.Notes,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if constraint, dup := uniqueViolation(err); dup && strings.Contains(constraint, "order_number") {
			return ErrDuplicateOrderNumber
		}
		return err
	}
	for i := range o.Lines {
		l := &o.Lines[i]
		l.OrderID = o.ID
		err := q.QueryRow(ctx,
			`INSERT INTO order_items(order_id, product_id, product_name, product_sku, quantity, price, total)
			 VALUES($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			l.OrderID, l.ProductID, l.ProductName, l.ProductSKU, l.Quantity, l.Price, l.Total,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}
	return nil
}

func (po *PostgresOrders) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	o, err := scanOrder(po.store.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	orders := []domain.Order{o}
	if err := po.loadLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (po *PostgresOrders) ListByCustomer(ctx context.Context, customerID int64) ([]domain.Order, error) {
	return po.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id=$1 ORDER BY id DESC`, customerID)
}

func (po *PostgresOrders) ListAwaitingPayment(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	return po.list(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE payment_status = 'pending' AND status NOT IN ('cancelled', 'refunded')
		   AND khqr_md5 IS NOT NULL AND khqr_expires_at > $1
		 ORDER BY id LIMIT $2`, now, limit)
}

func (po *PostgresOrders) list(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	rows, err := po.store.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := po.loadLines(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadLines явная подгрузка строк заказов одним запросом
func (po *PostgresOrders) loadLines(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	idx := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		idx[o.ID] = i
		orders[i].Lines = make([]domain.OrderLine, 0)
	}
	rows, err := po.store.q(ctx).Query(ctx,
		`SELECT id, order_id, product_id, product_name, product_sku, quantity, price, total
		 FROM order_items WHERE order_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.ProductName, &l.ProductSKU, &l.Quantity, &l.Price, &l.Total); err != nil {
			return err
		}
		i := idx[l.OrderID]
		orders[i].Lines = append(orders[i].Lines, l)
	}
	return rows.Err()
}

func (po *PostgresOrders) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) error {
	tag, err := po.store.q(ctx).Exec(ctx,
		`UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	return po.guarded(ctx, id, tag)
}

func (po *PostgresOrders) UpdatePaymentStatus(ctx context.Context, id int64, from, to domain.PaymentStatus, paidAt *time.Time, txHash string) error {
	tag, err := po.store.q(ctx).Exec(ctx,
		`UPDATE orders SET payment_status=$3, paid_at=COALESCE($4, paid_at),
			transaction_hash=CASE WHEN $5 = '' THEN transaction_hash ELSE $5 END, updated_at=now()
		 WHERE id=$1 AND payment_status=$2`,
		id, string(from), string(to), paidAt, txHash)
	if err != nil {
		return err
	}
	return po.guarded(ctx, id, tag)
}

func (po *PostgresOrders) guarded(ctx context.Context, id int64, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if err := po.store.exists(ctx, "orders", id); err != nil {
		return err
	}
	return ErrStateConflict
}

func (po *PostgresOrders) SetPaymentCode(ctx context.Context, id int64, code domain.PaymentCode) error {
	tag, err := po.store.q(ctx).Exec(ctx,
		`UPDATE orders SET khqr_payload=$2, khqr_md5=$3, khqr_expires_at=$4, updated_at=now() WHERE id=$1`,
		id, code.Payload, code.MD5, code.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresTx TxManager поверх pgx: транзакция кладётся в ctx и подхватывается репозиториями
type PostgresTx struct{ pool *pgxpool.Pool }

func NewPostgresTx(pool *pgxpool.Pool) *PostgresTx { return &PostgresTx{pool: pool} }

var _ TxManager = (*PostgresTx)(nil)

func (t *PostgresTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
