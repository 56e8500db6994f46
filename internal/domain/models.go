package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product товар каталога; StockQuantity: складской остаток (никогда не отрицательный)
type Product struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	SKU           string           `json:"sku"`
	Price         decimal.Decimal  `json:"price"`
	SalePrice     *decimal.Decimal `json:"sale_price,omitempty"`
	StockQuantity int64            `json:"stock_quantity"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// EffectivePrice цена, которая фиксируется в корзине в момент добавления
func (p Product) EffectivePrice() decimal.Decimal {
	if p.SalePrice != nil {
		return *p.SalePrice
	}
	return p.Price
}

// CartLine позиция корзины покупателя
type CartLine struct {
	ID         int64           `json:"id"`
	CustomerID int64           `json:"customer_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LineTotal price * quantity
func (l CartLine) LineTotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(l.Quantity))
}

// OrderLine позиция заказа; имя и SKU копируются на момент оформления
type OrderLine struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	ProductSKU  string          `json:"product_sku"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
}

// PaymentCode KHQR-код, встроенный в заказ
type PaymentCode struct {
	Payload   string    `json:"payload"`
	MD5       string    `json:"md5"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its persisted expiration.
func (c PaymentCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Order сущность заказа
type Order struct {
	ID              int64           `json:"id"`
	CustomerID      int64           `json:"customer_id"`
	OrderNumber     string          `json:"order_number"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	ShippingCost    decimal.Decimal `json:"shipping_cost"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
	Status          OrderStatus     `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	PaymentMethod   string          `json:"payment_method"`
	Shipping        ShippingInfo    `json:"shipping"`
	Billing         BillingInfo     `json:"billing"`
	Notes           string          `json:"order_notes,omitempty"`
	PaymentCode     *PaymentCode    `json:"payment_code,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	Lines           []OrderLine     `json:"lines"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AwaitingPayment true while a live KHQR code can still be settled
func (o Order) AwaitingPayment(now time.Time) bool {
	if o.PaymentStatus != PaymentStatusPending || o.PaymentCode == nil {
		return false
	}
	if o.Status == OrderStatusCancelled || o.Status == OrderStatusRefunded {
		return false
	}
	return !o.PaymentCode.Expired(now)
}
