package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"astroxgear/internal/bakong"
	"astroxgear/internal/domain"
	"astroxgear/internal/http/middleware"
	"astroxgear/internal/khqr"
	"astroxgear/internal/logging"
	"astroxgear/internal/repository"
	"astroxgear/internal/service"
)

const IdempotencyHeader = "Idempotency-Key"

type Server struct {
	engine   *gin.Engine
	products *service.ProductService
	carts    *service.CartService
	orders   *service.OrderService
	payments *service.PaymentService
	authz    *middleware.Authz
}

func NewServer(
	products *service.ProductService,
	carts *service.CartService,
	orders *service.OrderService,
	payments *service.PaymentService,
	authz *middleware.Authz,
	log *slog.Logger,
) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Metrics(), middleware.Logging(log))
	s := &Server{engine: r, products: products, carts: carts, orders: orders, payments: payments, authz: authz}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/products", s.listProducts)
		v1.GET("/products/:id", s.getProduct)

		cart := v1.Group("/cart", s.authz.Require())
		cart.GET("", s.viewCart)
		cart.POST("", s.addToCart)
		cart.PUT("/:id", s.updateCartLine)
		cart.DELETE("/:id", s.removeCartLine)
		cart.DELETE("", s.clearCart)

		orders := v1.Group("/orders", s.authz.Require())
		orders.POST("", s.placeOrder)
		orders.GET("", s.listOrders)
		orders.GET("/:id", s.getOrder)
		orders.POST("/:id/cancel", s.cancelOrder)
		orders.POST("/:id/generate_payment_code", s.generatePaymentCode)
		orders.POST("/:id/check_payment", s.checkPayment)

		admin := v1.Group("/admin", s.authz.Require(middleware.RoleAdmin))
		admin.POST("/products", s.createProduct)
		admin.PUT("/products/:id", s.updateProduct)
		admin.POST("/products/:id/stock", s.adjustStock)
		admin.PATCH("/orders/:id/status", s.updateOrderStatus)
	}
}

// Product handlers

type productReq struct {
	Name          string           `json:"name" binding:"required"`
	SKU           string           `json:"sku" binding:"required"`
	Price         decimal.Decimal  `json:"price"`
	SalePrice     *decimal.Decimal `json:"sale_price"`
	StockQuantity int64            `json:"stock_quantity"`
}

// @Summary List products
// @Tags products
// @Produce json
// @Param q query string false "Name contains"
// @Param min_price query number false "Min effective price"
// @Param max_price query number false "Max effective price"
// @Success 200 {array} domain.Product
// @Failure 400 {object} map[string]string
// @Router /products [get]
func (s *Server) listProducts(c *gin.Context) {
	var f repository.ProductFilter
	f.NameSubstring = strings.TrimSpace(c.Query("q"))
	for param, dst := range map[string]**decimal.Decimal{"min_price": &f.MinPrice, "max_price": &f.MaxPrice} {
		v := c.Query(param)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
			return
		}
		*dst = &d
	}
	list, err := s.products.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get product by id
// @Tags products
// @Produce json
// @Param id path int true "Product ID"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /products/{id} [get]
func (s *Server) getProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := s.products.GetByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary Create product
// @Tags admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param input body productReq true "Product"
// @Success 201 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /admin/products [post]
func (s *Server) createProduct(c *gin.Context) {
	var req productReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p, err := s.products.Create(c.Request.Context(), domain.Product{
		Name: req.Name, SKU: req.SKU, Price: req.Price, SalePrice: req.SalePrice, StockQuantity: req.StockQuantity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// @Summary Update product (stock is changed only through the stock endpoint)
// @Tags admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Product ID"
// @Param input body productReq true "Product"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /admin/products/{id} [put]
func (s *Server) updateProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req productReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p, err := s.products.Update(c.Request.Context(), domain.Product{
		ID: id, Name: req.Name, SKU: req.SKU, Price: req.Price, SalePrice: req.SalePrice,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type stockReq struct {
	Delta int64 `json:"delta" binding:"required"`
}

// @Summary Adjust product stock
// @Tags admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Product ID"
// @Param input body stockReq true "Signed delta"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /admin/products/{id}/stock [post]
func (s *Server) adjustStock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req stockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p, err := s.products.AdjustStock(c.Request.Context(), id, req.Delta)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Cart handlers

type cartAddReq struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int64 `json:"quantity" binding:"required"`
}

type cartUpdateReq struct {
	Quantity int64 `json:"quantity" binding:"required"`
}

// @Summary View cart
// @Tags cart
// @Security BearerAuth
// @Produce json
// @Success 200 {object} service.CartView
// @Router /cart [get]
func (s *Server) viewCart(c *gin.Context) {
	v, err := s.carts.View(c.Request.Context(), customer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// @Summary Add product to cart
// @Tags cart
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param input body cartAddReq true "Line"
// @Success 201 {object} domain.CartLine
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /cart [post]
func (s *Server) addToCart(c *gin.Context) {
	var req cartAddReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	line, err := s.carts.AddItem(c.Request.Context(), customer(c), req.ProductID, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, line)
}

// @Summary Change cart line quantity
// @Tags cart
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Cart line ID"
// @Param input body cartUpdateReq true "Quantity"
// @Success 200 {object} domain.CartLine
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /cart/{id} [put]
func (s *Server) updateCartLine(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cartUpdateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	line, err := s.carts.UpdateQuantity(c.Request.Context(), customer(c), id, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

// @Summary Remove cart line
// @Tags cart
// @Security BearerAuth
// @Param id path int true "Cart line ID"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /cart/{id} [delete]
func (s *Server) removeCartLine(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.carts.RemoveItem(c.Request.Context(), customer(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Clear cart
// @Tags cart
// @Security BearerAuth
// @Success 204
// @Router /cart [delete]
func (s *Server) clearCart(c *gin.Context) {
	if err := s.carts.Clear(c.Request.Context(), customer(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Order handlers

type placeOrderReq struct {
	Shipping      domain.ShippingInfo `json:"shipping" binding:"required"`
	Billing       *domain.BillingInfo `json:"billing"`
	PaymentMethod string              `json:"payment_method" binding:"required"`
	Notes         string              `json:"order_notes"`
}

// @Summary Checkout the cart
// @Tags orders
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Replays the first result for the same key"
// @Param input body placeOrderReq true "Checkout"
// @Success 201 {object} domain.Order
// @Success 200 {object} domain.Order "replayed"
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /orders [post]
func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	o, replayed, err := s.orders.PlaceOrderOnce(c.Request.Context(), customer(c), c.GetHeader(IdempotencyHeader), service.PlaceOrderInput{
		Shipping:      req.Shipping,
		Billing:       req.Billing,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if replayed {
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, o)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// @Summary List own orders, newest first
// @Tags orders
// @Security BearerAuth
// @Produce json
// @Success 200 {array} domain.Order
// @Router /orders [get]
func (s *Server) listOrders(c *gin.Context) {
	list, err := s.orders.ListOrders(c.Request.Context(), customer(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get own order
// @Tags orders
// @Security BearerAuth
// @Produce json
// @Param id path int true "Order ID"
// @Success 200 {object} domain.Order
// @Failure 404 {object} map[string]string
// @Router /orders/{id} [get]
func (s *Server) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := s.orders.GetOrder(c.Request.Context(), customer(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// @Summary Cancel own order
// @Tags orders
// @Security BearerAuth
// @Produce json
// @Param id path int true "Order ID"
// @Success 200 {object} domain.Order
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /orders/{id}/cancel [post]
func (s *Server) cancelOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := s.orders.CancelOrder(c.Request.Context(), customer(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type paymentCodeResp struct {
	Payload      string    `json:"payload"`
	Checksum     string    `json:"checksum"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpirationMs int64     `json:"expiration_ms"`
}

// @Summary Generate KHQR payment code
// @Tags payments
// @Security BearerAuth
// @Produce json
// @Param id path int true "Order ID"
// @Success 200 {object} paymentCodeResp
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /orders/{id}/generate_payment_code [post]
func (s *Server) generatePaymentCode(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	code, err := s.payments.GeneratePaymentCode(c.Request.Context(), customer(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentCodeResp{
		Payload:      code.Payload,
		Checksum:     code.MD5,
		ExpiresAt:    code.ExpiresAt,
		ExpirationMs: code.ExpiresAt.UnixMilli(),
	})
}

// @Summary Check KHQR payment with the network
// @Tags payments
// @Security BearerAuth
// @Produce json
// @Param id path int true "Order ID"
// @Success 200 {object} service.PaymentCheck
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 501 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /orders/{id}/check_payment [post]
func (s *Server) checkPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := s.payments.CheckPayment(c.Request.Context(), customer(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type orderStatusReq struct {
	Status        domain.OrderStatus   `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
}

// @Summary Change order or payment status
// @Tags admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Order ID"
// @Param input body orderStatusReq true "Target status"
// @Success 200 {object} domain.Order
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /admin/orders/{id}/status [patch]
func (s *Server) updateOrderStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req orderStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Status == "" && req.PaymentStatus == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status or payment_status required"})
		return
	}
	if (req.Status != "" && !req.Status.Valid()) || (req.PaymentStatus != "" && !req.PaymentStatus.Valid()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	ctx := c.Request.Context()
	var (
		o   *domain.Order
		err error
	)
	if req.Status != "" {
		if o, err = s.orders.UpdateStatus(ctx, id, req.Status); err != nil {
			writeError(c, err)
			return
		}
	}
	// refunding already moved a paid payment along
	if req.PaymentStatus != "" && (o == nil || o.PaymentStatus != req.PaymentStatus) {
		if o, err = s.orders.UpdatePaymentStatus(ctx, id, req.PaymentStatus); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, o)
}

func customer(c *gin.Context) int64 {
	id, _ := middleware.CustomerID(c)
	return id
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, repository.ErrInvalidQuantity),
		errors.Is(err, khqr.ErrInvalidAmount),
		errors.Is(err, khqr.ErrUnsupportedCurrency):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrNoPaymentCode),
		errors.Is(err, service.ErrDuplicateRequest),
		errors.Is(err, repository.ErrDuplicateSKU):
		return http.StatusConflict
	case errors.Is(err, bakong.ErrNotConfigured):
		return http.StatusNotImplemented
	case errors.Is(err, bakong.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := mapErrorToStatus(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		logging.From(c).Error("request failed", slog.Any("err", err))
		msg := "internal error"
		if errors.Is(err, service.ErrStockRace) {
			msg = "stock changed during checkout, retry"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	body := gin.H{"error": err.Error()}
	var stock *service.InsufficientStockError
	if errors.As(err, &stock) {
		body["product_id"] = stock.ProductID
		body["requested"] = stock.Requested
		body["available"] = stock.Available
	}
	c.JSON(status, body)
}
