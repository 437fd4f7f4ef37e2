package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/models"
	"github.com/prudhivi99/Distributed-Systems/smart-food/internal/orders"
)

// OrderService is implemented by *orders.Service.
type OrderService interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (models.CreateOrderResponse, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID int64, limit, offset int) (models.OrderList, error)
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) (*models.Order, error)
}

// Ensure the service keeps satisfying the handler contract.
var _ OrderService = (*orders.Service)(nil)

type OrderHandler struct {
	orders OrderService
	logger *zap.Logger
}

func NewOrderHandler(svc OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orders: svc,
		logger: logger,
	}
}

// Register mounts the order routes on r.
func (h *OrderHandler) Register(r gin.IRoutes) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.PATCH("/orders/:id/status", h.UpdateOrderStatus)
	r.GET("/users/:id/orders", h.ListUserOrders)
}

// CreateOrder starts the order saga
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetOrder returns a single order
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, ok := parseID(c, "invalid order ID")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// ListUserOrders returns one page of a user's orders
func (h *OrderHandler) ListUserOrders(c *gin.Context) {
	userID, ok := parseID(c, "invalid user ID")
	if !ok {
		return
	}

	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	list, err := h.orders.ListUserOrders(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

// UpdateOrderStatus applies an operational status change
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	id, ok := parseID(c, "invalid order ID")
	if !ok {
		return
	}

	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.UpdateOrderStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": order.ID,
		"status":   order.Status,
		"message":  "Order status updated to " + string(order.Status),
	})
}

func (h *OrderHandler) writeError(c *gin.Context, err error) {
	var ve *orders.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, models.ErrPaymentSettled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Error("request timed out", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func parseID(c *gin.Context, msg string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
