package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"mall/internal/service/stock/application"
	"mall/internal/service/stock/domain"
)

// StockHandler 封装了 stock 服务的同步查询 HTTP 处理器。
// 写路径全部走消息队列，这里只暴露读接口和初始化建档接口。
type StockHandler struct {
	service *application.StockApplicationService
}

// NewStockHandler 创建一个新的 HTTP 处理器实例
func NewStockHandler(service *application.StockApplicationService) *StockHandler {
	return &StockHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *StockHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stock/get", h.handleGetStock)
	mux.HandleFunc("/stock/check", h.handleCheckStock)
	mux.HandleFunc("/stock/create", h.handleCreateStock)
}

func (h *StockHandler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	productID, err := strconv.ParseInt(r.URL.Query().Get("productId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid productId", http.StatusBadRequest)
		return
	}

	snapshot, err := h.service.GetStock(ctx, productID)
	if err != nil {
		http.Error(w, err.Error(), statusCodeOf(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *StockHandler) handleCheckStock(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	productID, err := strconv.ParseInt(r.URL.Query().Get("productId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid productId", http.StatusBadRequest)
		return
	}
	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil || quantity <= 0 {
		http.Error(w, "invalid quantity", http.StatusBadRequest)
		return
	}

	sufficient, err := h.service.CheckSufficient(ctx, productID, quantity)
	if err != nil {
		http.Error(w, err.Error(), statusCodeOf(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"productId":  productID,
		"quantity":   quantity,
		"sufficient": sufficient,
	})
}

type createStockRequest struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Total       int64  `json:"totalQuantity"`
}

// handleCreateStock 初始化商品库存档案，仅供上架流程调用。
func (h *StockHandler) handleCreateStock(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req createStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProductID <= 0 || req.Total < 0 {
		http.Error(w, "invalid productId or totalQuantity", http.StatusBadRequest)
		return
	}

	if err := h.service.CreateStockRecord(ctx, req.ProductID, req.ProductName, req.Total); err != nil {
		http.Error(w, err.Error(), statusCodeOf(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"productId": req.ProductID,
	})
}

// statusCodeOf 根据错误类型返回不同的 HTTP 状态码
func statusCodeOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
