package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	appcheckout "github.com/kuldeep-zigg/wendor-placement/internal/application/checkout"
	appvend "github.com/kuldeep-zigg/wendor-placement/internal/application/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/cart"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/checkout"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type CartService interface {
	AddToCart(ctx context.Context, productID int64, quantity int) (*cart.Snapshot, error)
	ClearCart(ctx context.Context) error
	Cart() *cart.Snapshot
}

type CheckoutService interface {
	Prepare(ctx context.Context) (*checkout.Order, error)
	Confirm(ctx context.Context, in appcheckout.ConfirmInput) (*checkout.ConfirmResult, error)
}

type DispenseService interface {
	List(ctx context.Context, status dispense.Status) ([]*dispense.Request, error)
	Retry(ctx context.Context, id string) (*dispense.Request, error)
	Refund(ctx context.Context, id string) (*dispense.Request, error)
}

type Catalog interface {
	List(ctx context.Context) ([]*catalog.Product, error)
	AdjustStock(ctx context.Context, id int64, delta int) (*catalog.Product, error)
}

type VendStatus interface {
	Snapshot() appvend.Observed
}

// Deps lists the services behind the REST API. Metrics, when set, is served on /metrics.
type Deps struct {
	Cart      CartService
	Checkout  CheckoutService
	Dispenses DispenseService
	Catalog   Catalog
	Vend      VendStatus
	Metrics   http.Handler
}

type Handler struct {
	deps Deps
	log  observability.Logger

	httpRequests observability.Counter
	httpDuration observability.Histogram
}

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerKioskID        = "X-Kiosk-ID"
	tracerName           = "vendkiosk.http"
)

func NewHandler(deps Deps, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		deps:         deps,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		httpRequests: tel.Metrics().Counter(observability.MHTTPRequests),
		httpDuration: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Trace → ObservabilityMiddleware (request logger) → HTTP metrics → Access log → Handler
	h.muxHandle(mux, http.MethodGet, "/cart", h.handleCart)
	h.muxHandle(mux, http.MethodPost, "/cart/add", h.handleCartAdd)
	h.muxHandle(mux, http.MethodPost, "/cart/clear", h.handleCartClear)
	h.muxHandle(mux, http.MethodPost, "/checkout/prepare", h.handlePrepare)
	h.muxHandle(mux, http.MethodPost, "/checkout/confirm", h.handleConfirm)
	h.muxHandle(mux, http.MethodGet, "/checkout/dispenses", h.handleDispenses)
	h.muxHandle(mux, http.MethodPost, "/checkout/dispenses/retry", h.handleDispenseRetry)
	h.muxHandle(mux, http.MethodPost, "/checkout/dispenses/refund", h.handleDispenseRefund)
	h.muxHandle(mux, http.MethodGet, "/products", h.handleProducts)
	h.muxHandle(mux, http.MethodPost, "/products/adjust", h.handleProductAdjust)
	h.muxHandle(mux, http.MethodGet, "/vend/status", h.handleVendStatus)
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)
	if h.deps.Metrics != nil {
		mux.Handle("/metrics", h.deps.Metrics)
	}

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			func(r *http.Request) string { return r.Header.Get(headerKioskID) },
		)(
			h.withHTTPMetrics(
				h.withAccessLog(http.HandlerFunc(handler)),
			),
		),
	)
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", errors.New("method not allowed"))
			return
		}

		// Store stable route template for low-cardinality labels
		ctx := contextWithRoute(r.Context(), route)
		wrapped.ServeHTTP(w, r.WithContext(ctx))
	})
}

type addToCartRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

func (h *Handler) handleCart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toCartResponse(h.deps.Cart.Cart()))
}

func (h *Handler) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	var req addToCartRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	snap, err := h.deps.Cart.AddToCart(r.Context(), req.ProductID, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResponse(snap))
}

func (h *Handler) handleCartClear(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Cart.ClearCart(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	order, err := h.deps.Checkout.Prepare(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type confirmRequest struct {
	OrderID string `json:"orderId"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.deps.Checkout.Confirm(r.Context(), appcheckout.ConfirmInput{OrderID: req.OrderID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfirmResponse(res))
}

func (h *Handler) handleDispenses(w http.ResponseWriter, r *http.Request) {
	status := dispense.Status(r.URL.Query().Get("status"))
	switch status {
	case "", dispense.StatusPending, dispense.StatusDelivered, dispense.StatusExhausted, dispense.StatusRefunded:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("unknown dispense status"))
		return
	}
	list, err := h.deps.Dispenses.List(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]dispenseResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDispenseResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispenses": out})
}

type dispenseActionRequest struct {
	DispenseID string `json:"dispenseId"`
}

func (h *Handler) handleDispenseRetry(w http.ResponseWriter, r *http.Request) {
	h.dispenseAction(w, r, h.deps.Dispenses.Retry)
}

func (h *Handler) handleDispenseRefund(w http.ResponseWriter, r *http.Request) {
	h.dispenseAction(w, r, h.deps.Dispenses.Refund)
}

func (h *Handler) dispenseAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) (*dispense.Request, error)) {
	var req dispenseActionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.DispenseID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("dispenseId is required"))
		return
	}
	d, err := action(r.Context(), req.DispenseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDispenseResponse(d))
}

func (h *Handler) handleProducts(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Catalog.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]productResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toProductResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

type adjustStockRequest struct {
	ProductID int64 `json:"productId"`
	Delta     int   `json:"delta"`
}

func (h *Handler) handleProductAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Delta == 0 || req.Delta > catalog.MaxStock || req.Delta < -catalog.MaxStock {
		writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Errorf("delta must be non-zero with magnitude at most %d", catalog.MaxStock))
		return
	}
	p, err := h.deps.Catalog.AdjustStock(r.Context(), req.ProductID, req.Delta)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logctx.FromOr(r.Context(), h.log).Info("stock_adjusted",
		observability.F("product_id", p.ID),
		observability.F("delta", req.Delta),
		observability.F("stock", p.StockCount),
	)
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (h *Handler) handleVendStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toVendStatusResponse(h.deps.Vend.Snapshot()))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer(tracerName)
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := r.Method + " " + route
		if route == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using injected vectors.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		labels := []observability.Label{
			observability.L("method", r.Method),
			observability.L("route", routeFromContext(r.Context())),
			observability.L("status", strconv.Itoa(lrw.status)),
		}
		h.httpRequests.Add(1, labels...)
		h.httpDuration.Observe(time.Since(start).Seconds(), labels...)
	})
}

// decodeJSON decodes the body into dst; optional bodies may be empty.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && strings.TrimSpace(route) != "" {
		return route
	}
	return "unknown"
}
