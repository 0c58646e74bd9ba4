package httppresentation

import (
	"errors"
	"net/http"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/application/ledger"
	appvend "github.com/kuldeep-zigg/wendor-placement/internal/application/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/cart"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/checkout"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
)

type errorResponse struct {
	Error     string  `json:"error"`
	Message   string  `json:"message"`
	ProductID int64   `json:"productId,omitempty"`
	Available *int    `json:"available,omitempty"`
	InCart    *int    `json:"inCart,omitempty"`
	Requested *int    `json:"requested,omitempty"`
	InFlight  []int64 `json:"inFlight,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

// writeDomainError maps the error taxonomy onto status codes and stable codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var stock *catalog.InsufficientStockError
	if errors.As(err, &stock) {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient_stock",
			Message:   err.Error(),
			ProductID: stock.ProductID,
			Available: &stock.Available,
			InCart:    &stock.InCart,
			Requested: &stock.Requested,
		})
		return
	}
	var busy *vend.BusyError
	if errors.As(err, &busy) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:    "busy",
			Message:  err.Error(),
			InFlight: busy.InFlight,
		})
		return
	}

	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "product_not_found", err)
	case errors.Is(err, dispense.ErrNotFound):
		writeError(w, http.StatusNotFound, "dispense_not_found", err)
	case errors.Is(err, catalog.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient_stock", err)
	case errors.Is(err, vend.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "busy", err)
	case errors.Is(err, vend.ErrLinkUnavailable):
		writeError(w, http.StatusServiceUnavailable, "link_unavailable", err)
	case errors.Is(err, ledger.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "ledger_busy", err)
	case errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, catalog.ErrInvalidQuantity),
		errors.Is(err, catalog.ErrInvalidProduct),
		errors.Is(err, catalog.ErrStockLimit),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, vend.ErrInvalidItems):
		writeError(w, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, dispense.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, dispense.ErrReconciliationRequired):
		writeError(w, http.StatusConflict, "reconciliation_required", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

type cartLineResponse struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type cartResponse struct {
	Items      []cartLineResponse `json:"items"`
	TotalUnits int                `json:"totalUnits"`
	UpdatedAt  *time.Time         `json:"updatedAt,omitempty"`
}

func toCartLines(lines []cart.Line) []cartLineResponse {
	out := make([]cartLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, cartLineResponse{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}

func toCartResponse(s *cart.Snapshot) cartResponse {
	if s == nil {
		return cartResponse{Items: []cartLineResponse{}}
	}
	resp := cartResponse{Items: toCartLines(s.Lines), TotalUnits: s.Units()}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

type orderLineResponse struct {
	ProductID int64  `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

type orderResponse struct {
	OrderID    string              `json:"orderId"`
	Items      []orderLineResponse `json:"items"`
	Total      string              `json:"total"`
	PreparedAt time.Time           `json:"preparedAt"`
}

func toOrderResponse(o *checkout.Order) orderResponse {
	items := make([]orderLineResponse, 0, len(o.Items))
	for _, l := range o.Items {
		items = append(items, orderLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
			LineTotal: l.LineTotal.StringFixed(2),
		})
	}
	return orderResponse{
		OrderID:    o.ID,
		Items:      items,
		Total:      o.Total.StringFixed(2),
		PreparedAt: o.PreparedAt,
	}
}

type confirmResponse struct {
	DeductedLines    []cartLineResponse `json:"deductedLines"`
	DispatchedToVend bool               `json:"dispatchedToVend"`
	DispenseID       string             `json:"dispenseId"`
	Items            []int64            `json:"items"`
}

func toConfirmResponse(r *checkout.ConfirmResult) confirmResponse {
	items := r.Items
	if items == nil {
		items = []int64{}
	}
	return confirmResponse{
		DeductedLines:    toCartLines(r.DeductedLines),
		DispatchedToVend: r.DispatchedToVend,
		DispenseID:       r.DispenseID,
		Items:            items,
	}
}

type dispenseResponse struct {
	DispenseID string    `json:"dispenseId"`
	OrderID    string    `json:"orderId"`
	Items      []int64   `json:"items"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toDispenseResponse(d *dispense.Request) dispenseResponse {
	return dispenseResponse{
		DispenseID: d.ID,
		OrderID:    d.OrderID,
		Items:      d.Items,
		Status:     string(d.Status),
		Attempts:   d.Attempts,
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

type productResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	UnitPrice  string `json:"unitPrice"`
	StockCount int    `json:"stockCount"`
	Active     bool   `json:"active"`
}

func toProductResponse(p *catalog.Product) productResponse {
	return productResponse{
		ID:         p.ID,
		Name:       p.Name,
		UnitPrice:  p.UnitPrice.StringFixed(2),
		StockCount: p.StockCount,
		Active:     p.Active,
	}
}

type vendStatusResponse struct {
	Connected bool       `json:"connected"`
	State     string     `json:"state"`
	CycleID   string     `json:"cycleId,omitempty"`
	Items     []int64    `json:"items"`
	Elapsed   int64      `json:"elapsed"`
	LastEvent string     `json:"lastEvent,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func toVendStatusResponse(o appvend.Observed) vendStatusResponse {
	items := o.Items
	if items == nil {
		items = []int64{}
	}
	state := string(o.State)
	if state == "" {
		state = "unknown"
	}
	resp := vendStatusResponse{
		Connected: o.Connected,
		State:     state,
		CycleID:   o.CycleID,
		Items:     items,
		Elapsed:   o.ElapsedMS,
		LastEvent: string(o.LastEvent),
	}
	if !o.UpdatedAt.IsZero() {
		t := o.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}
