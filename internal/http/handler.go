package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"YDCoursePurchase/internal/account"
	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/pricing"
	"YDCoursePurchase/internal/purchase"
	"YDCoursePurchase/internal/services"
	"YDCoursePurchase/internal/units"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Courses interface {
	List(ctx context.Context) ([]services.CourseView, error)
	Get(ctx context.Context, courseID string) (services.CourseView, error)
}

type Purchases interface {
	Start(courseID, price string) (purchase.Status, error)
	Status() purchase.Status
	Subscribe() (<-chan purchase.Status, func())
	Attempts(ctx context.Context, limit int) ([]models.Attempt, error)
	Summary(courseID, price string) services.AccountSummary
	Refetch(ctx context.Context) account.Display
}

type Exchange interface {
	Quote(side pricing.Side, amount string) (pricing.Quote, error)
	Rate(ctx context.Context) (pricing.Snapshot, error)
	Buy(ctx context.Context, ethAmount string) (services.ExchangeResult, error)
	Sell(ctx context.Context, tokenAmount string) (services.ExchangeResult, error)
}

type Handler struct {
	Courses   Courses
	Purchases Purchases
	Exchange  Exchange
	Log       *zap.Logger
}

func NewHandler(courses Courses, purchases Purchases, exchange Exchange, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Courses: courses, Purchases: purchases, Exchange: exchange, Log: log}
}

type purchaseRequest struct {
	CourseID string `json:"courseId"`
	Price    string `json:"price"`
}

type exchangeRequest struct {
	Amount string `json:"amount"`
}

func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	list, err := h.Courses.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "list courses failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	course, err := h.Courses.Get(r.Context(), chi.URLParam(r, "courseId"))
	if err != nil {
		h.writeServiceError(w, err, "get course failed")
		return
	}
	writeJSON(w, http.StatusOK, course)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, h.Purchases.Summary(q.Get("courseId"), q.Get("price")))
}

func (h *Handler) RefetchAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Purchases.Refetch(r.Context()))
}

func (h *Handler) StartPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	st, err := h.Purchases.Start(req.CourseID, req.Price)
	if err != nil {
		h.writeServiceError(w, err, "start purchase failed")
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (h *Handler) PurchaseStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Purchases.Status())
}

func (h *Handler) PurchaseHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	attempts, err := h.Purchases.Attempts(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err, "list purchase history failed")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quote, err := h.Exchange.Quote(pricing.Side(q.Get("side")), q.Get("amount"))
	if err != nil {
		h.writeServiceError(w, err, "quote failed")
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.Exchange.Rate(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "rate unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handler) BuyTokens(w http.ResponseWriter, r *http.Request) {
	h.exchange(w, r, h.Exchange.Buy)
}

func (h *Handler) SellTokens(w http.ResponseWriter, r *http.Request) {
	h.exchange(w, r, h.Exchange.Sell)
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request, do func(context.Context, string) (services.ExchangeResult, error)) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := do(r.Context(), req.Amount)
	if err != nil {
		h.writeServiceError(w, err, "exchange failed")
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrMissingCourseID):
		writeError(w, http.StatusBadRequest, "missing course id")
	case errors.Is(err, services.ErrMissingPrice):
		writeError(w, http.StatusBadRequest, "missing price")
	case errors.Is(err, services.ErrCourseNotFound):
		writeError(w, http.StatusNotFound, "course not found")
	case errors.Is(err, services.ErrHistoryDisabled):
		writeError(w, http.StatusServiceUnavailable, "purchase history is disabled")
	case errors.Is(err, units.ErrInvalidAmount),
		errors.Is(err, units.ErrNegativeAmount),
		errors.Is(err, units.ErrTooPrecise),
		errors.Is(err, pricing.ErrZeroAmount),
		errors.Is(err, pricing.ErrUnknownSide):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Log.Error(fallback, zap.Error(err))
		writeError(w, http.StatusBadGateway, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
