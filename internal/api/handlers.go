package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xtrntr/auction/internal/auction"
	"github.com/xtrntr/auction/internal/models"
	"go.uber.org/zap"
)

// Intake is the order intake engine as seen by the HTTP layer
type Intake interface {
	SubmitOrders(ctx context.Context, key string, submittedAt time.Time, inputs []models.OrderInput) (auction.SubmitResult, error)
	QueryOrders(ctx context.Context, key string, deliveryDate time.Time, slot *int) ([]models.OrderStatus, error)
	MarketIndex(ctx context.Context, start, end time.Time) ([]models.ReferencePrice, error)
	ImbalancePrices(ctx context.Context, start, end time.Time) ([]models.ImbalancePrice, error)
}

// Pinger checks storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Intake   Intake
	DB       Pinger
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(intake Intake, db Pinger, logger *zap.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		Intake:   intake,
		DB:       db,
		validate: v,
		now:      time.Now,
		logger:   logger.Named("api"),
	}
}

// number accepts a JSON number or a string holding one
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	*n = number(f)
	return nil
}

type orderRequest struct {
	ApplyingDate string  `json:"applying_date" validate:"required"`
	HourID       *int    `json:"hour_ID" validate:"required"`
	Type         string  `json:"type" validate:"required"`
	Volume       *number `json:"volume" validate:"required"`
	Price        *number `json:"price" validate:"required"`
}

type submitRequest struct {
	Key    string         `json:"key" validate:"required"`
	Orders []orderRequest `json:"orders" validate:"required,dive"`
}

type submitResponse struct {
	Accepted int    `json:"accepted"`
	Message  string `json:"message"`
}

type orderResponse struct {
	OrderID      int64     `json:"order_id"`
	KeyID        int64     `json:"key_id"`
	Timestamp    time.Time `json:"timestamp"`
	ApplyingDate string    `json:"applying_date"`
	HourID       int       `json:"hour_ID"`
	Type         string    `json:"type"`
	Volume       float64   `json:"volume"`
	Price        float64   `json:"price"`
	MarketPrice  *float64  `json:"market_price"`
	Accepted     *bool     `json:"accepted"`
}

type marketIndexResponse struct {
	Date   string  `json:"date"`
	Period int     `json:"period"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

type imbalancePriceResponse struct {
	Date   string  `json:"date"`
	Period int     `json:"period"`
	Price  float64 `json:"price"`
}

// SubmitOrders handles a batch of orders. The submission time is the
// server clock at receipt.
func (h *Handler) SubmitOrders(w http.ResponseWriter, r *http.Request) {
	submittedAt := h.now()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	inputs := make([]models.OrderInput, 0, len(req.Orders))
	for i, o := range req.Orders {
		date, err := models.ParseDate(o.ApplyingDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("order %d: %v", i, err))
			return
		}
		inputs = append(inputs, models.OrderInput{
			DeliveryDate: date,
			Slot:         *o.HourID,
			Side:         o.Type,
			Volume:       float64(*o.Volume),
			Price:        float64(*o.Price),
		})
	}

	result, err := h.Intake.SubmitOrders(r.Context(), req.Key, submittedAt, inputs)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{Accepted: result.Accepted, Message: result.Message})
}

// GetOrders returns the caller's orders for one delivery date with their
// acceptance. An unknown key yields a JSON null instead of a list.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	date, err := models.ParseDate(q.Get("applying_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An absent or zero hour_ID selects every slot of the day
	var slot *int
	if s := q.Get("hour_ID"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid hour_ID")
			return
		}
		if n != 0 {
			slot = &n
		}
	}

	statuses, err := h.Intake.QueryOrders(r.Context(), q.Get("key"), date, slot)
	if errors.Is(err, auction.ErrUnknownKey) {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	resp := make([]orderResponse, 0, len(statuses))
	for _, s := range statuses {
		resp = append(resp, orderResponse{
			OrderID:      s.ID,
			KeyID:        s.KeyID,
			Timestamp:    s.SubmittedAt,
			ApplyingDate: s.DeliveryDate.Format(models.DateLayout),
			HourID:       s.Slot,
			Type:         string(s.Side),
			Volume:       s.Volume,
			Price:        s.Price,
			MarketPrice:  s.ReferencePrice,
			Accepted:     s.Accepted,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarketIndex returns market index rows for [start, end)
func (h *Handler) GetMarketIndex(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	prices, err := h.Intake.MarketIndex(r.Context(), start, end)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	resp := make([]marketIndexResponse, 0, len(prices))
	for _, p := range prices {
		resp = append(resp, marketIndexResponse{Date: p.Date.Format(models.DateLayout), Period: p.Slot, Price: p.Price, Volume: p.Volume})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetImbalancePrices returns imbalance prices for [start, end)
func (h *Handler) GetImbalancePrices(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	prices, err := h.Intake.ImbalancePrices(r.Context(), start, end)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	resp := make([]imbalancePriceResponse, 0, len(prices))
	for _, p := range prices {
		resp = append(resp, imbalancePriceResponse{Date: p.Date.Format(models.DateLayout), Period: p.Slot, Price: p.Price})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health reports whether the database is reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseRange(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	q := r.URL.Query()
	start, err := models.ParseDate(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start: expected YYYY-MM-DD")
		return start, end, false
	}
	end, err = models.ParseDate(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end: expected YYYY-MM-DD")
		return start, end, false
	}
	return start, end, true
}

func (h *Handler) writeIntakeError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auction.ErrUnknownKey):
		writeError(w, http.StatusUnauthorized, "Unknown key")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled")
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "Invalid request body"
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is submitRequest.orders[0].hour_ID; drop the struct name
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		fields = append(fields, ns)
	}
	return "Missing or invalid fields: " + strings.Join(fields, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
