// Package auction implements order intake for the day-ahead auction:
// validation, gate closure and the acceptance of orders against the
// published market index.
package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/auction/internal/models"

	"go.uber.org/zap"
)

// ErrUnknownKey is returned when an API key was never registered
var ErrUnknownKey = errors.New("unknown key")

// DefaultCutoffHour is the hour on the day before delivery at which the
// gate closes
const DefaultCutoffHour = 9

// KeyResolver maps an API key to its identity
type KeyResolver interface {
	Resolve(ctx context.Context, key string) (int64, bool, error)
}

// Ledger is the append-only order store
type Ledger interface {
	AppendOrders(ctx context.Context, orders []models.Order) ([]models.Order, error)
	GetOrdersWithPrices(ctx context.Context, keyID int64, date time.Time, slot *int) ([]models.PricedOrder, error)
}

// PriceReader reads stored reference prices
type PriceReader interface {
	GetMarketIndex(ctx context.Context, start, end time.Time) ([]models.ReferencePrice, error)
	GetImbalancePrices(ctx context.Context, start, end time.Time) ([]models.ImbalancePrice, error)
}

// Recorder observes intake outcomes
type Recorder interface {
	OrdersSubmitted(accepted, late int)
	OrdersRejected()
}

type nopRecorder struct{}

func (nopRecorder) OrdersSubmitted(int, int) {}
func (nopRecorder) OrdersRejected()          {}

// SubmitResult reports how many orders of a batch were stored
type SubmitResult struct {
	Accepted int
	Message  string
}

// Engine validates, gates and stores orders and answers order queries
type Engine struct {
	keys       KeyResolver
	ledger     Ledger
	prices     PriceReader
	cutoffHour int
	location   *time.Location
	recorder   Recorder
	logger     *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithCutoff sets the gate closure hour and the time zone it is expressed in
func WithCutoff(hour int, loc *time.Location) Option {
	return func(e *Engine) {
		e.cutoffHour = hour
		e.location = loc
	}
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// NewEngine creates an engine. Gate closure defaults to 09:00 UTC.
func NewEngine(keys KeyResolver, ledger Ledger, prices PriceReader, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		keys:       keys,
		ledger:     ledger,
		prices:     prices,
		cutoffHour: DefaultCutoffHour,
		location:   time.UTC,
		recorder:   nopRecorder{},
		logger:     logger.Named("auction"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deadline returns the gate closure instant for a delivery date: the
// cutoff hour on the previous day.
func (e *Engine) Deadline(deliveryDate time.Time) time.Time {
	y, m, d := deliveryDate.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, e.cutoffHour, 0, 0, 0, e.location)
}

// OnTime reports whether an order submitted at submittedAt for
// deliveryDate was received before gate closure
func (e *Engine) OnTime(submittedAt, deliveryDate time.Time) bool {
	return submittedAt.Before(e.Deadline(deliveryDate))
}

// SubmitOrders validates a batch of orders for the owner of key and stores
// the ones received before gate closure. A single malformed order rejects
// the whole batch. Late orders are dropped and reported in the message.
func (e *Engine) SubmitOrders(ctx context.Context, key string, submittedAt time.Time, inputs []models.OrderInput) (SubmitResult, error) {
	keyID, ok, err := e.keys.Resolve(ctx, key)
	if err != nil {
		return SubmitResult{}, err
	}
	if !ok {
		e.recorder.OrdersRejected()
		return SubmitResult{}, ErrUnknownKey
	}

	orders := make([]models.Order, 0, len(inputs))
	for i, in := range inputs {
		order, err := in.Build(keyID, submittedAt)
		if err != nil {
			e.recorder.OrdersRejected()
			return SubmitResult{}, fmt.Errorf("order %d: %w", i, err)
		}
		orders = append(orders, order)
	}

	onTime := orders[:0]
	for _, o := range orders {
		if e.OnTime(submittedAt, o.DeliveryDate) {
			onTime = append(onTime, o)
		}
	}

	if len(onTime) > 0 {
		if _, err := e.ledger.AppendOrders(ctx, onTime); err != nil {
			return SubmitResult{}, err
		}
	}

	result := SubmitResult{Accepted: len(onTime)}
	late := len(inputs) - len(onTime)
	if late > 0 {
		result.Message = fmt.Sprintf("rejected %d orders because of time limit;", late)
	}

	e.recorder.OrdersSubmitted(result.Accepted, late)
	e.logger.Info("Written orders",
		zap.Int64("key_id", keyID),
		zap.Int("accepted", result.Accepted),
		zap.Int("late", late))
	return result, nil
}

// QueryOrders returns the orders of the owner of key for a delivery date,
// optionally one slot, each decorated with its acceptance. The result is
// empty, never nil, when nothing matches.
func (e *Engine) QueryOrders(ctx context.Context, key string, deliveryDate time.Time, slot *int) ([]models.OrderStatus, error) {
	keyID, ok, err := e.keys.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownKey
	}
	if slot != nil && !models.ValidSlot(*slot) {
		return nil, &models.ValidationError{Field: "hour_ID", Reason: fmt.Sprintf("must be between %d and %d, got %d", models.MinSlot, models.MaxSlot, *slot)}
	}

	rows, err := e.ledger.GetOrdersWithPrices(ctx, keyID, models.Date(deliveryDate), slot)
	if err != nil {
		return nil, err
	}

	statuses := make([]models.OrderStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, models.NewOrderStatus(row.Order, row.ReferencePrice))
	}

	e.logger.Debug("Read orders", zap.Int64("key_id", keyID), zap.Int("count", len(statuses)))
	return statuses, nil
}

// MarketIndex returns stored market index rows with start <= date < end
func (e *Engine) MarketIndex(ctx context.Context, start, end time.Time) ([]models.ReferencePrice, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return e.prices.GetMarketIndex(ctx, start, end)
}

// ImbalancePrices returns stored imbalance prices with start <= date < end
func (e *Engine) ImbalancePrices(ctx context.Context, start, end time.Time) ([]models.ImbalancePrice, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return e.prices.GetImbalancePrices(ctx, start, end)
}

func checkRange(start, end time.Time) error {
	if !end.After(start) {
		return &models.ValidationError{Field: "end", Reason: "must be after start"}
	}
	return nil
}
