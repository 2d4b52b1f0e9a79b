// Package bmrs fetches market index and imbalance price reports from the
// Elexon BMRS API.
package bmrs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	marketIndexReport    = "MID/V1"
	imbalancePriceReport = "B1770/V1"

	queryDateLayout = "2006-01-02"

	baseDelay  = 1 * time.Second
	maxDelay   = 30 * time.Second
	maxRetries = 3
)

// ErrUnexpectedFormat is returned when a report does not look like the
// expected CSV
var ErrUnexpectedFormat = errors.New("unexpected report format")

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bmrs returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds the client settings
type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is a rate limited BMRS report client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	baseDelay  time.Duration
	logger     *zap.Logger
}

// NewClient creates a client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		baseDelay:  baseDelay,
		logger:     logger.Named("bmrs"),
	}
}

// MarketIndex fetches half-hourly market index data for every settlement
// date in [from, to]. Rows of the N2EXMIDP provider are dropped.
func (c *Client) MarketIndex(ctx context.Context, from, to time.Time) ([]MarketIndexRecord, error) {
	params := url.Values{
		"FromSettlementDate": {from.Format(queryDateLayout)},
		"ToSettlementDate":   {to.Format(queryDateLayout)},
		"Period":             {"*"},
	}

	var records []MarketIndexRecord
	err := c.fetch(ctx, marketIndexReport, params, func(body io.Reader) error {
		var err error
		records, err = ParseMarketIndex(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market index: %w", err)
	}

	c.logger.Debug("Fetched market index", zap.Int("records", len(records)))
	return records, nil
}

// ImbalancePrices fetches half-hourly imbalance prices for one settlement
// date
func (c *Client) ImbalancePrices(ctx context.Context, date time.Time) ([]ImbalanceRecord, error) {
	params := url.Values{
		"SettlementDate": {date.Format(queryDateLayout)},
		"Period":         {"*"},
	}

	var records []ImbalanceRecord
	err := c.fetch(ctx, imbalancePriceReport, params, func(body io.Reader) error {
		var err error
		records, err = ParseImbalancePrices(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch imbalance prices: %w", err)
	}

	c.logger.Debug("Fetched imbalance prices", zap.Int("records", len(records)))
	return records, nil
}

// fetch GETs a report and hands the body to parse, retrying transport
// errors and 5xx responses with exponential backoff
func (c *Client) fetch(ctx context.Context, report string, params url.Values, parse func(io.Reader) error) error {
	params.Set("APIKey", c.apiKey)
	params.Set("ServiceType", "csv")
	endpoint := c.baseURL + "/" + report + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(c.baseDelay, attempt-1)
			c.logger.Warn("Retrying report fetch",
				zap.String("report", report),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retry, err := c.get(ctx, endpoint, parse)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) get(ctx context.Context, endpoint string, parse func(io.Reader) error) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return false, parse(resp.Body)
}

// backoff returns baseDelay * 2^retry, capped at maxDelay
func backoff(base time.Duration, retry int) time.Duration {
	if retry > 30 {
		return maxDelay
	}
	d := base * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
