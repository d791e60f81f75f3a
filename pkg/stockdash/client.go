// Package stockdash is the Go SDK for the stock-data service. It issues typed
// GET requests and decodes the JSON responses; it never retries.
package stockdash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stockdash/internal/domain"
)

// DefaultLimit is the gainers/losers limit used when none is given.
const DefaultLimit = 5

// Ack is the opaque acknowledgment returned by TriggerPopulate.
type Ack = json.RawMessage

// Client provides a Go SDK for interacting with the stock-data service API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new stock-data API client rooted at baseURL
// (e.g. "http://localhost:8000").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// BaseURL returns the service root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchAllStocks retrieves every stock the service knows about.
func (c *Client) FetchAllStocks(ctx context.Context) ([]domain.Stock, error) {
	var out []domain.Stock
	if err := c.get(ctx, "FetchAllStocks", "/api/v1/stocks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchStock retrieves a single stock by symbol.
func (c *Client) FetchStock(ctx context.Context, symbol string) (domain.Stock, error) {
	const op = "FetchStock"
	var out domain.Stock
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return out, &ServiceError{Op: op, Status: http.StatusBadRequest, Message: "symbol is required"}
	}
	err := c.get(ctx, op, "/api/v1/stocks/stock/"+url.PathEscape(symbol), nil, &out)
	return out, err
}

// FetchMarketMovers retrieves the server-ranked gainers and losers.
func (c *Client) FetchMarketMovers(ctx context.Context) (domain.MarketMovers, error) {
	var out domain.MarketMovers
	err := c.get(ctx, "FetchMarketMovers", "/api/v1/stocks/market-movers", nil, &out)
	return out, err
}

// FetchTopGainers retrieves up to limit gainers (DefaultLimit when limit <= 0).
func (c *Client) FetchTopGainers(ctx context.Context, limit int) ([]domain.Stock, error) {
	return c.fetchRanked(ctx, "FetchTopGainers", "/api/v1/stocks/gainers", limit)
}

// FetchTopLosers retrieves up to limit losers (DefaultLimit when limit <= 0).
func (c *Client) FetchTopLosers(ctx context.Context, limit int) ([]domain.Stock, error) {
	return c.fetchRanked(ctx, "FetchTopLosers", "/api/v1/stocks/losers", limit)
}

func (c *Client) fetchRanked(ctx context.Context, op, path string, limit int) ([]domain.Stock, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var out []domain.Stock
	if err := c.get(ctx, op, path, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHistorical retrieves the daily close series for symbol over period.
// An unsupported period fails with a *ServiceError before any request is sent.
func (c *Client) FetchHistorical(ctx context.Context, symbol string, period domain.Period) ([]domain.HistoricalPoint, error) {
	const op = "FetchHistorical"
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, &ServiceError{Op: op, Status: http.StatusBadRequest, Message: "symbol is required"}
	}
	if !period.Valid() {
		return nil, &ServiceError{Op: op, Status: http.StatusUnprocessableEntity, Message: fmt.Sprintf("unsupported period %q", period)}
	}

	q := url.Values{"period": {string(period)}}
	var out []domain.HistoricalPoint
	if err := c.get(ctx, op, "/api/v1/historical/"+url.PathEscape(symbol), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerPopulate asks the service to (re)ingest stock data. limit is sent
// only when positive. The acknowledgment is returned unparsed.
func (c *Client) TriggerPopulate(ctx context.Context, limit int) (Ack, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out json.RawMessage
	if err := c.get(ctx, "TriggerPopulate", "/api/v1/stocks/populate-stocks", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// get sends GET baseURL+path?query and decodes a 2xx JSON body into out.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &ServiceError{Op: op, Status: resp.StatusCode, Message: errorMessage(body)}
	}

	if err := decodeStrict(body, out); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

// decodeStrict unmarshals body into out, rejecting empty bodies and
// top-level nulls for collection responses.
func decodeStrict(body []byte, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty body")
	}
	if raw, ok := out.(*json.RawMessage); ok {
		if !json.Valid(trimmed) {
			return fmt.Errorf("invalid JSON")
		}
		*raw = append((*raw)[:0], trimmed...)
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("unexpected null body")
	}
	return json.Unmarshal(trimmed, out)
}

// errorMessage extracts the failure message from a FastAPI-style
// {"detail": ...} or {"error": ...} body.
func errorMessage(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if payload.Error != "" {
		return payload.Error
	}
	if len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		// Validation errors carry a list of objects; keep them verbatim.
		return string(payload.Detail)
	}
	return ""
}
