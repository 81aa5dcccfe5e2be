// Package meanrev is a Go SDK for the historical price service served by
// price-server.
package meanrev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DateLayout is the wire format of every date parameter and field.
const DateLayout = "2006-01-02"

// Client provides a Go SDK for interacting with the price-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new price service client. A nil httpClient gets a
// default client with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ClosePoint is one row of /historical_data restricted to date and close.
type ClosePoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

// Time parses the row's date.
func (p ClosePoint) Time() (time.Time, error) {
	return time.Parse(DateLayout, p.Date)
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("price service: status %d: %s", e.StatusCode, e.Message)
}

// HistoricalCloses retrieves the daily closes of ticker within [start, end].
// Zero times are omitted from the query, leaving that side unbounded.
func (c *Client) HistoricalCloses(ctx context.Context, ticker string, start, end time.Time) ([]ClosePoint, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Add("fields", "date")
	q.Add("fields", "close")
	if !start.IsZero() {
		q.Set("start", start.Format(DateLayout))
	}
	if !end.IsZero() {
		q.Set("end", end.Format(DateLayout))
	}

	var rows []ClosePoint
	if err := c.get(ctx, "/historical_data", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// AllTickers lists every ticker the service knows.
func (c *Client) AllTickers(ctx context.Context) ([]string, error) {
	var body struct {
		Tickers []string `json:"tickers"`
	}
	if err := c.get(ctx, "/all_tickers", nil, &body); err != nil {
		return nil, err
	}
	return body.Tickers, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
