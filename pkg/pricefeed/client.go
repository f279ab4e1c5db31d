// Package pricefeed talks to the upstream market data API (Twelve Data compatible).
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.twelvedata.com"

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Feed is what the scheduler needs from a market data source.
type Feed interface {
	CurrentPrice(ctx context.Context, instrument string) (float64, error)
	TimeSeries(ctx context.Context, instrument, interval string, count int) ([]Candle, error)
}

// Client is a rate-limited REST client shared by every tenant.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit caps upstream calls at perMinute requests per minute.
func WithRateLimit(perMinute int, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
}

// NewClient creates a new price feed client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(8.0/60.0), 8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type priceResponse struct {
	apiError
	Price string `json:"price"`
}

type seriesValue struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

type seriesResponse struct {
	apiError
	Values []seriesValue `json:"values"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	params.Set("apikey", c.apiKey)
	fullURL := fmt.Sprintf("%s/%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return nil
}

// CurrentPrice returns the latest traded price of instrument.
func (c *Client) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", instrument)

	var resp priceResponse
	if err := c.get(ctx, "price", params, &resp); err != nil {
		return 0, err
	}
	if resp.Status == "error" {
		return 0, fmt.Errorf("price feed error %d: %s", resp.Code, resp.Message)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", resp.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("price feed returned non-positive price for %s", instrument)
	}
	return price, nil
}

// TimeSeries returns the last count bars of instrument at interval, oldest first.
func (c *Client) TimeSeries(ctx context.Context, instrument, interval string, count int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("interval", interval)
	params.Set("outputsize", strconv.Itoa(count))
	params.Set("timezone", "UTC")

	var resp seriesResponse
	if err := c.get(ctx, "time_series", params, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("price feed error %d: %s", resp.Code, resp.Message)
	}

	candles := make([]Candle, 0, len(resp.Values))
	for _, v := range resp.Values {
		candle, err := v.toCandle()
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func (v seriesValue) toCandle() (Candle, error) {
	ts, err := parseDatetime(v.Datetime)
	if err != nil {
		return Candle{}, err
	}

	var c Candle
	c.Time = ts
	fields := []struct {
		raw string
		dst *float64
	}{
		{v.Open, &c.Open},
		{v.High, &c.High},
		{v.Low, &c.Low},
		{v.Close, &c.Close},
	}
	for _, f := range fields {
		n, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("failed to parse candle value %q: %w", f.raw, err)
		}
		*f.dst = n
	}
	// forex and metals carry no volume
	if v.Volume != "" {
		c.Volume, _ = strconv.ParseFloat(v.Volume, 64)
	}
	return c, nil
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse candle datetime %q", s)
}
