// Package binance adapts the Binance spot REST API and bookTicker stream to
// the exchange capability interface.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRESTURL = "https://api.binance.com"
	testnetRESTURL = "https://testnet.binance.vision"
	defaultWSURL   = "wss://stream.binance.com:9443/ws"
	testnetWSURL   = "wss://testnet.binance.vision/ws"
)

var routes = map[string]string{
	"api.ping":         "/api/v3/ping",
	"api.depth":        "/api/v3/depth",
	"api.ticker.price": "/api/v3/ticker/price",
	"api.klines":       "/api/v3/klines",
	"api.order":        "/api/v3/order",
	"api.account":      "/api/v3/account",
}

// Error codes returned by the API for unknown orders.
const (
	codeUnknownOrder   = -2011 // cancel rejected: unknown order
	codeNoSuchOrder    = -2013 // order does not exist
	defaultRecvWindow  = 5000
	defaultHTTPTimeout = 7 * time.Second
)

// APIError is the error body returned by the REST API.
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d code %d: %s", e.Status, e.Code, e.Msg)
}

// client is the signed REST transport.
type client struct {
	apiKey    string
	apiSecret string
	rootURL   string
	debug     bool

	httpClient *http.Client
	now        func() time.Time
}

func newClient(cfg Config) *client {
	root := cfg.RESTURL
	if root == "" {
		root = defaultRESTURL
		if cfg.Testnet {
			root = testnetRESTURL
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		rootURL:    strings.TrimRight(root, "/"),
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *client) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("binance: unknown route: %s", route)
	}
	return c.rootURL + uri, nil
}

// sign appends timestamp, recvWindow and the HMAC-SHA256 signature.
func (c *client) sign(q url.Values) {
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	q.Set("recvWindow", strconv.Itoa(defaultRecvWindow))
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
}

// do performs one request and decodes the JSON body into out.
func (c *client) do(ctx context.Context, method, route string, params url.Values, signed bool, out any) error {
	fullURL, err := c.buildURL(route)
	if err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		c.sign(params)
	}

	var body io.Reader
	reqURL := fullURL
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	if c.debug {
		log.Printf("[binance] request: %s %s", method, route)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance: read %s: %w", route, err)
	}

	if c.debug {
		log.Printf("[binance] response: code=%d body=%s", resp.StatusCode, string(raw))
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("binance: couldn't parse JSON response: %w", err)
	}
	return nil
}

func isUnknownOrder(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeUnknownOrder || apiErr.Code == codeNoSuchOrder
}

// symbol converts "BTC/USDT" to "BTCUSDT".
func symbol(instrument string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(instrument))
}
