// Package remote is the HTTP client for the cart REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/cartsync/internal/domain"
	"github.com/fjod/cartsync/pkg/circuitbreaker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx answer from the cart API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cart api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("cart api returned %d: %s", e.StatusCode, e.Message)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type AddItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type UpdateQuantityRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type UpdateSizeRequest struct {
	ProductID int64  `json:"productId"`
	Size      string `json:"size"`
}

type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

type Option func(*clientOptions)

type clientOptions struct {
	log     logrus.FieldLogger
	breaker circuitbreaker.Settings
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *clientOptions) { o.log = log }
}

// WithBreaker overrides the failure threshold and open timeout of the
// client's circuit breaker.
func WithBreaker(failureThreshold uint32, openTimeout time.Duration) Option {
	return func(o *clientOptions) {
		o.breaker.FailureThreshold = failureThreshold
		o.breaker.OpenTimeout = openTimeout
	}
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	o := clientOptions{
		log:     logrus.StandardLogger(),
		breaker: circuitbreaker.Settings{Name: "cart-api", IsFailure: isServerFailure},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		breaker: circuitbreaker.New[*http.Response](o.breaker, o.log),
	}
}

// isServerFailure counts transport errors and 5xx answers. Client errors
// and cancellations by the caller say nothing about the API's health.
func isServerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// GetCart returns the user's cart, or nil when the user has none.
func (c *Client) GetCart(ctx context.Context, token string) (*domain.CartSnapshot, error) {
	return c.snapshot(ctx, http.MethodGet, "/cart", token, nil)
}

func (c *Client) AddItem(ctx context.Context, token string, productID int64, quantity int) (*domain.CartSnapshot, error) {
	return c.snapshot(ctx, http.MethodPost, "/cart/add", token, AddItemRequest{ProductID: productID, Quantity: quantity})
}

func (c *Client) RemoveItem(ctx context.Context, token string, productID int64) (*domain.CartSnapshot, error) {
	return c.snapshot(ctx, http.MethodDelete, fmt.Sprintf("/cart/remove/%d", productID), token, nil)
}

func (c *Client) UpdateQuantity(ctx context.Context, token string, productID int64, quantity int) (*domain.CartSnapshot, error) {
	return c.snapshot(ctx, http.MethodPut, "/cart/quantity", token, UpdateQuantityRequest{ProductID: productID, Quantity: quantity})
}

func (c *Client) UpdateSize(ctx context.Context, token string, productID int64, size string) (*domain.CartSnapshot, error) {
	return c.snapshot(ctx, http.MethodPut, "/cart/size", token, UpdateSizeRequest{ProductID: productID, Size: size})
}

func (c *Client) ClearCart(ctx context.Context, token string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/cart/clear", token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) snapshot(ctx context.Context, method, path, token string, body interface{}) (*domain.CartSnapshot, error) {
	resp, err := c.do(ctx, method, path, token, body)
	if err != nil {
		var apiErr *APIError
		if method == http.MethodGet && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s response", method, path)
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}

	var snap domain.CartSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return &snap, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", method, path)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var er errorResponse
			if json.NewDecoder(resp.Body).Decode(&er) == nil {
				apiErr.Code = er.Code
				apiErr.Message = er.Error
			}
			return nil, apiErr
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, err
}
