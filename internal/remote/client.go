// Package remote talks to the authoritative catalog server.
//
// The server exposes:
//
//	GET    /api/products       active products as a JSON array
//	GET    /api/products/{id}  one product
//	POST   /api/products       create, server assigns id and timestamps
//	PUT    /api/products/{id}  update
//	DELETE /api/products/{id}  soft delete (isActive=false)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/posmirror/internal/mirror/schema"
)

const (
	productsPath       = "api/products"
	errorBodyReadLimit = 1024
	defaultTimeout     = 15 * time.Second
	defaultUserAgent   = "posmirror"
	requestIDHeader    = "X-Request-ID"
	jsonContentType    = "application/json"
)

// Client wraps the catalog server's product endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	logger     *log.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBearerToken authenticates every request with the session token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger sets the logger for request activity.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a catalog client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("remote base URL is required")
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", baseURL)
	}

	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    trimmed,
		userAgent:  defaultUserAgent,
		logger:     log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchAll retrieves the current authoritative product list.
//
// The whole response is decoded before returning. Any transport error,
// non-2xx status or body that is not a JSON array is reported as
// ErrFetchFailed; an empty list is only returned when the server sent [].
func (c *Client) FetchAll(ctx context.Context) ([]*schema.RemoteProduct, error) {
	resp, err := c.do(ctx, http.MethodGet, c.buildURL(productsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetchFailed, resp.StatusCode, readErrorBody(resp.Body))
	}

	products, err := decodeProductArray(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	c.logger.Printf("Fetched %d products from %s", len(products), c.baseURL)
	return products, nil
}

// Get retrieves a single product by id.
// Returns ErrNotFound when the server answers 404.
func (c *Client) Get(ctx context.Context, id string) (*schema.RemoteProduct, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("product id is required")
	}

	resp, err := c.do(ctx, http.MethodGet, c.productURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to get product %s: status %d: %s", id, resp.StatusCode, readErrorBody(resp.Body))
	}

	var product schema.RemoteProduct
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", id, err)
	}
	return &product, nil
}

// Create sends a new product to the server and returns the stored record.
func (c *Client) Create(ctx context.Context, in schema.ProductInput) (*schema.RemoteProduct, error) {
	var product schema.RemoteProduct
	if err := c.mutate(ctx, OpCreate, "", http.MethodPost, c.buildURL(productsPath), in, &product); err != nil {
		return nil, err
	}
	c.logger.Printf("Created product %s (%s)", product.ID, product.SKU)
	return &product, nil
}

// Update replaces a product's editable fields on the server.
func (c *Client) Update(ctx context.Context, id string, in schema.ProductInput) (*schema.RemoteProduct, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &MutationError{Op: OpUpdate, Message: "product id is required"}
	}

	var product schema.RemoteProduct
	if err := c.mutate(ctx, OpUpdate, id, http.MethodPut, c.productURL(id), in, &product); err != nil {
		return nil, err
	}
	c.logger.Printf("Updated product %s", id)
	return &product, nil
}

// Deactivate deletes a product. The server keeps the row and clears its
// active flag, so it disappears from FetchAll.
func (c *Client) Deactivate(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &MutationError{Op: OpDelete, Message: "product id is required"}
	}

	if err := c.mutate(ctx, OpDelete, id, http.MethodDelete, c.productURL(id), nil, nil); err != nil {
		return err
	}
	c.logger.Printf("Deactivated product %s", id)
	return nil
}

// mutate performs a write request. out may be nil when the response body is
// not needed.
func (c *Client) mutate(ctx context.Context, op Op, id, method, target string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &MutationError{Op: op, ID: id, Message: "failed to encode request", Err: err}
		}
		payload = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, target, payload)
	if err != nil {
		return &MutationError{Op: op, ID: id, Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &MutationError{Op: op, ID: id, StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &MutationError{Op: op, ID: id, StatusCode: resp.StatusCode, Message: "failed to decode response", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(path, "/"))
}

func (c *Client) productURL(id string) string {
	return c.buildURL(productsPath + "/" + url.PathEscape(id))
}

// decodeProductArray decodes a complete JSON array of products.
// Anything but an array, including null, is an error.
func decodeProductArray(r io.Reader) ([]*schema.RemoteProduct, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("response is not a JSON array (got %v)", tok)
	}

	products := []*schema.RemoteProduct{}
	for dec.More() {
		var p schema.RemoteProduct
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode product %d: %w", len(products), err)
		}
		products = append(products, &p)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("truncated product array: %w", err)
	}
	return products, nil
}

func readErrorBody(r io.Reader) string {
	msg, _ := io.ReadAll(io.LimitReader(r, errorBodyReadLimit))
	return strings.TrimSpace(string(msg))
}
