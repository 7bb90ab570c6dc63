package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"github.com/sirupsen/logrus"
)

const (
	pathSnapshot      = "/api/pos/catalog/snapshot"
	pathDelta         = "/api/pos/catalog/delta"
	pathReconcile     = "/api/pos/catalog/reconcile"
	pathSalesEvents   = "/api/pos/sales/events"
	pathMovements     = "/api/pos/inventory/movements"
	pathAdminMovement = "/api/pos/admin/inventory/movements"

	posUserTokenHeader  = "X-Pos-User-Token"
	correlationIdHeader = "X-Correlation-Id"

	// maxBodyBytes bounds what is read back from the cloud.
	maxBodyBytes = 32 << 20
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	Token       string
	TokenHeader string
	RatePerMin  int
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *logrus.Logger
}

// Client talks to the cloud POS API. Every failure it returns is a *possync.SyncError.
type Client struct {
	baseURL  string
	token    string
	tokenHdr string
	http     *http.Client
	limiter  <-chan time.Time
	logger   *logrus.Logger
}

var _ possync.CloudClient = (*Client)(nil)

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("cloud api base url is empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("cloud api base url: %w", err)
	}
	tokenHdr := strings.TrimSpace(opts.TokenHeader)
	if tokenHdr == "" {
		tokenHdr = "Authorization"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}

	c := &Client{
		baseURL:  baseURL,
		token:    strings.TrimSpace(opts.Token),
		tokenHdr: tokenHdr,
		http:     httpClient,
		logger:   logger,
	}
	if opts.RatePerMin > 0 {
		c.limiter = time.Tick(time.Minute / time.Duration(opts.RatePerMin))
	}
	return c, nil
}

// NewFromConfig builds a Client from the agent configuration.
func NewFromConfig(cfg config.AgentConfig, logger *logrus.Logger) (*Client, error) {
	return New(Options{
		BaseURL:     cfg.CloudBaseURL,
		Token:       cfg.CloudToken,
		TokenHeader: cfg.CloudTokenHeader,
		RatePerMin:  cfg.CloudRatePerMin,
		Timeout:     cfg.CloudHTTPTimeout,
		Logger:      logger,
	})
}

func (c *Client) FetchCatalogSnapshot(ctx context.Context, req possync.PageRequest) (*possync.CatalogPage, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(req.Page))
	params.Set("pageSize", strconv.Itoa(req.PageSize))
	var out possync.CatalogPage
	if err := c.doJSON(ctx, http.MethodGet, pathSnapshot, params, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchCatalogDelta(ctx context.Context, req possync.DeltaRequest) (*possync.CatalogPage, error) {
	params := url.Values{}
	if req.Since != nil && strings.TrimSpace(*req.Since) != "" {
		params.Set("since", *req.Since)
	}
	params.Set("page", strconv.Itoa(req.Page))
	params.Set("pageSize", strconv.Itoa(req.PageSize))
	var out possync.CatalogPage
	if err := c.doJSON(ctx, http.MethodGet, pathDelta, params, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReconcileCatalog(ctx context.Context, req possync.ReconcileRequest) (*possync.ReconcileResponse, error) {
	var out possync.ReconcileResponse
	if err := c.doJSON(ctx, http.MethodPost, pathReconcile, nil, req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendSalesEvent(ctx context.Context, req possync.SalesEventRequest) (*possync.SalesEventResponse, error) {
	var out possync.SalesEventResponse
	if err := c.doJSON(ctx, http.MethodPost, pathSalesEvents, nil, req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendInventoryMovement(ctx context.Context, req possync.InventoryMovementRequest) (*possync.InventoryMovementResponse, error) {
	var out possync.InventoryMovementResponse
	if err := c.doJSON(ctx, http.MethodPost, pathMovements, nil, req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendAdminInventoryMovement(ctx context.Context, req possync.AdminInventoryMovementRequest) (*possync.InventoryMovementResponse, error) {
	if strings.TrimSpace(req.PosUserToken) == "" {
		return nil, possync.Auth(possync.CodeAdminSessionRequired, "admin movement without a user token", nil)
	}
	headers := http.Header{}
	headers.Set(posUserTokenHeader, req.PosUserToken)
	var out possync.InventoryMovementResponse
	if err := c.doJSON(ctx, http.MethodPost, pathAdminMovement, nil, req.InventoryMovementRequest, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachSaleProof links an already stored proof URL to a sale.
func (c *Client) AttachSaleProof(ctx context.Context, saleId, proofURL string) (*possync.ProofUploadResponse, error) {
	body := map[string]string{"url": proofURL}
	var out possync.ProofUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, salePath(saleId, "proof-url"), nil, body, nil, &out); err != nil {
		return nil, err
	}
	if out.Url == "" {
		out.Url = proofURL
	}
	return &out, nil
}

func salePath(saleId, suffix string) string {
	return "/api/pos/sales/" + url.PathEscape(saleId) + "/" + suffix
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case <-c.limiter:
		return nil
	case <-ctx.Done():
		return possync.Retriable(possync.CodeTransportFailure, "request cancelled while rate limited", ctx.Err())
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, in any, headers http.Header, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return possync.Structural(possync.CodeRequestRejected, "encode request body", err)
		}
		body = bytes.NewReader(buf)
		if headers == nil {
			headers = http.Header{}
		}
		headers.Set("Content-Type", "application/json")
	}
	return c.do(ctx, method, path, params, body, headers, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, headers http.Header, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return possync.Structural(possync.CodeRequestRejected, "build request", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)
	if cid, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok && cid != "" {
		req.Header.Set(correlationIdHeader, cid)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return possync.Retriable(possync.CodeTransportFailure, method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return possync.Retriable(possync.CodeTransportFailure, "read response body", err)
	}

	c.logger.WithFields(logrus.Fields{
		"field":       "CloudClient",
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("cloud request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := decodeBody(raw, out); err != nil {
		return possync.Retriable(possync.CodeInvalidResponse, "decode "+path+" response", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token == "" {
		return
	}
	if strings.EqualFold(c.tokenHdr, "Authorization") {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	req.Header.Set(c.tokenHdr, c.token)
}

// decodeBody accepts both a bare object and one wrapped as {"data": {...}}.
func decodeBody(raw []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		trimmed := bytes.TrimSpace(envelope.Data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return json.Unmarshal(trimmed, out)
		}
	}
	return json.Unmarshal(raw, out)
}
