package sigmatrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ExplorerActionNormal = "txlist"
	ExplorerActionToken  = "tokentx"

	explorerEndBlock = "99999999"
)

var explorerLogger = NewLogger("explorer")

// ExplorerClient reads paginated account history from an Etherscan-style
// explorer API. Every request passes through one shared interval limiter.
type ExplorerClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     Logger

	// MinInterval spaces consecutive requests when HTTPClient is nil.
	MinInterval time.Duration

	clientOnce sync.Once
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *ExplorerClient) logger() Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return explorerLogger
}

func (c *ExplorerClient) httpClient() *http.Client {
	c.clientOnce.Do(func() {
		if c.HTTPClient != nil {
			return
		}
		c.HTTPClient = &http.Client{
			Timeout: defaultHTTPTimeout,
			Transport: &RateLimitedTransport{
				Limiter: NewIntervalLimiter(c.MinInterval),
				Base: &metricsTransport{
					Base:    http.DefaultTransport,
					Counter: externalResponses,
				},
			},
		}
	})
	return c.HTTPClient
}

// ListTransactions fetches one page of action (txlist or tokentx) for wallet,
// newest first. A response with status other than "1" is an empty page.
func (c *ExplorerClient) ListTransactions(ctx context.Context, action, wallet string, page, offset int) ([]Transaction, error) {
	if action != ExplorerActionNormal && action != ExplorerActionToken {
		return nil, fmt.Errorf("unsupported explorer action %q", action)
	}
	endpoint, err := c.buildURL(action, wallet, page, offset)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build explorer request: %w", err)
	}
	// freshness is owned by the tiered cache, never by intermediaries
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		explorerRequests.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		explorerRequests.WithLabelValues(action, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("explorer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		explorerRequests.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("decode explorer response: %w", err)
	}

	if payload.Status != "1" {
		explorerRequests.WithLabelValues(action, "empty").Inc()
		if payload.Message == "NOTOK" {
			c.logger().Warnf("explorer NOTOK action=%s wallet=%s page=%d result=%s", action, wallet, page, strings.TrimSpace(string(payload.Result)))
		}
		return nil, nil
	}

	explorerRequests.WithLabelValues(action, "ok").Inc()
	switch action {
	case ExplorerActionNormal:
		var rows []explorerNormalTx
		if err := json.Unmarshal(payload.Result, &rows); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", action, err)
		}
		out := make([]Transaction, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.normalize())
		}
		return out, nil
	default:
		var rows []explorerTokenTx
		if err := json.Unmarshal(payload.Result, &rows); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", action, err)
		}
		out := make([]Transaction, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.normalize())
		}
		return out, nil
	}
}

func (c *ExplorerClient) buildURL(action, wallet string, page, offset int) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil || c.BaseURL == "" {
		return "", fmt.Errorf("invalid explorer base url %q", c.BaseURL)
	}
	query := base.Query()
	query.Set("module", "account")
	query.Set("action", action)
	query.Set("address", wallet)
	query.Set("startblock", "0")
	query.Set("endblock", explorerEndBlock)
	query.Set("page", strconv.Itoa(page))
	query.Set("offset", strconv.Itoa(offset))
	query.Set("sort", "desc")
	if c.APIKey != "" {
		query.Set("apikey", c.APIKey)
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}
