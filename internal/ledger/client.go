package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const responseBodyLimit = 4096

// ClientConfig configures the HTTP ledger client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	DNSCacheTTL       time.Duration
}

// Client talks to the payment/ledger service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	resolver   *dnscache.Resolver
	dnsTTL     time.Duration
}

// HTTPError is returned when the ledger service answers with a non-2xx status.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ledger %s error (HTTP %d): %s", e.Op, e.StatusCode, e.Body)
}

// NewClient creates a ledger Client. Requests resolve hosts through a cached
// resolver; when OAuth client credentials are configured every request carries
// a bearer token from the token endpoint.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dnsTTL := cfg.DNSCacheTTL
	if dnsTTL <= 0 {
		dnsTTL = 5 * time.Minute
	}

	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialContextWithCache(resolver),
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	if strings.TrimSpace(cfg.OAuthTokenURL) != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = cc.Client(tokenCtx)
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		resolver:   resolver,
		dnsTTL:     dnsTTL,
	}
}

// RunDNSRefresh periodically refreshes the resolver cache. It blocks until ctx
// is cancelled.
func (c *Client) RunDNSRefresh(ctx context.Context) {
	ticker := time.NewTicker(c.dnsTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resolver.Refresh(true)
			log.Debug().Dur("ttl", c.dnsTTL).Msg("Ledger DNS cache refreshed")
		}
	}
}

type depositResponse struct {
	ID string `json:"id"`
}

// RecordInternalDeposit credits req.UserID on the ledger service.
func (c *Client) RecordInternalDeposit(ctx context.Context, req DepositRequest) error {
	headers := map[string]string{}
	if key := strings.TrimSpace(req.Metadata[MetadataPayoutKey]); key != "" {
		headers["Idempotency-Key"] = key
	}
	var resp depositResponse
	if err := c.post(ctx, "record_deposit", "/internal/deposits", req, headers, &resp); err != nil {
		return err
	}
	log.Debug().
		Str("user_id", req.UserID).
		Str("amount", req.Amount.String()).
		Str("deposit_id", resp.ID).
		Msg("Ledger deposit recorded")
	return nil
}

// CreateIntent opens a payment session for req.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var intent Intent
	if err := c.post(ctx, "create_intent", "/intents", req, nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any, headers map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}

func dialContextWithCache(resolver *dnscache.Resolver) func(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{
				Err:  "no IP addresses found",
				Name: host,
			}
		}

		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
