package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/sniperbc/subscriptions/internal/config"
	suberrors "github.com/sniperbc/subscriptions/internal/errors"
	"github.com/sniperbc/subscriptions/internal/logging"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

func TestRun_LoadConfigError(t *testing.T) {
	orig := loadConfig
	t.Cleanup(func() { loadConfig = orig })
	loadConfig = func() (*config.Config, error) {
		return nil, errors.New("missing required environment variables: SUBS_SERVICE_KEY")
	}

	err := Run(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("Run error = %v, want load config error", err)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("third request inside the window should be rejected")
	}
	if !rl.Allow("5.6.7.8") {
		t.Fatal("other clients have their own budget")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiterPrunesIdleClients(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("198.51.100.%d", i))
	}
	if len(rl.entries) != 50 {
		t.Fatalf("entries = %d, want 50", len(rl.entries))
	}

	now = now.Add(2 * time.Minute)
	rl.Allow("192.0.2.1")
	if len(rl.entries) != 1 {
		t.Fatalf("entries after idle window = %d, want 1", len(rl.entries))
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions/u1", nil)
	req.RemoteAddr = "198.51.100.7:4000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}

	// A spoofed header from an untrusted peer does not buy a fresh budget.
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("spoofed request status = %d, want 429", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct peer", "192.0.2.1:1234", "", "192.0.2.1"},
		{"untrusted peer ignores header", "192.0.2.1:1234", "203.0.113.5", "192.0.2.1"},
		{"trusted proxy without header", "10.0.0.2:1234", "", "10.0.0.2"},
		{"trusted proxy", "10.0.0.2:1234", "203.0.113.5", "203.0.113.5"},
		{"skips trusted hops", "10.0.0.2:1234", "198.51.100.1, 203.0.113.5, 10.1.1.1", "203.0.113.5"},
		{"all hops trusted", "10.0.0.2:1234", "10.9.9.9", "10.9.9.9"},
		{"garbage hop", "10.0.0.2:1234", "not-an-ip", "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req, trusted); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlexBool(t *testing.T) {
	tests := []struct {
		raw     string
		want    bool
		wantErr bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"true"`, true, false},
		{`"1"`, true, false},
		{`"0"`, false, false},
		{`""`, false, false},
		{`null`, false, false},
		{`"yes please"`, false, true},
	}
	for _, tt := range tests {
		var b flexBool
		err := json.Unmarshal([]byte(tt.raw), &b)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if bool(b) != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.raw, b, tt.want)
		}
	}
}

func TestPaymentNotificationIsSuccessful(t *testing.T) {
	for status, want := range map[string]bool{
		"SUCCEEDED": true,
		" success ": true,
		"ACCEPTED":  true,
		"REFUSED":   false,
		"":          false,
	} {
		if got := (PaymentNotification{Status: status}).IsSuccessful(); got != want {
			t.Errorf("IsSuccessful(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get(requestIDHeader) != "req-123" || seen != "req-123" {
		t.Errorf("request id not propagated: header=%q seen=%q", rec.Header().Get(requestIDHeader), seen)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("expected generated request id")
	}
}

func TestRequestIDMiddlewareScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context()).Output(&buf)
		logger.Info().Msg("handled")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions/u1", nil)
	req.Header.Set(requestIDHeader, "req-456")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component":  "http",
		"method":     http.MethodGet,
		"path":       "/api/subscriptions/u1",
		"request_id": "req-456",
	} {
		if line[key] != want {
			t.Errorf("log field %s = %v, want %q", key, line[key], want)
		}
	}
}

type stubActivator struct {
	err error
}

func (a stubActivator) ActivateSubscription(_ context.Context, userID string, tier subscription.Tier) (*subscription.Subscription, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &subscription.Subscription{UserID: userID, Tier: tier}, nil
}

func TestWebhookActivationFailureStatus(t *testing.T) {
	body := `{"sessionId":"sess_9","status":"SUCCEEDED","metadata":{"userId":"u1","planId":"CIBLE"}}`

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"activated", nil, http.StatusOK},
		{"storage failure is redelivered", suberrors.WrapPersistenceError("activate", "u1", errors.New("disk I/O error")), http.StatusInternalServerError},
		{"other failure is final", errors.New("plan catalogue mismatch"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewWebhookHandler(stubActivator{err: tt.err}, nil, "")
			req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", strings.NewReader(body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}
