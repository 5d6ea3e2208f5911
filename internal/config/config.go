package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the subscription service.
type Config struct {
	DataDir            string
	BindAddress        string
	Port               int
	ServiceKey         string // shared secret presented by the payment service and API gateway
	AdminKey           string
	OriginatingService string // webhook metadata.originatingService this service accepts ("" = any)
	PublicMetrics      bool
	PublicStatus       bool
	TrustedProxies     []netip.Prefix // peers whose X-Forwarded-For is honoured

	LogLevel  string
	LogFormat string
	LogFile   string

	Ledger  LedgerConfig
	Pricing PricingConfig
}

// LedgerConfig configures the payment/ledger service client.
type LedgerConfig struct {
	BaseURL           string // empty = log-only depositor
	APIKey            string
	Timeout           time.Duration
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	DNSCacheTTL       time.Duration
}

// PricingConfig holds customer-facing prices in XAF.
type PricingConfig struct {
	Classique decimal.Decimal
	Cible     decimal.Decimal
	Upgrade   decimal.Decimal
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "subscriptions.db")
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SUBS_PORT", 8080)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("SUBS_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("SUBS_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}
	ledgerTimeout, err := envOrDefaultDuration("LEDGER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	dnsTTL, err := envOrDefaultDuration("LEDGER_DNS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	classique, err := envOrDefaultDecimal("PRICE_CLASSIQUE", decimal.NewFromInt(2070))
	if err != nil {
		return nil, err
	}
	cible, err := envOrDefaultDecimal("PRICE_CIBLE", decimal.NewFromInt(5140))
	if err != nil {
		return nil, err
	}
	upgrade, err := envOrDefaultDecimal("PRICE_UPGRADE", decimal.NewFromInt(3070))
	if err != nil {
		return nil, err
	}

	trustedProxies, err := envPrefixes("SUBS_TRUSTED_PROXIES")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:            envOrDefault("SUBS_DATA_DIR", "/data"),
		BindAddress:        envOrDefault("SUBS_BIND_ADDRESS", "0.0.0.0"),
		Port:               port,
		ServiceKey:         strings.TrimSpace(os.Getenv("SUBS_SERVICE_KEY")),
		AdminKey:           strings.TrimSpace(os.Getenv("SUBS_ADMIN_KEY")),
		OriginatingService: strings.TrimSpace(os.Getenv("SUBS_ORIGINATING_SERVICE")),
		PublicMetrics:      publicMetrics,
		PublicStatus:       publicStatus,
		TrustedProxies:     trustedProxies,
		LogLevel:           envOrDefault("SUBS_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("SUBS_LOG_FORMAT", "auto"),
		LogFile:            strings.TrimSpace(os.Getenv("SUBS_LOG_FILE")),
		Ledger: LedgerConfig{
			BaseURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("LEDGER_BASE_URL")), "/"),
			APIKey:            strings.TrimSpace(os.Getenv("LEDGER_API_KEY")),
			Timeout:           ledgerTimeout,
			OAuthTokenURL:     strings.TrimSpace(os.Getenv("LEDGER_OAUTH_TOKEN_URL")),
			OAuthClientID:     strings.TrimSpace(os.Getenv("LEDGER_OAUTH_CLIENT_ID")),
			OAuthClientSecret: strings.TrimSpace(os.Getenv("LEDGER_OAUTH_CLIENT_SECRET")),
			DNSCacheTTL:       dnsTTL,
		},
		Pricing: PricingConfig{
			Classique: classique,
			Cible:     cible,
			Upgrade:   upgrade,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	var missing []string
	if c.ServiceKey == "" {
		missing = append(missing, "SUBS_SERVICE_KEY")
	}
	if c.AdminKey == "" {
		missing = append(missing, "SUBS_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SUBS_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be greater than 0, got %s", c.Ledger.Timeout)
	}

	if c.Ledger.BaseURL != "" {
		parsed, err := url.Parse(c.Ledger.BaseURL)
		if err != nil {
			return fmt.Errorf("LEDGER_BASE_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("LEDGER_BASE_URL must use http or https scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("LEDGER_BASE_URL must include a host")
		}
	}
	if c.Ledger.OAuthTokenURL != "" && (c.Ledger.OAuthClientID == "" || c.Ledger.OAuthClientSecret == "") {
		return fmt.Errorf("LEDGER_OAUTH_TOKEN_URL requires LEDGER_OAUTH_CLIENT_ID and LEDGER_OAUTH_CLIENT_SECRET")
	}

	for name, price := range map[string]decimal.Decimal{
		"PRICE_CLASSIQUE": c.Pricing.Classique,
		"PRICE_CIBLE":     c.Pricing.Cible,
		"PRICE_UPGRADE":   c.Pricing.Upgrade,
	} {
		if !price.IsPositive() {
			return fmt.Errorf("%s must be greater than 0, got %s", name, price)
		}
	}
	if c.Pricing.Upgrade.Equal(c.Pricing.Cible) {
		return fmt.Errorf("PRICE_UPGRADE must differ from PRICE_CIBLE")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s must be a valid amount: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

// envPrefixes parses a comma-separated list of CIDRs or bare addresses.
func envPrefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid CIDR %q: %w", key, part, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid address %q: %w", key, part, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
