package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sniperbc/subscriptions/internal/commission"
	"github.com/sniperbc/subscriptions/internal/config"
	"github.com/sniperbc/subscriptions/internal/ledger"
	"github.com/sniperbc/subscriptions/internal/partner"
	"github.com/sniperbc/subscriptions/internal/referral"
	"github.com/sniperbc/subscriptions/internal/store"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

// App holds the wired service components. It is built once at process start
// and shared by the HTTP server and the operator commands.
type App struct {
	Config        *config.Config
	Store         *store.Store
	Subscriptions *subscription.Service
	Engine        *commission.Engine
	Intents       ledger.IntentCreator // nil when no ledger service is configured

	ledgerClient *ledger.Client
}

// NewApp opens the store and wires the subscription service, the commission
// engine and the ledger client described by cfg.
func NewApp(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := subscription.NewService(st, subscription.Pricing{
		Classique: cfg.Pricing.Classique,
		Cible:     cfg.Pricing.Cible,
		Upgrade:   cfg.Pricing.Upgrade,
		Currency:  "XAF",
	})

	app := &App{
		Config:        cfg,
		Store:         st,
		Subscriptions: svc,
	}

	var depositor ledger.Depositor
	if cfg.Ledger.BaseURL != "" {
		client := ledger.NewClient(ledger.ClientConfig{
			BaseURL:           cfg.Ledger.BaseURL,
			APIKey:            cfg.Ledger.APIKey,
			Timeout:           cfg.Ledger.Timeout,
			OAuthTokenURL:     cfg.Ledger.OAuthTokenURL,
			OAuthClientID:     cfg.Ledger.OAuthClientID,
			OAuthClientSecret: cfg.Ledger.OAuthClientSecret,
			DNSCacheTTL:       cfg.Ledger.DNSCacheTTL,
		})
		app.ledgerClient = client
		app.Intents = client
		depositor = client
		log.Info().Str("base_url", cfg.Ledger.BaseURL).Msg("Ledger client configured")
	} else {
		depositor = ledger.NewLogDepositor(func(req ledger.DepositRequest) {
			log.Info().
				Str("user_id", req.UserID).
				Str("amount", req.Amount.String()).
				Str("currency", req.Currency).
				Str("description", req.Description).
				Interface("metadata", req.Metadata).
				Msg("Deposit (log-only, no ledger service configured)")
		})
		log.Info().Msg("Ledger: log-only (set LEDGER_BASE_URL to enable)")
	}

	app.Engine = commission.NewEngine(
		referral.NewResolver(st),
		partner.NewLookup(st),
		depositor,
		commission.WithClaimStore(st),
		commission.WithCurrency("XAF"),
	)
	return app, nil
}

// StartBackground launches the periodic workers owned by the app. They stop
// when ctx is cancelled.
func (a *App) StartBackground(ctx context.Context) {
	if a.ledgerClient != nil {
		go a.ledgerClient.RunDNSRefresh(ctx)
	}
	go runSubscriptionMetrics(ctx, a.Store)
}

// Close waits for in-flight distributions (bounded by ctx) and closes the store.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if a.Engine != nil {
		if err := a.Engine.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("Timed out waiting for in-flight commission distributions")
		}
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
