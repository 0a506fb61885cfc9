package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	authtoken "github.com/ickdetector/ick-api/internal"
	"github.com/ickdetector/ick-api/pkg/api"
	"github.com/ickdetector/ick-api/pkg/repository/accountstore"
	"github.com/ickdetector/ick-api/pkg/service/billing"
	"github.com/ickdetector/ick-api/pkg/service/entitlement"
	"github.com/ickdetector/ick-api/pkg/service/scoring"
)

type config struct {
	Port                string
	DatabasePath        string
	MigrationsPath      string
	OpenAIAPIKey        string
	AuthJWTSecret       string
	AuthJWKSURL         string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string
	AppURL              string
}

func loadConfig() (config, error) {
	cfg := config{
		Port:                envOr("PORT", "8080"),
		DatabasePath:        envOr("DATABASE_PATH", "./ick.db"),
		MigrationsPath:      envOr("MIGRATIONS_PATH", "./migrations"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		AuthJWTSecret:       os.Getenv("AUTH_JWT_SECRET"),
		AuthJWKSURL:         os.Getenv("AUTH_JWKS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceID:       os.Getenv("STRIPE_PRICE_ID"),
		AppURL:              os.Getenv("APP_URL"),
	}

	var errs *multierror.Error
	for name, value := range map[string]string{
		"OPENAI_API_KEY":        cfg.OpenAIAPIKey,
		"STRIPE_SECRET_KEY":     cfg.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": cfg.StripeWebhookSecret,
		"STRIPE_PRICE_ID":       cfg.StripePriceID,
		"APP_URL":               cfg.AppURL,
	} {
		if value == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		errs = multierror.Append(errs, fmt.Errorf("one of AUTH_JWT_SECRET or AUTH_JWKS_URL is required"))
	}
	return cfg, errs.ErrorOrNil()
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	store, err := accountstore.New(accountstore.Config{
		DatabasePath:   cfg.DatabasePath,
		MigrationsPath: cfg.MigrationsPath,
	})
	if err != nil {
		log.WithError(err).Fatal("initializing account store failed")
	}
	defer store.Close()

	engine := entitlement.NewEngine(store)
	service := scoring.NewGPTService(cfg.OpenAIAPIKey)
	billingSvc := billing.NewService(billing.Config{
		APIKey:  cfg.StripeSecretKey,
		PriceID: cfg.StripePriceID,
		AppURL:  cfg.AppURL,
	}, store, log)
	synchronizer := billing.NewSynchronizer(store, billingSvc, log)
	tokens := authtoken.NewVerifier(cfg.AuthJWTSecret, cfg.AuthJWKSURL)

	handler := api.NewHandler(api.Deps{
		Scoring:       service,
		Store:         store,
		Engine:        engine,
		Checkout:      billingSvc,
		BillingSync:   synchronizer,
		Tokens:        tokens,
		WebhookSecret: cfg.StripeWebhookSecret,
		Log:           log,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.WithField("addr", addr).Info("server starting")
	if err := http.ListenAndServe(addr, handler.Router()); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
