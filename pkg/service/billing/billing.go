package billing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/ickdetector/ick-api/pkg/domain"
)

// MetadataUserKey is the metadata key carrying our user id on Stripe
// customers and subscriptions. The subscription is the reliable carrier: it
// keeps the metadata long after the checkout session is gone.
const MetadataUserKey = "user_id"

// Store is the slice of the account store the billing side touches. Plan
// updates are last-write-wins, so webhook replays converge.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	SetBillingCustomerRef(ctx context.Context, userID string, ref string) error
	SetPlan(ctx context.Context, userID string, plan domain.Plan, subscriptionRef string) error
}

type Config struct {
	APIKey  string
	PriceID string
	AppURL  string
}

// Service starts checkout sessions and resolves subscriptions. It wraps an
// explicitly constructed Stripe client rather than the SDK's package-level
// default, so tests can substitute the SubscriptionResolver side.
type Service struct {
	api     *client.API
	store   Store
	log     *logrus.Logger
	priceID string
	appURL  string
}

func NewService(cfg Config, store Store, log *logrus.Logger) *Service {
	return &Service{
		api:     client.New(cfg.APIKey, nil),
		store:   store,
		log:     log,
		priceID: cfg.PriceID,
		appURL:  cfg.AppURL,
	}
}

// CreateCheckoutSession returns the hosted checkout URL for upgrading the
// user to pro. The billing customer is created lazily on the first attempt
// and its ref stored once; later attempts reuse it.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID string) (string, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return "", err
	}

	customerID := account.BillingCustomerRef
	if customerID == "" {
		params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
		params.AddMetadata(MetadataUserKey, userID)
		customer, err := s.api.Customers.New(params)
		if err != nil {
			return "", fmt.Errorf("create billing customer: %w", err)
		}
		customerID = customer.ID
		if err := s.store.SetBillingCustomerRef(ctx, userID, customerID); err != nil {
			return "", err
		}
		s.log.WithFields(logrus.Fields{"user_id": userID, "customer": customerID}).
			Info("created billing customer")
	}

	params := &stripe.CheckoutSessionParams{
		Params:   stripe.Params{Context: ctx},
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(s.priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(s.appURL + "/?success=1"),
		CancelURL:  stripe.String(s.appURL + "/?canceled=1"),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserKey: userID},
		},
	}
	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

// GetSubscription satisfies SubscriptionResolver for the synchronizer.
func (s *Service) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
}
