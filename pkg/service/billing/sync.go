package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v78"

	"github.com/ickdetector/ick-api/pkg/domain"
)

// SubscriptionResolver fetches a subscription by id. The checkout.session
// event carries only the subscription id; the user id lives in the
// subscription's metadata.
type SubscriptionResolver interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// Synchronizer reconciles account plan state with subscription lifecycle
// events. It never decides quota; it only feeds the plan field the
// entitlement engine reads. All writes are last-write-wins, so redelivered
// events converge without a dedup ledger.
type Synchronizer struct {
	store Store
	subs  SubscriptionResolver
	log   *logrus.Logger
}

func NewSynchronizer(store Store, subs SubscriptionResolver, log *logrus.Logger) *Synchronizer {
	return &Synchronizer{store: store, subs: subs, log: log}
}

// HandleEvent processes one verified webhook event. Signature verification
// happens at the HTTP layer before this is called. Unhandled event types and
// events without our metadata are acknowledged and skipped, not errors.
func (s *Synchronizer) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypeCustomerSubscriptionUpdated, stripe.EventTypeCustomerSubscriptionDeleted:
		return s.handleSubscriptionChanged(ctx, event)
	default:
		s.log.WithField("type", event.Type).Debug("ignoring billing event")
		return nil
	}
}

func (s *Synchronizer) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		s.log.WithField("session", session.ID).Warn("checkout completed without a subscription")
		return nil
	}

	sub, err := s.subs.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("resolve subscription %s: %w", session.Subscription.ID, err)
	}
	userID := sub.Metadata[MetadataUserKey]
	if userID == "" {
		s.log.WithField("subscription", sub.ID).Warn("subscription missing user metadata")
		return nil
	}

	if err := s.store.SetPlan(ctx, userID, domain.PlanPro, sub.ID); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "subscription": sub.ID}).
		Info("checkout completed, plan set to pro")
	return nil
}

func (s *Synchronizer) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	userID := sub.Metadata[MetadataUserKey]
	if userID == "" {
		s.log.WithField("subscription", sub.ID).Warn("subscription missing user metadata")
		return nil
	}

	plan, subscriptionRef := planForStatus(sub.Status, sub.ID)
	if err := s.store.SetPlan(ctx, userID, plan, subscriptionRef); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"status":  sub.Status,
		"plan":    plan,
	}).Info("subscription status synced")
	return nil
}

// planForStatus maps a subscription status to a plan tier. Active and
// trialing keep pro; every other status drops to free and clears the ref.
func planForStatus(status stripe.SubscriptionStatus, subID string) (domain.Plan, string) {
	if status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing {
		return domain.PlanPro, subID
	}
	return domain.PlanFree, ""
}
