package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/ickdetector/ick-api/pkg/domain"
	"github.com/ickdetector/ick-api/pkg/repository/accountstore"
)

type fakeStore struct {
	accounts map[string]*domain.Account
	setPlans int
}

func newFakeStore(accounts ...*domain.Account) *fakeStore {
	s := &fakeStore{accounts: make(map[string]*domain.Account)}
	for _, a := range accounts {
		s.accounts[a.UserID] = a
	}
	return s
}

func (f *fakeStore) GetAccount(_ context.Context, userID string) (*domain.Account, error) {
	a, ok := f.accounts[userID]
	if !ok {
		return nil, accountstore.ErrAccountNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) SetBillingCustomerRef(_ context.Context, userID string, ref string) error {
	a, ok := f.accounts[userID]
	if !ok {
		return accountstore.ErrAccountNotFound
	}
	a.BillingCustomerRef = ref
	return nil
}

func (f *fakeStore) SetPlan(_ context.Context, userID string, plan domain.Plan, subscriptionRef string) error {
	a, ok := f.accounts[userID]
	if !ok {
		return accountstore.ErrAccountNotFound
	}
	a.Plan = plan
	a.BillingSubscriptionRef = subscriptionRef
	f.setPlans++
	return nil
}

type fakeResolver struct {
	subs map[string]*stripe.Subscription
}

func (f *fakeResolver) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func event(t *testing.T, typ stripe.EventType, object any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{Type: typ, Data: &stripe.EventData{Raw: raw}}
}

func TestCheckoutCompletedSetsPro(t *testing.T) {
	store := newFakeStore(&domain.Account{UserID: "u1", Plan: domain.PlanFree})
	resolver := &fakeResolver{subs: map[string]*stripe.Subscription{
		"sub_1": {ID: "sub_1", Metadata: map[string]string{MetadataUserKey: "u1"}},
	}}
	sync := NewSynchronizer(store, resolver, quietLogger())

	// webhook payloads carry the subscription as an unexpanded id string
	evt := event(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":           "cs_1",
		"subscription": "sub_1",
	})
	require.NoError(t, sync.HandleEvent(context.Background(), evt))

	assert.Equal(t, domain.PlanPro, store.accounts["u1"].Plan)
	assert.Equal(t, "sub_1", store.accounts["u1"].BillingSubscriptionRef)
}

func TestCheckoutCompletedWithoutSubscriptionIsIgnored(t *testing.T) {
	store := newFakeStore(&domain.Account{UserID: "u1", Plan: domain.PlanFree})
	sync := NewSynchronizer(store, &fakeResolver{}, quietLogger())

	evt := event(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{"id": "cs_1"})
	require.NoError(t, sync.HandleEvent(context.Background(), evt))
	assert.Equal(t, domain.PlanFree, store.accounts["u1"].Plan)
	assert.Zero(t, store.setPlans)
}

func TestSubscriptionStatusMapping(t *testing.T) {
	tests := []struct {
		status   string
		wantPlan domain.Plan
		wantRef  string
	}{
		{"active", domain.PlanPro, "sub_1"},
		{"trialing", domain.PlanPro, "sub_1"},
		{"canceled", domain.PlanFree, ""},
		{"unpaid", domain.PlanFree, ""},
		{"incomplete_expired", domain.PlanFree, ""},
		{"past_due", domain.PlanFree, ""},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			store := newFakeStore(&domain.Account{
				UserID: "u1", Plan: domain.PlanPro, BillingSubscriptionRef: "sub_1",
			})
			sync := NewSynchronizer(store, &fakeResolver{}, quietLogger())

			evt := event(t, stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
				"id":       "sub_1",
				"status":   tt.status,
				"metadata": map[string]string{MetadataUserKey: "u1"},
			})
			require.NoError(t, sync.HandleEvent(context.Background(), evt))
			assert.Equal(t, tt.wantPlan, store.accounts["u1"].Plan)
			assert.Equal(t, tt.wantRef, store.accounts["u1"].BillingSubscriptionRef)
		})
	}
}

func TestSubscriptionDeletedDropsToFree(t *testing.T) {
	store := newFakeStore(&domain.Account{
		UserID: "u1", Plan: domain.PlanPro, BillingSubscriptionRef: "sub_1",
	})
	sync := NewSynchronizer(store, &fakeResolver{}, quietLogger())

	evt := event(t, stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id":       "sub_1",
		"status":   "canceled",
		"metadata": map[string]string{MetadataUserKey: "u1"},
	})
	require.NoError(t, sync.HandleEvent(context.Background(), evt))
	assert.Equal(t, domain.PlanFree, store.accounts["u1"].Plan)
	assert.Empty(t, store.accounts["u1"].BillingSubscriptionRef)
}

func TestEventReplayConverges(t *testing.T) {
	store := newFakeStore(&domain.Account{UserID: "u1", Plan: domain.PlanFree})
	sync := NewSynchronizer(store, &fakeResolver{}, quietLogger())

	evt := event(t, stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":       "sub_1",
		"status":   "active",
		"metadata": map[string]string{MetadataUserKey: "u1"},
	})
	require.NoError(t, sync.HandleEvent(context.Background(), evt))
	once := *store.accounts["u1"]

	require.NoError(t, sync.HandleEvent(context.Background(), evt))
	assert.Equal(t, once, *store.accounts["u1"])
}

func TestEventWithoutMetadataIsSkipped(t *testing.T) {
	store := newFakeStore(&domain.Account{UserID: "u1", Plan: domain.PlanFree})
	sync := NewSynchronizer(store, &fakeResolver{}, quietLogger())

	evt := event(t, stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":     "sub_1",
		"status": "active",
	})
	require.NoError(t, sync.HandleEvent(context.Background(), evt))
	assert.Zero(t, store.setPlans)
}

func TestUnhandledEventTypeIsAcknowledged(t *testing.T) {
	store := newFakeStore()
	sync := NewSynchronizer(store, &fakeResolver{}, quietLogger())

	evt := event(t, "invoice.paid", map[string]any{"id": "in_1"})
	require.NoError(t, sync.HandleEvent(context.Background(), evt))
	assert.Zero(t, store.setPlans)
}
