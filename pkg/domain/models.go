package domain

import (
	"time"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

type Category string

const (
	CategoryRedFlag         Category = "red_flag"
	CategoryIncompatibility Category = "incompatibility"
	CategoryOverthinking    Category = "overthinking"
)

type Tone string

const (
	ToneBlunt          Tone = "blunt"
	ToneGentle         Tone = "gentle"
	ToneFunny          Tone = "funny"
	ToneTherapistCoded Tone = "therapist-coded"
)

// Account is the per-user billing and quota record. It is created out of
// band on signup; this service only mutates the quota fields (entitlement
// engine) and the plan/billing fields (billing synchronizer).
type Account struct {
	UserID string `json:"user_id" db:"user_id"`
	Plan   Plan   `json:"plan" db:"plan"`

	// QuotaWindowStart is the Monday (UTC, date only) opening the current
	// accounting week. Zero means the account has never used the feature.
	QuotaWindowStart time.Time `json:"quota_window_start,omitempty" db:"quota_window_start"`
	QuotaUsed        int       `json:"quota_used" db:"quota_used"`

	// BillingCustomerRef is set lazily on first checkout and never changes
	// afterwards. BillingSubscriptionRef is present only while an active
	// subscription backs the pro plan.
	BillingCustomerRef     string `json:"billing_customer_ref,omitempty" db:"billing_customer_ref"`
	BillingSubscriptionRef string `json:"billing_subscription_ref,omitempty" db:"billing_subscription_ref"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Verdict is the canonical structured result of one scoring call. This is
// the single schema used at every layer; the scoring service translates the
// model output into it at the boundary.
type Verdict struct {
	BluntTake          string   `json:"blunt_take"`
	IckScore           int      `json:"ick_score"`
	Category           Category `json:"category"`
	Pattern            string   `json:"pattern,omitempty"`
	WhyItFeelsBad      string   `json:"why_it_feels_bad,omitempty"`
	RealityCheck       string   `json:"reality_check,omitempty"`
	WhatToWatchForNext []string `json:"what_to_watch_for_next,omitempty"`
	PettyIcksForFun    []string `json:"petty_icks_for_fun,omitempty"`
}

// Reading is one persisted analysis. Rows are append-only.
type Reading struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Tone      string    `json:"tone" db:"tone"`
	InputText string    `json:"input_text" db:"input_text"`
	Verdict   Verdict   `json:"result" db:"output_json"`
	IckScore  int       `json:"ick_score" db:"ick_score"`
	Category  Category  `json:"category" db:"category"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
