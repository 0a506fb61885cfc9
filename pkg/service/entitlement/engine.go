package entitlement

import (
	"context"
	"time"

	"github.com/ickdetector/ick-api/pkg/domain"
)

// FreeWeeklyLimit is the number of readings a free account gets per
// calendar week (Monday through Sunday, UTC).
const FreeWeeklyLimit = 1

type DenyReason string

const (
	DenyReasonFreeLimit DenyReason = "free_limit"
)

// Store is the slice of the account store the engine mutates. Rolling a
// window and committing usage are separate statements so that commit can be
// a conditional increment at the storage layer.
type Store interface {
	ResetQuotaWindow(ctx context.Context, userID string, windowStart time.Time) error
	IncrementQuotaUsed(ctx context.Context, userID string, windowStart time.Time, expectedUsed int) error
}

// Reservation is handed out on Allow and passed back to Commit once the
// downstream work has succeeded. It pins the quota state observed at
// decision time so the increment can be conditional.
type Reservation struct {
	UserID       string
	Plan         domain.Plan
	WindowStart  time.Time
	ObservedUsed int
}

type Decision struct {
	Allowed bool
	Reason  DenyReason

	// Account reflects the post-rollover state, whether or not the
	// invocation was allowed.
	Account     domain.Account
	Reservation Reservation
}

type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// MostRecentMonday returns the Monday opening the week containing now, at
// 00:00:00 UTC. A now of exactly Monday midnight belongs to the new week.
func MostRecentMonday(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	back := int(day.Weekday()) - int(time.Monday)
	if back < 0 {
		back += 7 // Sunday
	}
	return day.AddDate(0, 0, -back)
}

// EvaluateQuotaWindow rolls the account's quota window forward if now has
// crossed into a new week. Pure; idempotent for any two calls within the
// same calendar week.
func EvaluateQuotaWindow(account domain.Account, now time.Time) domain.Account {
	thisMonday := MostRecentMonday(now)
	if account.QuotaWindowStart.IsZero() || account.QuotaWindowStart.Before(thisMonday) {
		account.QuotaWindowStart = thisMonday
		account.QuotaUsed = 0
	}
	return account
}

// CheckAndReserve decides whether one more paid-feature invocation is
// permitted for the account. A rolled-over window is persisted immediately,
// even if the request is ultimately denied or fails downstream. Deny is a
// normal outcome, not an error; only store failures are errors.
func (e *Engine) CheckAndReserve(ctx context.Context, account domain.Account, now time.Time) (Decision, error) {
	rolled := EvaluateQuotaWindow(account, now)
	if !rolled.QuotaWindowStart.Equal(account.QuotaWindowStart) {
		if err := e.store.ResetQuotaWindow(ctx, account.UserID, rolled.QuotaWindowStart); err != nil {
			return Decision{}, err
		}
	}

	decision := Decision{
		Account: rolled,
		Reservation: Reservation{
			UserID:       rolled.UserID,
			Plan:         rolled.Plan,
			WindowStart:  rolled.QuotaWindowStart,
			ObservedUsed: rolled.QuotaUsed,
		},
	}

	if rolled.Plan == domain.PlanPro {
		decision.Allowed = true
		return decision, nil
	}
	if rolled.QuotaUsed < FreeWeeklyLimit {
		decision.Allowed = true
		return decision, nil
	}

	decision.Reason = DenyReasonFreeLimit
	return decision, nil
}

// Commit records that an allowed invocation completed successfully. Pro
// accounts are not metered. For free accounts the increment is conditional
// on the usage observed at reserve time, so two racing requests cannot both
// charge the same slot past the cap.
func (e *Engine) Commit(ctx context.Context, res Reservation) error {
	if res.Plan == domain.PlanPro {
		return nil
	}
	return e.store.IncrementQuotaUsed(ctx, res.UserID, res.WindowStart, res.ObservedUsed)
}
