package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/ickdetector/ick-api/pkg/domain"
	"github.com/ickdetector/ick-api/pkg/repository/accountstore"
	"github.com/ickdetector/ick-api/pkg/service/entitlement"
	"github.com/ickdetector/ick-api/pkg/service/scoring"
)

const (
	minInputChars = 10
	maxInputChars = 2500

	freeLimitMessage = "You've used your free reading for this week. Go Pro for unlimited."
)

// Store is the account/reading persistence the handlers need directly. The
// entitlement engine holds its own slice of the same store.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	InsertReading(ctx context.Context, reading *domain.Reading) error
	ListReadings(ctx context.Context, userID string, limit int) ([]domain.Reading, error)
}

type TokenVerifier interface {
	UserID(token string) (string, error)
}

type CheckoutStarter interface {
	CreateCheckoutSession(ctx context.Context, userID string) (string, error)
}

type BillingSynchronizer interface {
	HandleEvent(ctx context.Context, event stripe.Event) error
}

type AnalyzeRequest struct {
	Tone      string `json:"tone"`
	InputText string `json:"input_text"`
}

type AnalyzeResponse struct {
	OK     bool           `json:"ok"`
	Plan   domain.Plan    `json:"plan"`
	Result domain.Verdict `json:"result"`
}

type BlockedResponse struct {
	Blocked bool                   `json:"blocked"`
	Reason  entitlement.DenyReason `json:"reason"`
	Message string                 `json:"message"`
}

type CheckoutResponse struct {
	URL string `json:"url"`
}

type ReadingsResponse struct {
	Readings []domain.Reading `json:"readings"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Deps struct {
	Scoring       scoring.Service
	Store         Store
	Engine        *entitlement.Engine
	Checkout      CheckoutStarter
	BillingSync   BillingSynchronizer
	Tokens        TokenVerifier
	WebhookSecret string
	Log           *logrus.Logger
}

type Handler struct {
	service       scoring.Service
	store         Store
	engine        *entitlement.Engine
	checkout      CheckoutStarter
	billingSync   BillingSynchronizer
	tokens        TokenVerifier
	webhookSecret string
	log           *logrus.Logger
	now           func() time.Time
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		service:       deps.Scoring,
		store:         deps.Store,
		engine:        deps.Engine,
		checkout:      deps.Checkout,
		billingSync:   deps.BillingSync,
		tokens:        deps.Tokens,
		webhookSecret: deps.WebhookSecret,
		log:           deps.Log,
		now:           time.Now,
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", h.HandleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", h.HandleAnalyze)
		r.Post("/checkout", h.HandleCheckout)
		r.Post("/stripe/webhook", h.HandleWebhook)
		r.Get("/readings", h.HandleListReadings)
	})

	return r
}

// HandleAnalyze runs one end-to-end reading: authenticate, validate, gate on
// the entitlement engine, score, persist, and only then commit quota.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := h.authenticate(r)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid or missing auth token")
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tone := strings.TrimSpace(req.Tone)
	if tone == "" {
		tone = string(domain.ToneBlunt)
	}
	input := clampInput(req.InputText, maxInputChars)
	if utf8.RuneCountInString(input) < minInputChars {
		respondWithError(w, http.StatusBadRequest, "Please paste a bit more detail.")
		return
	}

	account, err := h.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, accountstore.ErrAccountNotFound) {
			respondWithError(w, http.StatusBadRequest, "Account not found")
			return
		}
		h.log.WithError(err).Error("loading account failed")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	decision, err := h.engine.CheckAndReserve(ctx, *account, h.now())
	if err != nil {
		h.log.WithError(err).Error("entitlement check failed")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !decision.Allowed {
		respondWithJSON(w, http.StatusPaymentRequired, BlockedResponse{
			Blocked: true,
			Reason:  decision.Reason,
			Message: freeLimitMessage,
		})
		return
	}

	verdict, err := h.service.Analyze(ctx, tone, input)
	if err != nil {
		h.log.WithError(err).Error("scoring call failed")
		respondWithError(w, http.StatusBadGateway, "Scoring is unavailable right now, try again.")
		return
	}

	reading := &domain.Reading{
		UserID:    userID,
		Tone:      tone,
		InputText: input,
		Verdict:   verdict,
		IckScore:  verdict.IckScore,
		Category:  verdict.Category,
	}
	if err := h.store.InsertReading(ctx, reading); err != nil {
		h.log.WithError(err).Error("saving reading failed")
		respondWithError(w, http.StatusInternalServerError, "Failed to save reading.")
		return
	}

	// The reading is saved and will be returned; a commit that loses a race
	// or hits the store must not take the result back from the user.
	if err := h.engine.Commit(ctx, decision.Reservation); err != nil {
		if errors.Is(err, accountstore.ErrUsageConflict) {
			h.log.WithField("user_id", userID).Warn("quota commit lost a race, usage not charged twice")
		} else {
			h.log.WithError(err).Error("quota commit failed")
		}
	}

	respondWithJSON(w, http.StatusOK, AnalyzeResponse{
		OK:     true,
		Plan:   decision.Account.Plan,
		Result: verdict,
	})
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid or missing auth token")
		return
	}

	url, err := h.checkout.CreateCheckoutSession(r.Context(), userID)
	if err != nil {
		if errors.Is(err, accountstore.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.log.WithError(err).Error("creating checkout session failed")
		respondWithError(w, http.StatusInternalServerError, "Failed to start checkout")
		return
	}

	respondWithJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// HandleWebhook verifies the processor's signature before anything else; a
// bad signature is rejected without touching the store.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable payload")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		respondWithError(w, http.StatusBadRequest, "Missing stripe-signature")
		return
	}

	event, err := webhook.ConstructEvent(payload, sig, h.webhookSecret)
	if err != nil {
		h.log.WithError(err).Warn("webhook signature verification failed")
		respondWithError(w, http.StatusBadRequest, "Webhook signature verification failed")
		return
	}

	if err := h.billingSync.HandleEvent(r.Context(), event); err != nil {
		h.log.WithError(err).WithField("type", event.Type).Error("processing billing event failed")
		respondWithError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) HandleListReadings(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid or missing auth token")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	readings, err := h.store.ListReadings(r.Context(), userID, limit)
	if err != nil {
		h.log.WithError(err).Error("listing readings failed")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if readings == nil {
		readings = []domain.Reading{}
	}

	respondWithJSON(w, http.StatusOK, ReadingsResponse{Readings: readings})
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("authorization header missing or invalid")
	}
	return h.tokens.UserID(strings.TrimPrefix(authHeader, "Bearer "))
}

// clampInput trims and caps the situation text at maxChars runes.
func clampInput(s string, maxChars int) string {
	trimmed := strings.TrimSpace(s)
	runes := []rune(trimmed)
	if len(runes) > maxChars {
		return string(runes[:maxChars])
	}
	return trimmed
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}
