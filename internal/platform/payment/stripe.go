package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var stripeTracer = otel.Tracer("clinic/internal/platform/payment/stripe")

type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	BaseURL        string
	APIVersion     string
	Timeout        time.Duration
	// DryRun returns synthetic intents without calling Stripe.
	DryRun bool
}

// APIError is a non-2xx response from Stripe.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe api status %d: %s", e.StatusCode, e.Body)
}

// StripeGateway calls the Stripe PaymentIntents API over HTTPS. Calls go
// through a circuit breaker so a failing provider is not hammered.
type StripeGateway struct {
	cfg        StripeConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

func NewStripeGateway(cfg StripeConfig, logger zerolog.Logger) *StripeGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-12-18.acacia"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	g := &StripeGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "payment.stripe").Logger(),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return counts.ConsecutiveFailures >= 5
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Client errors are the caller's fault, not the provider's.
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
	})
	return g
}

func (g *StripeGateway) Configured() bool {
	return g.cfg.DryRun || g.cfg.SecretKey != ""
}

func (g *StripeGateway) PublishableKey() string {
	return g.cfg.PublishableKey
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_payment_intent")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("payment.amount", amount),
		attribute.String("payment.currency", currency),
	)

	if !g.Configured() {
		return nil, ErrNotConfigured
	}
	if g.cfg.DryRun {
		id := "pi_dryrun_" + uuid.NewString()[:8]
		g.logger.Info().Int64("amount", amount).Msg("stripe dry run: skipping payment intent creation")
		return &Intent{
			ID:           id,
			ClientSecret: id + "_secret_dryrun",
			Status:       "requires_payment_method",
			Amount:       amount,
			Currency:     currency,
			Metadata:     metadata,
		}, nil
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	intent, err := g.do(ctx, http.MethodPost, "/v1/payment_intents", form)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create payment intent failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))
	return intent, nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.get_payment_intent")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", id))

	if !g.Configured() {
		return nil, ErrNotConfigured
	}
	if g.cfg.DryRun {
		return &Intent{ID: id, Status: StatusSucceeded}, nil
	}

	intent, err := g.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get payment intent failed")
		return nil, err
	}
	return intent, nil
}

func (g *StripeGateway) do(ctx context.Context, method, path string, form url.Values) (*Intent, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("stripe request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
		req.Header.Set("Stripe-Version", g.cfg.APIVersion)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("stripe http: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		}

		var intent Intent
		if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
			return nil, fmt.Errorf("stripe decode: %w", err)
		}
		return &intent, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res.(*Intent), nil
}

var _ Gateway = (*StripeGateway)(nil)
