// Package payment talks to the card payment provider.
package payment

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured = errors.New("payment gateway not configured")
	ErrUnavailable   = errors.New("payment gateway unavailable")
)

const StatusSucceeded = "succeeded"

// Intent is a provider-side payment intent.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

// Gateway creates and inspects payment intents.
type Gateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	PublishableKey() string
	Configured() bool
}
