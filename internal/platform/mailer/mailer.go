// Package mailer delivers outbound email through a pluggable transport and
// a bounded background dispatcher.
package mailer

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/rs/zerolog"
)

// Message is a single outbound email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
	HTML    string
}

// Sender is a mail transport. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const (
	ProviderStub     = "stub"
	ProviderSendGrid = "sendgrid"
	ProviderSES      = "ses"
)

// Config selects and configures the transport.
type Config struct {
	Provider       string
	FromEmail      string
	FromName       string
	SendGridAPIKey string
	AWSRegion      string
}

// NewSender builds the transport named by cfg.Provider.
func NewSender(ctx context.Context, cfg Config, logger zerolog.Logger) (Sender, error) {
	switch cfg.Provider {
	case "", ProviderStub:
		return NewStubSender(logger), nil
	case ProviderSendGrid:
		if cfg.SendGridAPIKey == "" {
			return nil, fmt.Errorf("SENDGRID_API_KEY is required for the sendgrid mail provider")
		}
		return NewSendGridSender(SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		}, logger), nil
	case ProviderSES:
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewSESSender(sesv2.NewFromConfig(awsCfg), SESConfig{
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}
