package mailer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// StubSender logs messages instead of delivering them and keeps a copy of
// each for inspection.
type StubSender struct {
	logger zerolog.Logger

	mu   sync.Mutex
	sent []Message
}

func NewStubSender(logger zerolog.Logger) *StubSender {
	return &StubSender{logger: logger.With().Str("component", "mailer.stub").Logger()}
}

func (s *StubSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	s.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("stub mailer: email not delivered")
	return nil
}

// Sent returns the messages seen so far.
func (s *StubSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}

var _ Sender = (*StubSender)(nil)
