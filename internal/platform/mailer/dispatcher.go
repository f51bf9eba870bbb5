package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("clinic/internal/platform/mailer")

var (
	ErrQueueFull = errors.New("mail queue is full")
	ErrStopped   = errors.New("mail dispatcher is stopped")
)

// DispatcherConfig sizes the delivery pool.
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:         4,
		QueueSize:       256,
		MaxRetries:      3,
		RetryDelay:      500 * time.Millisecond,
		SendTimeout:     15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Outcome values reported to the observer.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Dispatcher delivers queued messages on a fixed set of workers, retrying
// failed sends with linear backoff. Delivery is at-least-once within the
// process lifetime; queued messages are lost on crash.
type Dispatcher struct {
	sender  Sender
	cfg     DispatcherConfig
	logger  zerolog.Logger
	observe func(outcome string)

	mu      sync.RWMutex
	stopped bool
	queue   chan Message
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	enqueued  int64
	delivered int64
	failed    int64
	retried   int64
}

type DispatcherOption func(*Dispatcher)

// WithObserver registers a callback invoked with the outcome of every message.
func WithObserver(fn func(outcome string)) DispatcherOption {
	return func(d *Dispatcher) { d.observe = fn }
}

func NewDispatcher(sender Sender, cfg DispatcherConfig, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:  sender,
		cfg:     cfg,
		logger:  logger.With().Str("component", "mailer.dispatcher").Logger(),
		observe: func(string) {},
		queue:   make(chan Message, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("mail dispatcher started")
}

// Enqueue hands msg to the pool without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.observe(OutcomeDropped)
		return ErrStopped
	}
	select {
	case d.queue <- msg:
		atomic.AddInt64(&d.enqueued, 1)
		return nil
	default:
		d.observe(OutcomeDropped)
		return ErrQueueFull
	}
}

// Stop refuses new messages and drains the queue, giving up after the
// shutdown timeout or when ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		d.cancel()
		d.logger.Info().Msg("mail dispatcher drained")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	d.cancel()
	<-done
	d.logger.Warn().Int("pending", len(d.queue)).Msg("mail dispatcher stopped before draining")
	return fmt.Errorf("mail dispatcher shutdown timed out")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for msg := range d.queue {
		if d.ctx.Err() != nil {
			d.observe(OutcomeDropped)
			continue
		}
		d.deliver(id, msg)
	}
}

func (d *Dispatcher) deliver(workerID int, msg Message) {
	ctx, span := tracer.Start(d.ctx, "mailer.deliver")
	defer span.End()
	span.SetAttributes(attribute.String("mail.subject", msg.Subject))

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		lastErr = d.sender.Send(sendCtx, msg)
		cancel()
		if lastErr == nil {
			atomic.AddInt64(&d.delivered, 1)
			span.SetAttributes(attribute.Int("mail.attempts", attempt+1))
			d.observe(OutcomeSent)
			return
		}
		if attempt == d.cfg.MaxRetries {
			break
		}

		atomic.AddInt64(&d.retried, 1)
		d.logger.Debug().Err(lastErr).Int("attempt", attempt+1).Str("to", msg.To).Msg("retrying email")
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = d.cfg.MaxRetries
		case <-time.After(d.cfg.RetryDelay * time.Duration(attempt+1)):
		}
	}

	atomic.AddInt64(&d.failed, 1)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "delivery failed")
	d.observe(OutcomeFailed)
	d.logger.Error().Err(lastErr).
		Int("worker_id", workerID).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("email delivery failed")
}

// DispatcherStats is a snapshot of delivery counters.
type DispatcherStats struct {
	Enqueued   int64 `json:"enqueued"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	QueueDepth int   `json:"queue_depth"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Enqueued:   atomic.LoadInt64(&d.enqueued),
		Delivered:  atomic.LoadInt64(&d.delivered),
		Failed:     atomic.LoadInt64(&d.failed),
		Retried:    atomic.LoadInt64(&d.retried),
		QueueDepth: len(d.queue),
	}
}
