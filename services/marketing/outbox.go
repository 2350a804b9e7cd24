package marketing

import (
	"context"
	"sync"
	"time"

	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
)

// DefaultOutboxSize bounds the number of queued emails.
const DefaultOutboxSize = 100

// Outbox sends email on a single background worker. Enqueue never blocks:
// when the queue is full the message is dropped, counted, and a warning is
// logged.
type Outbox struct {
	mailer  Mailer
	logger  *logging.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	queue   chan Message

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewOutbox creates an outbox with room for size messages.
func NewOutbox(mailer Mailer, size int, logger *logging.Logger) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Outbox{
		mailer:  mailer,
		logger:  logger,
		timeout: 15 * time.Second,
		queue:   make(chan Message, size),
		done:    make(chan struct{}),
	}
}

// WithMetrics reports dropped messages to m.
func (o *Outbox) WithMetrics(m *metrics.Metrics) *Outbox {
	o.metrics = m
	return o
}

// Start launches the worker. It runs until Close.
func (o *Outbox) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	go o.run()
}

func (o *Outbox) run() {
	defer close(o.done)
	for msg := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		if err := o.mailer.Send(ctx, msg); err != nil {
			o.logger.WithError(err).WithField("subject", msg.Subject).Warn("email delivery failed")
		}
		cancel()
	}
}

// Enqueue queues msg and reports whether it was accepted.
func (o *Outbox) Enqueue(msg Message) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.queue <- msg:
		return true
	default:
		o.metrics.RecordOutboxDrop()
		o.logger.WithField("subject", msg.Subject).Warn("email queue full, message dropped")
		return false
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to
// end.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.queue)
	started := o.started
	o.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
