// Package worker consumes audit events from the EventBus and persists
// them through the audit repository.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/amrclass/internal/audit"
	"github.com/opensource-finance/amrclass/internal/domain"
)

// decoder turns a message payload into a repository record.
type decoder func(payload []byte) (*domain.AuditRecord, error)

// Worker is the audit sink. It subscribes to the classification and
// reload topics and saves one record per event.
type Worker struct {
	bus  domain.EventBus
	repo domain.AuditRepository

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	saved  atomic.Int64
	failed atomic.Int64
}

// NewWorker creates an audit sink.
func NewWorker(bus domain.EventBus, repo domain.AuditRepository) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to both audit topics.
func (w *Worker) Start() error {
	topics := []struct {
		topic  string
		decode decoder
	}{
		{domain.TopicAuditClassification, audit.ClassificationRecord},
		{domain.TopicRulesetReloaded, audit.ReloadRecord},
	}

	for _, t := range topics {
		sub, err := w.bus.Subscribe(w.ctx, t.topic, w.handler(t.decode))
		if err != nil {
			w.Stop()
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("audit sink started", "topics", len(topics))
	return nil
}

func (w *Worker) handler(decode decoder) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		rec, err := decode(msg.Payload)
		if err != nil {
			w.failed.Add(1)
			slog.Error("failed to decode audit event",
				"message_id", msg.ID,
				"topic", msg.Topic,
				"error", err,
			)
			return err
		}

		if w.repo == nil {
			return nil
		}
		if err := w.repo.SaveAuditRecord(ctx, rec); err != nil {
			w.failed.Add(1)
			slog.Error("failed to save audit record",
				"audit_id", rec.ID,
				"type", rec.Type,
				"error", err,
			)
			return err
		}
		w.saved.Add(1)

		slog.Debug("audit record saved",
			"audit_id", rec.ID,
			"request_id", rec.RequestID,
			"type", rec.Type,
		)
		return nil
	}
}

// Stop unsubscribes from all topics. Events already queued on the bus
// are not drained.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("audit sink stopped", "saved", w.saved.Load(), "failed", w.failed.Load())
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Saved             int64    `json:"saved"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Saved:             w.saved.Load(),
		Failed:            w.failed.Load(),
	}
}
