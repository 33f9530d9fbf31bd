// Package worker provides async run processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openfiscal/apura/internal/assess"
	"github.com/openfiscal/apura/internal/domain"
)

// Worker executes apuração runs asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	runner *assess.Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TaxpayerIDs is the list of taxpayers to process (empty = all via the
	// global subscription)
	TaxpayerIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner *assess.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing run requests for the given taxpayers.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TaxpayerIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, taxpayerID := range cfg.TaxpayerIDs {
		if err := w.startTaxpayerWorker(taxpayerID); err != nil {
			slog.Error("failed to start worker for taxpayer",
				"taxpayer_id", taxpayerID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"taxpayer_count", len(cfg.TaxpayerIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all taxpayers (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicRunRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTaxpayerWorker starts a worker for a specific taxpayer.
func (w *Worker) startTaxpayerWorker(taxpayerID string) error {
	sub, err := w.bus.Subscribe(w.ctx, taxpayerID, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRun(ctx, taxpayerID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("taxpayer worker started",
		"taxpayer_id", taxpayerID,
		"topic", domain.TopicRunRequested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRun(ctx, msg.TaxpayerID, msg)
}

// RunMessage is the message payload requesting an apuração run.
type RunMessage struct {
	TaxpayerID string            `json:"taxpayerId"`
	Period     string            `json:"period"`
	Items      []domain.LineItem `json:"items"`
	TraceID    string            `json:"traceId,omitempty"`
}

// processRun executes one requested run. The runner persists the
// assessment and publishes completion or failure itself.
func (w *Worker) processRun(ctx context.Context, taxpayerID string, msg *domain.Message) error {
	start := time.Now()

	var runMsg RunMessage
	if err := json.Unmarshal(msg.Payload, &runMsg); err != nil {
		slog.Error("failed to parse run message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message taxpayer if provided
	if runMsg.TaxpayerID != "" {
		taxpayerID = runMsg.TaxpayerID
	}

	traceID := runMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing run request",
		"taxpayer_id", taxpayerID,
		"period", runMsg.Period,
		"item_count", len(runMsg.Items),
		"trace_id", traceID,
	)

	assessment, err := w.runner.Run(ctx, &assess.RunInput{
		TaxpayerID: taxpayerID,
		Period:     runMsg.Period,
		Items:      runMsg.Items,
		TraceID:    traceID,
	})
	if err != nil {
		slog.Error("run request failed",
			"taxpayer_id", taxpayerID,
			"period", runMsg.Period,
			"error", err,
		)
		return err
	}

	slog.Info("run request processed",
		"assessment_id", assessment.ID,
		"taxpayer_id", taxpayerID,
		"period", runMsg.Period,
		"status", assessment.Status,
		"confidence", assessment.Confidence,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
