package assess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfiscal/apura/internal/carryover"
	"github.com/openfiscal/apura/internal/domain"
	"github.com/openfiscal/apura/internal/fiscal"
	"github.com/openfiscal/apura/internal/rules"
)

const engineVersion = "apura-1.0"

// ruleSetTTL bounds how long a cached rule set is served before the
// repository is consulted again.
const ruleSetTTL = 5 * time.Minute

// loadAttempts is how many times a repository read is tried before the
// run is aborted. Store unavailability is the only run-aborting error.
const loadAttempts = 3

// Runner executes one apuração end to end. It is safe for concurrent use;
// all per-run state lives in the Assessment.
type Runner struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	stacker *rules.Stacker
	carry   *carryover.Manager

	reviewThreshold int
}

// RunInput is one batch of line items for a taxpayer and period.
type RunInput struct {
	TaxpayerID string            `json:"taxpayerId"`
	Period     string            `json:"period"` // YYYYMM
	Items      []domain.LineItem `json:"items"`
	TraceID    string            `json:"traceId,omitempty"`
}

// NewRunner wires a runner from its collaborators. The cache and bus are
// optional; a nil cache skips rule-set caching and a nil bus skips event
// publication.
func NewRunner(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, stacker *rules.Stacker, carry *carryover.Manager, reviewThreshold int) *Runner {
	return &Runner{
		repo:            repo,
		cache:           cache,
		bus:             bus,
		engine:          engine,
		stacker:         stacker,
		carry:           carry,
		reviewThreshold: reviewThreshold,
	}
}

// Run executes the full pipeline and persists the assessment. The returned
// assessment is terminal: done, or failed when the store could not be
// reached. Per-item calculation failures never fail the run.
func (r *Runner) Run(ctx context.Context, input *RunInput) (*domain.Assessment, error) {
	start := time.Now()

	tracer := otel.Tracer("apura/assess")
	ctx, span := tracer.Start(ctx, "assess.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("taxpayer_id", input.TaxpayerID),
		attribute.String("period", input.Period),
		attribute.Int("item_count", len(input.Items)),
	)

	if err := validateInput(input); err != nil {
		return nil, err
	}

	traceID := input.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	assessment := domain.NewAssessment(uuid.New().String(), input.TaxpayerID, input.Period)
	assessment.Status = domain.StatusRunning
	assessment.Metadata.TraceID = traceID
	assessment.Metadata.EngineVersion = engineVersion

	slog.Info("run started",
		"assessment_id", assessment.ID,
		"taxpayer_id", input.TaxpayerID,
		"period", input.Period,
		"item_count", len(input.Items),
		"trace_id", traceID,
	)

	// 1. Load rules, benefits, and the period's credit ledger.
	ruleSet, err := r.loadRules(ctx, input.TaxpayerID)
	if err != nil {
		return r.fail(ctx, assessment, start, fmt.Errorf("failed to load rules: %w", err))
	}
	benefits, err := r.loadBenefits(ctx, input.TaxpayerID)
	if err != nil {
		return r.fail(ctx, assessment, start, fmt.Errorf("failed to load benefits: %w", err))
	}
	ledger, err := r.loadLedger(ctx, input.TaxpayerID, input.Period)
	if err != nil {
		return r.fail(ctx, assessment, start, fmt.Errorf("failed to load credit ledger: %w", err))
	}

	// 2. Validate and order the rule set for this run.
	prepared, rejected := r.engine.Prepare(ruleSet)
	for _, rej := range rejected {
		assessment.Observations = append(assessment.Observations,
			fmt.Sprintf("rule %s rejected: %s", rej.RuleID, rej.Reason))
	}
	for _, pr := range prepared {
		assessment.RuleIDs = append(assessment.RuleIDs, pr.Rule.ID)
	}
	assessment.Metadata.RulesLoaded = len(prepared)
	assessment.Metadata.RulesRejected = len(rejected)

	// 3. Apply rules, then stack benefits over the results.
	applyStart := time.Now()
	items := r.engine.Apply(ctx, input.Items, prepared)
	r.stacker.Apply(items, benefits, ledger)
	assessment.Metadata.ApplyMs = time.Since(applyStart).Milliseconds()

	assessment.Items = items
	assessment.Metadata.ItemsProcessed = len(items)
	assessment.Metadata.ItemsFailed = CountFailed(items)

	// 4. Aggregate, settle the protection levy, and score.
	assessment.Totals = Aggregate(items)

	settlement, err := r.carry.Settle(ctx, input.TaxpayerID, input.Period, assessment.Totals.LevyDue)
	if err != nil {
		return r.fail(ctx, assessment, start, fmt.Errorf("failed to settle protection levy: %w", err))
	}
	assessment.PriorCredit = settlement.PriorCredit
	assessment.LevyNetDue = settlement.NetDue
	assessment.Rollover = settlement.Rollover

	assessment.Confidence = Score(items, assessment.Totals)

	assessment.Status = domain.StatusDone
	assessment.FinishedAt = time.Now().UTC()
	assessment.Metadata.TotalMs = time.Since(start).Milliseconds()

	// 5. Persist and publish.
	if err := r.saveAssessment(ctx, assessment); err != nil {
		return r.fail(ctx, assessment, start, fmt.Errorf("failed to save assessment: %w", err))
	}

	r.publish(ctx, input.TaxpayerID, domain.TopicRunCompleted, assessment)
	if assessment.Confidence < r.reviewThreshold {
		slog.Warn("run flagged for review",
			"assessment_id", assessment.ID,
			"confidence", assessment.Confidence,
			"threshold", r.reviewThreshold,
		)
		r.publish(ctx, input.TaxpayerID, domain.TopicReviewAlert, assessment)
	}

	slog.Info("run completed",
		"assessment_id", assessment.ID,
		"taxpayer_id", input.TaxpayerID,
		"period", input.Period,
		"tax_due", assessment.Totals.TaxDue,
		"levy_net_due", assessment.LevyNetDue,
		"confidence", assessment.Confidence,
		"items_failed", assessment.Metadata.ItemsFailed,
		"duration_ms", assessment.Metadata.TotalMs,
	)

	return assessment, nil
}

// validateInput rejects a run before any state is touched.
func validateInput(input *RunInput) error {
	if input == nil {
		return fmt.Errorf("%w: input is required", domain.ErrInvalidInput)
	}
	if !fiscal.IsValidTaxID(input.TaxpayerID) {
		return fmt.Errorf("%w: invalid taxpayer id", domain.ErrInvalidInput)
	}
	if _, err := carryover.PreviousPeriod(input.Period); err != nil {
		return err
	}
	return nil
}

// loadRules reads the active rule set, cache-first.
func (r *Runner) loadRules(ctx context.Context, taxpayerID string) ([]*domain.Rule, error) {
	if r.cache != nil {
		cached, err := r.cache.GetRuleSet(ctx, taxpayerID)
		if err == nil && cached != nil {
			return cached, nil
		}
	}

	var ruleSet []*domain.Rule
	err := withRetry(ctx, func() error {
		var err error
		ruleSet, err = r.repo.ListRules(ctx, taxpayerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetRuleSet(ctx, taxpayerID, ruleSet, ruleSetTTL); err != nil {
			slog.Warn("failed to cache rule set", "taxpayer_id", taxpayerID, "error", err)
		}
	}
	return ruleSet, nil
}

func (r *Runner) loadBenefits(ctx context.Context, taxpayerID string) ([]*domain.Benefit, error) {
	var benefits []*domain.Benefit
	err := withRetry(ctx, func() error {
		var err error
		benefits, err = r.repo.ListBenefits(ctx, taxpayerID)
		return err
	})
	return benefits, err
}

func (r *Runner) loadLedger(ctx context.Context, taxpayerID, period string) ([]*domain.CreditEntry, error) {
	var entries []*domain.CreditEntry
	err := withRetry(ctx, func() error {
		var err error
		entries, err = r.repo.ListCreditEntries(ctx, taxpayerID, period)
		return err
	})
	return entries, err
}

func (r *Runner) saveAssessment(ctx context.Context, assessment *domain.Assessment) error {
	return withRetry(ctx, func() error {
		return r.repo.SaveAssessment(ctx, assessment.TaxpayerID, assessment)
	})
}

// fail marks the assessment failed with zeroed totals, best-effort saves
// it, and publishes the failure event.
func (r *Runner) fail(ctx context.Context, assessment *domain.Assessment, start time.Time, cause error) (*domain.Assessment, error) {
	assessment.Status = domain.StatusFailed
	assessment.Totals = domain.ZeroTotals()
	assessment.Items = nil
	assessment.Observations = append(assessment.Observations, cause.Error())
	assessment.FinishedAt = time.Now().UTC()
	assessment.Metadata.TotalMs = time.Since(start).Milliseconds()

	if err := r.repo.SaveAssessment(ctx, assessment.TaxpayerID, assessment); err != nil {
		slog.Error("failed to save failed assessment",
			"assessment_id", assessment.ID,
			"error", err,
		)
	}
	r.publish(ctx, assessment.TaxpayerID, domain.TopicRunFailed, assessment)

	slog.Error("run failed",
		"assessment_id", assessment.ID,
		"taxpayer_id", assessment.TaxpayerID,
		"period", assessment.Period,
		"error", cause,
	)

	return assessment, cause
}

func (r *Runner) publish(ctx context.Context, taxpayerID, topic string, assessment *domain.Assessment) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(assessment)
	if err := r.bus.Publish(ctx, taxpayerID, topic, payload); err != nil {
		slog.Error("failed to publish run event",
			"assessment_id", assessment.ID,
			"topic", topic,
			"error", err,
		)
	}
}

// withRetry runs a repository read with bounded retries and backoff.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < loadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
