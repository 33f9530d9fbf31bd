package assess

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/carryover"
	"github.com/openfiscal/apura/internal/domain"
	"github.com/openfiscal/apura/internal/rules"
)

const testTaxpayerID = "11222333000181"

// fakeRepo is an in-memory repository for runner tests.
type fakeRepo struct {
	domain.Repository

	mu          sync.Mutex
	rules       []*domain.Rule
	benefits    []*domain.Benefit
	ledger      []*domain.CreditEntry
	assessments map[string]*domain.Assessment
	credits     map[string]*domain.PeriodCredit

	failReads bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		assessments: make(map[string]*domain.Assessment),
		credits:     make(map[string]*domain.PeriodCredit),
	}
}

func (f *fakeRepo) ListRules(_ context.Context, _ string) ([]*domain.Rule, error) {
	if f.failReads {
		return nil, errors.New("connection refused")
	}
	return f.rules, nil
}

func (f *fakeRepo) ListBenefits(_ context.Context, _ string) ([]*domain.Benefit, error) {
	if f.failReads {
		return nil, errors.New("connection refused")
	}
	return f.benefits, nil
}

func (f *fakeRepo) ListCreditEntries(_ context.Context, _ string, _ string) ([]*domain.CreditEntry, error) {
	if f.failReads {
		return nil, errors.New("connection refused")
	}
	return f.ledger, nil
}

func (f *fakeRepo) SaveAssessment(_ context.Context, _ string, a *domain.Assessment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessments[a.ID] = a
	return nil
}

func (f *fakeRepo) GetPeriodCredit(_ context.Context, taxpayerID, period string) (*domain.PeriodCredit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credit, ok := f.credits[taxpayerID+":"+period]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return credit, nil
}

func (f *fakeRepo) SavePeriodCredit(_ context.Context, taxpayerID string, credit *domain.PeriodCredit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[taxpayerID+":"+credit.Period] = credit
	return nil
}

// fakeBus records published topics.
type fakeBus struct {
	domain.EventBus

	mu     sync.Mutex
	topics []string
}

func (f *fakeBus) Publish(_ context.Context, _ string, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeBus) published(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func newTestRunner(t *testing.T, repo *fakeRepo, bus *fakeBus) *Runner {
	t.Helper()
	engine, err := rules.NewEngine(rules.NewCatalog(), 70, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	var eventBus domain.EventBus
	if bus != nil {
		eventBus = bus
	}
	return NewRunner(repo, nil, eventBus, engine, rules.NewStacker(nil), carryover.NewManager(repo), 50)
}

func standardRateRule() *domain.Rule {
	return &domain.Rule{
		ID:       "r-standard",
		Name:     "standard rate",
		Kind:     domain.KindReducedBase,
		Priority: 1,
		Active:   true,
		Source:   domain.SourceManual,
		Calculations: []domain.Calculation{
			{Target: domain.TargetRate, Formula: "rate.fixed", Params: map[string]string{"percent": "18"}},
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	repo := newFakeRepo()
	repo.rules = []*domain.Rule{standardRateRule()}
	bus := &fakeBus{}
	runner := newTestRunner(t, repo, bus)

	input := &RunInput{
		TaxpayerID: testTaxpayerID,
		Period:     "202401",
		Items: []domain.LineItem{
			{ID: "i-1", OperationCode: "5102", Amount: decimal.NewFromInt(1000)},
			{ID: "i-2", OperationCode: "5102", Amount: decimal.NewFromInt(500)},
		},
	}

	assessment, err := runner.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if assessment.Status != domain.StatusDone {
		t.Errorf("expected status done, got %s", assessment.Status)
	}
	if !assessment.Totals.TaxDue.Equal(decimal.NewFromInt(270)) {
		t.Errorf("expected total tax due 270, got %s", assessment.Totals.TaxDue)
	}
	if assessment.Metadata.ItemsProcessed != 2 || assessment.Metadata.ItemsFailed != 0 {
		t.Errorf("unexpected item counts: %+v", assessment.Metadata)
	}
	if assessment.Metadata.RulesLoaded != 1 {
		t.Errorf("expected 1 rule loaded, got %d", assessment.Metadata.RulesLoaded)
	}
	if assessment.Confidence < 50 {
		t.Errorf("expected confident run, got %d", assessment.Confidence)
	}
	if !assessment.Finished() {
		t.Error("expected terminal assessment")
	}

	if repo.assessments[assessment.ID] == nil {
		t.Error("expected assessment to be persisted")
	}
	if !bus.published(domain.TopicRunCompleted) {
		t.Error("expected completion event")
	}
	if bus.published(domain.TopicReviewAlert) {
		t.Error("did not expect a review alert for a confident run")
	}
}

func TestRunRejectsInvalidTaxpayer(t *testing.T) {
	runner := newTestRunner(t, newFakeRepo(), nil)

	_, err := runner.Run(context.Background(), &RunInput{
		TaxpayerID: "11111111111111",
		Period:     "202401",
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input error, got %v", err)
	}

	_, err = runner.Run(context.Background(), &RunInput{
		TaxpayerID: testTaxpayerID,
		Period:     "2024-01",
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid period error, got %v", err)
	}
}

func TestRunStoreUnavailableFailsRun(t *testing.T) {
	repo := newFakeRepo()
	repo.failReads = true
	bus := &fakeBus{}
	runner := newTestRunner(t, repo, bus)

	assessment, err := runner.Run(context.Background(), &RunInput{
		TaxpayerID: testTaxpayerID,
		Period:     "202401",
		Items:      []domain.LineItem{{ID: "i-1", Amount: decimal.NewFromInt(1000)}},
	})
	if err == nil {
		t.Fatal("expected run to fail when the store is unavailable")
	}

	if assessment.Status != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", assessment.Status)
	}
	if !assessment.Totals.TaxDue.IsZero() {
		t.Errorf("expected zeroed totals on failure, got %s", assessment.Totals.TaxDue)
	}
	if !bus.published(domain.TopicRunFailed) {
		t.Error("expected failure event")
	}
}

func TestRunItemFailureIsIsolated(t *testing.T) {
	repo := newFakeRepo()
	// rate.by-dest-state without params resolves every rate to zero; to
	// force an item error we use a formula registered to panic.
	repo.rules = []*domain.Rule{standardRateRule()}
	bus := &fakeBus{}

	engine, err := rules.NewEngine(rules.NewCatalog(), 70, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	engine.Catalog().Register("rate.explode", func(res *domain.ItemResult, _ map[string]string) decimal.Decimal {
		if res.Item.ID == "i-bad" {
			panic("boom")
		}
		return decimal.NewFromInt(18)
	})
	repo.rules[0].Calculations[0].Formula = "rate.explode"

	runner := NewRunner(repo, nil, bus, engine, rules.NewStacker(nil), carryover.NewManager(repo), 50)

	assessment, err := runner.Run(context.Background(), &RunInput{
		TaxpayerID: testTaxpayerID,
		Period:     "202401",
		Items: []domain.LineItem{
			{ID: "i-good", Amount: decimal.NewFromInt(1000)},
			{ID: "i-bad", Amount: decimal.NewFromInt(1000)},
		},
	})
	if err != nil {
		t.Fatalf("expected run to survive an item failure: %v", err)
	}

	if assessment.Status != domain.StatusDone {
		t.Errorf("expected done status, got %s", assessment.Status)
	}
	if assessment.Metadata.ItemsFailed != 1 {
		t.Errorf("expected 1 failed item, got %d", assessment.Metadata.ItemsFailed)
	}
	// Only the healthy item reaches the totals.
	if !assessment.Totals.TaxDue.Equal(decimal.NewFromInt(180)) {
		t.Errorf("expected tax due 180, got %s", assessment.Totals.TaxDue)
	}
}

func TestRunLevySettlementAcrossPeriods(t *testing.T) {
	repo := newFakeRepo()
	levy := &domain.Rule{
		ID:       "r-levy",
		Name:     "protection levy",
		Kind:     domain.KindProtectionLevy,
		Priority: 1,
		Active:   true,
		Source:   domain.SourceManual,
		Calculations: []domain.Calculation{
			{Target: domain.TargetLevy, Formula: "levy.rate-of-base", Params: map[string]string{"percent": "2"}},
		},
	}
	repo.rules = []*domain.Rule{levy}
	runner := newTestRunner(t, repo, nil)
	ctx := context.Background()

	// January: levy 2% of 25000 = 500 due, nothing carried in.
	jan, err := runner.Run(ctx, &RunInput{
		TaxpayerID: testTaxpayerID,
		Period:     "202401",
		Items:      []domain.LineItem{{ID: "i-1", Amount: decimal.NewFromInt(25000)}},
	})
	if err != nil {
		t.Fatalf("january run failed: %v", err)
	}
	if !jan.LevyNetDue.Equal(decimal.NewFromInt(500)) {
		t.Errorf("expected january levy 500, got %s", jan.LevyNetDue)
	}

	// February: levy 300, fully offset by January's 500 payment, 200
	// rolls over.
	feb, err := runner.Run(ctx, &RunInput{
		TaxpayerID: testTaxpayerID,
		Period:     "202402",
		Items:      []domain.LineItem{{ID: "i-1", Amount: decimal.NewFromInt(15000)}},
	})
	if err != nil {
		t.Fatalf("february run failed: %v", err)
	}
	if !feb.PriorCredit.Equal(decimal.NewFromInt(500)) {
		t.Errorf("expected prior credit 500, got %s", feb.PriorCredit)
	}
	if !feb.LevyNetDue.IsZero() {
		t.Errorf("expected zero net due, got %s", feb.LevyNetDue)
	}
	if !feb.Rollover.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected rollover 200, got %s", feb.Rollover)
	}
}

func TestRunTotalsInvariantUnderItemOrder(t *testing.T) {
	repo := newFakeRepo()
	repo.rules = []*domain.Rule{standardRateRule()}
	runner := newTestRunner(t, repo, nil)
	ctx := context.Background()

	items := make([]domain.LineItem, 20)
	for i := range items {
		items[i] = domain.LineItem{
			ID:     fmt.Sprintf("i-%d", i),
			Amount: decimal.NewFromInt(int64(100 + i*37)),
		}
	}

	base, err := runner.Run(ctx, &RunInput{TaxpayerID: testTaxpayerID, Period: "202401", Items: items})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		shuffled := make([]domain.LineItem, len(items))
		copy(shuffled, items)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got, err := runner.Run(ctx, &RunInput{TaxpayerID: testTaxpayerID, Period: "202401", Items: shuffled})
		if err != nil {
			t.Fatalf("shuffled run failed: %v", err)
		}
		if !got.Totals.TaxDue.Equal(base.Totals.TaxDue) {
			t.Errorf("trial %d: tax due %s differs from %s", trial, got.Totals.TaxDue, base.Totals.TaxDue)
		}
		if !got.Totals.Base.Equal(base.Totals.Base) {
			t.Errorf("trial %d: base %s differs from %s", trial, got.Totals.Base, base.Totals.Base)
		}
	}
}
