package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/assess"
	"github.com/openfiscal/apura/internal/bus"
	"github.com/openfiscal/apura/internal/carryover"
	"github.com/openfiscal/apura/internal/domain"
	"github.com/openfiscal/apura/internal/rules"
)

const testTaxpayerID = "11222333000181"

// memRepo is a minimal in-memory repository for worker tests.
type memRepo struct {
	domain.Repository

	mu          sync.Mutex
	rules       []*domain.Rule
	assessments map[string]*domain.Assessment
	credits     map[string]*domain.PeriodCredit
}

func newMemRepo() *memRepo {
	return &memRepo{
		assessments: make(map[string]*domain.Assessment),
		credits:     make(map[string]*domain.PeriodCredit),
	}
}

func (m *memRepo) ListRules(_ context.Context, _ string) ([]*domain.Rule, error) {
	return m.rules, nil
}

func (m *memRepo) ListBenefits(_ context.Context, _ string) ([]*domain.Benefit, error) {
	return nil, nil
}

func (m *memRepo) ListCreditEntries(_ context.Context, _ string, _ string) ([]*domain.CreditEntry, error) {
	return nil, nil
}

func (m *memRepo) SaveAssessment(_ context.Context, _ string, a *domain.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments[a.ID] = a
	return nil
}

func (m *memRepo) GetPeriodCredit(_ context.Context, taxpayerID, period string) (*domain.PeriodCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	credit, ok := m.credits[taxpayerID+":"+period]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return credit, nil
}

func (m *memRepo) SavePeriodCredit(_ context.Context, taxpayerID string, credit *domain.PeriodCredit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[taxpayerID+":"+credit.Period] = credit
	return nil
}

func (m *memRepo) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assessments)
}

func newTestWorker(t *testing.T, repo *memRepo, eventBus domain.EventBus) *Worker {
	t.Helper()
	engine, err := rules.NewEngine(rules.NewCatalog(), 70, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	runner := assess.NewRunner(repo, nil, eventBus, engine, rules.NewStacker(nil), carryover.NewManager(repo), 50)
	return NewWorker(eventBus, runner)
}

func TestWorkerProcessesRunRequest(t *testing.T) {
	repo := newMemRepo()
	repo.rules = []*domain.Rule{{
		ID:       "r-standard",
		Name:     "standard rate",
		Kind:     domain.KindReducedBase,
		Priority: 1,
		Active:   true,
		Source:   domain.SourceManual,
		Calculations: []domain.Calculation{
			{Target: domain.TargetRate, Formula: "rate.fixed", Params: map[string]string{"percent": "18"}},
		},
	}}

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := newTestWorker(t, repo, eventBus)
	if err := worker.Start(Config{TaxpayerIDs: []string{testTaxpayerID}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer worker.Stop()

	ctx := context.Background()

	// Completion events land on the taxpayer's completed topic.
	var completed sync.WaitGroup
	completed.Add(1)
	var result domain.Assessment
	eventBus.Subscribe(ctx, testTaxpayerID, domain.TopicRunCompleted, func(_ context.Context, msg *domain.Message) error {
		json.Unmarshal(msg.Payload, &result)
		completed.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	payload, _ := json.Marshal(RunMessage{
		TaxpayerID: testTaxpayerID,
		Period:     "202401",
		Items: []domain.LineItem{
			{ID: "i-1", OperationCode: "5102", Amount: decimal.NewFromInt(1000)},
		},
	})
	if err := eventBus.Publish(ctx, testTaxpayerID, domain.TopicRunRequested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		completed.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for run completion")
	}

	if result.Status != domain.StatusDone {
		t.Errorf("expected done status, got %s", result.Status)
	}
	if !result.Totals.TaxDue.Equal(decimal.NewFromInt(180)) {
		t.Errorf("expected tax due 180, got %s", result.Totals.TaxDue)
	}
	if repo.savedCount() != 1 {
		t.Errorf("expected 1 persisted assessment, got %d", repo.savedCount())
	}
}

func TestWorkerRejectsMalformedMessage(t *testing.T) {
	repo := newMemRepo()
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := newTestWorker(t, repo, eventBus)
	if err := worker.Start(Config{TaxpayerIDs: []string{testTaxpayerID}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer worker.Stop()

	ctx := context.Background()
	time.Sleep(10 * time.Millisecond)

	eventBus.Publish(ctx, testTaxpayerID, domain.TopicRunRequested, []byte("not json"))
	time.Sleep(50 * time.Millisecond)

	if repo.savedCount() != 0 {
		t.Errorf("expected no assessments from malformed message, got %d", repo.savedCount())
	}
}

func TestWorkerStats(t *testing.T) {
	repo := newMemRepo()
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := newTestWorker(t, repo, eventBus)
	if err := worker.Start(Config{TaxpayerIDs: []string{testTaxpayerID}}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	stats := worker.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicRunRequested {
		t.Errorf("unexpected topics: %v", stats.Topics)
	}

	if err := worker.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
	if worker.GetStats().SubscriptionCount != 0 {
		t.Error("expected subscriptions cleared after stop")
	}
}
