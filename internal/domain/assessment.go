package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Assessment is one apuração run for a taxpayer and period. It is created
// pending, owned and mutated by the runner, and immutable once the status
// reaches done or failed.
type Assessment struct {
	ID         string `json:"id"`
	TaxpayerID string `json:"taxpayerId"`
	Period     string `json:"period"` // YYYYMM

	Status string `json:"status"` // pending, running, done, failed

	// Rules considered for the run, after validation.
	RuleIDs []string `json:"ruleIds,omitempty"`

	Items  []*ItemResult `json:"items,omitempty"`
	Totals Totals        `json:"totals"`

	// Protection levy settlement for the period.
	PriorCredit decimal.Decimal `json:"priorCredit"`
	LevyNetDue  decimal.Decimal `json:"levyNetDue"`
	Rollover    decimal.Decimal `json:"rollover"`

	Observations []string `json:"observations,omitempty"`

	// Confidence is the 0-100 heuristic quality signal for the batch.
	Confidence int `json:"confidence"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Processing metadata
	Metadata RunMetadata `json:"metadata"`
}

// Run statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// RunMetadata records processing information for a run.
type RunMetadata struct {
	TraceID        string `json:"traceId"`
	RulesLoaded    int    `json:"rulesLoaded"`
	RulesRejected  int    `json:"rulesRejected"`
	ItemsProcessed int    `json:"itemsProcessed"`
	ItemsFailed    int    `json:"itemsFailed"`
	ApplyMs        int64  `json:"applyMs"`
	TotalMs        int64  `json:"totalMs"`
	EngineVersion  string `json:"engineVersion"`
}

// Totals aggregates item results for a period. Derived by the aggregator,
// never edited directly.
type Totals struct {
	Amount           decimal.Decimal `json:"amount"`
	Base             decimal.Decimal `json:"base"`
	TaxDue           decimal.Decimal `json:"taxDue"`
	SubstitutionBase decimal.Decimal `json:"substitutionBase"`
	SubstitutionDue  decimal.Decimal `json:"substitutionDue"`
	DifferentialDue  decimal.Decimal `json:"differentialDue"`
	PresumedCredit   decimal.Decimal `json:"presumedCredit"`
	LevyDue          decimal.Decimal `json:"levyDue"`

	// ByRule maps rule id to its primary tax contribution.
	ByRule map[string]decimal.Decimal `json:"byRule,omitempty"`
}

// ZeroTotals returns an empty Totals with an initialized rule map.
func ZeroTotals() Totals {
	return Totals{ByRule: make(map[string]decimal.Decimal)}
}

// PeriodCredit is the net protection-levy payment of one period, read back
// as available credit by the following period's run. It is the only entity
// whose lifecycle spans more than one run.
type PeriodCredit struct {
	TaxpayerID string          `json:"taxpayerId"`
	Period     string          `json:"period"` // YYYYMM
	Amount     decimal.Decimal `json:"amount"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// NewAssessment starts a pending run.
func NewAssessment(id, taxpayerID, period string) *Assessment {
	return &Assessment{
		ID:         id,
		TaxpayerID: taxpayerID,
		Period:     period,
		Status:     StatusPending,
		Totals:     ZeroTotals(),
		StartedAt:  time.Now().UTC(),
	}
}

// Finished reports whether the run reached a terminal status.
func (a *Assessment) Finished() bool {
	return a.Status == StatusDone || a.Status == StatusFailed
}
