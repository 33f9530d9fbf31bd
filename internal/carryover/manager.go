// Package carryover settles the special protection levy across fiscal
// periods. A period's net payment, or its unused credit, carries forward
// into the next period and offsets its levy debit before anything is owed.
package carryover

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

// Manager reads and writes per-taxpayer period credits. Settlement for a
// given (taxpayer, period) pair is serialized with a per-key lock so two
// concurrent runs cannot both consume the same prior credit.
type Manager struct {
	repo domain.Repository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Settlement is the outcome of netting a period's levy debit against the
// prior period's credit.
type Settlement struct {
	PriorCredit decimal.Decimal `json:"prior_credit"`
	NetDue      decimal.Decimal `json:"net_due"`
	Rollover    decimal.Decimal `json:"rollover"`
}

// NewManager creates a carryover manager backed by the repository.
func NewManager(repo domain.Repository) *Manager {
	return &Manager{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

// PreviousPeriod returns the period immediately before a "YYYYMM" period,
// rolling the year back across January.
func PreviousPeriod(period string) (string, error) {
	if len(period) != 6 {
		return "", fmt.Errorf("%w: period must be YYYYMM, got %q", domain.ErrInvalidInput, period)
	}
	year, err := strconv.Atoi(period[:4])
	if err != nil {
		return "", fmt.Errorf("%w: invalid year in period %q", domain.ErrInvalidInput, period)
	}
	month, err := strconv.Atoi(period[4:])
	if err != nil || month < 1 || month > 12 {
		return "", fmt.Errorf("%w: invalid month in period %q", domain.ErrInvalidInput, period)
	}

	month--
	if month == 0 {
		month = 12
		year--
	}
	return fmt.Sprintf("%04d%02d", year, month), nil
}

// PriorCredit returns the credit carried into a period, which is the
// credit recorded for the period before it. A missing record means zero.
func (m *Manager) PriorCredit(ctx context.Context, taxpayerID, period string) (decimal.Decimal, error) {
	prev, err := PreviousPeriod(period)
	if err != nil {
		return decimal.Zero, err
	}

	credit, err := m.repo.GetPeriodCredit(ctx, taxpayerID, prev)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load prior credit: %w", err)
	}
	return credit.Amount, nil
}

// Settle nets a period's levy debit against the prior period's credit and
// persists this period's credit record, so the next period's settlement
// can read it. Exactly one of NetDue and Rollover is nonzero: a paid levy
// carries the payment forward, an unconsumed credit carries the remainder.
// The read-compute-write sequence runs under a per-(taxpayer, period) lock.
func (m *Manager) Settle(ctx context.Context, taxpayerID, period string, debit decimal.Decimal) (*Settlement, error) {
	lock := m.keyLock(taxpayerID + ":" + period)
	lock.Lock()
	defer lock.Unlock()

	prior, err := m.PriorCredit(ctx, taxpayerID, period)
	if err != nil {
		return nil, err
	}

	net := debit.Sub(prior)
	settlement := &Settlement{PriorCredit: prior}
	if net.IsNegative() {
		settlement.Rollover = net.Neg()
	} else {
		settlement.NetDue = net
	}

	record := &domain.PeriodCredit{
		TaxpayerID: taxpayerID,
		Period:     period,
		Amount:     settlement.NetDue.Add(settlement.Rollover),
		RecordedAt: time.Now().UTC(),
	}
	if err := m.repo.SavePeriodCredit(ctx, taxpayerID, record); err != nil {
		return nil, fmt.Errorf("failed to persist period credit: %w", err)
	}

	return settlement, nil
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}
