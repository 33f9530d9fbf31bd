// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfiscal/apura/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule stores a rule with taxpayer isolation. An existing rule with
// the same id is updated in place.
func (r *SQLRepository) SaveRule(ctx context.Context, taxpayerID string, rule *domain.Rule) error {
	if taxpayerID == "" {
		return fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)
	calculations, _ := json.Marshal(rule.Calculations)

	active := 0
	if rule.Active {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			id, taxpayer_id, name, kind, conditions, calculations,
			priority, active, source, confidence, guard, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, taxpayer_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			conditions = excluded.conditions,
			calculations = excluded.calculations,
			priority = excluded.priority,
			active = excluded.active,
			source = excluded.source,
			confidence = excluded.confidence,
			guard = excluded.guard,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, taxpayerID, rule.Name, rule.Kind,
		string(conditions), string(calculations),
		rule.Priority, active, rule.Source, rule.Confidence, rule.Guard,
		now, now,
	)
	return err
}

// GetRule retrieves a rule by ID with taxpayer isolation.
func (r *SQLRepository) GetRule(ctx context.Context, taxpayerID string, ruleID string) (*domain.Rule, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, name, kind, conditions, calculations,
			   priority, active, source, confidence, guard
		FROM rules
		WHERE taxpayer_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), taxpayerID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all rules for a taxpayer, ordered for deterministic
// preparation.
func (r *SQLRepository) ListRules(ctx context.Context, taxpayerID string) ([]*domain.Rule, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, name, kind, conditions, calculations,
			   priority, active, source, confidence, guard
		FROM rules
		WHERE taxpayer_id = ?
		ORDER BY priority DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), taxpayerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ruleSet []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		ruleSet = append(ruleSet, rule)
	}

	return ruleSet, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var conditions, calculations string
	var guard sql.NullString
	var active int

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Kind, &conditions, &calculations,
		&rule.Priority, &active, &rule.Source, &rule.Confidence, &guard,
	)
	if err != nil {
		return nil, err
	}

	rule.Active = active == 1
	rule.Guard = guard.String
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse rule conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(calculations), &rule.Calculations); err != nil {
		return nil, fmt.Errorf("failed to parse rule calculations: %w", err)
	}

	return &rule, nil
}

// SaveBenefit stores a benefit with taxpayer isolation.
func (r *SQLRepository) SaveBenefit(ctx context.Context, taxpayerID string, benefit *domain.Benefit) error {
	if taxpayerID == "" {
		return fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	conditions, _ := json.Marshal(benefit.Conditions)

	active := 0
	if benefit.Active {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO benefits (
			id, taxpayer_id, name, kind, sub_tax, conditions, percent, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, taxpayer_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			sub_tax = excluded.sub_tax,
			conditions = excluded.conditions,
			percent = excluded.percent,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		benefit.ID, taxpayerID, benefit.Name, benefit.Kind, benefit.SubTax,
		string(conditions), benefit.Percent.String(), active,
		now, now,
	)
	return err
}

// ListBenefits retrieves all benefits for a taxpayer.
func (r *SQLRepository) ListBenefits(ctx context.Context, taxpayerID string) ([]*domain.Benefit, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, name, kind, sub_tax, conditions, percent, active
		FROM benefits
		WHERE taxpayer_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), taxpayerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var benefits []*domain.Benefit
	for rows.Next() {
		var b domain.Benefit
		var conditions string
		var active int

		if err := rows.Scan(
			&b.ID, &b.Name, &b.Kind, &b.SubTax, &conditions, &b.Percent, &active,
		); err != nil {
			return nil, err
		}

		b.Active = active == 1
		if err := json.Unmarshal([]byte(conditions), &b.Conditions); err != nil {
			return nil, fmt.Errorf("failed to parse benefit conditions for %s: %w", b.ID, err)
		}
		benefits = append(benefits, &b)
	}

	return benefits, rows.Err()
}

// SaveCreditEntry stores a credit ledger row with taxpayer isolation.
func (r *SQLRepository) SaveCreditEntry(ctx context.Context, taxpayerID string, entry *domain.CreditEntry) error {
	if taxpayerID == "" {
		return fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO credit_ledger (
			id, taxpayer_id, period, type, sub_tax, amount, label, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, taxpayerID, entry.Period, entry.Type, entry.SubTax,
		entry.Amount.String(), entry.Label, time.Now().UTC(),
	)
	return err
}

// ListCreditEntries retrieves the credit ledger for a taxpayer and period.
func (r *SQLRepository) ListCreditEntries(ctx context.Context, taxpayerID string, period string) ([]*domain.CreditEntry, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, taxpayer_id, period, type, sub_tax, amount, label
		FROM credit_ledger
		WHERE taxpayer_id = ? AND period = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), taxpayerID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.CreditEntry
	for rows.Next() {
		var e domain.CreditEntry
		if err := rows.Scan(
			&e.ID, &e.TaxpayerID, &e.Period, &e.Type, &e.SubTax, &e.Amount, &e.Label,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// SaveAssessment stores a finished or failed run with taxpayer isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, taxpayerID string, assessment *domain.Assessment) error {
	if taxpayerID == "" {
		return fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	ruleIDs, _ := json.Marshal(assessment.RuleIDs)
	items, _ := json.Marshal(assessment.Items)
	totals, _ := json.Marshal(assessment.Totals)
	observations, _ := json.Marshal(assessment.Observations)
	metadata, _ := json.Marshal(assessment.Metadata)

	query := `
		INSERT INTO assessments (
			id, taxpayer_id, period, status, rule_ids, items, totals,
			prior_credit, levy_net_due, rollover, observations, confidence,
			started_at, finished_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		assessment.ID, taxpayerID, assessment.Period, assessment.Status,
		string(ruleIDs), string(items), string(totals),
		assessment.PriorCredit.String(), assessment.LevyNetDue.String(), assessment.Rollover.String(),
		string(observations), assessment.Confidence,
		assessment.StartedAt, assessment.FinishedAt, string(metadata),
	)
	return err
}

// GetAssessment retrieves a run by ID with taxpayer isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, taxpayerID string, assessmentID string) (*domain.Assessment, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, taxpayer_id, period, status, rule_ids, items, totals,
			   prior_credit, levy_net_due, rollover, observations, confidence,
			   started_at, finished_at, metadata
		FROM assessments
		WHERE taxpayer_id = ? AND id = ?
	`

	var a domain.Assessment
	var ruleIDs, items, totals, observations, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), taxpayerID, assessmentID).Scan(
		&a.ID, &a.TaxpayerID, &a.Period, &a.Status,
		&ruleIDs, &items, &totals,
		&a.PriorCredit, &a.LevyNetDue, &a.Rollover,
		&observations, &a.Confidence,
		&a.StartedAt, &a.FinishedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(ruleIDs), &a.RuleIDs)
	json.Unmarshal([]byte(items), &a.Items)
	json.Unmarshal([]byte(observations), &a.Observations)
	json.Unmarshal([]byte(metadata), &a.Metadata)
	if err := json.Unmarshal([]byte(totals), &a.Totals); err != nil {
		return nil, fmt.Errorf("failed to parse assessment totals: %w", err)
	}

	return &a, nil
}

// GetPeriodCredit retrieves the protection-levy credit recorded for a period.
func (r *SQLRepository) GetPeriodCredit(ctx context.Context, taxpayerID string, period string) (*domain.PeriodCredit, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT taxpayer_id, period, amount, recorded_at
		FROM period_credits
		WHERE taxpayer_id = ? AND period = ?
	`

	var credit domain.PeriodCredit
	err := r.db.QueryRowContext(ctx, r.rebind(query), taxpayerID, period).Scan(
		&credit.TaxpayerID, &credit.Period, &credit.Amount, &credit.RecordedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &credit, nil
}

// SavePeriodCredit upserts a period's protection-levy credit.
func (r *SQLRepository) SavePeriodCredit(ctx context.Context, taxpayerID string, credit *domain.PeriodCredit) error {
	if taxpayerID == "" {
		return fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO period_credits (taxpayer_id, period, amount, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(taxpayer_id, period) DO UPDATE SET
			amount = excluded.amount,
			recorded_at = excluded.recorded_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		taxpayerID, credit.Period, credit.Amount.String(), credit.RecordedAt,
	)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
