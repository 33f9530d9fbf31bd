// Package domain defines the core interfaces and types for Apura.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require taxpayerID for strict isolation between taxpayers.
type Repository interface {
	// Rule operations
	SaveRule(ctx context.Context, taxpayerID string, rule *Rule) error
	GetRule(ctx context.Context, taxpayerID string, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, taxpayerID string) ([]*Rule, error)

	// Benefit operations
	SaveBenefit(ctx context.Context, taxpayerID string, benefit *Benefit) error
	ListBenefits(ctx context.Context, taxpayerID string) ([]*Benefit, error)

	// Credit ledger
	SaveCreditEntry(ctx context.Context, taxpayerID string, entry *CreditEntry) error
	ListCreditEntries(ctx context.Context, taxpayerID string, period string) ([]*CreditEntry, error)

	// Assessment results
	SaveAssessment(ctx context.Context, taxpayerID string, assessment *Assessment) error
	GetAssessment(ctx context.Context, taxpayerID string, assessmentID string) (*Assessment, error)

	// Cross-period credit
	GetPeriodCredit(ctx context.Context, taxpayerID string, period string) (*PeriodCredit, error)
	SavePeriodCredit(ctx context.Context, taxpayerID string, credit *PeriodCredit) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
