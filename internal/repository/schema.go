package repository

// Schema definitions for the Apura database.
// Compatible with both SQLite and PostgreSQL. Monetary values are stored
// as TEXT and scanned through decimal.Decimal to avoid float drift.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    taxpayer_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    conditions TEXT NOT NULL,
    calculations TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    source TEXT NOT NULL,
    confidence INTEGER NOT NULL DEFAULT 0,
    guard TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, taxpayer_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_taxpayer ON rules(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(taxpayer_id, active);
`

const schemaBenefits = `
CREATE TABLE IF NOT EXISTS benefits (
    id TEXT NOT NULL,
    taxpayer_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    sub_tax TEXT,
    conditions TEXT NOT NULL,
    percent TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, taxpayer_id)
);

CREATE INDEX IF NOT EXISTS idx_benefits_taxpayer ON benefits(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_benefits_active ON benefits(taxpayer_id, active);
`

const schemaCreditLedger = `
CREATE TABLE IF NOT EXISTS credit_ledger (
    id TEXT NOT NULL,
    taxpayer_id TEXT NOT NULL,
    period TEXT NOT NULL,
    type TEXT NOT NULL,
    sub_tax TEXT NOT NULL,
    amount TEXT NOT NULL,
    label TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, taxpayer_id)
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_taxpayer ON credit_ledger(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_period ON credit_ledger(taxpayer_id, period);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    taxpayer_id TEXT NOT NULL,
    period TEXT NOT NULL,
    status TEXT NOT NULL,
    rule_ids TEXT,
    items TEXT,
    totals TEXT NOT NULL,
    prior_credit TEXT NOT NULL,
    levy_net_due TEXT NOT NULL,
    rollover TEXT NOT NULL,
    observations TEXT,
    confidence INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_taxpayer ON assessments(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_assessments_period ON assessments(taxpayer_id, period);
CREATE INDEX IF NOT EXISTS idx_assessments_status ON assessments(taxpayer_id, status);
`

const schemaPeriodCredits = `
CREATE TABLE IF NOT EXISTS period_credits (
    taxpayer_id TEXT NOT NULL,
    period TEXT NOT NULL,
    amount TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (taxpayer_id, period)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaBenefits,
		schemaCreditLedger,
		schemaAssessments,
		schemaPeriodCredits,
	}
}
