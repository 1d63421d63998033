// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/settlement"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.VerificationStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.DisputeStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema when absent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS escrow_transactions (
			id TEXT PRIMARY KEY,
			property_ref TEXT NOT NULL,
			buyer_ref TEXT NOT NULL,
			seller_ref TEXT NOT NULL,
			state TEXT NOT NULL,
			prior_state TEXT,
			frozen BOOLEAN NOT NULL DEFAULT FALSE,
			verifications JSONB NOT NULL,
			purchase_price BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS verification_tasks (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			findings JSONB,
			documents JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment_agents (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			type TEXT NOT NULL,
			allocated_budget BIGINT NOT NULL,
			spent BIGINT NOT NULL DEFAULT 0,
			credential_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			milestone TEXT NOT NULL,
			amount BIGINT NOT NULL,
			recipient TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			external_ref TEXT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			payment_ids JSONB,
			status TEXT NOT NULL,
			checks JSONB,
			blocked_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_policies (
			transaction_id TEXT PRIMARY KEY,
			multisig_required INT NOT NULL DEFAULT 0,
			approvals JSONB,
			timelock_until TIMESTAMPTZ,
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS disputes (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			raised_by TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			sequence BIGINT PRIMARY KEY,
			prev_hash TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			event_type TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			transaction_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_payloads (
			payload_hash TEXT PRIMARY KEY,
			payload BYTEA NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- TransactionStore -------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx escrow.Transaction) (escrow.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	verifJSON, err := json.Marshal(tx.Verifications)
	if err != nil {
		return escrow.Transaction{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions
			(id, property_ref, buyer_ref, seller_ref, state, prior_state, frozen, verifications, purchase_price, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tx.ID, tx.PropertyRef, tx.BuyerRef, tx.SellerRef, tx.State, nullString(string(tx.PriorState)),
		tx.Frozen, verifJSON, tx.PurchasePrice, tx.CreatedAt, tx.UpdatedAt, nullTime(tx.ClosedAt))
	if err != nil {
		return escrow.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx escrow.Transaction) (escrow.Transaction, error) {
	verifJSON, err := json.Marshal(tx.Verifications)
	if err != nil {
		return escrow.Transaction{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET state = $2, prior_state = $3, frozen = $4, verifications = $5, updated_at = $6, closed_at = $7
		WHERE id = $1
	`, tx.ID, tx.State, nullString(string(tx.PriorState)), tx.Frozen, verifJSON, tx.UpdatedAt, nullTime(tx.ClosedAt))
	if err != nil {
		return escrow.Transaction{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return escrow.Transaction{}, storage.ErrNotFound
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (escrow.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, property_ref, buyer_ref, seller_ref, state, prior_state, frozen, verifications, purchase_price, created_at, updated_at, closed_at
		FROM escrow_transactions
		WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context) ([]escrow.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, property_ref, buyer_ref, seller_ref, state, prior_state, frozen, verifications, purchase_price, created_at, updated_at, closed_at
		FROM escrow_transactions
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []escrow.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (escrow.Transaction, error) {
	var (
		tx         escrow.Transaction
		priorState sql.NullString
		verifRaw   []byte
		closedAt   sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.PropertyRef, &tx.BuyerRef, &tx.SellerRef, &tx.State, &priorState,
		&tx.Frozen, &verifRaw, &tx.PurchasePrice, &tx.CreatedAt, &tx.UpdatedAt, &closedAt)
	if err != nil {
		return escrow.Transaction{}, notFound(err)
	}
	tx.PriorState = escrow.State(priorState.String)
	if closedAt.Valid {
		t := closedAt.Time
		tx.ClosedAt = &t
	}
	if len(verifRaw) > 0 {
		_ = json.Unmarshal(verifRaw, &tx.Verifications)
	}
	return tx, nil
}

// --- VerificationStore ------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, task verification.Task) (verification.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	findingsJSON, documentsJSON, err := marshalTaskBlobs(task)
	if err != nil {
		return verification.Task{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verification_tasks (id, transaction_id, type, state, agent_id, findings, documents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, task.ID, task.TransactionID, task.Type, task.State, task.AgentID, findingsJSON, documentsJSON, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return verification.Task{}, err
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, task verification.Task) (verification.Task, error) {
	findingsJSON, documentsJSON, err := marshalTaskBlobs(task)
	if err != nil {
		return verification.Task{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE verification_tasks
		SET state = $2, findings = $3, documents = $4, updated_at = $5
		WHERE id = $1
	`, task.ID, task.State, findingsJSON, documentsJSON, task.UpdatedAt)
	if err != nil {
		return verification.Task{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return verification.Task{}, storage.ErrNotFound
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (verification.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, type, state, agent_id, findings, documents, created_at, updated_at
		FROM verification_tasks
		WHERE id = $1
	`, id)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, transactionID string) ([]verification.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, type, state, agent_id, findings, documents, created_at, updated_at
		FROM verification_tasks
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []verification.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func marshalTaskBlobs(task verification.Task) ([]byte, []byte, error) {
	findingsJSON, err := json.Marshal(task.Findings)
	if err != nil {
		return nil, nil, err
	}
	documentsJSON, err := json.Marshal(task.Documents)
	if err != nil {
		return nil, nil, err
	}
	return findingsJSON, documentsJSON, nil
}

func scanTask(row rowScanner) (verification.Task, error) {
	var (
		task         verification.Task
		findingsRaw  []byte
		documentsRaw []byte
	)
	err := row.Scan(&task.ID, &task.TransactionID, &task.Type, &task.State, &task.AgentID,
		&findingsRaw, &documentsRaw, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return verification.Task{}, notFound(err)
	}
	if len(findingsRaw) > 0 {
		_ = json.Unmarshal(findingsRaw, &task.Findings)
	}
	if len(documentsRaw) > 0 {
		_ = json.Unmarshal(documentsRaw, &task.Documents)
	}
	return task, nil
}

// --- AgentStore -------------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, agent payment.Agent) (payment.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_agents (id, transaction_id, type, allocated_budget, spent, credential_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, agent.ID, agent.TransactionID, agent.Type, agent.AllocatedBudget, agent.Spent,
		nullString(agent.CredentialRef), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return payment.Agent{}, err
	}
	return agent, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent payment.Agent) (payment.Agent, error) {
	// The allocated budget is immutable once the agent is funded.
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_agents
		SET spent = $2, credential_ref = $3, updated_at = $4
		WHERE id = $1
	`, agent.ID, agent.Spent, nullString(agent.CredentialRef), agent.UpdatedAt)
	if err != nil {
		return payment.Agent{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Agent{}, storage.ErrNotFound
	}
	return s.GetAgent(ctx, agent.ID)
}

func (s *Store) GetAgent(ctx context.Context, id string) (payment.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, type, allocated_budget, spent, credential_ref, created_at, updated_at
		FROM payment_agents
		WHERE id = $1
	`, id)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context, transactionID string) ([]payment.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, type, allocated_budget, spent, credential_ref, created_at, updated_at
		FROM payment_agents
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []payment.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

func scanAgent(row rowScanner) (payment.Agent, error) {
	var (
		agent         payment.Agent
		credentialRef sql.NullString
	)
	err := row.Scan(&agent.ID, &agent.TransactionID, &agent.Type, &agent.AllocatedBudget,
		&agent.Spent, &credentialRef, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return payment.Agent{}, notFound(err)
	}
	agent.CredentialRef = credentialRef.String
	return agent, nil
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, transaction_id, agent_id, milestone, amount, recipient, status, idempotency_key, external_ref, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.TransactionID, p.AgentID, p.Milestone, p.Amount, p.Recipient, p.Status,
		p.IdempotencyKey, nullString(p.ExternalRef), nullString(p.FailureReason), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	return p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET amount = $2, status = $3, external_ref = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1
	`, p.ID, p.Amount, p.Status, nullString(p.ExternalRef), nullString(p.FailureReason), p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (payment.Payment, error) {
	return s.paymentBy(ctx, "id", id)
}

func (s *Store) GetPaymentByKey(ctx context.Context, idempotencyKey string) (payment.Payment, error) {
	return s.paymentBy(ctx, "idempotency_key", idempotencyKey)
}

func (s *Store) paymentBy(ctx context.Context, column, value string) (payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, agent_id, milestone, amount, recipient, status, idempotency_key, external_ref, failure_reason, created_at, updated_at
		FROM payments
		WHERE `+column+` = $1
	`, value)
	return scanPayment(row)
}

func (s *Store) ListPayments(ctx context.Context, transactionID string) ([]payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, agent_id, milestone, amount, recipient, status, idempotency_key, external_ref, failure_reason, created_at, updated_at
		FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPayment(row rowScanner) (payment.Payment, error) {
	var (
		p             payment.Payment
		externalRef   sql.NullString
		failureReason sql.NullString
	)
	err := row.Scan(&p.ID, &p.TransactionID, &p.AgentID, &p.Milestone, &p.Amount, &p.Recipient,
		&p.Status, &p.IdempotencyKey, &externalRef, &failureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, notFound(err)
	}
	p.ExternalRef = externalRef.String
	p.FailureReason = failureReason.String
	return p, nil
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateSettlement(ctx context.Context, rec settlement.Settlement) (settlement.Settlement, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	paymentIDsJSON, checksJSON, err := marshalSettlementBlobs(rec)
	if err != nil {
		return settlement.Settlement{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlements (id, transaction_id, payment_ids, status, checks, blocked_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.TransactionID, paymentIDsJSON, rec.Status, checksJSON, nullString(rec.BlockedReason), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return settlement.Settlement{}, err
	}
	return rec, nil
}

func (s *Store) UpdateSettlement(ctx context.Context, rec settlement.Settlement) (settlement.Settlement, error) {
	paymentIDsJSON, checksJSON, err := marshalSettlementBlobs(rec)
	if err != nil {
		return settlement.Settlement{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE settlements
		SET payment_ids = $2, status = $3, checks = $4, blocked_reason = $5, updated_at = $6
		WHERE id = $1
	`, rec.ID, paymentIDsJSON, rec.Status, checksJSON, nullString(rec.BlockedReason), rec.UpdatedAt)
	if err != nil {
		return settlement.Settlement{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.Settlement{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetSettlementByTransaction(ctx context.Context, transactionID string) (settlement.Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, payment_ids, status, checks, blocked_reason, created_at, updated_at
		FROM settlements
		WHERE transaction_id = $1
	`, transactionID)
	return scanSettlement(row)
}

func (s *Store) ListBlockedSettlements(ctx context.Context) ([]settlement.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, payment_ids, status, checks, blocked_reason, created_at, updated_at
		FROM settlements
		WHERE status = $1
		ORDER BY created_at
	`, settlement.StatusBlocked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.Settlement
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func marshalSettlementBlobs(rec settlement.Settlement) ([]byte, []byte, error) {
	paymentIDsJSON, err := json.Marshal(rec.PaymentIDs)
	if err != nil {
		return nil, nil, err
	}
	checksJSON, err := json.Marshal(rec.Checks)
	if err != nil {
		return nil, nil, err
	}
	return paymentIDsJSON, checksJSON, nil
}

func scanSettlement(row rowScanner) (settlement.Settlement, error) {
	var (
		rec           settlement.Settlement
		paymentIDsRaw []byte
		checksRaw     []byte
		blockedReason sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.TransactionID, &paymentIDsRaw, &rec.Status, &checksRaw,
		&blockedReason, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return settlement.Settlement{}, notFound(err)
	}
	rec.BlockedReason = blockedReason.String
	if len(paymentIDsRaw) > 0 {
		_ = json.Unmarshal(paymentIDsRaw, &rec.PaymentIDs)
	}
	if len(checksRaw) > 0 {
		_ = json.Unmarshal(checksRaw, &rec.Checks)
	}
	return rec, nil
}

func (s *Store) PutWalletPolicy(ctx context.Context, policy settlement.WalletPolicy) (settlement.WalletPolicy, error) {
	approvalsJSON, err := json.Marshal(policy.Approvals)
	if err != nil {
		return settlement.WalletPolicy{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallet_policies (transaction_id, multisig_required, approvals, timelock_until, paused, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO UPDATE
		SET multisig_required = EXCLUDED.multisig_required,
		    approvals = EXCLUDED.approvals,
		    timelock_until = EXCLUDED.timelock_until,
		    paused = EXCLUDED.paused,
		    updated_at = EXCLUDED.updated_at
	`, policy.TransactionID, policy.MultisigRequired, approvalsJSON,
		nullTimeValue(policy.TimelockUntil), policy.Paused, policy.UpdatedAt)
	if err != nil {
		return settlement.WalletPolicy{}, err
	}
	return policy, nil
}

func (s *Store) GetWalletPolicy(ctx context.Context, transactionID string) (settlement.WalletPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, multisig_required, approvals, timelock_until, paused, updated_at
		FROM wallet_policies
		WHERE transaction_id = $1
	`, transactionID)

	var (
		policy        settlement.WalletPolicy
		approvalsRaw  []byte
		timelockUntil sql.NullTime
	)
	err := row.Scan(&policy.TransactionID, &policy.MultisigRequired, &approvalsRaw, &timelockUntil, &policy.Paused, &policy.UpdatedAt)
	if err != nil {
		return settlement.WalletPolicy{}, notFound(err)
	}
	policy.TimelockUntil = timelockUntil.Time
	if len(approvalsRaw) > 0 {
		_ = json.Unmarshal(approvalsRaw, &policy.Approvals)
	}
	return policy, nil
}

// --- DisputeStore -----------------------------------------------------------

func (s *Store) CreateDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, raised_by, reason, status, outcome, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.TransactionID, d.RaisedBy, d.Reason, d.Status, nullString(string(d.Outcome)), d.CreatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		return dispute.Dispute{}, err
	}
	return d, nil
}

func (s *Store) UpdateDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, outcome = $3, resolved_at = $4
		WHERE id = $1
	`, d.ID, d.Status, nullString(string(d.Outcome)), nullTime(d.ResolvedAt))
	if err != nil {
		return dispute.Dispute{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return dispute.Dispute{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (dispute.Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, raised_by, reason, status, outcome, created_at, resolved_at
		FROM disputes
		WHERE id = $1
	`, id)
	return scanDispute(row)
}

func (s *Store) ListDisputes(ctx context.Context, transactionID string) ([]dispute.Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, raised_by, reason, status, outcome, created_at, resolved_at
		FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []dispute.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) OpenDisputeExists(ctx context.Context, transactionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM disputes
		WHERE transaction_id = $1 AND status = $2
	`, transactionID, dispute.StatusOpen).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanDispute(row rowScanner) (dispute.Dispute, error) {
	var (
		d          dispute.Dispute
		outcome    sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.RaisedBy, &d.Reason, &d.Status, &outcome, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return dispute.Dispute{}, notFound(err)
	}
	d.Outcome = dispute.Outcome(outcome.String)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, ev audit.Event, payload []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (sequence, prev_hash, payload_hash, event_type, recorded_at, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.Sequence, ev.PrevHash, ev.PayloadHash, ev.EventType, ev.Timestamp, ev.TransactionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_payloads (payload_hash, payload)
		VALUES ($1, $2)
		ON CONFLICT (payload_hash) DO NOTHING
	`, ev.PayloadHash, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) LatestEvent(ctx context.Context) (audit.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, prev_hash, payload_hash, event_type, recorded_at, transaction_id
		FROM ledger_events
		ORDER BY sequence DESC
		LIMIT 1
	`)
	ev, err := scanEvent(row)
	if errors.Is(err, storage.ErrNotFound) {
		return audit.Event{}, false, nil
	}
	if err != nil {
		return audit.Event{}, false, err
	}
	return ev, true, nil
}

func (s *Store) ListEvents(ctx context.Context, from, to uint64) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, prev_hash, payload_hash, event_type, recorded_at, transaction_id
		FROM ledger_events
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) ListEventsByTransaction(ctx context.Context, transactionID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, prev_hash, payload_hash, event_type, recorded_at, transaction_id
		FROM ledger_events
		WHERE transaction_id = $1
		ORDER BY sequence
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) GetPayload(ctx context.Context, payloadHash string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM ledger_payloads WHERE payload_hash = $1
	`, payloadHash).Scan(&payload)
	if err != nil {
		return nil, notFound(err)
	}
	return payload, nil
}

func collectEvents(rows *sql.Rows) ([]audit.Event, error) {
	var result []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func scanEvent(row rowScanner) (audit.Event, error) {
	var ev audit.Event
	err := row.Scan(&ev.Sequence, &ev.PrevHash, &ev.PayloadHash, &ev.EventType, &ev.Timestamp, &ev.TransactionID)
	if err != nil {
		return audit.Event{}, notFound(err)
	}
	return ev, nil
}

// --- helpers ----------------------------------------------------------------

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeValue(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
