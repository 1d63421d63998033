package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/settlement"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu               sync.RWMutex
	nextID           int64
	transactions     map[string]escrow.Transaction
	tasks            map[string]verification.Task
	agents           map[string]payment.Agent
	payments         map[string]payment.Payment
	paymentsByKey    map[string]string
	settlements      map[string]settlement.Settlement
	settlementsByTx  map[string]string
	walletPolicies   map[string]settlement.WalletPolicy
	disputes         map[string]dispute.Dispute
	events           []audit.Event
	payloads         map[string][]byte
	idempotency      map[string]idempotencyEntry
}

type idempotencyEntry struct {
	externalRef string
	done        bool
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.VerificationStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.DisputeStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:          1,
		transactions:    make(map[string]escrow.Transaction),
		tasks:           make(map[string]verification.Task),
		agents:          make(map[string]payment.Agent),
		payments:        make(map[string]payment.Payment),
		paymentsByKey:   make(map[string]string),
		settlements:     make(map[string]settlement.Settlement),
		settlementsByTx: make(map[string]string),
		walletPolicies:  make(map[string]settlement.WalletPolicy),
		disputes:        make(map[string]dispute.Dispute),
		payloads:        make(map[string][]byte),
		idempotency:     make(map[string]idempotencyEntry),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx escrow.Transaction) (escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return escrow.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Verifications = append([]verification.Type(nil), tx.Verifications...)

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx escrow.Transaction) (escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactions[tx.ID]
	if !ok {
		return escrow.Transaction{}, storage.ErrNotFound
	}

	tx.CreatedAt = original.CreatedAt
	tx.UpdatedAt = time.Now().UTC()
	tx.Verifications = append([]verification.Type(nil), tx.Verifications...)

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (escrow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return escrow.Transaction{}, storage.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context) ([]escrow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]escrow.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		result = append(result, cloneTransaction(tx))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// VerificationStore implementation --------------------------------------------

func (s *Store) CreateTask(_ context.Context, task verification.Task) (verification.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = s.nextIDLocked()
	} else if _, exists := s.tasks[task.ID]; exists {
		return verification.Task{}, fmt.Errorf("task %s already exists", task.ID)
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Findings = copyMap(task.Findings)
	task.Documents = append([]string(nil), task.Documents...)

	s.tasks[task.ID] = task
	return cloneTask(task), nil
}

func (s *Store) UpdateTask(_ context.Context, task verification.Task) (verification.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tasks[task.ID]
	if !ok {
		return verification.Task{}, storage.ErrNotFound
	}

	task.CreatedAt = original.CreatedAt
	task.UpdatedAt = time.Now().UTC()
	task.Findings = copyMap(task.Findings)
	task.Documents = append([]string(nil), task.Documents...)

	s.tasks[task.ID] = task
	return cloneTask(task), nil
}

func (s *Store) GetTask(_ context.Context, id string) (verification.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return verification.Task{}, storage.ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *Store) ListTasks(_ context.Context, transactionID string) ([]verification.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]verification.Task, 0)
	for _, task := range s.tasks {
		if transactionID == "" || task.TransactionID == transactionID {
			result = append(result, cloneTask(task))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// AgentStore implementation ----------------------------------------------------

func (s *Store) CreateAgent(_ context.Context, agent payment.Agent) (payment.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = s.nextIDLocked()
	} else if _, exists := s.agents[agent.ID]; exists {
		return payment.Agent{}, fmt.Errorf("agent %s already exists", agent.ID)
	}

	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	s.agents[agent.ID] = agent
	return agent, nil
}

func (s *Store) UpdateAgent(_ context.Context, agent payment.Agent) (payment.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.agents[agent.ID]
	if !ok {
		return payment.Agent{}, storage.ErrNotFound
	}

	// The allocation is immutable for the life of the transaction.
	agent.AllocatedBudget = original.AllocatedBudget
	agent.CreatedAt = original.CreatedAt
	agent.UpdatedAt = time.Now().UTC()

	s.agents[agent.ID] = agent
	return agent, nil
}

func (s *Store) GetAgent(_ context.Context, id string) (payment.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return payment.Agent{}, storage.ErrNotFound
	}
	return agent, nil
}

func (s *Store) ListAgents(_ context.Context, transactionID string) ([]payment.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Agent, 0)
	for _, agent := range s.agents {
		if transactionID == "" || agent.TransactionID == transactionID {
			result = append(result, agent)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PaymentStore implementation ---------------------------------------------------

func (s *Store) CreatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.payments[p.ID]; exists {
		return payment.Payment{}, fmt.Errorf("payment %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.payments[p.ID] = p
	if p.IdempotencyKey != "" {
		s.paymentsByKey[p.IdempotencyKey] = p.ID
	}
	return p, nil
}

func (s *Store) UpdatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.payments[p.ID]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	s.payments[p.ID] = p
	if p.IdempotencyKey != "" {
		s.paymentsByKey[p.IdempotencyKey] = p.ID
	}
	return p, nil
}

func (s *Store) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPaymentByKey(_ context.Context, idempotencyKey string) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentsByKey[idempotencyKey]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return s.payments[id], nil
}

func (s *Store) ListPayments(_ context.Context, transactionID string) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Payment, 0)
	for _, p := range s.payments {
		if transactionID == "" || p.TransactionID == transactionID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SettlementStore implementation ------------------------------------------------

func (s *Store) CreateSettlement(_ context.Context, st settlement.Settlement) (settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.ID == "" {
		st.ID = s.nextIDLocked()
	} else if _, exists := s.settlements[st.ID]; exists {
		return settlement.Settlement{}, fmt.Errorf("settlement %s already exists", st.ID)
	}

	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	st.PaymentIDs = append([]string(nil), st.PaymentIDs...)

	s.settlements[st.ID] = st
	s.settlementsByTx[st.TransactionID] = st.ID
	return cloneSettlement(st), nil
}

func (s *Store) UpdateSettlement(_ context.Context, st settlement.Settlement) (settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.settlements[st.ID]
	if !ok {
		return settlement.Settlement{}, storage.ErrNotFound
	}

	st.CreatedAt = original.CreatedAt
	st.UpdatedAt = time.Now().UTC()
	st.PaymentIDs = append([]string(nil), st.PaymentIDs...)

	s.settlements[st.ID] = st
	return cloneSettlement(st), nil
}

func (s *Store) GetSettlementByTransaction(_ context.Context, transactionID string) (settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.settlementsByTx[transactionID]
	if !ok {
		return settlement.Settlement{}, storage.ErrNotFound
	}
	return cloneSettlement(s.settlements[id]), nil
}

func (s *Store) ListBlockedSettlements(_ context.Context) ([]settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.Settlement, 0)
	for _, st := range s.settlements {
		if st.Status == settlement.StatusBlocked {
			result = append(result, cloneSettlement(st))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) PutWalletPolicy(_ context.Context, policy settlement.WalletPolicy) (settlement.WalletPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy.UpdatedAt = time.Now().UTC()
	policy.Approvals = append([]string(nil), policy.Approvals...)
	s.walletPolicies[policy.TransactionID] = policy
	return clonePolicy(policy), nil
}

func (s *Store) GetWalletPolicy(_ context.Context, transactionID string) (settlement.WalletPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.walletPolicies[transactionID]
	if !ok {
		return settlement.WalletPolicy{TransactionID: transactionID}, nil
	}
	return clonePolicy(policy), nil
}

// DisputeStore implementation ---------------------------------------------------

func (s *Store) CreateDispute(_ context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = s.nextIDLocked()
	} else if _, exists := s.disputes[d.ID]; exists {
		return dispute.Dispute{}, fmt.Errorf("dispute %s already exists", d.ID)
	}

	d.CreatedAt = time.Now().UTC()
	s.disputes[d.ID] = d
	return d, nil
}

func (s *Store) UpdateDispute(_ context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.disputes[d.ID]
	if !ok {
		return dispute.Dispute{}, storage.ErrNotFound
	}

	d.CreatedAt = original.CreatedAt
	s.disputes[d.ID] = d
	return d, nil
}

func (s *Store) GetDispute(_ context.Context, id string) (dispute.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return dispute.Dispute{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDisputes(_ context.Context, transactionID string) ([]dispute.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]dispute.Dispute, 0)
	for _, d := range s.disputes {
		if transactionID == "" || d.TransactionID == transactionID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) OpenDisputeExists(_ context.Context, transactionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.disputes {
		if d.TransactionID == transactionID && d.Status == dispute.StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

// LedgerStore implementation ----------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, ev audit.Event, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.events)); ev.Sequence != want {
		return fmt.Errorf("append out of order: sequence %d, want %d", ev.Sequence, want)
	}
	s.events = append(s.events, ev)
	s.payloads[ev.PayloadHash] = append([]byte(nil), payload...)
	return nil
}

func (s *Store) LatestEvent(_ context.Context) (audit.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return audit.Event{}, false, nil
	}
	return s.events[len(s.events)-1], true, nil
}

func (s *Store) ListEvents(_ context.Context, from, to uint64) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from >= uint64(len(s.events)) {
		return nil, nil
	}
	if to >= uint64(len(s.events)) {
		to = uint64(len(s.events)) - 1
	}
	out := make([]audit.Event, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *Store) ListEventsByTransaction(_ context.Context, transactionID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.Event, 0)
	for _, ev := range s.events {
		if ev.TransactionID == transactionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) GetPayload(_ context.Context, payloadHash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.payloads[payloadHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

// TamperPayload overwrites a stored payload in place. Only for tests proving
// that chain verification detects mutation.
func (s *Store) TamperPayload(payloadHash string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[payloadHash] = append([]byte(nil), payload...)
}

// IdempotencyStore implementation -----------------------------------------------

func (s *Store) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.idempotency[key]; exists {
		return false, nil
	}
	s.idempotency[key] = idempotencyEntry{}
	return true, nil
}

func (s *Store) Complete(_ context.Context, key, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[key] = idempotencyEntry{externalRef: externalRef, done: true}
	return nil
}

func (s *Store) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.idempotency[key]; ok && !entry.done {
		delete(s.idempotency, key)
	}
	return nil
}

func (s *Store) Lookup(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.idempotency[key]
	if !ok || !entry.done {
		return "", false, nil
	}
	return entry.externalRef, true, nil
}

// Helpers -----------------------------------------------------------------------

func copyMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTransaction(tx escrow.Transaction) escrow.Transaction {
	tx.Verifications = append([]verification.Type(nil), tx.Verifications...)
	return tx
}

func cloneTask(task verification.Task) verification.Task {
	task.Findings = copyMap(task.Findings)
	task.Documents = append([]string(nil), task.Documents...)
	return task
}

func cloneSettlement(st settlement.Settlement) settlement.Settlement {
	st.PaymentIDs = append([]string(nil), st.PaymentIDs...)
	return st
}

func clonePolicy(policy settlement.WalletPolicy) settlement.WalletPolicy {
	policy.Approvals = append([]string(nil), policy.Approvals...)
	return policy
}
