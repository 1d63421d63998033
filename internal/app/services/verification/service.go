// Package verification coordinates the third-party checks a closing requires.
// Tasks are dispatched concurrently per transaction; an approved outcome
// triggers the agent's milestone payment, and once every task is approved the
// transaction moves to settlement_pending.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/audit"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/payment"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/metrics"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/payments"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
	"github.com/ClearClose-Network/escrow_layer/pkg/logger"
)

var (
	// ErrTaskClosed is returned when a submission conflicts with an already
	// recorded terminal outcome.
	ErrTaskClosed = errors.New("verification task already closed")
	// ErrUnknownAgent is returned when a transaction has no funded agent for
	// the verification's role.
	ErrUnknownAgent = errors.New("no agent for verification type")
)

// Submission is an agent's verification outcome.
type Submission struct {
	Approved  bool
	Findings  map[string]string
	Documents []string
}

// Service is the verification coordinator.
type Service struct {
	tasks      storage.VerificationStore
	agents     storage.AgentStore
	escrow     *escrowsvc.Service
	payments   *payments.Service
	ledger     *ledger.Service
	milestones map[verification.Type]int64 // payment per approved verification
	log        *logger.Logger
}

// New constructs a verification coordinator. milestones maps each
// verification type to the amount paid on approval, in minor units.
func New(
	tasks storage.VerificationStore,
	agents storage.AgentStore,
	esc *escrowsvc.Service,
	pay *payments.Service,
	led *ledger.Service,
	milestones map[verification.Type]int64,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("verification")
	}
	return &Service{
		tasks:      tasks,
		agents:     agents,
		escrow:     esc,
		payments:   pay,
		ledger:     led,
		milestones: milestones,
		log:        log,
	}
}

// Start moves the transaction into verifying and dispatches one task per
// required verification. Tasks are dispatched concurrently; each dispatch
// appends its own audit event.
func (s *Service) Start(ctx context.Context, transactionID string) ([]verification.Task, error) {
	tx, err := s.escrow.Transition(ctx, transactionID, escrow.StateVerifying)
	if err != nil {
		return nil, err
	}

	agents, err := s.agents.ListAgents(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	byRole := make(map[payment.AgentType]payment.Agent, len(agents))
	for _, a := range agents {
		byRole[a.Type] = a
	}

	now := time.Now().UTC()
	created := make([]verification.Task, 0, len(tx.Verifications))
	for _, vt := range tx.Verifications {
		agent, ok := byRole[payment.AgentTypeFor(vt)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, vt)
		}
		task, err := s.tasks.CreateTask(ctx, verification.Task{
			TransactionID: transactionID,
			Type:          vt,
			State:         verification.TaskPending,
			AgentID:       agent.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s task: %w", vt, err)
		}
		created = append(created, task)
	}

	var wg sync.WaitGroup
	dispatched := make([]verification.Task, len(created))
	errs := make([]error, len(created))
	for i, task := range created {
		wg.Add(1)
		go func(i int, task verification.Task) {
			defer wg.Done()
			dispatched[i], errs[i] = s.dispatch(ctx, task)
		}(i, task)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func (s *Service) dispatch(ctx context.Context, task verification.Task) (verification.Task, error) {
	task.State = verification.TaskInProgress
	task.UpdatedAt = time.Now().UTC()
	updated, err := s.tasks.UpdateTask(ctx, task)
	if err != nil {
		return task, fmt.Errorf("dispatch %s task: %w", task.Type, err)
	}

	if _, err := s.ledger.Append(ctx, audit.EventVerificationStarted, task.TransactionID, map[string]any{
		"task_id":  task.ID,
		"type":     task.Type,
		"agent_id": task.AgentID,
	}); err != nil {
		return updated, err
	}

	s.log.WithField("transaction_id", task.TransactionID).
		WithField("type", string(task.Type)).
		Info("verification dispatched")
	return updated, nil
}

// Submit records an agent's outcome for a task. Submissions are idempotent:
// repeating the recorded outcome returns the task unchanged, while a
// conflicting outcome is rejected. Approval triggers the agent's milestone
// payment; a payment failure does not undo the recorded outcome.
func (s *Service) Submit(ctx context.Context, taskID string, sub Submission) (verification.Task, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return verification.Task{}, err
	}

	target := verification.TaskRejected
	if sub.Approved {
		target = verification.TaskApproved
	}

	var out verification.Task
	var repeated bool
	err = s.escrow.WithLock(task.TransactionID, func() error {
		task, err := s.tasks.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			if task.State == target {
				out, repeated = task, true
				return nil
			}
			return fmt.Errorf("%w: %s is %s", ErrTaskClosed, task.ID, task.State)
		}

		task.State = target
		if sub.Findings != nil {
			task.Findings = sub.Findings
		}
		if sub.Documents != nil {
			task.Documents = sub.Documents
		}
		task.UpdatedAt = time.Now().UTC()
		out, err = s.tasks.UpdateTask(ctx, task)
		if err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}

		_, err = s.ledger.Append(ctx, audit.EventVerificationOutcome, task.TransactionID, map[string]any{
			"task_id":  task.ID,
			"type":     task.Type,
			"agent_id": task.AgentID,
			"outcome":  string(target),
			"findings": task.Findings,
		})
		return err
	})
	if err != nil {
		return verification.Task{}, err
	}
	if repeated {
		return out, nil
	}
	metrics.RecordVerificationOutcome(string(out.Type), string(target))

	if sub.Approved {
		s.payMilestone(ctx, out)
		if err := s.maybeAdvance(ctx, out.TransactionID); err != nil {
			return out, err
		}
	}
	return out, nil
}

// payMilestone requests the approved verification's payment. Failures are
// logged and left for retry; the verification outcome stands either way.
func (s *Service) payMilestone(ctx context.Context, task verification.Task) {
	amount := s.milestones[task.Type]
	if amount <= 0 {
		return
	}
	// Recipient left empty; the dispatcher resolves the agent's wallet from
	// its credentials.
	_, err := s.payments.RequestPayment(ctx, payments.Request{
		TransactionID: task.TransactionID,
		AgentID:       task.AgentID,
		Milestone:     "verification:" + string(task.Type),
		Amount:        amount,
	})
	if err != nil {
		s.log.WithError(err).
			WithField("transaction_id", task.TransactionID).
			WithField("type", string(task.Type)).
			Warn("milestone payment failed, eligible for retry")
	}
}

// maybeAdvance moves the transaction to settlement_pending once every task is
// approved. Any rejected or open task keeps it in verifying.
func (s *Service) maybeAdvance(ctx context.Context, transactionID string) error {
	tasks, err := s.tasks.ListTasks(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State != verification.TaskApproved {
			return nil
		}
	}

	_, err = s.escrow.Transition(ctx, transactionID, escrow.StateSettlementPending)
	if errors.Is(err, escrowsvc.ErrStateConflict) || errors.Is(err, escrowsvc.ErrTransactionFrozen) {
		// A dispute moved the transaction first; resolution re-evaluates.
		s.log.WithError(err).WithField("transaction_id", transactionID).Warn("verification complete but transition deferred")
		return nil
	}
	return err
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (verification.Task, error) {
	return s.tasks.GetTask(ctx, id)
}

// List returns a transaction's tasks.
func (s *Service) List(ctx context.Context, transactionID string) ([]verification.Task, error) {
	return s.tasks.ListTasks(ctx, transactionID)
}
