// Package servicing implements the loan servicing core: schedule-backed loan
// creation, payment allocation and reversal, lifecycle transitions, late-fee
// accrual and the batch overdue processor. All persistence is delegated to
// the store.Storage port; each public operation is one logical transaction.
package servicing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/schedule"
	"github.com/crediflow/crediflow/pkg/store"
)

// Engine handles the business logic for loans, installments and payments.
type Engine struct {
	storage store.Storage
	audit   AuditSink
	logger  *slog.Logger
	cfg     Config

	mu        sync.Mutex
	loanLocks map[uuid.UUID]*sync.Mutex
}

// NewEngine creates an Engine over a Storage implementation.
func NewEngine(s store.Storage, audit AuditSink, logger *slog.Logger, cfg Config) *Engine {
	if audit == nil {
		audit = NopAuditSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		storage:   s,
		audit:     audit,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		loanLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockLoan serializes in-process writers per loan. Cross-process writers are
// caught by the version guard in the store. Locks are retained for the
// process lifetime: a waiter may already hold a reference, so evicting an
// entry (e.g. on terminal status) could hand out a second mutex for the same
// loan and let two writers through. The map grows only with distinct loans
// touched by this process.
func (e *Engine) lockLoan(id uuid.UUID) func() {
	e.mu.Lock()
	lock, ok := e.loanLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.loanLocks[id] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// mutateLoan runs fn against a freshly loaded loan aggregate and persists the
// mutation it returns. On a version conflict the aggregate is reloaded and fn
// reapplied, a bounded number of times. A nil mutation means the operation
// had nothing to write.
func (e *Engine) mutateLoan(loanID uuid.UUID, fn func(*models.Loan, []*models.Installment) (*store.Mutation, error)) (*store.Mutation, error) {
	unlock := e.lockLoan(loanID)
	defer unlock()

	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		loan, err := e.storage.GetLoan(loanID)
		if err != nil {
			return nil, err
		}
		installments, err := e.storage.GetInstallments(loanID)
		if err != nil {
			return nil, err
		}

		mutation, err := fn(loan, installments)
		if err != nil {
			return nil, err
		}
		if mutation == nil {
			return nil, nil
		}

		err = e.storage.ApplyMutation(*mutation)
		if errors.Is(err, store.ErrVersionConflict) {
			e.logger.Warn("version conflict, reloading", "loan_id", loanID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return mutation, nil
	}
	return nil, fmt.Errorf("%w: loan %s", ErrConflict, loanID)
}

// CreateLoan validates the terms, generates the installment plan and persists
// the new ACTIVE loan atomically.
func (e *Engine) CreateLoan(terms models.LoanTerms, actorID string) (*models.Loan, []*models.Installment, error) {
	if terms.StartDate.IsZero() {
		terms.StartDate = time.Now()
	}

	loanID := uuid.New()
	plan, err := schedule.Generate(terms, loanID)
	if err != nil {
		return nil, nil, err
	}

	totalCharge := plan[0].ScheduledInterest
	for _, inst := range plan[1:] {
		totalCharge = totalCharge.Add(inst.ScheduledInterest)
	}

	now := time.Now()
	loan := &models.Loan{
		ID:               loanID,
		ClientKey:        terms.ClientKey,
		Principal:        terms.Principal,
		Structure:        terms.Structure,
		AnnualRate:       terms.AnnualRate,
		TotalCharge:      terms.TotalCharge,
		InstallmentCount: terms.InstallmentCount,
		Frequency:        terms.Frequency,
		RemainingCapital: terms.Principal,
		RemainingCharge:  totalCharge,
		Status:           models.LoanActive,
		Version:          1,
		CreatedBy:        actorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	installments := make([]*models.Installment, len(plan))
	for i := range plan {
		installments[i] = &plan[i]
	}

	if err := e.storage.CreateLoan(loan, installments); err != nil {
		return nil, nil, fmt.Errorf("failed to store loan: %w", err)
	}

	e.audit.Record(actorID, "loan.create", "loan", loan.ID.String(), map[string]string{
		"principal": loan.Principal.StringFixed(2),
		"structure": string(loan.Structure),
	})
	e.logger.Info("loan created", "loan_id", loan.ID, "client_key", loan.ClientKey,
		"principal", loan.Principal.StringFixed(2), "installments", len(installments))

	return loan, installments, nil
}

// GetLoan retrieves a loan by its ID.
func (e *Engine) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return e.storage.GetLoan(id)
}

// GetInstallments retrieves a loan's schedule ordered by sequence.
func (e *Engine) GetInstallments(loanID uuid.UUID) ([]*models.Installment, error) {
	return e.storage.GetInstallments(loanID)
}

// GetPayments retrieves a loan's payment history, reversed payments included.
func (e *Engine) GetPayments(loanID uuid.UUID) ([]*models.Payment, error) {
	return e.storage.GetPaymentsForLoan(loanID)
}

// ListLoans retrieves all loans regardless of status.
func (e *Engine) ListLoans() ([]*models.Loan, error) {
	return e.storage.ListLoansByStatus(models.LoanActive, models.LoanOverdue, models.LoanPaid, models.LoanCancelled)
}

// evaluateLoanStatus recomputes the loan-level status from its installments.
// CANCELLED is sticky; PAID requires every installment settled; OVERDUE is a
// recomputed flag, set only while some installment is past grace and unpaid.
func (e *Engine) evaluateLoanStatus(loan *models.Loan, installments []*models.Installment, asOf time.Time) models.LoanStatus {
	if loan.Status == models.LoanCancelled {
		return models.LoanCancelled
	}
	allSettled := true
	anyOverdue := false
	for _, inst := range installments {
		if inst.Settled() {
			continue
		}
		allSettled = false
		if e.pastGrace(inst.DueDate, asOf) {
			anyOverdue = true
		}
	}
	if allSettled {
		return models.LoanPaid
	}
	if anyOverdue {
		return models.LoanOverdue
	}
	return models.LoanActive
}
