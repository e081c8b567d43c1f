package store

import (
	"errors"

	"github.com/google/uuid"

	"github.com/crediflow/crediflow/pkg/models"
)

var (
	ErrLoanNotFound    = errors.New("loan not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrVersionConflict signals that the loan row changed under an update;
	// callers reload and reapply.
	ErrVersionConflict = errors.New("loan version conflict")
)

// Mutation is one logical transaction against a loan aggregate: the loan row
// itself, the installments touched by the operation, and at most one payment
// inserted (allocation) or updated (reversal). Loan.Version must carry the
// version the caller loaded; the store bumps it on success and fails with
// ErrVersionConflict if the stored row has moved on.
type Mutation struct {
	Loan           *models.Loan
	Installments   []*models.Installment
	NewPayment     *models.Payment
	UpdatedPayment *models.Payment
}

// Storage defines the transactional persistence port for loans, installments
// and payments. Implementations must apply each Mutation atomically.
type Storage interface {
	CreateLoan(loan *models.Loan, installments []*models.Installment) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	GetInstallments(loanID uuid.UUID) ([]*models.Installment, error)
	GetPayment(id uuid.UUID) (*models.Payment, error)
	GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error)
	ListLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error)
	ApplyMutation(m Mutation) error

	Close() error
}
