package servicing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/store"
)

// CancelLoan terminates a loan by operator action. Remaining installments are
// frozen (no further allocation is accepted) and payments already applied are
// left untouched. Fails on loans already PAID or CANCELLED.
func (e *Engine) CancelLoan(loanID uuid.UUID, actorID, reason string) (*models.Loan, error) {
	mutation, err := e.mutateLoan(loanID, func(loan *models.Loan, _ []*models.Installment) (*store.Mutation, error) {
		if loan.Status.Terminal() {
			return nil, fmt.Errorf("%w: loan is %s", ErrLoanTerminal, loan.Status)
		}
		now := time.Now()
		loan.Status = models.LoanCancelled
		loan.CancelledBy = actorID
		loan.CancelReason = reason
		loan.CancelledAt = &now
		loan.UpdatedAt = now
		return &store.Mutation{Loan: loan}, nil
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record(actorID, "loan.cancel", "loan", loanID.String(), map[string]string{"reason": reason})
	e.logger.Info("loan cancelled", "loan_id", loanID, "actor_id", actorID)
	return mutation.Loan, nil
}

// MarkOverdue flags a loan OVERDUE when at least one installment has aged
// past the grace period unpaid, accruing the late fee on every qualifying
// installment as of the evaluation date. Fails with ErrLoanNotOverdue when
// nothing qualifies.
func (e *Engine) MarkOverdue(loanID uuid.UUID, actorID string, asOf time.Time) (*models.Loan, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}

	mutation, err := e.mutateLoan(loanID, func(loan *models.Loan, installments []*models.Installment) (*store.Mutation, error) {
		if loan.Status.Terminal() {
			return nil, fmt.Errorf("%w: loan is %s", ErrLoanTerminal, loan.Status)
		}

		eligible := 0
		for _, inst := range installments {
			if !inst.Settled() && e.pastGrace(inst.DueDate, asOf) {
				eligible++
			}
		}
		if eligible == 0 {
			return nil, fmt.Errorf("%w: loan %s", ErrLoanNotOverdue, loanID)
		}

		touched, _ := e.refreshLateFees(installments, asOf)
		now := time.Now()
		for _, inst := range installments {
			if !inst.Settled() && e.pastGrace(inst.DueDate, asOf) && inst.Status != models.InstallmentOverdue {
				inst.Status = models.InstallmentOverdue
				inst.UpdatedAt = now
				touched = appendUnique(touched, inst)
			}
		}

		loan.Status = models.LoanOverdue
		loan.UpdatedAt = now
		return &store.Mutation{Loan: loan, Installments: touched}, nil
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record(actorID, "loan.mark_overdue", "loan", loanID.String(), nil)
	e.logger.Info("loan marked overdue", "loan_id", loanID, "actor_id", actorID)
	return mutation.Loan, nil
}

func appendUnique(list []*models.Installment, inst *models.Installment) []*models.Installment {
	for _, have := range list {
		if have.ID == inst.ID {
			return list
		}
	}
	return append(list, inst)
}
