package servicing

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/store"
)

// FeeApplied is one loan's accrued late-fee total after a batch run.
type FeeApplied struct {
	LoanID uuid.UUID       `json:"loan_id"`
	Amount decimal.Decimal `json:"amount"`
}

// BatchError records a per-loan failure without aborting the scan.
type BatchError struct {
	LoanID uuid.UUID `json:"loan_id"`
	Err    string    `json:"error"`
}

// BatchSummary is the outcome of one overdue processing run.
type BatchSummary struct {
	Processed    int          `json:"processed"`
	NewlyOverdue []uuid.UUID  `json:"newly_overdue"`
	FeesApplied  []FeeApplied `json:"fees_applied"`
	Errors       []BatchError `json:"errors"`
}

// ProcessOverdueLoans scans every non-terminal loan, accrues late fees on
// installments past grace and transitions qualifying loans to OVERDUE. Loans
// are processed in parallel with bounded concurrency; one loan's failure is
// recorded in the summary and the scan continues. Fees are recomputed per
// evaluation date rather than accumulated, so re-running on the same date
// never double-charges.
func (e *Engine) ProcessOverdueLoans(actorID string, asOf time.Time) (*BatchSummary, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}

	loans, err := e.storage.ListLoansByStatus(models.LoanActive, models.LoanOverdue)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans for overdue run: %w", err)
	}

	summary := &BatchSummary{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan *models.Loan)

	for w := 0; w < e.cfg.BatchWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for loan := range jobs {
				feeTotal, newlyOverdue, err := e.processLoanOverdue(loan.ID, asOf)

				mu.Lock()
				if err != nil {
					summary.Errors = append(summary.Errors, BatchError{LoanID: loan.ID, Err: err.Error()})
				} else {
					summary.Processed++
					if newlyOverdue {
						summary.NewlyOverdue = append(summary.NewlyOverdue, loan.ID)
					}
					if feeTotal.IsPositive() {
						summary.FeesApplied = append(summary.FeesApplied, FeeApplied{LoanID: loan.ID, Amount: feeTotal})
					}
				}
				mu.Unlock()
			}
		}()
	}

	for _, loan := range loans {
		jobs <- loan
	}
	close(jobs)
	wg.Wait()

	e.audit.Record(actorID, "batch.process_overdue", "batch", asOf.Format("2006-01-02"), map[string]string{
		"processed":     fmt.Sprintf("%d", summary.Processed),
		"newly_overdue": fmt.Sprintf("%d", len(summary.NewlyOverdue)),
		"errors":        fmt.Sprintf("%d", len(summary.Errors)),
	})
	e.logger.Info("overdue run complete", "as_of", asOf.Format("2006-01-02"),
		"processed", summary.Processed, "newly_overdue", len(summary.NewlyOverdue),
		"fees_applied", len(summary.FeesApplied), "errors", len(summary.Errors))

	return summary, nil
}

// processLoanOverdue evaluates one loan. It writes nothing when the run is a
// same-date repeat that changed no accrual and no status.
func (e *Engine) processLoanOverdue(loanID uuid.UUID, asOf time.Time) (feeTotal decimal.Decimal, newlyOverdue bool, err error) {
	feeTotal = decimal.Zero

	_, err = e.mutateLoan(loanID, func(loan *models.Loan, installments []*models.Installment) (*store.Mutation, error) {
		newlyOverdue = false
		if loan.Status.Terminal() {
			// Status may have changed since the scan listed it.
			return nil, nil
		}

		var touched []*models.Installment
		touched, feeTotal = e.refreshLateFees(installments, asOf)

		now := time.Now()
		for _, inst := range installments {
			if !inst.Settled() && e.pastGrace(inst.DueDate, asOf) && inst.Status != models.InstallmentOverdue {
				inst.Status = models.InstallmentOverdue
				inst.UpdatedAt = now
				touched = appendUnique(touched, inst)
			}
		}

		newStatus := e.evaluateLoanStatus(loan, installments, asOf)
		newlyOverdue = newStatus == models.LoanOverdue && loan.Status != models.LoanOverdue

		if len(touched) == 0 && newStatus == loan.Status {
			return nil, nil
		}

		loan.Status = newStatus
		loan.UpdatedAt = now
		return &store.Mutation{Loan: loan, Installments: touched}, nil
	})
	return feeTotal, newlyOverdue, err
}
