package servicing

import "errors"

var (
	// ErrInvalidAmount rejects non-positive payment amounts before any state
	// is touched.
	ErrInvalidAmount = errors.New("payment amount must be positive")

	// ErrLoanNotPayable rejects allocations against PAID or CANCELLED loans.
	ErrLoanNotPayable = errors.New("loan is not payable")

	// ErrOverpayment rejects a payment exceeding what the loan can absorb
	// under the configured overpayment policy.
	ErrOverpayment = errors.New("overpayment not allowed")

	// ErrAlreadyReversed rejects a second reversal of the same payment.
	ErrAlreadyReversed = errors.New("payment already reversed")

	// ErrLoanTerminal rejects operator actions on PAID or CANCELLED loans.
	ErrLoanTerminal = errors.New("loan already in a terminal state")

	// ErrLoanNotOverdue rejects mark-overdue when no installment qualifies.
	ErrLoanNotOverdue = errors.New("no installment is overdue")

	// ErrConflict surfaces an optimistic-lock conflict that survived the
	// internal retry budget; the whole request is safe to retry.
	ErrConflict = errors.New("concurrent update conflict")
)
