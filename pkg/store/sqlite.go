package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crediflow/crediflow/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Database connection established and schema initialized.")
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		client_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		structure TEXT NOT NULL,
		annual_rate TEXT NOT NULL DEFAULT '0',
		total_charge TEXT NOT NULL DEFAULT '0',
		installment_count INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		remaining_capital TEXT NOT NULL,
		remaining_charge TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		cancelled_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		scheduled_capital TEXT NOT NULL,
		scheduled_interest TEXT NOT NULL,
		scheduled_total TEXT NOT NULL,
		paid_capital TEXT NOT NULL DEFAULT '0',
		paid_interest TEXT NOT NULL DEFAULT '0',
		paid_late_fee TEXT NOT NULL DEFAULT '0',
		late_fee_accrued TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		created_by TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		reversed_by TEXT NOT NULL DEFAULT '',
		reversal_reason TEXT NOT NULL DEFAULT '',
		reversed_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS allocation_lines (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		installment_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		late_fee TEXT NOT NULL,
		interest TEXT NOT NULL,
		capital TEXT NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id),
		FOREIGN KEY(installment_id) REFERENCES installments(id)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_loan ON installments(loan_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_lines_payment ON allocation_lines(payment_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateLoan inserts a loan and its full installment plan in one transaction.
func (s *SQLiteStore) CreateLoan(loan *models.Loan, installments []*models.Installment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (id, client_key, principal, structure, annual_rate, total_charge, installment_count, frequency, remaining_capital, remaining_charge, status, version, created_by, created_at, updated_at, cancelled_by, cancel_reason, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.ClientKey, loan.Principal, string(loan.Structure), loan.AnnualRate, loan.TotalCharge,
		loan.InstallmentCount, string(loan.Frequency), loan.RemainingCapital, loan.RemainingCharge,
		string(loan.Status), loan.Version, loan.CreatedBy, loan.CreatedAt, loan.UpdatedAt,
		loan.CancelledBy, loan.CancelReason, loan.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for _, inst := range installments {
		if err := insertInstallment(tx, inst); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertInstallment(tx *sql.Tx, inst *models.Installment) error {
	_, err := tx.Exec(
		`INSERT INTO installments (id, loan_id, sequence, due_date, scheduled_capital, scheduled_interest, scheduled_total, paid_capital, paid_interest, paid_late_fee, late_fee_accrued, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID.String(), inst.LoanID.String(), inst.Sequence, inst.DueDate,
		inst.ScheduledCapital, inst.ScheduledInterest, inst.ScheduledTotal,
		inst.PaidCapital, inst.PaidInterest, inst.PaidLateFee, inst.LateFeeAccrued,
		string(inst.Status), inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create installment %d: %w", inst.Sequence, err)
	}
	return nil
}

const loanColumns = `id, client_key, principal, structure, annual_rate, total_charge, installment_count, frequency, remaining_capital, remaining_charge, status, version, created_by, created_at, updated_at, cancelled_by, cancel_reason, cancelled_at`

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, structure, frequency, status string
	var created, updated time.Time
	var cancelledAt sql.NullTime

	err := row.Scan(&idStr, &loan.ClientKey, &loan.Principal, &structure, &loan.AnnualRate,
		&loan.TotalCharge, &loan.InstallmentCount, &frequency, &loan.RemainingCapital,
		&loan.RemainingCharge, &status, &loan.Version, &loan.CreatedBy, &created, &updated,
		&loan.CancelledBy, &loan.CancelReason, &cancelledAt)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.Structure = models.LoanStructure(structure)
	loan.Frequency = models.Frequency(frequency)
	loan.Status = models.LoanStatus(status)
	loan.CreatedAt = created
	loan.UpdatedAt = updated
	if cancelledAt.Valid {
		loan.CancelledAt = &cancelledAt.Time
	}
	return &loan, nil
}

// GetInstallments retrieves a loan's installments ordered by sequence.
func (s *SQLiteStore) GetInstallments(loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, sequence, due_date, scheduled_capital, scheduled_interest, scheduled_total, paid_capital, paid_interest, paid_late_fee, late_fee_accrued, status, updated_at
		FROM installments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments: %w", err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		var inst models.Installment
		var idStr, loanIDStr, status string
		if err := rows.Scan(&idStr, &loanIDStr, &inst.Sequence, &inst.DueDate,
			&inst.ScheduledCapital, &inst.ScheduledInterest, &inst.ScheduledTotal,
			&inst.PaidCapital, &inst.PaidInterest, &inst.PaidLateFee, &inst.LateFeeAccrued,
			&status, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.ID = uuid.MustParse(idStr)
		inst.LoanID = uuid.MustParse(loanIDStr)
		inst.Status = models.InstallmentStatus(status)
		installments = append(installments, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

const paymentColumns = `id, loan_id, amount, type, state, created_by, payment_date, created_at, reversed_by, reversal_reason, reversed_at`

// GetPayment retrieves a payment and its allocation lines.
func (s *SQLiteStore) GetPayment(id uuid.UUID) (*models.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String())
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if payment.Lines, err = s.getLines(payment.ID); err != nil {
		return nil, err
	}
	return payment, nil
}

// GetPaymentsForLoan retrieves all payments for a loan, oldest first.
func (s *SQLiteStore) GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.db.Query(`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	for _, p := range payments {
		if p.Lines, err = s.getLines(p.ID); err != nil {
			return nil, err
		}
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var payment models.Payment
	var idStr, loanIDStr, pType, state string
	var reversedAt sql.NullTime

	err := row.Scan(&idStr, &loanIDStr, &payment.Amount, &pType, &state, &payment.CreatedBy,
		&payment.PaymentDate, &payment.CreatedAt, &payment.ReversedBy, &payment.ReversalReason, &reversedAt)
	if err != nil {
		return nil, err
	}
	payment.ID = uuid.MustParse(idStr)
	payment.LoanID = uuid.MustParse(loanIDStr)
	payment.Type = models.PaymentType(pType)
	payment.State = models.PaymentState(state)
	if reversedAt.Valid {
		payment.ReversedAt = &reversedAt.Time
	}
	return &payment, nil
}

func (s *SQLiteStore) getLines(paymentID uuid.UUID) ([]models.AllocationLine, error) {
	rows, err := s.db.Query(
		`SELECT id, payment_id, installment_id, sequence, late_fee, interest, capital
		FROM allocation_lines WHERE payment_id = ? ORDER BY sequence ASC`, paymentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation lines: %w", err)
	}
	defer rows.Close()

	var lines []models.AllocationLine
	for rows.Next() {
		var line models.AllocationLine
		var idStr, payIDStr, instIDStr string
		if err := rows.Scan(&idStr, &payIDStr, &instIDStr, &line.Sequence,
			&line.LateFee, &line.Interest, &line.Capital); err != nil {
			return nil, fmt.Errorf("failed to scan allocation line: %w", err)
		}
		line.ID = uuid.MustParse(idStr)
		line.PaymentID = uuid.MustParse(payIDStr)
		line.InstallmentID = uuid.MustParse(instIDStr)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return lines, nil
}

// ListLoansByStatus retrieves all loans whose status is one of the given set.
func (s *SQLiteStore) ListLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + loanColumns + ` FROM loans WHERE status IN (?`
	args := []any{string(statuses[0])}
	for _, st := range statuses[1:] {
		query += ", ?"
		args = append(args, string(st))
	}
	query += ")"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// ApplyMutation applies one logical transaction against a loan aggregate.
// The loan row update is guarded by the version the caller loaded; if the
// stored row has moved on, nothing is written and ErrVersionConflict is
// returned so the caller can reload and reapply.
func (s *SQLiteStore) ApplyMutation(m Mutation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE loans SET remaining_capital = ?, remaining_charge = ?, status = ?, version = version + 1, updated_at = ?, cancelled_by = ?, cancel_reason = ?, cancelled_at = ?
		WHERE id = ? AND version = ?`,
		m.Loan.RemainingCapital, m.Loan.RemainingCharge, string(m.Loan.Status), m.Loan.UpdatedAt,
		m.Loan.CancelledBy, m.Loan.CancelReason, m.Loan.CancelledAt,
		m.Loan.ID.String(), m.Loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM loans WHERE id = ?`, m.Loan.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check loan existence: %w", err)
		}
		if exists == 0 {
			return ErrLoanNotFound
		}
		return ErrVersionConflict
	}

	for _, inst := range m.Installments {
		if _, err := tx.Exec(
			`UPDATE installments SET paid_capital = ?, paid_interest = ?, paid_late_fee = ?, late_fee_accrued = ?, status = ?, updated_at = ? WHERE id = ?`,
			inst.PaidCapital, inst.PaidInterest, inst.PaidLateFee, inst.LateFeeAccrued,
			string(inst.Status), inst.UpdatedAt, inst.ID.String(),
		); err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
	}

	if m.NewPayment != nil {
		p := m.NewPayment
		if _, err := tx.Exec(
			`INSERT INTO payments (id, loan_id, amount, type, state, created_by, payment_date, created_at, reversed_by, reversal_reason, reversed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.LoanID.String(), p.Amount, string(p.Type), string(p.State),
			p.CreatedBy, p.PaymentDate, p.CreatedAt, p.ReversedBy, p.ReversalReason, p.ReversedAt,
		); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		for _, line := range p.Lines {
			if _, err := tx.Exec(
				`INSERT INTO allocation_lines (id, payment_id, installment_id, sequence, late_fee, interest, capital)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				line.ID.String(), line.PaymentID.String(), line.InstallmentID.String(),
				line.Sequence, line.LateFee, line.Interest, line.Capital,
			); err != nil {
				return fmt.Errorf("failed to create allocation line: %w", err)
			}
		}
	}

	if m.UpdatedPayment != nil {
		p := m.UpdatedPayment
		if _, err := tx.Exec(
			`UPDATE payments SET state = ?, reversed_by = ?, reversal_reason = ?, reversed_at = ? WHERE id = ?`,
			string(p.State), p.ReversedBy, p.ReversalReason, p.ReversedAt, p.ID.String(),
		); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	m.Loan.Version++
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
