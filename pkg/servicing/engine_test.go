package servicing

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/schedule"
	"github.com/crediflow/crediflow/pkg/store"
)

// mockStore is an in-memory implementation of the Storage interface for
// testing. It copies on read and write so that, like a real database, nothing
// leaks out of a failed operation, and it honors the version guard.
type mockStore struct {
	mu           sync.Mutex
	loans        map[uuid.UUID]models.Loan
	installments map[uuid.UUID][]models.Installment
	payments     map[uuid.UUID]models.Payment

	// ApplyMutation conflicts to inject, globally or per loan.
	conflicts     int
	conflictLoans map[uuid.UUID]int
}

func newMockStore() *mockStore {
	return &mockStore{
		loans:         make(map[uuid.UUID]models.Loan),
		installments:  make(map[uuid.UUID][]models.Installment),
		payments:      make(map[uuid.UUID]models.Payment),
		conflictLoans: make(map[uuid.UUID]int),
	}
}

func copyPayment(p models.Payment) models.Payment {
	p.Lines = append([]models.AllocationLine(nil), p.Lines...)
	return p
}

func (m *mockStore) CreateLoan(loan *models.Loan, installments []*models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = *loan
	plan := make([]models.Installment, len(installments))
	for i, inst := range installments {
		plan[i] = *inst
	}
	m.installments[loan.ID] = plan
	return nil
}

func (m *mockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	return &loan, nil
}

func (m *mockStore) GetInstallments(loanID uuid.UUID) ([]*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan := m.installments[loanID]
	out := make([]*models.Installment, len(plan))
	for i := range plan {
		inst := plan[i]
		out[i] = &inst
	}
	return out, nil
}

func (m *mockStore) GetPayment(id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	p = copyPayment(p)
	return &p, nil
}

func (m *mockStore) GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.LoanID == loanID {
			p := copyPayment(p)
			out = append(out, &p)
		}
	}
	return out, nil
}

func (m *mockStore) ListLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Loan
	for _, loan := range m.loans {
		for _, st := range statuses {
			if loan.Status == st {
				loan := loan
				out = append(out, &loan)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) ApplyMutation(mut store.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflicts > 0 {
		m.conflicts--
		return store.ErrVersionConflict
	}
	if n := m.conflictLoans[mut.Loan.ID]; n > 0 {
		m.conflictLoans[mut.Loan.ID] = n - 1
		return store.ErrVersionConflict
	}

	stored, ok := m.loans[mut.Loan.ID]
	if !ok {
		return store.ErrLoanNotFound
	}
	if stored.Version != mut.Loan.Version {
		return store.ErrVersionConflict
	}

	updated := *mut.Loan
	updated.Version++
	m.loans[updated.ID] = updated

	plan := m.installments[updated.ID]
	for _, inst := range mut.Installments {
		for i := range plan {
			if plan[i].ID == inst.ID {
				plan[i] = *inst
			}
		}
	}
	if mut.NewPayment != nil {
		m.payments[mut.NewPayment.ID] = copyPayment(*mut.NewPayment)
	}
	if mut.UpdatedPayment != nil {
		m.payments[mut.UpdatedPayment.ID] = copyPayment(*mut.UpdatedPayment)
	}

	mut.Loan.Version++
	return nil
}

func (m *mockStore) Close() error { return nil }

// loanVersion reads the stored version directly, bypassing the engine.
func (m *mockStore) loanVersion(id uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loans[id].Version
}

func testConfig() Config {
	return Config{
		FeePolicy: models.FeePolicy{
			Type:      models.FeePercentageDaily,
			Value:     decimal.RequireFromString("0.01"),
			GraceDays: 3,
		},
		BatchWorkers:  2,
		RetryAttempts: 3,
	}
}

func newTestEngine(m *mockStore, cfg Config) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(m, NopAuditSink{}, logger, cfg)
}

// testStart is kept in the future so that nothing is past grace unless a test
// passes an explicit evaluation date.
var testStart = time.Now().UTC().AddDate(0, 6, 0).Truncate(24 * time.Hour)

func due(n int) time.Time { return testStart.AddDate(0, 0, 7*n) }

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// createFlatLoan builds a 1,000 principal / 200 charge / 4 weekly installment
// loan: each installment is 250 capital + 50 charge = 300.
func createFlatLoan(t *testing.T, e *Engine) *models.Loan {
	t.Helper()
	loan, installments, err := e.CreateLoan(models.LoanTerms{
		ClientKey:        "client-1",
		Principal:        amt("1000"),
		Structure:        models.StructureFlatRate,
		TotalCharge:      amt("200"),
		InstallmentCount: 4,
		Frequency:        models.FrequencyWeekly,
		StartDate:        testStart,
	}, "officer-1")
	if err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	if len(installments) != 4 {
		t.Fatalf("Expected 4 installments, got %d", len(installments))
	}
	return loan
}

type loanSnapshot struct {
	remainingCapital decimal.Decimal
	remainingCharge  decimal.Decimal
	status           models.LoanStatus
	installments     []models.Installment
}

func snapshot(t *testing.T, e *Engine, loanID uuid.UUID) loanSnapshot {
	t.Helper()
	loan, err := e.GetLoan(loanID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	installments, err := e.GetInstallments(loanID)
	if err != nil {
		t.Fatalf("Failed to get installments: %v", err)
	}
	snap := loanSnapshot{
		remainingCapital: loan.RemainingCapital,
		remainingCharge:  loan.RemainingCharge,
		status:           loan.Status,
	}
	for _, inst := range installments {
		snap.installments = append(snap.installments, *inst)
	}
	return snap
}

func assertSameFinancialState(t *testing.T, a, b loanSnapshot) {
	t.Helper()
	if !a.remainingCapital.Equal(b.remainingCapital) {
		t.Errorf("Remaining capital differs: %s vs %s", a.remainingCapital, b.remainingCapital)
	}
	if !a.remainingCharge.Equal(b.remainingCharge) {
		t.Errorf("Remaining charge differs: %s vs %s", a.remainingCharge, b.remainingCharge)
	}
	if a.status != b.status {
		t.Errorf("Loan status differs: %s vs %s", a.status, b.status)
	}
	for i := range a.installments {
		x, y := a.installments[i], b.installments[i]
		if !x.PaidCapital.Equal(y.PaidCapital) || !x.PaidInterest.Equal(y.PaidInterest) ||
			!x.PaidLateFee.Equal(y.PaidLateFee) || !x.LateFeeAccrued.Equal(y.LateFeeAccrued) ||
			x.Status != y.Status {
			t.Errorf("Installment %d differs: %+v vs %+v", x.Sequence, x, y)
		}
	}
}

func TestCreateLoan(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	if loan.Status != models.LoanActive {
		t.Errorf("Expected status ACTIVE, got %s", loan.Status)
	}
	if !loan.RemainingCapital.Equal(amt("1000")) {
		t.Errorf("Expected remaining capital 1000, got %s", loan.RemainingCapital)
	}
	if !loan.RemainingCharge.Equal(amt("200")) {
		t.Errorf("Expected remaining charge 200, got %s", loan.RemainingCharge)
	}
	if loan.Version != 1 {
		t.Errorf("Expected version 1, got %d", loan.Version)
	}

	installments, _ := e.GetInstallments(loan.ID)
	for _, inst := range installments {
		if inst.Status != models.InstallmentPending {
			t.Errorf("Installment %d: expected PENDING, got %s", inst.Sequence, inst.Status)
		}
	}
}

func TestCreateLoan_SubCentTermsRejected(t *testing.T) {
	m := newMockStore()
	e := newTestEngine(m, testConfig())

	// A sub-cent principal could never reconcile against a cent-exact
	// schedule; it must be refused before anything is stored.
	_, _, err := e.CreateLoan(models.LoanTerms{
		ClientKey:        "client-1",
		Principal:        amt("100.005"),
		Structure:        models.StructureFlatRate,
		TotalCharge:      amt("10"),
		InstallmentCount: 3,
		Frequency:        models.FrequencyWeekly,
		StartDate:        testStart,
	}, "officer-1")
	if !errors.Is(err, schedule.ErrInvalidTerms) {
		t.Fatalf("Expected ErrInvalidTerms, got %v", err)
	}
	if len(m.loans) != 0 {
		t.Errorf("Expected no loan stored, got %d", len(m.loans))
	}
}

func TestApplyPayment_ExactInstallment(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	result, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(1))
	if err != nil {
		t.Fatalf("Failed to apply payment: %v", err)
	}

	if len(result.Payment.Lines) != 1 {
		t.Fatalf("Expected 1 allocation line, got %d", len(result.Payment.Lines))
	}
	line := result.Payment.Lines[0]
	if !line.LateFee.IsZero() || !line.Interest.Equal(amt("50")) || !line.Capital.Equal(amt("250")) {
		t.Errorf("Unexpected line split: fee=%s interest=%s capital=%s", line.LateFee, line.Interest, line.Capital)
	}

	installments, _ := e.GetInstallments(loan.ID)
	if installments[0].Status != models.InstallmentPaid {
		t.Errorf("Expected first installment PAID, got %s", installments[0].Status)
	}

	updated, _ := e.GetLoan(loan.ID)
	if !updated.RemainingCapital.Equal(amt("750")) || !updated.RemainingCharge.Equal(amt("150")) {
		t.Errorf("Unexpected remaining: capital=%s charge=%s", updated.RemainingCapital, updated.RemainingCharge)
	}
	if updated.Status != models.LoanActive {
		t.Errorf("Expected loan ACTIVE, got %s", updated.Status)
	}
}

func TestApplyPayment_PartialPaysInterestBeforeCapital(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	_, err := e.ApplyPayment(loan.ID, amt("100"), "teller-1", due(1))
	if err != nil {
		t.Fatalf("Failed to apply payment: %v", err)
	}

	installments, _ := e.GetInstallments(loan.ID)
	first := installments[0]
	if first.Status != models.InstallmentPartial {
		t.Errorf("Expected PARTIAL, got %s", first.Status)
	}
	if !first.PaidInterest.Equal(amt("50")) {
		t.Errorf("Expected interest fully paid first, got %s", first.PaidInterest)
	}
	if !first.PaidCapital.Equal(amt("50")) {
		t.Errorf("Expected 50 capital paid, got %s", first.PaidCapital)
	}
}

func TestApplyPayment_LateFeePaidFirst(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	// Five days past the first due date with a 3-day grace: 2 days late,
	// fee = 300 × 1% × 2 = 6.00.
	asOf := due(1).AddDate(0, 0, 5)
	result, err := e.ApplyPayment(loan.ID, amt("306"), "teller-1", asOf)
	if err != nil {
		t.Fatalf("Failed to apply payment: %v", err)
	}

	line := result.Payment.Lines[0]
	if !line.LateFee.Equal(amt("6")) {
		t.Errorf("Expected 6.00 late fee, got %s", line.LateFee)
	}
	if !line.Interest.Equal(amt("50")) || !line.Capital.Equal(amt("250")) {
		t.Errorf("Unexpected split after fee: interest=%s capital=%s", line.Interest, line.Capital)
	}

	installments, _ := e.GetInstallments(loan.ID)
	if installments[0].Status != models.InstallmentPaid {
		t.Errorf("Expected first installment PAID, got %s", installments[0].Status)
	}
	if !installments[0].PaidLateFee.Equal(amt("6")) {
		t.Errorf("Expected paid late fee 6.00, got %s", installments[0].PaidLateFee)
	}
}

func TestApplyPayment_ExcessCreditsNextInstallment(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	result, err := e.ApplyPayment(loan.ID, amt("550"), "teller-1", due(1))
	if err != nil {
		t.Fatalf("Failed to apply payment: %v", err)
	}

	if len(result.Payment.Lines) != 2 {
		t.Fatalf("Expected 2 allocation lines, got %d", len(result.Payment.Lines))
	}
	sum := decimal.Zero
	for _, line := range result.Payment.Lines {
		sum = sum.Add(line.Total())
	}
	if !sum.Equal(amt("550")) {
		t.Errorf("Lines do not sum to payment amount: got %s", sum)
	}

	installments, _ := e.GetInstallments(loan.ID)
	if installments[0].Status != models.InstallmentPaid {
		t.Errorf("Expected first installment PAID, got %s", installments[0].Status)
	}
	if installments[1].Status != models.InstallmentPartial {
		t.Errorf("Expected second installment PARTIAL, got %s", installments[1].Status)
	}
	if !installments[1].PaidInterest.Equal(amt("50")) || !installments[1].PaidCapital.Equal(amt("200")) {
		t.Errorf("Unexpected second installment paid amounts: interest=%s capital=%s",
			installments[1].PaidInterest, installments[1].PaidCapital)
	}
}

func TestApplyPayment_RejectExcessPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.RejectExcess = true
	e := newTestEngine(newMockStore(), cfg)
	loan := createFlatLoan(t, e)

	before := snapshot(t, e, loan.ID)
	_, err := e.ApplyPayment(loan.ID, amt("301"), "teller-1", due(1))
	if !errors.Is(err, ErrOverpayment) {
		t.Fatalf("Expected ErrOverpayment, got %v", err)
	}
	assertSameFinancialState(t, before, snapshot(t, e, loan.ID))

	// Exactly what is due is fine.
	if _, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(1)); err != nil {
		t.Fatalf("Exact payment rejected: %v", err)
	}
}

func TestApplyPayment_BeyondTotalOutstanding(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	before := snapshot(t, e, loan.ID)
	_, err := e.ApplyPayment(loan.ID, amt("1200.01"), "teller-1", due(1))
	if !errors.Is(err, ErrOverpayment) {
		t.Fatalf("Expected ErrOverpayment, got %v", err)
	}
	assertSameFinancialState(t, before, snapshot(t, e, loan.ID))
}

func TestApplyPayment_InvalidAmount(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	for _, bad := range []string{"0", "-5"} {
		if _, err := e.ApplyPayment(loan.ID, amt(bad), "teller-1", due(1)); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Amount %s: expected ErrInvalidAmount, got %v", bad, err)
		}
	}
}

func TestApplyPayment_CancelledLoanMutatesNothing(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	if _, err := e.CancelLoan(loan.ID, "officer-1", "client request"); err != nil {
		t.Fatalf("Failed to cancel loan: %v", err)
	}

	before := snapshot(t, e, loan.ID)
	_, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(1))
	if !errors.Is(err, ErrLoanNotPayable) {
		t.Fatalf("Expected ErrLoanNotPayable, got %v", err)
	}
	assertSameFinancialState(t, before, snapshot(t, e, loan.ID))
}

func TestLoanTransitionsToPaid(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	for i := 1; i <= 4; i++ {
		if _, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(i)); err != nil {
			t.Fatalf("Payment %d failed: %v", i, err)
		}
	}

	updated, _ := e.GetLoan(loan.ID)
	if updated.Status != models.LoanPaid {
		t.Errorf("Expected loan PAID, got %s", updated.Status)
	}
	if !updated.RemainingCapital.IsZero() || !updated.RemainingCharge.IsZero() {
		t.Errorf("Expected zero remaining, got capital=%s charge=%s",
			updated.RemainingCapital, updated.RemainingCharge)
	}

	if _, err := e.ApplyPayment(loan.ID, amt("1"), "teller-1", due(4)); !errors.Is(err, ErrLoanNotPayable) {
		t.Errorf("Expected ErrLoanNotPayable on paid loan, got %v", err)
	}
}

func TestReversePayment_RoundTrip(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	if _, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(1)); err != nil {
		t.Fatalf("First payment failed: %v", err)
	}
	second, err := e.ApplyPayment(loan.ID, amt("175"), "teller-1", due(2))
	if err != nil {
		t.Fatalf("Second payment failed: %v", err)
	}

	before := snapshot(t, e, loan.ID)

	if _, err := e.ReversePayment(second.Payment.ID, "supervisor-1", "teller error"); err != nil {
		t.Fatalf("Failed to reverse payment: %v", err)
	}
	if _, err := e.ApplyPayment(loan.ID, amt("175"), "teller-1", due(2)); err != nil {
		t.Fatalf("Re-applied payment failed: %v", err)
	}

	assertSameFinancialState(t, before, snapshot(t, e, loan.ID))
}

func TestReversePayment_ReopensPaidLoan(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	var last *AllocationResult
	var err error
	for i := 1; i <= 4; i++ {
		last, err = e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(i))
		if err != nil {
			t.Fatalf("Payment %d failed: %v", i, err)
		}
	}
	if last.NewLoanStatus != models.LoanPaid {
		t.Fatalf("Expected loan PAID after final payment, got %s", last.NewLoanStatus)
	}

	result, err := e.ReversePayment(last.Payment.ID, "supervisor-1", "returned cheque")
	if err != nil {
		t.Fatalf("Failed to reverse payment: %v", err)
	}
	if result.NewLoanStatus != models.LoanActive {
		t.Errorf("Expected loan back to ACTIVE, got %s", result.NewLoanStatus)
	}

	installments, _ := e.GetInstallments(loan.ID)
	if installments[3].Status != models.InstallmentPending {
		t.Errorf("Expected final installment PENDING after full undo, got %s", installments[3].Status)
	}
}

func TestReversePayment_LineExactWithLaterPayments(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	first, err := e.ApplyPayment(loan.ID, amt("100"), "teller-1", due(1))
	if err != nil {
		t.Fatalf("First payment failed: %v", err)
	}
	if _, err := e.ApplyPayment(loan.ID, amt("200"), "teller-2", due(1)); err != nil {
		t.Fatalf("Second payment failed: %v", err)
	}

	if _, err := e.ReversePayment(first.Payment.ID, "supervisor-1", "duplicate entry"); err != nil {
		t.Fatalf("Failed to reverse payment: %v", err)
	}

	// Only the first payment's 50 interest + 50 capital are undone; the
	// second payment's 200 capital stays.
	installments, _ := e.GetInstallments(loan.ID)
	inst := installments[0]
	if !inst.PaidInterest.IsZero() {
		t.Errorf("Expected interest back to 0, got %s", inst.PaidInterest)
	}
	if !inst.PaidCapital.Equal(amt("200")) {
		t.Errorf("Expected 200 capital kept, got %s", inst.PaidCapital)
	}
	if inst.Status != models.InstallmentPartial {
		t.Errorf("Expected PARTIAL, got %s", inst.Status)
	}
}

func TestReversePayment_Errors(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	result, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(1))
	if err != nil {
		t.Fatalf("Payment failed: %v", err)
	}

	if _, err := e.ReversePayment(result.Payment.ID, "supervisor-1", "first"); err != nil {
		t.Fatalf("First reversal failed: %v", err)
	}
	if _, err := e.ReversePayment(result.Payment.ID, "supervisor-1", "second"); !errors.Is(err, ErrAlreadyReversed) {
		t.Errorf("Expected ErrAlreadyReversed, got %v", err)
	}
	if _, err := e.ReversePayment(uuid.New(), "supervisor-1", "ghost"); !errors.Is(err, store.ErrPaymentNotFound) {
		t.Errorf("Expected ErrPaymentNotFound, got %v", err)
	}
}

func TestCancelLoan(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	cancelled, err := e.CancelLoan(loan.ID, "officer-1", "fraud suspected")
	if err != nil {
		t.Fatalf("Failed to cancel loan: %v", err)
	}
	if cancelled.Status != models.LoanCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}
	if cancelled.CancelledBy != "officer-1" || cancelled.CancelReason != "fraud suspected" || cancelled.CancelledAt == nil {
		t.Errorf("Cancellation metadata not recorded: %+v", cancelled)
	}

	if _, err := e.CancelLoan(loan.ID, "officer-1", "again"); !errors.Is(err, ErrLoanTerminal) {
		t.Errorf("Expected ErrLoanTerminal, got %v", err)
	}
}

func TestMarkOverdue(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	// Within grace: nothing qualifies.
	if _, err := e.MarkOverdue(loan.ID, "officer-1", due(1).AddDate(0, 0, 3)); !errors.Is(err, ErrLoanNotOverdue) {
		t.Fatalf("Expected ErrLoanNotOverdue within grace, got %v", err)
	}

	asOf := due(1).AddDate(0, 0, 5)
	updated, err := e.MarkOverdue(loan.ID, "officer-1", asOf)
	if err != nil {
		t.Fatalf("Failed to mark overdue: %v", err)
	}
	if updated.Status != models.LoanOverdue {
		t.Errorf("Expected OVERDUE, got %s", updated.Status)
	}

	installments, _ := e.GetInstallments(loan.ID)
	if installments[0].Status != models.InstallmentOverdue {
		t.Errorf("Expected first installment OVERDUE, got %s", installments[0].Status)
	}
	if !installments[0].LateFeeAccrued.Equal(amt("6")) {
		t.Errorf("Expected 6.00 accrued fee, got %s", installments[0].LateFeeAccrued)
	}
}

func TestPaymentClearsOverdue(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	asOf := due(1).AddDate(0, 0, 5)
	if _, err := e.MarkOverdue(loan.ID, "officer-1", asOf); err != nil {
		t.Fatalf("Failed to mark overdue: %v", err)
	}

	result, err := e.ApplyPayment(loan.ID, amt("306"), "teller-1", asOf)
	if err != nil {
		t.Fatalf("Failed to apply payment: %v", err)
	}
	if result.NewLoanStatus != models.LoanActive {
		t.Errorf("Expected loan back to ACTIVE, got %s", result.NewLoanStatus)
	}
}

func TestProcessOverdueLoans_Idempotent(t *testing.T) {
	m := newMockStore()
	e := newTestEngine(m, testConfig())
	late := createFlatLoan(t, e)
	current := createFlatLoan(t, e)

	// Evaluate 5 days past the late loan's first due date; shift the other
	// loan's schedule by paying its first installment on time.
	if _, err := e.ApplyPayment(current.ID, amt("300"), "teller-1", due(1)); err != nil {
		t.Fatalf("Failed to pay current loan: %v", err)
	}
	asOf := due(1).AddDate(0, 0, 5)

	first, err := e.ProcessOverdueLoans("scheduler", asOf)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if first.Processed != 2 {
		t.Errorf("Expected 2 processed, got %d", first.Processed)
	}
	if len(first.NewlyOverdue) != 1 || first.NewlyOverdue[0] != late.ID {
		t.Errorf("Expected only the late loan newly overdue, got %v", first.NewlyOverdue)
	}
	if len(first.FeesApplied) != 1 || !first.FeesApplied[0].Amount.Equal(amt("6")) {
		t.Errorf("Expected one fee of 6.00, got %+v", first.FeesApplied)
	}

	versionAfterFirst := m.loanVersion(late.ID)

	second, err := e.ProcessOverdueLoans("scheduler", asOf)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if len(second.NewlyOverdue) != 0 {
		t.Errorf("Expected no newly overdue on re-run, got %v", second.NewlyOverdue)
	}
	totalFirst, totalSecond := decimal.Zero, decimal.Zero
	for _, f := range first.FeesApplied {
		totalFirst = totalFirst.Add(f.Amount)
	}
	for _, f := range second.FeesApplied {
		totalSecond = totalSecond.Add(f.Amount)
	}
	if !totalFirst.Equal(totalSecond) {
		t.Errorf("Fee totals differ between runs: %s vs %s", totalFirst, totalSecond)
	}
	if m.loanVersion(late.ID) != versionAfterFirst {
		t.Errorf("Re-run wrote to an unchanged loan: version %d vs %d", m.loanVersion(late.ID), versionAfterFirst)
	}
}

func TestProcessOverdueLoans_IsolatesFailures(t *testing.T) {
	m := newMockStore()
	e := newTestEngine(m, testConfig())
	bad := createFlatLoan(t, e)
	good := createFlatLoan(t, e)

	// More conflicts than the retry budget: this loan's update keeps failing.
	m.mu.Lock()
	m.conflictLoans[bad.ID] = 10
	m.mu.Unlock()

	asOf := due(1).AddDate(0, 0, 5)
	summary, err := e.ProcessOverdueLoans("scheduler", asOf)
	if err != nil {
		t.Fatalf("Batch run failed: %v", err)
	}

	if summary.Processed != 1 {
		t.Errorf("Expected 1 processed, got %d", summary.Processed)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].LoanID != bad.ID {
		t.Fatalf("Expected one error for the conflicting loan, got %+v", summary.Errors)
	}

	updated, _ := e.GetLoan(good.ID)
	if updated.Status != models.LoanOverdue {
		t.Errorf("Expected the healthy loan OVERDUE, got %s", updated.Status)
	}
}

func TestVersionConflictRetry(t *testing.T) {
	m := newMockStore()
	e := newTestEngine(m, testConfig())
	loan := createFlatLoan(t, e)

	// Two injected conflicts sit inside the retry budget.
	m.mu.Lock()
	m.conflicts = 2
	m.mu.Unlock()
	if _, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(1)); err != nil {
		t.Fatalf("Expected retries to absorb conflicts, got %v", err)
	}

	// More conflicts than the budget surface as ErrConflict.
	m.mu.Lock()
	m.conflicts = 10
	m.mu.Unlock()
	if _, err := e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(2)); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
}

func TestConcurrentPaymentsSerialize(t *testing.T) {
	e := newTestEngine(newMockStore(), testConfig())
	loan := createFlatLoan(t, e)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.ApplyPayment(loan.ID, amt("300"), "teller-1", due(i+1))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Concurrent payment %d failed: %v", i, err)
		}
	}
	updated, _ := e.GetLoan(loan.ID)
	if updated.Status != models.LoanPaid {
		t.Errorf("Expected loan PAID after four full payments, got %s", updated.Status)
	}
}
