package main

import (
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/schedule"
	"github.com/crediflow/crediflow/pkg/servicing"
	"github.com/crediflow/crediflow/pkg/store"
)

// Server holds the servicing engine instance.
type Server struct {
	engine  *servicing.Engine
	storage store.Storage // Keep a reference to the storage to close it
}

func NewServer(s store.Storage, logger *slog.Logger) *Server {
	engine := servicing.NewEngine(s, servicing.NewLogAuditSink(logger), logger, servicing.DefaultConfig())
	return &Server{engine: engine, storage: s}
}

// actorID identifies the operator performing the request. Authentication is
// the gateway's concern; the header is trusted as-is here.
func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-Id"); actor != "" {
		return actor
	}
	return "system"
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidTerms), errors.Is(err, servicing.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrLoanNotFound), errors.Is(err, store.ErrPaymentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, servicing.ErrLoanNotPayable), errors.Is(err, servicing.ErrOverpayment),
		errors.Is(err, servicing.ErrAlreadyReversed), errors.Is(err, servicing.ErrLoanTerminal),
		errors.Is(err, servicing.ErrLoanNotOverdue), errors.Is(err, servicing.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseID(r *http.Request, w http.ResponseWriter) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	// Monetary JSON numbers decode straight into decimals; no float64
	// arithmetic happens past this boundary.
	var req models.LoanTerms
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, installments, err := s.engine.CreateLoan(req, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"loan":         loan,
		"installments": installments,
	})
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(r, w)
	if !ok {
		return
	}
	loan, err := s.engine.GetLoan(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.engine.ListLoans()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(r, w)
	if !ok {
		return
	}
	installments, err := s.engine.GetInstallments(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(r, w)
	if !ok {
		return
	}
	payments, err := s.engine.GetPayments(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) applyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(r, w)
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Date   *time.Time      `json:"date,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	date := time.Now()
	if req.Date != nil {
		date = *req.Date
	}

	result, err := s.engine.ApplyPayment(loanID, req.Amount, actorID(r), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) reversePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parseID(r, w)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.engine.ReversePayment(paymentID, actorID(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(r, w)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.engine.CancelLoan(loanID, actorID(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) markOverdueHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(r, w)
	if !ok {
		return
	}

	loan, err := s.engine.MarkOverdue(loanID, actorID(r), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) processOverdueHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.ProcessOverdueLoans(actorID(r), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/installments", s.getInstallmentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.applyPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/cancel", s.cancelLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/mark-overdue", s.markOverdueHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/reverse", s.reversePaymentHandler).Methods("POST")
	router.HandleFunc("/batch/overdue", s.processOverdueHandler).Methods("POST")
	return router
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	sqliteStore, err := store.NewSQLiteStore("crediflow.db")
	if err != nil {
		log.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, logger)
	router := server.routes()

	// The engine does not own scheduling; this ticker stands in for the
	// external cron trigger.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			log.Println("Running overdue processing...")
			if _, err := server.engine.ProcessOverdueLoans("scheduler", time.Now()); err != nil {
				log.Printf("Overdue processing failed: %v", err)
			}
		}
	}()

	log.Println("Server starting on :8080")
	log.Fatal(http.ListenAndServe(":8080", router))
}
