package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/wallet"
)

func (s *Server) handleGetTaskContract(w http.ResponseWriter, r *http.Request) {
	defs, err := s.ledger.TaskContract(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if defs == nil {
		defs = []ledger.TaskDefinition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleSetTaskContract(w http.ResponseWriter, r *http.Request) {
	var defs []ledger.TaskDefinition
	if err := json.NewDecoder(r.Body).Decode(&defs); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.ledger.SetTaskContract(r.Context(), defs); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"tasks": len(defs)})
}

func (s *Server) handleGetUserTasks(w http.ResponseWriter, r *http.Request) {
	state, err := s.ledger.GetOrInitUserTasks(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type completeTaskRequest struct {
	Evidence    *string    `json:"evidence,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	ts := s.cfg.Clock.Now()
	if req.CompletedAt != nil {
		ts = *req.CompletedAt
	}

	walletAddr := chi.URLParam(r, "wallet")
	taskID := chi.URLParam(r, "taskID")
	if err := s.ledger.CompleteTask(r.Context(), walletAddr, taskID, req.Evidence, ts); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	state, err := s.ledger.GetOrInitUserTasks(r.Context(), walletAddr)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type recordPaymentRequest struct {
	AmountPaid uint64     `json:"amount_paid"`
	TxRef      string     `json:"tx_ref"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Purpose    *string    `json:"purpose,omitempty"`
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TxRef == "" {
		s.writeError(w, http.StatusBadRequest, "tx_ref is required")
		return
	}
	ts := s.cfg.Clock.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	walletAddr := chi.URLParam(r, "wallet")
	if err := s.ledger.RecordPayment(r.Context(), walletAddr, req.AmountPaid, req.TxRef, ts, req.Purpose); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleGetPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := s.ledger.Payments(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if payments == nil {
		payments = []ledger.PaymentRecord{}
	}
	s.writeJSON(w, http.StatusOK, payments)
}

func (s *Server) handleGetClaimTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.ledger.GetClaimTicket(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticket)
}

type claimResultRequest struct {
	Result string  `json:"result"`
	TxRef  *string `json:"tx_ref,omitempty"`
}

func (s *Server) handleMarkClaimResult(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}
	var req claimResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := ledger.ParseClaimResult(req.Result)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	walletAddr := chi.URLParam(r, "wallet")
	if err := s.ledger.MarkClaimResult(r.Context(), walletAddr, epoch, result, req.TxRef); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled", "result": result.String()})
}

func (s *Server) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := s.ledger.ListEpochs(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if epochs == nil {
		epochs = []ledger.EpochSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, epochs)
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}
	meta, err := s.ledger.EpochMeta(r.Context(), epoch)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleBuildEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}
	meta, err := s.ledger.BuildEpochSnapshot(r.Context(), epoch)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, meta)
}

func epochParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeLedgerError maps domain sentinels onto HTTP statuses. Anything
// unmapped is an internal error and its details stay out of the response.
func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidWallet),
		errors.Is(err, ledger.ErrDuplicateTask):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrUnknownTask),
		errors.Is(err, ledger.ErrEpochNotFound),
		errors.Is(err, ledger.ErrNoClaimableEntry):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyCompleted),
		errors.Is(err, ledger.ErrEpochExists),
		errors.Is(err, ledger.ErrNoClaimableRewards),
		errors.Is(err, ledger.ErrNotPending):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
