package member

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/repository"
	"github.com/nimburion/txbound/pkg/server"
	"github.com/nimburion/txbound/pkg/store/sqlerr"
	"github.com/nimburion/txbound/pkg/txbound"
)

// TransferRequest is the body of POST /transfers.
type TransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Mode   string `json:"mode,omitempty"`
}

// Handler exposes members and transfers over HTTP.
type Handler struct {
	store     *Store
	transfers *TransferService
	logger    logger.Logger
}

func NewHandler(store *Store, transfers *TransferService, log logger.Logger) *Handler {
	return &Handler{store: store, transfers: transfers, logger: log}
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/members", h.createMember).Methods(http.MethodPost)
	r.HandleFunc("/members", h.listMembers).Methods(http.MethodGet)
	r.HandleFunc("/members/{id}", h.getMember).Methods(http.MethodGet)
	r.HandleFunc("/members/{id}", h.deleteMember).Methods(http.MethodDelete)
	r.HandleFunc("/transfers", h.transfer).Methods(http.MethodPost)
}

func (h *Handler) createMember(w http.ResponseWriter, r *http.Request) {
	var m Member
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		server.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if m.ID == "" {
		server.WriteError(w, http.StatusBadRequest, "bad_request", "member_id is required")
		return
	}
	if err := h.store.Save(r.Context(), &m); err != nil {
		h.writeError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	page := repository.Pagination{Page: 1, PageSize: 50}
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			server.WriteError(w, http.StatusBadRequest, "bad_request", "invalid page")
			return
		}
		page.Page = n
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			server.WriteError(w, http.StatusBadRequest, "bad_request", "invalid page_size")
			return
		}
		page.PageSize = n
	}
	members, err := h.store.List(r.Context(), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if members == nil {
		members = []Member{}
	}
	server.WriteJSON(w, http.StatusOK, members)
}

func (h *Handler) deleteMember(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.transfers.Transfer(r.Context(), mode, req.From, req.To, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"status": "committed", "mode": mode})
}

// writeError maps the transaction error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *txbound.DomainValidationError
		acquisition *txbound.AcquisitionError
		commit      *txbound.CommitError
	)
	switch {
	case errors.As(err, &validation):
		server.WriteError(w, http.StatusUnprocessableEntity, "validation_failed", validation.Error())
	case errors.Is(err, repository.ErrNotFound):
		server.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, sqlerr.ErrDuplicateKey):
		server.WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &acquisition):
		h.logger.WithContext(r.Context()).Warn("connection unavailable", "error", err)
		server.WriteError(w, http.StatusServiceUnavailable, "unavailable", "database connection unavailable")
	case errors.As(err, &commit):
		h.logger.WithContext(r.Context()).Error("commit failed, outcome unknown", "error", err)
		server.WriteError(w, http.StatusInternalServerError, "outcome_unknown", "transaction outcome unknown")
	default:
		h.logger.WithContext(r.Context()).Error("request failed", "error", err)
		server.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
