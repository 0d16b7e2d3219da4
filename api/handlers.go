package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"library-circulation/library"
)

// --- circulation ---

type issueReq struct {
	UserID     int64  `json:"userId"`
	BookCopyID int64  `json:"bookCopyId"`
	DueDate    string `json:"dueDate"`
	Notes      string `json:"notes"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request, who Identity) {
	var req issueReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	due, err := parseDueDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	loan, err := s.lm.IssueLoan(r.Context(), library.IssueRequest{
		UserID:     req.UserID,
		BookCopyID: req.BookCopyID,
		DueDate:    due,
		IssuedBy:   who.UserID,
		Notes:      req.Notes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// parseDueDate accepts RFC 3339 or a plain date, which means the end of that
// day in UTC. Empty means the default loan period.
func parseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("dueDate must be RFC 3339 or YYYY-MM-DD")
	}
	return d.Add(24*time.Hour - time.Second), nil
}

type returnReq struct {
	TransactionID int64  `json:"transactionId"`
	Notes         string `json:"notes"`
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, who Identity) {
	var req returnReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	res, err := s.lm.ReturnLoan(r.Context(), req.TransactionID, who.UserID, req.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type renewReq struct {
	TransactionID int64 `json:"transactionId"`
	// UserID lets staff renew on a member's behalf.
	UserID int64 `json:"userId,omitempty"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, who Identity) {
	var req renewReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	userID, ok := actingFor(w, who, req.UserID)
	if !ok {
		return
	}
	res, err := s.lm.Renew(r.Context(), req.TransactionID, userID, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- reservations ---

type reservationReq struct {
	BookID int64 `json:"bookId"`
	UserID int64 `json:"userId,omitempty"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request, who Identity) {
	var req reservationReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	userID, ok := actingFor(w, who, req.UserID)
	if !ok {
		return
	}
	res, err := s.lm.CreateReservation(r.Context(), userID, req.BookID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var onBehalf int64
	if raw := r.URL.Query().Get("userId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "userId must be a positive integer")
			return
		}
		onBehalf = v
	}
	userID, ok := actingFor(w, who, onBehalf)
	if !ok {
		return
	}
	res, err := s.lm.CancelReservation(r.Context(), id, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFulfillReservation(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.lm.FulfillReservation(r.Context(), id, who.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- catalog ---

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, _ Identity) {
	books, err := s.lm.SearchBooks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(books))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, _ Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	book, err := s.lm.GetBook(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleListCopies(w http.ResponseWriter, r *http.Request, _ Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	copies, err := s.lm.ListCopies(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(copies))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, _ Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	queue, err := s.lm.ListQueue(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(queue))
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request, _ Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := s.lm.VerifyBook(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- fines ---

func (s *Server) handleWaiveFine(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	fine, err := s.lm.WaiveFine(r.Context(), id, who.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

func (s *Server) handlePayFine(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	fine, err := s.lm.PayFine(r.Context(), id, who.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

// --- member views ---

func (s *Server) handleMemberLoans(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := s.memberPath(w, r, who)
	if !ok {
		return
	}
	active := r.URL.Query().Get("active") == "true"
	loans, err := s.lm.ListLoans(r.Context(), library.LoanFilter{UserID: id, ActiveOnly: active})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(loans))
}

type memberFinesResp struct {
	Fines              []library.Fine  `json:"fines"`
	OutstandingBalance decimal.Decimal `json:"outstandingBalance"`
}

func (s *Server) handleMemberFines(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := s.memberPath(w, r, who)
	if !ok {
		return
	}
	status := library.FineStatus(r.URL.Query().Get("status"))
	fines, err := s.lm.ListFines(r.Context(), id, status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.lm.OutstandingBalance(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberFinesResp{Fines: nonNil(fines), OutstandingBalance: balance})
}

func (s *Server) handleMemberReservations(w http.ResponseWriter, r *http.Request, who Identity) {
	id, ok := s.memberPath(w, r, who)
	if !ok {
		return
	}
	rs, err := s.lm.ListMemberReservations(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rs))
}

// memberPath resolves {id} and lets members see only their own records.
func (s *Server) memberPath(w http.ResponseWriter, r *http.Request, who Identity) (int64, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return 0, false
	}
	if id != who.UserID && !who.Role.IsStaff() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "members may only view their own records")
		return 0, false
	}
	return id, true
}

// actingFor returns the member an operation is for: the caller, or for staff
// the member named in the request.
func actingFor(w http.ResponseWriter, who Identity, requested int64) (int64, bool) {
	if requested == 0 || requested == who.UserID {
		return who.UserID, true
	}
	if !who.Role.IsStaff() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "cannot act for another member")
		return 0, false
	}
	return requested, true
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func readJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("missing body")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResp{Error: msg, Code: code})
}

// fail maps a service error to a response. Infrastructure errors are logged
// and reported with a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var de *library.Error
	if errors.As(err, &de) {
		status := http.StatusBadRequest
		if de.Kind == library.KindNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, de.Code, de.Message)
		return
	}
	s.log.Error("request failed", zap.String("req_id", requestID(r.Context())),
		zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
