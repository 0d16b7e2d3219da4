package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"library-circulation/library"
)

type testEnv struct {
	t     *testing.T
	lm    *library.LibraryManager
	srv   *httptest.Server
	mu    sync.Mutex
	now   time.Time
	staff *library.Member
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := library.NewDatabase(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	env := &testEnv{t: t, now: time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)}
	log := zaptest.NewLogger(t)
	env.lm = library.NewLibraryManager(db,
		library.WithLogger(log),
		library.WithPasswordCost(bcrypt.MinCost),
		library.WithClock(env.clock),
	)
	env.srv = httptest.NewServer(NewServer(env.lm, log).Handler())
	t.Cleanup(func() {
		env.srv.Close()
		env.lm.Close()
	})

	env.staff, err = env.lm.AddMember(context.Background(),
		library.NewMember{Name: "Desk", Password: "pw", Role: library.RoleLibrarian})
	require.NoError(t, err)
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *testEnv) member(name string) *library.Member {
	e.t.Helper()
	m, err := e.lm.AddMember(context.Background(), library.NewMember{Name: name, Password: "pw"})
	require.NoError(e.t, err)
	return m
}

func (e *testEnv) book(title string, copies int) (*library.Book, []library.BookCopy) {
	e.t.Helper()
	ctx := context.Background()
	b, err := e.lm.AddBook(ctx, title, "Author", "", copies)
	require.NoError(e.t, err)
	cs, err := e.lm.ListCopies(ctx, b.ID)
	require.NoError(e.t, err)
	return b, cs
}

// do sends a request as who (nil means anonymous) and decodes the response
// into out when out is non-nil.
func (e *testEnv) do(method, path string, who *library.Member, body any, out any) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set(headerUserID, strconv.FormatInt(who.ID, 10))
		req.Header.Set(headerUserRole, string(who.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	assert.NotEmpty(e.t, resp.Header.Get(headerRequestID))
	if out != nil {
		require.NoError(e.t, jsonLenient.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// Responses are decoded leniently because test structs pick only the
// fields they check.
var jsonLenient = jsoniter.ConfigCompatibleWithStandardLibrary

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)
	alice := env.member("Alice")
	_, cs := env.book("Guarded", 1)

	var e errorResp
	status := env.do(http.MethodPost, "/v1/circulation/issue", nil,
		issueReq{UserID: alice.ID, BookCopyID: cs[0].ID}, &e)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", e.Code)

	status = env.do(http.MethodPost, "/v1/circulation/issue", alice,
		issueReq{UserID: alice.ID, BookCopyID: cs[0].ID}, &e)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", e.Code)

	bob := env.member("Bob")
	status = env.do(http.MethodGet, "/v1/members/"+strconv.FormatInt(bob.ID, 10)+"/loans", alice, nil, &e)
	assert.Equal(t, http.StatusForbidden, status, "members only see their own records")

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/books", nil)
	require.NoError(t, err)
	req.Header.Set(headerUserID, "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueReturnWithFine(t *testing.T) {
	env := newTestEnv(t)
	alice := env.member("Alice")
	b, cs := env.book("Circulating", 1)

	var loan library.Loan
	status := env.do(http.MethodPost, "/v1/circulation/issue", env.staff,
		issueReq{UserID: alice.ID, BookCopyID: cs[0].ID, DueDate: "2025-06-09"}, &loan)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, loan.DueDate.Equal(time.Date(2025, time.June, 9, 23, 59, 59, 0, time.UTC)), "due %s", loan.DueDate)
	assert.Equal(t, env.staff.ID, loan.IssuedBy)

	var e errorResp
	status = env.do(http.MethodPost, "/v1/circulation/issue", env.staff,
		issueReq{UserID: alice.ID, BookCopyID: cs[0].ID}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "COPY_UNAVAILABLE", e.Code)

	env.advance(10 * 24 * time.Hour)
	var res struct {
		Transaction library.Loan  `json:"transaction"`
		Fine        *library.Fine `json:"fine"`
		OverdueDays int           `json:"overdueDays"`
	}
	status = env.do(http.MethodPost, "/v1/circulation/return", env.staff, returnReq{TransactionID: loan.ID}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, res.OverdueDays)
	require.NotNil(t, res.Fine)
	assert.Equal(t, "1.50", res.Fine.Amount.StringFixed(2))

	var fines struct {
		Fines              []library.Fine  `json:"fines"`
		OutstandingBalance decimal.Decimal `json:"outstandingBalance"`
	}
	status = env.do(http.MethodGet, "/v1/members/"+strconv.FormatInt(alice.ID, 10)+"/fines", alice, nil, &fines)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, fines.Fines, 1)
	assert.Equal(t, "1.50", fines.OutstandingBalance.StringFixed(2))

	finePath := "/v1/fines/" + strconv.FormatInt(res.Fine.ID, 10)
	var paid library.Fine
	assert.Equal(t, http.StatusOK, env.do(http.MethodPut, finePath+"/pay", env.staff, nil, &paid))
	assert.Equal(t, library.FinePaid, paid.Status)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, finePath+"/waive", env.staff, nil, &e))
	assert.Equal(t, "FINE_NOT_PENDING", e.Code)

	var report library.LedgerReport
	assert.Equal(t, http.StatusOK,
		env.do(http.MethodGet, "/v1/books/"+strconv.FormatInt(b.ID, 10)+"/ledger", env.staff, nil, &report))
	assert.True(t, report.Consistent)
	assert.Equal(t, 1, report.AvailableCopies)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	alice := env.member("Alice")

	var e errorResp
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/books/999", alice, nil, &e))
	assert.Equal(t, "BOOK_NOT_FOUND", e.Code)

	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPost, "/v1/circulation/return", env.staff, returnReq{TransactionID: 42}, &e))
	assert.Equal(t, "LOAN_NOT_FOUND", e.Code)
	assert.Equal(t, "Transaction not found", e.Error)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/books/abc", alice, nil, &e))
	assert.Equal(t, "INVALID_INPUT", e.Code)

	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPost, "/v1/reservations", alice, map[string]any{"bookId": 1, "extra": true}, &e),
		"unknown fields are rejected")
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPost, "/v1/circulation/issue", env.staff, issueReq{UserID: alice.ID, BookCopyID: 1, DueDate: "soon"}, &e))
}

func TestReservationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := env.member("Alice")
	bob := env.member("Bob")
	b, _ := env.book("Reserved", 1)

	var r library.Reservation
	require.Equal(t, http.StatusCreated,
		env.do(http.MethodPost, "/v1/reservations", alice, reservationReq{BookID: b.ID}, &r))
	assert.Equal(t, alice.ID, r.UserID)

	var e errorResp
	assert.Equal(t, http.StatusForbidden,
		env.do(http.MethodPost, "/v1/reservations", alice, reservationReq{BookID: b.ID, UserID: bob.ID}, &e))

	// Staff may queue on a member's behalf.
	var rb library.Reservation
	require.Equal(t, http.StatusCreated,
		env.do(http.MethodPost, "/v1/reservations", env.staff, reservationReq{BookID: b.ID, UserID: bob.ID}, &rb))
	assert.Equal(t, bob.ID, rb.UserID)

	var queue []library.Reservation
	require.Equal(t, http.StatusOK,
		env.do(http.MethodGet, "/v1/books/"+strconv.FormatInt(b.ID, 10)+"/queue", bob, nil, &queue))
	require.Len(t, queue, 1, "alice already holds the only copy")
	assert.Equal(t, rb.ID, queue[0].ID)

	var fulfilled library.FulfillResult
	require.Equal(t, http.StatusOK,
		env.do(http.MethodPost, "/v1/reservations/"+strconv.FormatInt(r.ID, 10)+"/fulfill", env.staff, nil, &fulfilled))
	assert.Equal(t, alice.ID, fulfilled.Loan.UserID)

	rbPath := "/v1/reservations/" + strconv.FormatInt(rb.ID, 10)
	for _, q := range []string{"?userId=abc", "?userId=-3"} {
		e = errorResp{}
		assert.Equal(t, http.StatusBadRequest, env.do(http.MethodDelete, rbPath+q, env.staff, nil, &e), q)
		assert.Equal(t, "INVALID_INPUT", e.Code)
	}
	still, err := env.lm.GetReservation(context.Background(), rb.ID)
	require.NoError(t, err)
	assert.Equal(t, library.ReservationActive, still.Status)

	var cancelled library.Reservation
	require.Equal(t, http.StatusOK,
		env.do(http.MethodDelete, "/v1/reservations/"+strconv.FormatInt(rb.ID, 10), bob, nil, &cancelled))
	assert.Equal(t, library.ReservationCancelled, cancelled.Status)

	var mine []library.Reservation
	require.Equal(t, http.StatusOK,
		env.do(http.MethodGet, "/v1/members/"+strconv.FormatInt(bob.ID, 10)+"/reservations", bob, nil, &mine))
	assert.Len(t, mine, 1)
}

func TestRenewEndpoint(t *testing.T) {
	env := newTestEnv(t)
	alice := env.member("Alice")
	_, cs := env.book("Renewable", 1)
	loan, err := env.lm.IssueLoan(context.Background(),
		library.IssueRequest{UserID: alice.ID, BookCopyID: cs[0].ID, IssuedBy: env.staff.ID})
	require.NoError(t, err)

	var res library.RenewResult
	require.Equal(t, http.StatusOK,
		env.do(http.MethodPost, "/v1/circulation/renew", alice, renewReq{TransactionID: loan.ID}, &res))
	assert.Equal(t, 1, res.RenewalCount)
	assert.Equal(t, 1, res.RenewalsRemaining)

	var e errorResp
	bob := env.member("Bob")
	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPost, "/v1/circulation/renew", bob, renewReq{TransactionID: loan.ID}, &e))
}

func TestListBooksSearch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.member("Alice")
	env.book("Go in Action", 1)
	env.book("Rust in Action", 1)

	var books []library.Book
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/books?q=go", alice, nil, &books))
	require.Len(t, books, 1)
	assert.Equal(t, "Go in Action", books[0].Title)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/books?q=nothing", alice, nil, &books))
	assert.Empty(t, books)
}

func TestParseDueDate(t *testing.T) {
	d, err := parseDueDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = parseDueDate("2025-01-31T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, d.Hour())

	d, err = parseDueDate("2025-01-31")
	require.NoError(t, err)
	assert.True(t, d.Equal(time.Date(2025, time.January, 31, 23, 59, 59, 0, time.UTC)), "got %s", d)

	_, err = parseDueDate("31/01/2025")
	assert.Error(t, err)
}
