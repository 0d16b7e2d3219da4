package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const loanColumns = `id, user_id, book_id, book_copy_id, checkout_date, due_date, return_date,
    renewal_count, issued_by, returned_to, notes`

// IssueRequest describes a desk checkout.
type IssueRequest struct {
	UserID     int64
	BookCopyID int64
	DueDate    time.Time // zero means now plus the policy loan period
	IssuedBy   int64
	Notes      string
}

// ReturnResult is what a return produced.
type ReturnResult struct {
	Loan        *Loan           `json:"transaction"`
	Fine        *Fine           `json:"fine,omitempty"`
	OverdueDays int             `json:"overdueDays"`
	FineAmount  decimal.Decimal `json:"fineAmount"`
}

// IssueLoan checks a copy out to a member. The loan row, the copy status
// and the book counter change in one transaction.
func (lm *LibraryManager) IssueLoan(ctx context.Context, req IssueRequest) (loan *Loan, err error) {
	start := time.Now()
	defer func() {
		lm.observe("issue_loan", start, err, zap.Int64("user_id", req.UserID), zap.Int64("copy_id", req.BookCopyID))
	}()

	if req.UserID <= 0 || req.BookCopyID <= 0 {
		return nil, validationf("user id and book copy id must be positive")
	}
	now := lm.clock()
	due := req.DueDate.UTC().Truncate(time.Microsecond)
	if req.DueDate.IsZero() {
		due = now.Add(lm.policy.LoanPeriod())
	}
	if !due.After(now) {
		return nil, validationf("due date must be in the future")
	}

	err = lm.db.withTx(ctx, func(tx *txn) error {
		if _, err := lm.checkEligible(ctx, tx, req.UserID, now); err != nil {
			return err
		}
		c, err := tx.markBorrowed(ctx, req.BookCopyID, CopyAvailable, now)
		if err != nil {
			return err
		}
		loan, err = tx.insertLoan(ctx, Loan{
			UserID:       req.UserID,
			BookID:       c.BookID,
			BookCopyID:   c.ID,
			CheckoutDate: now,
			DueDate:      due,
			IssuedBy:     req.IssuedBy,
			Notes:        strings.TrimSpace(req.Notes),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	lm.record(ctx, Activity{Action: "loan.issued", ActorID: req.IssuedBy, UserID: loan.UserID,
		BookID: loan.BookID, CopyID: loan.BookCopyID, LoanID: loan.ID,
		Details: map[string]any{"dueDate": loan.DueDate}})
	return loan, nil
}

func (t *txn) insertLoan(ctx context.Context, l Loan) (*Loan, error) {
	err := t.get(ctx, &l.ID, `INSERT INTO loans(user_id, book_id, book_copy_id, checkout_date, due_date,
            renewal_count, issued_by, notes)
        VALUES(?,?,?,?,?,0,?,?) RETURNING id`,
		l.UserID, l.BookID, l.BookCopyID, l.CheckoutDate, l.DueDate, l.IssuedBy, l.Notes)
	if isUniqueViolation(err) {
		// Another active loan already holds this copy.
		return nil, ErrCopyUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	return &l, nil
}

// ReturnLoan closes an active loan, puts the copy back on the shelf and
// assesses an overdue fine when the loan came back late. Queue promotion for
// the book runs after commit.
func (lm *LibraryManager) ReturnLoan(ctx context.Context, transactionID, returnedTo int64, notes string) (res *ReturnResult, err error) {
	start := time.Now()
	defer func() { lm.observe("return_loan", start, err, zap.Int64("transaction_id", transactionID)) }()

	if transactionID <= 0 {
		return nil, validationf("transaction id must be positive")
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		loan, err := tx.getLoan(ctx, transactionID)
		if err != nil {
			return err
		}
		if !loan.Active() {
			return ErrAlreadyReturned
		}
		if _, err := tx.lockCopy(ctx, loan.BookCopyID); err != nil {
			return err
		}

		if n := strings.TrimSpace(notes); n != "" {
			if loan.Notes != "" {
				loan.Notes += "\n"
			}
			loan.Notes += n
		}
		updated, err := tx.exec(ctx, `UPDATE loans SET return_date = ?, returned_to = ?, notes = ?
            WHERE id = ? AND return_date IS NULL`, now, returnedTo, loan.Notes, loan.ID)
		if err != nil {
			return fmt.Errorf("close loan: %w", err)
		}
		if updated == 0 {
			return ErrAlreadyReturned
		}
		loan.ReturnDate = &now
		loan.ReturnedTo = &returnedTo

		if _, err := tx.markAvailable(ctx, loan.BookCopyID, CopyBorrowed, now); err != nil {
			return err
		}

		res = &ReturnResult{Loan: loan, OverdueDays: OverdueDays(loan.DueDate, now), FineAmount: decimal.Zero}
		if res.OverdueDays > 0 {
			res.FineAmount = FineAmount(res.OverdueDays, lm.policy.FinePerDay)
			res.Fine, err = tx.insertFine(ctx, loan, res.OverdueDays, res.FineAmount, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Fine != nil && lm.metrics != nil {
		lm.metrics.FinesAssessed.Inc()
		lm.metrics.FineAmountTotal.Add(res.FineAmount.InexactFloat64())
	}
	l := res.Loan
	details := map[string]any{"overdueDays": res.OverdueDays}
	if res.Fine != nil {
		details["fineId"] = res.Fine.ID
		details["fineAmount"] = res.FineAmount.StringFixed(2)
	}
	lm.record(ctx, Activity{Action: "loan.returned", ActorID: returnedTo, UserID: l.UserID,
		BookID: l.BookID, CopyID: l.BookCopyID, LoanID: l.ID, Details: details})
	lm.promoteLater(ctx, l.BookID)
	return res, nil
}

// getLoan reads a loan and locks it for the rest of the transaction.
func (t *txn) getLoan(ctx context.Context, id int64) (*Loan, error) {
	var l Loan
	err := t.getLocked(ctx, &l, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %d: %w", id, err)
	}
	return &l, nil
}

func (lm *LibraryManager) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	var l Loan
	err := lm.db.get(ctx, &l, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %d: %w", id, err)
	}
	return &l, nil
}

// LoanFilter narrows ListLoans. Zero values match everything.
type LoanFilter struct {
	UserID     int64
	BookID     int64
	ActiveOnly bool
	OverdueAt  time.Time // when set, only active loans due before this instant
}

// ListLoans returns loans newest first.
func (lm *LibraryManager) ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error) {
	ds := lm.db.dialect.From("loans").
		Select("id", "user_id", "book_id", "book_copy_id", "checkout_date", "due_date", "return_date",
			"renewal_count", "issued_by", "returned_to", "notes").
		Order(goqu.C("checkout_date").Desc(), goqu.C("id").Desc())
	if f.UserID > 0 {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.BookID > 0 {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID))
	}
	if f.ActiveOnly || !f.OverdueAt.IsZero() {
		ds = ds.Where(goqu.C("return_date").IsNull())
	}
	if !f.OverdueAt.IsZero() {
		ds = ds.Where(goqu.C("due_date").Lt(f.OverdueAt.UTC().Truncate(time.Microsecond)))
	}
	var loans []Loan
	if err := lm.db.selectDataset(ctx, &loans, ds); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}
