package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const fineColumns = `id, transaction_id, user_id, amount, reason, days_overdue, status, created_at, resolved_at, resolved_by`

// OverdueDays counts started days between due and returned. A partial day
// counts as a full one; an on-time return is zero.
func OverdueDays(due, returned time.Time) int {
	late := returned.Sub(due)
	if late <= 0 {
		return 0
	}
	day := 24 * time.Hour
	days := int(late / day)
	if late%day != 0 {
		days++
	}
	return days
}

// FineAmount is days times the daily rate, rounded to cents.
func FineAmount(days int, perDay decimal.Decimal) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return perDay.Mul(decimal.NewFromInt(int64(days))).Round(2)
}

func fineReason(days int) string {
	return fmt.Sprintf("Book returned %d day(s) late", days)
}

func (t *txn) insertFine(ctx context.Context, loan *Loan, days int, amount decimal.Decimal, now time.Time) (*Fine, error) {
	f := &Fine{
		TransactionID: loan.ID,
		UserID:        loan.UserID,
		Amount:        amount,
		Reason:        fineReason(days),
		DaysOverdue:   days,
		Status:        FinePending,
		CreatedAt:     now,
	}
	err := t.get(ctx, &f.ID, `INSERT INTO fines(transaction_id, user_id, amount, reason, days_overdue, status, created_at)
        VALUES(?,?,?,?,?,?,?) RETURNING id`,
		f.TransactionID, f.UserID, f.Amount.StringFixed(2), f.Reason, f.DaysOverdue, f.Status, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert fine for loan %d: %w", loan.ID, err)
	}
	return f, nil
}

// PayFine records payment of a pending fine.
func (lm *LibraryManager) PayFine(ctx context.Context, fineID, receivedBy int64) (*Fine, error) {
	return lm.resolveFine(ctx, "pay_fine", fineID, receivedBy, FinePaid)
}

// WaiveFine cancels a pending fine.
func (lm *LibraryManager) WaiveFine(ctx context.Context, fineID, waivedBy int64) (*Fine, error) {
	return lm.resolveFine(ctx, "waive_fine", fineID, waivedBy, FineWaived)
}

func (lm *LibraryManager) resolveFine(ctx context.Context, op string, fineID, by int64, to FineStatus) (f *Fine, err error) {
	start := time.Now()
	defer func() { lm.observe(op, start, err, zap.Int64("fine_id", fineID)) }()

	if fineID <= 0 {
		return nil, validationf("fine id must be positive")
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		f, err = tx.getFine(ctx, fineID)
		if err != nil {
			return err
		}
		if f.Status != FinePending {
			return ErrFineNotPending
		}
		n, err := tx.exec(ctx, `UPDATE fines SET status = ?, resolved_at = ?, resolved_by = ?
            WHERE id = ? AND status = ?`, to, now, by, fineID, FinePending)
		if err != nil {
			return fmt.Errorf("update fine: %w", err)
		}
		if n == 0 {
			return ErrFineNotPending
		}
		f.Status, f.ResolvedAt, f.ResolvedBy = to, &now, &by
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.record(ctx, Activity{Action: "fine." + string(to), ActorID: by, UserID: f.UserID, LoanID: f.TransactionID,
		Details: map[string]any{"fineId": f.ID, "amount": f.Amount.StringFixed(2)}})
	return f, nil
}

func (t *txn) getFine(ctx context.Context, id int64) (*Fine, error) {
	var f Fine
	err := t.getLocked(ctx, &f, `SELECT `+fineColumns+` FROM fines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fine %d: %w", id, err)
	}
	return &f, nil
}

func (lm *LibraryManager) GetFine(ctx context.Context, id int64) (*Fine, error) {
	var f Fine
	err := lm.db.get(ctx, &f, `SELECT `+fineColumns+` FROM fines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fine %d: %w", id, err)
	}
	return &f, nil
}

// ListFines returns fines newest first, optionally for one user and status.
func (lm *LibraryManager) ListFines(ctx context.Context, userID int64, status FineStatus) ([]Fine, error) {
	ds := lm.db.dialect.From("fines").
		Select("id", "transaction_id", "user_id", "amount", "reason", "days_overdue", "status",
			"created_at", "resolved_at", "resolved_by").
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc())
	if userID > 0 {
		ds = ds.Where(goqu.C("user_id").Eq(userID))
	}
	if status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(status)))
	}
	var fines []Fine
	if err := lm.db.selectDataset(ctx, &fines, ds); err != nil {
		return nil, fmt.Errorf("list fines: %w", err)
	}
	return fines, nil
}

// OutstandingBalance sums a member's pending fines.
func (lm *LibraryManager) OutstandingBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	fines, err := lm.ListFines(ctx, userID, FinePending)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, f := range fines {
		total = total.Add(f.Amount)
	}
	return total, nil
}
