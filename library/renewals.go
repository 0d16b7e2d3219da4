package library

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RenewResult is the outcome of a successful renewal.
type RenewResult struct {
	TransactionID     int64     `json:"transactionId"`
	NewDueDate        time.Time `json:"newDueDate"`
	RenewalCount      int       `json:"renewalCount"`
	RenewalsRemaining int       `json:"renewalsRemaining"`
}

// Renew extends the due date of userID's active loan by the policy renewal
// period. An empty membershipType is looked up from the member record.
func (lm *LibraryManager) Renew(ctx context.Context, transactionID, userID int64, membershipType MembershipType) (res *RenewResult, err error) {
	start := time.Now()
	defer func() {
		lm.observe("renew", start, err, zap.Int64("transaction_id", transactionID), zap.Int64("user_id", userID))
	}()

	if transactionID <= 0 || userID <= 0 {
		return nil, validationf("transaction id and user id must be positive")
	}
	if membershipType != "" && !membershipType.Valid() {
		return nil, validationf("unknown membership type %q", membershipType)
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		loan, err := tx.getLoan(ctx, transactionID)
		if err != nil {
			return err
		}
		// Someone else's loan is reported as missing.
		if loan.UserID != userID {
			return ErrLoanNotFound
		}
		if !loan.Active() {
			return ErrAlreadyReturned
		}
		if now.After(loan.DueDate) {
			return ErrLoanOverdue
		}

		tier := membershipType
		if tier == "" {
			var t MembershipType
			if err := tx.get(ctx, &t, `SELECT membership_type FROM members WHERE id = ?`, userID); err != nil {
				return fmt.Errorf("get membership type: %w", err)
			}
			tier = t
		}
		limit := lm.policy.MaxRenewalsFor(tier)
		if loan.RenewalCount >= limit {
			return ErrRenewalLimitReached
		}

		due := loan.DueDate.Add(lm.policy.RenewalExtension())
		n, err := tx.exec(ctx, `UPDATE loans SET due_date = ?, renewal_count = renewal_count + 1
            WHERE id = ? AND renewal_count = ? AND return_date IS NULL`, due, loan.ID, loan.RenewalCount)
		if err != nil {
			return fmt.Errorf("renew loan: %w", err)
		}
		if n == 0 {
			return ErrRenewalLimitReached
		}
		res = &RenewResult{
			TransactionID:     loan.ID,
			NewDueDate:        due,
			RenewalCount:      loan.RenewalCount + 1,
			RenewalsRemaining: limit - loan.RenewalCount - 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.record(ctx, Activity{Action: "loan.renewed", ActorID: userID, UserID: userID, LoanID: transactionID,
		Details: map[string]any{"newDueDate": res.NewDueDate, "renewalCount": res.RenewalCount}})
	return res, nil
}
