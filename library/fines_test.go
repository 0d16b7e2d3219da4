package library

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverdueDays(t *testing.T) {
	due := testEpoch
	cases := []struct {
		name     string
		returned time.Time
		want     int
	}{
		{"early", due.Add(-time.Hour), 0},
		{"exactly on time", due, 0},
		{"one minute late", due.Add(time.Minute), 1},
		{"exactly one day", due.Add(24 * time.Hour), 1},
		{"just over one day", due.Add(24*time.Hour + time.Second), 2},
		{"three days", due.Add(72 * time.Hour), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, OverdueDays(due, tc.returned))
		})
	}
}

func TestFineAmount(t *testing.T) {
	rate := decimal.RequireFromString("0.50")
	assert.True(t, FineAmount(0, rate).IsZero())
	assert.True(t, FineAmount(-2, rate).IsZero())
	assert.Equal(t, "1.50", FineAmount(3, rate).StringFixed(2))
	assert.Equal(t, "0.33", FineAmount(1, decimal.RequireFromString("0.333")).StringFixed(2))
}

func returnLate(t *testing.T, lm *LibraryManager, clock *testClock, days int) (*Member, *Member, *ReturnResult) {
	t.Helper()
	ctx := context.Background()
	staff := addStaff(t, lm)
	m := addMember(t, lm, "Late Larry", MembershipStandard)
	_, cs := addBook(t, lm, "Overdue", 1)
	loan := issue(t, lm, m.ID, cs[0].ID, staff.ID)

	clock.Advance(lm.Policy().LoanPeriod() + time.Duration(days)*24*time.Hour)
	res, err := lm.ReturnLoan(ctx, loan.ID, staff.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Fine)
	return staff, m, res
}

func TestReturnLateCreatesPendingFine(t *testing.T) {
	lm, clock := newTestManager(t)
	ctx := context.Background()
	_, m, res := returnLate(t, lm, clock, 3)

	assert.Equal(t, 3, res.OverdueDays)
	assert.Equal(t, "1.50", res.FineAmount.StringFixed(2))
	assert.Equal(t, FinePending, res.Fine.Status)
	assert.Equal(t, "Book returned 3 day(s) late", res.Fine.Reason)

	stored, err := lm.GetFine(ctx, res.Fine.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("1.50")), "amount %s", stored.Amount)
	assert.Equal(t, res.Loan.ID, stored.TransactionID)

	balance, err := lm.OutstandingBalance(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.50", balance.StringFixed(2))
}

func TestPayAndWaiveOnlyOnce(t *testing.T) {
	lm, clock := newTestManager(t)
	ctx := context.Background()
	staff, m, res := returnLate(t, lm, clock, 1)

	paid, err := lm.PayFine(ctx, res.Fine.ID, staff.ID)
	require.NoError(t, err)
	assert.Equal(t, FinePaid, paid.Status)
	require.NotNil(t, paid.ResolvedBy)
	assert.Equal(t, staff.ID, *paid.ResolvedBy)

	_, err = lm.PayFine(ctx, res.Fine.ID, staff.ID)
	assert.ErrorIs(t, err, ErrFineNotPending)
	_, err = lm.WaiveFine(ctx, res.Fine.ID, staff.ID)
	assert.ErrorIs(t, err, ErrFineNotPending)

	balance, err := lm.OutstandingBalance(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	pending, err := lm.ListFines(ctx, m.ID, FinePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := lm.ListFines(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWaiveFine(t *testing.T) {
	lm, clock := newTestManager(t)
	staff, _, res := returnLate(t, lm, clock, 2)

	f, err := lm.WaiveFine(context.Background(), res.Fine.ID, staff.ID)
	require.NoError(t, err)
	assert.Equal(t, FineWaived, f.Status)
}

func TestResolveUnknownFine(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()

	_, err := lm.PayFine(ctx, 404, 1)
	assert.ErrorIs(t, err, ErrFineNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = lm.WaiveFine(ctx, 0, 1)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, KindValidation, de.Kind)
}

func TestOnTimeReturnHasNoFine(t *testing.T) {
	lm, clock := newTestManager(t)
	ctx := context.Background()
	staff := addStaff(t, lm)
	m := addMember(t, lm, "Punctual", MembershipStandard)
	_, cs := addBook(t, lm, "On Time", 1)
	loan := issue(t, lm, m.ID, cs[0].ID, staff.ID)

	clock.Advance(lm.Policy().LoanPeriod())
	res, err := lm.ReturnLoan(ctx, loan.ID, staff.ID, "")
	require.NoError(t, err)
	assert.Nil(t, res.Fine)
	assert.Zero(t, res.OverdueDays)
	assert.True(t, res.FineAmount.IsZero())

	fines, err := lm.ListFines(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Empty(t, fines)
}
