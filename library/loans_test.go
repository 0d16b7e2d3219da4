package library

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndReturnFlow(t *testing.T) {
	lm, clock := newTestManager(t)
	ctx := context.Background()
	staff := addStaff(t, lm)
	alice := addMember(t, lm, "Alice", MembershipStandard)
	b, cs := addBook(t, lm, "Book", 2)

	loan, err := lm.IssueLoan(ctx, IssueRequest{UserID: alice.ID, BookCopyID: cs[0].ID, IssuedBy: staff.ID, Notes: " desk "})
	require.NoError(t, err)
	assert.True(t, loan.Active())
	assert.Equal(t, b.ID, loan.BookID)
	assert.Equal(t, "desk", loan.Notes)
	assert.True(t, loan.DueDate.Equal(testEpoch.Add(14*24*time.Hour)), "due %s", loan.DueDate)

	c, err := lm.GetCopy(ctx, cs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, CopyBorrowed, c.Status)
	r := requireConsistent(t, lm, b.ID)
	assert.Equal(t, 1, r.AvailableCopies)

	clock.Advance(24 * time.Hour)
	res, err := lm.ReturnLoan(ctx, loan.ID, staff.ID, "good condition")
	require.NoError(t, err)
	require.NotNil(t, res.Loan.ReturnDate)
	assert.Equal(t, "desk\ngood condition", res.Loan.Notes)

	stored, err := lm.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active())
	require.NotNil(t, stored.ReturnedTo)
	assert.Equal(t, staff.ID, *stored.ReturnedTo)

	r = requireConsistent(t, lm, b.ID)
	assert.Equal(t, 2, r.AvailableCopies)

	_, err = lm.ReturnLoan(ctx, loan.ID, staff.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyReturned)
	_, err = lm.ReturnLoan(ctx, 9999, staff.ID, "")
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestIssueExplicitDueDate(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	m := addMember(t, lm, "Alice", MembershipStandard)
	_, cs := addBook(t, lm, "Book", 1)

	_, err := lm.IssueLoan(ctx, IssueRequest{UserID: m.ID, BookCopyID: cs[0].ID, DueDate: testEpoch.Add(-time.Hour)})
	assert.Equal(t, KindValidation, KindOf(err))

	due := testEpoch.Add(3 * 24 * time.Hour)
	loan, err := lm.IssueLoan(ctx, IssueRequest{UserID: m.ID, BookCopyID: cs[0].ID, DueDate: due})
	require.NoError(t, err)
	assert.True(t, loan.DueDate.Equal(due))
}

func TestIssueRejections(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	alice := addMember(t, lm, "Alice", MembershipStandard)
	bob := addMember(t, lm, "Bob", MembershipStandard)
	_, cs := addBook(t, lm, "Book", 1)
	issue(t, lm, alice.ID, cs[0].ID, 0)

	_, err := lm.IssueLoan(ctx, IssueRequest{UserID: bob.ID, BookCopyID: cs[0].ID})
	assert.ErrorIs(t, err, ErrCopyUnavailable)

	_, err = lm.IssueLoan(ctx, IssueRequest{UserID: 777, BookCopyID: cs[0].ID})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	_, err = lm.IssueLoan(ctx, IssueRequest{UserID: bob.ID, BookCopyID: 777})
	assert.ErrorIs(t, err, ErrCopyNotFound)

	_, err = lm.IssueLoan(ctx, IssueRequest{UserID: 0, BookCopyID: cs[0].ID})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestIssueExpiredMembershipChangesNothing(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	expired, err := lm.AddMember(ctx, NewMember{Name: "Old", Password: "pw", MembershipExpiry: testEpoch.Add(-24 * time.Hour)})
	require.NoError(t, err)
	b, cs := addBook(t, lm, "Book", 1)

	_, err = lm.IssueLoan(ctx, IssueRequest{UserID: expired.ID, BookCopyID: cs[0].ID})
	assert.ErrorIs(t, err, ErrMembershipExpired)
	assert.Equal(t, "Membership has expired; renew it before borrowing", err.Error())

	c, err := lm.GetCopy(ctx, cs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, CopyAvailable, c.Status)
	r := requireConsistent(t, lm, b.ID)
	assert.Equal(t, 1, r.AvailableCopies)
	loans, err := lm.ListLoans(ctx, LoanFilter{UserID: expired.ID})
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestOverdueLoanBlocksBorrowing(t *testing.T) {
	lm, clock := newTestManager(t)
	ctx := context.Background()
	m := addMember(t, lm, "Alice", MembershipStandard)
	_, cs := addBook(t, lm, "Book", 2)
	issue(t, lm, m.ID, cs[0].ID, 0)

	clock.Advance(15 * 24 * time.Hour)
	_, err := lm.IssueLoan(ctx, IssueRequest{UserID: m.ID, BookCopyID: cs[1].ID})
	assert.ErrorIs(t, err, ErrHasOverdueLoans)

	overdue, err := lm.ListLoans(ctx, LoanFilter{OverdueAt: clock.Now()})
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
}

func TestLoanLimitPerTier(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	student := addMember(t, lm, "Student", MembershipStudent)
	_, cs := addBook(t, lm, "Many", 4)

	limit := lm.Policy().MaxActiveLoansFor(MembershipStudent)
	require.Equal(t, 3, limit)
	for i := 0; i < limit; i++ {
		issue(t, lm, student.ID, cs[i].ID, 0)
	}
	_, err := lm.IssueLoan(ctx, IssueRequest{UserID: student.ID, BookCopyID: cs[limit].ID})
	assert.ErrorIs(t, err, ErrLoanLimitReached)

	active, err := lm.ListLoans(ctx, LoanFilter{UserID: student.ID, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, limit)
}

func TestConcurrentIssueOfOneCopy(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	b, cs := addBook(t, lm, "Contended", 1)

	const n = 6
	members := make([]*Member, n)
	for i := range members {
		members[i] = addMember(t, lm, "Reader", MembershipStandard)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lm.IssueLoan(ctx, IssueRequest{UserID: members[i].ID, BookCopyID: cs[0].ID})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrCopyUnavailable)
	}
	assert.Equal(t, 1, won)
	r := requireConsistent(t, lm, b.ID)
	assert.Equal(t, 0, r.AvailableCopies)
}
