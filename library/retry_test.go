package library

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

var errBusy = sqlite3.Error{Code: sqlite3.ErrBusy}

func Test_RetryWithBackoff_Success_NoRetries(t *testing.T) {
	callCount := 0
	err := RetryWithBackoff(context.Background(), func(context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func Test_RetryWithBackoff_RetryOnBusy(t *testing.T) {
	callCount := 0
	var retried []int
	err := RetryWithBackoff(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return errBusy
		}
		return nil
	},
		WithBaseDelay(time.Millisecond),
		WithOnRetry(func(attempt int, err error) { retried = append(retried, attempt) }),
	)

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, []int{1, 2}, retried)
}

func Test_RetryWithBackoff_DomainErrorIsNotRetried(t *testing.T) {
	callCount := 0
	err := RetryWithBackoff(context.Background(), func(context.Context) error {
		callCount++
		return ErrCopyUnavailable
	})

	assert.ErrorIs(t, err, ErrCopyUnavailable)
	assert.Equal(t, 1, callCount)
}

func Test_RetryWithBackoff_GivesUp(t *testing.T) {
	callCount := 0
	err := RetryWithBackoff(context.Background(), func(context.Context) error {
		callCount++
		return errBusy
	}, WithMaxAttempts(3), WithBaseDelay(time.Millisecond), WithJitterFactor(0))

	assert.Error(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, "busy", contentionReason(err))
}

func Test_RetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := RetryWithBackoff(ctx, func(context.Context) error {
		cancel()
		return errBusy
	}, WithBaseDelay(time.Second))

	assert.ErrorIs(t, err, context.Canceled)
}

func Test_RetryWithBackoff_InvalidOptions(t *testing.T) {
	fn := func(context.Context) error { return nil }

	assert.ErrorIs(t, RetryWithBackoff(context.Background(), fn, WithMaxAttempts(0)), ErrInvalidMaxAttempts)
	assert.ErrorIs(t, RetryWithBackoff(context.Background(), fn, WithBaseDelay(-time.Second)), ErrNegativeBaseDelay)
	assert.ErrorIs(t, RetryWithBackoff(context.Background(), fn, WithJitterFactor(1.5)), ErrInvalidJitterFactor)
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindRule, KindOf(ErrLoanLimitReached))
	assert.Equal(t, KindNotFound, KindOf(errors.Join(errors.New("ctx"), ErrBookNotFound)))
	assert.Equal(t, KindInternal, KindOf(ErrLedgerConflict))
	assert.False(t, IsDomainError(errors.New("disk full")))
	assert.Equal(t, "NOT_FOUND", KindNotFound.String())
	assert.Equal(t, "User has overdue books and cannot borrow more", ErrHasOverdueLoans.Error())
}
