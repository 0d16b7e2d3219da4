package library

import (
	"errors"
	"fmt"
)

// Kind groups domain errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindRule
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindRule:
		return "RULE_VIOLATION"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// Error is returned when a request is rejected by validation or a business
// rule. Sentinels are compared with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrCopyUnavailable       = &Error{KindRule, "COPY_UNAVAILABLE", "Book copy is not available for checkout"}
	ErrMembershipExpired     = &Error{KindRule, "MEMBERSHIP_EXPIRED", "Membership has expired; renew it before borrowing"}
	ErrHasOverdueLoans       = &Error{KindRule, "HAS_OVERDUE_LOANS", "User has overdue books and cannot borrow more"}
	ErrLoanLimitReached      = &Error{KindRule, "LOAN_LIMIT_REACHED", "User has reached the maximum number of active loans"}
	ErrAlreadyReturned       = &Error{KindRule, "ALREADY_RETURNED", "Book has already been returned"}
	ErrRenewalLimitReached   = &Error{KindRule, "RENEWAL_LIMIT_REACHED", "Maximum renewals reached for this membership type"}
	ErrLoanOverdue           = &Error{KindRule, "LOAN_OVERDUE", "Cannot renew an overdue book; return it first"}
	ErrDuplicateReservation  = &Error{KindRule, "DUPLICATE_RESERVATION", "You already have a reservation for this book"}
	ErrAlreadyBorrowed       = &Error{KindRule, "ALREADY_BORROWED", "You can't reserve this book because you have already checked it out"}
	ErrReservationNotActive  = &Error{KindRule, "RESERVATION_NOT_ACTIVE", "Reservation is no longer active"}
	ErrReservationNotReady   = &Error{KindRule, "RESERVATION_NOT_READY", "Reservation has no copy waiting for pickup"}
	ErrFineNotPending        = &Error{KindRule, "FINE_NOT_PENDING", "Fine has already been paid or waived"}
	ErrInvalidCopyTransition = &Error{KindRule, "INVALID_COPY_TRANSITION", "Copy status change is not allowed"}
	ErrInvalidCredentials    = &Error{KindRule, "INVALID_CREDENTIALS", "Invalid member id or password"}

	ErrLoanNotFound        = &Error{KindNotFound, "LOAN_NOT_FOUND", "Transaction not found"}
	ErrReservationNotFound = &Error{KindNotFound, "RESERVATION_NOT_FOUND", "Reservation not found"}
	ErrCopyNotFound        = &Error{KindNotFound, "COPY_NOT_FOUND", "Book copy not found"}
	ErrBookNotFound        = &Error{KindNotFound, "BOOK_NOT_FOUND", "Book not found"}
	ErrMemberNotFound      = &Error{KindNotFound, "MEMBER_NOT_FOUND", "Member not found"}
	ErrFineNotFound        = &Error{KindNotFound, "FINE_NOT_FOUND", "Fine not found"}
)

// ErrLedgerConflict means a counter update was refused by its range guard.
// It signals corrupted state, not a user mistake.
var ErrLedgerConflict = errors.New("inventory ledger conflict")

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "INVALID_INPUT", Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Anything that is not a *Error is KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsDomainError reports whether err was produced by validation or a business rule.
func IsDomainError(err error) bool {
	return KindOf(err) != KindInternal
}
