package library

import (
	"time"

	"github.com/shopspring/decimal"
)

type CopyStatus string

const (
	CopyAvailable CopyStatus = "available"
	CopyBorrowed  CopyStatus = "borrowed"
	CopyHeld      CopyStatus = "held" // promised to the head of the reservation queue
	CopyInRepair  CopyStatus = "in_repair"
	CopyLost      CopyStatus = "lost"
)

type MembershipType string

const (
	MembershipStandard MembershipType = "standard"
	MembershipPremium  MembershipType = "premium"
	MembershipStudent  MembershipType = "student"
)

func (m MembershipType) Valid() bool {
	switch m {
	case MembershipStandard, MembershipPremium, MembershipStudent:
		return true
	}
	return false
}

type Role string

const (
	RoleMember    Role = "member"
	RoleLibrarian Role = "librarian"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleLibrarian, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether the role may run circulation desk operations.
func (r Role) IsStaff() bool { return r == RoleLibrarian || r == RoleAdmin }

type FineStatus string

const (
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
	FineWaived  FineStatus = "waived"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled" // copy held, waiting for pickup until CollectedAt is set
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Book is a catalog entry. AvailableCopies is a denormalized counter that
// always equals the number of its copies with status available.
type Book struct {
	ID              int64     `db:"id" json:"id"`
	Title           string    `db:"title" json:"title"`
	Author          string    `db:"author" json:"author"`
	ISBN            string    `db:"isbn" json:"isbn,omitempty"`
	TotalCopies     int       `db:"total_copies" json:"totalCopies"`
	AvailableCopies int       `db:"available_copies" json:"availableCopies"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// BookCopy is one physical unit of a Book.
type BookCopy struct {
	ID         int64      `db:"id" json:"id"`
	BookID     int64      `db:"book_id" json:"bookId"`
	CopyNumber int        `db:"copy_number" json:"copyNumber"`
	Status     CopyStatus `db:"status" json:"status"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// Member represents a registered library member.
type Member struct {
	ID               int64          `db:"id" json:"id"`
	Name             string         `db:"name" json:"name"`
	PasswordHash     string         `db:"password_hash" json:"-"` // Don't serialize password hash
	Role             Role           `db:"role" json:"role"`
	MembershipType   MembershipType `db:"membership_type" json:"membershipType"`
	MembershipExpiry time.Time      `db:"membership_expiry" json:"membershipExpiry"`
	CreatedAt        time.Time      `db:"created_at" json:"createdAt"`
}

// Loan is a borrowing transaction. A nil ReturnDate means the loan is active.
type Loan struct {
	ID           int64      `db:"id" json:"id"`
	UserID       int64      `db:"user_id" json:"userId"`
	BookID       int64      `db:"book_id" json:"bookId"`
	BookCopyID   int64      `db:"book_copy_id" json:"bookCopyId"`
	CheckoutDate time.Time  `db:"checkout_date" json:"checkoutDate"`
	DueDate      time.Time  `db:"due_date" json:"dueDate"`
	ReturnDate   *time.Time `db:"return_date" json:"returnDate"`
	RenewalCount int        `db:"renewal_count" json:"renewalCount"`
	IssuedBy     int64      `db:"issued_by" json:"issuedBy"`
	ReturnedTo   *int64     `db:"returned_to" json:"returnedTo,omitempty"`
	Notes        string     `db:"notes" json:"notes,omitempty"`
}

func (l *Loan) Active() bool { return l.ReturnDate == nil }

// Fine is an overdue penalty attached to a returned loan.
type Fine struct {
	ID            int64           `db:"id" json:"id"`
	TransactionID int64           `db:"transaction_id" json:"transactionId"`
	UserID        int64           `db:"user_id" json:"userId"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Reason        string          `db:"reason" json:"reason"`
	DaysOverdue   int             `db:"days_overdue" json:"daysOverdue"`
	Status        FineStatus      `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	ResolvedAt    *time.Time      `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedBy    *int64          `db:"resolved_by" json:"resolvedBy,omitempty"`
}

// Reservation is a hold request in a book's queue.
type Reservation struct {
	ID            int64             `db:"id" json:"id"`
	UserID        int64             `db:"user_id" json:"userId"`
	BookID        int64             `db:"book_id" json:"bookId"`
	Status        ReservationStatus `db:"status" json:"status"`
	QueuePosition int               `db:"queue_position" json:"queuePosition"`
	ReservedAt    time.Time         `db:"reserved_at" json:"reservedAt"`
	FulfilledAt   *time.Time        `db:"fulfilled_at" json:"fulfilledAt,omitempty"`
	ExpiresAt     *time.Time        `db:"expires_at" json:"expiresAt,omitempty"`
	HeldCopyID    *int64            `db:"held_copy_id" json:"heldCopyId,omitempty"`
	CollectedAt   *time.Time        `db:"collected_at" json:"collectedAt,omitempty"`
	CollectedBy   *int64            `db:"collected_by" json:"collectedBy,omitempty"`
	LoanID        *int64            `db:"loan_id" json:"loanId,omitempty"`
	CancelledAt   *time.Time        `db:"cancelled_at" json:"cancelledAt,omitempty"`
}

// ReadyForPickup reports whether a copy is held for this reservation and has
// not been collected yet.
func (r *Reservation) ReadyForPickup() bool {
	return r.Status == ReservationFulfilled && r.CollectedAt == nil
}

// LedgerReport compares a book's counters against its copy rows.
type LedgerReport struct {
	BookID           int64              `json:"bookId"`
	Title            string             `json:"title"`
	TotalCopies      int                `json:"totalCopies"`
	AvailableCopies  int                `json:"availableCopies"`
	CopyRows         int                `json:"copyRows"`
	CountedAvailable int                `json:"countedAvailable"`
	ByStatus         map[CopyStatus]int `json:"byStatus"`
	Consistent       bool               `json:"consistent"`
}
