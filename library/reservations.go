package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"go.uber.org/zap"
)

const reservationColumns = `id, user_id, book_id, status, queue_position, reserved_at, fulfilled_at, expires_at,
    held_copy_id, collected_at, collected_by, loan_id, cancelled_at`

// FulfillResult pairs a collected hold with the loan it became.
type FulfillResult struct {
	Reservation *Reservation `json:"reservation"`
	Loan        *Loan        `json:"loan"`
}

// CreateReservation puts userID at the back of bookID's queue. When the book
// has a copy on the shelf the queue is promoted right after commit.
func (lm *LibraryManager) CreateReservation(ctx context.Context, userID, bookID int64) (r *Reservation, err error) {
	start := time.Now()
	defer func() {
		lm.observe("create_reservation", start, err, zap.Int64("user_id", userID), zap.Int64("book_id", bookID))
	}()

	if userID <= 0 || bookID <= 0 {
		return nil, validationf("user id and book id must be positive")
	}

	now := lm.clock()
	var shelved bool
	err = lm.db.withTx(ctx, func(tx *txn) error {
		var expiry time.Time
		err := tx.get(ctx, &expiry, `SELECT membership_expiry FROM members WHERE id = ?`, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMemberNotFound
		}
		if err != nil {
			return fmt.Errorf("get member %d: %w", userID, err)
		}
		if expiry.Before(now) {
			return ErrMembershipExpired
		}

		book, err := tx.lockBook(ctx, bookID)
		if err != nil {
			return err
		}

		var open int
		if err := tx.get(ctx, &open, `SELECT COUNT(*) FROM reservations
            WHERE user_id = ? AND book_id = ?
              AND (status = ? OR (status = ? AND collected_at IS NULL))`,
			userID, bookID, ReservationActive, ReservationFulfilled); err != nil {
			return fmt.Errorf("check existing reservation: %w", err)
		}
		if open > 0 {
			return ErrDuplicateReservation
		}

		var onLoan int
		if err := tx.get(ctx, &onLoan, `SELECT COUNT(*) FROM loans
            WHERE user_id = ? AND book_id = ? AND return_date IS NULL`, userID, bookID); err != nil {
			return fmt.Errorf("check active loans: %w", err)
		}
		if onLoan > 0 {
			return ErrAlreadyBorrowed
		}

		var last int
		if err := tx.get(ctx, &last, `SELECT COALESCE(MAX(queue_position), 0) FROM reservations
            WHERE book_id = ? AND status = ?`, bookID, ReservationActive); err != nil {
			return fmt.Errorf("queue position: %w", err)
		}

		r = &Reservation{UserID: userID, BookID: bookID, Status: ReservationActive,
			QueuePosition: last + 1, ReservedAt: now}
		err = tx.get(ctx, &r.ID, `INSERT INTO reservations(user_id, book_id, status, queue_position, reserved_at)
            VALUES(?,?,?,?,?) RETURNING id`, r.UserID, r.BookID, r.Status, r.QueuePosition, r.ReservedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateReservation
		}
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		shelved = book.AvailableCopies > 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	lm.record(ctx, Activity{Action: "reservation.created", ActorID: userID, UserID: userID, BookID: bookID,
		Details: map[string]any{"reservationId": r.ID, "queuePosition": r.QueuePosition}})
	if shelved {
		lm.promoteLater(ctx, bookID)
	}
	return r, nil
}

// AssignNextInQueue holds an available copy for the head of bookID's queue.
// It returns nil without error when the queue is empty or no copy is free.
func (lm *LibraryManager) AssignNextInQueue(ctx context.Context, bookID int64) (r *Reservation, err error) {
	start := time.Now()
	defer func() { lm.observe("assign_next_in_queue", start, err, zap.Int64("book_id", bookID)) }()

	now := lm.clock()
	var book *Book
	err = lm.db.withTx(ctx, func(tx *txn) error {
		r = nil
		b, err := tx.lockBook(ctx, bookID)
		if err != nil {
			return err
		}
		book = b

		var next Reservation
		err = tx.getLocked(ctx, &next, `SELECT `+reservationColumns+` FROM reservations
            WHERE book_id = ? AND status = ?
            ORDER BY queue_position, reserved_at, id LIMIT 1`, bookID, ReservationActive)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queue head: %w", err)
		}

		c, err := tx.firstAvailableCopy(ctx, bookID)
		if err != nil || c == nil {
			return err
		}
		if _, err := tx.markHeld(ctx, c.ID, now); err != nil {
			return err
		}

		expires := now.Add(lm.policy.HoldWindow())
		n, err := tx.exec(ctx, `UPDATE reservations SET status = ?, fulfilled_at = ?, expires_at = ?, held_copy_id = ?
            WHERE id = ? AND status = ?`, ReservationFulfilled, now, expires, c.ID, next.ID, ReservationActive)
		if err != nil {
			return fmt.Errorf("promote reservation: %w", err)
		}
		if n == 0 {
			return ErrReservationNotActive
		}
		next.Status = ReservationFulfilled
		next.FulfilledAt, next.ExpiresAt, next.HeldCopyID = &now, &expires, &c.ID
		r = &next
		return nil
	})
	if err != nil || r == nil {
		return nil, err
	}

	notice := HoldNotice{ReservationID: r.ID, UserID: r.UserID, BookID: r.BookID, CopyID: *r.HeldCopyID,
		Title: book.Title, ExpiresAt: *r.ExpiresAt}
	lm.after(ctx, "notify-hold-ready", func(ctx context.Context) error {
		return lm.notifier.NotifyHoldReady(ctx, notice)
	})
	lm.record(ctx, Activity{Action: "hold.ready", UserID: r.UserID, BookID: r.BookID, CopyID: *r.HeldCopyID,
		Details: map[string]any{"reservationId": r.ID, "expiresAt": *r.ExpiresAt}})
	return r, nil
}

// CancelReservation withdraws userID's active reservation. Positions of the
// remaining reservations are left as they are.
func (lm *LibraryManager) CancelReservation(ctx context.Context, reservationID, userID int64) (r *Reservation, err error) {
	start := time.Now()
	defer func() { lm.observe("cancel_reservation", start, err, zap.Int64("reservation_id", reservationID)) }()

	if reservationID <= 0 {
		return nil, validationf("reservation id must be positive")
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		r, err = tx.getReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.UserID != userID {
			return ErrReservationNotFound
		}
		if r.Status != ReservationActive {
			return ErrReservationNotActive
		}
		n, err := tx.exec(ctx, `UPDATE reservations SET status = ?, cancelled_at = ? WHERE id = ? AND status = ?`,
			ReservationCancelled, now, r.ID, ReservationActive)
		if err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}
		if n == 0 {
			return ErrReservationNotActive
		}
		r.Status, r.CancelledAt = ReservationCancelled, &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.record(ctx, Activity{Action: "reservation.cancelled", ActorID: userID, UserID: userID, BookID: r.BookID,
		Details: map[string]any{"reservationId": r.ID}})
	return r, nil
}

// FulfillReservation hands a held copy to its member: the hold becomes a
// loan in one transaction. The book counter does not move because a held
// copy is already off the shelf.
func (lm *LibraryManager) FulfillReservation(ctx context.Context, reservationID, fulfilledBy int64) (res *FulfillResult, err error) {
	start := time.Now()
	defer func() { lm.observe("fulfill_reservation", start, err, zap.Int64("reservation_id", reservationID)) }()

	if reservationID <= 0 {
		return nil, validationf("reservation id must be positive")
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		r, err := tx.lockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if !r.ReadyForPickup() || r.HeldCopyID == nil || r.ExpiresAt == nil || !now.Before(*r.ExpiresAt) {
			return ErrReservationNotReady
		}
		if _, err := lm.checkEligible(ctx, tx, r.UserID, now); err != nil {
			return err
		}
		if _, err := tx.markBorrowed(ctx, *r.HeldCopyID, CopyHeld, now); err != nil {
			return err
		}
		loan, err := tx.insertLoan(ctx, Loan{
			UserID:       r.UserID,
			BookID:       r.BookID,
			BookCopyID:   *r.HeldCopyID,
			CheckoutDate: now,
			DueDate:      now.Add(lm.policy.LoanPeriod()),
			IssuedBy:     fulfilledBy,
			Notes:        fmt.Sprintf("Reservation #%d pickup", r.ID),
		})
		if err != nil {
			return err
		}
		n, err := tx.exec(ctx, `UPDATE reservations SET collected_at = ?, collected_by = ?, loan_id = ?
            WHERE id = ? AND status = ? AND collected_at IS NULL`, now, fulfilledBy, loan.ID, r.ID, ReservationFulfilled)
		if err != nil {
			return fmt.Errorf("collect reservation: %w", err)
		}
		if n == 0 {
			return ErrReservationNotReady
		}
		r.CollectedAt, r.CollectedBy, r.LoanID = &now, &fulfilledBy, &loan.ID
		res = &FulfillResult{Reservation: r, Loan: loan}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l := res.Loan
	lm.record(ctx, Activity{Action: "hold.collected", ActorID: fulfilledBy, UserID: l.UserID, BookID: l.BookID,
		CopyID: l.BookCopyID, LoanID: l.ID, Details: map[string]any{"reservationId": res.Reservation.ID}})
	return res, nil
}

// ExpireHolds releases every hold whose pickup window has passed and
// promotes the next member for each freed copy.
func (lm *LibraryManager) ExpireHolds(ctx context.Context) (expired int, err error) {
	start := time.Now()
	defer func() { lm.observe("expire_holds", start, err, zap.Int("expired", expired)) }()

	now := lm.clock()
	var ids []int64
	if err := lm.db.sel(ctx, &ids, `SELECT id FROM reservations
        WHERE status = ? AND collected_at IS NULL AND expires_at <= ? ORDER BY expires_at, id`,
		ReservationFulfilled, now); err != nil {
		return 0, fmt.Errorf("find expired holds: %w", err)
	}

	var errs []error
	for _, id := range ids {
		r, err := lm.expireHold(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire reservation %d: %w", id, err))
			continue
		}
		if r == nil {
			continue
		}
		expired++
		lm.record(ctx, Activity{Action: "hold.expired", UserID: r.UserID, BookID: r.BookID, CopyID: *r.HeldCopyID,
			Details: map[string]any{"reservationId": r.ID}})
		lm.promoteLater(ctx, r.BookID)
	}
	if lm.metrics != nil && expired > 0 {
		lm.metrics.HoldsExpired.Add(float64(expired))
	}
	return expired, errors.Join(errs...)
}

// expireHold returns nil when the hold was collected or released meanwhile.
func (lm *LibraryManager) expireHold(ctx context.Context, id int64, now time.Time) (r *Reservation, err error) {
	err = lm.db.withTx(ctx, func(tx *txn) error {
		r, err = tx.lockReservation(ctx, id)
		if err != nil {
			return err
		}
		if !r.ReadyForPickup() || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
			r = nil
			return nil
		}
		n, err := tx.exec(ctx, `UPDATE reservations SET status = ? WHERE id = ? AND status = ? AND collected_at IS NULL`,
			ReservationExpired, id, ReservationFulfilled)
		if err != nil {
			return fmt.Errorf("expire reservation: %w", err)
		}
		if n == 0 {
			r = nil
			return nil
		}
		if r.HeldCopyID != nil {
			if _, err := tx.markAvailable(ctx, *r.HeldCopyID, CopyHeld, now); err != nil {
				return err
			}
		}
		r.Status = ReservationExpired
		return nil
	})
	return r, err
}

func (t *txn) getReservation(ctx context.Context, id int64) (*Reservation, error) {
	var r Reservation
	err := t.getLocked(ctx, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %d: %w", id, err)
	}
	return &r, nil
}

// lockReservation locks the reservation's book before the reservation row,
// matching the order queue promotion uses.
func (t *txn) lockReservation(ctx context.Context, id int64) (*Reservation, error) {
	var bookID int64
	err := t.get(ctx, &bookID, `SELECT book_id FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %d: %w", id, err)
	}
	if _, err := t.lockBook(ctx, bookID); err != nil {
		return nil, err
	}
	return t.getReservation(ctx, id)
}

func (lm *LibraryManager) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	var r Reservation
	err := lm.db.get(ctx, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %d: %w", id, err)
	}
	return &r, nil
}

// ListQueue returns the active reservations of a book in promotion order.
func (lm *LibraryManager) ListQueue(ctx context.Context, bookID int64) ([]Reservation, error) {
	if _, err := lm.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	ds := reservationSelect(lm.db.dialect).
		Where(goqu.C("book_id").Eq(bookID), goqu.C("status").Eq(string(ReservationActive))).
		Order(goqu.C("queue_position").Asc(), goqu.C("reserved_at").Asc(), goqu.C("id").Asc())
	var rs []Reservation
	if err := lm.db.selectDataset(ctx, &rs, ds); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return rs, nil
}

// ListHolds returns a book's reservations with a copy waiting for pickup.
func (lm *LibraryManager) ListHolds(ctx context.Context, bookID int64) ([]Reservation, error) {
	ds := reservationSelect(lm.db.dialect).
		Where(goqu.C("book_id").Eq(bookID), goqu.C("status").Eq(string(ReservationFulfilled)),
			goqu.C("collected_at").IsNull()).
		Order(goqu.C("expires_at").Asc(), goqu.C("id").Asc())
	var rs []Reservation
	if err := lm.db.selectDataset(ctx, &rs, ds); err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	return rs, nil
}

// ListMemberReservations returns all of a member's reservations, newest first.
func (lm *LibraryManager) ListMemberReservations(ctx context.Context, userID int64) ([]Reservation, error) {
	ds := reservationSelect(lm.db.dialect).
		Where(goqu.C("user_id").Eq(userID)).
		Order(goqu.C("reserved_at").Desc(), goqu.C("id").Desc())
	var rs []Reservation
	if err := lm.db.selectDataset(ctx, &rs, ds); err != nil {
		return nil, fmt.Errorf("list member reservations: %w", err)
	}
	return rs, nil
}

func reservationSelect(d goqu.DialectWrapper) *goqu.SelectDataset {
	return d.From("reservations").Select("id", "user_id", "book_id", "status", "queue_position", "reserved_at",
		"fulfilled_at", "expires_at", "held_copy_id", "collected_at", "collected_by", "loan_id", "cancelled_at")
}
