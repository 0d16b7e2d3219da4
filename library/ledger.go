package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	bookColumns = `id, title, author, isbn, total_copies, available_copies, created_at`
	copyColumns = `id, book_id, copy_number, status, updated_at`
)

// copyEffect is a single copy status change together with the counter delta
// it implies. It is the only way copy status and Book.AvailableCopies change
// after creation.
type copyEffect struct {
	copyID   int64
	from, to CopyStatus
	// conflict is returned when the copy is not in the from state.
	conflict error
}

func (e copyEffect) delta() int {
	switch {
	case e.from == e.to:
		return 0
	case e.to == CopyAvailable:
		return 1
	case e.from == CopyAvailable:
		return -1
	}
	return 0
}

// lockBook reads the book row and, on Postgres, locks it for the rest of the
// transaction. Books are always locked before their copies.
func (t *txn) lockBook(ctx context.Context, bookID int64) (*Book, error) {
	var b Book
	err := t.getLocked(ctx, &b, `SELECT `+bookColumns+` FROM books WHERE id = ?`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock book %d: %w", bookID, err)
	}
	return &b, nil
}

// lockCopy locks the copy's book and then the copy itself.
func (t *txn) lockCopy(ctx context.Context, copyID int64) (*BookCopy, error) {
	var c BookCopy
	err := t.get(ctx, &c, `SELECT `+copyColumns+` FROM book_copies WHERE id = ?`, copyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCopyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get copy %d: %w", copyID, err)
	}
	if _, err := t.lockBook(ctx, c.BookID); err != nil {
		return nil, err
	}
	if err := t.getLocked(ctx, &c, `SELECT `+copyColumns+` FROM book_copies WHERE id = ?`, copyID); err != nil {
		return nil, fmt.Errorf("lock copy %d: %w", copyID, err)
	}
	return &c, nil
}

// applyCopyEffect moves a copy from e.from to e.to with a compare-and-set on
// its status and applies the counter delta under a range guard, all inside
// the caller's transaction.
func (t *txn) applyCopyEffect(ctx context.Context, e copyEffect, now time.Time) (*BookCopy, error) {
	c, err := t.lockCopy(ctx, e.copyID)
	if err != nil {
		return nil, err
	}

	n, err := t.exec(ctx, `UPDATE book_copies SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		e.to, now, e.copyID, e.from)
	if err != nil {
		return nil, fmt.Errorf("update copy %d: %w", e.copyID, err)
	}
	if n == 0 {
		if e.conflict != nil {
			return nil, e.conflict
		}
		return nil, ErrInvalidCopyTransition
	}

	if d := e.delta(); d != 0 {
		n, err = t.exec(ctx, `UPDATE books SET available_copies = available_copies + ?
            WHERE id = ? AND available_copies + ? BETWEEN 0 AND total_copies`, d, c.BookID, d)
		if err != nil {
			return nil, fmt.Errorf("update book %d counter: %w", c.BookID, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("book %d delta %d: %w", c.BookID, d, ErrLedgerConflict)
		}
	}

	c.Status = e.to
	c.UpdatedAt = now
	return c, nil
}

// markBorrowed hands a copy to a loan. from is CopyAvailable for a desk
// checkout and CopyHeld for a hold pickup.
func (t *txn) markBorrowed(ctx context.Context, copyID int64, from CopyStatus, now time.Time) (*BookCopy, error) {
	conflict := ErrCopyUnavailable
	if from == CopyHeld {
		conflict = ErrReservationNotReady
	}
	return t.applyCopyEffect(ctx, copyEffect{copyID: copyID, from: from, to: CopyBorrowed, conflict: conflict}, now)
}

// markHeld promises an available copy to a reservation.
func (t *txn) markHeld(ctx context.Context, copyID int64, now time.Time) (*BookCopy, error) {
	return t.applyCopyEffect(ctx, copyEffect{copyID: copyID, from: CopyAvailable, to: CopyHeld, conflict: ErrCopyUnavailable}, now)
}

// markAvailable puts a borrowed or held copy back on the shelf.
func (t *txn) markAvailable(ctx context.Context, copyID int64, from CopyStatus, now time.Time) (*BookCopy, error) {
	return t.applyCopyEffect(ctx, copyEffect{copyID: copyID, from: from, to: CopyAvailable,
		conflict: fmt.Errorf("copy %d is not %s: %w", copyID, from, ErrLedgerConflict)}, now)
}

// firstAvailableCopy returns the lowest numbered available copy of a book,
// or nil when there is none.
func (t *txn) firstAvailableCopy(ctx context.Context, bookID int64) (*BookCopy, error) {
	var c BookCopy
	err := t.getLocked(ctx, &c, `SELECT `+copyColumns+` FROM book_copies
        WHERE book_id = ? AND status = ? ORDER BY copy_number LIMIT 1`, bookID, CopyAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find available copy: %w", err)
	}
	return &c, nil
}
