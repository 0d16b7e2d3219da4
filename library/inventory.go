package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"go.uber.org/zap"
)

// AddBook creates a catalog entry with copies numbered 1..copies, all
// available.
func (lm *LibraryManager) AddBook(ctx context.Context, title, author, isbn string, copies int) (book *Book, err error) {
	start := time.Now()
	defer func() { lm.observe("add_book", start, err) }()

	title, author, isbn = strings.TrimSpace(title), strings.TrimSpace(author), strings.TrimSpace(isbn)
	if title == "" || author == "" {
		return nil, validationf("title and author are required")
	}
	if copies < 0 {
		return nil, validationf("copies must not be negative")
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		var id int64
		if err := tx.get(ctx, &id, `INSERT INTO books(title, author, isbn, total_copies, available_copies, created_at)
            VALUES(?,?,?,?,?,?) RETURNING id`, title, author, isbn, copies, copies, now); err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		for n := 1; n <= copies; n++ {
			if _, err := tx.exec(ctx, `INSERT INTO book_copies(book_id, copy_number, status, updated_at) VALUES(?,?,?,?)`,
				id, n, CopyAvailable, now); err != nil {
				return fmt.Errorf("insert copy %d: %w", n, err)
			}
		}
		book = &Book{ID: id, Title: title, Author: author, ISBN: isbn,
			TotalCopies: copies, AvailableCopies: copies, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.record(ctx, Activity{Action: "book.added", BookID: book.ID,
		Details: map[string]any{"title": title, "copies": copies}})
	return book, nil
}

// AddCopies appends n available copies to an existing book.
func (lm *LibraryManager) AddCopies(ctx context.Context, bookID int64, n int) (copies []BookCopy, err error) {
	start := time.Now()
	defer func() { lm.observe("add_copies", start, err) }()

	if bookID <= 0 {
		return nil, validationf("book id must be positive")
	}
	if n <= 0 {
		return nil, validationf("number of copies must be positive")
	}

	now := lm.clock()
	err = lm.db.withTx(ctx, func(tx *txn) error {
		copies = nil
		if _, err := tx.lockBook(ctx, bookID); err != nil {
			return err
		}
		var last int
		if err := tx.get(ctx, &last, `SELECT COALESCE(MAX(copy_number), 0) FROM book_copies WHERE book_id = ?`, bookID); err != nil {
			return fmt.Errorf("max copy number: %w", err)
		}
		for i := 1; i <= n; i++ {
			c := BookCopy{BookID: bookID, CopyNumber: last + i, Status: CopyAvailable, UpdatedAt: now}
			if err := tx.get(ctx, &c.ID, `INSERT INTO book_copies(book_id, copy_number, status, updated_at)
                VALUES(?,?,?,?) RETURNING id`, c.BookID, c.CopyNumber, c.Status, now); err != nil {
				return fmt.Errorf("insert copy: %w", err)
			}
			copies = append(copies, c)
		}
		if _, err := tx.exec(ctx, `UPDATE books SET total_copies = total_copies + ?, available_copies = available_copies + ?
            WHERE id = ?`, n, n, bookID); err != nil {
			return fmt.Errorf("update book counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.record(ctx, Activity{Action: "book.copies_added", BookID: bookID, Details: map[string]any{"added": n}})
	// One promotion per new copy.
	for range copies {
		lm.promoteLater(ctx, bookID)
	}
	return copies, nil
}

// maintenanceTransitions lists the status changes staff may make by hand.
// Borrowed and held copies are only moved by loans and holds.
var maintenanceTransitions = map[CopyStatus][]CopyStatus{
	CopyAvailable: {CopyInRepair, CopyLost},
	CopyInRepair:  {CopyAvailable, CopyLost},
	CopyLost:      {CopyAvailable},
}

func maintenanceAllowed(from, to CopyStatus) bool {
	for _, s := range maintenanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetCopyStatus changes a copy's maintenance status.
func (lm *LibraryManager) SetCopyStatus(ctx context.Context, copyID int64, status CopyStatus) (c *BookCopy, err error) {
	start := time.Now()
	defer func() { lm.observe("set_copy_status", start, err, zap.Int64("copy_id", copyID)) }()

	if copyID <= 0 {
		return nil, validationf("copy id must be positive")
	}

	now := lm.clock()
	var from CopyStatus
	err = lm.db.withTx(ctx, func(tx *txn) error {
		cur, err := tx.lockCopy(ctx, copyID)
		if err != nil {
			return err
		}
		from = cur.Status
		if !maintenanceAllowed(from, status) {
			return ErrInvalidCopyTransition
		}
		c, err = tx.applyCopyEffect(ctx, copyEffect{copyID: copyID, from: from, to: status}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	lm.record(ctx, Activity{Action: "copy.status_changed", BookID: c.BookID, CopyID: c.ID,
		Details: map[string]any{"from": from, "to": status}})
	if status == CopyAvailable {
		lm.promoteLater(ctx, c.BookID)
	}
	return c, nil
}

func (lm *LibraryManager) GetBook(ctx context.Context, id int64) (*Book, error) {
	var b Book
	err := lm.db.get(ctx, &b, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book %d: %w", id, err)
	}
	return &b, nil
}

func (lm *LibraryManager) GetCopy(ctx context.Context, id int64) (*BookCopy, error) {
	var c BookCopy
	err := lm.db.get(ctx, &c, `SELECT `+copyColumns+` FROM book_copies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCopyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get copy %d: %w", id, err)
	}
	return &c, nil
}

// ListBooks returns the catalog ordered by id.
func (lm *LibraryManager) ListBooks(ctx context.Context) ([]Book, error) {
	ds := lm.db.dialect.From("books").
		Select("id", "title", "author", "isbn", "total_copies", "available_copies", "created_at").
		Order(goqu.C("id").Asc())
	var books []Book
	if err := lm.db.selectDataset(ctx, &books, ds); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// SearchBooks matches q as a case-insensitive substring of title, author or
// ISBN. Results are not ranked.
func (lm *LibraryManager) SearchBooks(ctx context.Context, q string) ([]Book, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return lm.ListBooks(ctx)
	}
	pattern := "%" + stripWildcards(q) + "%"
	ds := lm.db.dialect.From("books").
		Select("id", "title", "author", "isbn", "total_copies", "available_copies", "created_at").
		Where(goqu.Or(
			goqu.C("title").ILike(pattern),
			goqu.C("author").ILike(pattern),
			goqu.C("isbn").ILike(pattern),
		)).
		Order(goqu.C("title").Asc(), goqu.C("id").Asc())
	var books []Book
	if err := lm.db.selectDataset(ctx, &books, ds); err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return books, nil
}

func stripWildcards(s string) string {
	return strings.NewReplacer(`%`, ``, `_`, ``).Replace(s)
}

func (lm *LibraryManager) ListCopies(ctx context.Context, bookID int64) ([]BookCopy, error) {
	if _, err := lm.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	var copies []BookCopy
	if err := lm.db.sel(ctx, &copies, `SELECT `+copyColumns+` FROM book_copies WHERE book_id = ? ORDER BY copy_number`, bookID); err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	return copies, nil
}

// VerifyBook compares a book's counters with its copy rows.
func (lm *LibraryManager) VerifyBook(ctx context.Context, bookID int64) (*LedgerReport, error) {
	b, err := lm.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status CopyStatus `db:"status"`
		N      int        `db:"n"`
	}
	if err := lm.db.sel(ctx, &rows, `SELECT status, COUNT(*) AS n FROM book_copies WHERE book_id = ? GROUP BY status`, bookID); err != nil {
		return nil, fmt.Errorf("count copies: %w", err)
	}

	r := &LedgerReport{
		BookID:          b.ID,
		Title:           b.Title,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		ByStatus:        make(map[CopyStatus]int, len(rows)),
	}
	for _, row := range rows {
		r.ByStatus[row.Status] = row.N
		r.CopyRows += row.N
	}
	r.CountedAvailable = r.ByStatus[CopyAvailable]
	r.Consistent = r.CopyRows == r.TotalCopies &&
		r.CountedAvailable == r.AvailableCopies &&
		r.AvailableCopies >= 0 && r.AvailableCopies <= r.TotalCopies
	return r, nil
}

// VerifyAll runs VerifyBook over the whole catalog.
func (lm *LibraryManager) VerifyAll(ctx context.Context) ([]LedgerReport, error) {
	books, err := lm.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]LedgerReport, 0, len(books))
	for _, b := range books {
		r, err := lm.VerifyBook(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if !r.Consistent {
			lm.log.Warn("inventory ledger mismatch", zap.Int64("book_id", r.BookID),
				zap.Int("available_copies", r.AvailableCopies), zap.Int("counted_available", r.CountedAvailable),
				zap.Int("total_copies", r.TotalCopies), zap.Int("copy_rows", r.CopyRows))
		}
		reports = append(reports, *r)
	}
	return reports, nil
}
