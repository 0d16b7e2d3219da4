package library

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Activity is one entry of the circulation audit trail.
type Activity struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	ActorID    int64          `json:"actorId,omitempty"`
	UserID     int64          `json:"userId,omitempty"`
	BookID     int64          `json:"bookId,omitempty"`
	CopyID     int64          `json:"copyId,omitempty"`
	LoanID     int64          `json:"loanId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// ActivityLog receives audit entries. Appends are fire-and-forget from the
// caller's point of view.
type ActivityLog interface {
	Append(ctx context.Context, a Activity) error
}

// HoldNotice tells a member that a copy is waiting for them.
type HoldNotice struct {
	ReservationID int64
	UserID        int64
	BookID        int64
	CopyID        int64
	Title         string
	ExpiresAt     time.Time
}

type Notifier interface {
	NotifyHoldReady(ctx context.Context, n HoldNotice) error
}

// DBActivityLog stores activity in the activity_log table.
type DBActivityLog struct {
	db *Database
}

func NewDBActivityLog(db *Database) *DBActivityLog { return &DBActivityLog{db: db} }

type activityRow struct {
	ID         string    `db:"id"`
	Action     string    `db:"action"`
	ActorID    int64     `db:"actor_id"`
	UserID     int64     `db:"user_id"`
	BookID     int64     `db:"book_id"`
	CopyID     int64     `db:"copy_id"`
	LoanID     int64     `db:"loan_id"`
	Details    string    `db:"details"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (l *DBActivityLog) Append(ctx context.Context, a Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	details := "{}"
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("encode activity details: %w", err)
		}
		details = string(b)
	}
	err := l.db.exec(ctx, `INSERT INTO activity_log(id, action, actor_id, user_id, book_id, copy_id, loan_id, details, occurred_at)
        VALUES(?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Action, a.ActorID, a.UserID, a.BookID, a.CopyID, a.LoanID, details, a.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ActivityFilter narrows Recent. Zero values match everything.
type ActivityFilter struct {
	UserID int64
	BookID int64
	Limit  uint
}

// Recent returns the latest entries, newest first.
func (l *DBActivityLog) Recent(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	if f.Limit == 0 {
		f.Limit = 50
	}
	ds := l.db.dialect.From("activity_log").
		Select("id", "action", "actor_id", "user_id", "book_id", "copy_id", "loan_id", "details", "occurred_at").
		Order(goqu.C("occurred_at").Desc()).
		Limit(f.Limit)
	if f.UserID > 0 {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID))
	}
	if f.BookID > 0 {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID))
	}

	var rows []activityRow
	if err := l.db.selectDataset(ctx, &rows, ds); err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	out := make([]Activity, 0, len(rows))
	for _, r := range rows {
		a := Activity{ID: r.ID, Action: r.Action, ActorID: r.ActorID, UserID: r.UserID, BookID: r.BookID,
			CopyID: r.CopyID, LoanID: r.LoanID, OccurredAt: r.OccurredAt}
		if r.Details != "" && r.Details != "{}" {
			if err := json.UnmarshalFromString(r.Details, &a.Details); err != nil {
				return nil, fmt.Errorf("decode activity %s: %w", r.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// LogNotifier writes hold notices to the log instead of delivering them.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyHoldReady(_ context.Context, h HoldNotice) error {
	n.log.Info("hold ready for pickup",
		zap.Int64("reservation_id", h.ReservationID),
		zap.Int64("user_id", h.UserID),
		zap.Int64("book_id", h.BookID),
		zap.Int64("copy_id", h.CopyID),
		zap.String("title", h.Title),
		zap.Time("expires_at", h.ExpiresAt))
	return nil
}
