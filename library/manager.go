package library

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"library-circulation/obs"
)

// LibraryManager is the circulation service: every operation the CLI and
// HTTP API expose goes through it.
type LibraryManager struct {
	db           *Database
	policy       Policy
	log          *zap.Logger
	metrics      *obs.Metrics
	followups    Followups
	activity     ActivityLog
	notifier     Notifier
	now          func() time.Time
	passwordCost int
}

type Option func(*LibraryManager)

func WithPolicy(p Policy) Option { return func(lm *LibraryManager) { lm.policy = p } }

func WithLogger(l *zap.Logger) Option { return func(lm *LibraryManager) { lm.log = l } }

func WithMetrics(m *obs.Metrics) Option { return func(lm *LibraryManager) { lm.metrics = m } }

// WithFollowups sets the runner for post-commit work. The default runs
// tasks inline.
func WithFollowups(f Followups) Option { return func(lm *LibraryManager) { lm.followups = f } }

func WithActivityLog(a ActivityLog) Option { return func(lm *LibraryManager) { lm.activity = a } }

func WithNotifier(n Notifier) Option { return func(lm *LibraryManager) { lm.notifier = n } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(lm *LibraryManager) { lm.now = now } }

func WithPasswordCost(cost int) Option { return func(lm *LibraryManager) { lm.passwordCost = cost } }

// NewLibraryManager wraps an open Database. The manager owns db from here on
// and closes it in Close.
func NewLibraryManager(db *Database, opts ...Option) *LibraryManager {
	lm := &LibraryManager{
		db:           db,
		policy:       DefaultPolicy(),
		log:          zap.NewNop(),
		now:          time.Now,
		passwordCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.followups == nil {
		lm.followups = NewInlineFollowups(lm.log, lm.metrics)
	}
	if lm.activity == nil {
		lm.activity = NewDBActivityLog(db)
	}
	if lm.notifier == nil {
		lm.notifier = NewLogNotifier(lm.log)
	}
	db.instrument(lm.log, lm.metrics)
	return lm
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

func (lm *LibraryManager) Policy() Policy { return lm.policy }

func (lm *LibraryManager) Database() *Database { return lm.db }

// clock returns the current time in the form every timestamp is stored in.
func (lm *LibraryManager) clock() time.Time {
	return lm.now().UTC().Truncate(time.Microsecond)
}

// observe records the outcome of one operation.
func (lm *LibraryManager) observe(op string, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	if lm.metrics != nil {
		lm.metrics.CirculationOps.WithLabelValues(op, result).Inc()
		lm.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(elapsed.Microseconds()) / 1000)
	}

	fields = append(fields, zap.String("op", op), zap.String("result", result),
		zap.Int64("latency_ms", elapsed.Milliseconds()))
	switch {
	case err == nil:
		lm.log.Debug("operation completed", fields...)
	case IsDomainError(err):
		lm.log.Info("operation rejected", append(fields, zap.Error(err))...)
	default:
		lm.log.Error("operation failed", append(fields, zap.Error(err))...)
	}
}

func resultLabel(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return "invalid"
	case KindRule:
		return "rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// after schedules fn to run once the current operation has committed.
func (lm *LibraryManager) after(ctx context.Context, name string, fn func(ctx context.Context) error) {
	lm.followups.Enqueue(ctx, Task{Name: name, Run: fn})
}

// record appends an activity entry as a follow-up.
func (lm *LibraryManager) record(ctx context.Context, a Activity) {
	if a.OccurredAt.IsZero() {
		a.OccurredAt = lm.clock()
	}
	lm.after(ctx, "activity:"+a.Action, func(ctx context.Context) error {
		return lm.activity.Append(ctx, a)
	})
}

// promoteLater schedules queue promotion for bookID.
func (lm *LibraryManager) promoteLater(ctx context.Context, bookID int64) {
	lm.after(ctx, "assign-next-in-queue", func(ctx context.Context) error {
		_, err := lm.AssignNextInQueue(ctx, bookID)
		return err
	})
}
