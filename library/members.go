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
	"golang.org/x/crypto/bcrypt"
)

const memberColumns = `id, name, password_hash, role, membership_type, membership_expiry, created_at`

// NewMember describes a member to register.
type NewMember struct {
	Name             string
	Password         string
	Role             Role
	MembershipType   MembershipType
	MembershipExpiry time.Time
}

// AddMember registers a member. Role defaults to member, tier to standard
// and expiry to one year from now.
func (lm *LibraryManager) AddMember(ctx context.Context, in NewMember) (m *Member, err error) {
	start := time.Now()
	defer func() { lm.observe("add_member", start, err) }()

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, validationf("name is required")
	}
	if in.Password == "" {
		return nil, validationf("password is required")
	}
	if in.Role == "" {
		in.Role = RoleMember
	}
	if !in.Role.Valid() {
		return nil, validationf("unknown role %q", in.Role)
	}
	if in.MembershipType == "" {
		in.MembershipType = MembershipStandard
	}
	if !in.MembershipType.Valid() {
		return nil, validationf("unknown membership type %q", in.MembershipType)
	}

	now := lm.clock()
	if in.MembershipExpiry.IsZero() {
		in.MembershipExpiry = now.AddDate(1, 0, 0)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), lm.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	m = &Member{
		Name:             in.Name,
		PasswordHash:     string(hash),
		Role:             in.Role,
		MembershipType:   in.MembershipType,
		MembershipExpiry: in.MembershipExpiry.UTC().Truncate(time.Microsecond),
		CreatedAt:        now,
	}
	err = lm.db.withTx(ctx, func(tx *txn) error {
		return tx.get(ctx, &m.ID, `INSERT INTO members(name, password_hash, role, membership_type, membership_expiry, created_at)
            VALUES(?,?,?,?,?,?) RETURNING id`, m.Name, m.PasswordHash, m.Role, m.MembershipType, m.MembershipExpiry, m.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}
	lm.record(ctx, Activity{Action: "member.added", UserID: m.ID,
		Details: map[string]any{"role": m.Role, "membershipType": m.MembershipType}})
	return m, nil
}

func (lm *LibraryManager) GetMember(ctx context.Context, id int64) (*Member, error) {
	var m Member
	err := lm.db.get(ctx, &m, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %d: %w", id, err)
	}
	return &m, nil
}

func (lm *LibraryManager) ListMembers(ctx context.Context) ([]Member, error) {
	ds := lm.db.dialect.From("members").
		Select("id", "name", "password_hash", "role", "membership_type", "membership_expiry", "created_at").
		Order(goqu.C("id").Asc())
	var members []Member
	if err := lm.db.selectDataset(ctx, &members, ds); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// Authenticate checks a member's password.
func (lm *LibraryManager) Authenticate(ctx context.Context, id int64, password string) (*Member, error) {
	m, err := lm.GetMember(ctx, id)
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)) != nil {
		lm.log.Info("authentication failed", zap.Int64("user_id", id))
		return nil, ErrInvalidCredentials
	}
	return m, nil
}

func (lm *LibraryManager) ResetPassword(ctx context.Context, id int64, password string) (err error) {
	start := time.Now()
	defer func() { lm.observe("reset_password", start, err, zap.Int64("user_id", id)) }()

	if password == "" {
		return validationf("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), lm.passwordCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	err = lm.db.withTx(ctx, func(tx *txn) error {
		n, err := tx.exec(ctx, `UPDATE members SET password_hash = ? WHERE id = ?`, string(hash), id)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n == 0 {
			return ErrMemberNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	lm.record(ctx, Activity{Action: "member.password_reset", UserID: id})
	return nil
}

// ExtendMembership moves the member's expiry to until.
func (lm *LibraryManager) ExtendMembership(ctx context.Context, id int64, until time.Time) (m *Member, err error) {
	start := time.Now()
	defer func() { lm.observe("extend_membership", start, err, zap.Int64("user_id", id)) }()

	until = until.UTC().Truncate(time.Microsecond)
	if !until.After(lm.clock()) {
		return nil, validationf("new expiry must be in the future")
	}
	err = lm.db.withTx(ctx, func(tx *txn) error {
		n, err := tx.exec(ctx, `UPDATE members SET membership_expiry = ? WHERE id = ?`, until, id)
		if err != nil {
			return fmt.Errorf("update expiry: %w", err)
		}
		if n == 0 {
			return ErrMemberNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.record(ctx, Activity{Action: "member.extended", UserID: id, Details: map[string]any{"until": until}})
	return lm.GetMember(ctx, id)
}

// checkEligible enforces the borrowing rules for userID inside a
// transaction and returns the member.
func (lm *LibraryManager) checkEligible(ctx context.Context, tx *txn, userID int64, now time.Time) (*Member, error) {
	var m Member
	err := tx.get(ctx, &m, `SELECT `+memberColumns+` FROM members WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %d: %w", userID, err)
	}
	if m.MembershipExpiry.Before(now) {
		return nil, ErrMembershipExpired
	}

	var counts struct {
		Active  int `db:"active"`
		Overdue int `db:"overdue"`
	}
	if err := tx.get(ctx, &counts, `SELECT COUNT(*) AS active,
            COALESCE(SUM(CASE WHEN due_date < ? THEN 1 ELSE 0 END), 0) AS overdue
        FROM loans WHERE user_id = ? AND return_date IS NULL`, now, userID); err != nil {
		return nil, fmt.Errorf("count active loans: %w", err)
	}
	if counts.Overdue > 0 {
		return nil, ErrHasOverdueLoans
	}
	if counts.Active >= lm.policy.MaxActiveLoansFor(m.MembershipType) {
		return nil, ErrLoanLimitReached
	}
	return &m, nil
}
