package library

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMemberDefaults(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()

	m, err := lm.AddMember(ctx, NewMember{Name: " Alice ", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", m.Name)
	assert.Equal(t, RoleMember, m.Role)
	assert.Equal(t, MembershipStandard, m.MembershipType)
	assert.True(t, m.MembershipExpiry.Equal(testEpoch.AddDate(1, 0, 0)))
	assert.NotEqual(t, "pw", m.PasswordHash)

	got, err := lm.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)
	assert.True(t, got.MembershipExpiry.Equal(m.MembershipExpiry))

	for _, bad := range []NewMember{
		{Password: "pw"},
		{Name: "No Password"},
		{Name: "Bad Role", Password: "pw", Role: "janitor"},
		{Name: "Bad Tier", Password: "pw", MembershipType: "gold"},
	} {
		_, err := lm.AddMember(ctx, bad)
		assert.Equal(t, KindValidation, KindOf(err), "%+v", bad)
	}

	members, err := lm.ListMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAuthenticate(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	m := addMember(t, lm, "Alice", MembershipStandard)

	got, err := lm.Authenticate(ctx, m.ID, "secret")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	_, err = lm.Authenticate(ctx, m.ID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = lm.Authenticate(ctx, 999, "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unknown ids look like bad passwords")

	require.NoError(t, lm.ResetPassword(ctx, m.ID, "fresh"))
	_, err = lm.Authenticate(ctx, m.ID, "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = lm.Authenticate(ctx, m.ID, "fresh")
	assert.NoError(t, err)

	assert.ErrorIs(t, lm.ResetPassword(ctx, 999, "x"), ErrMemberNotFound)
	assert.Equal(t, KindValidation, KindOf(lm.ResetPassword(ctx, m.ID, "")))
}

func TestExtendMembershipRestoresBorrowing(t *testing.T) {
	lm, _ := newTestManager(t)
	ctx := context.Background()
	m, err := lm.AddMember(ctx, NewMember{Name: "Lapsed", Password: "pw", MembershipExpiry: testEpoch.Add(-time.Hour)})
	require.NoError(t, err)
	_, cs := addBook(t, lm, "Welcome Back", 1)

	_, err = lm.IssueLoan(ctx, IssueRequest{UserID: m.ID, BookCopyID: cs[0].ID})
	require.ErrorIs(t, err, ErrMembershipExpired)

	_, err = lm.ExtendMembership(ctx, m.ID, testEpoch.Add(-time.Minute))
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = lm.ExtendMembership(ctx, 999, testEpoch.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, ErrMemberNotFound)

	until := testEpoch.AddDate(0, 6, 0)
	ext, err := lm.ExtendMembership(ctx, m.ID, until)
	require.NoError(t, err)
	assert.True(t, ext.MembershipExpiry.Equal(until))

	issue(t, lm, m.ID, cs[0].ID, 0)
}

func TestRoles(t *testing.T) {
	assert.True(t, RoleAdmin.IsStaff())
	assert.True(t, RoleLibrarian.IsStaff())
	assert.False(t, RoleMember.IsStaff())
	assert.False(t, Role("janitor").Valid())
	assert.True(t, MembershipStudent.Valid())
}
