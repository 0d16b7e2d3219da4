package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, "0.50", p.FinePerDay.StringFixed(2))
	assert.Equal(t, 2, p.MaxRenewalsFor(MembershipStandard))
	assert.Equal(t, 5, p.MaxRenewalsFor(MembershipPremium))
	assert.Equal(t, 3, p.MaxRenewalsFor(MembershipStudent))
	assert.Equal(t, 14, p.LoanPeriodDays)
	assert.Equal(t, 48, p.HoldWindowHours)
}

func TestLoadPolicyOverridesOnlyGivenFields(t *testing.T) {
	path := writePolicy(t, `{"finePerDay": "0.25", "maxRenewals": {"student": 1}, "holdWindowHours": 24}`)

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "0.25", p.FinePerDay.StringFixed(2))
	assert.Equal(t, 1, p.MaxRenewalsFor(MembershipStudent))
	assert.Equal(t, 2, p.MaxRenewalsFor(MembershipStandard), "untouched tier keeps its default")
	assert.Equal(t, 24, p.HoldWindowHours)
	assert.Equal(t, 14, p.LoanPeriodDays)
}

func TestLoadPolicyExplicitZero(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, `{"finePerDay": 0, "maxRenewals": {"standard": 0}}`))
	require.NoError(t, err)
	assert.True(t, p.FinePerDay.IsZero())
	assert.Equal(t, 0, p.MaxRenewalsFor(MembershipStandard))
}

func TestLoadPolicyRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"negative fine":     `{"finePerDay": "-1"}`,
		"zero period":       `{"loanPeriodDays": 0}`,
		"unknown tier":      `{"maxRenewals": {"gold": 9}}`,
		"unknown loan tier": `{"maxActiveLoans": {"gold": 9}}`,
		"zero loan cap":     `{"maxActiveLoans": {"premium": 0}}`,
		"malformed json":    `{"finePerDay":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read policy")
}

func TestRenewalLimitFollowsPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRenewals[MembershipStandard] = 0
	lm, _ := newTestManager(t, WithPolicy(p))
	m := addMember(t, lm, "No Renewals", MembershipStandard)
	_, cs := addBook(t, lm, "Fixed Term", 1)
	loan := issue(t, lm, m.ID, cs[0].ID, 0)

	_, err := lm.Renew(context.Background(), loan.ID, m.ID, "")
	assert.ErrorIs(t, err, ErrRenewalLimitReached)
}
