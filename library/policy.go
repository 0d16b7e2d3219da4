package library

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the circulation rules. It can be loaded from a JSON file; any
// field left out keeps its default.
type Policy struct {
	FinePerDay           decimal.Decimal        `json:"finePerDay"`
	LoanPeriodDays       int                    `json:"loanPeriodDays"`
	RenewalExtensionDays int                    `json:"renewalExtensionDays"`
	HoldWindowHours      int                    `json:"holdWindowHours"`
	MaxRenewals          map[MembershipType]int `json:"maxRenewals"`
	MaxActiveLoans       map[MembershipType]int `json:"maxActiveLoans"`
}

func DefaultPolicy() Policy {
	return Policy{
		FinePerDay:           decimal.RequireFromString("0.50"),
		LoanPeriodDays:       14,
		RenewalExtensionDays: 14,
		HoldWindowHours:      48,
		MaxRenewals: map[MembershipType]int{
			MembershipStandard: 2,
			MembershipPremium:  5,
			MembershipStudent:  3,
		},
		MaxActiveLoans: map[MembershipType]int{
			MembershipStandard: 5,
			MembershipPremium:  10,
			MembershipStudent:  3,
		},
	}
}

// policyFile mirrors Policy with optional fields so an explicit zero in the
// file is distinguishable from an omitted key.
type policyFile struct {
	FinePerDay           *decimal.Decimal       `json:"finePerDay"`
	LoanPeriodDays       *int                   `json:"loanPeriodDays"`
	RenewalExtensionDays *int                   `json:"renewalExtensionDays"`
	HoldWindowHours      *int                   `json:"holdWindowHours"`
	MaxRenewals          map[MembershipType]int `json:"maxRenewals"`
	MaxActiveLoans       map[MembershipType]int `json:"maxActiveLoans"`
}

// LoadPolicy reads a JSON policy file on top of DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return p, fmt.Errorf("read policy: %w", err)
	}

	var f policyFile
	if err := json.Unmarshal(b, &f); err != nil {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	p.apply(f)

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Policy) apply(f policyFile) {
	if f.FinePerDay != nil {
		p.FinePerDay = *f.FinePerDay
	}
	if f.LoanPeriodDays != nil {
		p.LoanPeriodDays = *f.LoanPeriodDays
	}
	if f.RenewalExtensionDays != nil {
		p.RenewalExtensionDays = *f.RenewalExtensionDays
	}
	if f.HoldWindowHours != nil {
		p.HoldWindowHours = *f.HoldWindowHours
	}
	for k, v := range f.MaxRenewals {
		p.MaxRenewals[k] = v
	}
	for k, v := range f.MaxActiveLoans {
		p.MaxActiveLoans[k] = v
	}
}

func (p Policy) Validate() error {
	if p.FinePerDay.IsNegative() {
		return fmt.Errorf("policy: finePerDay must not be negative")
	}
	if p.LoanPeriodDays <= 0 || p.RenewalExtensionDays <= 0 || p.HoldWindowHours <= 0 {
		return fmt.Errorf("policy: periods must be positive")
	}
	for _, tier := range []MembershipType{MembershipStandard, MembershipPremium, MembershipStudent} {
		if n, ok := p.MaxRenewals[tier]; !ok || n < 0 {
			return fmt.Errorf("policy: maxRenewals for %s must be set and >= 0", tier)
		}
		if n, ok := p.MaxActiveLoans[tier]; !ok || n <= 0 {
			return fmt.Errorf("policy: maxActiveLoans for %s must be set and > 0", tier)
		}
	}
	for _, limits := range []map[MembershipType]int{p.MaxRenewals, p.MaxActiveLoans} {
		for tier := range limits {
			if !tier.Valid() {
				return fmt.Errorf("policy: unknown membership type %q", tier)
			}
		}
	}
	return nil
}

func (p Policy) LoanPeriod() time.Duration       { return time.Duration(p.LoanPeriodDays) * 24 * time.Hour }
func (p Policy) RenewalExtension() time.Duration { return time.Duration(p.RenewalExtensionDays) * 24 * time.Hour }
func (p Policy) HoldWindow() time.Duration       { return time.Duration(p.HoldWindowHours) * time.Hour }

func (p Policy) MaxRenewalsFor(t MembershipType) int { return p.MaxRenewals[t] }

func (p Policy) MaxActiveLoansFor(t MembershipType) int { return p.MaxActiveLoans[t] }
