package services

import (
	"fmt"

	"github.com/burocratadebolso/backend/internal/models"
)

// CreditEffect is what settling a package does to an account: either a
// finite credit grant or an upgrade to the unlimited PRO plan.
type CreditEffect struct {
	Package      string
	CreditAmount int64
	Price        float64
	UpgradeToPro bool
}

// Apply returns the balance and plan after granting the effect.
func (e CreditEffect) Apply(balance models.Credits, plan string) (models.Credits, string) {
	if e.UpgradeToPro {
		return models.UnlimitedCredits(), models.PlanPro
	}
	return balance.Add(e.CreditAmount), plan
}

// CreditPolicy maps a package identifier to its effect. Pure and total over
// the package enum: no I/O, no side effects, so both the purchase intent
// service and the reconciliation engine call it independently.
func CreditPolicy(pkg string) (CreditEffect, error) {
	switch pkg {
	case models.PackageBronze:
		return CreditEffect{Package: pkg, CreditAmount: 30, Price: 15.00}, nil
	case models.PackageSilver:
		return CreditEffect{Package: pkg, CreditAmount: 60, Price: 25.00}, nil
	case models.PackagePro:
		return CreditEffect{Package: pkg, CreditAmount: models.UnlimitedSentinel, Price: 50.00, UpgradeToPro: true}, nil
	default:
		return CreditEffect{}, fmt.Errorf("%w: %q", ErrInvalidPackage, pkg)
	}
}
