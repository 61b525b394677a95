package benefits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// BALANCE VALIDATION RULE
// =============================================================================

// Validator checks a requested amount against the current balance before a
// claim is created. It never writes.
type Validator struct {
	Repo     Repository
	Resolver *Resolver
	Logger   *slog.Logger
}

// Validate returns nil when requested <= available. Resolution failures fail
// closed: the request is treated as insufficient with zero available.
func (v *Validator) Validate(ctx context.Context, employeeID generic.EntityID, claimDate time.Time, benefitTypeID BenefitTypeID, requested decimal.Decimal) error {
	requested = generic.RoundAmount(requested)
	if !requested.IsPositive() {
		return fmt.Errorf("%w: requested %s", generic.ErrInvalidAmount, requested)
	}

	insufficient := &generic.InsufficientBalanceError{
		BenefitType: v.benefitTypeName(ctx, benefitTypeID),
		Available:   decimal.Zero,
		Requested:   requested,
	}

	res, err := v.Resolver.Resolve(ctx, v.Repo, employeeID, claimDate, benefitTypeID)
	if err != nil {
		if !generic.IsNotFound(err) {
			return err
		}
		v.logger().Info("claim validation failed closed",
			"employee_id", employeeID, "benefit_type_id", benefitTypeID,
			"claim_date", claimDate.Format(time.DateOnly), "error", err)
		return insufficient
	}

	available := res.Available()
	if requested.GreaterThan(available) {
		insufficient.Key = res.Key()
		insufficient.Available = available
		return insufficient
	}
	return nil
}

func (v *Validator) benefitTypeName(ctx context.Context, id BenefitTypeID) string {
	bt, err := v.Repo.GetBenefitType(ctx, id)
	if err != nil || bt == nil {
		return string(id)
	}
	return bt.Name
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.Default()
	}
	return v.Logger
}
