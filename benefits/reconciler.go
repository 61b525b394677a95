/*
reconciler.go - Claim lifecycle reconciliation

PURPOSE:
  Turns a claim write (create, update, soft/hard delete) into the correct
  ledger postings. It is invoked explicitly by the claim write path, inside
  the same storage transaction as the claim row, with the pre-update
  snapshot captured in that transaction.

TRANSITIONS:
  ┌────────────┬──────────────┬───────────────────────┬─────────────────────────────┐
  │ event      │ before       │ after                 │ ledger effect               │
  ├────────────┼──────────────┼───────────────────────┼─────────────────────────────┤
  │ create     │ -            │ approved              │ debit amount                │
  │ update     │ not approved │ approved              │ debit new amount            │
  │ update     │ approved     │ not approved          │ credit the debited amount   │
  │ update     │ approved     │ approved, changed     │ debit/credit the delta      │
  │ delete     │ approved     │ -                     │ credit the debited amount   │
  │ anything else                                      │ none                        │
  └────────────┴──────────────┴───────────────────────┴─────────────────────────────┘

HOW:
  The reconciler does not trust the snapshot amounts for money. It reads
  how much the ledger currently holds for the claim (ReferenceNet), works
  out what it should hold (the new amount on the resolved budget if the
  claim is approved, nothing otherwise) and posts the difference, credits
  first. When the ledger agrees with the snapshot this is exactly the
  table above. It also means:
    - a reversal always credits what was actually debited
    - running it twice posts nothing the second time
    - a claim moved to another benefit type or year while approved is
      credited on the old budget and debited on the new one

IDEMPOTENCY:
  Every posting carries the key claim:<id>:<employee>/<budget>:<n>, where n
  is how many rows the claim already has on that balance. Two writers that
  planned from the same ledger state produce the same key; the second is
  refused by the ledger and retried as a concurrent modification.

OVERDRAFT:
  A debit larger than the current balance returns InsufficientBalanceError
  unless AllowOverdraft is set, in which case it is posted and logged.

FAILURES:
  Budget/balance resolution problems are returned as *ReconciliationError.
  The claim write path decides what to do with them (see claims.go).
*/
package benefits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

type Transition string

const (
	TransitionNone           Transition = "none"
	TransitionCreateApproved Transition = "create_approved"
	TransitionApprove        Transition = "approve"
	TransitionUnapprove      Transition = "unapprove"
	TransitionAmend          Transition = "amend"
	TransitionDeleteApproved Transition = "delete_approved"
	TransitionRepair         Transition = "repair"
)

// Change is a claim write seen from the reconciler. Before is nil on
// create; After is nil on hard delete and carries DeletedAt on soft delete.
type Change struct {
	ClaimID ClaimID
	Before  *Claim
	After   *Claim
}

func (ch Change) current() *Claim {
	if ch.After != nil {
		return ch.After
	}
	return ch.Before
}

// ClassifyTransition names the transition per the lifecycle table.
func ClassifyTransition(before, after *Claim) Transition {
	wasApproved := before.Approved()
	isApproved := after.Approved()

	switch {
	case before == nil && isApproved:
		return TransitionCreateApproved
	case (after == nil || after.DeletedAt != nil) && wasApproved:
		return TransitionDeleteApproved
	case !wasApproved && isApproved:
		return TransitionApprove
	case wasApproved && !isApproved:
		return TransitionUnapprove
	case wasApproved && isApproved && claimEffectChanged(*before, *after):
		return TransitionAmend
	}
	return TransitionNone
}

func claimEffectChanged(a, b Claim) bool {
	return !a.Amount.Equal(b.Amount) ||
		a.BenefitTypeID != b.BenefitTypeID ||
		a.EmployeeID != b.EmployeeID ||
		a.Year() != b.Year()
}

// =============================================================================
// RECONCILER
// =============================================================================

// Outcome reports what a reconciliation posted.
type Outcome struct {
	Transition   Transition
	Transactions []generic.Transaction
}

type Reconciler struct {
	Resolver       *Resolver
	AllowOverdraft bool
	Logger         *slog.Logger
}

// Keys returns the balance keys a change may post to, for lock planning.
// It only reads. Keys that cannot be resolved are left out; Reconcile will
// report them.
func (r *Reconciler) Keys(ctx context.Context, repo Repository, ch Change) ([]generic.BalanceKey, error) {
	net, err := generic.NewLedger(repo).ReferenceNet(ctx, generic.RefClaim, string(ch.ClaimID))
	if err != nil {
		return nil, fmt.Errorf("load claim postings %s: %w", ch.ClaimID, err)
	}

	keys := make([]generic.BalanceKey, 0, len(net)+1)
	for k := range net {
		keys = append(keys, k)
	}
	if ch.After.Approved() {
		res, err := r.Resolver.ResolveClaim(ctx, repo, *ch.After)
		switch {
		case err == nil:
			keys = append(keys, res.Key())
		case !generic.IsNotFound(err):
			return nil, err
		}
	}
	return keys, nil
}

// Reconcile posts whatever brings the ledger for this claim in line with
// ch.After. locked is the key set the caller holds; needing any other key
// returns ErrConcurrentModification so the caller can re-plan. A nil
// locked set skips that check.
func (r *Reconciler) Reconcile(ctx context.Context, tx Repository, ch Change, locked generic.KeySet, actor string) (Outcome, error) {
	transition := ClassifyTransition(ch.Before, ch.After)
	out := Outcome{Transition: transition}

	ledger := generic.NewLedger(tx)
	net, err := ledger.ReferenceNet(ctx, generic.RefClaim, string(ch.ClaimID))
	if err != nil {
		return out, fmt.Errorf("load claim postings %s: %w", ch.ClaimID, err)
	}
	seqs, err := ledger.ReferencePostings(ctx, generic.RefClaim, string(ch.ClaimID))
	if err != nil {
		return out, fmt.Errorf("load claim postings %s: %w", ch.ClaimID, err)
	}
	r.checkSnapshot(ch, net)

	target := make(map[generic.BalanceKey]decimal.Decimal)
	var targetRes *Resolution
	if ch.After.Approved() {
		res, err := r.Resolver.ResolveClaim(ctx, tx, *ch.After)
		if err == nil {
			res, err = r.Resolver.EnsureBalance(ctx, tx, res)
		}
		if err != nil {
			if generic.IsNotFound(err) {
				return out, r.failure(ch, transition, err)
			}
			return out, err
		}
		targetRes = &res
		target[res.Key()] = generic.RoundAmount(ch.After.Amount)
	}

	for _, k := range unionKeys(net, target) {
		delta := target[k].Sub(net[k])
		if delta.IsZero() {
			continue
		}
		if locked != nil && !locked[k] {
			return out, fmt.Errorf("%w: claim %s needs unlocked balance %s (holding %v)",
				generic.ErrConcurrentModification, ch.ClaimID, k, locked.Keys())
		}

		p, err := r.posting(ctx, tx, ch, transition, k, delta, targetRes, actor)
		if err != nil {
			return out, err
		}
		p.IdempotencyKey = ClaimPostingKey(ch.ClaimID, k, seqs[k])
		if p.Type == generic.TxDebit {
			if err := r.checkFunds(ctx, tx, ch, p, targetRes); err != nil {
				return out, err
			}
		}

		rec, err := generic.ApplyDelta(ctx, tx, p)
		if err != nil {
			if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
				return out, fmt.Errorf("%w: claim %s posting %s already recorded",
					generic.ErrConcurrentModification, ch.ClaimID, p.IdempotencyKey)
			}
			if generic.IsNotFound(err) {
				return out, r.failure(ch, transition, err)
			}
			return out, err
		}
		out.Transactions = append(out.Transactions, rec)
	}

	if len(out.Transactions) > 0 && transition == TransitionNone {
		out.Transition = TransitionRepair
	}
	return out, nil
}

// ClaimPostingKey is the idempotency key of the seq-th posting a claim
// makes on one balance.
func ClaimPostingKey(id ClaimID, k generic.BalanceKey, seq int) string {
	return fmt.Sprintf("claim:%s:%s:%d", id, k, seq)
}

// posting builds the ledger posting for one key's delta. Positive delta is
// a debit.
func (r *Reconciler) posting(ctx context.Context, tx Repository, ch Change, transition Transition, k generic.BalanceKey, delta decimal.Decimal, targetRes *Resolution, actor string) (generic.Posting, error) {
	p := generic.Posting{
		Key:           k,
		Type:          generic.TxDebit,
		Amount:        delta,
		ReferenceType: generic.RefClaim,
		ReferenceID:   string(ch.ClaimID),
		ProcessedBy:   actor,
	}
	if delta.IsNegative() {
		p.Type = generic.TxCredit
		p.Amount = delta.Neg()
	}

	if targetRes != nil && targetRes.Key() == k {
		p.BenefitTypeID = string(targetRes.Budget.BenefitTypeID)
		p.Year = targetRes.Budget.Year
	} else {
		budget, err := tx.GetBudget(ctx, k.BudgetID)
		if err != nil {
			return p, fmt.Errorf("load budget %s: %w", k.BudgetID, err)
		}
		if budget == nil {
			return p, r.failure(ch, transition, fmt.Errorf("%w: %s", generic.ErrBudgetNotFound, k.BudgetID))
		}
		p.BenefitTypeID = string(budget.BenefitTypeID)
		p.Year = budget.Year
	}

	p.Description = describe(ch, transition, p)
	return p, nil
}

func (r *Reconciler) checkFunds(ctx context.Context, tx Repository, ch Change, p generic.Posting, targetRes *Resolution) error {
	bal, err := tx.GetBalance(ctx, p.Key)
	if err != nil {
		return fmt.Errorf("load balance %s: %w", p.Key, err)
	}
	if bal == nil {
		return r.failure(ch, ClassifyTransition(ch.Before, ch.After), fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, p.Key))
	}
	if !p.Amount.GreaterThan(bal.CurrentBalance) {
		return nil
	}

	if r.AllowOverdraft {
		r.logger().Warn("claim approval overdraws balance",
			"claim_id", ch.ClaimID, "balance", p.Key.String(),
			"available", bal.CurrentBalance.StringFixed(generic.AmountPlaces),
			"debit", p.Amount.StringFixed(generic.AmountPlaces))
		return nil
	}

	name := p.BenefitTypeID
	if bt, err := tx.GetBenefitType(ctx, BenefitTypeID(p.BenefitTypeID)); err == nil && bt != nil {
		name = bt.Name
	}
	return &generic.InsufficientBalanceError{
		Key:         p.Key,
		BenefitType: name,
		Available:   bal.CurrentBalance,
		Requested:   p.Amount,
	}
}

// checkSnapshot logs when the ledger disagrees with what the pre-update
// snapshot says was debited. The ledger wins.
func (r *Reconciler) checkSnapshot(ch Change, net map[generic.BalanceKey]decimal.Decimal) {
	expected := decimal.Zero
	if ch.Before.Approved() {
		expected = generic.RoundAmount(ch.Before.Amount)
	}
	held := decimal.Zero
	for _, v := range net {
		held = held.Add(v)
	}
	if !held.Equal(expected) {
		r.logger().Warn("claim ledger disagrees with claim snapshot",
			"claim_id", ch.ClaimID,
			"snapshot_debited", expected.StringFixed(generic.AmountPlaces),
			"ledger_debited", held.StringFixed(generic.AmountPlaces))
	}
}

func (r *Reconciler) failure(ch Change, transition Transition, err error) error {
	c := ch.current()
	re := &ReconciliationError{ClaimID: ch.ClaimID, Transition: transition, Err: err}
	if c != nil {
		re.EmployeeID = c.EmployeeID
		re.Amount = c.Amount
		re.Status = c.Status
	}
	return re
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// =============================================================================
// HELPERS
// =============================================================================

// unionKeys returns every key in either map; credits (keys being drained)
// come before debits so moving a claim frees the old budget first.
func unionKeys(net, target map[generic.BalanceKey]decimal.Decimal) []generic.BalanceKey {
	seen := make(map[generic.BalanceKey]bool)
	var keys []generic.BalanceKey
	for k := range net {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range target {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		di := target[keys[i]].Sub(net[keys[i]])
		dj := target[keys[j]].Sub(net[keys[j]])
		if di.Sign() != dj.Sign() {
			return di.Sign() < dj.Sign()
		}
		return keys[i].Less(keys[j])
	})
	return keys
}

func describe(ch Change, transition Transition, p generic.Posting) string {
	amount := p.Amount.StringFixed(generic.AmountPlaces)
	switch transition {
	case TransitionCreateApproved:
		return fmt.Sprintf("Claim %s approved on submission", ch.ClaimID)
	case TransitionApprove:
		return fmt.Sprintf("Claim %s approved", ch.ClaimID)
	case TransitionUnapprove:
		return fmt.Sprintf("Claim %s reversed: status %s -> %s, %s restored", ch.ClaimID, ch.Before.Status, ch.After.Status, amount)
	case TransitionDeleteApproved:
		return fmt.Sprintf("Claim %s deleted, %s restored", ch.ClaimID, amount)
	case TransitionAmend:
		if ch.Before.Amount.Equal(ch.After.Amount) {
			return fmt.Sprintf("Claim %s moved between budgets (%s %s)", ch.ClaimID, p.Type, amount)
		}
		return fmt.Sprintf("Claim %s amount adjusted from %s to %s",
			ch.ClaimID, ch.Before.Amount.StringFixed(generic.AmountPlaces), ch.After.Amount.StringFixed(generic.AmountPlaces))
	}
	return fmt.Sprintf("Claim %s ledger repair (%s %s)", ch.ClaimID, p.Type, amount)
}
