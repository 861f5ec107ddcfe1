/*
award.go - Achievement detection

PURPOSE:
  Evaluate decides which achievements a single event makes true. It is a
  pure function of (event, prior aggregate, rank snapshot, policy): no
  store access, no clock. Whether a trigger is actually paid is decided
  later by the store's unique index on the trigger's IdempotencyKey.

ACHIEVEMENT KINDS (evaluated in this order, all that qualify fire):
  1. Progress:      value beats the account's previous best
  2. Tier:          value lands in a higher tier than the previous best
  3. Overtake:      value beats the account directly above in the ranking
  4. First success: first grant for (source, account, resource)

IDEMPOTENCY KEYS:
  progress:{scope}:{account}:{eventID}
  tier:{scope}:{account}:{tierIndex}
  overtake:{scope}:{account}:{overtakenAccount}
  first:{source}:{account}:{resourceID}

  Tier and overtake keys do not contain the event, so the same milestone
  reached by two different events still pays once.

MARKER KEYS:
  Achievement markers are unique per (account, kind, key). The key carries
  the scope (source for first success) so the same milestone earned in two
  scopes leaves two markers:

    progress  {scope}:{eventID}
    tier      {scope}:{tierIndex}
    overtake  {scope}:{overtakenAccount}
    first     {source}:{resourceID}

SEE ALSO:
  - engine.go: Runs Evaluate and grants the triggers
  - rank.go: RankSnapshot.NeighborAbove
  - rewards/: Concrete policies
*/
package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT
// =============================================================================

type Event struct {
	AccountID  AccountID
	Value      decimal.Decimal
	EventID    string
	SourceKind string
	ResourceID string // set for first-success sources
	At         time.Time
}

// =============================================================================
// TIER LADDER
// =============================================================================

// Tier is a half-open range [Min, Max). A nil Max is unbounded.
type Tier struct {
	Name  string
	Min   decimal.Decimal
	Max   *decimal.Decimal
	Bonus decimal.Decimal
}

func (t Tier) Contains(v decimal.Decimal) bool {
	if v.LessThan(t.Min) {
		return false
	}
	return t.Max == nil || v.LessThan(*t.Max)
}

// Ladder is an ordered list of contiguous tiers. A tier's index is its
// position in the list.
type Ladder []Tier

// Validate checks that tiers are contiguous, only the last is unbounded and
// bonuses never decrease.
func (l Ladder) Validate() error {
	for i, t := range l {
		if t.Bonus.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative bonus", ErrInvalidLadder, i)
		}
		last := i == len(l)-1
		if t.Max == nil {
			if !last {
				return fmt.Errorf("%w: tier %d is unbounded but not last", ErrInvalidLadder, i)
			}
			continue
		}
		if !t.Max.GreaterThan(t.Min) {
			return fmt.Errorf("%w: tier %d is empty", ErrInvalidLadder, i)
		}
		if last {
			continue
		}
		next := l[i+1]
		if !t.Max.Equal(next.Min) {
			return fmt.Errorf("%w: gap between tier %d and %d", ErrInvalidLadder, i, i+1)
		}
		if next.Bonus.LessThan(t.Bonus) {
			return fmt.Errorf("%w: tier %d pays less than tier %d", ErrInvalidLadder, i+1, i)
		}
	}
	return nil
}

// TierFor returns the index of the tier containing v, or -1.
func (l Ladder) TierFor(v decimal.Decimal) int {
	for i, t := range l {
		if t.Contains(v) {
			return i
		}
	}
	return -1
}

// NewLadder builds contiguous tiers from ascending lower bounds and their
// bonuses (same length). The last tier is unbounded.
//
//	NewLadder([]int64{0, 20, 50}, []int64{0, 100, 200})
//	  => [0,20):0  [20,50):100  [50,+inf):200
func NewLadder(bounds []int64, bonuses []int64) Ladder {
	ladder := make(Ladder, len(bounds))
	for i, b := range bounds {
		t := Tier{
			Min:   decimal.NewFromInt(b),
			Bonus: decimal.NewFromInt(bonuses[i]),
		}
		if i+1 < len(bounds) {
			upper := decimal.NewFromInt(bounds[i+1])
			t.Max = &upper
			t.Name = fmt.Sprintf("%d-%d", b, bounds[i+1])
		} else {
			t.Name = fmt.Sprintf("%d+", b)
		}
		ladder[i] = t
	}
	return ladder
}

// =============================================================================
// POLICY
// =============================================================================

// Range is an inclusive [Min, Max] bound on event values.
type Range struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Policy configures how events of one source kind are rewarded. Zero
// bonuses disable the matching achievement kind.
type Policy struct {
	Source string

	// Scope is the sample aggregate the event value is folded into. Empty
	// means the source records no samples (progress, tier and overtake
	// need a scope).
	Scope  Scope
	Metric Metric // ranking used for overtake
	Bounds *Range

	ProgressBonus     decimal.Decimal
	Ladder            Ladder
	OvertakeBonus     decimal.Decimal
	FirstSuccessBonus decimal.Decimal
}

func (p Policy) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("policy source is required")
	}
	if err := p.Ladder.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.Source, err)
	}
	needsScope := p.ProgressBonus.IsPositive() || len(p.Ladder) > 0 || p.OvertakeBonus.IsPositive()
	if needsScope && p.Scope == "" {
		return fmt.Errorf("policy %s: scope is required for sample achievements", p.Source)
	}
	if p.Scope == ScopeLedger {
		return fmt.Errorf("policy %s: scope %q is reserved", p.Source, ScopeLedger)
	}
	if p.OvertakeBonus.IsPositive() && p.Metric == "" {
		return fmt.Errorf("policy %s: metric is required for overtake", p.Source)
	}
	return nil
}

// ValidateEvent rejects events missing identity fields or outside Bounds.
// A source that only pays first successes needs a ResourceID.
func (p Policy) ValidateEvent(e Event) error {
	switch {
	case e.AccountID == "":
		return fmt.Errorf("%w: account is required", ErrInvalidEvent)
	case e.EventID == "":
		return fmt.Errorf("%w: event id is required", ErrInvalidEvent)
	case e.SourceKind != p.Source:
		return fmt.Errorf("%w: source %q does not match policy %q", ErrInvalidEvent, e.SourceKind, p.Source)
	case e.ResourceID == "" && p.Scope == "" && p.FirstSuccessBonus.IsPositive():
		// Nothing else could pay for this event.
		return fmt.Errorf("%w: resource id is required for %s", ErrInvalidEvent, p.Source)
	}
	if p.Bounds != nil && (e.Value.LessThan(p.Bounds.Min) || e.Value.GreaterThan(p.Bounds.Max)) {
		return fmt.Errorf("%w: value %s outside [%s, %s]", ErrInvalidEvent, e.Value, p.Bounds.Min, p.Bounds.Max)
	}
	return nil
}

// WantsSnapshot reports whether Evaluate needs a ranking for this policy.
func (p Policy) WantsSnapshot() bool {
	return p.OvertakeBonus.IsPositive() && p.Scope != ""
}

// =============================================================================
// TRIGGER
// =============================================================================

type Trigger struct {
	Kind           Category
	IdempotencyKey string
	Amount         decimal.Decimal
	Reason         string
	AchievementKey string
	Tier           int // tier index; -1 for other kinds
	Overtaken      AccountID
}

// Record converts the trigger into the ledger record that pays it.
func (t Trigger) Record(e Event) Record {
	return Record{
		AccountID:      e.AccountID,
		Amount:         t.Amount,
		Reason:         t.Reason,
		Category:       t.Kind,
		IdempotencyKey: t.IdempotencyKey,
		ReferenceID:    e.EventID,
		AchievementKey: t.AchievementKey,
		CreatedAt:      e.At,
	}
}

func ProgressKey(scope Scope, account AccountID, eventID string) string {
	return fmt.Sprintf("progress:%s:%s:%s", scope, account, eventID)
}

func TierKey(scope Scope, account AccountID, tier int) string {
	return fmt.Sprintf("tier:%s:%s:%d", scope, account, tier)
}

func OvertakeKey(scope Scope, account, overtaken AccountID) string {
	return fmt.Sprintf("overtake:%s:%s:%s", scope, account, overtaken)
}

func FirstSuccessKey(source string, account AccountID, resourceID string) string {
	return fmt.Sprintf("first:%s:%s:%s", source, account, resourceID)
}

// MarkerKey builds an achievement marker key within scope.
func MarkerKey(scope, key string) string {
	return scope + ":" + key
}

// =============================================================================
// EVALUATE
// =============================================================================

// Evaluate returns the triggers event qualifies for. prior is the account's
// aggregate in policy.Scope before this event (nil if none). snapshot is the
// ranking captured before this event's update; it is only consulted when
// the policy pays overtakes and prior is non-nil.
func Evaluate(event Event, prior *AggregateStats, snapshot *RankSnapshot, policy Policy) ([]Trigger, error) {
	var triggers []Trigger

	priorMax := decimal.Zero
	if prior != nil {
		priorMax = prior.Max
	}

	// 1. Progress
	if policy.Scope != "" && policy.ProgressBonus.IsPositive() && event.Value.GreaterThan(priorMax) {
		triggers = append(triggers, Trigger{
			Kind:           CategoryProgress,
			IdempotencyKey: ProgressKey(policy.Scope, event.AccountID, event.EventID),
			Amount:         policy.ProgressBonus,
			Reason:         fmt.Sprintf("new best %s in %s (was %s)", event.Value, policy.Scope, priorMax),
			AchievementKey: MarkerKey(string(policy.Scope), event.EventID),
			Tier:           -1,
		})
	}

	// 2. Tier
	if policy.Scope != "" && len(policy.Ladder) > 0 {
		reached := policy.Ladder.TierFor(event.Value)
		previous := policy.Ladder.TierFor(priorMax)
		if reached > previous && policy.Ladder[reached].Bonus.IsPositive() {
			tier := policy.Ladder[reached]
			triggers = append(triggers, Trigger{
				Kind:           CategoryTier,
				IdempotencyKey: TierKey(policy.Scope, event.AccountID, reached),
				Amount:         tier.Bonus,
				Reason:         fmt.Sprintf("reached tier %s in %s", tier.Name, policy.Scope),
				AchievementKey: MarkerKey(string(policy.Scope), strconv.Itoa(reached)),
				Tier:           reached,
			})
		}
	}

	// 3. Overtake
	if policy.WantsSnapshot() && prior != nil {
		t, err := evaluateOvertake(event, snapshot, policy)
		if err != nil {
			return nil, err
		}
		if t != nil {
			triggers = append(triggers, *t)
		}
	}

	// 4. First success
	if event.ResourceID != "" && policy.FirstSuccessBonus.IsPositive() {
		triggers = append(triggers, Trigger{
			Kind:           CategoryFirstSuccess,
			IdempotencyKey: FirstSuccessKey(policy.Source, event.AccountID, event.ResourceID),
			Amount:         policy.FirstSuccessBonus,
			Reason:         fmt.Sprintf("first success on %s", event.ResourceID),
			AchievementKey: MarkerKey(policy.Source, event.ResourceID),
			Tier:           -1,
		})
	}

	return triggers, nil
}

func evaluateOvertake(event Event, snapshot *RankSnapshot, policy Policy) (*Trigger, error) {
	if snapshot == nil {
		return nil, &InconsistencyError{
			AccountID: event.AccountID,
			Scope:     policy.Scope,
			Detail:    "aggregate exists but no ranking was captured",
		}
	}
	above, ok, err := snapshot.NeighborAbove(event.AccountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil // rank 1
	}
	if above.AccountID == event.AccountID {
		return nil, &InconsistencyError{
			AccountID: event.AccountID,
			Scope:     policy.Scope,
			Detail:    "account is its own neighbor",
		}
	}
	if !event.Value.GreaterThan(above.Value) {
		return nil, nil
	}
	return &Trigger{
		Kind:           CategoryOvertake,
		IdempotencyKey: OvertakeKey(policy.Scope, event.AccountID, above.AccountID),
		Amount:         policy.OvertakeBonus,
		Reason:         fmt.Sprintf("overtook %s in %s (%s > %s)", above.AccountID, policy.Scope, event.Value, above.Value),
		AchievementKey: MarkerKey(string(policy.Scope), string(above.AccountID)),
		Tier:           -1,
		Overtaken:      above.AccountID,
	}, nil
}
