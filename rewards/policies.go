/*
Package rewards provides pre-built award programs for the scoring engine.

AVAILABLE POLICIES:
  TypingSpeedPolicy:
    - Samples are words-per-minute, accepted in [0, 300]
    - Progress bonus 20 for every new personal best
    - Tier ladder on best WPM (each tier paid once per account):
        0-20: 0   20-50: 100   50-80: 200   80-110: 300
        110-140: 400   140-170: 500   170-200: 600   200+: 700
    - Overtake bonus 20 for passing the account directly above in the
      best-WPM ranking (once per overtaken account)

  SubmissionPolicy:
    - Event per accepted submission, ResourceID = problem id
    - First-success bonus 10 per (account, problem)
    - No samples, no ranking

EXAMPLE:
  engine := ledger.NewEngine(l, ranks, notifier, logger)
  for _, p := range rewards.Defaults() {
      if err := engine.Register(p); err != nil {
          return err
      }
  }

SEE ALSO:
  - factory.go: The same programs as JSON
  - ledger/award.go: Policy and Evaluate
*/
package rewards

import (
	"github.com/shopspring/decimal"

	"github.com/warp/score-engine/ledger"
)

// =============================================================================
// SOURCES AND SCOPES
// =============================================================================

const (
	SourceTyping     = "typing"
	SourceSubmission = "submission"

	ScopeTyping ledger.Scope = "typing"
)

// =============================================================================
// TYPING SPEED
// =============================================================================

var (
	typingTierBounds  = []int64{0, 20, 50, 80, 110, 140, 170, 200}
	typingTierBonuses = []int64{0, 100, 200, 300, 400, 500, 600, 700}
)

const (
	TypingMinWPM        = 0
	TypingMaxWPM        = 300
	TypingProgressBonus = 20
	TypingOvertakeBonus = 20
)

// TypingLadder returns the WPM tier ladder.
func TypingLadder() ledger.Ladder {
	return ledger.NewLadder(typingTierBounds, typingTierBonuses)
}

func TypingSpeedPolicy() ledger.Policy {
	return ledger.Policy{
		Source: SourceTyping,
		Scope:  ScopeTyping,
		Metric: ledger.MetricMax,
		Bounds: &ledger.Range{
			Min: decimal.NewFromInt(TypingMinWPM),
			Max: decimal.NewFromInt(TypingMaxWPM),
		},
		ProgressBonus: decimal.NewFromInt(TypingProgressBonus),
		Ladder:        TypingLadder(),
		OvertakeBonus: decimal.NewFromInt(TypingOvertakeBonus),
	}
}

// =============================================================================
// ACCEPTED SUBMISSIONS
// =============================================================================

const SubmissionFirstSuccessBonus = 10

func SubmissionPolicy() ledger.Policy {
	return ledger.Policy{
		Source:            SourceSubmission,
		FirstSuccessBonus: decimal.NewFromInt(SubmissionFirstSuccessBonus),
	}
}

// Defaults returns every built-in program.
func Defaults() []ledger.Policy {
	return []ledger.Policy{TypingSpeedPolicy(), SubmissionPolicy()}
}
