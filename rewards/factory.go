/*
factory.go - Built-in programs as JSON policy definitions

These functions emit the JSON accepted by factory.ParsePolicy. They build
the JSON directly to avoid an import cycle with the factory package, and
serve as starting points for custom policy files.

USAGE:
  jsonStr := rewards.TypingSpeedJSON()
  policy, err := factory.NewPolicyFactory().ParsePolicy(jsonStr)
*/
package rewards

import (
	"encoding/json"
)

// TypingSpeedJSON returns TypingSpeedPolicy as JSON.
func TypingSpeedJSON() string {
	tiers := make([]map[string]any, len(typingTierBounds))
	for i, lower := range typingTierBounds {
		tiers[i] = map[string]any{"min": lower, "bonus": typingTierBonuses[i]}
	}
	pj := map[string]any{
		"source":         SourceTyping,
		"scope":          string(ScopeTyping),
		"metric":         "max",
		"bounds":         map[string]any{"min": TypingMinWPM, "max": TypingMaxWPM},
		"progress_bonus": TypingProgressBonus,
		"overtake_bonus": TypingOvertakeBonus,
		"tiers":          tiers,
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

// SubmissionJSON returns SubmissionPolicy as JSON.
func SubmissionJSON() string {
	pj := map[string]any{
		"source":              SourceSubmission,
		"first_success_bonus": SubmissionFirstSuccessBonus,
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}
