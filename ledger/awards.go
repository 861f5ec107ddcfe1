package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// KindSummary totals one achievement kind.
type KindSummary struct {
	Count int
	Total decimal.Decimal
}

// AwardSummary is an account's bonus statistics across achievement kinds.
type AwardSummary struct {
	AccountID AccountID
	Count     int
	Total     decimal.Decimal
	ByKind    map[Category]KindSummary
}

// SummarizeAwards totals achievement records. Non-achievement records
// (transfers, adjustments) are ignored.
func SummarizeAwards(account AccountID, records []Record) AwardSummary {
	sum := AwardSummary{AccountID: account, Total: decimal.Zero, ByKind: map[Category]KindSummary{}}
	for _, r := range records {
		if !r.Category.IsAchievement() {
			continue
		}
		k := sum.ByKind[r.Category]
		k.Count++
		k.Total = k.Total.Add(r.Amount)
		sum.ByKind[r.Category] = k

		sum.Count++
		sum.Total = sum.Total.Add(r.Amount)
	}
	return sum
}

// OvertakenBy lists the overtake achievements other accounts earned by
// passing account in scope, newest first.
func OvertakenBy(ctx context.Context, store AchievementStore, account AccountID, scope Scope, limit int) ([]AchievementState, error) {
	rows, err := store.ListAchievementsByKey(ctx, CategoryOvertake, MarkerKey(string(scope), string(account)), limit)
	if err != nil {
		return nil, fmt.Errorf("list overtakes of %s: %w", account, err)
	}
	return rows, nil
}
