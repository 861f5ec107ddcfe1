/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger package's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  decimal.Decimal marshals as a JSON string ("20") and unmarshals from a
  string or a number, so clients may send either.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/score-engine/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type EventRequest struct {
	AccountID  string          `json:"account_id"`
	Source     string          `json:"source"`
	EventID    string          `json:"event_id"`
	Value      decimal.Decimal `json:"value"`
	ResourceID string          `json:"resource_id,omitempty"`
	At         *time.Time      `json:"at,omitempty"`
}

type TransferRequest struct {
	TransferID string          `json:"transfer_id,omitempty"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
}

type AdjustmentRequest struct {
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ReplayRequest struct {
	Scope     string `json:"scope"`
	AccountID string `json:"account_id,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type GrantDTO struct {
	Kind           string          `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Outcome        string          `json:"outcome"`
	Tier           *int            `json:"tier,omitempty"`
	Overtaken      string          `json:"overtaken,omitempty"`
}

type AwardResultDTO struct {
	AccountID     string          `json:"account_id"`
	EventID       string          `json:"event_id"`
	Grants        []GrantDTO      `json:"grants"`
	TotalPayout   decimal.Decimal `json:"total_payout"`
	SampleOutcome string          `json:"sample_outcome,omitempty"`
	Stats         *AggregateDTO   `json:"stats,omitempty"`
}

type AggregateDTO struct {
	AccountID   string          `json:"account_id"`
	Scope       string          `json:"scope"`
	Total       decimal.Decimal `json:"total"`
	Max         decimal.Decimal `json:"max"`
	Average     decimal.Decimal `json:"average"`
	SampleCount int64           `json:"sample_count"`
	LastEventAt time.Time       `json:"last_event_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type AccountStatsDTO struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Stats     *AggregateDTO   `json:"stats,omitempty"`
	Rank      int             `json:"rank,omitempty"`
	Metric    string          `json:"metric,omitempty"`
}

type RecordDTO struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	Category       string          `json:"category"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type AchievementDTO struct {
	AccountID string          `json:"account_id"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Amount    decimal.Decimal `json:"amount"`
	AwardedAt time.Time       `json:"awarded_at"`
}

type KindSummaryDTO struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

type AwardSummaryDTO struct {
	AccountID   string                    `json:"account_id"`
	Count       int                       `json:"count"`
	Total       decimal.Decimal           `json:"total"`
	ByKind      map[string]KindSummaryDTO `json:"by_kind"`
	OvertakenBy []AchievementDTO          `json:"overtaken_by,omitempty"`
}

type RankEntryDTO struct {
	Rank      int             `json:"rank"`
	AccountID string          `json:"account_id"`
	Value     decimal.Decimal `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RankingDTO struct {
	Scope   string         `json:"scope"`
	Metric  string         `json:"metric"`
	Total   int            `json:"total"`
	Entries []RankEntryDTO `json:"entries"`
	TakenAt time.Time      `json:"taken_at"`
}

type TransferLegDTO struct {
	Leg       string          `json:"leg"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Outcome   string          `json:"outcome"`
}

type TransferDTO struct {
	TransferID string           `json:"transfer_id"`
	Status     string           `json:"status"`
	Fee        decimal.Decimal  `json:"fee"`
	Legs       []TransferLegDTO `json:"legs"`
}

type AdjustmentDTO struct {
	AccountID string          `json:"account_id"`
	Outcome   string          `json:"outcome"`
	Balance   decimal.Decimal `json:"balance"`
}

type PolicyDTO struct {
	Source            string          `json:"source"`
	Scope             string          `json:"scope,omitempty"`
	Metric            string          `json:"metric,omitempty"`
	ProgressBonus     decimal.Decimal `json:"progress_bonus"`
	OvertakeBonus     decimal.Decimal `json:"overtake_bonus"`
	FirstSuccessBonus decimal.Decimal `json:"first_success_bonus"`
	Tiers             []TierDTO       `json:"tiers,omitempty"`
}

type TierDTO struct {
	Index int             `json:"index"`
	Name  string          `json:"name"`
	Min   decimal.Decimal `json:"min"`
	Bonus decimal.Decimal `json:"bonus"`
}

type ReplayDTO struct {
	Scope    string            `json:"scope"`
	Accounts int               `json:"accounts"`
	Repaired []string          `json:"repaired"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// ReplayStatusDTO describes the replay scheduler's last pass.
type ReplayStatusDTO struct {
	Enabled  bool        `json:"enabled"`
	Interval string      `json:"interval,omitempty"`
	LastRun  *time.Time  `json:"last_run,omitempty"`
	Reports  []ReplayDTO `json:"reports"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ScenarioResultDTO reports what loading a scenario paid. Reloading pays
// nothing, so Payout and Transfers drop to zero.
type ScenarioResultDTO struct {
	Status    string          `json:"status"`
	Scenario  string          `json:"scenario"`
	Events    int             `json:"events"`
	Transfers int             `json:"transfers"`
	Payout    decimal.Decimal `json:"payout"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAggregateDTO(a *ledger.AggregateStats) *AggregateDTO {
	if a == nil {
		return nil
	}
	return &AggregateDTO{
		AccountID:   string(a.AccountID),
		Scope:       string(a.Scope),
		Total:       a.Total,
		Max:         a.Max,
		Average:     a.Average,
		SampleCount: a.SampleCount,
		LastEventAt: a.LastEventAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func toAwardResultDTO(r *ledger.AwardResult) AwardResultDTO {
	dto := AwardResultDTO{
		AccountID:   string(r.Event.AccountID),
		EventID:     r.Event.EventID,
		Grants:      make([]GrantDTO, 0, len(r.Grants)),
		TotalPayout: r.TotalPayout,
		Stats:       toAggregateDTO(r.Stats),
	}
	if r.SampleOutcome != 0 {
		dto.SampleOutcome = r.SampleOutcome.String()
	}
	for _, g := range r.Grants {
		gd := GrantDTO{
			Kind:           string(g.Trigger.Kind),
			Amount:         g.Trigger.Amount,
			Reason:         g.Trigger.Reason,
			IdempotencyKey: g.Trigger.IdempotencyKey,
			Outcome:        g.Outcome.String(),
			Overtaken:      string(g.Trigger.Overtaken),
		}
		if g.Trigger.Tier >= 0 {
			tier := g.Trigger.Tier
			gd.Tier = &tier
		}
		dto.Grants = append(dto.Grants, gd)
	}
	return dto
}

func toRecordDTOs(recs []ledger.Record) []RecordDTO {
	out := make([]RecordDTO, len(recs))
	for i, r := range recs {
		out[i] = RecordDTO{
			ID:             r.ID,
			Amount:         r.Amount,
			Category:       string(r.Category),
			Reason:         r.Reason,
			IdempotencyKey: r.IdempotencyKey,
			ReferenceID:    r.ReferenceID,
			CreatedAt:      r.CreatedAt,
		}
	}
	return out
}

func toAchievementDTOs(list []ledger.AchievementState) []AchievementDTO {
	out := make([]AchievementDTO, len(list))
	for i, a := range list {
		out[i] = AchievementDTO{
			AccountID: string(a.AccountID),
			Kind:      string(a.Kind),
			Key:       a.Key,
			Amount:    a.Amount,
			AwardedAt: a.AwardedAt,
		}
	}
	return out
}

func toTransferDTO(r *ledger.TransferResult) TransferDTO {
	dto := TransferDTO{TransferID: r.TransferID, Status: string(r.Status), Fee: r.Fee}
	for _, leg := range r.Legs {
		dto.Legs = append(dto.Legs, TransferLegDTO{
			Leg:       leg.Name,
			AccountID: string(leg.AccountID),
			Amount:    leg.Amount,
			Outcome:   leg.Outcome.String(),
		})
	}
	return dto
}

func toPolicyDTO(p ledger.Policy) PolicyDTO {
	dto := PolicyDTO{
		Source:            p.Source,
		Scope:             string(p.Scope),
		Metric:            string(p.Metric),
		ProgressBonus:     p.ProgressBonus,
		OvertakeBonus:     p.OvertakeBonus,
		FirstSuccessBonus: p.FirstSuccessBonus,
	}
	for i, t := range p.Ladder {
		dto.Tiers = append(dto.Tiers, TierDTO{Index: i, Name: t.Name, Min: t.Min, Bonus: t.Bonus})
	}
	return dto
}

type DriftDTO struct {
	AccountID  string        `json:"account_id"`
	Scope      string        `json:"scope"`
	Consistent bool          `json:"consistent"`
	Fields     []string      `json:"fields,omitempty"`
	Stored     *AggregateDTO `json:"stored,omitempty"`
	Replayed   *AggregateDTO `json:"replayed,omitempty"`
}

func toReplayDTO(rep ledger.ReplayReport) ReplayDTO {
	dto := ReplayDTO{Scope: string(rep.Scope), Accounts: rep.Accounts, Repaired: make([]string, 0, len(rep.Repaired))}
	for _, id := range rep.Repaired {
		dto.Repaired = append(dto.Repaired, string(id))
	}
	if len(rep.Failed) > 0 {
		dto.Failed = make(map[string]string, len(rep.Failed))
		for id, err := range rep.Failed {
			dto.Failed[string(id)] = err.Error()
		}
	}
	return dto
}
