/*
transfer.go - Double-entry point transfers

PURPOSE:
  Moves points between two accounts as balanced pairs of records that
  share a TransferID:

    transfer:{id}:debit       From  -Amount
    transfer:{id}:credit      To    +Amount
    transfer:{id}:fee-debit   From  -Fee     (only with a fee)
    transfer:{id}:fee-credit  FeeAccount +Fee

  Every pair sums to zero, so the total of all balances never changes.

RETRIES:
  Each leg is an idempotent grant. Re-submitting a TransferID appends only
  the legs that are missing. If the debit already exists the transfer was
  validated before, so the balance check is skipped (the debit itself has
  already reduced the balance). The stored debit is the source of truth on
  a resume: a request whose sender, receiver or amount differ from it is
  rejected with ErrTransferMismatch, and a fee already charged is reused.

KNOWN RACE:
  The balance check and the debit append are separate operations. Two
  different transfers from the same account racing can both pass the
  check. The store offers no multi-row transaction to close that window;
  the aggregate stays exact, so the overdraft is visible and auditable.

SEE ALSO:
  - ledger.go: Grant
  - errors.go: InsufficientBalanceError, PartialTransferError
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIG
// =============================================================================

type TransferConfig struct {
	Enabled    bool
	MinAmount  decimal.Decimal // zero = no minimum beyond > 0
	MaxAmount  decimal.Decimal // zero = unlimited
	DailyLimit int             // completed transfers per sender per UTC day; 0 = unlimited
	Fee        decimal.Decimal
	FeeAccount AccountID
}

func DefaultTransferConfig() TransferConfig {
	return TransferConfig{Enabled: true}
}

func (c TransferConfig) Validate() error {
	if c.Fee.IsNegative() {
		return fmt.Errorf("%w: negative fee", ErrInvalidAmount)
	}
	if c.Fee.IsPositive() && c.FeeAccount == "" {
		return fmt.Errorf("fee account is required when a fee is configured")
	}
	if c.MaxAmount.IsPositive() && c.MinAmount.GreaterThan(c.MaxAmount) {
		return fmt.Errorf("%w: min amount %s above max %s", ErrInvalidAmount, c.MinAmount, c.MaxAmount)
	}
	return nil
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type TransferRequest struct {
	TransferID string // empty = generated
	From       AccountID
	To         AccountID
	Amount     decimal.Decimal
	Reason     string
}

type TransferStatus string

const (
	TransferCompleted      TransferStatus = "completed"
	TransferAlreadyApplied TransferStatus = "already_applied"
)

type TransferLeg struct {
	Name           string
	AccountID      AccountID
	Counterparty   AccountID
	Amount         decimal.Decimal
	IdempotencyKey string
	Outcome        Outcome
}

type TransferResult struct {
	TransferID string
	Status     TransferStatus
	Fee        decimal.Decimal
	Legs       []TransferLeg
}

func TransferKey(transferID, leg string) string {
	return fmt.Sprintf("transfer:%s:%s", transferID, leg)
}

// =============================================================================
// SERVICE
// =============================================================================

type TransferService struct {
	Ledger *Ledger
	Config TransferConfig
	Logger *zap.Logger
}

func NewTransferService(ledger *Ledger, cfg TransferConfig, logger *zap.Logger) (*TransferService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferService{Ledger: ledger, Config: cfg, Logger: logger}, nil
}

// Transfer moves req.Amount from req.From to req.To. Validation failures
// write nothing. A failure after the first leg returns a
// *PartialTransferError; re-submitting the same TransferID completes it.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := s.validate(req); err != nil {
		s.Ledger.Metrics.IncTransfer("rejected")
		return nil, err
	}
	if req.TransferID == "" {
		req.TransferID = uuid.NewString()
	}

	store := s.Ledger.Store
	debit, err := store.GetRecord(ctx, TransferKey(req.TransferID, "debit"))
	if err != nil {
		return nil, fmt.Errorf("check transfer %s: %w", req.TransferID, err)
	}
	resumed := debit != nil

	fee, feeAccount := s.Config.Fee, s.Config.FeeAccount
	if resumed {
		fee, feeAccount, err = s.resume(ctx, req, *debit)
	} else {
		err = s.precheck(ctx, req, fee)
	}
	if err != nil {
		s.Ledger.Metrics.IncTransfer("rejected")
		return nil, err
	}

	legs := s.legs(req, fee, feeAccount)
	now := s.Ledger.now()
	result := &TransferResult{TransferID: req.TransferID, Fee: fee}
	applied := 0
	for i, leg := range legs {
		rec := Record{
			AccountID:      leg.AccountID,
			Amount:         leg.Amount,
			Reason:         req.Reason,
			Category:       legCategory(leg.Name),
			IdempotencyKey: leg.IdempotencyKey,
			ReferenceID:    req.TransferID,
			AchievementKey: string(leg.Counterparty),
			CreatedAt:      now,
		}
		outcome, err := s.Ledger.Grant(ctx, rec)
		if err != nil {
			if i == 0 && outcome == 0 && !resumed {
				s.Ledger.Metrics.IncTransfer("failed")
				return nil, fmt.Errorf("transfer %s: %w", req.TransferID, err)
			}
			s.Ledger.Metrics.IncTransfer("partial")
			s.Logger.Error("transfer incomplete",
				zap.String("transfer_id", req.TransferID),
				zap.String("leg", leg.Name),
				zap.Error(err))
			return nil, &PartialTransferError{TransferID: req.TransferID, Leg: leg.Name, Err: err}
		}
		leg.Outcome = outcome
		if outcome == OutcomeInserted {
			applied++
		}
		result.Legs = append(result.Legs, leg)
	}

	result.Status = TransferCompleted
	if applied == 0 {
		result.Status = TransferAlreadyApplied
	}
	s.Ledger.Metrics.IncTransfer(string(result.Status))
	s.Logger.Info("transfer",
		zap.String("transfer_id", req.TransferID),
		zap.String("from", string(req.From)),
		zap.String("to", string(req.To)),
		zap.String("amount", req.Amount.String()),
		zap.String("status", string(result.Status)),
		zap.Bool("resumed", resumed))
	return result, nil
}

func (s *TransferService) validate(req TransferRequest) error {
	cfg := s.Config
	switch {
	case !cfg.Enabled:
		return ErrTransfersDisabled
	case req.From == "" || req.To == "":
		return fmt.Errorf("%w: both accounts are required", ErrAccountNotFound)
	case req.From == req.To:
		return ErrSelfTransfer
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	case cfg.MinAmount.IsPositive() && req.Amount.LessThan(cfg.MinAmount):
		return fmt.Errorf("%w: amount %s below minimum %s", ErrInvalidAmount, req.Amount, cfg.MinAmount)
	case cfg.MaxAmount.IsPositive() && req.Amount.GreaterThan(cfg.MaxAmount):
		return fmt.Errorf("%w: amount %s above maximum %s", ErrInvalidAmount, req.Amount, cfg.MaxAmount)
	}
	return nil
}

// precheck runs the checks that read state. Skipped on resume.
func (s *TransferService) precheck(ctx context.Context, req TransferRequest, fee decimal.Decimal) error {
	store := s.Ledger.Store
	for _, account := range []AccountID{req.From, req.To} {
		ok, err := store.AccountExists(ctx, account)
		if err != nil {
			return fmt.Errorf("check account %s: %w", account, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, account)
		}
	}

	if s.Config.DailyLimit > 0 {
		now := s.Ledger.now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		n, err := store.CountRecords(ctx, req.From, CategoryTransferDebit, midnight)
		if err != nil {
			return fmt.Errorf("count transfers: %w", err)
		}
		if n >= s.Config.DailyLimit {
			return fmt.Errorf("%w: %d of %d used", ErrDailyLimitExceeded, n, s.Config.DailyLimit)
		}
	}

	balance, err := s.Ledger.Balance(ctx, req.From)
	if err != nil {
		return err
	}
	needed := req.Amount.Add(fee)
	if balance.LessThan(needed) {
		return &InsufficientBalanceError{AccountID: req.From, Available: balance, Requested: needed}
	}
	return nil
}

// resume checks a re-submitted request against the debit already written
// and returns the fee the transfer was charged, if its fee leg exists.
func (s *TransferService) resume(ctx context.Context, req TransferRequest, debit Record) (decimal.Decimal, AccountID, error) {
	if debit.AccountID != req.From || AccountID(debit.AchievementKey) != req.To || !debit.Amount.Neg().Equal(req.Amount) {
		return decimal.Zero, "", fmt.Errorf("%w: %s was %s -> %s for %s",
			ErrTransferMismatch, req.TransferID, debit.AccountID, debit.AchievementKey, debit.Amount.Neg())
	}

	feeDebit, err := s.Ledger.Store.GetRecord(ctx, TransferKey(req.TransferID, "fee-debit"))
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("check transfer %s fee: %w", req.TransferID, err)
	}
	if feeDebit != nil {
		return feeDebit.Amount.Neg(), AccountID(feeDebit.AchievementKey), nil
	}
	return s.Config.Fee, s.Config.FeeAccount, nil
}

func (s *TransferService) legs(req TransferRequest, fee decimal.Decimal, feeAccount AccountID) []TransferLeg {
	legs := []TransferLeg{
		{Name: "debit", AccountID: req.From, Counterparty: req.To, Amount: req.Amount.Neg()},
		{Name: "credit", AccountID: req.To, Counterparty: req.From, Amount: req.Amount},
	}
	if fee.IsPositive() {
		legs = append(legs,
			TransferLeg{Name: "fee-debit", AccountID: req.From, Counterparty: feeAccount, Amount: fee.Neg()},
			TransferLeg{Name: "fee-credit", AccountID: feeAccount, Counterparty: req.From, Amount: fee},
		)
	}
	for i := range legs {
		legs[i].IdempotencyKey = TransferKey(req.TransferID, legs[i].Name)
	}
	return legs
}

func legCategory(name string) Category {
	switch name {
	case "debit":
		return CategoryTransferDebit
	case "credit":
		return CategoryTransferCredit
	default:
		return CategoryTransferFee
	}
}

// History returns the account's transfer legs, newest first.
func (s *TransferService) History(ctx context.Context, account AccountID, limit int) ([]Record, error) {
	recs, err := s.Ledger.Store.ListRecords(ctx, account, 0)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var out []Record
	for _, r := range recs {
		if !r.Category.IsTransfer() {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
