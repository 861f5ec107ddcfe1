package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/score-engine/ledger"
	"github.com/warp/score-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTransferService(t *testing.T, env *testEnv, cfg ledger.TransferConfig) *ledger.TransferService {
	svc, err := ledger.NewTransferService(env.ledger, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

// fund gives an account a starting balance.
func fund(t *testing.T, env *testEnv, account string, amount int64) {
	t.Helper()
	_, err := env.ledger.Adjust(context.Background(), ledger.AccountID(account), dec(amount), "opening balance", "fund-"+account)
	require.NoError(t, err)
}

// join creates an account with a zero balance by recording a typing result.
func join(t *testing.T, env *testEnv, account string) {
	t.Helper()
	env.typing(t, account, 0, account+"-join")
}

func transfer(id, from, to string, amount int64) ledger.TransferRequest {
	return ledger.TransferRequest{
		TransferID: id,
		From:       ledger.AccountID(from),
		To:         ledger.AccountID(to),
		Amount:     dec(amount),
		Reason:     "gift",
	}
}

// failingStore fails Append for one idempotency key.
type failingStore struct {
	*store.Memory
	failKey string
}

func (s failingStore) Append(ctx context.Context, rec ledger.Record) (ledger.Outcome, error) {
	if rec.IdempotencyKey == s.failKey {
		return 0, errors.New("disk full")
	}
	return s.Memory.Append(ctx, rec)
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestTransfer_ConservesBalance(t *testing.T) {
	// GIVEN: A=100, B=10
	// WHEN: A sends 30 to B
	// THEN: A=70, B=40, and the sum is unchanged

	env := newTestEnv(t)
	fund(t, env, "A", 100)
	fund(t, env, "B", 10)
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())

	res, err := svc.Transfer(context.Background(), transfer("t1", "A", "B", 30))
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, res.Status)
	require.Len(t, res.Legs, 2)
	assert.Equal(t, ledger.TransferKey("t1", "debit"), res.Legs[0].IdempotencyKey)
	assert.Equal(t, ledger.AccountID("B"), res.Legs[0].Counterparty)

	assertDecimal(t, 70, env.balance(t, "A"))
	assertDecimal(t, 40, env.balance(t, "B"))

	debits := env.records(t, "A", ledger.CategoryTransferDebit)
	require.Len(t, debits, 1)
	assert.Equal(t, "t1", debits[0].ReferenceID)
	assertDecimal(t, -30, debits[0].Amount)
}

func TestTransfer_WithFee(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	cfg := ledger.DefaultTransferConfig()
	cfg.Fee = dec(2)
	cfg.FeeAccount = "house"
	svc := newTransferService(t, env, cfg)

	res, err := svc.Transfer(context.Background(), transfer("t1", "A", "B", 30))
	require.NoError(t, err)
	require.Len(t, res.Legs, 4)
	assertDecimal(t, 2, res.Fee)
	assert.Equal(t, ledger.AccountID("house"), res.Legs[2].Counterparty)

	assertDecimal(t, 68, env.balance(t, "A"))
	assertDecimal(t, 30, env.balance(t, "B"))
	assertDecimal(t, 2, env.balance(t, "house"))
	assert.Len(t, env.records(t, "A", ledger.CategoryTransferFee), 1)
}

func TestTransfer_RetryIsAlreadyApplied(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())
	ctx := context.Background()

	_, err := svc.Transfer(ctx, transfer("t1", "A", "B", 60))
	require.NoError(t, err)

	// The retry would fail the balance check; it is recognized first
	res, err := svc.Transfer(ctx, transfer("t1", "A", "B", 60))
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferAlreadyApplied, res.Status)
	for _, leg := range res.Legs {
		assert.Equal(t, ledger.OutcomeAlreadyExists, leg.Outcome)
	}
	assertDecimal(t, 40, env.balance(t, "A"))
	assertDecimal(t, 60, env.balance(t, "B"))
}

func TestTransfer_GeneratesID(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 10)
	join(t, env, "B")
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())

	res, err := svc.Transfer(context.Background(), transfer("", "A", "B", 5))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransferID)
}

// =============================================================================
// REJECTIONS
// =============================================================================

func TestTransfer_Rejections(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 50)
	join(t, env, "B")
	ctx := context.Background()

	limits := ledger.DefaultTransferConfig()
	limits.MinAmount = dec(5)
	limits.MaxAmount = dec(40)
	disabled := ledger.TransferConfig{Enabled: false}

	tests := []struct {
		name string
		cfg  ledger.TransferConfig
		req  ledger.TransferRequest
		want error
	}{
		{"self", ledger.DefaultTransferConfig(), transfer("t", "A", "A", 10), ledger.ErrSelfTransfer},
		{"zero", ledger.DefaultTransferConfig(), transfer("t", "A", "B", 0), ledger.ErrInvalidAmount},
		{"negative", ledger.DefaultTransferConfig(), transfer("t", "A", "B", -5), ledger.ErrInvalidAmount},
		{"missing sender", ledger.DefaultTransferConfig(), transfer("t", "", "B", 5), ledger.ErrAccountNotFound},
		{"unknown receiver", ledger.DefaultTransferConfig(), transfer("t", "A", "nobody", 5), ledger.ErrAccountNotFound},
		{"insufficient", ledger.DefaultTransferConfig(), transfer("t", "A", "B", 51), ledger.ErrInsufficientBalance},
		{"below min", limits, transfer("t", "A", "B", 4), ledger.ErrInvalidAmount},
		{"above max", limits, transfer("t", "A", "B", 41), ledger.ErrInvalidAmount},
		{"disabled", disabled, transfer("t", "A", "B", 5), ledger.ErrTransfersDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTransferService(t, env, tt.cfg)
			_, err := svc.Transfer(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			exists, err := env.store.Exists(ctx, ledger.TransferKey("t", "debit"))
			require.NoError(t, err)
			assert.False(t, exists, "nothing is written")
		})
	}

	assertDecimal(t, 50, env.balance(t, "A"))
	assertDecimal(t, 0, env.balance(t, "B"))
}

func TestTransfer_InsufficientBalanceDetails(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 10)
	join(t, env, "B")
	cfg := ledger.DefaultTransferConfig()
	cfg.Fee = dec(1)
	cfg.FeeAccount = "house"
	svc := newTransferService(t, env, cfg)

	_, err := svc.Transfer(context.Background(), transfer("t1", "A", "B", 10))
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, ledger.AccountID("A"), ib.AccountID)
	assertDecimal(t, 10, ib.Available)
	assertDecimal(t, 11, ib.Requested, "amount plus fee")
}

func TestTransfer_DailyLimit(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	cfg := ledger.DefaultTransferConfig()
	cfg.DailyLimit = 2
	svc := newTransferService(t, env, cfg)
	ctx := context.Background()

	// Yesterday's transfer does not count
	env.clock = march10.Add(-24 * time.Hour)
	_, err := svc.Transfer(ctx, transfer("t0", "A", "B", 1))
	require.NoError(t, err)

	env.clock = march10
	_, err = svc.Transfer(ctx, transfer("t1", "A", "B", 1))
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, transfer("t2", "A", "B", 1))
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, transfer("t3", "A", "B", 1))
	assert.ErrorIs(t, err, ledger.ErrDailyLimitExceeded)

	// The receiver's own limit is untouched
	_, err = svc.Transfer(ctx, transfer("t4", "B", "A", 1))
	assert.NoError(t, err)
}

func TestNewTransferService_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg := ledger.DefaultTransferConfig()
	cfg.Fee = dec(1)
	_, err := ledger.NewTransferService(env.ledger, cfg, nil)
	assert.Error(t, err, "fee without fee account")

	cfg = ledger.DefaultTransferConfig()
	cfg.MinAmount = dec(10)
	cfg.MaxAmount = dec(5)
	_, err = ledger.NewTransferService(env.ledger, cfg, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// PARTIAL APPLICATION
// =============================================================================

func TestTransfer_PartialFailureResumes(t *testing.T) {
	// GIVEN: The credit leg fails after the debit was written
	// WHEN: The same transfer is re-submitted after recovery
	// THEN: Only the credit is written and balances are conserved

	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())
	ctx := context.Background()

	env.ledger.Store = failingStore{Memory: env.store, failKey: ledger.TransferKey("t1", "credit")}
	_, err := svc.Transfer(ctx, transfer("t1", "A", "B", 30))
	var partial *ledger.PartialTransferError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "t1", partial.TransferID)
	assert.Equal(t, "credit", partial.Leg)
	assertDecimal(t, 70, env.balance(t, "A"))
	assertDecimal(t, 0, env.balance(t, "B"))

	env.ledger.Store = env.store
	res, err := svc.Transfer(ctx, transfer("t1", "A", "B", 30))
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, res.Status)
	assert.Equal(t, ledger.OutcomeAlreadyExists, res.Legs[0].Outcome)
	assert.Equal(t, ledger.OutcomeInserted, res.Legs[1].Outcome)

	assertDecimal(t, 70, env.balance(t, "A"))
	assertDecimal(t, 30, env.balance(t, "B"))
}

func TestTransfer_ResumeMustMatchRecordedDebit(t *testing.T) {
	// GIVEN: t1 (A -> B, 30) stopped after its debit
	// WHEN: t1 is re-submitted with another receiver or amount
	// THEN: The retry is rejected and nothing is credited; the original
	//       request still completes the transfer

	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	join(t, env, "C")
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())
	ctx := context.Background()

	env.ledger.Store = failingStore{Memory: env.store, failKey: ledger.TransferKey("t1", "credit")}
	_, err := svc.Transfer(ctx, transfer("t1", "A", "B", 30))
	var partial *ledger.PartialTransferError
	require.ErrorAs(t, err, &partial)
	env.ledger.Store = env.store

	for name, req := range map[string]ledger.TransferRequest{
		"other receiver": transfer("t1", "A", "C", 90),
		"other amount":   transfer("t1", "A", "B", 31),
		"other sender":   transfer("t1", "C", "B", 30),
	} {
		_, err := svc.Transfer(ctx, req)
		assert.ErrorIs(t, err, ledger.ErrTransferMismatch, name)
		assert.True(t, ledger.IsValidation(err), name)
	}
	assertDecimal(t, 70, env.balance(t, "A"))
	assertDecimal(t, 0, env.balance(t, "B"))
	assertDecimal(t, 0, env.balance(t, "C"))
	assert.Empty(t, env.records(t, "C", ledger.CategoryTransferCredit))

	res, err := svc.Transfer(ctx, transfer("t1", "A", "B", 30))
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, res.Status)
	assertDecimal(t, 70, env.balance(t, "A"))
	assertDecimal(t, 30, env.balance(t, "B"))
}

func TestTransfer_ResumeReusesChargedFee(t *testing.T) {
	// GIVEN: A transfer charged a fee of 2, then failed on the fee credit
	// WHEN: It is resumed after the configured fee changed to 5
	// THEN: The fee credit matches the 2 already debited

	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	cfg := ledger.DefaultTransferConfig()
	cfg.Fee = dec(2)
	cfg.FeeAccount = "house"
	svc := newTransferService(t, env, cfg)
	ctx := context.Background()

	env.ledger.Store = failingStore{Memory: env.store, failKey: ledger.TransferKey("t1", "fee-credit")}
	_, err := svc.Transfer(ctx, transfer("t1", "A", "B", 30))
	var partial *ledger.PartialTransferError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "fee-credit", partial.Leg)
	env.ledger.Store = env.store

	svc.Config.Fee = dec(5)
	res, err := svc.Transfer(ctx, transfer("t1", "A", "B", 30))
	require.NoError(t, err)
	assertDecimal(t, 2, res.Fee)
	require.Len(t, res.Legs, 4)
	assert.Equal(t, ledger.OutcomeInserted, res.Legs[3].Outcome)

	assertDecimal(t, 68, env.balance(t, "A"))
	assertDecimal(t, 30, env.balance(t, "B"))
	assertDecimal(t, 2, env.balance(t, "house"))
}

func TestTransfer_FirstLegFailureIsNotPartial(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())

	env.ledger.Store = failingStore{Memory: env.store, failKey: ledger.TransferKey("t1", "debit")}
	_, err := svc.Transfer(context.Background(), transfer("t1", "A", "B", 30))
	require.Error(t, err)
	var partial *ledger.PartialTransferError
	assert.False(t, errors.As(err, &partial))
	assertDecimal(t, 100, env.balance(t, "A"))
}

// =============================================================================
// HISTORY
// =============================================================================

func TestTransferService_History(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env, "A", 100)
	join(t, env, "B")
	svc := newTransferService(t, env, ledger.DefaultTransferConfig())
	ctx := context.Background()

	_, err := svc.Transfer(ctx, transfer("t1", "A", "B", 10))
	require.NoError(t, err)
	env.clock = env.clock.Add(time.Minute)
	_, err = svc.Transfer(ctx, transfer("t2", "A", "B", 20))
	require.NoError(t, err)

	hist, err := svc.History(ctx, "A", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2, "the opening adjustment is not a transfer")
	assert.Equal(t, "t2", hist[0].ReferenceID)

	hist, err = svc.History(ctx, "A", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
