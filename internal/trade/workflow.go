// Package trade implements the buy/sell transaction workflow: a small state
// machine collecting an amount, validating it against balances, optionally
// estimating a sell return, and submitting the intent to an external ledger.
//
// The workflow never talks to the real-time connection; its collaborators
// (balance lookup, sell-return estimator, ledger submit) are injected and
// consumed at their boundary only.
package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tokenlive/internal/model"
)

// State identifies the workflow position.
type State int

const (
	// Idle is the initial state before any amount input.
	Idle State = iota

	// AmountEntered holds after any amount input, valid or not.
	AmountEntered

	// Estimating indicates a sell-return estimate is in flight.
	Estimating

	// Validating indicates balance checks are running for a confirm action.
	Validating

	// Submitting indicates the ledger call is in flight.
	Submitting

	// StateConfirmed is terminal for the intent.
	StateConfirmed

	// StateFailed holds after a rejected submission. The entered amount is
	// kept; a new amount input or another confirm is user-initiated.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AmountEntered:
		return "amount-entered"
	case Estimating:
		return "estimating"
	case Validating:
		return "validating"
	case Submitting:
		return "submitting"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Validation errors. These are user-correctable: they keep the workflow in
// AmountEntered with a user-facing message and never advance state.
var (
	// ErrInvalidAmount indicates an empty, non-numeric, or non-positive amount.
	ErrInvalidAmount = errors.New("please enter a valid amount")

	// ErrInsufficientBalance indicates the amount exceeds the relevant balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrWorkflowDone indicates a confirm after the intent reached a terminal state.
	ErrWorkflowDone = errors.New("transaction already confirmed")
)

// IsValidationError reports whether err is user-correctable input validation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInsufficientBalance)
}

// BalanceSource looks up the balances validation runs against.
type BalanceSource interface {
	// FundingBalance returns the viewer's funding-asset balance (spent on buys).
	FundingBalance(ctx context.Context) (decimal.Decimal, error)

	// AssetBalance returns the viewer's held balance of the stream's token.
	AssetBalance(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SellEstimator quotes the expected funding-asset return for a sell amount.
type SellEstimator interface {
	EstimateReturn(ctx context.Context, symbol string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Ledger is the external write collaborator submissions go to.
type Ledger interface {
	SubmitBuy(ctx context.Context, intent model.TransactionIntent) error
	SubmitSell(ctx context.Context, intent model.TransactionIntent) error
}

// Workflow drives one transaction intent from amount entry to confirmation.
//
// State mutation is serialized behind a mutex; the only ordering hazard is a
// stale estimate completion, discarded by sequence number so the latest
// in-flight estimate always wins.
type Workflow struct {
	mu sync.Mutex

	kind         model.IntentKind
	symbol       string
	currentPrice decimal.Decimal

	state       State
	amount      decimal.Decimal
	amountValid bool

	estimate   decimal.Decimal // latest applied sell-return estimate
	estSeq     atomic.Uint64   // last issued estimate sequence
	estApplied uint64          // highest applied estimate sequence, guarded by mu

	balances  BalanceSource
	estimator SellEstimator
	ledger    Ledger
}

// NewWorkflow creates a workflow for one intent kind against one token.
// currentPrice is the display price used for the local buy-side estimate.
func NewWorkflow(kind model.IntentKind, symbol string, currentPrice decimal.Decimal, balances BalanceSource, estimator SellEstimator, ledger Ledger) *Workflow {
	return &Workflow{
		kind:         kind,
		symbol:       symbol,
		currentPrice: currentPrice,
		state:        Idle,
		balances:     balances,
		estimator:    estimator,
		ledger:       ledger,
	}
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Amount returns the currently entered amount and whether it parsed.
func (w *Workflow) Amount() (decimal.Decimal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amount, w.amountValid
}

// EstimatedReturn returns the latest applied sell-return estimate.
func (w *Workflow) EstimatedReturn() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.estimate
}

// EstimatedTokens returns the local buy-side estimate amount/currentPrice.
// Zero when the price or amount is unusable.
func (w *Workflow) EstimatedTokens() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kind != model.Buy || !w.amountValid || w.currentPrice.IsZero() {
		return decimal.Zero
	}
	return w.amount.Div(w.currentPrice)
}

// EnterAmount records an amount input and moves the workflow to
// AmountEntered. Empty or non-numeric input keeps AmountEntered with no
// estimate. For sells, every valid input change starts an asynchronous
// estimate; the latest in-flight one wins.
func (w *Workflow) EnterAmount(ctx context.Context, input string) {
	w.mu.Lock()

	if w.state == StateConfirmed {
		w.mu.Unlock()
		return
	}

	amount, err := decimal.NewFromString(input)
	if err != nil || input == "" {
		w.amount = decimal.Zero
		w.amountValid = false
		w.estimate = decimal.Zero
		w.state = AmountEntered
		w.mu.Unlock()
		return
	}

	w.amount = amount
	w.amountValid = true
	w.state = AmountEntered

	estimating := w.kind == model.Sell && w.estimator != nil && amount.IsPositive()
	if estimating {
		w.state = Estimating
	}
	w.mu.Unlock()

	if estimating {
		seq := w.estSeq.Add(1)
		go w.runEstimate(ctx, seq, amount)
	}
}

// runEstimate performs one sell-return estimate and applies it under the
// stale-discard rule.
func (w *Workflow) runEstimate(ctx context.Context, seq uint64, amount decimal.Decimal) {
	value, err := w.estimator.EstimateReturn(ctx, w.symbol, amount)

	w.mu.Lock()
	defer w.mu.Unlock()

	if seq <= w.estApplied {
		log.Debug().Uint64("seq", seq).Msg("discarding stale sell estimate")
		return
	}
	w.estApplied = seq

	if err != nil {
		log.Warn().Err(err).Msg("sell estimate failed")
	} else {
		w.estimate = value
	}
	if w.state == Estimating {
		w.state = AmountEntered
	}
}

// Confirm validates the entered amount and submits the intent to the ledger
// exactly once.
//
// Validation failure returns a validation error and keeps the workflow in
// AmountEntered. Submission failure returns a Failed result and lands in
// StateFailed with the amount kept, so the user may correct or resubmit;
// nothing is retried automatically. Success returns a Confirmed result and
// is terminal for the intent.
func (w *Workflow) Confirm(ctx context.Context) (model.TransactionResult, error) {
	w.mu.Lock()
	switch w.state {
	case StateConfirmed:
		w.mu.Unlock()
		return model.TransactionResult{}, ErrWorkflowDone
	case Submitting, Validating:
		w.mu.Unlock()
		return model.TransactionResult{}, errors.New("confirm already in progress")
	}
	amount := w.amount
	valid := w.amountValid
	w.state = Validating
	w.mu.Unlock()

	if err := w.validateAmount(ctx, amount, valid); err != nil {
		w.setState(AmountEntered)
		return model.TransactionResult{}, err
	}

	w.setState(Submitting)

	intent := model.TransactionIntent{Kind: w.kind, Amount: amount, AssetSymbol: w.symbol}
	logger := log.With().
		Str("component", "trade").
		Str("kind", w.kind.String()).
		Str("symbol", w.symbol).
		Str("amount", amount.String()).
		Logger()

	var submitErr error
	if w.kind == model.Buy {
		submitErr = w.ledger.SubmitBuy(ctx, intent)
	} else {
		submitErr = w.ledger.SubmitSell(ctx, intent)
	}

	if submitErr != nil {
		logger.Error().Err(submitErr).Msg("ledger submission failed")
		w.setState(StateFailed)
		return model.TransactionResult{Outcome: model.Failed, Message: submitErr.Error()}, nil
	}

	logger.Info().Msg("transaction confirmed")
	w.setState(StateConfirmed)
	return model.TransactionResult{Outcome: model.Confirmed}, nil
}

// validateAmount runs the balance checks for the confirm action.
func (w *Workflow) validateAmount(ctx context.Context, amount decimal.Decimal, valid bool) error {
	if !valid || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if w.balances == nil {
		return nil
	}

	if w.kind == model.Buy {
		funding, err := w.balances.FundingBalance(ctx)
		if err != nil {
			return fmt.Errorf("balance lookup failed: %w", err)
		}
		if amount.GreaterThan(funding) {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, funding, amount)
		}
		return nil
	}

	held, err := w.balances.AssetBalance(ctx, w.symbol)
	if err != nil {
		return fmt.Errorf("balance lookup failed: %w", err)
	}
	if amount.GreaterThan(held) {
		return fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientBalance, held, w.symbol, amount)
	}
	return nil
}

// Cancel destroys the intent and returns the workflow to Idle.
func (w *Workflow) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Idle
	w.amount = decimal.Zero
	w.amountValid = false
	w.estimate = decimal.Zero
}

// setState moves the workflow to the given state.
func (w *Workflow) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}
