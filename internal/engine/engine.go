// Package engine drives deposit and withdraw transactions against a protocol
// deployment. There is one generic engine; per-protocol differences come in
// through the protocol.Descriptor data table.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/chain"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/id"
	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/registry"
)

type State string

const (
	StateIdle             State = "idle"
	StateCheckingAllowance State = "checking_allowance"
	StateApproving        State = "approving"
	StateWaitingApproval  State = "waiting_approval_confirmation"
	StatePerformingAction State = "performing_action"
	StateWaitingAction    State = "waiting_action_confirmation"
	StateSuccess          State = "success"
	StateError            State = "error"
)

// MaxUint256 is the full-withdrawal sentinel understood by pool contracts.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// withdrawAllNumerator/Denominator: requests at or above 99.95% of the
// tracked deposit take the sentinel path instead of the literal amount,
// which would risk a revert on dust or rounding drift.
const (
	withdrawAllNumerator   = 9995
	withdrawAllDenominator = 10000
)

// slippageBps bounds gateway quotes: min output is quote minus 0.5%.
const slippageBps = 50

type Options struct {
	// AllowancePollInterval is how often the allowance is re-read while
	// waiting for an approval to confirm.
	AllowancePollInterval time.Duration
	// ApprovalWaitBudget bounds the allowance polling; exceeding it fails
	// the operation with a timeout error.
	ApprovalWaitBudget time.Duration
	// SettleDelay is the fixed wait used only when the provider cannot
	// observe receipts; an explicit receipt wait is always preferred.
	SettleDelay time.Duration
	Logger      *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		AllowancePollInterval: 2 * time.Second,
		ApprovalWaitBudget:    120 * time.Second,
		SettleDelay:           5 * time.Second,
	}
}

// Record captures one deposit or withdraw attempt. Handles stay unset until
// the corresponding transaction is actually broadcast.
type Record struct {
	AmountDecimal string
	AmountBase    *big.Int
	ApprovalTx    chain.TxHandle
	ActionTx      chain.TxHandle
	ErrorMessage  string
}

type WithdrawRequest struct {
	AmountDecimal string
	// All forces the full-position path regardless of amount.
	All bool
	// TrackedDeposit is the caller's last known deposit (decimal string);
	// requests close to it also take the full-position path.
	TrackedDeposit string
}

// Engine is a single-session state machine. It is created fresh per modal
// session, never shared, and guards against duplicate submission: a second
// invocation while non-idle fails without touching the chain.
type Engine struct {
	desc     protocol.Descriptor
	provider chain.Provider
	opts     Options
	log      *zap.Logger
	observer func(State)

	mu     sync.Mutex
	state  State
	record Record
}

func New(desc protocol.Descriptor, provider chain.Provider, opts Options) *Engine {
	if opts.AllowancePollInterval <= 0 {
		opts.AllowancePollInterval = 2 * time.Second
	}
	if opts.ApprovalWaitBudget <= 0 {
		opts.ApprovalWaitBudget = 120 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{desc: desc, provider: provider, opts: opts, log: log, state: StateIdle}
}

// OnTransition registers a state observer. Must be set before starting an
// operation.
func (e *Engine) OnTransition(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Record() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

// Reset returns the engine to idle and clears all handles and the error.
// Called on modal close and on explicit retry.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.state = StateIdle
	e.record = Record{}
	fn := e.observer
	e.mu.Unlock()
	if fn != nil {
		fn(StateIdle)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	fn := e.observer
	e.mu.Unlock()
	e.log.Debug("engine transition", zap.String("protocol", e.desc.ID), zap.String("state", string(s)))
	if fn != nil {
		fn(s)
	}
}

// begin enforces single-flight per session.
func (e *Engine) begin(amountDecimal string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return clierr.New(clierr.CodeInProgress, "an operation is already in progress for this session")
	}
	e.record = Record{AmountDecimal: amountDecimal, AmountBase: amount}
	return nil
}

// fail classifies err, records it and parks the machine in the terminal
// error state. Every path past approving/performingAction funnels through
// here or through success.
func (e *Engine) fail(err error) error {
	classified := Classify(err)
	e.mu.Lock()
	e.state = StateError
	e.record.ErrorMessage = classified.Error()
	fn := e.observer
	e.mu.Unlock()
	e.log.Warn("engine operation failed", zap.String("protocol", e.desc.ID), zap.Error(classified))
	if fn != nil {
		fn(StateError)
	}
	return classified
}

// Classify maps raw provider errors onto the stable taxonomy: rejection and
// gas shortfalls get distinct codes, anything already typed passes through,
// the rest keeps its protocol-specific message verbatim.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if typed, ok := clierr.As(err); ok {
		switch typed.Code {
		case clierr.CodeTimeout, clierr.CodeRejected, clierr.CodeNoGas,
			clierr.CodePrecondition, clierr.CodeWrongChain, clierr.CodeInProgress:
			return err
		}
	}
	if chain.IsRejected(err) {
		return clierr.Wrap(clierr.CodeRejected, "transaction was rejected, no funds moved", err)
	}
	if chain.IsNoGas(err) {
		return clierr.Wrap(clierr.CodeNoGas, "insufficient funds to pay for gas", err)
	}
	return err
}

// checkPreconditions runs before any chain interaction. The engine never
// switches chains itself; a mismatch is the caller's problem to resolve.
func (e *Engine) checkPreconditions(ctx context.Context) (common.Address, error) {
	account, ok := e.provider.Account()
	if !ok {
		return common.Address{}, clierr.New(clierr.CodePrecondition, "no wallet connected")
	}
	chainID, err := e.provider.ChainID(ctx)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUnavailable, "read active chain", err)
	}
	if chainID != e.desc.ChainID {
		return common.Address{}, clierr.New(clierr.CodeWrongChain,
			fmt.Sprintf("active chain %d does not match %s (chain %d)", chainID, e.desc.Name, e.desc.ChainID))
	}
	if e.desc.Target == (common.Address{}) || e.desc.TokenAddress() == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodePrecondition, "protocol contract addresses are not configured for this chain")
	}
	return account, nil
}

// Deposit converts, approves as needed and supplies amountDecimal to the
// protocol. Exactly one action transaction is submitted per invocation.
func (e *Engine) Deposit(ctx context.Context, amountDecimal string) error {
	amount, err := id.ToBaseUnits(amountDecimal, e.desc.Token.Decimals)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "deposit amount must be positive")
	}
	if err := e.begin(amountDecimal, amount); err != nil {
		return err
	}
	account, err := e.checkPreconditions(ctx)
	if err != nil {
		return e.fail(err)
	}

	e.setState(StateCheckingAllowance)
	if err := e.ensureAllowance(ctx, e.desc.TokenAddress(), account, e.desc.DepositSpender, amount); err != nil {
		return e.fail(err)
	}

	e.setState(StatePerformingAction)
	calldata, err := e.depositCalldata(ctx, amount, account)
	if err != nil {
		return e.fail(err)
	}
	handle, err := e.provider.Send(ctx, e.desc.Target, calldata, nil)
	if err != nil {
		return e.fail(err)
	}
	e.mu.Lock()
	e.record.ActionTx = handle
	e.mu.Unlock()

	e.setState(StateWaitingAction)
	if err := e.awaitSettlement(ctx, handle); err != nil {
		return e.fail(err)
	}
	e.setState(StateSuccess)
	return nil
}

// Withdraw mirrors Deposit. Full-position requests use the protocol's
// sentinel where the contract honors one; otherwise the freshly read share
// balance is redeemed, never a locally computed asset figure.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) error {
	amount, err := id.ToBaseUnits(req.AmountDecimal, e.desc.Token.Decimals)
	if err != nil {
		return err
	}
	withdrawAll := req.All || e.isEffectivelyAll(amount, req.TrackedDeposit)
	if amount.Sign() <= 0 && !withdrawAll {
		return clierr.New(clierr.CodeUsage, "withdraw amount must be positive")
	}
	if err := e.begin(req.AmountDecimal, amount); err != nil {
		return err
	}
	account, err := e.checkPreconditions(ctx)
	if err != nil {
		return e.fail(err)
	}

	shares, err := e.withdrawShares(ctx, amount, withdrawAll, account)
	if err != nil {
		return e.fail(err)
	}

	// Vault-share redemption through a gateway spends shares held by the
	// user, so it still needs an allowance segment; direct pool and vault
	// withdrawals do not.
	if e.desc.WithdrawNeedsApproval {
		e.setState(StateCheckingAllowance)
		if err := e.ensureAllowance(ctx, e.desc.ShareToken, account, e.desc.WithdrawSpender, shares); err != nil {
			return e.fail(err)
		}
	}

	e.setState(StatePerformingAction)
	calldata, err := e.withdrawCalldata(ctx, amount, shares, withdrawAll, account)
	if err != nil {
		return e.fail(err)
	}
	handle, err := e.provider.Send(ctx, e.desc.Target, calldata, nil)
	if err != nil {
		return e.fail(err)
	}
	e.mu.Lock()
	e.record.ActionTx = handle
	e.mu.Unlock()

	e.setState(StateWaitingAction)
	if err := e.awaitSettlement(ctx, handle); err != nil {
		return e.fail(err)
	}
	e.setState(StateSuccess)
	return nil
}

func (e *Engine) isEffectivelyAll(amount *big.Int, trackedDeposit string) bool {
	if amount == nil || amount.Sign() <= 0 {
		return false
	}
	tracked, err := id.ToBaseUnits(trackedDeposit, e.desc.Token.Decimals)
	if err != nil || tracked.Sign() <= 0 {
		return false
	}
	// amount >= tracked * 9995 / 10000
	threshold := new(big.Int).Mul(tracked, big.NewInt(withdrawAllNumerator))
	threshold.Div(threshold, big.NewInt(withdrawAllDenominator))
	return amount.Cmp(threshold) >= 0
}

// ensureAllowance re-reads the live allowance and, when short, submits an
// approval for exactly the needed amount, then polls until it lands. The
// allowance is never cached across this decision point.
func (e *Engine) ensureAllowance(ctx context.Context, token, owner, spender common.Address, needed *big.Int) error {
	current, err := e.readAllowance(ctx, token, owner, spender)
	if err != nil {
		return err
	}
	if current.Cmp(needed) >= 0 {
		return nil
	}

	e.setState(StateApproving)
	calldata, err := registry.ERC20().Pack("approve", spender, needed)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	handle, err := e.provider.Send(ctx, token, calldata, nil)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.record.ApprovalTx = handle
	e.mu.Unlock()

	e.setState(StateWaitingApproval)
	return e.pollAllowance(ctx, token, owner, spender, needed)
}

func (e *Engine) pollAllowance(ctx context.Context, token, owner, spender common.Address, needed *big.Int) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ApprovalWaitBudget)
	defer cancel()
	ticker := time.NewTicker(e.opts.AllowancePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return clierr.New(clierr.CodeTimeout, "timed out waiting for approval confirmation")
		case <-ticker.C:
		}
		current, err := e.readAllowance(waitCtx, token, owner, spender)
		if err != nil {
			// Transient read failures are retried until the budget runs out.
			e.log.Debug("allowance poll failed", zap.Error(err))
			continue
		}
		if current.Cmp(needed) >= 0 {
			return nil
		}
	}
}

func (e *Engine) readAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	calldata, err := registry.ERC20().Pack("allowance", owner, spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance calldata", err)
	}
	raw, err := e.provider.Call(ctx, token, calldata)
	if err != nil {
		return nil, err
	}
	return unpackBig(registry.ERC20(), "allowance", raw)
}

// awaitSettlement prefers an explicit receipt wait; the fixed settle delay
// is only the fallback for providers that cannot observe receipts, and is a
// heuristic, not a confirmation guarantee.
func (e *Engine) awaitSettlement(ctx context.Context, handle chain.TxHandle) error {
	receipt, err := e.provider.WaitReceipt(ctx, handle)
	if err != nil {
		if errors.Is(err, chain.ErrReceiptUnsupported) {
			select {
			case <-ctx.Done():
				return clierr.Wrap(clierr.CodeTimeout, "cancelled while settling", ctx.Err())
			case <-time.After(e.opts.SettleDelay):
				return nil
			}
		}
		return err
	}
	if receipt.Status != chain.ReceiptStatusSuccessful {
		return clierr.New(clierr.CodeUnavailable, "transaction reverted on-chain")
	}
	return nil
}
