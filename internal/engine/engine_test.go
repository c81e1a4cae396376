package engine

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tekr9d3r/euroyield/internal/chain"
	"github.com/tekr9d3r/euroyield/internal/chain/chaintest"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/id"
	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/registry"
)

var (
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTarget  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testShare   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func poolDescriptor() protocol.Descriptor {
	return protocol.Descriptor{
		ID:                  "test-pool",
		Name:                "Test Pool",
		Family:              protocol.FamilyPool,
		ChainID:             8453,
		Token:               id.Token{Symbol: "EURC", Address: testToken.Hex(), Decimals: 6},
		Target:              testTarget,
		ShareToken:          testShare,
		DepositSpender:      testTarget,
		SupportsMaxWithdraw: true,
	}
}

func vaultDescriptor() protocol.Descriptor {
	d := poolDescriptor()
	d.ID = "test-vault"
	d.Family = protocol.FamilyVault
	d.Token.Decimals = 18
	d.SupportsMaxWithdraw = false
	return d
}

func gatewayDescriptor() protocol.Descriptor {
	d := vaultDescriptor()
	d.ID = "test-gateway"
	d.Family = protocol.FamilyGateway
	d.WithdrawNeedsApproval = true
	d.WithdrawSpender = testTarget
	return d
}

func fastOptions() Options {
	return Options{
		AllowancePollInterval: time.Millisecond,
		ApprovalWaitBudget:    time.Second,
		SettleDelay:           time.Millisecond,
	}
}

func packedUint(v *big.Int) []byte {
	out, err := registry.ERC20().Methods["allowance"].Outputs.Pack(v)
	if err != nil {
		panic(err)
	}
	return out
}

// stateRecorder collects transitions in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) contains(s State) bool {
	for _, got := range r.seen() {
		if got == s {
			return true
		}
	}
	return false
}

// allowanceScript answers ERC-20 allowance calls with a mutable value and
// flips it once an approve lands.
type allowanceScript struct {
	mu      sync.Mutex
	current *big.Int
}

func (a *allowanceScript) call(to common.Address, data []byte) ([]byte, error) {
	if bytes.Equal(data[:4], registry.ERC20().Methods["allowance"].ID) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return packedUint(new(big.Int).Set(a.current)), nil
	}
	return nil, errors.New("unexpected call")
}

func (a *allowanceScript) grant(v *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = v
}

func TestDepositRunsFullApprovalSequence(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(0)}
	provider.CallFn = script.call
	provider.SendFn = func(to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
		if to == testToken {
			// Allowance becomes visible once the approval is mined.
			script.grant(big.NewInt(100_000_000))
			return chain.TxHandle("0xaaaa"), nil
		}
		return chain.TxHandle("0xbbbb"), nil
	}

	eng := New(desc, provider, fastOptions())
	rec := &stateRecorder{}
	eng.OnTransition(rec.observe)

	if err := eng.Deposit(context.Background(), "100.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	want := []State{StateCheckingAllowance, StateApproving, StateWaitingApproval, StatePerformingAction, StateWaitingAction, StateSuccess}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	if provider.SentCount() != 2 {
		t.Fatalf("sent %d transactions, want 2", provider.SentCount())
	}
	approve := provider.Sent[0]
	if approve.To != testToken {
		t.Fatalf("approval went to %s, want token %s", approve.To, testToken)
	}
	wantApprove, err := registry.ERC20().Pack("approve", desc.DepositSpender, big.NewInt(100_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(approve.Data, wantApprove) {
		t.Fatal("approval calldata does not approve the exact deal amount")
	}
	action := provider.Sent[1]
	if action.To != testTarget {
		t.Fatalf("action went to %s, want target %s", action.To, testTarget)
	}
	if !bytes.Equal(action.Data[:4], registry.Pool().Methods["supply"].ID) {
		t.Fatal("action calldata is not a supply call")
	}
	args, err := registry.Pool().Methods["supply"].Inputs.Unpack(action.Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if amt := args[1].(*big.Int); amt.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("supplied %s base units, want 100000000", amt)
	}

	record := eng.Record()
	if record.ApprovalTx != "0xaaaa" || record.ActionTx != "0xbbbb" {
		t.Fatalf("record handles = %q / %q", record.ApprovalTx, record.ActionTx)
	}
	if eng.State() != StateSuccess {
		t.Fatalf("state = %s, want success", eng.State())
	}
}

func TestDepositSkipsApprovalWhenAllowanceSufficient(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(500_000_000)}
	provider.CallFn = script.call

	eng := New(desc, provider, fastOptions())
	rec := &stateRecorder{}
	eng.OnTransition(rec.observe)

	if err := eng.Deposit(context.Background(), "100.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if rec.contains(StateApproving) || rec.contains(StateWaitingApproval) {
		t.Fatalf("approval states reached with sufficient allowance: %v", rec.seen())
	}
	if provider.SentCount() != 1 {
		t.Fatalf("sent %d transactions, want 1", provider.SentCount())
	}
	if record := eng.Record(); !record.ApprovalTx.IsZero() {
		t.Fatalf("approval handle recorded without an approval: %q", record.ApprovalTx)
	}
}

func TestDepositApprovalTimeout(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(0)}
	provider.CallFn = script.call

	opts := fastOptions()
	opts.ApprovalWaitBudget = 25 * time.Millisecond
	eng := New(desc, provider, opts)

	err := eng.Deposit(context.Background(), "100.00")
	if !clierr.HasCode(err, clierr.CodeTimeout) {
		t.Fatalf("err = %v, want timeout code", err)
	}
	if eng.State() != StateError {
		t.Fatalf("state = %s, want error", eng.State())
	}
	if provider.SentCount() != 1 {
		t.Fatalf("sent %d transactions, want only the approval", provider.SentCount())
	}
}

func TestRejectedApprovalLeavesHandleUnset(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(0)}
	provider.CallFn = script.call
	provider.SendFn = func(to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
		return "", errors.New("user rejected the request")
	}

	eng := New(desc, provider, fastOptions())
	err := eng.Deposit(context.Background(), "100.00")
	if !clierr.HasCode(err, clierr.CodeRejected) {
		t.Fatalf("err = %v, want rejection code", err)
	}
	record := eng.Record()
	if !record.ApprovalTx.IsZero() || !record.ActionTx.IsZero() {
		t.Fatalf("handles recorded for a rejected broadcast: %q / %q", record.ApprovalTx, record.ActionTx)
	}
	if !strings.Contains(record.ErrorMessage, "rejected") {
		t.Fatalf("error message = %q, want rejection wording", record.ErrorMessage)
	}
}

func TestNoGasErrorsAreClassified(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(500_000_000)}
	provider.CallFn = script.call
	provider.SendFn = func(to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
		return "", errors.New("insufficient funds for gas * price + value")
	}

	eng := New(desc, provider, fastOptions())
	err := eng.Deposit(context.Background(), "100.00")
	if !clierr.HasCode(err, clierr.CodeNoGas) {
		t.Fatalf("err = %v, want no-gas code", err)
	}
}

func TestSecondOperationBlockedUntilReset(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(500_000_000)}
	provider.CallFn = script.call

	eng := New(desc, provider, fastOptions())
	if err := eng.Deposit(context.Background(), "50.00"); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	sent := provider.SentCount()

	err := eng.Deposit(context.Background(), "50.00")
	if !clierr.HasCode(err, clierr.CodeInProgress) {
		t.Fatalf("err = %v, want in-progress code", err)
	}
	if provider.SentCount() != sent {
		t.Fatal("duplicate invocation touched the chain")
	}

	eng.Reset()
	if eng.State() != StateIdle {
		t.Fatalf("state after reset = %s", eng.State())
	}
	if err := eng.Deposit(context.Background(), "50.00"); err != nil {
		t.Fatalf("deposit after reset: %v", err)
	}
}

func TestWrongChainFailsBeforeAnyCall(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, 1) // mainnet, descriptor wants Base

	eng := New(desc, provider, fastOptions())
	err := eng.Deposit(context.Background(), "100.00")
	if !clierr.HasCode(err, clierr.CodeWrongChain) {
		t.Fatalf("err = %v, want wrong-chain code", err)
	}
	if provider.SentCount() != 0 {
		t.Fatal("transaction sent on the wrong chain")
	}
}

func TestWithdrawAllUsesPoolSentinel(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)

	eng := New(desc, provider, fastOptions())
	// 99.97 of a tracked 100.00 position crosses the full-withdrawal
	// threshold even without the explicit flag.
	err := eng.Withdraw(context.Background(), WithdrawRequest{AmountDecimal: "99.97", TrackedDeposit: "100.00"})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if provider.SentCount() != 1 {
		t.Fatalf("sent %d transactions, want 1", provider.SentCount())
	}
	args, err := registry.Pool().Methods["withdraw"].Inputs.Unpack(provider.Sent[0].Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if amt := args[1].(*big.Int); amt.Cmp(MaxUint256) != 0 {
		t.Fatalf("withdraw amount = %s, want the max-uint sentinel", amt)
	}
}

func TestPartialWithdrawUsesLiteralAmount(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)

	eng := New(desc, provider, fastOptions())
	err := eng.Withdraw(context.Background(), WithdrawRequest{AmountDecimal: "40.00", TrackedDeposit: "100.00"})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	args, err := registry.Pool().Methods["withdraw"].Inputs.Unpack(provider.Sent[0].Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if amt := args[1].(*big.Int); amt.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("withdraw amount = %s, want 40000000", amt)
	}
}

func TestVaultFullWithdrawRedeemsFreshShareBalance(t *testing.T) {
	desc := vaultDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	shareBalance, _ := new(big.Int).SetString("96000000000000000000", 10)
	provider.CallFn = func(to common.Address, data []byte) ([]byte, error) {
		if to == desc.ShareToken && bytes.Equal(data[:4], registry.ERC20().Methods["balanceOf"].ID) {
			return packedUint(shareBalance), nil
		}
		return nil, errors.New("unexpected call")
	}

	eng := New(desc, provider, fastOptions())
	rec := &stateRecorder{}
	eng.OnTransition(rec.observe)
	err := eng.Withdraw(context.Background(), WithdrawRequest{AmountDecimal: "100.0", All: true})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if rec.contains(StateCheckingAllowance) {
		t.Fatal("direct vault withdrawal ran an allowance segment")
	}
	action := provider.Sent[0]
	if !bytes.Equal(action.Data[:4], registry.Vault().Methods["redeem"].ID) {
		t.Fatal("full vault withdrawal did not redeem shares")
	}
	args, err := registry.Vault().Methods["redeem"].Inputs.Unpack(action.Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if shares := args[0].(*big.Int); shares.Cmp(shareBalance) != 0 {
		t.Fatalf("redeemed %s shares, want the live balance %s", shares, shareBalance)
	}
}

func TestGatewayWithdrawApprovesShareSpending(t *testing.T) {
	desc := gatewayDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	shares, _ := new(big.Int).SetString("96000000000000000000", 10)
	assetsOut, _ := new(big.Int).SetString("100000000000000000000", 10)
	script := &allowanceScript{current: big.NewInt(0)}
	provider.CallFn = func(to common.Address, data []byte) ([]byte, error) {
		switch {
		case bytes.Equal(data[:4], registry.ERC20().Methods["allowance"].ID):
			return script.call(to, data)
		case bytes.Equal(data[:4], registry.Vault().Methods["convertToShares"].ID):
			return packedUint(shares), nil
		case bytes.Equal(data[:4], registry.Vault().Methods["convertToAssets"].ID):
			return packedUint(assetsOut), nil
		}
		return nil, errors.New("unexpected call")
	}
	provider.SendFn = func(to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
		if to == desc.ShareToken {
			script.grant(shares)
			return chain.TxHandle("0xaaaa"), nil
		}
		return chain.TxHandle("0xbbbb"), nil
	}

	eng := New(desc, provider, fastOptions())
	rec := &stateRecorder{}
	eng.OnTransition(rec.observe)
	err := eng.Withdraw(context.Background(), WithdrawRequest{AmountDecimal: "100.0", TrackedDeposit: "250.0"})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !rec.contains(StateApproving) {
		t.Fatalf("gateway withdrawal skipped the share approval: %v", rec.seen())
	}
	if provider.SentCount() != 2 {
		t.Fatalf("sent %d transactions, want approval + redeem", provider.SentCount())
	}
	approve := provider.Sent[0]
	if approve.To != desc.ShareToken {
		t.Fatalf("share approval went to %s, want %s", approve.To, desc.ShareToken)
	}
	args, err := registry.ERC20().Methods["approve"].Inputs.Unpack(approve.Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if approved := args[1].(*big.Int); approved.Cmp(shares) != 0 {
		t.Fatalf("approved %s shares, want %s", approved, shares)
	}
	redeem := provider.Sent[1]
	if !bytes.Equal(redeem.Data[:4], registry.Gateway().Methods["redeem"].ID) {
		t.Fatal("gateway withdrawal did not redeem")
	}
}

func TestReceiptWaitFallsBackToSettleDelay(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(500_000_000)}
	provider.CallFn = script.call
	provider.ReceiptFn = func(handle chain.TxHandle) (chain.Receipt, error) {
		return chain.Receipt{}, chain.ErrReceiptUnsupported
	}

	eng := New(desc, provider, fastOptions())
	if err := eng.Deposit(context.Background(), "100.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if eng.State() != StateSuccess {
		t.Fatalf("state = %s, want success", eng.State())
	}
}

func TestRevertedActionFailsTheOperation(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	script := &allowanceScript{current: big.NewInt(500_000_000)}
	provider.CallFn = script.call
	provider.ReceiptFn = func(handle chain.TxHandle) (chain.Receipt, error) {
		return chain.Receipt{Status: 0}, nil
	}

	eng := New(desc, provider, fastOptions())
	err := eng.Deposit(context.Background(), "100.00")
	if err == nil || !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("err = %v, want revert failure", err)
	}
	if eng.State() != StateError {
		t.Fatalf("state = %s, want error", eng.State())
	}
}

func TestInvalidAmountRejectedBeforeStart(t *testing.T) {
	desc := poolDescriptor()
	provider := chaintest.New(testAccount, desc.ChainID)
	eng := New(desc, provider, fastOptions())

	for _, bad := range []string{"", "abc", "-5", "1.2345678"} {
		if err := eng.Deposit(context.Background(), bad); err == nil {
			t.Fatalf("amount %q accepted", bad)
		}
	}
	if eng.State() != StateIdle {
		t.Fatalf("state = %s, want idle after input rejection", eng.State())
	}
	if provider.SentCount() != 0 {
		t.Fatal("invalid input reached the chain")
	}
}
