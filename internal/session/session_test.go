package session

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tekr9d3r/euroyield/internal/chain"
	"github.com/tekr9d3r/euroyield/internal/chain/chaintest"
	"github.com/tekr9d3r/euroyield/internal/engine"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/id"
	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/registry"
)

var (
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTarget  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func testDescriptor() protocol.Descriptor {
	return protocol.Descriptor{
		ID:             "test-pool",
		Name:           "Test Pool",
		Family:         protocol.FamilyPool,
		ChainID:        8453,
		Token:          id.Token{Symbol: "EURC", Address: testToken.Hex(), Decimals: 6},
		Target:         testTarget,
		ShareToken:     common.HexToAddress("0x4444444444444444444444444444444444444444"),
		DepositSpender: testTarget,
	}
}

func fastOptions() Options {
	return Options{
		SuccessDisplayDelay: time.Millisecond,
		Engine: engine.Options{
			AllowancePollInterval: time.Millisecond,
			ApprovalWaitBudget:    time.Second,
			SettleDelay:           time.Millisecond,
		},
	}
}

// bigAllowance answers every ERC-20 allowance read with an ample value so
// deposits skip the approval leg.
func bigAllowance(to common.Address, data []byte) ([]byte, error) {
	if bytes.Equal(data[:4], registry.ERC20().Methods["allowance"].ID) {
		out, err := registry.ERC20().Methods["allowance"].Outputs.Pack(big.NewInt(1_000_000_000))
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, errors.New("unexpected call")
}

func TestDepositSessionLifecycle(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	provider.CallFn = bigAllowance

	sess := New(KindDeposit, testDescriptor(), provider, fastOptions())
	if sess.ID == "" {
		t.Fatal("session has no id")
	}
	if sess.Phase() != PhaseInput {
		t.Fatalf("phase = %s, want input", sess.Phase())
	}

	if err := sess.SetAmount("100.00"); err != nil {
		t.Fatalf("SetAmount: %v", err)
	}
	if sess.Phase() != PhaseConfirm {
		t.Fatalf("phase = %s, want confirm after staging", sess.Phase())
	}

	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.Phase() != PhaseClosed {
		t.Fatalf("phase = %s, want auto-closed after success", sess.Phase())
	}
	if provider.SentCount() != 1 {
		t.Fatalf("sent %d transactions, want 1", provider.SentCount())
	}
	// Auto-close leaves no residue for a future session.
	if sess.Amount() != "" {
		t.Fatalf("amount %q survived close", sess.Amount())
	}
	if sess.Engine().State() != engine.StateIdle {
		t.Fatalf("engine state = %s after close", sess.Engine().State())
	}
	if sess.Result().ActionTx.IsZero() {
		t.Fatal("run record lost on close")
	}
}

func TestInvalidAmountStaysOnInput(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	sess := New(KindDeposit, testDescriptor(), provider, fastOptions())

	for _, bad := range []string{"", "0", "nope", "1.2345678"} {
		if err := sess.SetAmount(bad); err == nil {
			t.Fatalf("amount %q accepted", bad)
		}
	}
	if sess.Phase() != PhaseInput {
		t.Fatalf("phase = %s, want input", sess.Phase())
	}
}

func TestChainSwitchGate(t *testing.T) {
	provider := chaintest.New(testAccount, 1)
	sess := New(KindDeposit, testDescriptor(), provider, fastOptions())

	needs, wantChain, err := sess.NeedsChainSwitch(context.Background())
	if err != nil {
		t.Fatalf("NeedsChainSwitch: %v", err)
	}
	if !needs || wantChain != 8453 {
		t.Fatalf("needs=%v target=%d, want switch to 8453", needs, wantChain)
	}

	if err := sess.SwitchChain(context.Background()); err != nil {
		t.Fatalf("SwitchChain: %v", err)
	}
	if len(provider.SwitchedTo) != 1 || provider.SwitchedTo[0] != 8453 {
		t.Fatalf("provider switches = %v", provider.SwitchedTo)
	}
	needs, _, err = sess.NeedsChainSwitch(context.Background())
	if err != nil || needs {
		t.Fatalf("still needs switch after switching: %v %v", needs, err)
	}
}

func TestRetryKeepsAmountAndResetsEngine(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	provider.CallFn = bigAllowance
	var failures atomic.Int32
	failures.Store(1)
	provider.SendFn = func(to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
		if failures.Add(-1) >= 0 {
			return "", errors.New("user rejected the request")
		}
		return chain.TxHandle("0xbeef"), nil
	}

	sess := New(KindDeposit, testDescriptor(), provider, fastOptions())
	if err := sess.SetAmount("25.00"); err != nil {
		t.Fatalf("SetAmount: %v", err)
	}

	err := sess.Run(context.Background())
	if !clierr.HasCode(err, clierr.CodeRejected) {
		t.Fatalf("first run err = %v, want rejection", err)
	}
	if sess.Phase() != PhaseProcessing {
		t.Fatalf("phase = %s, want processing kept open on failure", sess.Phase())
	}
	if sess.Amount() != "25.00" {
		t.Fatalf("amount %q lost on failure", sess.Amount())
	}

	if err := sess.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if sess.Phase() != PhaseClosed {
		t.Fatalf("phase = %s after successful retry", sess.Phase())
	}
}

func TestCloseDropsEverything(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	sess := New(KindWithdraw, testDescriptor(), provider, fastOptions())
	if err := sess.SetAmount("10.00"); err != nil {
		t.Fatalf("SetAmount: %v", err)
	}
	sess.Close()
	if sess.Phase() != PhaseClosed || sess.Amount() != "" {
		t.Fatalf("close left phase=%s amount=%q", sess.Phase(), sess.Amount())
	}
	if sess.Engine().State() != engine.StateIdle {
		t.Fatalf("engine state = %s after close", sess.Engine().State())
	}
}

func TestWithdrawAllRequest(t *testing.T) {
	desc := testDescriptor()
	desc.SupportsMaxWithdraw = true
	provider := chaintest.New(testAccount, 8453)

	sess := New(KindWithdraw, desc, provider, fastOptions())
	if err := sess.SetWithdrawAll("100.00"); err != nil {
		t.Fatalf("SetWithdrawAll: %v", err)
	}
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	args, err := registry.Pool().Methods["withdraw"].Inputs.Unpack(provider.Sent[0].Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if amt := args[1].(*big.Int); amt.Cmp(engine.MaxUint256) != 0 {
		t.Fatalf("withdraw amount = %s, want the sentinel", amt)
	}
}

func TestWithdrawAllRejectedOnDeposit(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	sess := New(KindDeposit, testDescriptor(), provider, fastOptions())
	if err := sess.SetWithdrawAll("100.00"); err == nil {
		t.Fatal("withdraw-all accepted on a deposit session")
	}
}

func TestAmountAboveAvailableRejected(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	sess := New(KindWithdraw, testDescriptor(), provider, fastOptions())

	if err := sess.SetAvailable("50.00"); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	if err := sess.SetAmount("50.01"); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("over-available amount accepted: %v", err)
	}
	if sess.Phase() != PhaseInput {
		t.Fatalf("phase = %s after rejected amount", sess.Phase())
	}
	if err := sess.SetAmount("50.00"); err != nil {
		t.Fatalf("SetAmount at the cap: %v", err)
	}
}

func TestSuccessCallbackFiresBeforeClose(t *testing.T) {
	provider := chaintest.New(testAccount, 8453)
	provider.CallFn = bigAllowance

	var refetched atomic.Bool
	opts := fastOptions()
	opts.OnSuccess = func() { refetched.Store(true) }

	sess := New(KindDeposit, testDescriptor(), provider, opts)
	if err := sess.SetAmount("5.00"); err != nil {
		t.Fatalf("SetAmount: %v", err)
	}
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !refetched.Load() {
		t.Fatal("success callback never ran")
	}
	if sess.Phase() != PhaseClosed {
		t.Fatalf("phase = %s, want closed", sess.Phase())
	}
}
