// Package session drives one deposit or withdraw interaction from amount
// entry through confirmation to the terminal screen. Each session owns a
// fresh engine; closing a session and opening a new one always starts from a
// clean slate.
package session

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/chain"
	"github.com/tekr9d3r/euroyield/internal/engine"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/id"
	"github.com/tekr9d3r/euroyield/internal/protocol"
)

type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

type Phase string

const (
	PhaseInput      Phase = "input"
	PhaseConfirm    Phase = "confirm"
	PhaseProcessing Phase = "processing"
	PhaseClosed     Phase = "closed"
)

type Options struct {
	// SuccessDisplayDelay keeps the success screen visible before the
	// session auto-closes.
	SuccessDisplayDelay time.Duration
	// OnSuccess runs after a successful operation, before the session
	// closes. Callers hook balance refetching here.
	OnSuccess func()
	Engine    engine.Options
	Logger    *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		SuccessDisplayDelay: 2 * time.Second,
		Engine:              engine.DefaultOptions(),
	}
}

type Session struct {
	ID   string
	Kind Kind

	desc     protocol.Descriptor
	provider chain.Provider
	engine   *engine.Engine
	opts     Options
	log      *zap.Logger

	mu             sync.Mutex
	phase          Phase
	amount         string
	withdrawAll    bool
	trackedDeposit string
	available      *big.Int
	result         engine.Record
}

func New(kind Kind, desc protocol.Descriptor, provider chain.Provider, opts Options) *Session {
	if opts.SuccessDisplayDelay <= 0 {
		opts.SuccessDisplayDelay = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	engOpts := opts.Engine
	if engOpts.Logger == nil {
		engOpts.Logger = log
	}
	return &Session{
		ID:       uuid.NewString(),
		Kind:     kind,
		desc:     desc,
		provider: provider,
		engine:   engine.New(desc, provider, engOpts),
		opts:     opts,
		log:      log,
		phase:    PhaseInput,
	}
}

func (s *Session) Engine() *engine.Engine { return s.engine }

func (s *Session) Protocol() protocol.Descriptor { return s.desc }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Amount() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amount
}

// SetAmount validates and stages the amount, advancing to confirmation.
// Validation happens here so the confirm step never shows an amount the
// engine would later refuse.
func (s *Session) SetAmount(amount string) error {
	parsed, err := id.ToBaseUnits(amount, s.desc.Token.Decimals)
	if err != nil {
		return err
	}
	if parsed.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseInput && s.phase != PhaseConfirm {
		return clierr.New(clierr.CodeInProgress, "cannot change the amount once processing has started")
	}
	if s.available != nil && parsed.Cmp(s.available) > 0 {
		return clierr.New(clierr.CodeUsage, "amount exceeds the available balance")
	}
	s.amount = amount
	s.withdrawAll = false
	s.phase = PhaseConfirm
	return nil
}

// SetAvailable caps future SetAmount calls at the caller's known balance or
// deposit. Sessions without a known figure skip the cap.
func (s *Session) SetAvailable(amount string) error {
	parsed, err := id.ToBaseUnits(amount, s.desc.Token.Decimals)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = parsed
	return nil
}

// SetWithdrawAll stages a full-position withdrawal; tracked is the caller's
// last known deposit, used only for display.
func (s *Session) SetWithdrawAll(tracked string) error {
	if s.Kind != KindWithdraw {
		return clierr.New(clierr.CodeUsage, "withdraw-all applies only to withdrawals")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseInput && s.phase != PhaseConfirm {
		return clierr.New(clierr.CodeInProgress, "cannot change the amount once processing has started")
	}
	s.amount = tracked
	s.trackedDeposit = tracked
	s.withdrawAll = true
	s.phase = PhaseConfirm
	return nil
}

// SetTrackedDeposit records the deposit figure used for the near-total
// withdrawal threshold.
func (s *Session) SetTrackedDeposit(tracked string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackedDeposit = tracked
}

// NeedsChainSwitch reports whether the connected provider sits on a
// different chain than the protocol requires. The session never switches
// implicitly; the caller confirms first.
func (s *Session) NeedsChainSwitch(ctx context.Context) (bool, int64, error) {
	current, err := s.provider.ChainID(ctx)
	if err != nil {
		return false, 0, clierr.Wrap(clierr.CodeUnavailable, "read active chain", err)
	}
	return current != s.desc.ChainID, s.desc.ChainID, nil
}

func (s *Session) SwitchChain(ctx context.Context) error {
	if err := s.provider.SwitchChain(ctx, s.desc.ChainID); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable,
			fmt.Sprintf("switch to %s", s.desc.ChainName()), err)
	}
	return nil
}

// Run executes the confirmed operation. On success the session lingers on
// the success screen for the display delay and then closes itself; on
// failure it stays open so the user can retry or cancel.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseConfirm {
		s.mu.Unlock()
		return clierr.New(clierr.CodeUsage, "nothing staged to execute")
	}
	amount := s.amount
	all := s.withdrawAll
	tracked := s.trackedDeposit
	s.phase = PhaseProcessing
	s.mu.Unlock()

	var err error
	switch s.Kind {
	case KindDeposit:
		err = s.engine.Deposit(ctx, amount)
	case KindWithdraw:
		err = s.engine.Withdraw(ctx, engine.WithdrawRequest{
			AmountDecimal:  amount,
			All:            all,
			TrackedDeposit: tracked,
		})
	default:
		err = clierr.New(clierr.CodeInternal, fmt.Sprintf("unknown session kind %q", s.Kind))
	}
	// Snapshot the run before Close wipes the engine; the journal needs the
	// transaction handles after the session is gone.
	s.mu.Lock()
	s.result = s.engine.Record()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("session operation failed",
			zap.String("session", s.ID),
			zap.String("kind", string(s.Kind)),
			zap.String("protocol", s.desc.ID),
			zap.Error(err))
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(s.opts.SuccessDisplayDelay):
	}
	if s.opts.OnSuccess != nil {
		s.opts.OnSuccess()
	}
	s.Close()
	return nil
}

// Result returns the record of the last completed run, surviving Close.
func (s *Session) Result() engine.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Retry re-arms a failed operation: the engine is reset but the staged
// amount survives, so the user does not re-enter it.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseProcessing {
		s.mu.Unlock()
		return clierr.New(clierr.CodeUsage, "nothing to retry")
	}
	if s.engine.State() != engine.StateError {
		s.mu.Unlock()
		return clierr.New(clierr.CodeInProgress, "operation has not failed")
	}
	s.phase = PhaseConfirm
	s.mu.Unlock()
	s.engine.Reset()
	return s.Run(ctx)
}

// Close tears the session down: engine back to idle, staged input dropped.
func (s *Session) Close() {
	s.mu.Lock()
	s.phase = PhaseClosed
	s.amount = ""
	s.withdrawAll = false
	s.trackedDeposit = ""
	s.available = nil
	s.mu.Unlock()
	s.engine.Reset()
}
