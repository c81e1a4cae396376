package app

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/chain"
	"github.com/tekr9d3r/euroyield/internal/chain/signer"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
)

// offlineProvider stands in when a chain node cannot be reached. Every call
// fails with the dial error, which the read adapters absorb by degrading to
// analytics or static values.
type offlineProvider struct{ err error }

func (p offlineProvider) Account() (common.Address, bool) { return common.Address{}, false }

func (p offlineProvider) ChainID(ctx context.Context) (int64, error) { return 0, p.err }

func (p offlineProvider) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, p.err
}

func (p offlineProvider) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
	return "", p.err
}

func (p offlineProvider) WaitReceipt(ctx context.Context, handle chain.TxHandle) (chain.Receipt, error) {
	return chain.Receipt{}, p.err
}

func (p offlineProvider) SwitchChain(ctx context.Context, chainID int64) error { return p.err }

// accountProvider overlays a fixed account onto a read-only connection so
// portfolio reads work for any address without a key.
type accountProvider struct {
	chain.Provider
	addr common.Address
}

func (p accountProvider) Account() (common.Address, bool) { return p.addr, true }

func (s *runtimeState) walletOptions() chain.WalletOptions {
	opts := chain.DefaultWalletOptions()
	opts.RPCOverrides = s.settings.RPCOverrides
	opts.Logger = s.log
	return opts
}

// readProvider never fails: an unreachable node yields an offline provider
// and partial data, not a dead command.
func (s *runtimeState) readProvider(ctx context.Context, chainID int64, account common.Address, hasAccount bool) chain.Provider {
	w, err := chain.NewReadOnly(ctx, chainID, s.walletOptions())
	if err != nil {
		s.log.Warn("chain node unreachable, serving degraded data",
			zap.Int64("chain", chainID), zap.Error(err))
		return offlineProvider{err: err}
	}
	if hasAccount {
		return accountProvider{Provider: w, addr: account}
	}
	return w
}

func (s *runtimeState) signingProvider(ctx context.Context, chainID int64) (chain.Provider, error) {
	txSigner, err := signer.NewLocalSignerFromEnv(s.settings.PrivateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeAuth, "load signing key", err)
	}
	w, err := chain.NewWallet(ctx, chainID, txSigner, s.walletOptions())
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect to chain node", err)
	}
	return w, nil
}
