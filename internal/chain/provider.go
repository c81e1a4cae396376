package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxHandle identifies a broadcast transaction (hex hash). The UI layer links
// it to a block explorer.
type TxHandle string

func (h TxHandle) IsZero() bool { return h == "" }

type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber *big.Int
}

const ReceiptStatusSuccessful = uint64(1)

// Provider is the chain capability set the core depends on: connected
// account, active chain, read calls, write calls, receipt waits and chain
// switching. The core never depends on a concrete wallet implementation.
type Provider interface {
	// Account returns the connected account, or ok=false when no wallet is
	// connected.
	Account() (common.Address, bool)
	// ChainID returns the active chain id.
	ChainID(ctx context.Context) (int64, error)
	// Call issues a read-only contract call against the active chain.
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	// Send signs and broadcasts a contract call. The returned handle refers
	// to a real, irreversible on-chain effect.
	Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (TxHandle, error)
	// WaitReceipt blocks until the transaction is mined or ctx expires. An
	// implementation that cannot observe receipts returns
	// ErrReceiptUnsupported and callers fall back to a fixed settle delay.
	WaitReceipt(ctx context.Context, handle TxHandle) (Receipt, error)
	// SwitchChain makes chainID the active chain.
	SwitchChain(ctx context.Context, chainID int64) error
}
