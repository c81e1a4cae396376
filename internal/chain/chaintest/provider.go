// Package chaintest provides a scripted in-memory chain provider for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tekr9d3r/euroyield/internal/chain"
)

type SentTx struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Provider implements chain.Provider with pluggable behavior per capability.
type Provider struct {
	mu sync.Mutex

	Addr      common.Address
	Connected bool
	Chain     int64

	CallFn    func(to common.Address, data []byte) ([]byte, error)
	SendFn    func(to common.Address, data []byte, value *big.Int) (chain.TxHandle, error)
	ReceiptFn func(handle chain.TxHandle) (chain.Receipt, error)

	Sent       []SentTx
	SwitchedTo []int64
}

func New(addr common.Address, chainID int64) *Provider {
	return &Provider{Addr: addr, Connected: true, Chain: chainID}
}

func (p *Provider) Account() (common.Address, bool) {
	if !p.Connected {
		return common.Address{}, false
	}
	return p.Addr, true
}

func (p *Provider) ChainID(ctx context.Context) (int64, error) {
	return p.Chain, nil
}

func (p *Provider) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if p.CallFn == nil {
		return nil, fmt.Errorf("chaintest: no CallFn scripted")
	}
	return p.CallFn(to, data)
}

func (p *Provider) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (chain.TxHandle, error) {
	p.mu.Lock()
	p.Sent = append(p.Sent, SentTx{To: to, Data: data, Value: value})
	n := len(p.Sent)
	p.mu.Unlock()
	if p.SendFn != nil {
		return p.SendFn(to, data, value)
	}
	return chain.TxHandle(fmt.Sprintf("0x%064x", n)), nil
}

func (p *Provider) WaitReceipt(ctx context.Context, handle chain.TxHandle) (chain.Receipt, error) {
	if p.ReceiptFn != nil {
		return p.ReceiptFn(handle)
	}
	return chain.Receipt{TxHash: common.HexToHash(string(handle)), Status: chain.ReceiptStatusSuccessful}, nil
}

func (p *Provider) SwitchChain(ctx context.Context, chainID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SwitchedTo = append(p.SwitchedTo, chainID)
	p.Chain = chainID
	return nil
}

// SentCount returns how many transactions were broadcast.
func (p *Provider) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sent)
}
