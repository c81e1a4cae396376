package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/chain/signer"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/registry"
)

type WalletOptions struct {
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
	GasMultiplier  float64
	RPCOverrides   map[int64]string
	Logger         *zap.Logger
}

func DefaultWalletOptions() WalletOptions {
	return WalletOptions{
		PollInterval:   2 * time.Second,
		ReceiptTimeout: 2 * time.Minute,
		GasMultiplier:  1.2,
	}
}

// Wallet implements Provider over an ethclient connection and an optional
// local signer. A nil signer yields a read-only provider: Account reports
// not-connected and Send fails before any broadcast.
type Wallet struct {
	mu      sync.Mutex
	client  *ethclient.Client
	chainID int64
	signer  signer.Signer
	opts    WalletOptions
	log     *zap.Logger
}

func NewWallet(ctx context.Context, chainID int64, txSigner signer.Signer, opts WalletOptions) (*Wallet, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client, err := dial(ctx, chainID, opts)
	if err != nil {
		return nil, err
	}
	return &Wallet{client: client, chainID: chainID, signer: txSigner, opts: opts, log: opts.Logger}, nil
}

// NewReadOnly connects without signing capability.
func NewReadOnly(ctx context.Context, chainID int64, opts WalletOptions) (*Wallet, error) {
	return NewWallet(ctx, chainID, nil, opts)
}

func dial(ctx context.Context, chainID int64, opts WalletOptions) (*ethclient.Client, error) {
	override := ""
	if opts.RPCOverrides != nil {
		override = opts.RPCOverrides[chainID]
	}
	rpcURL, err := registry.ResolveRPCURL(override, chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return client, nil
}

func (w *Wallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		w.client.Close()
	}
}

func (w *Wallet) Account() (common.Address, bool) {
	if w.signer == nil {
		return common.Address{}, false
	}
	return w.signer.Address(), true
}

func (w *Wallet) ChainID(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *Wallet) SwitchChain(ctx context.Context, chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if chainID == w.chainID {
		return nil
	}
	client, err := dial(ctx, chainID, w.opts)
	if err != nil {
		return err
	}
	if w.client != nil {
		w.client.Close()
	}
	w.client = client
	w.chainID = chainID
	w.log.Debug("switched chain", zap.Int64("chain_id", chainID))
	return nil
}

func (w *Wallet) current() (*ethclient.Client, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client, w.chainID
}

func (w *Wallet) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	client, _ := w.current()
	msg := ethereum.CallMsg{To: &to, Data: data}
	if from, ok := w.Account(); ok {
		msg.From = from
	}
	out, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "contract read", err)
	}
	return out, nil
}

func (w *Wallet) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (TxHandle, error) {
	if w.signer == nil {
		return "", clierr.New(clierr.CodePrecondition, "no wallet connected")
	}
	client, chainID := w.current()
	if value == nil {
		value = big.NewInt(0)
	}
	from := w.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * w.opts.GasMultiplier)

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000) // 2 gwei fallback
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := w.signer.SignTx(big.NewInt(chainID), tx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	hash := signed.Hash()
	w.log.Info("broadcast transaction", zap.String("tx", hash.Hex()), zap.String("to", to.Hex()))
	return TxHandle(hash.Hex()), nil
}

func (w *Wallet) WaitReceipt(ctx context.Context, handle TxHandle) (Receipt, error) {
	client, _ := w.current()
	hash := common.HexToHash(string(handle))

	waitCtx, cancel := context.WithTimeout(ctx, w.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return Receipt{TxHash: receipt.TxHash, Status: receipt.Status, BlockNumber: receipt.BlockNumber}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			// Transient RPC polling failures are ignored until timeout.
			w.log.Debug("receipt poll failed", zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			return Receipt{}, clierr.Wrap(clierr.CodeTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
