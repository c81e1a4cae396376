package reader

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/analytics"
	"github.com/tekr9d3r/euroyield/internal/chain"
	"github.com/tekr9d3r/euroyield/internal/id"
	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/registry"
)

// tvlSanityCeiling rejects obviously wrong TVL figures (decimal-shift
// errors); values above it keep the last known good reading.
const tvlSanityCeiling = 1e12

// Snapshot is one protocol+chain market reading. Loading flags are per field
// so partial data renders while the rest resolves.
type Snapshot struct {
	APY         float64
	TVL         float64
	UserDeposit float64
	Estimated   bool

	APYLoading     bool
	TVLLoading     bool
	DepositLoading bool

	FetchedAt time.Time
}

// Adapter produces snapshots for one protocol descriptor. Failed reads keep
// the previous field value and are logged, never propagated: nothing past
// the adapter boundary ever throws on a read path.
type Adapter struct {
	desc     protocol.Descriptor
	provider chain.Provider
	log      *zap.Logger

	mu   sync.Mutex
	last Snapshot
	has  bool
}

func New(desc protocol.Descriptor, provider chain.Provider, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{desc: desc, provider: provider, log: log}
}

func (a *Adapter) Descriptor() protocol.Descriptor { return a.desc }

// Snapshot refreshes all fields, falling back per field to the previous
// value on failure. pools may be nil when the analytics API is down.
func (a *Adapter) Snapshot(ctx context.Context, pools []analytics.Pool) Snapshot {
	a.mu.Lock()
	snap := a.last
	if !a.has {
		snap = Snapshot{
			APY:            a.desc.EstimatedAPY,
			Estimated:      true,
			APYLoading:     true,
			TVLLoading:     true,
			DepositLoading: true,
		}
	}
	a.mu.Unlock()

	if apy, estimated, err := a.readAPY(ctx, pools); err == nil {
		snap.APY = apy
		snap.Estimated = estimated
		snap.APYLoading = false
	} else {
		a.log.Warn("apy read failed, keeping previous value",
			zap.String("protocol", a.desc.ID), zap.Error(err))
	}

	if tvl, err := a.readTVL(ctx, pools); err == nil {
		if saneAmount(tvl) {
			snap.TVL = tvl
			snap.TVLLoading = false
		} else {
			a.log.Warn("implausible tvl, keeping previous value",
				zap.String("protocol", a.desc.ID), zap.Float64("tvl", tvl))
		}
	} else {
		a.log.Warn("tvl read failed, keeping previous value",
			zap.String("protocol", a.desc.ID), zap.Error(err))
	}

	if deposit, err := a.readDeposit(ctx); err == nil {
		if saneAmount(deposit) {
			snap.UserDeposit = deposit
			snap.DepositLoading = false
		}
	} else {
		a.log.Warn("deposit read failed, keeping previous value",
			zap.String("protocol", a.desc.ID), zap.Error(err))
	}

	snap.FetchedAt = time.Now().UTC()
	a.mu.Lock()
	a.last = snap
	a.has = true
	a.mu.Unlock()
	return snap
}

func (a *Adapter) readAPY(ctx context.Context, pools []analytics.Pool) (float64, bool, error) {
	if a.desc.Family == protocol.FamilyPool {
		if apy, err := a.readReserveAPY(ctx); err == nil {
			return apy, false, nil
		} else {
			a.log.Debug("reserve rate read failed, trying analytics",
				zap.String("protocol", a.desc.ID), zap.Error(err))
		}
	}
	if p, ok := analytics.Lookup(pools, a.desc.AnalyticsPool, a.desc.AnalyticsProject, a.desc.ChainName(), a.desc.Token.Symbol); ok {
		if p.APY != nil && saneRate(*p.APY) {
			return *p.APY, false, nil
		}
		if p.APYMean30D != nil && saneRate(*p.APYMean30D) {
			return *p.APYMean30D, false, nil
		}
	}
	// No oracle and no analytics record: degraded-fidelity static estimate.
	return a.desc.EstimatedAPY, true, nil
}

// readReserveAPY reads the pool's ray-scaled liquidity rate and annualizes
// it. Pool family only.
func (a *Adapter) readReserveAPY(ctx context.Context) (float64, error) {
	data, err := registry.Pool().Pack("getReserveData", a.desc.TokenAddress())
	if err != nil {
		return 0, fmt.Errorf("pack getReserveData: %w", err)
	}
	raw, err := a.provider.Call(ctx, a.desc.Target, data)
	if err != nil {
		return 0, err
	}
	out, err := registry.Pool().Unpack("getReserveData", raw)
	if err != nil {
		return 0, fmt.Errorf("decode reserve data: %w", err)
	}
	reserve := abi.ConvertType(out[0], new(reserveData)).(*reserveData)
	return RayRateToAPY(reserve.CurrentLiquidityRate), nil
}

// reserveData mirrors the pool's reserve tuple; only the liquidity rate is
// read, the rest rides along for the ABI conversion.
type reserveData struct {
	Configuration               *big.Int
	LiquidityIndex              *big.Int
	CurrentLiquidityRate        *big.Int
	VariableBorrowIndex         *big.Int
	CurrentVariableBorrowRate   *big.Int
	CurrentStableBorrowRate     *big.Int
	LastUpdateTimestamp         *big.Int
	Id                          uint16
	ATokenAddress               common.Address
	StableDebtTokenAddress      common.Address
	VariableDebtTokenAddress    common.Address
	InterestRateStrategyAddress common.Address
	AccruedToTreasury           *big.Int
	Unbacked                    *big.Int
	IsolationModeTotalDebt      *big.Int
}

func (a *Adapter) readTVL(ctx context.Context, pools []analytics.Pool) (float64, error) {
	var onChain float64
	var err error
	switch a.desc.Family {
	case protocol.FamilyPool:
		// The receipt token rebases 1:1 with the underlying, so its total
		// supply is the reserve's deposited balance.
		onChain, err = a.callAmount(ctx, a.desc.ShareToken, registry.ERC20(), "totalSupply")
	default:
		onChain, err = a.callAmount(ctx, a.vaultAddress(), registry.Vault(), "totalAssets")
	}
	if err == nil {
		return onChain, nil
	}
	if p, ok := analytics.Lookup(pools, a.desc.AnalyticsPool, a.desc.AnalyticsProject, a.desc.ChainName(), a.desc.Token.Symbol); ok && p.TVLUSD != nil {
		return *p.TVLUSD, nil
	}
	return 0, err
}

func (a *Adapter) readDeposit(ctx context.Context) (float64, error) {
	account, ok := a.provider.Account()
	if !ok {
		return 0, nil
	}
	data, err := registry.ERC20().Pack("balanceOf", account)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := a.provider.Call(ctx, a.desc.ShareToken, data)
	if err != nil {
		return 0, err
	}
	shares, err := unpackUint(registry.ERC20(), "balanceOf", raw)
	if err != nil {
		return 0, err
	}
	if a.desc.Family == protocol.FamilyPool {
		// aToken balances are asset-denominated already.
		return id.BaseUnitsToFloat(shares, a.desc.Token.Decimals), nil
	}
	if shares.Sign() == 0 {
		return 0, nil
	}
	convData, err := registry.Vault().Pack("convertToAssets", shares)
	if err != nil {
		return 0, fmt.Errorf("pack convertToAssets: %w", err)
	}
	raw, err = a.provider.Call(ctx, a.vaultAddress(), convData)
	if err != nil {
		return 0, err
	}
	assets, err := unpackUint(registry.Vault(), "convertToAssets", raw)
	if err != nil {
		return 0, err
	}
	return id.BaseUnitsToFloat(assets, a.desc.Token.Decimals), nil
}

// vaultAddress is the ERC-4626 contract answering share math: the action
// target for plain vaults, the share token behind a gateway.
func (a *Adapter) vaultAddress() common.Address {
	if a.desc.Family == protocol.FamilyGateway {
		return a.desc.ShareToken
	}
	return a.desc.Target
}

func (a *Adapter) callAmount(ctx context.Context, target common.Address, contractABI abi.ABI, method string) (float64, error) {
	data, err := contractABI.Pack(method)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := a.provider.Call(ctx, target, data)
	if err != nil {
		return 0, err
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return 0, fmt.Errorf("decode %s: %w", method, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("decode %s: unexpected type", method)
	}
	return id.BaseUnitsToFloat(n, a.desc.Token.Decimals), nil
}

func unpackUint(contractABI abi.ABI, method string, raw []byte) (*big.Int, error) {
	out, err := contractABI.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected type", method)
	}
	return n, nil
}

func saneAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= tvlSanityCeiling
}

func saneRate(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
