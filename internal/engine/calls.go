package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/registry"
)

// aaveReferralCode is always zero; Aave's referral program is inactive.
const aaveReferralCode = uint16(0)

func (e *Engine) depositCalldata(ctx context.Context, amount *big.Int, account common.Address) ([]byte, error) {
	switch e.desc.Family {
	case protocol.FamilyPool:
		data, err := registry.Pool().Pack("supply", e.desc.TokenAddress(), amount, account, aaveReferralCode)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack supply calldata", err)
		}
		return data, nil
	case protocol.FamilyVault:
		data, err := registry.Vault().Pack("deposit", amount, account)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
		}
		return data, nil
	case protocol.FamilyGateway:
		minShares, err := e.quoteMinShares(ctx, amount)
		if err != nil {
			return nil, err
		}
		data, err := registry.Gateway().Pack("deposit", e.desc.TokenAddress(), amount, account, minShares)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack gateway deposit calldata", err)
		}
		return data, nil
	}
	return nil, clierr.New(clierr.CodeInternal, fmt.Sprintf("unknown protocol family %q", e.desc.Family))
}

// withdrawShares resolves the share amount a withdrawal will spend. Returns
// nil for families that withdraw by asset amount and never touch shares.
// Full-position withdrawals on share-based families read the live balance so
// accrued yield is included and rounding dust cannot strand a position.
func (e *Engine) withdrawShares(ctx context.Context, amount *big.Int, withdrawAll bool, account common.Address) (*big.Int, error) {
	switch e.desc.Family {
	case protocol.FamilyPool:
		return nil, nil
	case protocol.FamilyVault:
		if withdrawAll {
			return e.readShareBalance(ctx, account)
		}
		return nil, nil
	case protocol.FamilyGateway:
		if withdrawAll {
			return e.readShareBalance(ctx, account)
		}
		return e.quoteShares(ctx, amount)
	}
	return nil, clierr.New(clierr.CodeInternal, fmt.Sprintf("unknown protocol family %q", e.desc.Family))
}

func (e *Engine) withdrawCalldata(ctx context.Context, amount, shares *big.Int, withdrawAll bool, account common.Address) ([]byte, error) {
	switch e.desc.Family {
	case protocol.FamilyPool:
		requested := amount
		if withdrawAll && e.desc.SupportsMaxWithdraw {
			requested = MaxUint256
		}
		data, err := registry.Pool().Pack("withdraw", e.desc.TokenAddress(), requested, account)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
		}
		return data, nil
	case protocol.FamilyVault:
		if withdrawAll {
			data, err := registry.Vault().Pack("redeem", shares, account, account)
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "pack redeem calldata", err)
			}
			return data, nil
		}
		data, err := registry.Vault().Pack("withdraw", amount, account, account)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
		}
		return data, nil
	case protocol.FamilyGateway:
		minAssets, err := e.quoteMinAssets(ctx, shares)
		if err != nil {
			return nil, err
		}
		data, err := registry.Gateway().Pack("redeem", shares, account, minAssets)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack gateway redeem calldata", err)
		}
		return data, nil
	}
	return nil, clierr.New(clierr.CodeInternal, fmt.Sprintf("unknown protocol family %q", e.desc.Family))
}

func (e *Engine) readShareBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	calldata, err := registry.ERC20().Pack("balanceOf", account)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf calldata", err)
	}
	raw, err := e.provider.Call(ctx, e.desc.ShareToken, calldata)
	if err != nil {
		return nil, err
	}
	return unpackBig(registry.ERC20(), "balanceOf", raw)
}

// quoteShares asks the vault how many shares an asset amount is worth.
func (e *Engine) quoteShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	calldata, err := registry.Vault().Pack("convertToShares", assets)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack convertToShares calldata", err)
	}
	raw, err := e.provider.Call(ctx, e.desc.ShareToken, calldata)
	if err != nil {
		return nil, err
	}
	return unpackBig(registry.Vault(), "convertToShares", raw)
}

func (e *Engine) quoteMinShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	shares, err := e.quoteShares(ctx, assets)
	if err != nil {
		return nil, err
	}
	return applySlippage(shares), nil
}

func (e *Engine) quoteMinAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	calldata, err := registry.Vault().Pack("convertToAssets", shares)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack convertToAssets calldata", err)
	}
	raw, err := e.provider.Call(ctx, e.desc.ShareToken, calldata)
	if err != nil {
		return nil, err
	}
	assets, err := unpackBig(registry.Vault(), "convertToAssets", raw)
	if err != nil {
		return nil, err
	}
	return applySlippage(assets), nil
}

func unpackBig(contract abi.ABI, method string, raw []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method+" response", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid "+method+" response")
	}
	return v, nil
}

func applySlippage(quote *big.Int) *big.Int {
	min := new(big.Int).Mul(quote, big.NewInt(10000-slippageBps))
	return min.Div(min, big.NewInt(10000))
}
