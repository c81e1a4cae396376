package id

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
)

type Chain struct {
	Name       string
	Slug       string
	EVMChainID int64
}

// Token is one EUR-pegged stablecoin deployment. Decimals differ per variant
// (EURC uses 6, EURe and agEUR use 18, EURS uses 2) and must always be looked
// up here, never assumed.
type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", EVMChainID: 1},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", EVMChainID: 1},
	"gnosis":    {Name: "Gnosis", Slug: "gnosis", EVMChainID: 100},
	"polygon":   {Name: "Polygon", Slug: "polygon", EVMChainID: 137},
	"base":      {Name: "Base", Slug: "base", EVMChainID: 8453},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", EVMChainID: 43114},
}

var chainByID = map[int64]Chain{
	1:     chainBySlug["ethereum"],
	100:   chainBySlug["gnosis"],
	137:   chainBySlug["polygon"],
	8453:  chainBySlug["base"],
	43114: chainBySlug["avalanche"],
}

// EUR stablecoin registry keyed by EVM chain id.
var tokenRegistry = map[int64][]Token{
	1: {
		{Symbol: "EURC", Address: "0x1aBaEA1f7C830bD89Acc67eC4af516284b1bC33c", Decimals: 6},
		{Symbol: "EURS", Address: "0xdB25f211AB05b1c97D595516F45794528a807ad8", Decimals: 2},
		{Symbol: "agEUR", Address: "0x1a7e4e63778B4f12a199C062f3eFdD288afCBce8", Decimals: 18},
	},
	100: {
		{Symbol: "EURe", Address: "0xcB444e90D8198415266c6a2724b7900fb12FC56E", Decimals: 18},
	},
	137: {
		{Symbol: "agEUR", Address: "0xE0B52e49357Fd4DAf2c15e02058DCE6BC0057db4", Decimals: 18},
		{Symbol: "EURS", Address: "0xE111178A87A3BFf0c8d18DECBa5798827539Ae99", Decimals: 2},
	},
	8453: {
		{Symbol: "EURC", Address: "0x60a3E35Cc302bFA44Cb288Bc5a4F316Fdb1adb42", Decimals: 6},
	},
	43114: {
		{Symbol: "EURC", Address: "0xC891EB4cbdEFf6e073e859e987815Ed1505c2ACD", Decimals: 6},
	},
}

func ParseChain(input string) (Chain, error) {
	raw := strings.ToLower(strings.TrimSpace(input))
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := chainBySlug[raw]; ok {
		return chain, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if chain, ok := chainByID[n]; ok {
			return chain, nil
		}
	}
	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain: %s", input))
}

func ChainByID(chainID int64) (Chain, bool) {
	chain, ok := chainByID[chainID]
	return chain, ok
}

func ChainName(chainID int64) string {
	if chain, ok := chainByID[chainID]; ok {
		return chain.Name
	}
	return fmt.Sprintf("EVM-%d", chainID)
}

// KnownToken resolves a EUR stablecoin by symbol on a chain.
func KnownToken(chainID int64, symbol string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, address) {
			return t, true
		}
	}
	return Token{}, false
}

// NormalizeAddress canonicalizes an EVM address. Invalid input is signalled
// through ok=false, never by panicking.
func NormalizeAddress(value string) (common.Address, bool) {
	clean := strings.TrimSpace(value)
	if !common.IsHexAddress(clean) {
		return common.Address{}, false
	}
	return common.HexToAddress(clean), true
}
