package reader

import (
	"math"
	"math/big"
)

// SecondsPerYear is the compounding period count used by Aave-style pools.
const SecondsPerYear = 31_536_000

var ray = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))

// RayRateToAPY converts an Aave v3 ray-scaled annual liquidity rate (APR,
// 1e27 = 100%) into an annualized percentage yield with per-second
// compounding:
//
//	APY = (1 + APR/SecondsPerYear)^SecondsPerYear - 1
//
// Getting this formula wrong silently misreports return to the user, so it
// stays a named pure function with direct tests.
func RayRateToAPY(rate *big.Int) float64 {
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	apr, _ := new(big.Float).Quo(new(big.Float).SetInt(rate), ray).Float64()
	if math.IsNaN(apr) || math.IsInf(apr, 0) || apr < 0 {
		return 0
	}
	apy := math.Pow(1+apr/SecondsPerYear, SecondsPerYear) - 1
	if math.IsNaN(apy) || math.IsInf(apy, 0) || apy < 0 {
		return 0
	}
	return apy * 100
}
