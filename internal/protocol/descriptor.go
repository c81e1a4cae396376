package protocol

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tekr9d3r/euroyield/internal/id"
)

// Family selects the contract shape the engine drives. All per-protocol
// differences (function signatures, approval target, sentinel support) live
// in the Descriptor so there is exactly one engine, not one per protocol.
type Family string

const (
	// FamilyPool is an Aave-style lending pool: supply/withdraw against the
	// pool, rebasing receipt token, MaxUint256 means "withdraw all".
	FamilyPool Family = "pool"
	// FamilyVault is a plain ERC-4626 vault: deposit assets, redeem shares,
	// exchange rate floats with accrued yield.
	FamilyVault Family = "vault"
	// FamilyGateway is a vault reached through an intermediary gateway
	// contract that also needs a share-spending allowance on redeem.
	FamilyGateway Family = "gateway"
)

type Descriptor struct {
	ID          string
	Name        string
	Brand       string
	Description string
	Family      Family

	ChainID int64
	Token   id.Token

	// Target receives the action transaction: the pool, the vault, or the
	// gateway depending on family.
	Target common.Address
	// ShareToken is the yield-bearing token the user holds (aToken or vault
	// share token); user deposit is derived from its balance, never tracked
	// locally.
	ShareToken common.Address

	// DepositSpender is the contract that pulls funds on deposit and must be
	// approved for exactly the deposited amount.
	DepositSpender common.Address
	// WithdrawNeedsApproval marks families where redeeming spends shares via
	// an intermediary, requiring a share allowance first.
	WithdrawNeedsApproval bool
	WithdrawSpender       common.Address

	// SupportsMaxWithdraw marks contracts honoring the MaxUint256 sentinel
	// for full withdrawal.
	SupportsMaxWithdraw bool

	// EstimatedAPY is the static fallback for protocols without an on-chain
	// rate oracle; entries built from it are flagged as estimated.
	EstimatedAPY float64

	// Analytics identity for the yields API lookup.
	AnalyticsProject string
	AnalyticsPool    string

	// Informational trust metadata; no effect on behavior.
	SafetyScore float64
	AuditURL    string
}

func (d Descriptor) ChainName() string {
	return id.ChainName(d.ChainID)
}

// TokenAddress returns the descriptor's stablecoin address in checksum form.
func (d Descriptor) TokenAddress() common.Address {
	return common.HexToAddress(d.Token.Address)
}
