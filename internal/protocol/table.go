package protocol

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tekr9d3r/euroyield/internal/id"
)

func mustToken(chainID int64, symbol string) id.Token {
	token, ok := id.KnownToken(chainID, symbol)
	if !ok {
		panic("protocol: unknown token " + symbol)
	}
	return token
}

// descriptors is the curated table of supported EUR yield deployments. One
// entry per protocol+chain pair; same-brand entries are grouped by the
// aggregator but remain individually addressable for transactions.
var descriptors = []Descriptor{
	{
		ID:                  "aave-v3-base",
		Name:                "Aave v3 (Base)",
		Brand:               "Aave v3",
		Description:         "EURC supplied to the Aave v3 lending pool on Base",
		Family:              FamilyPool,
		ChainID:             8453,
		Token:               mustToken(8453, "EURC"),
		Target:              common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"),
		ShareToken:          common.HexToAddress("0x90DA57E0A6C0d166BF15764E03b83745Dc90025B"),
		DepositSpender:      common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"),
		SupportsMaxWithdraw: true,
		EstimatedAPY:        2.1,
		AnalyticsProject:    "aave-v3",
		AnalyticsPool:       "2f2eff7c-1a46-4a29-958a-a41b35fcb8f4",
		SafetyScore:         92,
		AuditURL:            "https://aave.com/security",
	},
	{
		ID:                  "aave-v3-avalanche",
		Name:                "Aave v3 (Avalanche)",
		Brand:               "Aave v3",
		Description:         "EURC supplied to the Aave v3 lending pool on Avalanche",
		Family:              FamilyPool,
		ChainID:             43114,
		Token:               mustToken(43114, "EURC"),
		Target:              common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD"),
		ShareToken:          common.HexToAddress("0x6aB707Aca953eDAeFBc4fD23bA73294241490620"),
		DepositSpender:      common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD"),
		SupportsMaxWithdraw: true,
		EstimatedAPY:        1.8,
		AnalyticsProject:    "aave-v3",
		AnalyticsPool:       "5fd328af-4203-471b-bd16-1705c726d926",
		SafetyScore:         92,
		AuditURL:            "https://aave.com/security",
	},
	{
		ID:               "angle-steur",
		Name:             "Angle stEUR",
		Brand:            "Angle",
		Description:      "agEUR staked in the Angle savings vault on Ethereum",
		Family:           FamilyVault,
		ChainID:          1,
		Token:            mustToken(1, "agEUR"),
		Target:           common.HexToAddress("0x004626A008B1aCdC4c74ab51644093b155e59A23"),
		ShareToken:       common.HexToAddress("0x004626A008B1aCdC4c74ab51644093b155e59A23"),
		DepositSpender:   common.HexToAddress("0x004626A008B1aCdC4c74ab51644093b155e59A23"),
		EstimatedAPY:     4.0,
		AnalyticsProject: "angle",
		AnalyticsPool:    "8c4f013c-7ae4-4c2a-a4c4-5a9b8e2c8ef1",
		SafetyScore:      85,
		AuditURL:         "https://docs.angle.money/resources/audits",
	},
	{
		ID:                    "monerium-gnosis",
		Name:                  "EURe Savings (Gnosis)",
		Brand:                 "EURe Savings",
		Description:           "EURe deposited through the savings gateway on Gnosis",
		Family:                FamilyGateway,
		ChainID:               100,
		Token:                 mustToken(100, "EURe"),
		Target:                common.HexToAddress("0x7f90122BF0700F9E7e1F688fe926940E8839F353"),
		ShareToken:            common.HexToAddress("0x5Cb9073902F2035222B9749F8fB0c9BFe5527108"),
		DepositSpender:        common.HexToAddress("0x7f90122BF0700F9E7e1F688fe926940E8839F353"),
		WithdrawNeedsApproval: true,
		WithdrawSpender:       common.HexToAddress("0x7f90122BF0700F9E7e1F688fe926940E8839F353"),
		EstimatedAPY:          3.2,
		AnalyticsProject:      "eure-savings",
		SafetyScore:           78,
	},
}

// All returns the descriptor table in display order.
func All() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

func ByID(protocolID string) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == protocolID {
			return d, true
		}
	}
	return Descriptor{}, false
}
