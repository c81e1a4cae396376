// Package aggregate merges per-protocol snapshots into the uniform entry
// list the presentation layer consumes, collapsing same-brand deployments
// across chains into grouped views and computing portfolio totals.
package aggregate

import (
	"sort"

	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/reader"
)

// Entry is the normalized view of one yield opportunity. A grouped entry is
// a read-only view over its members; transactions always target a concrete
// member, never the aggregate.
type Entry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Description string   `json:"description,omitempty"`
	ChainID     int64    `json:"chainId,omitempty"`
	Chains      []string `json:"chains"`
	TokenSymbol string   `json:"token"`

	APY       float64 `json:"apy"`
	Estimated bool    `json:"estimated,omitempty"`
	TVL       float64 `json:"tvl"`
	Deposit   float64 `json:"deposit"`

	Loading    bool `json:"loading,omitempty"`
	Actionable bool `json:"actionable"`

	Grouped bool    `json:"grouped,omitempty"`
	Members []Entry `json:"members,omitempty"`

	SafetyScore float64 `json:"safetyScore,omitempty"`
	AuditURL    string  `json:"auditUrl,omitempty"`
}

type Totals struct {
	TotalDeposited float64 `json:"totalDeposited"`
	// AverageAPY is deposit-weighted. With nothing deposited it falls back
	// to the first entry reporting a positive yield, so the headline number
	// is a plausible "what you would earn" rather than zero.
	AverageAPY float64 `json:"averageApy"`
}

// Build produces the ordered entry list from the descriptor table and the
// latest snapshots. Brands with more than one deployment are collapsed into
// one grouped entry at the position of their first member; single
// deployments pass through as concrete entries.
func Build(descs []protocol.Descriptor, snaps map[string]reader.Snapshot) []Entry {
	concrete := make([]Entry, 0, len(descs))
	for _, d := range descs {
		concrete = append(concrete, fromSnapshot(d, snaps[d.ID]))
	}

	byBrand := make(map[string][]Entry)
	order := make([]string, 0, len(concrete))
	for _, e := range concrete {
		if _, seen := byBrand[e.Brand]; !seen {
			order = append(order, e.Brand)
		}
		byBrand[e.Brand] = append(byBrand[e.Brand], e)
	}

	out := make([]Entry, 0, len(order))
	for _, brand := range order {
		members := byBrand[brand]
		if len(members) == 1 {
			out = append(out, members[0])
			continue
		}
		out = append(out, group(brand, members))
	}
	return out
}

// group collapses same-brand members: best APY wins, value and deposits sum,
// chain list is the union.
func group(brand string, members []Entry) Entry {
	g := Entry{
		ID:      "group:" + members[0].Brand,
		Name:    brand,
		Brand:   brand,
		Grouped: true,
		Members: members,
	}
	chains := make(map[string]bool)
	for _, m := range members {
		if m.APY > g.APY {
			g.APY = m.APY
			g.Estimated = m.Estimated
			g.TokenSymbol = m.TokenSymbol
			g.Description = m.Description
			g.SafetyScore = m.SafetyScore
			g.AuditURL = m.AuditURL
		}
		g.TVL += m.TVL
		g.Deposit += m.Deposit
		g.Loading = g.Loading || m.Loading
		g.Actionable = g.Actionable || m.Actionable
		for _, c := range m.Chains {
			chains[c] = true
		}
	}
	g.Chains = make([]string, 0, len(chains))
	for c := range chains {
		g.Chains = append(g.Chains, c)
	}
	sort.Strings(g.Chains)
	return g
}

func fromSnapshot(d protocol.Descriptor, s reader.Snapshot) Entry {
	loading := s.APYLoading || s.TVLLoading || s.DepositLoading
	return Entry{
		ID:          d.ID,
		Name:        d.Name,
		Brand:       d.Brand,
		Description: d.Description,
		ChainID:     d.ChainID,
		Chains:      []string{d.ChainName()},
		TokenSymbol: d.Token.Symbol,
		APY:         s.APY,
		Estimated:   s.Estimated,
		TVL:         s.TVL,
		Deposit:     s.UserDeposit,
		Loading:     loading,
		Actionable:  !loading,
		SafetyScore: d.SafetyScore,
		AuditURL:    d.AuditURL,
	}
}

// ComputeTotals sums deposits and derives the deposit-weighted average APY
// over the already-collapsed entry list.
func ComputeTotals(entries []Entry) Totals {
	var t Totals
	var weighted float64
	for _, e := range entries {
		t.TotalDeposited += e.Deposit
		weighted += e.Deposit * e.APY
	}
	if t.TotalDeposited > 0 {
		t.AverageAPY = weighted / t.TotalDeposited
		return t
	}
	for _, e := range entries {
		if e.APY > 0 {
			t.AverageAPY = e.APY
			break
		}
	}
	return t
}

// Member resolves a concrete, transactable entry by ID, looking through
// grouped views.
func Member(entries []Entry, entryID string) (Entry, bool) {
	for _, e := range entries {
		if e.Grouped {
			for _, m := range e.Members {
				if m.ID == entryID {
					return m, true
				}
			}
			continue
		}
		if e.ID == entryID {
			return e, true
		}
	}
	return Entry{}, false
}
