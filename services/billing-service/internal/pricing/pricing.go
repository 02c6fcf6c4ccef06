package pricing

import (
	"fmt"
	"sort"
)

// Tier is a billable seat tier. Order matters for tenant-level plan
// derivation: the highest tier present on a subscription wins.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

var tierRank = map[Tier]int{
	TierBasic:   1,
	TierPro:     2,
	TierPremium: 3,
}

func ValidTier(t Tier) bool {
	_, ok := tierRank[t]
	return ok
}

// Higher reports whether a outranks b.
func Higher(a, b Tier) bool {
	return tierRank[a] > tierRank[b]
}

// Rate is the per-seat monthly price, internal cost and minimum acceptable
// margin for one tier. Amounts are cents.
type Rate struct {
	UnitPrice int64
	UnitCost  int64
	MinMargin float64
}

type Catalog map[Tier]Rate

func DefaultCatalog() Catalog {
	return Catalog{
		TierBasic:   {UnitPrice: 1200, UnitCost: 400, MinMargin: 0.40},
		TierPro:     {UnitPrice: 2400, UnitCost: 700, MinMargin: 0.45},
		TierPremium: {UnitPrice: 4900, UnitCost: 1500, MinMargin: 0.45},
	}
}

// Volume discount steps over the total seat count across all tiers.
// Percentages are integer percent to keep the arithmetic exact.
const MaxDiscountPercent = 25

func DiscountPercent(totalSeats int) int {
	switch {
	case totalSeats >= 20:
		return 25
	case totalSeats >= 10:
		return 20
	case totalSeats >= 5:
		return 10
	default:
		return 0
	}
}

type Line struct {
	Tier      Tier  `json:"tier"`
	Seats     int   `json:"seats"`
	UnitPrice int64 `json:"unit_price"`
	Subtotal  int64 `json:"subtotal"`
}

type Breakdown struct {
	Lines           []Line `json:"lines"`
	TotalSeats      int    `json:"total_seats"`
	ListSubtotal    int64  `json:"list_subtotal"`
	DiscountPercent int    `json:"discount_percent"`
	DiscountAmount  int64  `json:"discount_amount"`
	Total           int64  `json:"total"`
}

// Price is a pure function from tier seat counts to a full breakdown.
// No I/O: the same map always yields the same breakdown.
func Price(catalog Catalog, seatsByTier map[Tier]int) (Breakdown, error) {
	var b Breakdown
	tiers := make([]Tier, 0, len(seatsByTier))
	for t, n := range seatsByTier {
		if n < 0 {
			return Breakdown{}, fmt.Errorf("negative seat count %d for tier %s", n, t)
		}
		if n == 0 {
			continue
		}
		if _, ok := catalog[t]; !ok {
			return Breakdown{}, fmt.Errorf("tier %s not in catalog", t)
		}
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tierRank[tiers[i]] < tierRank[tiers[j]] })

	for _, t := range tiers {
		n := seatsByTier[t]
		rate := catalog[t]
		line := Line{
			Tier:      t,
			Seats:     n,
			UnitPrice: rate.UnitPrice,
			Subtotal:  rate.UnitPrice * int64(n),
		}
		b.Lines = append(b.Lines, line)
		b.TotalSeats += n
		b.ListSubtotal += line.Subtotal
	}

	b.DiscountPercent = DiscountPercent(b.TotalSeats)
	b.DiscountAmount = b.ListSubtotal * int64(b.DiscountPercent) / 100
	b.Total = b.ListSubtotal - b.DiscountAmount
	return b, nil
}

// ValidateMargins is the startup guard: for every tier the fully discounted
// price must still clear the tier's minimum margin. A violation is a
// configuration error and the process should not serve traffic.
func ValidateMargins(catalog Catalog) error {
	for t, rate := range catalog {
		if rate.UnitPrice <= 0 {
			return fmt.Errorf("pricing misconfigured: tier %s has non-positive unit price %d", t, rate.UnitPrice)
		}
		net := float64(rate.UnitPrice) * float64(100-MaxDiscountPercent) / 100
		margin := (net - float64(rate.UnitCost)) / net
		if margin < rate.MinMargin {
			return fmt.Errorf("pricing misconfigured: tier %s margin %.3f below minimum %.3f at max discount", t, margin, rate.MinMargin)
		}
	}
	return nil
}
