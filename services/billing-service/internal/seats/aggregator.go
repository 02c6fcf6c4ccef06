package seats

import (
	"time"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusPending Status = "pending"
	StatusRemoved Status = "removed"
)

// Record is one member's billable access grant. Removed seats are kept for
// billing history and excluded from aggregation.
type Record struct {
	TenantID    string
	MemberID    string
	InviteToken string
	Tier        pricing.Tier
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Aggregate reduces seat records to count-per-tier. Active and pending seats
// both bill; pending invites already occupy a paid line item.
func Aggregate(records []Record) map[pricing.Tier]int {
	counts := map[pricing.Tier]int{}
	for _, rec := range records {
		if rec.Status == StatusRemoved {
			continue
		}
		counts[rec.Tier]++
	}
	return counts
}

// Diff is the set of line-item operations that turn the provider's current
// quantities into the proposed ones. The provider handles proration.
type Diff struct {
	ToCreate map[pricing.Tier]int
	ToUpdate map[pricing.Tier]int
	ToDelete []pricing.Tier
}

func (d Diff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// DiffQuantities compares tier quantity maps. Zero or negative proposed
// quantities count as absent.
func DiffQuantities(current, proposed map[pricing.Tier]int) Diff {
	d := Diff{
		ToCreate: map[pricing.Tier]int{},
		ToUpdate: map[pricing.Tier]int{},
	}
	for tier, want := range proposed {
		if want <= 0 {
			continue
		}
		have, ok := current[tier]
		switch {
		case !ok || have <= 0:
			d.ToCreate[tier] = want
		case have != want:
			d.ToUpdate[tier] = want
		}
	}
	for tier, have := range current {
		if have <= 0 {
			continue
		}
		if want, ok := proposed[tier]; !ok || want <= 0 {
			d.ToDelete = append(d.ToDelete, tier)
		}
	}
	return d
}

// ApplyDiff returns the result of applying d to current. Used by tests to
// check the round-trip property and by the reconciling push to predict the
// provider's post-apply state.
func ApplyDiff(current map[pricing.Tier]int, d Diff) map[pricing.Tier]int {
	out := map[pricing.Tier]int{}
	for tier, n := range current {
		if n > 0 {
			out[tier] = n
		}
	}
	for _, tier := range d.ToDelete {
		delete(out, tier)
	}
	for tier, n := range d.ToUpdate {
		out[tier] = n
	}
	for tier, n := range d.ToCreate {
		out[tier] = n
	}
	return out
}
