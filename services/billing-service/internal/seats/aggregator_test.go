package seats

import (
	"reflect"
	"testing"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
)

func TestAggregate_ExcludesRemoved(t *testing.T) {
	records := []Record{
		{MemberID: "m1", Tier: pricing.TierBasic, Status: StatusActive},
		{MemberID: "m2", Tier: pricing.TierBasic, Status: StatusPending},
		{MemberID: "m3", Tier: pricing.TierBasic, Status: StatusRemoved},
		{MemberID: "m4", Tier: pricing.TierPro, Status: StatusActive},
	}
	got := Aggregate(records)
	want := map[pricing.Tier]int{pricing.TierBasic: 2, pricing.TierPro: 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Aggregate = %v, want %v", got, want)
	}
}

func TestDiffQuantities(t *testing.T) {
	current := map[pricing.Tier]int{pricing.TierBasic: 3, pricing.TierPro: 2}
	proposed := map[pricing.Tier]int{pricing.TierBasic: 5, pricing.TierPremium: 1}

	d := DiffQuantities(current, proposed)

	if !reflect.DeepEqual(d.ToCreate, map[pricing.Tier]int{pricing.TierPremium: 1}) {
		t.Fatalf("ToCreate = %v", d.ToCreate)
	}
	if !reflect.DeepEqual(d.ToUpdate, map[pricing.Tier]int{pricing.TierBasic: 5}) {
		t.Fatalf("ToUpdate = %v", d.ToUpdate)
	}
	if len(d.ToDelete) != 1 || d.ToDelete[0] != pricing.TierPro {
		t.Fatalf("ToDelete = %v", d.ToDelete)
	}
}

func TestDiffQuantities_NoChange(t *testing.T) {
	m := map[pricing.Tier]int{pricing.TierBasic: 3}
	if d := DiffQuantities(m, m); !d.Empty() {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}

func TestDiffQuantities_ZeroProposedIsDelete(t *testing.T) {
	current := map[pricing.Tier]int{pricing.TierBasic: 3}
	proposed := map[pricing.Tier]int{pricing.TierBasic: 0}
	d := DiffQuantities(current, proposed)
	if len(d.ToDelete) != 1 || d.ToDelete[0] != pricing.TierBasic {
		t.Fatalf("zero quantity must delete the line item, got %+v", d)
	}
	if len(d.ToCreate) != 0 || len(d.ToUpdate) != 0 {
		t.Fatalf("unexpected creates/updates: %+v", d)
	}
}

// Applying diff(S1, S2) to S1 must land exactly on S2 for any pair of seat
// sets.
func TestDiff_RoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		current  []Record
		proposed []Record
	}{
		{
			"grow and shrink",
			[]Record{
				{MemberID: "a", Tier: pricing.TierBasic, Status: StatusActive},
				{MemberID: "b", Tier: pricing.TierBasic, Status: StatusActive},
				{MemberID: "c", Tier: pricing.TierPro, Status: StatusActive},
			},
			[]Record{
				{MemberID: "a", Tier: pricing.TierBasic, Status: StatusActive},
				{MemberID: "d", Tier: pricing.TierPremium, Status: StatusPending},
				{MemberID: "e", Tier: pricing.TierPremium, Status: StatusActive},
			},
		},
		{
			"empty to populated",
			nil,
			[]Record{{MemberID: "a", Tier: pricing.TierPro, Status: StatusActive}},
		},
		{
			"populated to empty",
			[]Record{{MemberID: "a", Tier: pricing.TierPro, Status: StatusActive}},
			nil,
		},
		{
			"removed seats never bill",
			[]Record{{MemberID: "a", Tier: pricing.TierBasic, Status: StatusActive}},
			[]Record{
				{MemberID: "a", Tier: pricing.TierBasic, Status: StatusRemoved},
				{MemberID: "b", Tier: pricing.TierBasic, Status: StatusActive},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			currentAgg := Aggregate(tc.current)
			proposedAgg := Aggregate(tc.proposed)
			got := ApplyDiff(currentAgg, DiffQuantities(currentAgg, proposedAgg))

			// Normalize: absent and zero are the same state.
			for k, v := range proposedAgg {
				if v == 0 {
					delete(proposedAgg, k)
				}
			}
			if !reflect.DeepEqual(got, proposedAgg) {
				t.Fatalf("round trip = %v, want %v", got, proposedAgg)
			}
		})
	}
}
