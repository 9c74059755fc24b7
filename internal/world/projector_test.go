package world

import (
	"context"
	"testing"

	"void-reckoning/dashboard/internal/bus"
)

func TestStyxSevenTally(t *testing.T) {
	p := NewProjector()
	changed := p.ApplyEntityUpdates([]EntityUpdate{
		{EntityID: "p1", RegionName: "Styx-7", Owner: "A"},
		{EntityID: "p2", RegionName: "Styx-7", Owner: "A"},
		{EntityID: "p3", RegionName: "Styx-7", Owner: "B"},
	})
	if !changed {
		t.Fatalf("expected first batch to change the projection")
	}
	region, ok := p.Region("Styx-7")
	if !ok {
		t.Fatalf("expected Styx-7 to be projected")
	}
	if region.Control["A"] != 2 || region.Control["B"] != 1 || len(region.Control) != 2 {
		t.Fatalf("expected {A:2 B:1}, got %v", region.Control)
	}
	if region.DominantOwner != "A" {
		t.Fatalf("expected dominant owner A, got %q", region.DominantOwner)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := NewProjector()
	batch := []EntityUpdate{
		{EntityID: "p1", RegionName: "Styx-7", Owner: "A"},
		{EntityID: "p2", RegionName: "Cadia", Owner: "B"},
	}
	if !p.ApplyEntityUpdates(batch) {
		t.Fatalf("expected first application to change")
	}
	revision := p.Revision()
	if p.ApplyEntityUpdates(batch) {
		t.Fatalf("expected second application to report no change")
	}
	if p.Revision() != revision {
		t.Fatalf("expected revision to stay at %d, got %d", revision, p.Revision())
	}
}

func TestTieBreaksLexicographically(t *testing.T) {
	cases := []struct {
		name    string
		control map[string]int
		want    string
	}{
		{"empty", map[string]int{}, Neutral},
		{"nil", nil, Neutral},
		{"single", map[string]int{"Orks": 1}, "Orks"},
		{"tie", map[string]int{"Tau": 2, "Eldar": 2, "Orks": 1}, "Eldar"},
		{"max wins over order", map[string]int{"Aeldari": 1, "Zerg": 3}, "Zerg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				if got := Dominant(tc.control); got != tc.want {
					t.Fatalf("expected %q, got %q", tc.want, got)
				}
			}
		})
	}
}

func TestDominantIsAlwaysAMaxKey(t *testing.T) {
	batches := [][]EntityUpdate{
		{{EntityID: "1", RegionName: "R", Owner: "B"}, {EntityID: "2", RegionName: "R", Owner: "A"}},
		{{EntityID: "1", RegionName: "R", Owner: "C"}, {EntityID: "2", RegionName: "R", Owner: "C"}, {EntityID: "3", RegionName: "R", Owner: "A"}},
		{{EntityID: "1", RegionName: "R", Owner: ""}},
	}
	p := NewProjector()
	for _, batch := range batches {
		p.ApplyEntityUpdates(batch)
		region, _ := p.Region("R")
		if len(region.Control) == 0 {
			if region.DominantOwner != Neutral {
				t.Fatalf("expected Neutral for empty control, got %q", region.DominantOwner)
			}
			continue
		}
		top, ok := region.Control[region.DominantOwner]
		if !ok {
			t.Fatalf("dominant owner %q missing from control %v", region.DominantOwner, region.Control)
		}
		for faction, count := range region.Control {
			if count > top {
				t.Fatalf("faction %s has %d > dominant %d", faction, count, top)
			}
		}
	}
}

func TestUnmentionedRegionsKeepProjection(t *testing.T) {
	p := NewProjector()
	p.ApplyEntityUpdates([]EntityUpdate{
		{EntityID: "p1", RegionName: "Styx-7", Owner: "A"},
		{EntityID: "p2", RegionName: "Cadia", Owner: "B"},
	})
	changed := p.ApplyEntityUpdates([]EntityUpdate{{EntityID: "p2", RegionName: "Cadia", Owner: "C"}})
	if !changed {
		t.Fatalf("expected Cadia change to be reported")
	}
	styx, _ := p.Region("Styx-7")
	if styx.DominantOwner != "A" || styx.Control["A"] != 1 {
		t.Fatalf("expected Styx-7 untouched, got %+v", styx)
	}
	cadia, _ := p.Region("Cadia")
	if cadia.DominantOwner != "C" || len(cadia.Control) != 1 {
		t.Fatalf("expected Cadia recomputed from the batch, got %+v", cadia)
	}
}

func TestUnownedEntitiesAreNotTallied(t *testing.T) {
	p := NewProjector()
	p.ApplyEntityUpdates([]EntityUpdate{
		{EntityID: "p1", RegionName: "Styx-7", Owner: "A"},
	})
	changed := p.ApplyEntityUpdates([]EntityUpdate{
		{EntityID: "p1", RegionName: "Styx-7", Owner: ""},
		{EntityID: "p2", RegionName: "Styx-7", Owner: Neutral},
	})
	if !changed {
		t.Fatalf("expected loss of ownership to be reported")
	}
	region, _ := p.Region("Styx-7")
	if len(region.Control) != 0 || region.DominantOwner != Neutral {
		t.Fatalf("expected empty control and Neutral owner, got %+v", region)
	}
}

func TestDuplicateEntityInBatchCountsOnce(t *testing.T) {
	p := NewProjector()
	p.ApplyEntityUpdates([]EntityUpdate{
		{EntityID: "p1", RegionName: "Styx-7", Owner: "A"},
		{EntityID: "p1", RegionName: "Styx-7", Owner: "B"},
	})
	region, _ := p.Region("Styx-7")
	if len(region.Control) != 1 || region.Control["B"] != 1 {
		t.Fatalf("expected last report for p1 to win, got %v", region.Control)
	}
}

func TestSeedAndRegionsOrdering(t *testing.T) {
	p := NewProjector()
	p.Seed([]RegionControl{
		{RegionName: "Terra", Control: map[string]int{"Imperium": 4}},
		{RegionName: "Cadia", Control: map[string]int{"Imperium": 1, "Chaos": 1}},
		{RegionName: "Void"},
	})
	regions := p.Regions()
	if len(regions) != 3 || regions[0].RegionName != "Cadia" || regions[2].RegionName != "Void" {
		t.Fatalf("expected regions sorted by name, got %+v", regions)
	}
	if regions[0].DominantOwner != "Chaos" {
		t.Fatalf("expected tie to resolve to Chaos, got %q", regions[0].DominantOwner)
	}
	if regions[2].DominantOwner != Neutral {
		t.Fatalf("expected empty region to be Neutral, got %q", regions[2].DominantOwner)
	}

	regions[1].Control["Imperium"] = 99
	terra, _ := p.Region("Terra")
	if terra.Control["Imperium"] != 4 {
		t.Fatalf("expected Regions to return copies")
	}
}

func TestAttachPublishesOnChangeOnly(t *testing.T) {
	b := bus.New()
	p := NewProjector()
	p.Attach(b)
	var signals []Changed
	bus.Subscribe(b, bus.TopicWorldChanged, func(_ context.Context, c Changed) {
		signals = append(signals, c)
	})

	batch := []EntityUpdate{{EntityID: "p1", RegionName: "Styx-7", Owner: "A"}}
	b.Publish(context.Background(), bus.TopicEntityUpdates, batch)
	b.Publish(context.Background(), bus.TopicEntityUpdates, batch)

	if len(signals) != 1 || signals[0].Revision != 1 {
		t.Fatalf("expected one change signal at revision 1, got %+v", signals)
	}
}
