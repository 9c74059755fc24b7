// Package world folds per-entity ownership reports into per-region control
// tallies.
package world

import (
	"maps"
	"sort"
	"sync"
)

// Neutral is the dominant owner of a region nobody controls. Entities
// reported without an owner, or owned by Neutral, are not tallied.
const Neutral = "Neutral"

func unowned(owner string) bool {
	return owner == "" || owner == Neutral
}

// EntityUpdate reports the current owner of one entity.
type EntityUpdate struct {
	EntityID   string `json:"entity_id"`
	RegionName string `json:"region_name"`
	Owner      string `json:"owner"`
}

type RegionControl struct {
	RegionName    string         `json:"region_name"`
	Control       map[string]int `json:"control"`
	DominantOwner string         `json:"dominant_owner"`
}

func (r RegionControl) clone() RegionControl {
	r.Control = maps.Clone(r.Control)
	if r.Control == nil {
		r.Control = map[string]int{}
	}
	return r
}

func (r RegionControl) equal(other RegionControl) bool {
	return r.DominantOwner == other.DominantOwner && maps.Equal(r.Control, other.Control)
}

// Dominant returns the faction with the strictly highest count. Ties go to
// the lexicographically smallest faction; an empty tally is Neutral.
func Dominant(control map[string]int) string {
	best, bestCount, found := Neutral, 0, false
	factions := make([]string, 0, len(control))
	for faction := range control {
		factions = append(factions, faction)
	}
	sort.Strings(factions)
	for _, faction := range factions {
		if count := control[faction]; !found || count > bestCount {
			best, bestCount, found = faction, count, true
		}
	}
	return best
}

// Projector holds the latest RegionControl per region.
type Projector struct {
	mu       sync.RWMutex
	regions  map[string]RegionControl
	revision uint64
}

func NewProjector() *Projector {
	return &Projector{regions: make(map[string]RegionControl)}
}

// ApplyEntityUpdates treats the batch as the authoritative ownership of every
// entity it mentions. Each mentioned region is recomputed from this batch
// alone; regions the batch does not mention keep their projection. It reports
// whether any stored projection changed.
func (p *Projector) ApplyEntityUpdates(updates []EntityUpdate) bool {
	if len(updates) == 0 {
		return false
	}
	owners := make(map[string]map[string]string)
	for _, u := range updates {
		if u.RegionName == "" {
			continue
		}
		byEntity, ok := owners[u.RegionName]
		if !ok {
			byEntity = make(map[string]string)
			owners[u.RegionName] = byEntity
		}
		byEntity[u.EntityID] = u.Owner
	}

	next := make(map[string]RegionControl, len(owners))
	for region, byEntity := range owners {
		control := make(map[string]int, len(byEntity))
		for _, owner := range byEntity {
			if unowned(owner) {
				continue
			}
			control[owner]++
		}
		next[region] = RegionControl{RegionName: region, Control: control, DominantOwner: Dominant(control)}
	}
	return p.commit(next)
}

// Seed loads region tallies from a topology snapshot.
func (p *Projector) Seed(regions []RegionControl) bool {
	next := make(map[string]RegionControl, len(regions))
	for _, r := range regions {
		if r.RegionName == "" {
			continue
		}
		r = r.clone()
		delete(r.Control, Neutral)
		delete(r.Control, "")
		r.DominantOwner = Dominant(r.Control)
		next[r.RegionName] = r
	}
	return p.commit(next)
}

func (p *Projector) commit(next map[string]RegionControl) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false
	for region, control := range next {
		if previous, ok := p.regions[region]; ok && previous.equal(control) {
			continue
		}
		p.regions[region] = control
		changed = true
	}
	if changed {
		p.revision++
	}
	return changed
}

func (p *Projector) Region(name string) (RegionControl, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.regions[name]
	if !ok {
		return RegionControl{}, false
	}
	return r.clone(), true
}

// Regions returns every projection ordered by region name.
func (p *Projector) Regions() []RegionControl {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RegionControl, 0, len(p.regions))
	for _, r := range p.regions {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionName < out[j].RegionName })
	return out
}

// Revision increments on every change that ApplyEntityUpdates or Seed
// commits.
func (p *Projector) Revision() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.revision
}

func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.regions) > 0 {
		p.revision++
	}
	p.regions = make(map[string]RegionControl)
}
