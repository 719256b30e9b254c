// Package stabling decides each night which trainsets run, go to
// maintenance or stand by, and places them on depot tracks.
package stabling

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/WessleyAI/fleetops/engine/depot"
	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/fn"
)

// Decision is the induction outcome for one asset.
type Decision string

const (
	Run      Decision = "Run"
	Maintain Decision = "Maintain"
	Standby  Decision = "Standby"
)

// OverflowTrack is assigned when a bay pool is exhausted.
const OverflowTrack = "OVERFLOW"

// moveWorkers bounds concurrent route pricing.
const moveWorkers = 4

// Asset is a trainset's planning input.
type Asset struct {
	ID           string  `json:"asset_id"`
	Risk         float64 `json:"risk"`
	Urgency      float64 `json:"urgency,omitempty"`
	MileageKm    float64 `json:"mileage_km"`
	CurrentTrack string  `json:"current_track,omitempty"`
}

// Move is the shunting needed to reach the assigned track.
type Move struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	Path         []string `json:"path,omitempty"`
	CostMetres   float64  `json:"cost_metres"`
	Switches     int      `json:"switches"`
	ShuntMinutes float64  `json:"shunt_minutes"`
	Manual       bool     `json:"manual,omitempty"`
}

// Assignment is one asset's decision and placement.
type Assignment struct {
	AssetID   string          `json:"asset_id"`
	Decision  Decision        `json:"decision"`
	Track     string          `json:"assigned_track"`
	BayType   depot.TrackType `json:"bay_type,omitempty"`
	Rationale string          `json:"rationale"`
	Overflow  bool            `json:"overflow,omitempty"`
	Move      *Move           `json:"move,omitempty"`
}

// Plan is the result of one planning run.
type Plan struct {
	DepotID     string         `json:"depot_id"`
	Assignments []Assignment   `json:"assignments"`
	Counts      map[string]int `json:"counts"`
	Overflow    int            `json:"overflow"`
	ManualMoves int            `json:"manual_moves"`
}

// Exhausted reports pool exhaustion as an error, or nil.
func (p Plan) Exhausted() error {
	if p.Overflow == 0 {
		return nil
	}
	return fmt.Errorf("%d assets on %s: %w", p.Overflow, OverflowTrack, domain.ErrResourceExhausted)
}

// Planner places assets on the tracks of one depot snapshot.
type Planner struct {
	snap *depot.Snapshot
}

// New creates a Planner over a depot snapshot.
func New(snap *depot.Snapshot) *Planner {
	return &Planner{snap: snap}
}

// RiskFromUrgency maps an urgency score onto a failure probability: urgency
// over 100, clamped to [0,1].
func RiskFromUrgency(urgency float64) float64 {
	if math.IsNaN(urgency) || urgency <= 0 {
		return 0
	}
	return math.Min(1, urgency/100)
}

func validateAssets(assets []Asset) error {
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		if err := domain.ValidateAssetID(a.ID); err != nil {
			return err
		}
		if seen[a.ID] {
			return domain.NewValidationError("asset_id", a.ID, fmt.Errorf("duplicate asset: %w", domain.ErrInvalidInput))
		}
		seen[a.ID] = true
		for name, v := range map[string]float64{"risk": a.Risk, "urgency": a.Urgency, "mileage_km": a.MileageKm} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return domain.NewValidationError(a.ID+"."+name, fmt.Sprint(v), domain.ErrOutOfRange)
			}
		}
		if a.Risk > 1 {
			return domain.NewValidationError(a.ID+".risk", fmt.Sprint(a.Risk), domain.ErrOutOfRange)
		}
	}
	return nil
}

// Decide applies the induction rules in order: at risk, committed, quota, rest.
func Decide(assets []Asset, c Constraints) (map[string]Decision, map[string]string) {
	decisions := make(map[string]Decision, len(assets))
	why := make(map[string]string, len(assets))

	for _, a := range assets {
		switch {
		case a.Risk > c.RiskThreshold:
			decisions[a.ID] = Maintain
			why[a.ID] = fmt.Sprintf("at risk: failure probability %.2f > %.2f", a.Risk, c.RiskThreshold)
		case c.UrgencyThreshold > 0 && a.Urgency > c.UrgencyThreshold:
			decisions[a.ID] = Maintain
			why[a.ID] = fmt.Sprintf("at risk: urgency %.1f > %.1f", a.Urgency, c.UrgencyThreshold)
		}
	}

	committed := make(map[string]bool, len(c.Committed))
	for _, id := range c.Committed {
		committed[id] = true
	}
	running := 0
	for _, a := range assets {
		if _, done := decisions[a.ID]; done || !committed[a.ID] {
			continue
		}
		decisions[a.ID] = Run
		why[a.ID] = "service commitment"
		running++
	}

	pool := fn.Filter(assets, func(a Asset) bool {
		_, done := decisions[a.ID]
		return !done
	})
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Risk != pool[j].Risk {
			return pool[i].Risk < pool[j].Risk
		}
		if pool[i].MileageKm != pool[j].MileageKm {
			return pool[i].MileageKm < pool[j].MileageKm
		}
		return pool[i].ID < pool[j].ID
	})
	for _, a := range pool {
		if running < c.ServiceQuota {
			running++
			decisions[a.ID] = Run
			why[a.ID] = fmt.Sprintf("service slot %d/%d (risk %.2f, %.0f km)", running, c.ServiceQuota, a.Risk, a.MileageKm)
			continue
		}
		decisions[a.ID] = Standby
		why[a.ID] = "service quota met"
	}
	return decisions, why
}

// bays is a pool of track positions ordered from easiest to hardest egress.
type bays struct {
	kind  depot.TrackType
	slots []depot.Track
}

func (b *bays) front() (depot.Track, bool) {
	if len(b.slots) == 0 {
		return depot.Track{}, false
	}
	t := b.slots[0]
	b.slots = b.slots[1:]
	return t, true
}

func (b *bays) back() (depot.Track, bool) {
	if len(b.slots) == 0 {
		return depot.Track{}, false
	}
	t := b.slots[len(b.slots)-1]
	b.slots = b.slots[:len(b.slots)-1]
	return t, true
}

// pools expands operational tracks into one slot per unit of capacity,
// nearest to the mainline first.
func pools(l depot.Layout) map[depot.TrackType]*bays {
	out := map[depot.TrackType]*bays{}
	for _, t := range l.Available() {
		p, ok := out[t.Type]
		if !ok {
			p = &bays{kind: t.Type}
			out[t.Type] = p
		}
		for i := 0; i < t.Capacity; i++ {
			p.slots = append(p.slots, t)
		}
	}
	for _, p := range out {
		sort.SliceStable(p.slots, func(i, j int) bool { return p.slots[i].DistanceMetres < p.slots[j].DistanceMetres })
	}
	return out
}

func poolOf(all map[depot.TrackType]*bays, kind depot.TrackType) *bays {
	if b, ok := all[kind]; ok {
		return b
	}
	b := &bays{kind: kind}
	all[kind] = b
	return b
}

// Plan decides and places every asset. Each asset gets exactly one
// assignment, in input order. Exhausted pools yield OVERFLOW assignments.
func (p *Planner) Plan(assets []Asset, c Constraints) (Plan, error) {
	if err := c.Validate(); err != nil {
		return Plan{}, err
	}
	if err := validateAssets(assets); err != nil {
		return Plan{}, err
	}
	decisions, why := Decide(assets, c)

	cleaning := make(map[string]bool, len(c.NeedsCleaning))
	for _, id := range c.NeedsCleaning {
		cleaning[id] = true
	}

	all := pools(p.snap.Layout)
	maint := poolOf(all, depot.TrackMaintenance)
	clean := poolOf(all, depot.TrackCleaning)
	stable := poolOf(all, depot.TrackStabling)

	placed := make(map[string]Assignment, len(assets))
	place := func(a Asset, b *bays, take func(*bays) (depot.Track, bool), note string) {
		out := Assignment{AssetID: a.ID, Decision: decisions[a.ID], Rationale: why[a.ID]}
		if note != "" {
			out.Rationale += "; " + note
		}
		if t, ok := take(b); ok {
			out.Track, out.BayType = t.ID, b.kind
		} else {
			out.Track, out.Overflow = OverflowTrack, true
			out.Rationale += fmt.Sprintf("; %s bays exhausted", b.kind)
		}
		placed[a.ID] = out
	}
	front := (*bays).front
	back := (*bays).back

	for _, a := range placementOrder(assets, decisions, cleaning) {
		switch d := decisions[a.ID]; {
		case d == Maintain:
			place(a, maint, front, "")
		case cleaning[a.ID] && len(clean.slots) > 0:
			place(a, clean, front, "needs cleaning")
		case cleaning[a.ID]:
			place(a, stable, front, "needs cleaning, no cleaning bay free")
		case d == Run:
			place(a, stable, front, "")
		default:
			place(a, stable, back, "")
		}
	}

	moves := fn.ParMap(assets, moveWorkers, func(a Asset) *Move {
		return p.move(a.CurrentTrack, placed[a.ID].Track, c.DefaultMoveCost)
	})
	plan := Plan{DepotID: p.snap.Layout.DepotID, Counts: map[string]int{}}
	for i, a := range assets {
		out := placed[a.ID]
		out.Move = moves[i]
		plan.Assignments = append(plan.Assignments, out)
	}
	for d, group := range fn.GroupBy(plan.Assignments, func(a Assignment) string { return string(a.Decision) }) {
		plan.Counts[d] = len(group)
	}
	plan.Overflow = fn.Count(plan.Assignments, func(a Assignment) bool { return a.Overflow })
	plan.ManualMoves = fn.Count(plan.Assignments, func(a Assignment) bool { return a.Move != nil && a.Move.Manual })
	return plan, nil
}

// placementOrder puts maintenance first, then assets not needing cleaning,
// runners before standby, and lower mileage first. Ties keep input order.
func placementOrder(assets []Asset, decisions map[string]Decision, cleaning map[string]bool) []Asset {
	class := func(a Asset) int {
		n := 0
		if decisions[a.ID] != Maintain {
			n += 4
		}
		if cleaning[a.ID] {
			n += 2
		}
		if decisions[a.ID] != Run {
			n++
		}
		return n
	}
	out := slices.Clone(assets)
	sort.SliceStable(out, func(i, j int) bool {
		if ci, cj := class(out[i]), class(out[j]); ci != cj {
			return ci < cj
		}
		return out[i].MileageKm < out[j].MileageKm
	})
	return out
}

// move prices the shunt from the current to the assigned track. A missing
// route or an OVERFLOW placement costs the default and needs manual handling.
func (p *Planner) move(from, to string, defaultCost float64) *Move {
	if from == "" || from == to {
		return nil
	}
	m := &Move{From: from, To: to}
	if to == OverflowTrack {
		m.CostMetres, m.Manual = defaultCost, true
		m.ShuntMinutes = shuntMinutes(m.CostMetres, 0)
		return m
	}
	path, err := p.snap.Graph.CheapestPath(from, to)
	if err != nil {
		m.CostMetres, m.Manual = defaultCost, true
		m.ShuntMinutes = shuntMinutes(m.CostMetres, 0)
		return m
	}
	m.Path, m.CostMetres, m.Switches = path.Steps, path.Cost, path.Hops
	m.ShuntMinutes = shuntMinutes(path.Cost, path.Hops)
	return m
}

// shuntMinutes: three minutes per switch plus one per 50 m, at least five.
func shuntMinutes(metres float64, switches int) float64 {
	return math.Max(5, float64(switches*3)+math.Floor(metres/50))
}

// Summary renders one line per decision for logs.
func (p Plan) Summary() string {
	parts := make([]string, 0, 3)
	for _, d := range []Decision{Run, Maintain, Standby} {
		parts = append(parts, fmt.Sprintf("%s=%d", d, p.Counts[string(d)]))
	}
	return strings.Join(parts, " ")
}
