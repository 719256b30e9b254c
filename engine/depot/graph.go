package depot

import (
	"container/heap"
	"fmt"

	"github.com/WessleyAI/fleetops/engine/domain"
)

type edge struct {
	to   int
	via  string
	cost float64
}

// Graph is the traversal view of a layout. Closed tracks are nodes without
// edges, so routes to or through them do not exist. Read-only after Build.
type Graph struct {
	fingerprint uint64
	tracks      []Track
	index       map[string]int
	adj         [][]edge
}

// Build derives a graph from a layout. Each switch makes every ordered pair of
// distinct traversable tracks it joins an edge costing the destination's entry cost.
func Build(l Layout) (*Graph, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	g := &Graph{
		fingerprint: l.Fingerprint(),
		tracks:      append([]Track(nil), l.Tracks...),
		index:       make(map[string]int, len(l.Tracks)),
		adj:         make([][]edge, len(l.Tracks)),
	}
	for i, t := range g.tracks {
		g.index[t.ID] = i
	}
	for _, s := range l.Switches {
		for _, a := range s.Tracks {
			ai := g.index[a]
			if !g.tracks[ai].Traversable() {
				continue
			}
			for _, b := range s.Tracks {
				bi := g.index[b]
				if a == b || !g.tracks[bi].Traversable() {
					continue
				}
				g.adj[ai] = append(g.adj[ai], edge{to: bi, via: s.ID, cost: g.tracks[bi].EntryCost()})
			}
		}
	}
	return g, nil
}

// Fingerprint of the layout the graph was built from.
func (g *Graph) Fingerprint() uint64 { return g.fingerprint }

// Path is a route: Steps alternates track, switch, track ... track.
type Path struct {
	Steps    []string `json:"path"`
	Tracks   []string `json:"tracks"`
	Switches []string `json:"switches"`
	Hops     int      `json:"hops"`
	Cost     float64  `json:"cost_metres"`
}

func (g *Graph) endpoints(start, end string) (int, int, error) {
	si, ok := g.index[start]
	if !ok || !g.tracks[si].Traversable() {
		return 0, 0, fmt.Errorf("track %s: %w", start, domain.ErrNotFound)
	}
	ei, ok := g.index[end]
	if !ok || !g.tracks[ei].Traversable() {
		return 0, 0, fmt.Errorf("track %s: %w", end, domain.ErrNotFound)
	}
	return si, ei, nil
}

type hop struct {
	prev int
	via  string
}

func (g *Graph) assemble(si, ei int, back map[int]hop) Path {
	var nodes []int
	var vias []string
	for n := ei; n != si; n = back[n].prev {
		nodes = append(nodes, n)
		vias = append(vias, back[n].via)
	}
	nodes = append(nodes, si)

	p := Path{Hops: len(vias)}
	for i := len(nodes) - 1; i >= 0; i-- {
		id := g.tracks[nodes[i]].ID
		p.Tracks = append(p.Tracks, id)
		p.Steps = append(p.Steps, id)
		if i > 0 {
			via := vias[i-1]
			p.Switches = append(p.Switches, via)
			p.Steps = append(p.Steps, via)
			p.Cost += g.tracks[nodes[i-1]].EntryCost()
		}
	}
	return p
}

// ShortestHops finds a route with the fewest switch traversals (BFS). Among
// equal-length routes the first discovered in adjacency order wins.
func (g *Graph) ShortestHops(start, end string) (Path, error) {
	si, ei, err := g.endpoints(start, end)
	if err != nil {
		return Path{}, err
	}
	back := map[int]hop{}
	visited := make([]bool, len(g.tracks))
	visited[si] = true
	queue := []int{si}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ei {
			return g.assemble(si, ei, back), nil
		}
		for _, e := range g.adj[cur] {
			if visited[e.to] {
				continue
			}
			visited[e.to] = true
			back[e.to] = hop{prev: cur, via: e.via}
			queue = append(queue, e.to)
		}
	}
	return Path{}, fmt.Errorf("no route %s -> %s: %w", start, end, domain.ErrNotFound)
}

type item struct {
	node int
	cost float64
}

type costQueue []item

func (q costQueue) Len() int           { return len(q) }
func (q costQueue) Less(i, j int) bool { return q[i].cost < q[j].cost }
func (q costQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *costQueue) Push(x any)        { *q = append(*q, x.(item)) }
func (q *costQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// CheapestPath finds the route with the lowest total entry cost (Dijkstra).
func (g *Graph) CheapestPath(start, end string) (Path, error) {
	si, ei, err := g.endpoints(start, end)
	if err != nil {
		return Path{}, err
	}
	best := map[int]float64{si: 0}
	back := map[int]hop{}
	q := &costQueue{{node: si}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(item)
		if cur.cost > best[cur.node] {
			continue // stale
		}
		if cur.node == ei {
			return g.assemble(si, ei, back), nil
		}
		for _, e := range g.adj[cur.node] {
			next := cur.cost + e.cost
			if known, ok := best[e.to]; ok && next >= known {
				continue
			}
			best[e.to] = next
			back[e.to] = hop{prev: cur.node, via: e.via}
			heap.Push(q, item{node: e.to, cost: next})
		}
	}
	return Path{}, fmt.Errorf("no route %s -> %s: %w", start, end, domain.ErrNotFound)
}

// Mode selects the route metric.
type Mode string

const (
	ModeHops Mode = "hops"
	ModeCost Mode = "cost"
)

// Route dispatches on mode.
func (g *Graph) Route(start, end string, mode Mode) (Path, error) {
	switch mode {
	case ModeHops:
		return g.ShortestHops(start, end)
	case ModeCost, "":
		return g.CheapestPath(start, end)
	default:
		return Path{}, domain.NewValidationError("mode", string(mode), domain.ErrOutOfRange)
	}
}
