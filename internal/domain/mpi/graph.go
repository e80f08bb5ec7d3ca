package mpi

import "github.com/google/uuid"

// MatchGraph is an undirected graph over a population where an edge joins
// two patients whose cached pair score reaches the threshold.
//
// Components are threshold-connectivity (single-linkage) clusters: two
// members can share a component through a chain of matches while scoring
// below the threshold against each other. Consumers that need a pairwise
// guarantee must read DuplicateGroup.Pairs, not membership alone.
type MatchGraph struct {
	threshold float64
	order     []uuid.UUID
	adj       map[uuid.UUID][]uuid.UUID
}

// BuildMatchGraph links every pair of ids whose score in cache is >= threshold.
// Pairs missing from the cache are treated as non-edges. Node order follows
// ids; each adjacency list follows the same order.
func BuildMatchGraph(ids []uuid.UUID, cache *PairScoreCache, threshold float64) *MatchGraph {
	g := &MatchGraph{
		threshold: threshold,
		order:     make([]uuid.UUID, 0, len(ids)),
		adj:       make(map[uuid.UUID][]uuid.UUID, len(ids)),
	}
	for _, id := range ids {
		if _, seen := g.adj[id]; seen {
			continue
		}
		g.order = append(g.order, id)
		g.adj[id] = nil
	}

	for i := 0; i < len(g.order); i++ {
		for j := i + 1; j < len(g.order); j++ {
			a, b := g.order[i], g.order[j]
			score, ok := cache.Get(a, b)
			if !ok || score < threshold {
				continue
			}
			g.adj[a] = append(g.adj[a], b)
			g.adj[b] = append(g.adj[b], a)
		}
	}
	return g
}

// Threshold returns the edge threshold the graph was built with.
func (g *MatchGraph) Threshold() float64 { return g.threshold }

// Neighbors returns the ids adjacent to id.
func (g *MatchGraph) Neighbors(id uuid.UUID) []uuid.UUID {
	return g.adj[id]
}

// EdgeCount returns the number of undirected edges.
func (g *MatchGraph) EdgeCount() int {
	n := 0
	for _, ns := range g.adj {
		n += len(ns)
	}
	return n / 2
}

// Components returns the connected components of size >= 2 in discovery
// order. Traversal is breadth-first from each unvisited node in population
// order, so the result is deterministic for a given input.
func (g *MatchGraph) Components() [][]uuid.UUID {
	visited := make(map[uuid.UUID]bool, len(g.order))
	var components [][]uuid.UUID

	for _, start := range g.order {
		if visited[start] {
			continue
		}
		visited[start] = true
		component := []uuid.UUID{start}
		for head := 0; head < len(component); head++ {
			for _, next := range g.adj[component[head]] {
				if visited[next] {
					continue
				}
				visited[next] = true
				component = append(component, next)
			}
		}
		if len(component) > 1 {
			components = append(components, component)
		}
	}
	return components
}
