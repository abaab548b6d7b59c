// Package dag builds and linearizes conversation sub-DAGs.
//
// A conversation is a DAG of message nodes whose authoritative edges are
// each node's parent_ids. Answering a question with a given set of parent
// messages requires the ancestor closure of those parents, flattened into a
// role-tagged history. The flattening must respect dependency order, keep
// question/answer pairs adjacent, and be deterministic across runs.
package dag

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"

	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

var (
	// ErrEmptyParents means there is no seed to walk from; callers treat
	// this as "first question, no history".
	ErrEmptyParents = errors.New("empty parent set")

	// ErrInvalidDag means the stored graph contains a cycle.
	ErrInvalidDag = errors.New("invalid dag: cycle detected")
)

const (
	// batchSize bounds one GetMany round-trip during the upward walk.
	batchSize = 100

	// maxDepth caps BFS rounds. The visited set already guarantees
	// termination; the cap bounds pathological graphs injected by hand.
	maxDepth = 2000
)

// Graph is a sub-DAG: the ancestor closure of a seed set, plus the forward
// edges (parent -> children) between members.
type Graph struct {
	Nodes map[string]*store.MessageNode
	Edges map[string][]string
}

// Size returns the node count.
func (g *Graph) Size() int { return len(g.Nodes) }

// BuildSubDAG walks parent_ids upward from the seed set, fetching nodes in
// batches. Unknown IDs are skipped, not fatal: the graph is defined by what
// the store can produce. The seed nodes themselves are part of the result.
func BuildSubDAG(ctx context.Context, messages store.MessageStore, parentIDs []string) (*Graph, error) {
	if len(parentIDs) == 0 {
		return nil, ErrEmptyParents
	}

	g := &Graph{
		Nodes: make(map[string]*store.MessageNode),
		Edges: make(map[string][]string),
	}

	queue := append([]string(nil), parentIDs...)
	visited := make(map[string]bool)

	for depth := 0; len(queue) > 0 && depth < maxDepth; depth++ {
		n := len(queue)
		if n > batchSize {
			n = batchSize
		}
		batch := queue[:n]
		queue = queue[n:]

		fetched, err := messages.GetMany(ctx, batch)
		if err != nil {
			return nil, err
		}

		for _, node := range fetched {
			if visited[node.ID] {
				continue
			}
			visited[node.ID] = true
			g.Nodes[node.ID] = node

			for _, pid := range node.ParentIDs {
				if pid != "" && !visited[pid] {
					queue = append(queue, pid)
				}
			}
		}
	}
	if len(queue) > 0 {
		slog.Warn("dag traversal stopped at depth cap", "cap", maxDepth, "pending", len(queue))
	}

	// Forward edges, restricted to members of the sub-DAG.
	for id, node := range g.Nodes {
		for _, pid := range node.ParentIDs {
			if _, ok := g.Nodes[pid]; ok {
				g.Edges[pid] = append(g.Edges[pid], id)
			}
		}
	}
	return g, nil
}

// TopoSort linearizes the sub-DAG with a modified Kahn algorithm:
//
//   - dependency order: a parent always precedes its children;
//   - the root (in-degree zero within the sub-DAG) is emitted first;
//   - chain links are never cleaved: after emitting a node with exactly one
//     in-graph child whose only in-graph parent is that node, the child is
//     emitted immediately rather than returned to the ready queue, so Q/A
//     pairs and linear runs stay contiguous;
//   - ties among simultaneously-ready nodes break on (created_at, id), so
//     disjoint branches appear in creation order and the result is
//     deterministic.
//
// Returns ErrInvalidDag when the graph contains a cycle.
func TopoSort(g *Graph) ([]string, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for _, children := range g.Edges {
		for _, c := range children {
			inDegree[c]++
		}
	}
	// Original in-degree = number of in-graph parents; needed for the
	// chain check after the working copy is decremented.
	parentCount := make(map[string]int, len(g.Nodes))
	for id, d := range inDegree {
		parentCount[id] = d
	}

	ready := &nodeHeap{graph: g}
	heap.Init(ready)
	for id, d := range inDegree {
		if d == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(string)
		for n != "" {
			order = append(order, n)

			children := g.Edges[n]
			chain := len(children) == 1 && parentCount[children[0]] == 1

			next := ""
			for _, c := range children {
				inDegree[c]--
				if inDegree[c] != 0 {
					continue
				}
				if chain {
					next = c
				} else {
					heap.Push(ready, c)
				}
			}
			n = next
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, ErrInvalidDag
	}
	return order, nil
}

// History formats an ordered node sequence into the message array a model
// adapter expects. Reasoning traces are never echoed back to the model, and
// empty-content nodes (left by interrupted runs) are dropped.
func History(g *Graph, order []string) []providers.Message {
	out := make([]providers.Message, 0, len(order))
	for _, id := range order {
		node := g.Nodes[id]
		if node == nil || node.Content == "" {
			continue
		}
		out = append(out, providers.Message{Role: node.Role, Content: node.Content})
	}
	return out
}

// BuildHistory composes BuildSubDAG, TopoSort and History.
func BuildHistory(ctx context.Context, messages store.MessageStore, parentIDs []string) ([]providers.Message, error) {
	g, err := BuildSubDAG(ctx, messages, parentIDs)
	if err != nil {
		return nil, err
	}
	order, err := TopoSort(g)
	if err != nil {
		return nil, err
	}
	return History(g, order), nil
}

// nodeHeap is a min-heap of ready node IDs ordered by (created_at, id).
type nodeHeap struct {
	graph *Graph
	ids   []string
}

func (h *nodeHeap) Len() int { return len(h.ids) }

func (h *nodeHeap) Less(i, j int) bool {
	a, b := h.graph.Nodes[h.ids[i]], h.graph.Nodes[h.ids[j]]
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h *nodeHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *nodeHeap) Push(x any) { h.ids = append(h.ids, x.(string)) }

func (h *nodeHeap) Pop() any {
	n := len(h.ids)
	id := h.ids[n-1]
	h.ids = h.ids[:n-1]
	return id
}
