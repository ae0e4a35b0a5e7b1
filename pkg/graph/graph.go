// Package graph resolves and validates the dependency structure of a
// plan before any deployment begins. It resolves requires and conflicts
// references, including foreign project:name references through an
// injected lookup, and rejects forward references and dependency cycles.
package graph

import (
	"fmt"

	"github.com/strata-db/strata/pkg/plan"
)

// ProjectLookup fetches the plan of a foreign project by name. It is an
// injected capability so the graph stays test-isolatable; production
// lookups read plan files configured per project, tests supply fakes.
type ProjectLookup func(project string) (*plan.Plan, error)

// Node is one resolved change in the dependency graph.
type Node struct {
	// Change is the plan entry this node wraps.
	Change *plan.Change

	// Project is the project the change belongs to.
	Project string

	// Position is the change's index within its own project's plan.
	Position int

	// Requires holds the change ids this node depends on.
	Requires []string

	// Conflicts holds the change ids this node must not be deployed
	// alongside.
	Conflicts []string
}

// qualifiedName returns the node's name, prefixed with its project for
// foreign nodes relative to root.
func (n *Node) qualifiedName(root string) string {
	if n.Project == root {
		return n.Change.Name
	}
	return n.Project + ":" + n.Change.Name
}

// Graph is the resolved dependency graph for one plan, spanning into
// foreign plans where references demand it.
type Graph struct {
	project string
	nodes   map[string]*Node

	// adjacency maps a change id to the ids of changes that require it,
	// the edge direction used for cycle detection.
	adjacency map[string][]string
}

// Build resolves every requires and conflicts reference in p. Foreign
// references are resolved through lookup; the referenced foreign changes
// and their own dependencies are pulled into the graph transitively.
// An unresolvable reference fails the build with *UnresolvedError.
func Build(p *plan.Plan, lookup ProjectLookup) (*Graph, error) {
	g := &Graph{
		project:   p.Project(),
		nodes:     make(map[string]*Node),
		adjacency: make(map[string][]string),
	}
	plans := map[string]*plan.Plan{p.Project(): p}
	getPlan := func(project string) (*plan.Plan, error) {
		if fp, ok := plans[project]; ok {
			return fp, nil
		}
		if lookup == nil {
			return nil, fmt.Errorf("no project lookup configured")
		}
		fp, err := lookup(project)
		if err != nil {
			return nil, err
		}
		if fp == nil || fp.Project() != project {
			return nil, fmt.Errorf("lookup returned wrong plan for project %q", project)
		}
		plans[project] = fp
		return fp, nil
	}

	// Seed with every change of the root plan, then chase references
	// breadth-first into foreign plans.
	type item struct {
		change  *plan.Change
		project string
	}
	var queue []item
	for c := range p.Changes() {
		queue = append(queue, item{c, p.Project()})
	}
	for i := range queue {
		g.addNode(queue[i].change, queue[i].project, plans[queue[i].project])
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node := g.nodes[cur.change.ID]

		resolve := func(ref plan.Ref) (*plan.Change, string, error) {
			project := ref.Project
			if project == "" {
				project = cur.project
			}
			fp, err := getPlan(project)
			if err != nil {
				if ref.IsForeign() {
					return nil, "", fmt.Errorf("resolve dependency %q of change %q: %w", ref, cur.change.Name, err)
				}
				return nil, "", err
			}
			target, ok := fp.GetChange(ref.Key())
			if !ok {
				return nil, "", &UnresolvedError{Project: cur.project, Change: cur.change.Name, Ref: ref}
			}
			return target, project, nil
		}

		for _, ref := range cur.change.Requires {
			target, project, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			node.Requires = append(node.Requires, target.ID)
			g.adjacency[target.ID] = append(g.adjacency[target.ID], cur.change.ID)
			if _, seen := g.nodes[target.ID]; !seen {
				g.addNode(target, project, plans[project])
				queue = append(queue, item{target, project})
			}
		}
		for _, ref := range cur.change.Conflicts {
			target, project, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			node.Conflicts = append(node.Conflicts, target.ID)
			// Conflicts are constraints, not edges: the target joins the
			// graph for reporting but contributes no ordering.
			if _, seen := g.nodes[target.ID]; !seen {
				g.addNode(target, project, plans[project])
				queue = append(queue, item{target, project})
			}
		}
	}
	return g, nil
}

func (g *Graph) addNode(c *plan.Change, project string, fp *plan.Plan) {
	g.nodes[c.ID] = &Node{
		Change:   c,
		Project:  project,
		Position: fp.ChangeIndex(c.ID),
	}
	if _, ok := g.adjacency[c.ID]; !ok {
		g.adjacency[c.ID] = nil
	}
}

// Node returns the graph node for a change id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Requires returns the resolved nodes the given change depends on.
func (g *Graph) Requires(id string) []*Node {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]*Node, 0, len(n.Requires))
	for _, rid := range n.Requires {
		out = append(out, g.nodes[rid])
	}
	return out
}

// Conflicts returns the resolved nodes the given change conflicts with.
func (g *Graph) Conflicts(id string) []*Node {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]*Node, 0, len(n.Conflicts))
	for _, cid := range n.Conflicts {
		out = append(out, g.nodes[cid])
	}
	return out
}

// Validate confirms that plan order already satisfies every requires
// edge and that no dependency cycle exists, across all projects pulled
// into the graph. It must pass before any deployment begins.
func (g *Graph) Validate() error {
	for _, node := range g.nodes {
		for _, rid := range node.Requires {
			target := g.nodes[rid]
			if target.Project == node.Project && target.Position > node.Position {
				return &OrderError{
					Project:  node.Project,
					Change:   node.Change.Name,
					Requires: target.Change.Name,
				}
			}
		}
	}
	return g.detectCycles()
}

// detectCycles uses depth-first search over the requires edges.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for id := range g.nodes {
		if !visited[id] {
			if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return &CycleError{Path: g.formatCycle(cycle)}
			}
		}
	}
	return nil
}

// detectCyclesUtil performs DFS, returning the offending path when a
// node on the current recursion stack is reached again.
func (g *Graph) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range g.adjacency[id] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, pid := range path {
				if pid == dependent {
					return append(path[i:], dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

func (g *Graph) formatCycle(ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = g.nodes[id].qualifiedName(g.project)
	}
	return names
}
