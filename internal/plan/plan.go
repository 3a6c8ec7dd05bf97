// Package plan models the execution plan declared by the test harness
// and provides a cursor to walk it while live events arrive.
package plan

import (
	"fmt"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// Item is one node of the execution plan.
//
// Items are immutable once built. IDs are not known at build time: the
// Tracker assigns them in visit order.
type Item struct {
	ID          int             `msgpack:"id"`
	Name        string          `msgpack:"name"`
	Type        domain.NodeType `msgpack:"type"`
	HasPrologue bool            `msgpack:"has_prologue"`
	HasEpilogue bool            `msgpack:"has_epilogue"`
	Children    []*Item         `msgpack:"children"`

	parent *Item
}

// Build constructs the plan tree from a plan document.
//
// The prologue and epilogue become the first and last children. Children
// are expanded by their iteration count and the keepalive node, if any,
// is placed before every expanded iteration. Skipped children are not
// materialized.
func Build(doc *domain.PlanDocument) (*Item, error) {
	if doc == nil {
		return nil, fmt.Errorf("empty plan document")
	}
	return build(doc, nil)
}

func build(doc *domain.PlanDocument, parent *Item) (*Item, error) {
	nodeType, err := domain.ParseNodeType(doc.Type)
	if err != nil {
		return nil, fmt.Errorf("plan item %q: %w", doc.Name, err)
	}
	item := &Item{
		Name:   doc.Name,
		Type:   nodeType,
		parent: parent,
	}

	if doc.Prologue != nil {
		child, err := build(doc.Prologue, item)
		if err != nil {
			return nil, err
		}
		item.Children = append(item.Children, child)
		item.HasPrologue = true
	}

	for i := range doc.Children {
		childDoc := &doc.Children[i]
		childType, err := domain.ParseNodeType(childDoc.Type)
		if err != nil {
			return nil, fmt.Errorf("plan item %q: %w", childDoc.Name, err)
		}
		iterations := 1
		if childDoc.Iterations != nil {
			iterations = *childDoc.Iterations
		}
		for n := 0; n < iterations; n++ {
			if doc.Keepalive != nil {
				keepalive, err := build(doc.Keepalive, item)
				if err != nil {
					return nil, err
				}
				item.Children = append(item.Children, keepalive)
			}
			if childType == domain.NodeSkipped {
				continue
			}
			child, err := build(childDoc, item)
			if err != nil {
				return nil, err
			}
			item.Children = append(item.Children, child)
		}
	}

	if doc.Epilogue != nil {
		child, err := build(doc.Epilogue, item)
		if err != nil {
			return nil, err
		}
		item.Children = append(item.Children, child)
		item.HasEpilogue = true
	}

	return item, nil
}

// Parent returns the enclosing item or nil for the root.
func (it *Item) Parent() *Item {
	return it.parent
}

func (it *Item) String() string {
	return fmt.Sprintf("%s %s (pid %d)", it.Type, it.Name, it.ID)
}

// TestsNum returns the number of tests in the subtree.
func (it *Item) TestsNum() int {
	if it.Type == domain.NodeTest {
		return 1
	}
	n := 0
	for _, child := range it.Children {
		n += child.TestsNum()
	}
	return n
}

// TreeNodesNum returns the number of nodes in the subtree, itself included.
func (it *Item) TreeNodesNum() int {
	n := 1
	for _, child := range it.Children {
		n += child.TreeNodesNum()
	}
	return n
}

// TestsNumPrologue fills acc with, for every node that has a prologue, the
// number of tests skipped when that prologue fails. The count is keyed by
// the prologue's plan id; planID is the id of it.
//
// Prologues and epilogues run in any case and are not counted.
func (it *Item) TestsNumPrologue(acc map[int]int, planID int) map[int]int {
	if it.HasPrologue {
		n := 0
		for _, child := range it.Children {
			n += child.TestsNum()
		}
		n--
		if it.HasEpilogue {
			n--
		}
		acc[planID+1] = n
	}

	planID++
	for _, child := range it.Children {
		child.TestsNumPrologue(acc, planID)
		planID += child.TreeNodesNum()
	}
	return acc
}

// PrologueCounts is TestsNumPrologue computed from the root.
func (it *Item) PrologueCounts() map[int]int {
	return it.TestsNumPrologue(make(map[int]int), 0)
}

// link restores parent pointers after decoding.
func (it *Item) link(parent *Item) {
	it.parent = parent
	for _, child := range it.Children {
		child.link(it)
	}
}
