package plan

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by SkipUntil when the plan ends before the
// target position is reached.
var ErrExhausted = errors.New("execution plan exhausted")

// Event is a position of the tracker: about to enter Item, or about to
// leave it.
type Event struct {
	Item     *Item
	Entering bool
}

type frame struct {
	item    *Item
	child   int
	running bool
}

func (f *frame) nextChild() *frame {
	if f.child == len(f.item.Children)-1 {
		return nil
	}
	f.child++
	return &frame{item: f.item.Children[f.child], child: -1, running: true}
}

// Tracker is a depth-first cursor over a plan. It moves forward only.
type Tracker struct {
	root   *Item
	stack  []*frame
	nextID int
}

// NewTracker returns a tracker positioned before entering root.
func NewTracker(root *Item) *Tracker {
	return &Tracker{
		root:   root,
		stack:  []*frame{{item: root, child: -1, running: true}},
		nextID: 1,
	}
}

// Next advances one step through the plan.
func (t *Tracker) Next() {
	if len(t.stack) == 0 {
		return
	}

	if !t.stack[len(t.stack)-1].running {
		t.stack = t.stack[:len(t.stack)-1]
		if len(t.stack) == 0 {
			return
		}
	}

	top := t.stack[len(t.stack)-1]
	child := top.nextChild()
	if child == nil {
		top.running = false
		return
	}
	child.item.ID = t.nextID
	t.nextID++
	t.stack = append(t.stack, child)
}

// Peek returns the current position without advancing. The second value
// is false once the plan is finished.
func (t *Tracker) Peek() (Event, bool) {
	if len(t.stack) == 0 {
		return Event{}, false
	}
	top := t.stack[len(t.stack)-1]
	return Event{Item: top.item, Entering: top.running}, true
}

// Finished reports whether execution has finished according to the plan.
func (t *Tracker) Finished() bool {
	_, ok := t.Peek()
	return !ok
}

// Visitor is called for every item the tracker passes over while skipping.
type Visitor func(*Item) error

// SkipUntil advances until the tracker is about to enter the target item
// (untilStart) or about to leave it. onEnter and onExit, when not nil, are
// called for every position passed over.
func (t *Tracker) SkipUntil(targetID int, untilStart bool, onEnter, onExit Visitor) error {
	for {
		ev, ok := t.Peek()
		if !ok {
			return fmt.Errorf("skip to plan id %d (start %v): %w", targetID, untilStart, ErrExhausted)
		}
		if ev.Item.ID == targetID && ev.Entering == untilStart {
			return nil
		}
		if err := visit(ev, onEnter, onExit); err != nil {
			return err
		}
		t.Next()
	}
}

// SkipAll advances to the end of the plan with the same callback contract
// as SkipUntil.
func (t *Tracker) SkipAll(onEnter, onExit Visitor) error {
	for {
		ev, ok := t.Peek()
		if !ok {
			return nil
		}
		if err := visit(ev, onEnter, onExit); err != nil {
			return err
		}
		t.Next()
	}
}

func visit(ev Event, onEnter, onExit Visitor) error {
	fn := onExit
	if ev.Entering {
		fn = onEnter
	}
	if fn == nil {
		return nil
	}
	return fn(ev.Item)
}

// State is the serializable form of a tracker.
type State struct {
	Root   *Item        `msgpack:"root"`
	Frames []FrameState `msgpack:"frames"`
	NextID int          `msgpack:"next_id"`
}

// FrameState is the serializable form of one cursor frame.
type FrameState struct {
	Child   int  `msgpack:"child"`
	Running bool `msgpack:"running"`
}

// State captures the tracker position.
func (t *Tracker) State() State {
	frames := make([]FrameState, len(t.stack))
	for i, f := range t.stack {
		frames[i] = FrameState{Child: f.child, Running: f.running}
	}
	return State{Root: t.root, Frames: frames, NextID: t.nextID}
}

// Restore rebuilds a tracker from its state.
func Restore(s State) (*Tracker, error) {
	if s.Root == nil {
		return nil, errors.New("tracker state has no plan")
	}
	s.Root.link(nil)

	t := &Tracker{root: s.Root, nextID: s.NextID}
	item := s.Root
	for i, fs := range s.Frames {
		if i > 0 {
			prev := s.Frames[i-1]
			parent := t.stack[i-1].item
			if prev.Child < 0 || prev.Child >= len(parent.Children) {
				return nil, fmt.Errorf("tracker frame %d: child index %d out of range", i, prev.Child)
			}
			item = parent.Children[prev.Child]
		}
		t.stack = append(t.stack, &frame{item: item, child: fs.Child, running: fs.Running})
	}
	return t, nil
}
