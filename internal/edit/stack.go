package edit

import (
	"sync"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// DefaultHistoryDepth is used when a non-positive depth is configured.
const DefaultHistoryDepth = 100

// Stack is the undo history of one image: a bounded, ordered slice of
// snapshots and a cursor pointing at the head. It always holds at least one
// entry. Not safe for concurrent use; Model serialises access.
type Stack struct {
	history []Snapshot
	cursor  int
	depth   int
}

// NewStack creates a stack whose only entry is the default snapshot.
func NewStack(depth int) *Stack {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &Stack{history: []Snapshot{Default()}, depth: depth}
}

// RestoreStack rebuilds a stack from persisted history. An out-of-range head
// is clamped; an empty history yields the default stack.
func RestoreStack(history []Snapshot, head, depth int) *Stack {
	s := NewStack(depth)
	if len(history) == 0 {
		return s
	}
	if len(history) > s.depth {
		drop := len(history) - s.depth
		history = history[drop:]
		head -= drop
	}
	s.history = append([]Snapshot(nil), history...)
	s.cursor = min(max(head, 0), len(s.history)-1)
	return s
}

// Apply makes snap the new head. Entries after the cursor (the redo tail)
// are discarded; when the history is full the oldest entry is dropped.
// Applying a snapshot equal to the head is a no-op.
func (s *Stack) Apply(snap Snapshot) Snapshot {
	if snap.Equal(s.Head()) {
		return s.Head()
	}
	s.history = append(s.history[:s.cursor+1], snap)
	if len(s.history) > s.depth {
		// 超出上限，丟棄最舊的
		n := copy(s.history, s.history[len(s.history)-s.depth:])
		s.history = s.history[:n]
	}
	s.cursor = len(s.history) - 1
	return snap
}

// Undo moves the cursor back. At the oldest entry it does nothing and
// reports false.
func (s *Stack) Undo() (Snapshot, bool) {
	if s.cursor == 0 {
		return s.Head(), false
	}
	s.cursor--
	return s.Head(), true
}

// Redo moves the cursor forward. At the newest entry it does nothing and
// reports false.
func (s *Stack) Redo() (Snapshot, bool) {
	if s.cursor >= len(s.history)-1 {
		return s.Head(), false
	}
	s.cursor++
	return s.Head(), true
}

// Reset applies the default snapshot as a regular, undoable edit.
func (s *Stack) Reset() Snapshot {
	return s.Apply(Default())
}

func (s *Stack) Head() Snapshot { return s.history[s.cursor] }

func (s *Stack) Cursor() int { return s.cursor }

func (s *Stack) Len() int { return len(s.history) }

func (s *Stack) Depth() int { return s.depth }

func (s *Stack) CanUndo() bool { return s.cursor > 0 }

func (s *Stack) CanRedo() bool { return s.cursor < len(s.history)-1 }

// History returns a copy of the entries, oldest first.
func (s *Stack) History() []Snapshot {
	return append([]Snapshot(nil), s.history...)
}

// Model holds one Stack per image.
type Model struct {
	mu     sync.Mutex
	depth  int
	stacks map[types.ImageID]*Stack
}

func NewModel(depth int) *Model {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &Model{depth: depth, stacks: make(map[types.ImageID]*Stack)}
}

func (m *Model) stack(id types.ImageID) *Stack {
	st, ok := m.stacks[id]
	if !ok {
		st = NewStack(m.depth)
		m.stacks[id] = st
	}
	return st
}

// Apply commits snap as the head for id and returns the new head.
func (m *Model) Apply(id types.ImageID, snap Snapshot) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack(id).Apply(snap)
}

func (m *Model) Undo(id types.ImageID) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack(id).Undo()
}

func (m *Model) Redo(id types.ImageID) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack(id).Redo()
}

func (m *Model) Reset(id types.ImageID) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack(id).Reset()
}

func (m *Model) Head(id types.ImageID) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stacks[id]; ok {
		return st.Head()
	}
	return Default()
}

// History returns the entries and cursor for id.
func (m *Model) History(id types.ImageID) ([]Snapshot, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stack(id)
	return st.History(), st.Cursor()
}

// Load replaces the stack for id with persisted history.
func (m *Model) Load(id types.ImageID, history []Snapshot, head int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := RestoreStack(history, head, m.depth)
	m.stacks[id] = st
	return st.Head()
}

func (m *Model) Loaded(id types.ImageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stacks[id]
	return ok
}

func (m *Model) Forget(id types.ImageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stacks, id)
}
