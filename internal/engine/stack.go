package engine

import (
	"pagefs/internal/disk"
)

// DefaultMaxDepth bounds the working-directory stack, root included.
const DefaultMaxDepth = 255

// DirStack is the bounded working-directory stack. Each level holds the
// content head of a directory; level 0 is the root. Names are not stored
// and are recovered from the parent chain when needed.
type DirStack struct {
	levels []disk.PageID
	max    int
}

// NewDirStack returns a stack holding only root.
func NewDirStack(root disk.PageID, max int) *DirStack {
	if max < 1 {
		max = DefaultMaxDepth
	}
	return &DirStack{levels: []disk.PageID{root}, max: max}
}

// Top returns the current directory.
func (s *DirStack) Top() disk.PageID {
	return s.levels[len(s.levels)-1]
}

// Depth returns the number of levels, root included.
func (s *DirStack) Depth() int {
	return len(s.levels)
}

// Push enters a directory.
func (s *DirStack) Push(head disk.PageID) error {
	if len(s.levels) >= s.max {
		return ErrMaxDepthExceeded
	}
	s.levels = append(s.levels, head)
	return nil
}

// Pop leaves the current directory. At root it does nothing and reports false.
func (s *DirStack) Pop() (disk.PageID, bool) {
	if len(s.levels) == 1 {
		return s.levels[0], false
	}
	top := s.Top()
	s.levels = s.levels[:len(s.levels)-1]
	return top, true
}

// Truncate drops every level above depth n.
func (s *DirStack) Truncate(n int) {
	if n >= 1 && n < len(s.levels) {
		s.levels = s.levels[:n]
	}
}

// Reset returns to root.
func (s *DirStack) Reset() {
	s.Truncate(1)
}

// Levels returns a copy of the stack, root first.
func (s *DirStack) Levels() []disk.PageID {
	out := make([]disk.PageID, len(s.levels))
	copy(out, s.levels)
	return out
}

func (s *DirStack) restore(levels []disk.PageID) {
	s.levels = append(s.levels[:0], levels...)
}
